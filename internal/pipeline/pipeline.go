// Package pipeline runs the segment classification and change labeling
// stages end to end.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/chrissnell/coded/internal/ccd"
	"github.com/chrissnell/coded/internal/change"
	"github.com/chrissnell/coded/internal/classify"
	"github.com/chrissnell/coded/internal/raster"
	"github.com/chrissnell/coded/pkg/config"
)

// Pipeline holds a validated configuration.
type Pipeline struct {
	cfg    config.ConfigData
	logger *zap.SugaredLogger
}

// Input is everything a run reads.
type Input struct {
	Raw     *ccd.RawImage
	Samples []classify.Sample
	// PrepareSamples resolves sample features from the segments before
	// training. Leave it unset when the samples already carry features.
	PrepareSamples bool
	// Mask is an optional forest mask; nil derives one from slot 1.
	Mask *raster.Layer
	// Ancillary holds extra predictor layers. Only the layers named in the
	// classification config are used.
	Ancillary *raster.Stack
}

// Output holds every layer set a run produces.
type Output struct {
	Long           *raster.Stack
	Reshape        ccd.ReshapeStats
	Samples        []classify.Sample
	Classification *classify.Outcome
	Prepared       *change.Prepared
	Change         *change.Result

	StartYear int
	EndYear   int
	// Strata counts valid stratification pixels per code.
	Strata map[int]int
}

// New creates a pipeline. The configuration should already have been through
// a ConfigProvider, which applies defaults and validates it.
func New(cfg *config.ConfigData, logger *zap.SugaredLogger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pipeline{cfg: *cfg, logger: logger}
}

// Reshape converts the raw segment image into the long-format stack.
func (p *Pipeline) Reshape(raw *ccd.RawImage) (*raster.Stack, ccd.ReshapeStats, error) {
	g := p.cfg.General
	long, stats, err := ccd.Reshape(raw, g.Segments, g.ClassBands)
	if err != nil {
		return nil, stats, fmt.Errorf("reshaping segments: %w", err)
	}
	if stats.Truncated > 0 {
		p.logger.Warnw("pixels had more segments than slots; extra segments dropped",
			"pixels", stats.Truncated,
			"max_segments", stats.MaxSegments,
			"segments", g.Segments,
		)
	}
	return long, stats, nil
}

// Samples resolves training sample features against the long-format stack
// using the configured match policy.
func (p *Pipeline) Samples(long *raster.Stack, samples []classify.Sample, ancillary *raster.Stack) ([]classify.Sample, error) {
	policy, err := ccd.ParseMatchPolicy(p.cfg.General.MatchPolicy)
	if err != nil {
		return nil, err
	}
	anc, err := p.ancillary(ancillary)
	if err != nil {
		return nil, err
	}
	coefs := append(append([]string{}, p.cfg.General.Coefs...), p.cfg.Classification.Coefs...)
	out, err := PrepareSamples(long, samples, p.cfg.General.Segments, p.cfg.General.ClassBands, coefs, policy, anc)
	if err != nil {
		return nil, fmt.Errorf("preparing samples: %w", err)
	}
	p.logger.Infow("training samples prepared",
		"ml.phase", "prepare",
		"data.samples", len(out),
		"match_policy", policy.String(),
	)
	return out, nil
}

// Run executes reshape, optional sample preparation, segment classification
// and change labeling. The context is checked between stages.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Output, error) {
	out := &Output{}
	var err error

	stage := p.stage("reshape")
	if out.Long, out.Reshape, err = p.Reshape(in.Raw); err != nil {
		return nil, err
	}
	stage(len(out.Long.Layers))

	out.Samples = in.Samples
	if in.PrepareSamples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stage = p.stage("prepare-samples")
		if out.Samples, err = p.Samples(out.Long, in.Samples, in.Ancillary); err != nil {
			return nil, err
		}
		stage(len(out.Samples))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stage = p.stage("classify")
	if out.Classification, err = p.classify(ctx, out.Long, out.Samples, in.Ancillary); err != nil {
		return nil, err
	}
	stage(out.Classification.Classification.Len())

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stage = p.stage("label")
	g := p.cfg.General
	out.Prepared, err = change.PrepareClassification(out.Classification.Classification, out.Long, in.Mask, change.PrepareOptions{
		Segments:      g.Segments,
		ForestValue:   g.Forest(),
		MagnitudeBand: g.Magnitude(),
	})
	if err != nil {
		return nil, fmt.Errorf("preparing classification: %w", err)
	}

	out.StartYear, out.EndYear = g.StartYear, g.EndYear
	if out.StartYear == 0 || out.EndYear == 0 {
		first, last, ok := SegmentYears(out.Long, g.Segments)
		if !ok {
			return nil, fmt.Errorf("no segments to derive the study window from")
		}
		if out.StartYear == 0 {
			out.StartYear = first
		}
		if out.EndYear == 0 {
			out.EndYear = last
		}
		p.logger.Infow("study window derived from segments", "start", out.StartYear, "end", out.EndYear)
	}

	out.Change, err = change.Label(out.Prepared.Classification, out.Long, out.Prepared.Mask, change.Params{
		ForestValue:    g.Forest(),
		StudyStartYear: out.StartYear,
		StudyEndYear:   out.EndYear,
	})
	if err != nil {
		return nil, fmt.Errorf("labeling change: %w", err)
	}
	out.Strata = countStrata(out.Change.Stratification)
	stage(out.Change.Stratification.CountValid())

	p.logger.Infow("change labeled",
		"degradation", out.Change.Degradation.CountValid(),
		"deforestation", out.Change.Deforestation.CountValid(),
		"both", out.Change.Both.CountValid(),
	)
	return out, nil
}

func (p *Pipeline) classify(ctx context.Context, long *raster.Stack, samples []classify.Sample, ancillary *raster.Stack) (*classify.Outcome, error) {
	cl := p.cfg.Classification
	trainer, err := NewTrainer(cl.Classifier, cl.Seed)
	if err != nil {
		return nil, err
	}
	anc, err := p.ancillary(ancillary)
	if err != nil {
		return nil, err
	}
	outcome, err := classify.ClassifySegments(ctx, classify.Params{
		Stack:             long,
		Segments:          p.cfg.General.Segments,
		Bands:             p.cfg.General.ClassBands,
		Coefs:             cl.Coefs,
		Ancillary:         anc,
		Samples:           samples,
		Trainer:           trainer,
		StudyArea:         StudyArea(cl.StudyArea),
		SubsetToStudyArea: cl.SubsetToStudyArea,
		TrainProportion:   cl.TrainProportion,
		Seed:              cl.Seed,
		TrainOnSubset:     cl.TrainOnSubset,
		Logger:            p.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("classifying segments: %w", err)
	}
	return outcome, nil
}

// ancillary narrows st to the configured layer names, in config order.
func (p *Pipeline) ancillary(st *raster.Stack) (*raster.Stack, error) {
	names := p.cfg.Classification.Ancillary
	if len(names) == 0 {
		return nil, nil
	}
	if st == nil {
		return nil, fmt.Errorf("ancillary layers %v configured but none supplied", names)
	}
	out := raster.NewStack(st.Width, st.Height)
	for _, n := range names {
		l, ok := st.Layer(n)
		if !ok {
			return nil, fmt.Errorf("%w: ancillary layer %s", ccd.ErrMissingAttribute, n)
		}
		if err := out.Add(l); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// stage logs the start of a named stage and returns a func that logs its
// completion with a result count.
func (p *Pipeline) stage(name string) func(count int) {
	start := time.Now()
	p.logger.Debugw("stage started", "stage", name)
	return func(count int) {
		p.logger.Infow("stage finished", "stage", name, "count", count, "duration", time.Since(start))
	}
}

// NewTrainer builds the configured classifier.
func NewTrainer(c config.ClassifierData, seed uint64) (classify.Trainer, error) {
	return classify.NewTrainer(classify.TrainerSpec{
		Type:        c.Type,
		Trees:       c.Trees,
		MaxDepth:    c.MaxDepth,
		MinLeafSize: c.MinLeafSize,
		Features:    c.Features,
		BagFraction: c.BagFraction,
		K:           c.K,
		Seed:        seed,
	})
}

// StudyArea converts the configured study area, preferring the polygon.
func StudyArea(sa *config.StudyAreaData) classify.Region {
	if sa == nil {
		return nil
	}
	if len(sa.Polygon) > 0 {
		return classify.NewPolygon(sa.Polygon)
	}
	return classify.Rect{MinCol: sa.MinCol, MinRow: sa.MinRow, MaxCol: sa.MaxCol, MaxRow: sa.MaxRow}
}

// SegmentYears returns the earliest floor(tStart) and latest floor(tEnd) of
// every fitted segment in the stack. ok is false when no slot holds one.
func SegmentYears(long *raster.Stack, n int) (start, end int, ok bool) {
	first, last := math.Inf(1), math.Inf(-1)
	for s := 1; s <= n; s++ {
		ts, okS := long.Layer(ccd.AttrName(s, ccd.AttrTStart))
		te, okE := long.Layer(ccd.AttrName(s, ccd.AttrTEnd))
		if !okS || !okE {
			continue
		}
		for p, v := range ts.Values {
			if !ts.Valid[p] || v <= 0 || !te.Valid[p] {
				continue
			}
			first = math.Min(first, v)
			last = math.Max(last, te.Values[p])
		}
	}
	if math.IsInf(first, 1) {
		return 0, 0, false
	}
	return int(math.Floor(first)), int(math.Floor(last)), true
}

func countStrata(l *raster.Layer) map[int]int {
	counts := make(map[int]int)
	for p, v := range l.Values {
		if l.Valid[p] {
			counts[int(v)]++
		}
	}
	return counts
}
