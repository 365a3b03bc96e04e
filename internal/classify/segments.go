package classify

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chrissnell/coded/internal/raster"
	"github.com/chrissnell/coded/internal/workers"
)

// Params configures a segment classification run.
type Params struct {
	Stack     *raster.Stack
	Segments  int
	Bands     []string
	Coefs     []string
	Ancillary *raster.Stack

	Samples []Sample
	Trainer Trainer

	// StudyArea restricts training samples when SubsetToStudyArea is set.
	StudyArea         Region
	SubsetToStudyArea bool

	// TrainProportion > 0 holds out that share of each large class for a
	// confusion-matrix evaluation.
	TrainProportion float64
	Seed            uint64
	// TrainOnSubset makes the evaluated model the production model instead
	// of refitting on every sample.
	TrainOnSubset bool

	Logger *zap.SugaredLogger
}

// Outcome is the result of ClassifySegments.
type Outcome struct {
	// Classification holds S{i}_classification for each slot.
	Classification *raster.Stack
	Predictors     []string
	ModelName      string
	Evaluation     *ConfusionMatrix
	TrainCount     int
	TestCount      int
	Dropped        int
}

// ClassificationName is the output layer name for slot.
func ClassificationName(slot int) string {
	return fmt.Sprintf("S%d_classification", slot)
}

// ClassifySegments trains one model and applies it independently to every
// segment slot. Slot 1 defines the predictor schema.
func ClassifySegments(ctx context.Context, p Params) (*Outcome, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if p.Segments < 1 {
		return nil, fmt.Errorf("segment count must be at least 1, got %d", p.Segments)
	}
	if p.Trainer == nil {
		return nil, fmt.Errorf("no classifier configured")
	}

	tables := make([]*FeatureTable, p.Segments)
	for i := range tables {
		ft, err := SlotFeatures(p.Stack, i+1, p.Bands, p.Coefs, p.Ancillary)
		if err != nil {
			return nil, err
		}
		if i > 0 && !slices.Equal(ft.Names, tables[0].Names) {
			return nil, fmt.Errorf("%w: slot %d has %v, slot 1 has %v", ErrSchemaMismatch, i+1, ft.Names, tables[0].Names)
		}
		tables[i] = ft
	}
	schema := tables[0].Names

	samples := p.Samples
	if p.StudyArea != nil && p.SubsetToStudyArea {
		samples = WithinRegion(samples, p.StudyArea)
		logger.Debugw("restricted samples to study area", "data.samples", len(samples))
	}

	ds, dropped, err := NewDataset(schema, samples)
	if err != nil {
		return nil, fmt.Errorf("building training set (%d samples, %d dropped): %w", len(samples), dropped, err)
	}
	if dropped > 0 {
		logger.Warnw("dropped samples with missing predictors", "data.dropped", dropped, "data.samples", len(samples))
	}

	out := &Outcome{
		Predictors: schema,
		ModelName:  p.Trainer.Name(),
		Dropped:    dropped,
	}

	var model Model
	if p.TrainProportion > 0 {
		train, test := SubsetTraining(usable(samples, schema), p.TrainProportion, p.Seed)
		out.TrainCount, out.TestCount = len(train), len(test)

		trainSet, _, err := NewDataset(schema, train)
		if err != nil {
			return nil, fmt.Errorf("building train partition: %w", err)
		}
		evalModel, err := p.Trainer.Fit(trainSet)
		if err != nil {
			return nil, fmt.Errorf("fitting %s on train partition: %w", out.ModelName, err)
		}
		if len(test) > 0 {
			cm, err := Evaluate(evalModel, schema, test)
			if err != nil {
				return nil, fmt.Errorf("evaluating %s: %w", out.ModelName, err)
			}
			out.Evaluation = cm
			logger.Infow("model evaluated",
				"model.name", out.ModelName,
				"ml.phase", "evaluate",
				"data.train", len(train),
				"data.test", len(test),
				"accuracy", cm.OverallAccuracy(),
				"kappa", cm.Kappa(),
			)
		}
		if p.TrainOnSubset {
			model = evalModel
		}
	}
	if model == nil {
		rows, _ := ds.X.Dims()
		out.TrainCount = rows
		model, err = p.Trainer.Fit(ds)
		if err != nil {
			return nil, fmt.Errorf("fitting %s: %w", out.ModelName, err)
		}
	}
	logger.Infow("model fitted",
		"model.name", out.ModelName,
		"ml.phase", "fit",
		"data.samples", out.TrainCount,
		"data.features", len(schema),
	)

	layers := make([]*raster.Layer, p.Segments)
	g, gctx := errgroup.WithContext(ctx)
	for i, ft := range tables {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			layers[i] = Predict(model, ft, ClassificationName(i+1))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out.Classification = raster.NewStack(p.Stack.Width, p.Stack.Height)
	for _, l := range layers {
		if err := out.Classification.Add(l); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Predict classifies every valid pixel of ft into a new layer.
func Predict(m Model, ft *FeatureTable, name string) *raster.Layer {
	out := raster.NewLayer(name, len(ft.Valid))
	workers.Range(len(ft.Valid), func(lo, hi int) {
		buf := make([]float64, 0, len(ft.Columns))
		for p := lo; p < hi; p++ {
			if !ft.Valid[p] {
				continue
			}
			buf = ft.Row(p, buf)
			out.Set(p, float64(m.Predict(buf)))
		}
	})
	return out
}

func usable(samples []Sample, names []string) []Sample {
	var out []Sample
	for _, s := range samples {
		if _, ok := s.Vector(names); ok {
			out = append(out, s)
		}
	}
	return out
}
