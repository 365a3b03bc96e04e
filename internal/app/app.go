// Package app wires file I/O, storage and the pipeline into a single run.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chrissnell/coded/internal/ccd"
	"github.com/chrissnell/coded/internal/classify"
	"github.com/chrissnell/coded/internal/codec"
	"github.com/chrissnell/coded/internal/pipeline"
	"github.com/chrissnell/coded/internal/raster"
	"github.com/chrissnell/coded/internal/store"
	"github.com/chrissnell/coded/pkg/config"
)

// Output file names written under Options.OutDir.
const (
	ClassificationFile     = "classification.msgpack"
	ChangeFile             = "change.msgpack"
	DegradationDatesFile   = "dates_of_degradation.msgpack"
	DeforestationDatesFile = "dates_of_deforestation.msgpack"
	StudyPeriodFile        = "classification_study_period.msgpack"
	ForestMaskFile         = "forest_mask.msgpack"
	SegmentsFile           = "segments.msgpack"
)

// Options selects the inputs and outputs of a run.
type Options struct {
	RawPath       string
	SamplesCSV    string
	SamplesDB     string
	MaskPath      string
	AncillaryPath string
	OutDir        string
	// PrepTraining resolves sample features, stores them and stops.
	PrepTraining bool
	// WriteSegments also writes the long-format stack.
	WriteSegments bool
}

// App represents the main application
type App struct {
	cfg    *config.ConfigData
	opts   Options
	logger *zap.SugaredLogger
}

// New creates a new application instance
func New(cfg *config.ConfigData, opts Options, logger *zap.SugaredLogger) *App {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &App{cfg: cfg, opts: opts, logger: logger}
}

// Run executes one pipeline run and returns once outputs are written or the
// run is interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set up signal handling
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			a.logger.Info("shutdown signal received, cancelling run...")
			cancel()
		case <-ctx.Done():
		}
	}()

	started := time.Now()

	st, err := a.openStore()
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	raw, err := codec.ReadRawImage(a.opts.RawPath)
	if err != nil {
		return err
	}
	ancillary, err := a.readAncillary()
	if err != nil {
		return err
	}
	p := pipeline.New(a.cfg, a.logger)

	if a.opts.PrepTraining {
		return a.prepTraining(ctx, p, raw, ancillary, st)
	}

	in := pipeline.Input{Raw: raw, Ancillary: ancillary}
	switch {
	case a.opts.SamplesCSV != "":
		if in.Samples, err = a.readSamplesCSV(); err != nil {
			return err
		}
		in.PrepareSamples = true
	case st != nil:
		if in.Samples, err = st.LoadSamples(ctx); err != nil {
			return fmt.Errorf("loading training samples: %w", err)
		}
		a.logger.Infow("training samples loaded", "data.samples", len(in.Samples))
	default:
		return errors.New("no training samples: pass -samples-csv or a samples database")
	}

	if a.opts.MaskPath != "" {
		if in.Mask, err = codec.ReadLayer(a.opts.MaskPath); err != nil {
			return err
		}
	}

	out, err := p.Run(ctx, in)
	if err != nil {
		return err
	}
	if err := a.writeOutputs(out); err != nil {
		return err
	}

	if st != nil {
		id, err := st.RecordRun(ctx, summarize(a.cfg, out, started))
		if err != nil {
			return fmt.Errorf("recording run: %w", err)
		}
		a.logger.Infow("run recorded", "run.id", id)
	}
	a.logger.Infow("run complete", "out", a.opts.OutDir, "duration", time.Since(started))
	return nil
}

func (a *App) prepTraining(ctx context.Context, p *pipeline.Pipeline, raw *ccd.RawImage, ancillary *raster.Stack, st *store.Store) error {
	if a.opts.SamplesCSV == "" {
		return errors.New("-prep-training needs -samples-csv")
	}
	if st == nil {
		return errors.New("-prep-training needs a samples database")
	}
	samples, err := a.readSamplesCSV()
	if err != nil {
		return err
	}
	long, _, err := p.Reshape(raw)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	prepared, err := p.Samples(long, samples, ancillary)
	if err != nil {
		return err
	}
	return st.SaveSamples(ctx, prepared)
}

// openStore opens the samples database named by the flag, falling back to
// the configured one. It returns nil when neither is set.
func (a *App) openStore() (*store.Store, error) {
	path := a.opts.SamplesDB
	if path == "" && a.cfg.Storage.SQLite != nil {
		path = a.cfg.Storage.SQLite.Path
	}
	if path == "" {
		return nil, nil
	}
	st, err := store.Open(path, a.logger)
	if err != nil {
		return nil, fmt.Errorf("opening samples database %s: %w", path, err)
	}
	return st, nil
}

func (a *App) readSamplesCSV() ([]classify.Sample, error) {
	f, err := os.Open(a.opts.SamplesCSV)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	samples, err := codec.ReadSamplesCSV(f, a.cfg.Classification.ClassProperty)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", a.opts.SamplesCSV, err)
	}
	a.logger.Infow("training samples read", "data.samples", len(samples), "file", a.opts.SamplesCSV)
	return samples, nil
}

func (a *App) readAncillary() (*raster.Stack, error) {
	if a.opts.AncillaryPath == "" {
		return nil, nil
	}
	return codec.ReadStack(a.opts.AncillaryPath)
}

func (a *App) writeOutputs(out *pipeline.Output) error {
	if err := os.MkdirAll(a.opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	changeLayers, err := out.Change.Layers(out.Long.Width, out.Long.Height)
	if err != nil {
		return err
	}

	stacks := []struct {
		file string
		st   *raster.Stack
	}{
		{ClassificationFile, out.Classification.Classification},
		{ChangeFile, changeLayers},
		{DegradationDatesFile, out.Change.DatesOfDegradation},
		{DeforestationDatesFile, out.Change.DatesOfDeforestation},
		{StudyPeriodFile, out.Change.ClassificationStudyPeriod},
	}
	if a.opts.WriteSegments {
		stacks = append(stacks, struct {
			file string
			st   *raster.Stack
		}{SegmentsFile, out.Long})
	}
	for _, s := range stacks {
		if err := codec.WriteStack(filepath.Join(a.opts.OutDir, s.file), s.st); err != nil {
			return fmt.Errorf("writing %s: %w", s.file, err)
		}
	}
	if err := codec.WriteLayer(filepath.Join(a.opts.OutDir, ForestMaskFile), out.Prepared.Mask); err != nil {
		return fmt.Errorf("writing %s: %w", ForestMaskFile, err)
	}
	return nil
}

func summarize(cfg *config.ConfigData, out *pipeline.Output, started time.Time) store.RunSummary {
	c := out.Classification
	r := store.RunSummary{
		StartedAt:   started,
		FinishedAt:  time.Now(),
		Segments:    cfg.General.Segments,
		ModelName:   c.ModelName,
		MatchPolicy: cfg.General.MatchPolicy,
		StartYear:   out.StartYear,
		EndYear:     out.EndYear,
		TrainCount:  c.TrainCount,
		TestCount:   c.TestCount,
		Dropped:     c.Dropped,
		Truncated:   out.Reshape.Truncated,
		Strata:      out.Strata,
		Config:      cfg,
	}
	if c.Evaluation != nil {
		oa, kappa := c.Evaluation.OverallAccuracy(), c.Evaluation.Kappa()
		r.OverallAccuracy, r.Kappa = &oa, &kappa
	}
	return r
}
