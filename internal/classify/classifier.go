// Package classify assigns land-cover classes to every segment slot of a
// segment stack using a supervised classifier trained on labelled samples.
package classify

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNoTrainingData means no usable sample survived filtering.
	ErrNoTrainingData = errors.New("no usable training samples")
	// ErrSchemaMismatch means a slot produced a different predictor schema
	// than slot 1.
	ErrSchemaMismatch = errors.New("predictor schema mismatch")
)

// Dataset is a training matrix with one row per sample.
type Dataset struct {
	Names []string
	X     *mat.Dense
	Y     []int
}

// Classes returns the sorted distinct labels.
func (d *Dataset) Classes() []int {
	seen := make(map[int]bool)
	var out []int
	for _, y := range d.Y {
		if !seen[y] {
			seen[y] = true
			out = append(out, y)
		}
	}
	sort.Ints(out)
	return out
}

// NewDataset builds a dataset from samples in schema order. Samples missing
// any predictor are skipped and counted in dropped.
func NewDataset(names []string, samples []Sample) (ds *Dataset, dropped int, err error) {
	var data []float64
	var labels []int
	for _, s := range samples {
		vec, ok := s.Vector(names)
		if !ok {
			dropped++
			continue
		}
		data = append(data, vec...)
		labels = append(labels, s.Class)
	}
	if len(labels) == 0 {
		return nil, dropped, ErrNoTrainingData
	}
	return &Dataset{
		Names: names,
		X:     mat.NewDense(len(labels), len(names), data),
		Y:     labels,
	}, dropped, nil
}

// Trainer fits a Model to a dataset.
type Trainer interface {
	Name() string
	Fit(ds *Dataset) (Model, error)
}

// Model predicts a class for one predictor vector. Fitted models are
// read-only, so Predict is safe for concurrent use.
type Model interface {
	Predict(x []float64) int
}

// TrainerSpec selects and parameterizes a classifier.
type TrainerSpec struct {
	Type        string
	Trees       int
	MaxDepth    int
	MinLeafSize int
	Features    int
	BagFraction float64
	K           int
	Seed        uint64
}

// NewTrainer builds the classifier named by spec.Type.
func NewTrainer(spec TrainerSpec) (Trainer, error) {
	switch strings.ToLower(spec.Type) {
	case "", "random-forest", "randomforest":
		return &RandomForest{
			NumTrees:         spec.Trees,
			MaxDepth:         spec.MaxDepth,
			MinLeafSize:      spec.MinLeafSize,
			FeaturesPerSplit: spec.Features,
			BagFraction:      spec.BagFraction,
			Seed:             spec.Seed,
		}, nil
	case "knn":
		return &KNN{K: spec.K}, nil
	}
	return nil, fmt.Errorf("unknown classifier type %q", spec.Type)
}
