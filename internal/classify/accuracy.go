package classify

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ConfusionMatrix counts reference (rows) against predicted (columns) labels.
type ConfusionMatrix struct {
	Classes []int
	Counts  *mat.Dense
}

// NewConfusionMatrix tallies paired reference and predicted labels.
func NewConfusionMatrix(reference, predicted []int) (*ConfusionMatrix, error) {
	if len(reference) != len(predicted) {
		return nil, fmt.Errorf("%d reference labels but %d predictions", len(reference), len(predicted))
	}
	if len(reference) == 0 {
		return nil, fmt.Errorf("empty evaluation set")
	}

	seen := make(map[int]bool)
	for _, c := range reference {
		seen[c] = true
	}
	for _, c := range predicted {
		seen[c] = true
	}
	classes := make([]int, 0, len(seen))
	for c := range seen {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	index := make(map[int]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}

	counts := mat.NewDense(len(classes), len(classes), nil)
	for i := range reference {
		r, p := index[reference[i]], index[predicted[i]]
		counts.Set(r, p, counts.At(r, p)+1)
	}
	return &ConfusionMatrix{Classes: classes, Counts: counts}, nil
}

// Total is the number of evaluated samples.
func (cm *ConfusionMatrix) Total() float64 {
	return mat.Sum(cm.Counts)
}

// OverallAccuracy is the fraction of samples on the diagonal.
func (cm *ConfusionMatrix) OverallAccuracy() float64 {
	return mat.Trace(cm.Counts) / cm.Total()
}

// Kappa is Cohen's kappa coefficient.
func (cm *ConfusionMatrix) Kappa() float64 {
	n := cm.Total()
	k := len(cm.Classes)
	var expected float64
	for i := 0; i < k; i++ {
		expected += mat.Sum(cm.Counts.RowView(i)) * mat.Sum(cm.Counts.ColView(i))
	}
	expected /= n * n
	if expected == 1 {
		return 1
	}
	return (cm.OverallAccuracy() - expected) / (1 - expected)
}

// ProducersAccuracy is per-class recall, keyed by class.
func (cm *ConfusionMatrix) ProducersAccuracy() map[int]float64 {
	out := make(map[int]float64, len(cm.Classes))
	for i, c := range cm.Classes {
		if row := mat.Sum(cm.Counts.RowView(i)); row > 0 {
			out[c] = cm.Counts.At(i, i) / row
		}
	}
	return out
}

// ConsumersAccuracy is per-class precision, keyed by class.
func (cm *ConfusionMatrix) ConsumersAccuracy() map[int]float64 {
	out := make(map[int]float64, len(cm.Classes))
	for i, c := range cm.Classes {
		if col := mat.Sum(cm.Counts.ColView(i)); col > 0 {
			out[c] = cm.Counts.At(i, i) / col
		}
	}
	return out
}

// Evaluate predicts every usable sample with m and tallies the result.
func Evaluate(m Model, names []string, samples []Sample) (*ConfusionMatrix, error) {
	var ref, pred []int
	for _, s := range samples {
		vec, ok := s.Vector(names)
		if !ok {
			continue
		}
		ref = append(ref, s.Class)
		pred = append(pred, m.Predict(vec))
	}
	return NewConfusionMatrix(ref, pred)
}
