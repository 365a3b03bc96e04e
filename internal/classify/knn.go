package classify

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultK is the neighbour count used when KNN.K is unset.
const DefaultK = 5

// Scaler standardizes predictors to zero mean and unit variance using
// statistics from the training set.
type Scaler struct {
	Mean   []float64
	Stddev []float64
}

// FitScaler computes per-column mean and standard deviation of x. Constant
// columns get a unit deviation so they scale to zero.
func FitScaler(x *mat.Dense) *Scaler {
	rows, cols := x.Dims()
	s := &Scaler{Mean: make([]float64, cols), Stddev: make([]float64, cols)}
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, x)
		mean, std := stat.MeanStdDev(col, nil)
		if rows < 2 || std < 1e-10 {
			std = 1
		}
		s.Mean[j], s.Stddev[j] = mean, std
	}
	return s
}

// Transform writes the standardized x into dst and returns it.
func (s *Scaler) Transform(dst, x []float64) []float64 {
	dst = append(dst[:0], x...)
	floats.Sub(dst, s.Mean)
	floats.Div(dst, s.Stddev)
	return dst
}

// KNN is an inverse-distance weighted k-nearest-neighbour classifier on
// standardized predictors.
type KNN struct {
	K int
}

func (k *KNN) Name() string {
	return "knn"
}

type knnModel struct {
	k      int
	scaler *Scaler
	points [][]float64
	labels []int
}

func (k *KNN) Fit(ds *Dataset) (Model, error) {
	rows, _ := ds.X.Dims()
	if rows == 0 {
		return nil, ErrNoTrainingData
	}
	kk := k.K
	if kk <= 0 {
		kk = DefaultK
	}
	m := &knnModel{
		k:      min(kk, rows),
		scaler: FitScaler(ds.X),
		points: make([][]float64, rows),
		labels: append([]int(nil), ds.Y...),
	}
	for i := 0; i < rows; i++ {
		m.points[i] = m.scaler.Transform(nil, ds.X.RawRowView(i))
	}
	return m, nil
}

type neighbour struct {
	dist  float64
	label int
}

func (m *knnModel) Predict(x []float64) int {
	q := m.scaler.Transform(nil, x)

	nb := make([]neighbour, len(m.points))
	for i, p := range m.points {
		nb[i] = neighbour{dist: floats.Distance(q, p, 2), label: m.labels[i]}
	}
	sort.Slice(nb, func(i, j int) bool {
		if nb[i].dist != nb[j].dist {
			return nb[i].dist < nb[j].dist
		}
		return nb[i].label < nb[j].label
	})

	weights := make(map[int]float64)
	for _, n := range nb[:m.k] {
		weights[n.label] += 1 / (n.dist + 1e-9)
	}

	best, bestW := 0, -1.0
	for label, w := range weights {
		if w > bestW || (w == bestW && label < best) {
			best, bestW = label, w
		}
	}
	return best
}
