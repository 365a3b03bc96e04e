package classify

import (
	"math"
	"math/rand/v2"
	"sort"
)

// Sample is a labelled training point on the segment grid.
type Sample struct {
	Col      int                `msgpack:"col"`
	Row      int                `msgpack:"row"`
	Year     float64            `msgpack:"year"`
	Class    int                `msgpack:"class"`
	Features map[string]float64 `msgpack:"features"`
}

// minStratifiedClass is the smallest class size that gets split. Smaller
// classes go entirely to training.
const minStratifiedClass = 10

// Vector returns the sample's predictors in schema order. ok is false when a
// predictor is missing or not a number.
func (s Sample) Vector(names []string) (vec []float64, ok bool) {
	vec = make([]float64, len(names))
	for i, n := range names {
		v, present := s.Features[n]
		if !present || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		vec[i] = v
	}
	return vec, true
}

// SubsetTraining splits samples per class. For every class with more than
// ten samples, the class is shuffled with seed and int(count*proportion)
// samples are held out for testing; the rest are used for training. Smaller
// classes are used entirely for training.
func SubsetTraining(samples []Sample, proportion float64, seed uint64) (train, test []Sample) {
	byClass := make(map[int][]Sample)
	for _, s := range samples {
		byClass[s.Class] = append(byClass[s.Class], s)
	}
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	for _, c := range classes {
		group := byClass[c]
		if len(group) <= minStratifiedClass {
			train = append(train, group...)
			continue
		}

		shuffled := make([]Sample, len(group))
		copy(shuffled, group)
		rng := rand.New(rand.NewPCG(seed, uint64(c)))
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		split := int(float64(len(shuffled)) * proportion)
		test = append(test, shuffled[:split]...)
		train = append(train, shuffled[split:]...)
	}
	return train, test
}

// WithinRegion returns the samples whose pixel lies inside r.
func WithinRegion(samples []Sample, r Region) []Sample {
	var out []Sample
	for _, s := range samples {
		if r.Contains(s.Col, s.Row) {
			out = append(out, s)
		}
	}
	return out
}
