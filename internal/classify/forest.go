package classify

import (
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Random forest defaults.
const (
	DefaultTrees       = 150
	DefaultBagFraction = 0.5
)

// RandomForest is a bagged ensemble of CART trees split on Gini impurity.
// Fitting is deterministic for a given Seed.
type RandomForest struct {
	NumTrees int
	// MaxDepth limits tree depth; 0 means unlimited.
	MaxDepth    int
	MinLeafSize int
	// FeaturesPerSplit is the number of predictors tried at each split;
	// 0 means floor(sqrt(p)).
	FeaturesPerSplit int
	// BagFraction below 1 samples without replacement; 1 or more draws a
	// full bootstrap with replacement.
	BagFraction float64
	Seed        uint64
}

func (rf *RandomForest) Name() string {
	return fmt.Sprintf("randomForest(%d)", rf.trees())
}

func (rf *RandomForest) trees() int {
	if rf.NumTrees <= 0 {
		return DefaultTrees
	}
	return rf.NumTrees
}

type treeNode struct {
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode
	class     int
}

func (n *treeNode) leaf() bool {
	return n.left == nil
}

type forestModel struct {
	classes []int
	trees   []*treeNode
}

// treeBuilder grows one tree over a fixed dataset.
type treeBuilder struct {
	x        *mat.Dense
	y        []int // class indexes
	nClasses int
	mtry     int
	maxDepth int
	minLeaf  int
	rng      *rand.Rand
}

// Fit grows the ensemble. Trees are grown concurrently, each from its own
// seeded source.
func (rf *RandomForest) Fit(ds *Dataset) (Model, error) {
	rows, cols := ds.X.Dims()
	if rows == 0 {
		return nil, ErrNoTrainingData
	}

	classes := ds.Classes()
	index := make(map[int]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	y := make([]int, rows)
	for i, c := range ds.Y {
		y[i] = index[c]
	}

	mtry := rf.FeaturesPerSplit
	if mtry <= 0 {
		mtry = int(math.Sqrt(float64(cols)))
	}
	mtry = max(1, min(mtry, cols))
	minLeaf := max(1, rf.MinLeafSize)
	bag := rf.BagFraction
	if bag <= 0 {
		bag = DefaultBagFraction
	}

	model := &forestModel{classes: classes, trees: make([]*treeNode, rf.trees())}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for t := range model.trees {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(rf.Seed, uint64(t)))
			b := &treeBuilder{
				x:        ds.X,
				y:        y,
				nClasses: len(classes),
				mtry:     mtry,
				maxDepth: rf.MaxDepth,
				minLeaf:  minLeaf,
				rng:      rng,
			}
			model.trees[t] = b.grow(bagIndexes(rng, rows, bag), 0)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return model, nil
}

func bagIndexes(rng *rand.Rand, n int, fraction float64) []int {
	if fraction >= 1 {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = rng.IntN(n)
		}
		return idx
	}
	size := max(1, int(float64(n)*fraction))
	return rng.Perm(n)[:size]
}

func (b *treeBuilder) counts(idx []int) []int {
	c := make([]int, b.nClasses)
	for _, i := range idx {
		c[b.y[i]]++
	}
	return c
}

// majority returns the most frequent class index; ties go to the lowest.
func majority(counts []int) int {
	best := 0
	for i, c := range counts {
		if c > counts[best] {
			best = i
		}
	}
	return best
}

func gini(counts []int, total int) float64 {
	if total == 0 {
		return 0
	}
	g := 1.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		g -= p * p
	}
	return g
}

func (b *treeBuilder) grow(idx []int, depth int) *treeNode {
	counts := b.counts(idx)
	node := &treeNode{class: majority(counts)}

	if counts[node.class] == len(idx) || len(idx) < 2*b.minLeaf {
		return node
	}
	if b.maxDepth > 0 && depth >= b.maxDepth {
		return node
	}

	feature, threshold, ok := b.bestSplit(idx, counts)
	if !ok {
		return node
	}

	var left, right []int
	for _, i := range idx {
		if b.x.At(i, feature) <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	node.feature = feature
	node.threshold = threshold
	node.left = b.grow(left, depth+1)
	node.right = b.grow(right, depth+1)
	return node
}

// bestSplit searches mtry random predictors for the threshold with the
// largest Gini decrease.
func (b *treeBuilder) bestSplit(idx []int, counts []int) (feature int, threshold float64, ok bool) {
	_, cols := b.x.Dims()
	parent := gini(counts, len(idx))
	bestGain := 1e-12

	order := make([]int, len(idx))
	for _, f := range b.rng.Perm(cols)[:b.mtry] {
		copy(order, idx)
		sort.Slice(order, func(i, j int) bool {
			return b.x.At(order[i], f) < b.x.At(order[j], f)
		})

		leftCounts := make([]int, b.nClasses)
		rightCounts := append([]int(nil), counts...)
		for k := 0; k < len(order)-1; k++ {
			c := b.y[order[k]]
			leftCounts[c]++
			rightCounts[c]--

			nl := k + 1
			nr := len(order) - nl
			if nl < b.minLeaf || nr < b.minLeaf {
				continue
			}
			v, next := b.x.At(order[k], f), b.x.At(order[k+1], f)
			if v == next {
				continue
			}
			weighted := (float64(nl)*gini(leftCounts, nl) + float64(nr)*gini(rightCounts, nr)) / float64(len(order))
			if gain := parent - weighted; gain > bestGain {
				bestGain = gain
				feature = f
				threshold = (v + next) / 2
				ok = true
			}
		}
	}
	return feature, threshold, ok
}

func (m *forestModel) Predict(x []float64) int {
	votes := make([]int, len(m.classes))
	for _, t := range m.trees {
		n := t
		for !n.leaf() {
			if x[n.feature] <= n.threshold {
				n = n.left
			} else {
				n = n.right
			}
		}
		votes[n.class]++
	}
	return m.classes[majority(votes)]
}
