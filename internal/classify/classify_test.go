package classify

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"

	"github.com/chrissnell/coded/internal/ccd"
	"github.com/chrissnell/coded/internal/raster"
)

const epsilon = 1e-9

// seg describes one fitted segment of the GV band.
type seg struct {
	start, end float64
	intp, slp  float64
	cos, sin   float64
}

func gvImage(t *testing.T, n int, pixels [][]seg) *raster.Stack {
	t.Helper()
	raw := &ccd.RawImage{Width: len(pixels), Height: 1, Bands: []string{"GV"}}
	for _, segs := range pixels {
		px := ccd.RawPixel{Bands: map[string]ccd.RawBand{}}
		rb := ccd.RawBand{}
		for _, s := range segs {
			px.TStart = append(px.TStart, s.start)
			px.TEnd = append(px.TEnd, s.end)
			px.TBreak = append(px.TBreak, s.end+0.1)
			px.ChangeProb = append(px.ChangeProb, 1)
			px.NumObs = append(px.NumObs, 20)
			rb.Coefs = append(rb.Coefs, []float64{s.intp, s.slp, s.cos, s.sin, 0, 0, 0, 0})
			rb.RMSE = append(rb.RMSE, 0.01)
			rb.Magnitude = append(rb.Magnitude, -1)
		}
		px.Bands["GV"] = rb
		raw.Pixels = append(raw.Pixels, px)
	}
	st, _, err := ccd.Reshape(raw, n, []string{"GV"})
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	return st
}

func TestPredictorNames(t *testing.T) {
	got := PredictorNames(
		[]string{"GV", "NDFI"},
		[]string{"INTP", "MAG", "SIN", "tStart", "PHASE"},
		[]string{"elevation"},
	)
	want := []string{"GV_INTP", "GV_SIN", "GV_PHASE", "NDFI_INTP", "NDFI_SIN", "NDFI_PHASE", "elevation"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("predictor names mismatch (-want +got):\n%s", diff)
	}
}

func TestDeriveHarmonics(t *testing.T) {
	f := map[string]float64{"GV_COS": 3, "GV_SIN": 4, "NDFI_COS": 1}
	DeriveHarmonics(f, []string{"GV", "NDFI"})

	if math.Abs(f["GV_AMPLITUDE"]-5) > epsilon {
		t.Errorf("GV_AMPLITUDE = %v, want 5", f["GV_AMPLITUDE"])
	}
	if math.Abs(f["GV_PHASE"]-math.Atan2(4, 3)) > epsilon {
		t.Errorf("GV_PHASE = %v, want %v", f["GV_PHASE"], math.Atan2(4, 3))
	}
	if _, ok := f["NDFI_PHASE"]; ok {
		t.Error("NDFI_PHASE derived without a SIN term")
	}
	if _, ok := f["GV_PHASE2"]; ok {
		t.Error("GV_PHASE2 derived without second harmonic terms")
	}
}

func TestSlotFeatures(t *testing.T) {
	st := gvImage(t, 2, [][]seg{
		{{start: 2000, end: 2010, intp: 10, slp: 0.5, cos: 3, sin: 4}, {start: 2011, end: 2020, intp: 2, slp: 0, cos: 0, sin: 1}},
		{{start: 2001, end: 2019, intp: 7, slp: -0.1, cos: 1, sin: 0}},
	})
	anc := raster.NewStack(2, 1)
	elev := raster.Filled("elevation", 2, 120)
	if err := anc.Add(elev); err != nil {
		t.Fatal(err)
	}

	ft, err := SlotFeatures(st, 1, []string{"GV"}, []string{"INTP", "AMPLITUDE", "PHASE", "RMSE", "MAG"}, anc)
	if err != nil {
		t.Fatalf("SlotFeatures: %v", err)
	}
	want := []string{"GV_INTP", "GV_AMPLITUDE", "GV_PHASE", "GV_RMSE", "elevation"}
	if diff := cmp.Diff(want, ft.Names); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}

	row := ft.Row(0, nil)
	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"normalized intercept", row[0], ccd.NormalizeIntercept(10, 0.5, 2000, 2010)},
		{"amplitude", row[1], 5},
		{"phase", row[2], math.Atan2(4, 3)},
		{"rmse", row[3], 0.01},
		{"ancillary", row[4], 120},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > epsilon {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	slot2, err := SlotFeatures(st, 2, []string{"GV"}, []string{"INTP"}, nil)
	if err != nil {
		t.Fatalf("SlotFeatures slot 2: %v", err)
	}
	if !slot2.Valid[0] || slot2.Valid[1] {
		t.Errorf("slot 2 validity = %v, want [true false]", slot2.Valid)
	}
}

func TestSlotFeaturesErrors(t *testing.T) {
	st := gvImage(t, 1, [][]seg{{{start: 2000, end: 2010}}})

	tests := []struct {
		name    string
		slot    int
		bands   []string
		coefs   []string
		wantErr error
	}{
		{"unknown predictor", 1, []string{"GV"}, []string{"CURVATURE"}, ErrUnknownPredictor},
		{"band not in stack", 1, []string{"NDFI"}, []string{"INTP"}, ccd.ErrMissingAttribute},
		{"slot not in stack", 2, []string{"GV"}, []string{"INTP"}, ccd.ErrMissingAttribute},
		{"bad harmonic suffix", 1, []string{"GV"}, []string{"PHASE4"}, ErrUnknownPredictor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SlotFeatures(st, tt.slot, tt.bands, tt.coefs, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func labelled(class, count int) []Sample {
	out := make([]Sample, count)
	for i := range out {
		out[i] = Sample{Col: i, Class: class, Features: map[string]float64{"x": float64(i)}}
	}
	return out
}

func TestSubsetTraining(t *testing.T) {
	var samples []Sample
	samples = append(samples, labelled(1, 25)...)
	samples = append(samples, labelled(2, 10)...)
	samples = append(samples, labelled(3, 11)...)

	train, test := SubsetTraining(samples, 0.3, 42)

	count := func(ss []Sample, class int) int {
		n := 0
		for _, s := range ss {
			if s.Class == class {
				n++
			}
		}
		return n
	}
	tests := []struct {
		class     int
		wantTrain int
		wantTest  int
	}{
		{1, 25 - 7, 7},
		{2, 10, 0},
		{3, 11 - 3, 3},
	}
	for _, tt := range tests {
		if got := count(train, tt.class); got != tt.wantTrain {
			t.Errorf("class %d train = %d, want %d", tt.class, got, tt.wantTrain)
		}
		if got := count(test, tt.class); got != tt.wantTest {
			t.Errorf("class %d test = %d, want %d", tt.class, got, tt.wantTest)
		}
	}

	seen := make(map[[2]int]bool)
	for _, s := range append(append([]Sample{}, train...), test...) {
		key := [2]int{s.Class, s.Col}
		if seen[key] {
			t.Fatalf("sample %v assigned twice", key)
		}
		seen[key] = true
	}
	if len(seen) != len(samples) {
		t.Errorf("partitions hold %d samples, want %d", len(seen), len(samples))
	}

	train2, test2 := SubsetTraining(samples, 0.3, 42)
	if !cmp.Equal(train, train2) || !cmp.Equal(test, test2) {
		t.Error("same seed produced a different split")
	}
}

// separable has class 1 below x=0 and class 2 above, with a noise column.
func separable(n int) *Dataset {
	data := make([]float64, 0, 2*n)
	labels := make([]int, 0, n)
	for i := 0; i < n; i++ {
		x := float64(i - n/2)
		if x == 0 {
			x = 0.5
		}
		data = append(data, x, float64(i%3))
		if x < 0 {
			labels = append(labels, 1)
		} else {
			labels = append(labels, 2)
		}
	}
	return &Dataset{Names: []string{"x", "noise"}, X: mat.NewDense(n, 2, data), Y: labels}
}

func TestClassifiersSeparateClasses(t *testing.T) {
	ds := separable(40)

	trainers := []Trainer{
		&RandomForest{NumTrees: 25, FeaturesPerSplit: 2, BagFraction: 1, Seed: 7},
		&KNN{K: 3},
	}
	for _, tr := range trainers {
		t.Run(tr.Name(), func(t *testing.T) {
			m, err := tr.Fit(ds)
			if err != nil {
				t.Fatalf("Fit: %v", err)
			}
			tests := []struct {
				x    []float64
				want int
			}{
				{[]float64{-15, 1}, 1},
				{[]float64{-3, 0}, 1},
				{[]float64{4, 2}, 2},
				{[]float64{18, 1}, 2},
			}
			for _, tt := range tests {
				if got := m.Predict(tt.x); got != tt.want {
					t.Errorf("Predict(%v) = %d, want %d", tt.x, got, tt.want)
				}
			}
		})
	}
}

func TestRandomForestDeterministic(t *testing.T) {
	ds := separable(60)
	rf := &RandomForest{NumTrees: 15, Seed: 99}

	a, err := rf.Fit(ds)
	if err != nil {
		t.Fatal(err)
	}
	b, err := rf.Fit(ds)
	if err != nil {
		t.Fatal(err)
	}
	for x := -35.0; x <= 35; x += 0.7 {
		q := []float64{x, 1}
		if a.Predict(q) != b.Predict(q) {
			t.Fatalf("fits with equal seeds disagree at x=%v", x)
		}
	}
}

func TestNewTrainer(t *testing.T) {
	tests := []struct {
		spec     TrainerSpec
		wantName string
		wantErr  bool
	}{
		{TrainerSpec{Type: "random-forest"}, "randomForest(150)", false},
		{TrainerSpec{Type: "random-forest", Trees: 20}, "randomForest(20)", false},
		{TrainerSpec{Type: "knn", K: 3}, "knn", false},
		{TrainerSpec{Type: "svm"}, "", true},
	}
	for _, tt := range tests {
		tr, err := NewTrainer(tt.spec)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewTrainer(%q) expected error", tt.spec.Type)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NewTrainer(%q): %v", tt.spec.Type, err)
		}
		if tr.Name() != tt.wantName {
			t.Errorf("Name() = %s, want %s", tr.Name(), tt.wantName)
		}
	}
}

func TestConfusionMatrix(t *testing.T) {
	ref := []int{1, 1, 1, 1, 2, 2, 2, 2, 2, 2}
	pred := []int{1, 1, 1, 2, 2, 2, 2, 2, 1, 2}

	cm, err := NewConfusionMatrix(ref, pred)
	if err != nil {
		t.Fatal(err)
	}
	if got := cm.OverallAccuracy(); math.Abs(got-0.8) > epsilon {
		t.Errorf("OverallAccuracy = %v, want 0.8", got)
	}
	// po = 0.8, pe = (4*4 + 6*6) / 100 = 0.52
	wantKappa := (0.8 - 0.52) / (1 - 0.52)
	if got := cm.Kappa(); math.Abs(got-wantKappa) > epsilon {
		t.Errorf("Kappa = %v, want %v", got, wantKappa)
	}
	pa := cm.ProducersAccuracy()
	if math.Abs(pa[1]-0.75) > epsilon || math.Abs(pa[2]-5.0/6) > epsilon {
		t.Errorf("ProducersAccuracy = %v", pa)
	}
	ca := cm.ConsumersAccuracy()
	if math.Abs(ca[1]-0.75) > epsilon || math.Abs(ca[2]-5.0/6) > epsilon {
		t.Errorf("ConsumersAccuracy = %v", ca)
	}

	if _, err := NewConfusionMatrix([]int{1}, nil); err == nil {
		t.Error("expected error for mismatched lengths")
	}
}

func TestRegions(t *testing.T) {
	r := Rect{MinCol: 1, MinRow: 1, MaxCol: 3, MaxRow: 2}
	square := NewPolygon([][2]float64{{0, 0}, {4, 0}, {4, 4}, {0, 4}})
	triangle := NewPolygon([][2]float64{{0, 0}, {6, 0}, {0, 6}})

	tests := []struct {
		col, row  int
		inRect    bool
		inPolygon bool
	}{
		{0, 0, false, true},
		{1, 1, true, true},
		{3, 2, true, true},
		{4, 2, false, false},
		{2, 5, false, false},
	}
	for _, tt := range tests {
		if got := r.Contains(tt.col, tt.row); got != tt.inRect {
			t.Errorf("Rect.Contains(%d,%d) = %v", tt.col, tt.row, got)
		}
		if got := square.Contains(tt.col, tt.row); got != tt.inPolygon {
			t.Errorf("Polygon.Contains(%d,%d) = %v", tt.col, tt.row, got)
		}
	}

	// centers on the hypotenuse, where col+row+1 == 6, count as inside
	for _, tt := range []struct {
		col, row int
		want     bool
	}{
		{1, 1, true}, {2, 3, true}, {0, 5, true}, {3, 3, false}, {5, 1, false},
	} {
		if got := triangle.Contains(tt.col, tt.row); got != tt.want {
			t.Errorf("triangle.Contains(%d,%d) = %v, want %v", tt.col, tt.row, got, tt.want)
		}
	}
	if (Polygon{}).Contains(0, 0) {
		t.Error("empty polygon contains a pixel")
	}
}

// forestGrid builds a 1xN strip where pixels with intercept below 0.3 are
// class 1 and above are class 2, each with a second segment of the
// opposite kind.
func forestGrid(t *testing.T, width int) (*raster.Stack, []Sample) {
	var pixels [][]seg
	var samples []Sample
	for i := 0; i < width; i++ {
		low := i%2 == 0
		a, b := 0.1, 0.6
		if !low {
			a, b = b, a
		}
		segs := []seg{{start: 2000, end: 2010, intp: a}}
		if i != width-1 {
			segs = append(segs, seg{start: 2011, end: 2020, intp: b})
		}
		pixels = append(pixels, segs)

		class := 1
		if !low {
			class = 2
		}
		samples = append(samples, Sample{Col: i, Year: 2005, Class: class, Features: map[string]float64{"GV_INTP": a}})
	}
	return gvImage(t, 3, pixels), samples
}

func TestClassifySegments(t *testing.T) {
	st, samples := forestGrid(t, 24)

	out, err := ClassifySegments(context.Background(), Params{
		Stack:           st,
		Segments:        3,
		Bands:           []string{"GV"},
		Coefs:           []string{"INTP"},
		Samples:         samples,
		Trainer:         &RandomForest{NumTrees: 10, Seed: 1, BagFraction: 1},
		TrainProportion: 0.25,
		Seed:            3,
	})
	if err != nil {
		t.Fatalf("ClassifySegments: %v", err)
	}

	want := []string{"S1_classification", "S2_classification", "S3_classification"}
	if diff := cmp.Diff(want, out.Classification.Names()); diff != "" {
		t.Fatalf("output names mismatch (-want +got):\n%s", diff)
	}
	if out.Evaluation == nil {
		t.Fatal("expected an evaluation with TrainProportion set")
	}
	if out.TestCount != 3+3 {
		t.Errorf("TestCount = %d, want 6", out.TestCount)
	}

	s1, _ := out.Classification.Layer("S1_classification")
	s2, _ := out.Classification.Layer("S2_classification")
	s3, _ := out.Classification.Layer("S3_classification")
	for p := 0; p < 24; p++ {
		wantS1 := 1.0
		if p%2 == 1 {
			wantS1 = 2
		}
		if v, ok := s1.At(p); !ok || v != wantS1 {
			t.Errorf("pixel %d S1 = (%v, %v), want %v", p, v, ok, wantS1)
		}
		if p == 23 {
			if s2.Valid[p] {
				t.Errorf("pixel %d has no second segment but S2 is classified", p)
			}
			continue
		}
		if v, ok := s2.At(p); !ok || v != 3-wantS1 {
			t.Errorf("pixel %d S2 = (%v, %v), want %v", p, v, ok, 3-wantS1)
		}
		if s3.Valid[p] {
			t.Errorf("pixel %d S3 should be masked", p)
		}
	}
}

func TestClassifySegmentsStudyArea(t *testing.T) {
	st, samples := forestGrid(t, 24)

	_, err := ClassifySegments(context.Background(), Params{
		Stack:             st,
		Segments:          3,
		Bands:             []string{"GV"},
		Coefs:             []string{"INTP"},
		Samples:           samples,
		Trainer:           &KNN{K: 1},
		StudyArea:         Rect{MinCol: 100, MaxCol: 200, MaxRow: 10},
		SubsetToStudyArea: true,
	})
	if !errors.Is(err, ErrNoTrainingData) {
		t.Errorf("error = %v, want %v", err, ErrNoTrainingData)
	}
}

func TestClassifySegmentsDropsIncompleteSamples(t *testing.T) {
	st, samples := forestGrid(t, 24)
	samples = append(samples, Sample{Class: 1, Features: map[string]float64{"GV_SIN": 1}})
	samples = append(samples, Sample{Class: 2, Features: map[string]float64{"GV_INTP": math.NaN()}})

	out, err := ClassifySegments(context.Background(), Params{
		Stack:    st,
		Segments: 3,
		Bands:    []string{"GV"},
		Coefs:    []string{"INTP"},
		Samples:  samples,
		Trainer:  &KNN{K: 1},
	})
	if err != nil {
		t.Fatalf("ClassifySegments: %v", err)
	}
	if out.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", out.Dropped)
	}
	if out.TrainCount != 24 {
		t.Errorf("TrainCount = %d, want 24", out.TrainCount)
	}
}
