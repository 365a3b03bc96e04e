package change

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chrissnell/coded/internal/ccd"
	"github.com/chrissnell/coded/internal/classify"
	"github.com/chrissnell/coded/internal/raster"
)

const masked = -1

// pixelCase is one pixel's segment breaks, magnitudes and classes.
type pixelCase struct {
	name    string
	breaks  []float64 // tBreak per segment
	mags    []float64 // NDFI magnitude per segment
	classes []float64 // raw class per slot, masked for missing slots
}

func buildInputs(t *testing.T, n int, cases []pixelCase) (long, raw *raster.Stack) {
	t.Helper()
	img := &ccd.RawImage{Width: len(cases), Height: 1, Bands: []string{"NDFI"}}
	for _, c := range cases {
		px := ccd.RawPixel{TBreak: c.breaks, Bands: map[string]ccd.RawBand{"NDFI": {Magnitude: c.mags}}}
		for i := range c.breaks {
			px.TStart = append(px.TStart, 2000+float64(i))
			px.TEnd = append(px.TEnd, c.breaks[i])
		}
		img.Pixels = append(img.Pixels, px)
	}
	long, _, err := ccd.Reshape(img, n, []string{"NDFI"})
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}

	raw = raster.NewStack(len(cases), 1)
	for slot := 1; slot <= n; slot++ {
		l := raster.NewLayer(classify.ClassificationName(slot), len(cases))
		for p, c := range cases {
			if slot-1 < len(c.classes) && c.classes[slot-1] != masked {
				l.Set(p, c.classes[slot-1])
			}
		}
		if err := raw.Add(l); err != nil {
			t.Fatal(err)
		}
	}
	return long, raw
}

var scenario = []pixelCase{
	{name: "degradation", breaks: []float64{2019.3, 0}, mags: []float64{-0.2, 0}, classes: []float64{1, 1}},
	{name: "deforestation", breaks: []float64{2019, 0}, mags: []float64{-0.4, 0}, classes: []float64{1, 2}},
	{name: "both", breaks: []float64{2018.5, 2020.9, 0}, mags: []float64{-0.1, -0.3, 0}, classes: []float64{1, 1, 3}},
	{name: "break outside window", breaks: []float64{2015, 0}, mags: []float64{-0.5, 0}, classes: []float64{1, 2}},
	{name: "non-forest start", breaks: []float64{2019, 0}, mags: []float64{-0.5, 0}, classes: []float64{2, 1}},
	{name: "no decline across break", breaks: []float64{2019, 0}, mags: []float64{0.5, 0}, classes: []float64{1, 2}},
	{name: "single segment", breaks: []float64{0}, mags: []float64{0}, classes: []float64{1}},
}

func TestPipelineLabels(t *testing.T) {
	long, raw := buildInputs(t, 3, scenario)

	prep, err := PrepareClassification(raw, long, nil, PrepareOptions{Segments: 3, ForestValue: 1, MagnitudeBand: "NDFI"})
	if err != nil {
		t.Fatalf("PrepareClassification: %v", err)
	}
	if got := prep.Classification.Names(); len(got) != 2 || got[0] != "S2_classification" || got[1] != "S3_classification" {
		t.Fatalf("prepared layers = %v, want S2 and S3", got)
	}

	res, err := Label(prep.Classification, long, prep.Mask, Params{ForestValue: 1, StudyStartYear: 2018, StudyEndYear: 2020})
	if err != nil {
		t.Fatalf("Label: %v", err)
	}

	want := []struct {
		deg, defor, both bool
		stratum          float64
	}{
		{true, false, false, StratumDegradation},
		{false, true, false, StratumDeforestation},
		{false, false, true, StratumBoth},
		{false, false, false, StratumForest},
		{false, false, false, StratumNonForest},
		{false, false, false, StratumForest},
		{false, false, false, StratumForest},
	}
	for p, w := range want {
		t.Run(scenario[p].name, func(t *testing.T) {
			if res.Degradation.Valid[p] != w.deg {
				t.Errorf("degradation = %v, want %v", res.Degradation.Valid[p], w.deg)
			}
			if res.Deforestation.Valid[p] != w.defor {
				t.Errorf("deforestation = %v, want %v", res.Deforestation.Valid[p], w.defor)
			}
			if res.Both.Valid[p] != w.both {
				t.Errorf("both = %v, want %v", res.Both.Valid[p], w.both)
			}
			if v, ok := res.Stratification.At(p); !ok || v != w.stratum {
				t.Errorf("stratification = (%v, %v), want %v", v, ok, w.stratum)
			}
			// at most one of the three labels is set
			n := 0
			for _, l := range []*raster.Layer{res.Degradation, res.Deforestation, res.Both} {
				if l.Valid[p] {
					n++
					if l.Values[p] != 1 {
						t.Errorf("%s value = %v, want 1", l.Name, l.Values[p])
					}
				}
			}
			if n > 1 {
				t.Errorf("%d labels set, want at most one", n)
			}
		})
	}

	degDates, _ := res.DatesOfDegradation.Layer("S2_dateOfDegradation")
	if v, ok := degDates.At(0); !ok || v != 2019.3 {
		t.Errorf("S2 degradation date at pixel 0 = (%v, %v), want 2019.3", v, ok)
	}
	if v := degDates.Values[1]; v != 0 {
		t.Errorf("S2 degradation date at deforested pixel = %v, want 0", v)
	}
	deforDates, _ := res.DatesOfDeforestation.Layer("S3_dateOfDeforestation")
	if v, ok := deforDates.At(2); !ok || v != 2020.9 {
		t.Errorf("S3 deforestation date at pixel 2 = (%v, %v), want 2020.9", v, ok)
	}

	period, _ := res.ClassificationStudyPeriod.Layer("S2_classification")
	if period.Valid[3] {
		t.Error("out-of-window segment kept in study-period classification")
	}
}

func TestDeriveMask(t *testing.T) {
	_, raw := buildInputs(t, 2, []pixelCase{
		{breaks: []float64{0}, mags: []float64{0}, classes: []float64{1}},
		{breaks: []float64{0}, mags: []float64{0}, classes: []float64{4}},
		{breaks: []float64{0}, mags: []float64{0}, classes: []float64{masked}},
	})
	mask, err := DeriveMask(raw, 1)
	if err != nil {
		t.Fatal(err)
	}
	wantValues := []float64{1, 0, 0}
	wantValid := []bool{true, true, false}
	for p := range wantValues {
		if mask.Values[p] != wantValues[p] || mask.Valid[p] != wantValid[p] {
			t.Errorf("pixel %d = (%v, %v), want (%v, %v)", p, mask.Values[p], mask.Valid[p], wantValues[p], wantValid[p])
		}
	}
}

func TestPrepareWithoutGating(t *testing.T) {
	long, raw := buildInputs(t, 2, []pixelCase{
		{breaks: []float64{2019, 0}, mags: []float64{0.5, 0}, classes: []float64{1, 2}},
	})
	prep, err := PrepareClassification(raw, long, nil, PrepareOptions{Segments: 2, ForestValue: 1})
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := prep.Classification.Layer("S2_classification")
	if v, ok := s2.At(0); !ok || v != 2 {
		t.Errorf("S2 = (%v, %v), want 2 with gating disabled", v, ok)
	}
}

func TestPrepareErrors(t *testing.T) {
	long, raw := buildInputs(t, 2, scenario[:1])

	tests := []struct {
		name string
		opts PrepareOptions
		mask *raster.Layer
	}{
		{"single segment", PrepareOptions{Segments: 1, ForestValue: 1}, nil},
		{"unknown magnitude band", PrepareOptions{Segments: 2, ForestValue: 1, MagnitudeBand: "GV"}, nil},
		{"mask size", PrepareOptions{Segments: 2, ForestValue: 1}, raster.Filled(MaskName, 5, 1)},
		{"slot beyond classification", PrepareOptions{Segments: 3, ForestValue: 1}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := PrepareClassification(raw, long, tt.mask, tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLabelWindowExcludesEverything(t *testing.T) {
	long, raw := buildInputs(t, 3, scenario)
	prep, err := PrepareClassification(raw, long, nil, PrepareOptions{Segments: 3, ForestValue: 1, MagnitudeBand: "NDFI"})
	if err != nil {
		t.Fatal(err)
	}

	res, err := Label(prep.Classification, long, prep.Mask, Params{ForestValue: 1, StudyStartYear: 1990, StudyEndYear: 1995})
	if err != nil {
		t.Fatal(err)
	}
	for p := range scenario {
		if res.Degradation.Valid[p] || res.Deforestation.Valid[p] || res.Both.Valid[p] {
			t.Errorf("pixel %d labelled with an empty window", p)
		}
		v, ok := res.Stratification.At(p)
		if !ok || (v != StratumForest && v != StratumNonForest) {
			t.Errorf("pixel %d stratum = (%v, %v), want base code", p, v, ok)
		}
	}
}

func TestLabelExplicitMask(t *testing.T) {
	long, raw := buildInputs(t, 2, []pixelCase{
		{breaks: []float64{2019, 0}, mags: []float64{-1, 0}, classes: []float64{5, 2}},
		{breaks: []float64{2019, 0}, mags: []float64{-1, 0}, classes: []float64{5, 2}},
	})
	mask := raster.NewLayer("mask", 2)
	mask.Set(0, 1)

	prep, err := PrepareClassification(raw, long, mask, PrepareOptions{Segments: 2, ForestValue: 1, MagnitudeBand: "NDFI"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := Label(prep.Classification, long, prep.Mask, Params{ForestValue: 1, StudyStartYear: 2019, StudyEndYear: 2019})
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := res.Stratification.At(0); !ok || v != StratumDeforestation {
		t.Errorf("pixel 0 stratum = (%v, %v), want %d", v, ok, StratumDeforestation)
	}
	if res.Stratification.Valid[1] || res.Deforestation.Valid[1] {
		t.Error("pixel outside the mask was labelled")
	}
}

func TestMaskValuesOutsideZeroOne(t *testing.T) {
	cases := []pixelCase{
		{breaks: []float64{2019, 0}, mags: []float64{-1, 0}, classes: []float64{1, 2}},
		{breaks: []float64{2019, 0}, mags: []float64{-1, 0}, classes: []float64{1, 2}},
		{breaks: []float64{2019, 0}, mags: []float64{-1, 0}, classes: []float64{1, 2}},
	}
	long, raw := buildInputs(t, 2, cases)
	mask := raster.NewLayer("mask", 3)
	mask.Set(0, 1)
	mask.Set(1, 2)
	mask.Set(2, -1)

	prep, err := PrepareClassification(raw, long, mask, PrepareOptions{Segments: 2, ForestValue: 1, MagnitudeBand: "NDFI"})
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := prep.Classification.Layer(classify.ClassificationName(2))
	res, err := Label(prep.Classification, long, prep.Mask, Params{ForestValue: 1, StudyStartYear: 2019, StudyEndYear: 2019})
	if err != nil {
		t.Fatal(err)
	}

	if v, ok := res.Stratification.At(0); !ok || v != StratumDeforestation {
		t.Errorf("pixel 0 stratum = (%v, %v), want %d", v, ok, StratumDeforestation)
	}
	for _, p := range []int{1, 2} {
		if s2.Valid[p] {
			t.Errorf("pixel %d with mask value %v kept its classification", p, mask.Values[p])
		}
		if res.Stratification.Valid[p] || res.Deforestation.Valid[p] {
			t.Errorf("pixel %d with mask value %v was labelled", p, mask.Values[p])
		}
	}
}

func TestOutputLayerNames(t *testing.T) {
	long, raw := buildInputs(t, 2, scenario[:1])
	prep, err := PrepareClassification(raw, long, nil, PrepareOptions{Segments: 2, ForestValue: 1})
	if err != nil {
		t.Fatal(err)
	}
	res, err := Label(prep.Classification, long, prep.Mask, Params{ForestValue: 1, StudyStartYear: 2018, StudyEndYear: 2020})
	if err != nil {
		t.Fatal(err)
	}
	st, err := res.Layers(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Degradation", "Deforestation", "Both", "Stratification"}
	if diff := cmp.Diff(want, st.Names()); diff != "" {
		t.Errorf("layer names (-want +got):\n%s", diff)
	}
}

func TestLabelRejectsInvertedWindow(t *testing.T) {
	long, raw := buildInputs(t, 2, scenario[:1])
	prep, err := PrepareClassification(raw, long, nil, PrepareOptions{Segments: 2, ForestValue: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Label(prep.Classification, long, prep.Mask, Params{ForestValue: 1, StudyStartYear: 2021, StudyEndYear: 2018}); err == nil {
		t.Error("expected error for inverted window")
	}
}
