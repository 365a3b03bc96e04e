package change

import (
	"fmt"
	"math"

	"github.com/chrissnell/coded/internal/ccd"
	"github.com/chrissnell/coded/internal/raster"
	"github.com/chrissnell/coded/internal/workers"
)

// Stratification codes.
const (
	StratumForest        = 1
	StratumNonForest     = 2
	StratumDegradation   = 3
	StratumDeforestation = 4
	StratumBoth          = 5
)

// Output layer names.
const (
	DegradationName    = "Degradation"
	DeforestationName  = "Deforestation"
	BothName           = "Both"
	StratificationName = "Stratification"
)

// Params configures Label.
type Params struct {
	ForestValue    int
	StudyStartYear int
	StudyEndYear   int
}

// Result holds the change labels. Degradation, Deforestation and Both are 1
// where set and masked elsewhere.
type Result struct {
	Degradation    *raster.Layer
	Deforestation  *raster.Layer
	Both           *raster.Layer
	Stratification *raster.Layer

	DatesOfDegradation        *raster.Stack
	DatesOfDeforestation      *raster.Stack
	ClassificationStudyPeriod *raster.Stack
}

// Layers returns the single-layer outputs in a stack.
func (r *Result) Layers(width, height int) (*raster.Stack, error) {
	st := raster.NewStack(width, height)
	for _, l := range []*raster.Layer{r.Degradation, r.Deforestation, r.Both, r.Stratification} {
		if err := st.Add(l); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// slotOf parses the slot index from an S{i}_classification layer name.
func slotOf(name string) (int, error) {
	var slot int
	if _, err := fmt.Sscanf(name, "S%d_classification", &slot); err != nil {
		return 0, fmt.Errorf("layer %s is not a slot classification: %w", name, err)
	}
	return slot, nil
}

// breakOpening returns the break that starts slot's segment, which the raw
// format stores on the previous slot.
func breakOpening(long *raster.Stack, slot int) (*raster.Layer, error) {
	if slot < 2 {
		return nil, fmt.Errorf("slot %d has no opening break", slot)
	}
	name := ccd.AttrName(slot-1, ccd.AttrTBreak)
	l, ok := long.Layer(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ccd.ErrMissingAttribute, name)
	}
	return l, nil
}

// Label flags, per pixel, whether any post-break segment whose opening break
// falls in the study window is still forest (degradation), is no longer
// forest (deforestation), or both, and builds the stratification map.
func Label(classified, long *raster.Stack, mask *raster.Layer, p Params) (*Result, error) {
	if p.StudyStartYear > p.StudyEndYear {
		return nil, fmt.Errorf("study window start %d is after end %d", p.StudyStartYear, p.StudyEndYear)
	}
	npix := classified.Pixels()
	if mask.Len() != npix || long.Pixels() != npix {
		return nil, fmt.Errorf("grid mismatch: classification %d, mask %d, segments %d pixels", npix, mask.Len(), long.Pixels())
	}

	type slotInput struct {
		class  *raster.Layer
		tBreak *raster.Layer
		period *raster.Layer
		deg    *raster.Layer
		defor  *raster.Layer
	}
	res := &Result{
		Degradation:               raster.NewLayer(DegradationName, npix),
		Deforestation:             raster.NewLayer(DeforestationName, npix),
		Both:                      raster.NewLayer(BothName, npix),
		Stratification:            raster.NewLayer(StratificationName, npix),
		DatesOfDegradation:        raster.NewStack(classified.Width, classified.Height),
		DatesOfDeforestation:      raster.NewStack(classified.Width, classified.Height),
		ClassificationStudyPeriod: raster.NewStack(classified.Width, classified.Height),
	}

	inputs := make([]slotInput, 0, classified.Len())
	for _, l := range classified.Layers {
		slot, err := slotOf(l.Name)
		if err != nil {
			return nil, err
		}
		tb, err := breakOpening(long, slot)
		if err != nil {
			return nil, err
		}
		in := slotInput{
			class:  l,
			tBreak: tb,
			period: raster.NewLayer(l.Name, npix),
			deg:    raster.NewLayer(fmt.Sprintf("S%d_dateOfDegradation", slot), npix),
			defor:  raster.NewLayer(fmt.Sprintf("S%d_dateOfDeforestation", slot), npix),
		}
		for _, pair := range []struct {
			st *raster.Stack
			l  *raster.Layer
		}{
			{res.ClassificationStudyPeriod, in.period},
			{res.DatesOfDegradation, in.deg},
			{res.DatesOfDeforestation, in.defor},
		} {
			if err := pair.st.Add(pair.l); err != nil {
				return nil, err
			}
		}
		inputs = append(inputs, in)
	}

	forest := float64(p.ForestValue)
	start, end := float64(p.StudyStartYear), float64(p.StudyEndYear)

	workers.Range(npix, func(lo, hi int) {
		for px := lo; px < hi; px++ {
			anyForest, anyOther := false, false
			for _, in := range inputs {
				class, ok := in.class.At(px)
				if !ok {
					continue
				}
				tb, tbOK := in.tBreak.At(px)
				inWindow := tbOK && math.Floor(tb) >= start && math.Floor(tb) <= end

				in.deg.Set(px, 0)
				in.defor.Set(px, 0)
				if !inWindow {
					continue
				}
				in.period.Set(px, class)
				if class == forest {
					anyForest = true
					in.deg.Set(px, tb)
				} else {
					anyOther = true
					in.defor.Set(px, tb)
				}
			}

			both := anyForest && anyOther
			switch {
			case both:
				res.Both.Set(px, 1)
			case anyForest:
				res.Degradation.Set(px, 1)
			case anyOther:
				res.Deforestation.Set(px, 1)
			}

			isForest, ok := forestAt(mask, px)
			if !ok {
				continue
			}
			if isForest {
				res.Stratification.Set(px, StratumForest)
			} else {
				res.Stratification.Set(px, StratumNonForest)
			}
			if anyForest && !both {
				res.Stratification.Set(px, StratumDegradation)
			}
			if anyOther && !both {
				res.Stratification.Set(px, StratumDeforestation)
			}
			if both {
				res.Stratification.Set(px, StratumBoth)
			}
		}
	})

	return res, nil
}
