package classify

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/chrissnell/coded/internal/ccd"
	"github.com/chrissnell/coded/internal/raster"
	"github.com/chrissnell/coded/internal/workers"
)

// Derived harmonic features. Suffix "" is the annual harmonic, "2" and "3"
// the higher ones, matching the COS/SIN tag suffixes.
const (
	FeaturePhase     = "PHASE"
	FeatureAmplitude = "AMPLITUDE"
)

var harmonicSuffixes = []string{"", "2", "3"}

// ErrUnknownPredictor reports a predictor name no feature source can supply.
var ErrUnknownPredictor = errors.New("unknown predictor")

// FeatureName is the canonical predictor name of coef for band.
func FeatureName(band, coef string) string {
	return band + "_" + coef
}

// bookkeeping reports whether coef is segment metadata rather than a predictor.
func bookkeeping(coef string) bool {
	switch coef {
	case ccd.AttrTStart, ccd.AttrTEnd, ccd.AttrTBreak, ccd.AttrChangeProb, ccd.AttrMAG:
		return true
	}
	return false
}

// PredictorNames returns the ordered predictor schema: band x coef pairs in
// band-major order followed by the ancillary layer names. Segment bookkeeping
// and magnitude layers never become predictors.
func PredictorNames(bands, coefs, ancillary []string) []string {
	var names []string
	for _, b := range bands {
		for _, c := range coefs {
			if bookkeeping(c) {
				continue
			}
			names = append(names, FeatureName(b, c))
		}
	}
	return append(names, ancillary...)
}

// DeriveHarmonics adds phase and amplitude for every COS/SIN pair present in
// features, for each band.
func DeriveHarmonics(features map[string]float64, bands []string) {
	for _, b := range bands {
		for _, sfx := range harmonicSuffixes {
			cos, okC := features[FeatureName(b, "COS"+sfx)]
			sin, okS := features[FeatureName(b, "SIN"+sfx)]
			if !okC || !okS {
				continue
			}
			features[FeatureName(b, FeaturePhase+sfx)] = math.Atan2(sin, cos)
			features[FeatureName(b, FeatureAmplitude+sfx)] = math.Hypot(sin, cos)
		}
	}
}

// FeatureTable is a column-major predictor table for one segment slot.
// Valid[p] is false for pixels with no segment in the slot.
type FeatureTable struct {
	Slot    int
	Names   []string
	Columns [][]float64
	Valid   []bool
}

// Row copies the predictors of pixel p into buf and returns it.
func (ft *FeatureTable) Row(p int, buf []float64) []float64 {
	buf = buf[:0]
	for _, col := range ft.Columns {
		buf = append(buf, col[p])
	}
	return buf
}

// slotSource resolves stripped names (GV_coef_SIN, tStart) to slot layers.
type slotSource struct {
	stack  *raster.Stack
	prefix string
}

func (s slotSource) layer(stripped string) (*raster.Layer, bool) {
	return s.stack.Layer(s.prefix + stripped)
}

// SlotFeatures builds the predictor table of one slot: pixels without a
// segment (tStart <= 0) are masked, intercepts are moved to the segment
// midpoint, phase and amplitude are derived from the harmonic pairs and the
// ancillary layers are appended.
func SlotFeatures(stack *raster.Stack, slot int, bands, coefs []string, ancillary *raster.Stack) (*FeatureTable, error) {
	src := slotSource{stack: stack, prefix: ccd.SlotPrefix(slot)}

	tStart, ok := src.layer(ccd.AttrTStart)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ccd.ErrMissingAttribute, ccd.AttrName(slot, ccd.AttrTStart))
	}
	tEnd, ok := src.layer(ccd.AttrTEnd)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ccd.ErrMissingAttribute, ccd.AttrName(slot, ccd.AttrTEnd))
	}

	var ancNames []string
	if ancillary != nil {
		if ancillary.Pixels() != stack.Pixels() {
			return nil, fmt.Errorf("ancillary grid has %d pixels, segment stack has %d", ancillary.Pixels(), stack.Pixels())
		}
		ancNames = ancillary.Names()
	}
	names := PredictorNames(bands, coefs, ancNames)

	npix := stack.Pixels()
	ft := &FeatureTable{
		Slot:    slot,
		Names:   names,
		Columns: make([][]float64, len(names)),
		Valid:   make([]bool, npix),
	}

	valid := ft.Valid
	for p := 0; p < npix; p++ {
		v, ok := tStart.At(p)
		valid[p] = ok && v > 0
	}

	ci := 0
	for _, b := range bands {
		for _, c := range coefs {
			if bookkeeping(c) {
				continue
			}
			col, err := bandColumn(src, b, c, tStart, tEnd, valid)
			if err != nil {
				return nil, fmt.Errorf("slot %d predictor %s: %w", slot, FeatureName(b, c), err)
			}
			ft.Columns[ci] = col
			ci++
		}
	}
	for _, name := range ancNames {
		l, _ := ancillary.Layer(name)
		col := make([]float64, npix)
		for p := 0; p < npix; p++ {
			if !l.Valid[p] {
				valid[p] = false
				continue
			}
			col[p] = l.Values[p]
		}
		ft.Columns[ci] = col
		ci++
	}

	return ft, nil
}

// bandColumn computes one band predictor over all valid pixels.
func bandColumn(src slotSource, band, coef string, tStart, tEnd *raster.Layer, valid []bool) ([]float64, error) {
	npix := len(valid)
	col := make([]float64, npix)

	need := func(stripped string) (*raster.Layer, error) {
		l, ok := src.layer(stripped)
		if !ok {
			return nil, fmt.Errorf("%w: %s%s", ccd.ErrMissingAttribute, src.prefix, stripped)
		}
		return l, nil
	}

	switch {
	case coef == "INTP":
		intp, err := need(band + "_coef_INTP")
		if err != nil {
			return nil, err
		}
		slp, hasSlope := src.layer(band + "_coef_SLP")
		workers.Range(npix, func(lo, hi int) {
			for p := lo; p < hi; p++ {
				if !valid[p] {
					continue
				}
				if hasSlope {
					col[p] = ccd.NormalizeIntercept(intp.Values[p], slp.Values[p], tStart.Values[p], tEnd.Values[p])
				} else {
					col[p] = intp.Values[p]
				}
			}
		})
		return col, nil

	case coef == ccd.AttrRMSE:
		l, err := need(band + "_RMSE")
		if err != nil {
			return nil, err
		}
		copyValid(col, l, valid)
		return col, nil

	case strings.HasPrefix(coef, FeaturePhase), strings.HasPrefix(coef, FeatureAmplitude):
		phase := strings.HasPrefix(coef, FeaturePhase)
		sfx := strings.TrimPrefix(strings.TrimPrefix(coef, FeaturePhase), FeatureAmplitude)
		if !validSuffix(sfx) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPredictor, coef)
		}
		cos, err := need(band + "_coef_COS" + sfx)
		if err != nil {
			return nil, err
		}
		sin, err := need(band + "_coef_SIN" + sfx)
		if err != nil {
			return nil, err
		}
		workers.Range(npix, func(lo, hi int) {
			for p := lo; p < hi; p++ {
				if !valid[p] {
					continue
				}
				if phase {
					col[p] = math.Atan2(sin.Values[p], cos.Values[p])
				} else {
					col[p] = math.Hypot(sin.Values[p], cos.Values[p])
				}
			}
		})
		return col, nil
	}

	for _, h := range ccd.Harmonics {
		if h == coef {
			l, err := need(band + "_coef_" + h)
			if err != nil {
				return nil, err
			}
			copyValid(col, l, valid)
			return col, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownPredictor, coef)
}

func copyValid(dst []float64, l *raster.Layer, valid []bool) {
	for p := range dst {
		if valid[p] {
			dst[p] = l.Values[p]
		}
	}
}

func validSuffix(sfx string) bool {
	for _, s := range harmonicSuffixes {
		if s == sfx {
			return true
		}
	}
	return false
}
