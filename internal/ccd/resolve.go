package ccd

import (
	"fmt"
	"strings"

	"github.com/chrissnell/coded/internal/raster"
	"github.com/chrissnell/coded/internal/workers"
)

// MatchPolicy selects which segment slot supplies a value at a reference date.
type MatchPolicy int

const (
	// MatchNormal picks the first slot whose span contains the date.
	MatchNormal MatchPolicy = iota
	// MatchBefore picks the last started slot that began before the date.
	MatchBefore
	// MatchAfter picks the first slot that ends after the date.
	MatchAfter
	// MatchAuto prefers MatchBefore and falls back to MatchAfter.
	MatchAuto
)

func (m MatchPolicy) String() string {
	switch m {
	case MatchNormal:
		return "normal"
	case MatchBefore:
		return "before"
	case MatchAfter:
		return "after"
	case MatchAuto:
		return "auto"
	default:
		return fmt.Sprintf("MatchPolicy(%d)", int(m))
	}
}

// ParseMatchPolicy parses a policy name as written in configuration.
func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return MatchNormal, nil
	case "before":
		return MatchBefore, nil
	case "after":
		return MatchAfter, nil
	case "auto":
		return MatchAuto, nil
	}
	return 0, fmt.Errorf("unknown match policy %q", s)
}

// ConstantDate builds a date layer holding d at every pixel.
func ConstantDate(width, height int, d float64) *raster.Layer {
	return raster.Filled("date", width*height, d)
}

// NormalizeIntercept moves a segment intercept from time zero to the segment
// midpoint.
func NormalizeIntercept(intp, slp, tStart, tEnd float64) float64 {
	return intp + slp*(tStart+tEnd)/2
}

// OutputName is the name Resolve gives the layer for (band, coef).
func OutputName(band, coef string) string {
	if band == "" {
		return coef
	}
	return band + "_" + coef
}

// slotSpans holds the per-slot segment bounds used to qualify slots.
type slotSpans struct {
	starts []*raster.Layer
	ends   []*raster.Layer
}

func loadSpans(stack *raster.Stack, n int) (slotSpans, error) {
	var ss slotSpans
	for s := 1; s <= n; s++ {
		st, ok := stack.Layer(AttrName(s, AttrTStart))
		if !ok {
			return ss, fmt.Errorf("%w: %s", ErrMissingAttribute, AttrName(s, AttrTStart))
		}
		en, ok := stack.Layer(AttrName(s, AttrTEnd))
		if !ok {
			return ss, fmt.Errorf("%w: %s", ErrMissingAttribute, AttrName(s, AttrTEnd))
		}
		ss.starts = append(ss.starts, st)
		ss.ends = append(ss.ends, en)
	}
	return ss, nil
}

// qualifies reports whether slot s at pixel p matches date d under policy.
func (ss slotSpans) qualifies(policy MatchPolicy, s, p int, d float64) bool {
	start, okS := ss.starts[s].At(p)
	end, okE := ss.ends[s].At(p)
	switch policy {
	case MatchNormal:
		return okS && okE && start <= d && d <= end
	case MatchAfter:
		return okE && end > d
	case MatchBefore:
		return okS && start != 0 && start < d
	}
	return false
}

func sourceLayers(stack *raster.Stack, n int, band, coef string) ([]*raster.Layer, error) {
	src := make([]*raster.Layer, n)
	for s := 1; s <= n; s++ {
		name, err := LayerName(s, band, coef)
		if err != nil {
			return nil, err
		}
		l, ok := stack.Layer(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingAttribute, name)
		}
		src[s-1] = l
	}
	return src, nil
}

// reduce selects, per pixel, the value of the first (or last, for
// MatchBefore) qualifying slot whose source value is present.
func reduce(src []*raster.Layer, ss slotSpans, date *raster.Layer, policy MatchPolicy, name string) *raster.Layer {
	out := raster.NewLayer(name, date.Len())
	workers.Range(date.Len(), func(lo, hi int) {
		for p := lo; p < hi; p++ {
			d, ok := date.At(p)
			if !ok {
				continue
			}
			if policy == MatchBefore {
				for s := len(src) - 1; s >= 0; s-- {
					if src[s].Valid[p] && ss.qualifies(policy, s, p, d) {
						out.Set(p, src[s].Values[p])
						break
					}
				}
				continue
			}
			for s := 0; s < len(src); s++ {
				if src[s].Valid[p] && ss.qualifies(policy, s, p, d) {
					out.Set(p, src[s].Values[p])
					break
				}
			}
		}
	})
	return out
}

// overlay returns a layer taking top where present and bottom elsewhere.
func overlay(top, bottom *raster.Layer) *raster.Layer {
	out := bottom.Clone(top.Name)
	for p, ok := range top.Valid {
		if ok {
			out.Set(p, top.Values[p])
		}
	}
	return out
}

// Resolve returns, per pixel, the value of (band, coef) from the slot chosen
// by policy at date. Pixels with no qualifying slot are masked. An empty band
// addresses a segment attribute such as tStart.
func Resolve(stack *raster.Stack, date *raster.Layer, n int, band, coef string, policy MatchPolicy) (*raster.Layer, error) {
	if date.Len() != stack.Pixels() {
		return nil, fmt.Errorf("date layer has %d pixels, stack has %d", date.Len(), stack.Pixels())
	}
	ss, err := loadSpans(stack, n)
	if err != nil {
		return nil, err
	}
	src, err := sourceLayers(stack, n, band, coef)
	if err != nil {
		return nil, err
	}
	name := OutputName(band, coef)
	if policy == MatchAuto {
		before := reduce(src, ss, date, MatchBefore, name)
		after := reduce(src, ss, date, MatchAfter, name)
		return overlay(before, after), nil
	}
	return reduce(src, ss, date, policy, name), nil
}

// ResolveMulti resolves every (coef, band) pair, coef-major. Segment
// attributes in coefs yield a single band-less layer. When normalize is set
// and both INTP and SLP are requested, each band's intercept is moved to the
// midpoint of the selected segment.
func ResolveMulti(stack *raster.Stack, date *raster.Layer, n int, bands, coefs []string, normalize bool, policy MatchPolicy) (*raster.Stack, error) {
	if policy != MatchAuto {
		return resolveMulti(stack, date, n, bands, coefs, normalize, policy)
	}

	before, err := resolveMulti(stack, date, n, bands, coefs, normalize, MatchBefore)
	if err != nil {
		return nil, err
	}
	after, err := resolveMulti(stack, date, n, bands, coefs, normalize, MatchAfter)
	if err != nil {
		return nil, err
	}
	out := raster.NewStack(stack.Width, stack.Height)
	for i, b := range before.Layers {
		if err := out.Add(overlay(b, after.Layers[i])); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func resolveMulti(stack *raster.Stack, date *raster.Layer, n int, bands, coefs []string, normalize bool, policy MatchPolicy) (*raster.Stack, error) {
	out := raster.NewStack(stack.Width, stack.Height)
	for _, coef := range coefs {
		if isSegmentAttr(coef) {
			l, err := Resolve(stack, date, n, "", coef, policy)
			if err != nil {
				return nil, err
			}
			if err := out.Add(l); err != nil {
				return nil, err
			}
			continue
		}
		for _, band := range bands {
			l, err := Resolve(stack, date, n, band, coef, policy)
			if err != nil {
				return nil, err
			}
			if err := out.Add(l); err != nil {
				return nil, err
			}
		}
	}

	if !normalize || !contains(coefs, "INTP") || !contains(coefs, "SLP") {
		return out, nil
	}

	tStart, err := Resolve(stack, date, n, "", AttrTStart, policy)
	if err != nil {
		return nil, err
	}
	tEnd, err := Resolve(stack, date, n, "", AttrTEnd, policy)
	if err != nil {
		return nil, err
	}
	for _, band := range bands {
		intp, _ := out.Layer(OutputName(band, "INTP"))
		slp, _ := out.Layer(OutputName(band, "SLP"))
		normalizeLayer(intp, slp, tStart, tEnd)
	}
	return out, nil
}

// normalizeLayer rewrites intp in place; pixels missing any input are masked.
func normalizeLayer(intp, slp, tStart, tEnd *raster.Layer) {
	workers.Range(intp.Len(), func(lo, hi int) {
		for p := lo; p < hi; p++ {
			if !intp.Valid[p] {
				continue
			}
			if !slp.Valid[p] || !tStart.Valid[p] || !tEnd.Valid[p] {
				intp.Mask(p)
				continue
			}
			intp.Values[p] = NormalizeIntercept(intp.Values[p], slp.Values[p], tStart.Values[p], tEnd.Values[p])
		}
	})
}

func isSegmentAttr(coef string) bool {
	return contains(SegmentAttrs, coef)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
