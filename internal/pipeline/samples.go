package pipeline

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/chrissnell/coded/internal/ccd"
	"github.com/chrissnell/coded/internal/classify"
	"github.com/chrissnell/coded/internal/raster"
)

// PrepareSamples resolves, for each sample, the segment coefficients active
// at the sample's year and stores them as the sample's features. Intercepts
// are normalized to the segment midpoint when coefs holds INTP and SLP.
// Phase and amplitude are derived from the harmonic pairs and ancillary
// values are read at the sample pixel. Masked values are left out, so a
// sample without a qualifying segment is dropped at training time.
//
// Samples are returned in input order. A sample outside the grid keeps only
// the features it came with.
func PrepareSamples(long *raster.Stack, samples []classify.Sample, n int, bands, coefs []string, policy ccd.MatchPolicy, ancillary *raster.Stack) ([]classify.Sample, error) {
	if ancillary != nil && ancillary.Pixels() != long.Pixels() {
		return nil, fmt.Errorf("ancillary grid has %d pixels, segment stack has %d", ancillary.Pixels(), long.Pixels())
	}
	coefs = resolvableCoefs(coefs)

	byYear := make(map[float64][]int)
	out := make([]classify.Sample, len(samples))
	for i, s := range samples {
		out[i] = s
		out[i].Features = maps.Clone(s.Features)
		if out[i].Features == nil {
			out[i].Features = make(map[string]float64)
		}
		if !onGrid(long, s.Col, s.Row) {
			continue
		}
		byYear[s.Year] = append(byYear[s.Year], i)
	}

	years := slices.Sorted(maps.Keys(byYear))
	for _, year := range years {
		date := ccd.ConstantDate(long.Width, long.Height, year)
		resolved, err := ccd.ResolveMulti(long, date, n, bands, coefs, true, policy)
		if err != nil {
			return nil, fmt.Errorf("resolving coefficients at %v: %w", year, err)
		}
		for _, i := range byYear[year] {
			p := out[i].Row*long.Width + out[i].Col
			copyPixel(out[i].Features, resolved, p)
			if ancillary != nil {
				copyPixel(out[i].Features, ancillary, p)
			}
			classify.DeriveHarmonics(out[i].Features, bands)
		}
	}
	return out, nil
}

func onGrid(st *raster.Stack, col, row int) bool {
	return col >= 0 && col < st.Width && row >= 0 && row < st.Height
}

func copyPixel(dst map[string]float64, st *raster.Stack, p int) {
	for _, l := range st.Layers {
		if v, ok := l.At(p); ok {
			dst[l.Name] = v
		} else {
			delete(dst, l.Name)
		}
	}
}

// resolvableCoefs maps derived predictors to the coefficients they are
// computed from, keeping first-seen order and dropping duplicates.
func resolvableCoefs(coefs []string) []string {
	var out []string
	add := func(c string) {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	for _, c := range coefs {
		switch {
		case strings.HasPrefix(c, classify.FeaturePhase):
			sfx := strings.TrimPrefix(c, classify.FeaturePhase)
			add("COS" + sfx)
			add("SIN" + sfx)
		case strings.HasPrefix(c, classify.FeatureAmplitude):
			sfx := strings.TrimPrefix(c, classify.FeatureAmplitude)
			add("COS" + sfx)
			add("SIN" + sfx)
		default:
			add(c)
		}
	}
	return out
}
