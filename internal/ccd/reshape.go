package ccd

import (
	"fmt"
	"sync/atomic"

	"github.com/chrissnell/coded/internal/raster"
	"github.com/chrissnell/coded/internal/workers"
)

// RawBand holds the per-segment fit of one spectral band at one pixel.
// Coefs[k] holds the eight harmonic coefficients of segment k in Harmonics
// order.
type RawBand struct {
	Coefs     [][]float64 `msgpack:"coefs"`
	RMSE      []float64   `msgpack:"rmse"`
	Magnitude []float64   `msgpack:"magnitude"`
}

// RawPixel holds the variable-length segment arrays of one pixel.
type RawPixel struct {
	TStart     []float64          `msgpack:"tStart"`
	TEnd       []float64          `msgpack:"tEnd"`
	TBreak     []float64          `msgpack:"tBreak"`
	ChangeProb []float64          `msgpack:"changeProb"`
	NumObs     []float64          `msgpack:"numObs"`
	Bands      map[string]RawBand `msgpack:"bands"`
}

// RawImage is the output of the external segment fitter. Bands declares
// which spectral bands the fitter produced.
type RawImage struct {
	Width  int        `msgpack:"width"`
	Height int        `msgpack:"height"`
	Bands  []string   `msgpack:"bands"`
	Pixels []RawPixel `msgpack:"pixels"`
}

// ReshapeStats reports what the reshaper had to discard.
type ReshapeStats struct {
	// Truncated counts pixels that had more than n segments.
	Truncated int
	// MaxSegments is the largest segment count seen at any pixel.
	MaxSegments int
}

// Reshape converts raw into a long-format stack of exactly n slots per
// attribute. Missing slots are zero-filled; segments beyond n are dropped.
func Reshape(raw *RawImage, n int, bands []string) (*raster.Stack, ReshapeStats, error) {
	var stats ReshapeStats

	if n < 1 {
		return nil, stats, fmt.Errorf("segment count must be at least 1, got %d", n)
	}
	if len(bands) == 0 {
		return nil, stats, fmt.Errorf("no bands requested")
	}
	npix := raw.Width * raw.Height
	if len(raw.Pixels) != npix {
		return nil, stats, fmt.Errorf("raw image has %d pixels, expected %dx%d", len(raw.Pixels), raw.Width, raw.Height)
	}

	declared := make(map[string]bool, len(raw.Bands))
	for _, b := range raw.Bands {
		declared[b] = true
	}
	seen := make(map[string]bool, len(bands))
	for _, b := range bands {
		if !declared[b] {
			return nil, stats, fmt.Errorf("%w: band %s", ErrMissingAttribute, b)
		}
		if seen[b] {
			return nil, stats, fmt.Errorf("band %s requested twice", b)
		}
		seen[b] = true
	}

	stack := raster.NewStack(raw.Width, raw.Height)
	newLayer := func(name string) *raster.Layer {
		l := raster.Filled(name, npix, 0)
		// names are unique by construction
		_ = stack.Add(l)
		return l
	}

	coefs := make([][][]*raster.Layer, len(bands))
	for bi, b := range bands {
		coefs[bi] = make([][]*raster.Layer, n)
		for s := 0; s < n; s++ {
			coefs[bi][s] = make([]*raster.Layer, len(Harmonics))
			for hi, h := range Harmonics {
				coefs[bi][s][hi] = newLayer(CoefName(s+1, b, h))
			}
		}
	}
	rmse := make([][]*raster.Layer, len(bands))
	for bi, b := range bands {
		rmse[bi] = make([]*raster.Layer, n)
		for s := 0; s < n; s++ {
			rmse[bi][s] = newLayer(RMSEName(s+1, b))
		}
	}
	mag := make([][]*raster.Layer, len(bands))
	for bi, b := range bands {
		mag[bi] = make([]*raster.Layer, n)
		for s := 0; s < n; s++ {
			mag[bi][s] = newLayer(MagName(s+1, b))
		}
	}
	attrs := make([][]*raster.Layer, len(SegmentAttrs))
	for ai, a := range SegmentAttrs {
		attrs[ai] = make([]*raster.Layer, n)
		for s := 0; s < n; s++ {
			attrs[ai][s] = newLayer(AttrName(s+1, a))
		}
	}

	var truncated, maxSegs atomic.Int64
	workers.Range(npix, func(lo, hi int) {
		localMax := 0
		for p := lo; p < hi; p++ {
			px := &raw.Pixels[p]

			segs := segmentCount(px)
			if segs > n {
				truncated.Add(1)
			}
			localMax = max(localMax, segs)

			for ai, vals := range [][]float64{px.TStart, px.TEnd, px.TBreak, px.ChangeProb, px.NumObs} {
				fill(attrs[ai], p, vals)
			}
			for bi, b := range bands {
				rb, ok := px.Bands[b]
				if !ok {
					continue
				}
				fill(rmse[bi], p, rb.RMSE)
				fill(mag[bi], p, rb.Magnitude)
				for s := 0; s < n && s < len(rb.Coefs); s++ {
					for h := 0; h < len(Harmonics) && h < len(rb.Coefs[s]); h++ {
						coefs[bi][s][h].Values[p] = rb.Coefs[s][h]
					}
				}
			}
		}
		for {
			cur := maxSegs.Load()
			if int64(localMax) <= cur || maxSegs.CompareAndSwap(cur, int64(localMax)) {
				break
			}
		}
	})

	stats.Truncated = int(truncated.Load())
	stats.MaxSegments = int(maxSegs.Load())
	return stack, stats, nil
}

// fill copies up to len(slots) values into pixel p of successive slot layers.
// Layers start zeroed, so short inputs are padded implicitly.
func fill(slots []*raster.Layer, p int, vals []float64) {
	for s := 0; s < len(slots) && s < len(vals); s++ {
		slots[s].Values[p] = vals[s]
	}
}

// segmentCount is the longest per-segment array at the pixel.
func segmentCount(px *RawPixel) int {
	c := max(len(px.TStart), len(px.TEnd), len(px.TBreak), len(px.ChangeProb), len(px.NumObs))
	for _, rb := range px.Bands {
		c = max(c, len(rb.Coefs), len(rb.RMSE), len(rb.Magnitude))
	}
	return c
}
