// Package change turns per-segment land-cover classes into degradation and
// deforestation labels and a stratification map.
package change

import (
	"fmt"

	"github.com/chrissnell/coded/internal/ccd"
	"github.com/chrissnell/coded/internal/classify"
	"github.com/chrissnell/coded/internal/raster"
	"github.com/chrissnell/coded/internal/workers"
)

// MaskName is the layer name of a derived forest mask.
const MaskName = "forestMask"

// PrepareOptions controls PrepareClassification.
type PrepareOptions struct {
	Segments    int
	ForestValue int
	// MagnitudeBand gates post-break segments on a decline in this band's
	// change magnitude. Empty disables gating.
	MagnitudeBand string
}

// Prepared is the classification handed to Label.
type Prepared struct {
	Mask *raster.Layer
	// Classification holds S2..SN classification layers, each restricted to
	// the forest mask and to breaks that passed magnitude gating.
	Classification *raster.Stack
}

// forestAt reads the forest mask at p. Only 0 and 1 are mask values; anything
// else reads as masked.
func forestAt(mask *raster.Layer, p int) (forest, ok bool) {
	v, valid := mask.At(p)
	if !valid {
		return false, false
	}
	switch v {
	case 1:
		return true, true
	case 0:
		return false, true
	}
	return false, false
}

// DeriveMask builds a forest mask from the first segment's class: 1 where it
// equals forestValue, 0 elsewhere, masked where slot 1 is unclassified.
func DeriveMask(raw *raster.Stack, forestValue int) (*raster.Layer, error) {
	s1, ok := raw.Layer(classify.ClassificationName(1))
	if !ok {
		return nil, fmt.Errorf("deriving forest mask: %s missing", classify.ClassificationName(1))
	}
	mask := raster.NewLayer(MaskName, s1.Len())
	for p, v := range s1.Values {
		if !s1.Valid[p] {
			continue
		}
		if int(v) == forestValue {
			mask.Set(p, 1)
		} else {
			mask.Set(p, 0)
		}
	}
	return mask, nil
}

// PrepareClassification keeps the post-break segments (slots 2..N) of raw
// that lie in forest and, when gating is enabled, whose opening break shows a
// negative change magnitude. A nil mask is derived from slot 1.
func PrepareClassification(raw, long *raster.Stack, mask *raster.Layer, opts PrepareOptions) (*Prepared, error) {
	if opts.Segments < 2 {
		return nil, fmt.Errorf("change labeling needs at least 2 segments, got %d", opts.Segments)
	}
	if mask == nil {
		var err error
		if mask, err = DeriveMask(raw, opts.ForestValue); err != nil {
			return nil, err
		}
	} else if mask.Len() != raw.Pixels() {
		return nil, fmt.Errorf("forest mask has %d pixels, classification has %d", mask.Len(), raw.Pixels())
	}

	out := raster.NewStack(raw.Width, raw.Height)
	for slot := 2; slot <= opts.Segments; slot++ {
		name := classify.ClassificationName(slot)
		src, ok := raw.Layer(name)
		if !ok {
			return nil, fmt.Errorf("%s missing from classification", name)
		}

		var gate *raster.Layer
		if opts.MagnitudeBand != "" {
			magName := ccd.MagName(slot-1, opts.MagnitudeBand)
			if gate, ok = long.Layer(magName); !ok {
				return nil, fmt.Errorf("%w: %s", ccd.ErrMissingAttribute, magName)
			}
		}

		dst := raster.NewLayer(name, src.Len())
		workers.Range(src.Len(), func(lo, hi int) {
			for p := lo; p < hi; p++ {
				if !src.Valid[p] {
					continue
				}
				if isForest, ok := forestAt(mask, p); !ok || !isForest {
					continue
				}
				if gate != nil && !(gate.Valid[p] && gate.Values[p] < 0) {
					continue
				}
				dst.Set(p, src.Values[p])
			}
		})
		if err := out.Add(dst); err != nil {
			return nil, err
		}
	}
	return &Prepared{Mask: mask, Classification: out}, nil
}
