// Package ccd reshapes raw per-pixel segment fits into fixed-depth layer
// stacks and resolves segment attributes at a reference date.
package ccd

import (
	"errors"
	"fmt"
)

// Harmonics lists the per-band model coefficients in storage order.
var Harmonics = []string{"INTP", "SLP", "COS", "SIN", "COS2", "SIN2", "COS3", "SIN3"}

// Segment-level attributes, in long-format group order.
const (
	AttrTStart     = "tStart"
	AttrTEnd       = "tEnd"
	AttrTBreak     = "tBreak"
	AttrChangeProb = "changeProb"
	AttrNumObs     = "numObs"
)

// SegmentAttrs lists the band-less segment attributes in group order.
var SegmentAttrs = []string{AttrTStart, AttrTEnd, AttrTBreak, AttrChangeProb, AttrNumObs}

// Per-band attributes that are not harmonic coefficients.
const (
	AttrRMSE = "RMSE"
	AttrMAG  = "MAG"
)

var (
	// ErrMissingAttribute reports a band or attribute absent from the raw format.
	ErrMissingAttribute = errors.New("attribute missing from segment format")
	// ErrUnknownCoefficient reports a coefficient name the resolver does not know.
	ErrUnknownCoefficient = errors.New("unknown coefficient")
)

// CoefName is the long-format name of harmonic h of band in slot.
func CoefName(slot int, band, h string) string {
	return fmt.Sprintf("S%d_%s_coef_%s", slot, band, h)
}

// RMSEName is the long-format name of the fit RMSE of band in slot.
func RMSEName(slot int, band string) string {
	return fmt.Sprintf("S%d_%s_RMSE", slot, band)
}

// MagName is the long-format name of the change magnitude of band in slot.
func MagName(slot int, band string) string {
	return fmt.Sprintf("S%d_%s_MAG", slot, band)
}

// AttrName is the long-format name of a band-less attribute in slot.
func AttrName(slot int, attr string) string {
	return fmt.Sprintf("S%d_%s", slot, attr)
}

// SlotPrefix is the name prefix shared by every layer of slot.
func SlotPrefix(slot int) string {
	return fmt.Sprintf("S%d_", slot)
}

// LayerName maps a (band, coef) pair to its long-format name in slot.
// coef may be a harmonic tag, RMSE, MAG, or, with an empty band, one of the
// segment attributes.
func LayerName(slot int, band, coef string) (string, error) {
	if band == "" {
		for _, a := range SegmentAttrs {
			if a == coef {
				return AttrName(slot, coef), nil
			}
		}
		return "", fmt.Errorf("%w: %q has no band-less form", ErrUnknownCoefficient, coef)
	}
	switch coef {
	case AttrRMSE:
		return RMSEName(slot, band), nil
	case AttrMAG:
		return MagName(slot, band), nil
	}
	if isHarmonic(coef) {
		return CoefName(slot, band, coef), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCoefficient, coef)
}

// LayerNames enumerates the long-format layer names for n slots and the
// given bands, in stack order.
func LayerNames(n int, bands []string) []string {
	var names []string
	for _, b := range bands {
		for s := 1; s <= n; s++ {
			for _, h := range Harmonics {
				names = append(names, CoefName(s, b, h))
			}
		}
	}
	for _, b := range bands {
		for s := 1; s <= n; s++ {
			names = append(names, RMSEName(s, b))
		}
	}
	for _, b := range bands {
		for s := 1; s <= n; s++ {
			names = append(names, MagName(s, b))
		}
	}
	for _, a := range SegmentAttrs {
		for s := 1; s <= n; s++ {
			names = append(names, AttrName(s, a))
		}
	}
	return names
}

func isHarmonic(coef string) bool {
	for _, h := range Harmonics {
		if h == coef {
			return true
		}
	}
	return false
}
