package classify

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Region is a study area on the pixel grid.
type Region interface {
	Contains(col, row int) bool
}

// Rect is an inclusive pixel rectangle.
type Rect struct {
	MinCol, MinRow int
	MaxCol, MaxRow int
}

func (r Rect) Contains(col, row int) bool {
	return col >= r.MinCol && col <= r.MaxCol && row >= r.MinRow && row <= r.MaxRow
}

// Polygon is a simple polygon in pixel coordinates. A pixel is inside when
// its center is inside or on the boundary.
type Polygon struct {
	Ring orb.Ring
}

// NewPolygon builds a polygon from (col, row) vertices. The ring need not be
// closed.
func NewPolygon(vertices [][2]float64) Polygon {
	ring := make(orb.Ring, len(vertices))
	for i, v := range vertices {
		ring[i] = orb.Point(v)
	}
	return Polygon{Ring: ring}
}

func (pg Polygon) Contains(col, row int) bool {
	if len(pg.Ring) < 3 {
		return false
	}
	return planar.RingContains(pg.Ring, orb.Point{float64(col) + 0.5, float64(row) + 0.5})
}
