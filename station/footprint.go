package station

import (
	"math"

	"github.com/kwv/simreg/icp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// footprintPoints projects the finite points of b onto the XY plane.
func footprintPoints(b *icp.PointBuffer) orb.MultiPoint {
	mp := make(orb.MultiPoint, 0, b.Len())
	for i := 0; i < b.Len(); i++ {
		p := b.Point(i)
		if !p.PositionValid() {
			continue
		}
		mp = append(mp, orb.Point{p.Position.X, p.Position.Y})
	}
	return mp
}

// Footprint returns the XY bounding box of the finite points of b.
func Footprint(b *icp.PointBuffer) (orb.Bound, bool) {
	mp := footprintPoints(b)
	if len(mp) == 0 {
		return orb.Bound{}, false
	}
	return mp.Bound(), true
}

// FootprintOverlap is the intersection over union of the XY bounding boxes
// of a and b, in [0, 1]. Degenerate boxes (a line or a point) compare as 0
// unless identical.
func FootprintOverlap(a, b *icp.PointBuffer) float64 {
	ba, okA := Footprint(a)
	bb, okB := Footprint(b)
	if !okA || !okB || !ba.Intersects(bb) {
		return 0
	}

	inter := orb.Bound{
		Min: orb.Point{math.Max(ba.Min[0], bb.Min[0]), math.Max(ba.Min[1], bb.Min[1])},
		Max: orb.Point{math.Min(ba.Max[0], bb.Max[0]), math.Min(ba.Max[1], bb.Max[1])},
	}
	union := planar.Area(ba) + planar.Area(bb) - planar.Area(inter)
	if union <= 0 {
		if ba.Equal(bb) {
			return 1
		}
		return 0
	}
	return planar.Area(inter) / union
}

// FootprintCentroidOffset is the XY distance between the centroids of the
// finite points of a and b. Returns false when either has none.
func FootprintCentroidOffset(a, b *icp.PointBuffer) (float64, bool) {
	ma, mb := footprintPoints(a), footprintPoints(b)
	if len(ma) == 0 || len(mb) == 0 {
		return 0, false
	}
	ca, _ := planar.CentroidArea(ma)
	cb, _ := planar.CentroidArea(mb)
	return planar.Distance(ca, cb), true
}
