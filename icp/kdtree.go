package icp

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// kdPoint is a buffer position tagged with its index, stored in a gonum k-d tree.
type kdPoint struct {
	pos   r3.Vector
	index int
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(kdPoint)
	switch d {
	case 0:
		return p.pos.X - q.pos.X
	case 1:
		return p.pos.Y - q.pos.Y
	case 2:
		return p.pos.Z - q.pos.Z
	}
	panic("icp: illegal k-d tree dimension")
}

func (p kdPoint) Dims() int { return 3 }

// Distance is the squared Euclidean distance, as gonum's own Point uses.
func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	return p.pos.Sub(c.(kdPoint).pos).Norm2()
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot partitions around the median of medians, which keeps tree
// construction independent of any random source.
func (p kdPoints) Pivot(d kdtree.Dim) int {
	pl := kdPlane{Dim: d, kdPoints: p}
	return kdtree.Partition(pl, kdtree.MedianOfMedians(pl))
}

type kdPlane struct {
	kdtree.Dim
	kdPoints
}

func (p kdPlane) Less(i, j int) bool {
	return p.kdPoints[i].Compare(p.kdPoints[j], p.Dim) < 0
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	p.kdPoints = p.kdPoints[start:end]
	return p
}

// pointIndex answers nearest-neighbour queries over the valid positions of a buffer.
type pointIndex struct {
	tree *kdtree.Tree
	size int
}

func newPointIndex(b *PointBuffer) *pointIndex {
	pts := make(kdPoints, 0, b.Len())
	for i := 0; i < b.Len(); i++ {
		if p := b.Position(i); finite(p) {
			pts = append(pts, kdPoint{pos: p, index: i})
		}
	}
	idx := &pointIndex{size: len(pts)}
	if len(pts) > 0 {
		idx.tree = kdtree.New(pts, false)
	}
	return idx
}

// nearest returns the buffer index of the closest indexed point and the
// squared distance to it, or -1 when the index is empty.
func (x *pointIndex) nearest(q r3.Vector) (int, float64) {
	if x.tree == nil {
		return -1, math.Inf(1)
	}
	c, d2 := x.tree.Nearest(kdPoint{pos: q})
	if c == nil {
		return -1, math.Inf(1)
	}
	return c.(kdPoint).index, d2
}
