package icp

import "math"

// CorrespondenceEstimator matches source points to target points.
type CorrespondenceEstimator interface {
	// Capabilities declares which normals the estimator reads.
	Capabilities() Capabilities
	// Bind prepares a search against target. The returned Matcher belongs to
	// a single registration call and is discarded with it.
	Bind(target *PointBuffer) Matcher
}

// Matcher finds correspondences against the target it was bound to.
// Results must be deterministic for a fixed buffer pair.
type Matcher interface {
	// Correspondences pairs every valid source point with its nearest valid
	// target point within maxDistance (<= 0 means unbounded).
	Correspondences(source *PointBuffer, maxDistance float64) Correspondences
	// ReciprocalCorrespondences keeps only pairs that are each other's nearest neighbour.
	ReciprocalCorrespondences(source *PointBuffer, maxDistance float64) Correspondences
}

// KDTreeEstimator is the default point-to-point nearest-neighbour estimator.
type KDTreeEstimator struct{}

// NewKDTreeEstimator returns the default estimator.
func NewKDTreeEstimator() *KDTreeEstimator { return &KDTreeEstimator{} }

// Capabilities implements CorrespondenceEstimator; positions only.
func (KDTreeEstimator) Capabilities() Capabilities { return Capabilities{} }

// Bind implements CorrespondenceEstimator.
func (KDTreeEstimator) Bind(target *PointBuffer) Matcher {
	return &kdMatcher{target: target, index: newPointIndex(target)}
}

type kdMatcher struct {
	target *PointBuffer
	index  *pointIndex
}

func maxDistance2(maxDistance float64) float64 {
	if maxDistance <= 0 {
		return math.Inf(1)
	}
	return maxDistance * maxDistance
}

// nearestAll finds, for every source point, the nearest target index or -1.
func (m *kdMatcher) nearestAll(source *PointBuffer, limit2 float64) ([]int, []float64) {
	idx := make([]int, source.Len())
	dist := make([]float64, source.Len())
	forEachChunk(source.Len(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			idx[i] = -1
			p := source.Position(i)
			if !finite(p) {
				continue
			}
			j, d2 := m.index.nearest(p)
			if j >= 0 && d2 <= limit2 {
				idx[i], dist[i] = j, d2
			}
		}
	})
	return idx, dist
}

func (m *kdMatcher) Correspondences(source *PointBuffer, maxDistance float64) Correspondences {
	idx, dist := m.nearestAll(source, maxDistance2(maxDistance))
	out := make(Correspondences, 0, len(idx))
	for i, j := range idx {
		if j >= 0 {
			out = append(out, Correspondence{SourceIndex: i, TargetIndex: j, Distance2: dist[i], Weight: 1})
		}
	}
	return out
}

func (m *kdMatcher) ReciprocalCorrespondences(source *PointBuffer, maxDistance float64) Correspondences {
	limit2 := maxDistance2(maxDistance)
	idx, dist := m.nearestAll(source, limit2)
	back := newPointIndex(source)

	keep := make([]bool, len(idx))
	forEachChunk(len(idx), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			j := idx[i]
			if j < 0 {
				continue
			}
			k, _ := back.nearest(m.target.Position(j))
			keep[i] = k == i
		}
	})

	out := make(Correspondences, 0, len(idx))
	for i, j := range idx {
		if keep[i] {
			out = append(out, Correspondence{SourceIndex: i, TargetIndex: j, Distance2: dist[i], Weight: 1})
		}
	}
	return out
}
