package icp

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceIndices(cs Correspondences) []int {
	out := make([]int, len(cs))
	for i, c := range cs {
		out[i] = c.SourceIndex
	}
	return out
}

func TestDistanceRejector(t *testing.T) {
	in := Correspondences{
		{SourceIndex: 0, TargetIndex: 0, Distance2: 0.5},
		{SourceIndex: 1, TargetIndex: 1, Distance2: 1.0},
		{SourceIndex: 2, TargetIndex: 2, Distance2: 4.0},
	}
	out := DistanceRejector{MaxDistance: 1}.Reject(in, RejectionData{})
	assert.Equal(t, []int{0, 1}, sourceIndices(out))
	assert.Len(t, in, 3, "input must not be modified")
}

func TestMedianDistanceRejector(t *testing.T) {
	in := Correspondences{
		{SourceIndex: 0, Distance2: 1},
		{SourceIndex: 1, Distance2: 2},
		{SourceIndex: 2, Distance2: 3},
		{SourceIndex: 3, Distance2: 100},
		{SourceIndex: 4, Distance2: 2.5},
	}
	// median of {1, 2, 2.5, 3, 100} is 2.5
	out := MedianDistanceRejector{Factor: 2}.Reject(in, RejectionData{})
	assert.Equal(t, []int{0, 1, 2, 4}, sourceIndices(out))

	assert.Empty(t, MedianDistanceRejector{Factor: 2}.Reject(nil, RejectionData{}))
}

func TestOneToOneRejector(t *testing.T) {
	in := Correspondences{
		{SourceIndex: 0, TargetIndex: 5, Distance2: 2},
		{SourceIndex: 1, TargetIndex: 5, Distance2: 1},
		{SourceIndex: 2, TargetIndex: 6, Distance2: 3},
		{SourceIndex: 3, TargetIndex: 7, Distance2: 1},
		{SourceIndex: 4, TargetIndex: 7, Distance2: 1},
	}
	out := OneToOneRejector{}.Reject(in, RejectionData{})
	assert.Equal(t, []int{1, 2, 3}, sourceIndices(out))
}

func TestTrimmedRejector(t *testing.T) {
	in := Correspondences{
		{SourceIndex: 0, Distance2: 4},
		{SourceIndex: 1, Distance2: 1},
		{SourceIndex: 2, Distance2: 3},
		{SourceIndex: 3, Distance2: 2},
	}
	assert.Equal(t, []int{1, 3}, sourceIndices(TrimmedRejector{Fraction: 0.5}.Reject(in, RejectionData{})))
	assert.Equal(t, []int{1}, sourceIndices(TrimmedRejector{Fraction: 0.1}.Reject(in, RejectionData{})))
	assert.Len(t, TrimmedRejector{Fraction: 1}.Reject(in, RejectionData{}), 4)
	assert.Equal(t, 0, in[0].SourceIndex, "input order must be preserved")
}

func TestSurfaceNormalRejector(t *testing.T) {
	source := BufferFromPoints([]Point{
		{Normal: r3.Vector{Z: 1}},
		{Normal: r3.Vector{X: 1}},
		{Normal: r3.Vector{Z: math.NaN()}},
		{Normal: r3.Vector{Z: 2}},
	}, true)
	target := BufferFromPoints([]Point{{Normal: r3.Vector{X: 0.1, Z: 1}}}, true)
	in := Correspondences{
		{SourceIndex: 0, TargetIndex: 0},
		{SourceIndex: 1, TargetIndex: 0},
		{SourceIndex: 2, TargetIndex: 0},
		{SourceIndex: 3, TargetIndex: 0},
	}
	r := SurfaceNormalRejector{MaxAngle: 30 * math.Pi / 180}

	out := r.Reject(in, RejectionData{Source: source, Target: target, SourceNormals: true, TargetNormals: true})
	assert.Equal(t, []int{0, 3}, sourceIndices(out), "unnormalized normals compare by angle")

	// Without normals on one side the set passes through.
	out = r.Reject(in, RejectionData{Source: source, Target: target, SourceNormals: true})
	assert.Len(t, out, 4)
}

func TestRejectorChain_OrderMatters(t *testing.T) {
	in := Correspondences{
		{SourceIndex: 0, TargetIndex: 0, Distance2: 1},
		{SourceIndex: 1, TargetIndex: 1, Distance2: 2},
		{SourceIndex: 2, TargetIndex: 2, Distance2: 3},
		{SourceIndex: 3, TargetIndex: 3, Distance2: 4},
		{SourceIndex: 4, TargetIndex: 4, Distance2: 100},
	}
	dist := DistanceRejector{MaxDistance: 5}
	median := MedianDistanceRejector{Factor: 1}

	// distance first removes the outlier, which lowers the median
	assert.Equal(t, []int{0, 1}, sourceIndices(RejectorChain{dist, median}.Apply(in, nil, nil)))
	assert.Equal(t, []int{0, 1, 2}, sourceIndices(RejectorChain{median, dist}.Apply(in, nil, nil)))

	// each stage consumes the previous stage's output
	trimmed := RejectorChain{TrimmedRejector{Fraction: 0.8}, TrimmedRejector{Fraction: 0.5}}
	assert.Equal(t, []int{0, 1}, sourceIndices(trimmed.Apply(in, nil, nil)))

	assert.Equal(t, in, RejectorChain{}.Apply(in, nil, nil))
}

// recordingRejector records what the chain gave it.
type recordingRejector struct {
	caps Capabilities
	got  *RejectionData
}

func (r recordingRejector) Name() string               { return "recording" }
func (r recordingRejector) Capabilities() Capabilities { return r.caps }
func (r recordingRejector) Reject(in Correspondences, data RejectionData) Correspondences {
	*r.got = data
	return in
}

func TestRejectorChain_NormalsOnlyWhenAvailableAndRequested(t *testing.T) {
	withNormals := NewPointBuffer(1, true)
	without := NewPointBuffer(1, false)

	var got RejectionData
	rec := recordingRejector{caps: Capabilities{SourceNormals: true, TargetNormals: true}, got: &got}
	RejectorChain{rec}.Apply(nil, without, withNormals)
	assert.False(t, got.SourceNormals)
	assert.True(t, got.TargetNormals)

	rec.caps = Capabilities{}
	RejectorChain{rec}.Apply(nil, withNormals, withNormals)
	assert.False(t, got.SourceNormals)
	assert.False(t, got.TargetNormals)
}

func TestRejectorChain_Capabilities(t *testing.T) {
	chain := RejectorChain{DistanceRejector{MaxDistance: 1}, SurfaceNormalRejector{MaxAngle: 1}}
	assert.Equal(t, Capabilities{SourceNormals: true, TargetNormals: true}, chain.Capabilities())
	assert.Equal(t, Capabilities{}, RejectorChain{}.Capabilities())
}

func TestBuildRejectors(t *testing.T) {
	chain, err := BuildRejectors([]RejectorConfig{
		{Type: "distance", Threshold: 2},
		{Type: "One_To_One"},
		{Type: "median_distance", Threshold: 3},
		{Type: "trimmed", Threshold: 0.8},
		{Type: "surface_normal", Threshold: 45},
	})
	require.NoError(t, err)
	require.Len(t, chain, 5)
	assert.Equal(t, DistanceRejector{MaxDistance: 2}, chain[0])
	assert.Equal(t, OneToOneRejector{}, chain[1])
	assert.Equal(t, MedianDistanceRejector{Factor: 3}, chain[2])
	assert.Equal(t, TrimmedRejector{Fraction: 0.8}, chain[3])
	assert.InDelta(t, math.Pi/4, chain[4].(SurfaceNormalRejector).MaxAngle, 1e-12)

	empty, err := BuildRejectors(nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestBuildRejectors_Invalid(t *testing.T) {
	tests := []RejectorConfig{
		{Type: "distance"},
		{Type: "median_distance", Threshold: -1},
		{Type: "trimmed", Threshold: 1.5},
		{Type: "surface_normal", Threshold: 0},
		{Type: "ransac"},
	}
	for _, rc := range tests {
		t.Run(rc.Type, func(t *testing.T) {
			_, err := BuildRejectors([]RejectorConfig{rc})
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
