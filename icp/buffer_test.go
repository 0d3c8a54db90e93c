package icp

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomBuffer creates n points in a cube of the given side, with unit normals if withNormals.
func randomBuffer(rng *rand.Rand, n int, side float64, withNormals bool) *PointBuffer {
	b := NewPointBuffer(n, withNormals)
	for i := 0; i < n; i++ {
		b.SetPosition(i, r3.Vector{X: rng.Float64() * side, Y: rng.Float64() * side, Z: rng.Float64() * side})
		if withNormals {
			n := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
			b.SetNormal(i, n.Normalize())
		}
	}
	return b
}

func TestPointBuffer_Accessors(t *testing.T) {
	b := BufferFromPoints([]Point{
		{Position: r3.Vector{X: 1}, Normal: r3.Vector{Z: 1}},
		{Position: r3.Vector{Y: 2}, Normal: r3.Vector{X: 1}},
	}, true)

	assert.Equal(t, 2, b.Len())
	assert.True(t, b.HasNormals())
	assert.Equal(t, r3.Vector{Y: 2}, b.Position(1))
	assert.Equal(t, r3.Vector{Z: 1}, b.Normal(0))
	assert.Equal(t, Point{Position: r3.Vector{X: 1}, Normal: r3.Vector{Z: 1}}, b.Point(0))

	plain := BufferFromPositions([]r3.Vector{{X: 1}})
	assert.False(t, plain.HasNormals())
	assert.Panics(t, func() { plain.Normal(0) })
	assert.Panics(t, func() { plain.SetNormal(0, r3.Vector{}) })
	assert.Panics(t, func() { plain.Position(1) })

	var nilBuf *PointBuffer
	assert.Equal(t, 0, nilBuf.Len())
}

func TestPointBuffer_CloneIsDeep(t *testing.T) {
	b := BufferFromPoints([]Point{{Position: r3.Vector{X: 1}, Normal: r3.Vector{Z: 1}}}, true)
	c := b.Clone()
	c.SetPosition(0, r3.Vector{X: 9})
	c.SetNormal(0, r3.Vector{Y: 1})
	assert.Equal(t, r3.Vector{X: 1}, b.Position(0))
	assert.Equal(t, r3.Vector{Z: 1}, b.Normal(0))
}

func TestPointBuffer_ValidCount(t *testing.T) {
	b := BufferFromPositions([]r3.Vector{{X: 1}, {X: math.NaN()}, {Y: math.Inf(-1)}, {}})
	assert.Equal(t, 2, b.ValidCount())
}

func TestApply_IdentityKeepsFields(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, withNormals := range []bool{false, true} {
		in := randomBuffer(rng, 100, 50, withNormals)
		in.SetPosition(3, r3.Vector{X: -1.5, Y: -0.25, Z: -1e6})

		out := Identity().ApplyTo(in)
		for i := 0; i < in.Len(); i++ {
			require.Equal(t, in.Position(i), out.Position(i))
			if withNormals {
				require.Equal(t, in.Normal(i), out.Normal(i))
			}
		}
	}
}

func TestApply_MatchesComposition(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	in := randomBuffer(rng, 200, 10, true)
	a := sampleTransform()
	b := RotationAxisAngle(r3.Vector{X: -1, Z: 1}, 2.1)
	b.Translation = r3.Vector{X: 4, Y: 0.5, Z: -1}
	b.Scale = 0.8

	twice := a.ApplyTo(b.ApplyTo(in))
	once := Compose(a, b).ApplyTo(in)
	for i := 0; i < in.Len(); i++ {
		require.True(t, vecAlmostEqual(twice.Position(i), once.Position(i), 1e-9), "point %d", i)
		require.True(t, vecAlmostEqual(twice.Normal(i), once.Normal(i), 1e-9), "normal %d", i)
	}
}

func TestApply_NonFiniteFieldsIndependent(t *testing.T) {
	nan := math.NaN()
	in := BufferFromPoints([]Point{
		{Position: r3.Vector{X: 1, Y: 0, Z: 0}, Normal: r3.Vector{X: 1}},             // both valid
		{Position: r3.Vector{X: nan, Y: 0, Z: 0}, Normal: r3.Vector{X: 1}},           // invalid position
		{Position: r3.Vector{X: 1, Y: 0, Z: 0}, Normal: r3.Vector{X: math.Inf(1)}},   // invalid normal
		{Position: r3.Vector{X: 0, Y: math.Inf(-1), Z: 0}, Normal: r3.Vector{Z: nan}}, // both invalid
	}, true)
	tr := RotationAxisAngle(r3.Vector{Z: 1}, math.Pi/2)
	tr.Translation = r3.Vector{X: 10}

	out := tr.ApplyTo(in)

	assert.True(t, vecAlmostEqual(out.Position(0), r3.Vector{X: 10, Y: 1}, epsilon))
	assert.True(t, vecAlmostEqual(out.Normal(0), r3.Vector{Y: 1}, epsilon))

	assert.True(t, math.IsNaN(out.Position(1).X), "invalid position must stay untouched")
	assert.True(t, vecAlmostEqual(out.Normal(1), r3.Vector{Y: 1}, epsilon), "valid normal is still rotated")

	assert.True(t, vecAlmostEqual(out.Position(2), r3.Vector{X: 10, Y: 1}, epsilon), "valid position is still transformed")
	assert.True(t, math.IsInf(out.Normal(2).X, 1))

	assert.True(t, math.IsInf(out.Position(3).Y, -1))
	assert.True(t, math.IsNaN(out.Normal(3).Z))
}

func TestApply_InPlace(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	in := randomBuffer(rng, 50, 10, true)
	tr := sampleTransform()
	want := tr.ApplyTo(in)

	require.NoError(t, Apply(tr, in, in))
	for i := 0; i < in.Len(); i++ {
		assert.True(t, vecAlmostEqual(in.Position(i), want.Position(i), 0))
		assert.True(t, vecAlmostEqual(in.Normal(i), want.Normal(i), 0))
	}
}

func TestApply_Mismatch(t *testing.T) {
	in := NewPointBuffer(3, true)
	assert.ErrorIs(t, Apply(Identity(), in, NewPointBuffer(2, true)), ErrBufferMismatch)
	assert.ErrorIs(t, Apply(Identity(), in, NewPointBuffer(3, false)), ErrBufferMismatch)
	assert.ErrorIs(t, Apply(Identity(), nil, in), ErrBufferMismatch)
}

func TestApply_LargeBufferParallel(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	n := parallelThreshold*3 + 17
	in := randomBuffer(rng, n, 100, true)
	in.SetPosition(n-1, r3.Vector{X: math.NaN()})
	tr := sampleTransform()

	out := tr.ApplyTo(in)
	for i := 0; i < n-1; i++ {
		require.True(t, vecAlmostEqual(out.Position(i), tr.TransformPoint(in.Position(i)), 1e-9), "point %d", i)
		require.True(t, vecAlmostEqual(out.Normal(i), tr.TransformNormal(in.Normal(i)), 1e-12), "normal %d", i)
	}
	assert.True(t, math.IsNaN(out.Position(n-1).X))
}
