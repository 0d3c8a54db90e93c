package icp

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// SimilarityTransform is a rotation, translation and uniform scale:
// p' = Scale * Rotation * p + Translation
type SimilarityTransform struct {
	Rotation    [3][3]float64 // row-major, orthonormal
	Translation r3.Vector
	Scale       float64 // > 0
}

// Identity returns the neutral transform.
func Identity() SimilarityTransform {
	return SimilarityTransform{
		Rotation: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		Scale:    1,
	}
}

// NewSimilarity builds a transform from its parts.
func NewSimilarity(rotation [3][3]float64, translation r3.Vector, scale float64) SimilarityTransform {
	return SimilarityTransform{Rotation: rotation, Translation: translation, Scale: scale}
}

// Translation creates a translation-only transform
func Translation(x, y, z float64) SimilarityTransform {
	t := Identity()
	t.Translation = r3.Vector{X: x, Y: y, Z: z}
	return t
}

// UniformScale creates a scale-only transform about the origin
func UniformScale(s float64) SimilarityTransform {
	t := Identity()
	t.Scale = s
	return t
}

// RotationAxisAngle creates a rotation of angle radians about axis (Rodrigues).
// A zero axis yields the identity.
func RotationAxisAngle(axis r3.Vector, angle float64) SimilarityTransform {
	t := Identity()
	n := axis.Norm()
	if n == 0 {
		return t
	}
	k := axis.Mul(1 / n)
	c, s := math.Cos(angle), math.Sin(angle)
	v := 1 - c
	t.Rotation = [3][3]float64{
		{c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s},
		{k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s},
		{k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v},
	}
	return t
}

func rotate(r [3][3]float64, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: r[0][0]*v.X + r[0][1]*v.Y + r[0][2]*v.Z,
		Y: r[1][0]*v.X + r[1][1]*v.Y + r[1][2]*v.Z,
		Z: r[2][0]*v.X + r[2][1]*v.Y + r[2][2]*v.Z,
	}
}

func mul3(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = a[i][0]*b[0][j] + a[i][1]*b[1][j] + a[i][2]*b[2][j]
		}
	}
	return out
}

func transpose3(a [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = a[j][i]
		}
	}
	return out
}

// TransformPoint applies the full transform to a position.
func (t SimilarityTransform) TransformPoint(p r3.Vector) r3.Vector {
	return rotate(t.Rotation, p).Mul(t.Scale).Add(t.Translation)
}

// TransformNormal applies only the rotation part.
func (t SimilarityTransform) TransformNormal(n r3.Vector) r3.Vector {
	return rotate(t.Rotation, n)
}

// Compose returns a∘b: applying the result equals applying b first, then a.
func Compose(a, b SimilarityTransform) SimilarityTransform {
	return SimilarityTransform{
		Rotation:    mul3(a.Rotation, b.Rotation),
		Translation: rotate(a.Rotation, b.Translation).Mul(a.Scale).Add(a.Translation),
		Scale:       a.Scale * b.Scale,
	}
}

// Inverse returns the transform undoing t. Scale must be non-zero.
func (t SimilarityTransform) Inverse() SimilarityTransform {
	rt := transpose3(t.Rotation)
	inv := 1 / t.Scale
	return SimilarityTransform{
		Rotation:    rt,
		Translation: rotate(rt, t.Translation).Mul(-inv),
		Scale:       inv,
	}
}

// Matrix returns the 4x4 homogeneous matrix [sR t; 0 1], row-major.
func (t SimilarityTransform) Matrix() [4][4]float64 {
	var m [4][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = t.Scale * t.Rotation[i][j]
		}
	}
	m[0][3], m[1][3], m[2][3] = t.Translation.X, t.Translation.Y, t.Translation.Z
	m[3][3] = 1
	return m
}

// FromMatrix decomposes a homogeneous matrix into a similarity transform.
// Matrices with shear, non-uniform scale, reflection or a projective row are rejected.
func FromMatrix(m [4][4]float64) (SimilarityTransform, error) {
	const tol = 1e-6
	if m[3][0] != 0 || m[3][1] != 0 || m[3][2] != 0 || m[3][3] != 1 {
		return SimilarityTransform{}, fmt.Errorf("matrix has a projective row %v", m[3])
	}
	a := mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
	det := mat.Det(a)
	if !(det > 0) || math.IsInf(det, 0) {
		return SimilarityTransform{}, fmt.Errorf("matrix determinant %g is not positive", det)
	}
	s := math.Cbrt(det)
	t := SimilarityTransform{
		Translation: r3.Vector{X: m[0][3], Y: m[1][3], Z: m[2][3]},
		Scale:       s,
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.Rotation[i][j] = m[i][j] / s
		}
	}
	rrt := mul3(t.Rotation, transpose3(t.Rotation))
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(rrt[i][j]-want) > tol {
				return SimilarityTransform{}, fmt.Errorf("matrix is not a similarity transform (R*R^T[%d][%d] = %g)", i, j, rrt[i][j])
			}
		}
	}
	return t, nil
}

// Orthonormalize projects the rotation back onto SO(3) (closest rotation in
// the Frobenius sense) to remove drift accumulated by repeated composition.
func (t SimilarityTransform) Orthonormalize() SimilarityTransform {
	r := mat.NewDense(3, 3, []float64{
		t.Rotation[0][0], t.Rotation[0][1], t.Rotation[0][2],
		t.Rotation[1][0], t.Rotation[1][1], t.Rotation[1][2],
		t.Rotation[2][0], t.Rotation[2][1], t.Rotation[2][2],
	})
	var svd mat.SVD
	if !svd.Factorize(r, mat.SVDFull) {
		return t
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var q mat.Dense
	q.Mul(&u, v.T())
	if mat.Det(&q) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		q.Mul(&u, v.T())
	}
	out := t
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Rotation[i][j] = q.At(i, j)
		}
	}
	return out
}

// IsIdentity reports whether t is exactly the identity.
func (t SimilarityTransform) IsIdentity() bool {
	return t == Identity()
}

// ApproxEqual compares every rotation, translation and scale component within eps.
func (t SimilarityTransform) ApproxEqual(o SimilarityTransform, eps float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(t.Rotation[i][j]-o.Rotation[i][j]) > eps {
				return false
			}
		}
	}
	return math.Abs(t.Scale-o.Scale) <= eps &&
		math.Abs(t.Translation.X-o.Translation.X) <= eps &&
		math.Abs(t.Translation.Y-o.Translation.Y) <= eps &&
		math.Abs(t.Translation.Z-o.Translation.Z) <= eps
}

// TranslationNorm is the magnitude of the translation part.
func (t SimilarityTransform) TranslationNorm() float64 {
	return t.Translation.Norm()
}

// RotationCosine is the cosine of the rotation angle, (trace(R)-1)/2, clamped to [-1, 1].
func (t SimilarityTransform) RotationCosine() float64 {
	c := (t.Rotation[0][0] + t.Rotation[1][1] + t.Rotation[2][2] - 1) / 2
	return math.Max(-1, math.Min(1, c))
}

// RotationAngle is the rotation angle in radians.
func (t SimilarityTransform) RotationAngle() float64 {
	return math.Acos(t.RotationCosine())
}

// Valid reports whether every component is finite and the scale is positive.
func (t SimilarityTransform) Valid() bool {
	for i := 0; i < 3; i++ {
		if !finite(r3.Vector{X: t.Rotation[i][0], Y: t.Rotation[i][1], Z: t.Rotation[i][2]}) {
			return false
		}
	}
	return finite(t.Translation) && t.Scale > 0 && !math.IsInf(t.Scale, 0)
}

func (t SimilarityTransform) String() string {
	m := t.Matrix()
	return fmt.Sprintf("[%.6f %.6f %.6f %.6f; %.6f %.6f %.6f %.6f; %.6f %.6f %.6f %.6f; 0 0 0 1]",
		m[0][0], m[0][1], m[0][2], m[0][3],
		m[1][0], m[1][1], m[1][2], m[1][3],
		m[2][0], m[2][1], m[2][2], m[2][3])
}

// MarshalJSON encodes the transform as its row-major 4x4 matrix.
func (t SimilarityTransform) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Matrix())
}

// UnmarshalJSON decodes a row-major 4x4 matrix.
func (t *SimilarityTransform) UnmarshalJSON(data []byte) error {
	var m [4][4]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	st, err := FromMatrix(m)
	if err != nil {
		return err
	}
	*t = st
	return nil
}
