package icp

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// PointBuffer is an ordered set of points stored field by field.
// Either every point has a normal slot or none does.
type PointBuffer struct {
	positions []r3.Vector
	normals   []r3.Vector // nil when the buffer carries no normals
}

// NewPointBuffer allocates n zero points, with normal slots if withNormals.
func NewPointBuffer(n int, withNormals bool) *PointBuffer {
	b := &PointBuffer{positions: make([]r3.Vector, n)}
	if withNormals {
		b.normals = make([]r3.Vector, n)
	}
	return b
}

// BufferFromPositions wraps a copy of positions in a buffer without normals.
func BufferFromPositions(positions []r3.Vector) *PointBuffer {
	b := NewPointBuffer(len(positions), false)
	copy(b.positions, positions)
	return b
}

// BufferFromPoints copies points into a buffer; normals are kept when withNormals.
func BufferFromPoints(points []Point, withNormals bool) *PointBuffer {
	b := NewPointBuffer(len(points), withNormals)
	for i, p := range points {
		b.positions[i] = p.Position
		if withNormals {
			b.normals[i] = p.Normal
		}
	}
	return b
}

// Len returns the number of points, valid or not.
func (b *PointBuffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.positions)
}

// HasNormals reports whether the buffer carries normals.
func (b *PointBuffer) HasNormals() bool { return b != nil && b.normals != nil }

// Position returns the position of point i.
func (b *PointBuffer) Position(i int) r3.Vector { return b.positions[i] }

// SetPosition overwrites the position of point i.
func (b *PointBuffer) SetPosition(i int, v r3.Vector) { b.positions[i] = v }

// Normal returns the normal of point i. It panics on a buffer without normals.
func (b *PointBuffer) Normal(i int) r3.Vector {
	if b.normals == nil {
		panic("icp: Normal called on a buffer without normals")
	}
	return b.normals[i]
}

// SetNormal overwrites the normal of point i. It panics on a buffer without normals.
func (b *PointBuffer) SetNormal(i int, v r3.Vector) {
	if b.normals == nil {
		panic("icp: SetNormal called on a buffer without normals")
	}
	b.normals[i] = v
}

// Point returns point i. The normal is zero when the buffer has none.
func (b *PointBuffer) Point(i int) Point {
	p := Point{Position: b.positions[i]}
	if b.normals != nil {
		p.Normal = b.normals[i]
	}
	return p
}

// Points returns a copy of every point.
func (b *PointBuffer) Points() []Point {
	out := make([]Point, b.Len())
	for i := range out {
		out[i] = b.Point(i)
	}
	return out
}

// ValidCount returns the number of points with a finite position.
func (b *PointBuffer) ValidCount() int {
	n := 0
	for _, p := range b.positions {
		if finite(p) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (b *PointBuffer) Clone() *PointBuffer {
	out := &PointBuffer{positions: append([]r3.Vector(nil), b.positions...)}
	if b.normals != nil {
		out.normals = append([]r3.Vector(nil), b.normals...)
	}
	return out
}

// Apply writes t applied to in into out.
//
// out must hold as many points as in and agree on normal presence. Each
// point's position and normal are handled independently: a non-finite
// position is left unwritten, a non-finite normal is left unwritten, and a
// finite normal is rotated (never scaled or translated). out may be in.
func Apply(t SimilarityTransform, in, out *PointBuffer) error {
	if in == nil || out == nil {
		return fmt.Errorf("%w: nil buffer", ErrBufferMismatch)
	}
	if out.Len() != in.Len() {
		return fmt.Errorf("%w: output has %d points, input has %d", ErrBufferMismatch, out.Len(), in.Len())
	}
	if out.HasNormals() != in.HasNormals() {
		return fmt.Errorf("%w: normal presence differs (in=%v, out=%v)", ErrBufferMismatch, in.HasNormals(), out.HasNormals())
	}

	var sr [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sr[i][j] = t.Scale * t.Rotation[i][j]
		}
	}
	rot := t.Rotation
	tr := t.Translation
	withNormals := in.HasNormals()

	forEachChunk(in.Len(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			p := in.positions[i]
			if finite(p) {
				out.positions[i] = rotate(sr, p).Add(tr)
			}
			if !withNormals {
				continue
			}
			n := in.normals[i]
			if finite(n) {
				out.normals[i] = rotate(rot, n)
			}
		}
	})
	return nil
}

// ApplyTo returns a new buffer holding t applied to in. Fields that were
// left unwritten keep their values from in.
func (t SimilarityTransform) ApplyTo(in *PointBuffer) *PointBuffer {
	out := in.Clone()
	// sizes match by construction
	_ = Apply(t, in, out)
	return out
}
