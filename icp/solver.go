package icp

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// TransformSolver fits the transform mapping corresponding source points
// onto their targets with least weighted squared residual.
type TransformSolver interface {
	Solve(source, target *PointBuffer, corr Correspondences) (SimilarityTransform, error)
}

// minSolverPairs is the fewest usable pairs a similarity fit accepts.
const minSolverPairs = 3

// degenerateRatio bounds the second singular value of the cross-covariance
// relative to the first; below it the pairs are treated as collinear.
const degenerateRatio = 1e-10

// UmeyamaSolver fits rotation, translation and (unless FixScale) uniform
// scale in closed form from the SVD of the weighted cross-covariance.
type UmeyamaSolver struct {
	FixScale bool
}

// NewUmeyamaSolver returns a solver; fixScale pins the scale at 1.
func NewUmeyamaSolver(fixScale bool) *UmeyamaSolver {
	return &UmeyamaSolver{FixScale: fixScale}
}

type centroidSums struct {
	w      float64
	src    r3.Vector
	tgt    r3.Vector
	usable int
}

type covarianceSums struct {
	cov [3][3]float64 // sum w * (q-mq)(p-mp)^T
	src float64       // sum w * |p-mp|^2
}

func (s *UmeyamaSolver) Solve(source, target *PointBuffer, corr Correspondences) (SimilarityTransform, error) {
	usable := func(c Correspondence) bool {
		return c.weight() > 0 && finite(source.Position(c.SourceIndex)) && finite(target.Position(c.TargetIndex))
	}

	sums := reduceChunks(len(corr), func(lo, hi int) centroidSums {
		var cs centroidSums
		for _, c := range corr[lo:hi] {
			if !usable(c) {
				continue
			}
			w := c.weight()
			cs.w += w
			cs.src = cs.src.Add(source.Position(c.SourceIndex).Mul(w))
			cs.tgt = cs.tgt.Add(target.Position(c.TargetIndex).Mul(w))
			cs.usable++
		}
		return cs
	}, func(a, b centroidSums) centroidSums {
		return centroidSums{w: a.w + b.w, src: a.src.Add(b.src), tgt: a.tgt.Add(b.tgt), usable: a.usable + b.usable}
	})

	if sums.usable < minSolverPairs {
		return SimilarityTransform{}, fmt.Errorf("%w: %d usable pairs, need %d", ErrInsufficientCorrespondences, sums.usable, minSolverPairs)
	}
	muP := sums.src.Mul(1 / sums.w)
	muQ := sums.tgt.Mul(1 / sums.w)

	cov := reduceChunks(len(corr), func(lo, hi int) covarianceSums {
		var cs covarianceSums
		for _, c := range corr[lo:hi] {
			if !usable(c) {
				continue
			}
			w := c.weight()
			p := source.Position(c.SourceIndex).Sub(muP)
			q := target.Position(c.TargetIndex).Sub(muQ)
			qa := [3]float64{q.X, q.Y, q.Z}
			pa := [3]float64{p.X, p.Y, p.Z}
			for i := 0; i < 3; i++ {
				for j := 0; j < 3; j++ {
					cs.cov[i][j] += w * qa[i] * pa[j]
				}
			}
			cs.src += w * p.Norm2()
		}
		return cs
	}, func(a, b covarianceSums) covarianceSums {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				a.cov[i][j] += b.cov[i][j]
			}
		}
		a.src += b.src
		return a
	})

	sigma2 := cov.src / sums.w
	if !(sigma2 > 0) || math.IsInf(sigma2, 0) {
		return SimilarityTransform{}, fmt.Errorf("%w: source points coincide", ErrDegenerateGeometry)
	}

	data := make([]float64, 0, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			data = append(data, cov.cov[i][j]/sums.w)
		}
	}
	sigma := mat.NewDense(3, 3, data)

	var svd mat.SVD
	if !svd.Factorize(sigma, mat.SVDFull) {
		return SimilarityTransform{}, fmt.Errorf("%w: SVD did not converge", ErrDegenerateGeometry)
	}
	d := svd.Values(nil)
	if !(d[0] > 0) || d[1] <= degenerateRatio*d[0] {
		return SimilarityTransform{}, fmt.Errorf("%w: singular values %v", ErrDegenerateGeometry, d)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// reflection guard
	sign := [3]float64{1, 1, 1}
	if mat.Det(&u)*mat.Det(&v) < 0 {
		sign[2] = -1
	}

	var rot [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				rot[i][j] += u.At(i, k) * sign[k] * v.At(j, k)
			}
		}
	}

	scale := 1.0
	if !s.FixScale {
		scale = (d[0]*sign[0] + d[1]*sign[1] + d[2]*sign[2]) / sigma2
	}

	t := SimilarityTransform{Rotation: rot, Scale: scale}
	t.Translation = muQ.Sub(rotate(rot, muP).Mul(scale))
	if !t.Valid() {
		return SimilarityTransform{}, fmt.Errorf("%w: fitted transform is not finite (scale %g)", ErrDegenerateGeometry, scale)
	}
	return t, nil
}
