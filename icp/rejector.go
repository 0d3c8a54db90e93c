package icp

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// RejectionData is what a rejector may read besides the correspondences.
// SourceNormals / TargetNormals are true only when the rejector asked for
// normals and the corresponding buffer carries them.
type RejectionData struct {
	Source        *PointBuffer
	Target        *PointBuffer
	SourceNormals bool
	TargetNormals bool
}

// CorrespondenceRejector prunes a correspondence set. Implementations must
// not modify their input slice.
type CorrespondenceRejector interface {
	Name() string
	Capabilities() Capabilities
	Reject(in Correspondences, data RejectionData) Correspondences
}

// RejectorChain applies rejectors strictly in order, each consuming the
// previous one's output.
type RejectorChain []CorrespondenceRejector

// Capabilities is the union of every rejector's needs.
func (c RejectorChain) Capabilities() Capabilities {
	var caps Capabilities
	for _, r := range c {
		caps = caps.Union(r.Capabilities())
	}
	return caps
}

// Apply folds the correspondence set through the chain.
func (c RejectorChain) Apply(in Correspondences, source, target *PointBuffer) Correspondences {
	out := in
	for _, r := range c {
		caps := r.Capabilities()
		out = r.Reject(out, RejectionData{
			Source:        source,
			Target:        target,
			SourceNormals: caps.SourceNormals && source.HasNormals(),
			TargetNormals: caps.TargetNormals && target.HasNormals(),
		})
	}
	return out
}

func filter(in Correspondences, keep func(Correspondence) bool) Correspondences {
	out := make(Correspondences, 0, len(in))
	for _, c := range in {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// DistanceRejector drops pairs farther apart than MaxDistance.
type DistanceRejector struct {
	MaxDistance float64
}

func (r DistanceRejector) Name() string               { return "distance" }
func (r DistanceRejector) Capabilities() Capabilities { return Capabilities{} }

func (r DistanceRejector) Reject(in Correspondences, _ RejectionData) Correspondences {
	limit := r.MaxDistance * r.MaxDistance
	return filter(in, func(c Correspondence) bool { return c.Distance2 <= limit })
}

// MedianDistanceRejector drops pairs whose squared distance exceeds Factor
// times the median squared distance of the set.
type MedianDistanceRejector struct {
	Factor float64
}

func (r MedianDistanceRejector) Name() string               { return "median_distance" }
func (r MedianDistanceRejector) Capabilities() Capabilities { return Capabilities{} }

func (r MedianDistanceRejector) Reject(in Correspondences, _ RejectionData) Correspondences {
	if len(in) == 0 {
		return Correspondences{}
	}
	d := make([]float64, len(in))
	for i, c := range in {
		d[i] = c.Distance2
	}
	slices.Sort(d)
	limit := r.Factor * stat.Quantile(0.5, stat.Empirical, d, nil)
	return filter(in, func(c Correspondence) bool { return c.Distance2 <= limit })
}

// OneToOneRejector keeps, for each target point, only its closest source
// point. Ties go to the lower source index.
type OneToOneRejector struct{}

func (OneToOneRejector) Name() string               { return "one_to_one" }
func (OneToOneRejector) Capabilities() Capabilities { return Capabilities{} }

func (OneToOneRejector) Reject(in Correspondences, _ RejectionData) Correspondences {
	best := make(map[int]int, len(in)) // target index -> position in in
	for i, c := range in {
		j, ok := best[c.TargetIndex]
		if !ok {
			best[c.TargetIndex] = i
			continue
		}
		cur := in[j]
		if c.Distance2 < cur.Distance2 || (c.Distance2 == cur.Distance2 && c.SourceIndex < cur.SourceIndex) {
			best[c.TargetIndex] = i
		}
	}
	out := make(Correspondences, 0, len(best))
	for i, c := range in {
		if best[c.TargetIndex] == i {
			out = append(out, c)
		}
	}
	return out
}

// TrimmedRejector keeps the closest Fraction of the set (at least one pair
// when the input is non-empty and Fraction > 0).
type TrimmedRejector struct {
	Fraction float64
}

func (r TrimmedRejector) Name() string               { return "trimmed" }
func (r TrimmedRejector) Capabilities() Capabilities { return Capabilities{} }

func (r TrimmedRejector) Reject(in Correspondences, _ RejectionData) Correspondences {
	if r.Fraction >= 1 {
		return slices.Clone(in)
	}
	keep := int(r.Fraction * float64(len(in)))
	if keep == 0 && r.Fraction > 0 && len(in) > 0 {
		keep = 1
	}
	sorted := slices.Clone(in)
	slices.SortStableFunc(sorted, func(a, b Correspondence) int {
		return cmp.Compare(a.Distance2, b.Distance2)
	})
	return sorted[:keep]
}

// SurfaceNormalRejector drops pairs whose normals differ by more than
// MaxAngle radians. Pairs with a non-finite or zero normal are dropped too.
// Without normals on both sides the set passes through unchanged.
type SurfaceNormalRejector struct {
	MaxAngle float64
}

func (r SurfaceNormalRejector) Name() string { return "surface_normal" }

func (r SurfaceNormalRejector) Capabilities() Capabilities {
	return Capabilities{SourceNormals: true, TargetNormals: true}
}

func (r SurfaceNormalRejector) Reject(in Correspondences, data RejectionData) Correspondences {
	if !data.SourceNormals || !data.TargetNormals {
		return slices.Clone(in)
	}
	minCos := math.Cos(r.MaxAngle)
	return filter(in, func(c Correspondence) bool {
		ns := data.Source.Normal(c.SourceIndex)
		nt := data.Target.Normal(c.TargetIndex)
		if !finite(ns) || !finite(nt) {
			return false
		}
		den := ns.Norm() * nt.Norm()
		if den == 0 {
			return false
		}
		return ns.Dot(nt)/den >= minCos
	})
}

// RejectorConfig describes one chain entry in configuration files.
type RejectorConfig struct {
	Type      string  `yaml:"type" json:"type"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// BuildRejectors turns configuration entries into a chain, preserving order.
//
// Types: "distance" (threshold = max distance), "median_distance" (factor),
// "one_to_one", "trimmed" (fraction in (0,1]), "surface_normal" (max angle in degrees).
func BuildRejectors(cfgs []RejectorConfig) (RejectorChain, error) {
	chain := make(RejectorChain, 0, len(cfgs))
	for i, rc := range cfgs {
		var r CorrespondenceRejector
		switch strings.ToLower(rc.Type) {
		case "distance":
			if rc.Threshold <= 0 {
				return nil, fmt.Errorf("%w: rejectors[%d]: distance threshold must be positive", ErrInvalidConfig, i)
			}
			r = DistanceRejector{MaxDistance: rc.Threshold}
		case "median_distance":
			if rc.Threshold <= 0 {
				return nil, fmt.Errorf("%w: rejectors[%d]: median factor must be positive", ErrInvalidConfig, i)
			}
			r = MedianDistanceRejector{Factor: rc.Threshold}
		case "one_to_one":
			r = OneToOneRejector{}
		case "trimmed":
			if rc.Threshold <= 0 || rc.Threshold > 1 {
				return nil, fmt.Errorf("%w: rejectors[%d]: trimmed fraction must be in (0, 1]", ErrInvalidConfig, i)
			}
			r = TrimmedRejector{Fraction: rc.Threshold}
		case "surface_normal":
			if rc.Threshold <= 0 || rc.Threshold > 180 {
				return nil, fmt.Errorf("%w: rejectors[%d]: normal angle must be in (0, 180] degrees", ErrInvalidConfig, i)
			}
			r = SurfaceNormalRejector{MaxAngle: rc.Threshold * math.Pi / 180}
		default:
			return nil, fmt.Errorf("%w: rejectors[%d]: unknown type %q", ErrInvalidConfig, i, rc.Type)
		}
		chain = append(chain, r)
	}
	return chain, nil
}
