package icp

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

var (
	// ErrInvalidConfig is returned by Register when the configuration or its
	// input buffers are rejected before the first iteration.
	ErrInvalidConfig = errors.New("invalid registration config")

	// ErrBufferMismatch is returned when an output buffer does not match the
	// size or normal presence of its input.
	ErrBufferMismatch = errors.New("point buffer mismatch")

	// ErrInsufficientCorrespondences is returned by a solver that was handed
	// fewer usable pairs than its fitting method needs.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")

	// ErrDegenerateGeometry is returned by a solver when the correspondence
	// geometry does not determine a unique transform.
	ErrDegenerateGeometry = errors.New("degenerate correspondence geometry")
)

// Point is a 3-D position with an optional surface normal.
type Point struct {
	Position r3.Vector `json:"position"`
	Normal   r3.Vector `json:"normal"`
}

// PositionValid reports whether every coordinate of the position is finite.
func (p Point) PositionValid() bool { return finite(p.Position) }

// NormalValid reports whether every component of the normal is finite.
func (p Point) NormalValid() bool { return finite(p.Normal) }

func finite(v r3.Vector) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}

// Correspondence pairs a source point with a target point.
// Indices are only meaningful against the buffers they were computed from;
// correspondences are recomputed every iteration and never cached.
type Correspondence struct {
	SourceIndex int     `json:"sourceIndex"`
	TargetIndex int     `json:"targetIndex"`
	Distance2   float64 `json:"distance2"` // squared distance at the time of matching
	Weight      float64 `json:"weight"`    // 0 is read as 1
}

func (c Correspondence) weight() float64 {
	if c.Weight == 0 {
		return 1
	}
	return c.Weight
}

// Correspondences is an order-irrelevant multiset of pairs.
type Correspondences []Correspondence

// MeanSquaredError is the mean squared distance over the set (the fitness).
// Returns 0 for an empty set.
func (cs Correspondences) MeanSquaredError() float64 {
	if len(cs) == 0 {
		return 0
	}
	var sum float64
	for _, c := range cs {
		sum += c.Distance2
	}
	return sum / float64(len(cs))
}

// Capabilities declares which extra per-point data a pipeline stage reads.
type Capabilities struct {
	SourceNormals bool
	TargetNormals bool
}

// Union merges two capability sets.
func (c Capabilities) Union(o Capabilities) Capabilities {
	return Capabilities{
		SourceNormals: c.SourceNormals || o.SourceNormals,
		TargetNormals: c.TargetNormals || o.TargetNormals,
	}
}

// ConvergenceState tells why a registration stopped (or that it has not).
type ConvergenceState int

const (
	NotConverged ConvergenceState = iota
	ConvergedTranslation
	ConvergedRotation
	ConvergedMSE
	ConvergedIterations
	FailedNoCorrespondences
)

var stateNames = [...]string{
	NotConverged:            "not_converged",
	ConvergedTranslation:    "converged_translation",
	ConvergedRotation:       "converged_rotation",
	ConvergedMSE:            "converged_mse",
	ConvergedIterations:     "converged_iterations",
	FailedNoCorrespondences: "failed_no_correspondences",
}

func (s ConvergenceState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("ConvergenceState(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether the loop must stop in this state.
func (s ConvergenceState) Terminal() bool { return s != NotConverged }

// Converged reports whether the state is a successful stop.
func (s ConvergenceState) Converged() bool {
	return s.Terminal() && s != FailedNoCorrespondences
}

// MarshalText implements encoding.TextMarshaler.
func (s ConvergenceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConvergenceState) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = ConvergenceState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown convergence state %q", string(b))
}

// Logger is the diagnostic sink for non-fatal warnings. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

// DiscardLogger drops everything written to it.
var DiscardLogger Logger = discardLogger{}
