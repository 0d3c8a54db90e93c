package icp

import (
	"context"
	"fmt"
	"log"
)

// Result is the outcome of one registration call. A failed state is a
// normal result, not an error.
type Result struct {
	Transform SimilarityTransform `json:"transform"`
	// Aligned is the caller's source with Transform applied once.
	Aligned         *PointBuffer     `json:"-"`
	State           ConvergenceState `json:"state"`
	Iterations      int              `json:"iterations"`
	MSE             float64          `json:"mse"`
	Correspondences int              `json:"correspondences"`
}

// Converged reports whether the registration stopped successfully.
func (r *Result) Converged() bool { return r.State.Converged() }

// Engine runs the registration loop. It holds only the strategies chosen at
// construction, so one Engine may serve concurrent calls as long as its
// strategies are themselves safe for concurrent use (the defaults are).
type Engine struct {
	estimator CorrespondenceEstimator
	rejectors RejectorChain
	solver    TransformSolver
	logger    Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEstimator replaces the default k-d tree estimator.
func WithEstimator(e CorrespondenceEstimator) EngineOption {
	return func(en *Engine) { en.estimator = e }
}

// WithRejectors fixes the rejector chain; Config.Rejectors is then ignored.
func WithRejectors(r ...CorrespondenceRejector) EngineOption {
	return func(en *Engine) { en.rejectors = append(make(RejectorChain, 0, len(r)), r...) }
}

// WithSolver replaces the default Umeyama solver; Config.FixScale is then ignored.
func WithSolver(s TransformSolver) EngineOption {
	return func(en *Engine) { en.solver = s }
}

// WithLogger sets the sink for warnings.
func WithLogger(l Logger) EngineOption {
	return func(en *Engine) { en.logger = l }
}

// NewEngine builds an engine with the k-d tree estimator and the standard logger unless overridden.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		estimator: NewKDTreeEstimator(),
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// session is the per-call iteration state.
type session struct {
	final     SimilarityTransform
	previous  SimilarityTransform
	iteration int
	corr      Correspondences
	tracker   *ConvergenceTracker
}

// Register aligns source onto target. See RegisterContext.
func (e *Engine) Register(source, target *PointBuffer, cfg Config) (*Result, error) {
	return e.RegisterContext(context.Background(), source, target, cfg)
}

// RegisterContext aligns source onto target and returns the accumulated
// transform together with source transformed once by it. Neither input
// buffer is modified.
//
// Errors are returned only for invalid configuration (wrapping
// ErrInvalidConfig) and for ctx cancellation between iterations; running out
// of correspondences or a degenerate fit ends in FailedNoCorrespondences.
func (e *Engine) RegisterContext(ctx context.Context, source, target *PointBuffer, cfg Config) (*Result, error) {
	if err := cfg.Validate(source, target); err != nil {
		return nil, err
	}
	rejectors := e.rejectors
	if rejectors == nil {
		var err error
		if rejectors, err = BuildRejectors(cfg.Rejectors); err != nil {
			return nil, err
		}
	}
	solver := e.solver
	if solver == nil {
		solver = NewUmeyamaSolver(cfg.FixScale)
	}

	guess := cfg.guess()
	s := &session{final: guess}
	var working *PointBuffer
	if guess.IsIdentity() {
		working = source.Clone()
	} else {
		working = guess.ApplyTo(source)
	}

	e.checkCapabilities(rejectors, source, target)

	matcher := e.estimator.Bind(target)
	s.tracker = NewConvergenceTracker(cfg.Criteria())

	for !s.tracker.State().Terminal() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("registration cancelled after %d iterations: %w", s.iteration, err)
		}
		s.previous = s.final

		if cfg.UseReciprocal {
			s.corr = matcher.ReciprocalCorrespondences(working, cfg.MaxCorrespondenceDistance)
		} else {
			s.corr = matcher.Correspondences(working, cfg.MaxCorrespondenceDistance)
		}
		s.corr = rejectors.Apply(s.corr, working, target)

		if len(s.corr) < cfg.MinCorrespondences {
			e.logger.Printf("icp: not enough correspondences (%d < %d) within %.4g; relax the thresholds",
				len(s.corr), cfg.MinCorrespondences, cfg.MaxCorrespondenceDistance)
			s.tracker.Update(IterationReport{Iteration: s.iteration, TooFewCorrespondences: true})
			break
		}

		incremental, err := solver.Solve(working, target, s.corr)
		if err != nil {
			// a degenerate fit is treated like running out of correspondences
			e.logger.Printf("icp: solve failed at iteration %d: %v", s.iteration+1, err)
			s.tracker.Update(IterationReport{Iteration: s.iteration, TooFewCorrespondences: true})
			break
		}

		if err := Apply(incremental, working, working); err != nil {
			return nil, err
		}
		s.final = Compose(incremental, s.final).Orthonormalize()
		s.iteration++

		s.tracker.Update(IterationReport{
			Iteration: s.iteration,
			Current:   s.final,
			Previous:  s.previous,
			MSE:       s.corr.MeanSquaredError(),
		})
	}

	return &Result{
		Transform:       s.final,
		Aligned:         s.final.ApplyTo(source),
		State:           s.tracker.State(),
		Iterations:      s.iteration,
		MSE:             s.corr.MeanSquaredError(),
		Correspondences: len(s.corr),
	}, nil
}

// checkCapabilities warns about normals that a stage wants but a buffer lacks.
// Registration continues either way.
func (e *Engine) checkCapabilities(rejectors RejectorChain, source, target *PointBuffer) {
	warn := func(stage string, caps Capabilities) {
		if caps.SourceNormals && !source.HasNormals() {
			e.logger.Printf("icp: %s expects source normals, but the source has none", stage)
		}
		if caps.TargetNormals && !target.HasNormals() {
			e.logger.Printf("icp: %s expects target normals, but the target has none", stage)
		}
	}
	warn("estimator", e.estimator.Capabilities())
	for _, r := range rejectors {
		warn("rejector "+r.Name(), r.Capabilities())
	}
}
