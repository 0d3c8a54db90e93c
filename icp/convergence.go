package icp

import "math"

// ConvergenceCriteria holds the stopping thresholds.
type ConvergenceCriteria struct {
	MaxIterations int
	// RelativeMSE stops the loop once |prev-cur|/prev of the fitness is at or below it.
	RelativeMSE float64
	// TranslationThreshold stops the loop once the last incremental
	// translation magnitude is at or below it.
	TranslationThreshold float64
	// RotationThreshold is a cosine: the loop stops once the cosine of the
	// last incremental rotation angle is at or above it. Nil means
	// 1 - TranslationThreshold.
	RotationThreshold *float64
}

// EffectiveRotationThreshold resolves the rotation cosine threshold.
func (c ConvergenceCriteria) EffectiveRotationThreshold() float64 {
	if c.RotationThreshold != nil {
		return *c.RotationThreshold
	}
	return 1 - c.TranslationThreshold
}

// IterationReport is the tracker's per-iteration input.
type IterationReport struct {
	Iteration int
	Current   SimilarityTransform
	Previous  SimilarityTransform
	MSE       float64
	// TooFewCorrespondences is set when the surviving set is below the minimum.
	TooFewCorrespondences bool
}

// ConvergenceTracker decides after each iteration whether to stop and why.
type ConvergenceTracker struct {
	criteria ConvergenceCriteria
	state    ConvergenceState
	prevMSE  float64
	hasPrev  bool
}

// NewConvergenceTracker starts a tracker in NotConverged.
func NewConvergenceTracker(c ConvergenceCriteria) *ConvergenceTracker {
	return &ConvergenceTracker{criteria: c}
}

// Criteria returns the thresholds in use.
func (t *ConvergenceTracker) Criteria() ConvergenceCriteria { return t.criteria }

// State returns the latest decision.
func (t *ConvergenceTracker) State() ConvergenceState { return t.state }

// Reset returns the tracker to NotConverged and forgets the previous fitness.
func (t *ConvergenceTracker) Reset() {
	t.state = NotConverged
	t.prevMSE = 0
	t.hasPrev = false
}

// Update evaluates one iteration. Once terminal, the state no longer changes
// until Reset.
//
// Order: too few correspondences, iteration cap, relative MSE, translation,
// rotation. The MSE test needs a previous fitness, so it cannot fire on the
// first update.
func (t *ConvergenceTracker) Update(r IterationReport) ConvergenceState {
	if t.state.Terminal() {
		return t.state
	}
	if r.TooFewCorrespondences {
		t.state = FailedNoCorrespondences
		return t.state
	}

	prevMSE, hasPrev := t.prevMSE, t.hasPrev
	t.prevMSE, t.hasPrev = r.MSE, true

	if r.Iteration >= t.criteria.MaxIterations {
		t.state = ConvergedIterations
		return t.state
	}
	if hasPrev && relativeChange(prevMSE, r.MSE) <= t.criteria.RelativeMSE {
		t.state = ConvergedMSE
		return t.state
	}

	delta := Compose(r.Current, r.Previous.Inverse())
	if delta.TranslationNorm() <= t.criteria.TranslationThreshold {
		t.state = ConvergedTranslation
		return t.state
	}
	if delta.RotationCosine() >= t.criteria.EffectiveRotationThreshold() {
		t.state = ConvergedRotation
		return t.state
	}
	return t.state
}

func relativeChange(prev, cur float64) float64 {
	if prev == 0 {
		if cur == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(prev-cur) / prev
}
