package icp

import "fmt"

// Config holds the options of one registration call.
type Config struct {
	MaxIterations int
	// RelativeMSE is the relative fitness change at which the loop stops.
	RelativeMSE float64
	// TranslationThreshold is the incremental translation magnitude at which the loop stops.
	TranslationThreshold float64
	// RotationThreshold is the incremental rotation cosine at which the loop
	// stops; nil couples it to 1 - TranslationThreshold.
	RotationThreshold *float64
	// MaxCorrespondenceDistance bounds nearest-neighbour matches; <= 0 is unbounded.
	MaxCorrespondenceDistance float64
	MinCorrespondences        int
	UseReciprocal             bool
	// FixScale pins the scale at 1 (6 DOF) when the engine builds its default solver.
	FixScale     bool
	// InitialGuess seeds the loop; the zero value is identity.
	InitialGuess SimilarityTransform
	// Rejectors is built into a chain when the engine has none of its own.
	Rejectors []RejectorConfig
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:             50,
		RelativeMSE:               1e-8,
		TranslationThreshold:      1e-6,
		MaxCorrespondenceDistance: 1.0,
		MinCorrespondences:        3,
		InitialGuess:              Identity(),
	}
}

// Criteria extracts the convergence thresholds.
func (c Config) Criteria() ConvergenceCriteria {
	return ConvergenceCriteria{
		MaxIterations:        c.MaxIterations,
		RelativeMSE:          c.RelativeMSE,
		TranslationThreshold: c.TranslationThreshold,
		RotationThreshold:    c.RotationThreshold,
	}
}

// guess is the initial transform; the zero value means identity.
func (c Config) guess() SimilarityTransform {
	if c.InitialGuess == (SimilarityTransform{}) {
		return Identity()
	}
	return c.InitialGuess
}

// Validate rejects malformed configuration and unusable inputs before any
// iteration runs. Errors wrap ErrInvalidConfig.
func (c Config) Validate(source, target *PointBuffer) error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("%w: maxIterations must be positive, got %d", ErrInvalidConfig, c.MaxIterations)
	}
	if c.MinCorrespondences <= 0 {
		return fmt.Errorf("%w: minCorrespondences must be positive, got %d", ErrInvalidConfig, c.MinCorrespondences)
	}
	if c.RelativeMSE < 0 {
		return fmt.Errorf("%w: relativeMSEThreshold must not be negative", ErrInvalidConfig)
	}
	if c.TranslationThreshold < 0 {
		return fmt.Errorf("%w: translationThreshold must not be negative", ErrInvalidConfig)
	}
	if !c.guess().Valid() {
		return fmt.Errorf("%w: initial guess is not a finite similarity transform", ErrInvalidConfig)
	}
	if source.Len() == 0 {
		return fmt.Errorf("%w: source buffer is empty", ErrInvalidConfig)
	}
	if target.Len() == 0 {
		return fmt.Errorf("%w: target buffer is empty", ErrInvalidConfig)
	}
	return nil
}
