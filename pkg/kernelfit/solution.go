// Package kernelfit implements the numerically robust core of difference
// imaging: assembling the normal equations that match a template image to a
// science image through a convolution kernel, solving them with a chain of
// fallback methods, choosing Tikhonov regularization strengths, and
// aggregating many local fits into one spatially varying kernel.
//
// Image access, candidate detection, and basis generation live outside this
// package; it consumes images, basis sets and regularization matrices
// opaquely and exposes kernels, backgrounds and fit diagnostics.
package kernelfit

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// solution carries the state every kernel solution shares: the normal
// equations (M, B), the solution vector once a solve succeeded, and the
// method that produced it. The id exists only to correlate log lines from
// one solution.
type solution struct {
	id               string
	mMat             *mat.Dense
	bVec             *mat.VecDense
	aVec             *mat.VecDense
	solvedBy         SolvedBy
	fitForBackground bool
	log              *zap.Logger
}

func newSolution(fitForBackground bool, log *zap.Logger) solution {
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()
	return solution{
		id:               id,
		solvedBy:         SolvedByNone,
		fitForBackground: fitForBackground,
		log:              log.With(zap.String("solution", id)),
	}
}

// runSolve runs the fallback chain against (m, b) and records the outcome.
func (s *solution) runSolve(m *mat.Dense, b *mat.VecDense) error {
	a, by, err := Solve(m, b, s.log)
	if err != nil {
		s.solvedBy = SolvedByNone
		return err
	}
	s.aVec = a
	s.solvedBy = by
	s.log.Debug("kernel system solved", zap.String("method", by.String()))
	return nil
}

// ID returns the diagnostic identifier of this solution.
func (s *solution) ID() string { return s.id }

// SolvedBy reports which method solved the system, or SolvedByNone.
func (s *solution) SolvedBy() SolvedBy { return s.solvedBy }

// ConditionNumber returns the condition number of the assembled normal
// equations. It may be called before or after solving.
func (s *solution) ConditionNumber(ct ConditionType) (float64, error) {
	if s.mMat == nil {
		return 0, fmt.Errorf("%w: normal equations not built", ErrNotSolved)
	}
	return ConditionNumber(s.mMat, ct)
}

// NormalEquations returns copies of the assembled (M, B) pair.
func (s *solution) NormalEquations() (*mat.Dense, *mat.VecDense, error) {
	if s.mMat == nil {
		return nil, nil, fmt.Errorf("%w: normal equations not built", ErrNotSolved)
	}
	return mat.DenseCopyOf(s.mMat), mat.VecDenseCopyOf(s.bVec), nil
}
