package kernelfit

import "errors"

// Error taxonomy for kernel solutions. Callers are expected to recover from
// per-candidate failures by skipping the candidate; nothing in this package
// retries beyond the deterministic fallback chain in Solve.
var (
	// ErrNotSolved is returned when a result is requested from a solution
	// that has not been built or solved yet.
	ErrNotSolved = errors.New("kernelfit: no solution available")

	// ErrDegenerate is returned when a solve nominally succeeded but
	// produced meaningless output, such as NaN coefficients.
	ErrDegenerate = errors.New("kernelfit: degenerate solution")

	// ErrSolveFailed is returned when every numerical method in the
	// fallback chain failed on the system.
	ErrSolveFailed = errors.New("kernelfit: all solve methods failed")

	// ErrBadConfig is returned for unrecognized regularization modes,
	// step types, and similar configuration mistakes.
	ErrBadConfig = errors.New("kernelfit: invalid configuration")
)
