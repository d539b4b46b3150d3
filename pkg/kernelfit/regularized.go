package kernelfit

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/jonathansick-shadow/ip-diffim/pkg/basis"
)

// LambdaMode selects how the regularization strength is chosen.
type LambdaMode int

const (
	// LambdaAbsolute uses a fixed configured lambda.
	LambdaAbsolute LambdaMode = iota
	// LambdaRelative scales the configured ratio by trace(M)/trace(H).
	LambdaRelative
	// LambdaMinimizeBiasedRisk searches a lambda grid minimizing the risk
	// estimate built on the condition-truncated pseudo-inverse of M.
	LambdaMinimizeBiasedRisk
	// LambdaMinimizeUnbiasedRisk searches the same grid with the plain
	// pseudo-inverse of M in the correction term.
	LambdaMinimizeUnbiasedRisk
)

// ParseLambdaMode maps a configuration string to a LambdaMode.
func ParseLambdaMode(s string) (LambdaMode, error) {
	switch s {
	case "absolute":
		return LambdaAbsolute, nil
	case "relative":
		return LambdaRelative, nil
	case "minimizeBiasedRisk":
		return LambdaMinimizeBiasedRisk, nil
	case "minimizeUnbiasedRisk":
		return LambdaMinimizeUnbiasedRisk, nil
	default:
		return 0, fmt.Errorf("%w: unrecognized lambda mode %q", ErrBadConfig, s)
	}
}

// StepMode selects how the lambda search grid is stepped.
type StepMode int

const (
	StepLinear StepMode = iota
	StepLog
)

// ParseStepMode maps a configuration string to a StepMode.
func ParseStepMode(s string) (StepMode, error) {
	switch s {
	case "linear":
		return StepLinear, nil
	case "log":
		return StepLog, nil
	default:
		return 0, fmt.Errorf("%w: unrecognized lambda step mode %q", ErrBadConfig, s)
	}
}

// RegularizationConfig gathers the lambda-selection parameters.
type RegularizationConfig struct {
	Mode LambdaMode
	// Value is the fixed lambda (absolute mode) or the trace ratio
	// multiplier (relative mode).
	Value float64
	// Grid parameters for the risk-minimizing modes. With StepLog the grid
	// points are 10^l for l from Min to Max.
	StepMode StepMode
	Min      float64
	Max      float64
	Step     float64
	// MaxConditionNumber truncates the pseudo-inverse used by the biased
	// risk estimate.
	MaxConditionNumber float64
}

// RegularizedSolution is a StaticSolution that keeps the unregularized
// normal equations and solves (M + lambda*H) a = B, with lambda chosen per
// its configuration. Regularization damps the poorly constrained
// high-frequency combinations a delta-function basis admits.
type RegularizedSolution struct {
	StaticSolution
	hMat   *mat.Dense
	cfg    RegularizationConfig
	lambda float64
}

// NewRegularizedSolution prepares a regularized local fit. h is the fixed
// symmetric penalty matrix over the basis coefficients (background term
// excluded; it is zero-padded internally) and is consumed opaquely.
func NewRegularizedSolution(bs basis.Set, fitForBackground bool, h *mat.Dense, cfg RegularizationConfig, log *zap.Logger) (*RegularizedSolution, error) {
	inner, err := NewStaticSolution(bs, fitForBackground, log)
	if err != nil {
		return nil, err
	}
	hr, hc := h.Dims()
	if hr != len(bs) || hc != len(bs) {
		return nil, fmt.Errorf("%w: regularization matrix is %dx%d for %d basis functions",
			ErrBadConfig, hr, hc, len(bs))
	}
	return &RegularizedSolution{StaticSolution: *inner, hMat: h, cfg: cfg}, nil
}

// Lambda returns the regularization strength chosen by the last Solve.
func (s *RegularizedSolution) Lambda() (float64, error) {
	if s.solvedBy == SolvedByNone {
		return 0, fmt.Errorf("%w: kernel not solved", ErrNotSolved)
	}
	return s.lambda, nil
}

// RegularizedM returns M + lambda*H from the last Solve, or the plain M
// when includeH is false.
func (s *RegularizedSolution) RegularizedM(includeH bool) (*mat.Dense, error) {
	if s.mMat == nil {
		return nil, fmt.Errorf("%w: normal equations not built", ErrNotSolved)
	}
	if !includeH {
		return mat.DenseCopyOf(s.mMat), nil
	}
	if s.solvedBy == SolvedByNone {
		return nil, fmt.Errorf("%w: lambda not chosen yet", ErrNotSolved)
	}
	return addScaled(s.mMat, s.lambda, s.paddedH()), nil
}

// Solve chooses lambda, solves the regularized system once, and unpacks the
// kernel. Solving twice on unchanged inputs yields the same lambda and
// coefficients: lambda selection never mutates (M, B, C, H).
func (s *RegularizedSolution) Solve() error {
	if s.mMat == nil {
		return fmt.Errorf("%w: Build must precede Solve", ErrNotSolved)
	}

	lambda, err := s.chooseLambda()
	if err != nil {
		return err
	}
	s.lambda = lambda
	s.log.Debug("applying kernel regularization", zap.Float64("lambda", lambda))

	mLambda := addScaled(s.mMat, lambda, s.paddedH())
	if err := s.runSolve(mLambda, s.bVec); err != nil {
		return fmt.Errorf("kernelfit: regularized kernel solve: %w", err)
	}
	return s.setKernel()
}

// paddedH returns H expanded to the full parameter count, with zero rows
// and columns for the background term.
func (s *RegularizedSolution) paddedH() *mat.Dense {
	n := s.NumParameters()
	nb := len(s.basis)
	if n == nb {
		return s.hMat
	}
	out := mat.NewDense(n, n, nil)
	for i := 0; i < nb; i++ {
		for j := 0; j < nb; j++ {
			out.Set(i, j, s.hMat.At(i, j))
		}
	}
	return out
}

func (s *RegularizedSolution) chooseLambda() (float64, error) {
	switch s.cfg.Mode {
	case LambdaAbsolute:
		return s.cfg.Value, nil
	case LambdaRelative:
		trH := mat.Trace(s.hMat)
		if trH == 0 {
			return 0, fmt.Errorf("%w: regularization matrix has zero trace", ErrBadConfig)
		}
		return s.cfg.Value * mat.Trace(s.mMat) / trH, nil
	case LambdaMinimizeBiasedRisk:
		return s.minimizeRisk(true)
	case LambdaMinimizeUnbiasedRisk:
		return s.minimizeRisk(false)
	default:
		return 0, fmt.Errorf("%w: unrecognized lambda mode %d", ErrBadConfig, s.cfg.Mode)
	}
}

func (s *RegularizedSolution) lambdaSteps() ([]float64, error) {
	if s.cfg.Step <= 0 || s.cfg.Max < s.cfg.Min {
		return nil, fmt.Errorf("%w: lambda grid [%g, %g] step %g",
			ErrBadConfig, s.cfg.Min, s.cfg.Max, s.cfg.Step)
	}
	var out []float64
	for l := s.cfg.Min; l <= s.cfg.Max+1e-12; l += s.cfg.Step {
		switch s.cfg.StepMode {
		case StepLog:
			out = append(out, math.Pow(10, l))
		default:
			out = append(out, l)
		}
	}
	return out, nil
}

// minimizeRisk evaluates the prediction-risk estimate over the lambda grid
// and returns the minimizer. The risk is
//
//	aᵗ V Vᵗ a + 2 * ( tr(V Vᵗ (M+lambda*H)⁻¹) − aᵗ M⁺ B )
//
// with V from the SVD of the design matrix. The biased variant truncates
// M⁺ at the configured condition number; the unbiased variant inverts all
// non-negligible eigenvalues. The two are independent numeric recipes, not
// derivations of each other.
func (s *RegularizedSolution) minimizeRisk(biased bool) (float64, error) {
	var svd mat.SVD
	if !svd.Factorize(s.cMat, mat.SVDThin) {
		return 0, fmt.Errorf("%w: SVD of design matrix did not converge", ErrSolveFailed)
	}
	var v mat.Dense
	svd.VTo(&v)
	n, _ := s.mMat.Dims()
	vvT := mat.NewDense(n, n, nil)
	vvT.Mul(&v, v.T())

	maxCond := 0.0
	if biased {
		maxCond = s.cfg.MaxConditionNumber
	}
	mPseudo, err := pseudoInverse(s.mMat, maxCond)
	if err != nil {
		return 0, err
	}
	// M⁺ B is lambda-independent.
	pb := mat.NewVecDense(n, nil)
	pb.MulVec(mPseudo, s.bVec)

	lambdas, err := s.lambdaSteps()
	if err != nil {
		return 0, err
	}

	best := lambdas[0]
	bestRisk := math.Inf(1)
	h := s.paddedH()
	for _, l := range lambdas {
		mLambda := addScaled(s.mMat, l, h)
		a, _, err := Solve(mLambda, s.bVec, s.log)
		if err != nil {
			return 0, fmt.Errorf("kernelfit: lambda search at %g: %w", l, err)
		}

		tmp := mat.NewVecDense(n, nil)
		tmp.MulVec(vvT, a)
		term1 := mat.Dot(a, tmp)

		var mLambdaInv mat.Dense
		if err := mLambdaInv.Inverse(mLambda); err != nil {
			s.log.Debug("skipping singular lambda candidate", zap.Float64("lambda", l))
			continue
		}
		var prod mat.Dense
		prod.Mul(vvT, &mLambdaInv)
		term2a := mat.Trace(&prod)

		term2b := mat.Dot(a, pb)

		risk := term1 + 2*(term2a-term2b)
		s.log.Debug("risk estimate",
			zap.Float64("lambda", l), zap.Float64("risk", risk), zap.Bool("biased", biased))
		if risk < bestRisk {
			bestRisk = risk
			best = l
		}
	}
	s.log.Debug("minimum risk",
		zap.Float64("lambda", best), zap.Float64("risk", bestRisk), zap.Bool("biased", biased))
	return best, nil
}

// addScaled returns m + scale*h without modifying either input.
func addScaled(m *mat.Dense, scale float64, h *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(m)
	r, c := out.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, out.At(i, j)+scale*h.At(i, j))
		}
	}
	return out
}
