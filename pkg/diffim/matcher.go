package diffim

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/jonathansick-shadow/ip-diffim/pkg/basis"
	"github.com/jonathansick-shadow/ip-diffim/pkg/config"
	"github.com/jonathansick-shadow/ip-diffim/pkg/export"
	"github.com/jonathansick-shadow/ip-diffim/pkg/image"
	"github.com/jonathansick-shadow/ip-diffim/pkg/kernelfit"
)

// Matcher runs the full kernel-matching pipeline: per-candidate local fits
// in parallel, condition-number screening, and a single spatial fit over the
// accepted candidates.
type Matcher struct {
	cfg   *config.Config
	log   *zap.Logger
	basis basis.Set
	hMat  *mat.Dense
	ct    kernelfit.ConditionType
	rcfg  kernelfit.RegularizationConfig
}

// Result holds the outcome of a Matcher run.
type Result struct {
	// Spatial is the solved spatially-varying kernel and background model.
	Spatial *kernelfit.SpatialSolution

	// Diffim is the PSF-matched difference image.
	Diffim *image.Image

	// NumCandidates and NumAccepted count the stamps fit and the stamps
	// that survived screening.
	NumCandidates int
	NumAccepted   int
}

// NewMatcher builds a Matcher from configuration. The basis set and, when
// regularization is enabled, the penalty matrix are constructed once and
// shared by all candidate fits.
func NewMatcher(cfg *config.Config, log *zap.Logger) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	var (
		bs  basis.Set
		err error
	)
	switch cfg.Kernel.BasisType {
	case "delta":
		bs, err = basis.DeltaFunctionSet(cfg.Kernel.Width, cfg.Kernel.Height)
	case "gaussian":
		bs, err = basis.GaussianBasisSet(cfg.Kernel.HalfWidth, cfg.Kernel.Sigmas, cfg.Kernel.Degrees)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Kernel.Renormalize {
		if bs, err = basis.Renormalize(bs); err != nil {
			return nil, err
		}
	}

	m := &Matcher{cfg: cfg, log: log, basis: bs}

	switch cfg.Fit.ConditionType {
	case "svd":
		m.ct = kernelfit.ConditionSVD
	default:
		m.ct = kernelfit.ConditionEigenvalue
	}

	if cfg.Regularization.Enabled {
		if cfg.Kernel.BasisType != "delta" {
			return nil, fmt.Errorf("%w: regularization requires the delta basis",
				kernelfit.ErrBadConfig)
		}

		bnd := basis.BoundaryUnwrapped
		if cfg.Regularization.BoundaryStyle == "wrapped" {
			bnd = basis.BoundaryWrapped
		}
		diff := basis.DifferenceForward
		if cfg.Regularization.DifferenceStyle == "central" {
			diff = basis.DifferenceCentral
		}
		m.hMat, err = basis.FiniteDifferenceRegularization(
			cfg.Kernel.Width, cfg.Kernel.Height, cfg.Regularization.Order, bnd, diff)
		if err != nil {
			return nil, err
		}

		mode, err := kernelfit.ParseLambdaMode(cfg.Regularization.LambdaType)
		if err != nil {
			return nil, err
		}
		step, err := kernelfit.ParseStepMode(cfg.Regularization.LambdaStepType)
		if err != nil {
			return nil, err
		}
		m.rcfg = kernelfit.RegularizationConfig{
			Mode:               mode,
			Value:              cfg.Regularization.LambdaValue,
			StepMode:           step,
			Min:                cfg.Regularization.LambdaMin,
			Max:                cfg.Regularization.LambdaMax,
			Step:               cfg.Regularization.LambdaStep,
			MaxConditionNumber: cfg.Fit.MaxConditionNumber,
		}
	}

	return m, nil
}

// Basis returns the basis set the matcher fits with.
func (m *Matcher) Basis() basis.Set { return m.basis }

// candidateFit is the screened outcome of one local fit.
type candidateFit struct {
	cand Candidate
	mMat *mat.Dense
	bVec *mat.VecDense
}

// Match fits the matching kernel over the whole frame. pixelMask may be nil;
// when given, pixels flagged with bad planes are excluded from every local
// fit. At least one candidate must survive screening.
func (m *Matcher) Match(tmpl, sci, varEst *image.Image, pixelMask *image.Mask) (*Result, error) {
	cands := GridCandidates(sci.Bounds(), m.cfg.Fit.StampSize)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: frame %dx%d yields no candidate stamps",
			kernelfit.ErrBadConfig, sci.W, sci.H)
	}
	m.log.Info("fitting candidates",
		zap.Int("candidates", len(cands)),
		zap.Int("stampSize", m.cfg.Fit.StampSize),
		zap.Int("nBases", len(m.basis)))

	// Local fits are independent; run them on a bounded pool and collect
	// the survivors under a mutex.
	var (
		mutex    sync.Mutex
		wg       sync.WaitGroup
		accepted []candidateFit
	)

	maxGoroutines := m.cfg.Fit.Workers
	if maxGoroutines > len(cands) {
		maxGoroutines = len(cands)
	}
	sem := make(chan struct{}, maxGoroutines)

	for _, cand := range cands {
		sem <- struct{}{}

		wg.Add(1)
		go func(cand Candidate) {
			defer wg.Done()
			defer func() { <-sem }()

			fit, err := m.fitCandidate(tmpl, sci, varEst, pixelMask, cand)
			if err != nil {
				m.log.Debug("candidate rejected",
					zap.Float64("x", cand.X), zap.Float64("y", cand.Y),
					zap.Error(err))
				return
			}

			mutex.Lock()
			accepted = append(accepted, *fit)
			mutex.Unlock()
		}(cand)
	}
	wg.Wait()

	m.log.Info("candidate fits done",
		zap.Int("accepted", len(accepted)),
		zap.Int("rejected", len(cands)-len(accepted)))
	if len(accepted) == 0 {
		return nil, fmt.Errorf("%w: no candidate survived screening", kernelfit.ErrDegenerate)
	}

	if m.cfg.Output.SaveDiagnostics {
		if err := m.dumpDiagnostics(accepted); err != nil {
			m.log.Warn("diagnostics dump failed", zap.Error(err))
		}
	}

	sp, err := kernelfit.NewSpatialSolution(m.basis,
		m.cfg.Spatial.KernelOrder, m.cfg.Spatial.BackgroundOrder,
		m.cfg.Fit.FitForBackground, m.cfg.Spatial.ConstantFirstTerm, m.log)
	if err != nil {
		return nil, err
	}
	for _, fit := range accepted {
		if err := sp.AddConstraint(fit.cand.X, fit.cand.Y, fit.mMat, fit.bVec); err != nil {
			return nil, err
		}
	}
	if err := sp.Solve(); err != nil {
		return nil, err
	}

	d, err := m.subtract(tmpl, sci, sp)
	if err != nil {
		return nil, err
	}

	return &Result{
		Spatial:       sp,
		Diffim:        d,
		NumCandidates: len(cands),
		NumAccepted:   len(accepted),
	}, nil
}

// fitCandidate runs one local fit on a stamp and screens the solution.
func (m *Matcher) fitCandidate(tmpl, sci, varEst *image.Image, pixelMask *image.Mask, cand Candidate) (*candidateFit, error) {
	st, sst, svt, err := cutStamps(tmpl, sci, varEst, cand.Box)
	if err != nil {
		return nil, err
	}

	sol, err := m.localSolution()
	if err != nil {
		return nil, err
	}
	if err := m.buildLocal(sol, st, sst, svt, pixelMask, cand.Box); err != nil {
		return nil, err
	}
	if err := sol.Solve(); err != nil {
		return nil, err
	}

	cond, err := sol.ConditionNumber(m.ct)
	if err != nil {
		return nil, err
	}
	if cond > m.cfg.Fit.MaxConditionNumber {
		return nil, fmt.Errorf("%w: condition number %.3g exceeds %.3g",
			kernelfit.ErrDegenerate, cond, m.cfg.Fit.MaxConditionNumber)
	}
	kSum, err := sol.KernelSum()
	if err != nil {
		return nil, err
	}
	if math.IsNaN(kSum) || math.IsInf(kSum, 0) || kSum == 0 {
		return nil, fmt.Errorf("%w: kernel sum %g", kernelfit.ErrDegenerate, kSum)
	}

	mMat, bVec, err := sol.Constraint()
	if err != nil {
		return nil, err
	}
	return &candidateFit{cand: cand, mMat: mMat, bVec: bVec}, nil
}

// localFit is the per-stamp surface the matcher needs from any of the local
// solution variants.
type localFit interface {
	Solve() error
	ConditionNumber(ct kernelfit.ConditionType) (float64, error)
	KernelSum() (float64, error)
	Constraint() (*mat.Dense, *mat.VecDense, error)
}

func (m *Matcher) localSolution() (localFit, error) {
	if m.cfg.Regularization.Enabled {
		return kernelfit.NewRegularizedSolution(m.basis, m.cfg.Fit.FitForBackground,
			m.hMat, m.rcfg, m.log)
	}
	return kernelfit.NewMaskedSolution(m.basis, m.cfg.Fit.FitForBackground, m.log)
}

func (m *Matcher) buildLocal(sol localFit, tmpl, sci, varEst *image.Image, pixelMask *image.Mask, box image.Box) error {
	switch s := sol.(type) {
	case *kernelfit.MaskedSolution:
		if pixelMask != nil {
			stamp, err := cutMask(pixelMask, box)
			if err != nil {
				return err
			}
			return s.Build(tmpl, sci, varEst, stamp)
		}
		return s.StaticSolution.Build(tmpl, sci, varEst)
	case *kernelfit.RegularizedSolution:
		return s.Build(tmpl, sci, varEst)
	}
	return errors.New("diffim: unknown local solution type")
}

// dumpDiagnostics writes the normal equations of every accepted candidate
// under the configured diagnostics directory.
func (m *Matcher) dumpDiagnostics(fits []candidateFit) error {
	for _, fit := range fits {
		tag := fmt.Sprintf("cand_%04d_%04d", int(fit.cand.X), int(fit.cand.Y))

		path := filepath.Join(m.cfg.Output.DiagnosticsDir, tag+"_m.npy")
		if err := export.WriteMatrixNpy(path, fit.mMat); err != nil {
			return err
		}

		n := fit.bVec.Len()
		b := mat.NewDense(n, 1, nil)
		for i := 0; i < n; i++ {
			b.Set(i, 0, fit.bVec.AtVec(i))
		}
		path = filepath.Join(m.cfg.Output.DiagnosticsDir, tag+"_b.npy")
		if err := export.WriteMatrixNpy(path, b); err != nil {
			return err
		}
	}
	return nil
}

// subtract evaluates the spatial model stamp by stamp and assembles the
// difference image.
func (m *Matcher) subtract(tmpl, sci *image.Image, sp *kernelfit.SpatialSolution) (*image.Image, error) {
	out := image.NewAt(sci.W, sci.H, sci.X0, sci.Y0)
	for _, cand := range GridCandidates(sci.Bounds(), m.cfg.Fit.StampSize) {
		k, err := sp.KernelAt(cand.X, cand.Y)
		if err != nil {
			return nil, err
		}
		bg, err := sp.BackgroundAt(cand.X, cand.Y)
		if err != nil {
			return nil, err
		}
		kf, err := basis.NewFunction(k.W, k.H, k.W/2, k.H/2, k.Pix)
		if err != nil {
			return nil, err
		}

		d := ConvolveAndSubtract(tmpl, sci, kf, bg)
		for y := cand.Box.MinY; y <= cand.Box.MaxY; y++ {
			for x := cand.Box.MinX; x <= cand.Box.MaxX; x++ {
				out.Set(x-out.X0, y-out.Y0, d.At(x-d.X0, y-d.Y0))
			}
		}
	}
	return out, nil
}

func cutStamps(tmpl, sci, varEst *image.Image, box image.Box) (st, sst, svt *image.Image, err error) {
	if st, err = tmpl.SubImage(box); err != nil {
		return nil, nil, nil, err
	}
	if sst, err = sci.SubImage(box); err != nil {
		return nil, nil, nil, err
	}
	if svt, err = varEst.SubImage(box); err != nil {
		return nil, nil, nil, err
	}
	return st, sst, svt, nil
}

func cutMask(m *image.Mask, box image.Box) (*image.Mask, error) {
	local := box.Shift(-m.X0, -m.Y0)
	if !m.Bounds().ContainsBox(box) {
		return nil, fmt.Errorf("diffim: mask %v does not contain stamp %v", m.Bounds(), box)
	}
	out := image.NewMaskAt(box.Width(), box.Height(), box.MinX, box.MinY)
	for y := 0; y < out.H; y++ {
		for x := 0; x < out.W; x++ {
			out.Bits[y*out.W+x] = m.Bits[(local.MinY+y)*m.W+local.MinX+x]
		}
	}
	return out, nil
}
