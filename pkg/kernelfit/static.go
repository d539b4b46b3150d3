package kernelfit

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/jonathansick-shadow/ip-diffim/pkg/basis"
	"github.com/jonathansick-shadow/ip-diffim/pkg/image"
)

// StaticSolution fits a single, spatially constant kernel (and optional
// background level) that convolves a template image into a science image in
// the noise-weighted least-squares sense. It is the per-candidate local fit
// of difference imaging.
type StaticSolution struct {
	solution
	basis basis.Set

	cMat  *mat.Dense    // design matrix, one column per basis (+ background)
	iVec  *mat.VecDense // flattened science pixels
	ivVec *mat.VecDense // per-pixel inverse variance

	coeffs     []float64
	background float64
	kSum       float64
}

// NewStaticSolution prepares a local fit over the given basis set. The
// basis set is shared read-only and must not be mutated afterwards.
func NewStaticSolution(bs basis.Set, fitForBackground bool, log *zap.Logger) (*StaticSolution, error) {
	if err := bs.Validate(); err != nil {
		return nil, err
	}
	return &StaticSolution{solution: newSolution(fitForBackground, log), basis: bs}, nil
}

// NumParameters returns the size of the fitted parameter vector.
func (s *StaticSolution) NumParameters() int {
	n := len(s.basis)
	if s.fitForBackground {
		n++
	}
	return n
}

// Build assembles the normal equations from the template image (the one the
// kernel convolves), the science image, and a per-pixel variance estimate.
// All three planes must have identical dimensions. The normal equations are
// kept so the condition number can be inspected before Solve.
func (s *StaticSolution) Build(tmpl, sci, varEst *image.Image) error {
	if err := checkPlanes(tmpl, sci, varEst); err != nil {
		return err
	}
	good, err := s.validRegion(tmpl)
	if err != nil {
		return err
	}
	return s.assemble(tmpl, sci, varEst, boxIndices(tmpl, good))
}

// validRegion returns the local-coordinate region unharmed by the basis
// convolution border.
func (s *StaticSolution) validRegion(im *image.Image) (image.Box, error) {
	local := image.NewBox(0, 0, im.W-1, im.H-1)
	good := image.ValidBox(local, s.basis[0])
	if good.Empty() {
		w, h := s.basis.Dims()
		return image.Box{}, fmt.Errorf("kernelfit: %dx%d image leaves no valid pixels for %dx%d basis",
			im.W, im.H, w, h)
	}
	return good, nil
}

// assemble builds C, the inverse-variance weights and the normal equations
// over the given flat pixel indices, shared by the masked and box-excluded
// build variants.
func (s *StaticSolution) assemble(tmpl, sci, varEst *image.Image, idx []int) error {
	if len(idx) == 0 {
		return fmt.Errorf("kernelfit: no contributing pixels after masking")
	}
	nParams := s.NumParameters()
	if len(idx) < nParams {
		return fmt.Errorf("kernelfit: %d contributing pixels cannot constrain %d parameters",
			len(idx), nParams)
	}

	npix := len(idx)
	c := mat.NewDense(npix, nParams, nil)
	for ki, fn := range s.basis {
		conv := image.Convolve(tmpl, fn)
		for row, i := range idx {
			c.Set(row, ki, conv.Pix[i])
		}
	}
	if s.fitForBackground {
		for row := range idx {
			c.Set(row, nParams-1, 1.0)
		}
	}

	y := mat.NewVecDense(npix, nil)
	iv := mat.NewVecDense(npix, nil)
	for row, i := range idx {
		y.SetVec(row, sci.Pix[i])
		iv.SetVec(row, 1.0/varEst.Pix[i])
	}

	s.cMat = c
	s.iVec = y
	s.ivVec = iv
	s.mMat, s.bVec = weightedNormalEquations(c, iv, y)

	s.log.Debug("normal equations assembled",
		zap.Int("pixels", npix), zap.Int("parameters", nParams))
	return nil
}

// Solve solves the assembled normal equations and unpacks the kernel
// coefficients and background.
func (s *StaticSolution) Solve() error {
	if s.mMat == nil {
		return fmt.Errorf("%w: Build must precede Solve", ErrNotSolved)
	}
	if err := s.runSolve(s.mMat, s.bVec); err != nil {
		return fmt.Errorf("kernelfit: static kernel solve: %w", err)
	}
	return s.setKernel()
}

// setKernel turns the raw solution vector into kernel coefficients, the
// realized kernel sum, and the background level. NaN anywhere means the fit
// was numerically meaningless and must not be accepted.
func (s *StaticSolution) setKernel() error {
	n := s.aVec.Len()
	if n != s.NumParameters() {
		s.solvedBy = SolvedByNone
		return fmt.Errorf("kernelfit: solution has %d terms, want %d", n, s.NumParameters())
	}

	coeffs := make([]float64, len(s.basis))
	for i := range coeffs {
		v := s.aVec.AtVec(i)
		if math.IsNaN(v) {
			s.solvedBy = SolvedByNone
			return fmt.Errorf("%w: kernel coefficient %d is NaN", ErrDegenerate, i)
		}
		coeffs[i] = v
	}
	if s.fitForBackground {
		bg := s.aVec.AtVec(n - 1)
		if math.IsNaN(bg) {
			s.solvedBy = SolvedByNone
			return fmt.Errorf("%w: background term is NaN", ErrDegenerate)
		}
		s.background = bg
	} else {
		s.background = 0
	}

	s.coeffs = coeffs
	k, err := s.basis.Realize(coeffs)
	if err != nil {
		return err
	}
	s.kSum = k.Sum()
	return nil
}

// Coefficients returns the fitted per-basis coefficients.
func (s *StaticSolution) Coefficients() ([]float64, error) {
	if s.solvedBy == SolvedByNone {
		return nil, fmt.Errorf("%w: kernel not solved", ErrNotSolved)
	}
	out := make([]float64, len(s.coeffs))
	copy(out, s.coeffs)
	return out, nil
}

// Background returns the fitted additive background level.
func (s *StaticSolution) Background() (float64, error) {
	if s.solvedBy == SolvedByNone {
		return 0, fmt.Errorf("%w: kernel not solved", ErrNotSolved)
	}
	return s.background, nil
}

// KernelSum returns the pixel sum of the realized kernel.
func (s *StaticSolution) KernelSum() (float64, error) {
	if s.solvedBy == SolvedByNone {
		return 0, fmt.Errorf("%w: kernel not solved", ErrNotSolved)
	}
	return s.kSum, nil
}

// Kernel returns the realized kernel as a single basis function.
func (s *StaticSolution) Kernel() (*basis.Function, error) {
	if s.solvedBy == SolvedByNone {
		return nil, fmt.Errorf("%w: kernel not solved", ErrNotSolved)
	}
	return s.basis.Realize(s.coeffs)
}

// KernelImage renders the realized kernel as an image plane.
func (s *StaticSolution) KernelImage() (*image.Image, error) {
	k, err := s.Kernel()
	if err != nil {
		return nil, err
	}
	return kernelToImage(k), nil
}

// Constraint returns the un-collapsed local normal equations (q, w) that a
// spatial fit aggregates: the per-basis-pair inner products with one
// trailing row and column for the background term when fitted. These are
// the unregularized (M, B), independent of any solve.
func (s *StaticSolution) Constraint() (*mat.Dense, *mat.VecDense, error) {
	return s.NormalEquations()
}

func checkPlanes(tmpl, sci, varEst *image.Image) error {
	if tmpl.W != sci.W || tmpl.H != sci.H || tmpl.W != varEst.W || tmpl.H != varEst.H {
		return fmt.Errorf("kernelfit: mismatched planes: template %dx%d, science %dx%d, variance %dx%d",
			tmpl.W, tmpl.H, sci.W, sci.H, varEst.W, varEst.H)
	}
	return nil
}

// boxIndices returns the flat pixel indices of b (local coordinates).
func boxIndices(im *image.Image, b image.Box) []int {
	idx := make([]int, 0, b.Area())
	for y := b.MinY; y <= b.MaxY; y++ {
		for x := b.MinX; x <= b.MaxX; x++ {
			idx = append(idx, y*im.W+x)
		}
	}
	return idx
}

// weightedNormalEquations forms M = Cᵗ diag(w) C and B = Cᵗ diag(w) y.
func weightedNormalEquations(c *mat.Dense, w, y *mat.VecDense) (*mat.Dense, *mat.VecDense) {
	npix, nParams := c.Dims()

	wc := mat.NewDense(npix, nParams, nil)
	wy := mat.NewVecDense(npix, nil)
	for i := 0; i < npix; i++ {
		wi := w.AtVec(i)
		for j := 0; j < nParams; j++ {
			wc.Set(i, j, wi*c.At(i, j))
		}
		wy.SetVec(i, wi*y.AtVec(i))
	}

	m := mat.NewDense(nParams, nParams, nil)
	m.Mul(c.T(), wc)
	b := mat.NewVecDense(nParams, nil)
	b.MulVec(c.T(), wy)
	return m, b
}

func kernelToImage(k *basis.Function) *image.Image {
	w, h := k.Dims()
	out := image.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Set(x, y, k.At(x, y))
		}
	}
	return out
}
