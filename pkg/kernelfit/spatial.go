package kernelfit

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/jonathansick-shadow/ip-diffim/pkg/basis"
	"github.com/jonathansick-shadow/ip-diffim/pkg/image"
)

// SpatialSolution aggregates the local normal equations of many accepted
// candidates, each tagged with an image position, into one joint system
// over polynomial spatial basis functions, and solves it into a spatially
// varying kernel and background.
//
// Contributions are strictly additive and order-independent. AddConstraint
// is the only operation that mutates shared state while candidates may be
// fit in parallel, so it serializes internally.
type SpatialSolution struct {
	solution
	basis basis.Set
	kFn   *basis.Polynomial2D
	bFn   *basis.Polynomial2D

	constantFirstTerm bool
	nbases            int
	nkt               int // spatial parameters per kernel basis
	nbt               int // spatial parameters for the background
	nt                int // total joint parameters

	mu           sync.Mutex
	nConstraints int

	kCoeffs [][]float64
}

// NewSpatialSolution prepares the joint system for the given basis set and
// spatial polynomial orders. A background order of zero fits a constant
// background; fitForBackground=false removes the background entirely. When
// constantFirstTerm is set the first basis function carries no spatial
// variation, saving nkt-1 joint parameters.
func NewSpatialSolution(bs basis.Set, kernelOrder, bgOrder int, fitForBackground, constantFirstTerm bool, log *zap.Logger) (*SpatialSolution, error) {
	if err := bs.Validate(); err != nil {
		return nil, err
	}
	kFn, err := basis.NewPolynomial2D(kernelOrder)
	if err != nil {
		return nil, err
	}
	if !fitForBackground {
		bgOrder = 0
	}
	bFn, err := basis.NewPolynomial2D(bgOrder)
	if err != nil {
		return nil, err
	}

	s := &SpatialSolution{
		solution:          newSolution(fitForBackground, log),
		basis:             bs,
		kFn:               kFn,
		bFn:               bFn,
		constantFirstTerm: constantFirstTerm,
		nbases:            len(bs),
		nkt:               kFn.NumParameters(),
	}
	if fitForBackground {
		s.nbt = bFn.NumParameters()
	}
	if constantFirstTerm {
		s.nt = (s.nbases-1)*s.nkt + 1 + s.nbt
	} else {
		s.nt = s.nbases*s.nkt + s.nbt
	}

	s.mMat = mat.NewDense(s.nt, s.nt, nil)
	s.bVec = mat.NewVecDense(s.nt, nil)

	s.log.Debug("spatial solution initialized",
		zap.Int("nkt", s.nkt), zap.Int("nbt", s.nbt), zap.Int("nt", s.nt),
		zap.Bool("constantFirstTerm", constantFirstTerm))
	return s, nil
}

// NumParameters returns the size of the joint parameter vector.
func (s *SpatialSolution) NumParameters() int { return s.nt }

// NumConstraints returns how many candidates have been added.
func (s *SpatialSolution) NumConstraints() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nConstraints
}

// spatialOffset maps a basis index to the offset and width of its block in
// the joint system. It is the single place the constant-first-term index
// arithmetic lives; AddConstraint and the solution unpacking both use it.
func (s *SpatialSolution) spatialOffset(i int) (off, width int) {
	if s.constantFirstTerm {
		if i == 0 {
			return 0, 1
		}
		return 1 + (i-1)*s.nkt, s.nkt
	}
	return i * s.nkt, s.nkt
}

// backgroundOffset is where the background block starts.
func (s *SpatialSolution) backgroundOffset() int { return s.nt - s.nbt }

// AddConstraint contributes one candidate's un-collapsed local normal
// equations (q, w), measured at frame position (x, y), into the joint
// system. q is (nBasis+1) square and w has nBasis+1 entries when the
// background is fitted, nBasis otherwise. Only the upper triangle of the
// joint matrix is accumulated; Solve mirrors it.
func (s *SpatialSolution) AddConstraint(x, y float64, q *mat.Dense, w *mat.VecDense) error {
	nq := s.nbases
	if s.fitForBackground {
		nq++
	}
	qr, qc := q.Dims()
	if qr != nq || qc != nq || w.Len() != nq {
		return fmt.Errorf("kernelfit: constraint is %dx%d with length-%d vector, want %d square",
			qr, qc, w.Len(), nq)
	}

	// Spatial basis evaluations at the candidate position. The block for a
	// spatially constant term uses a single unit weight instead.
	pK := s.kFn.Terms(x, y)
	var pB []float64
	if s.fitForBackground {
		pB = s.bFn.Terms(x, y)
	}
	pick := func(width, i int) float64 {
		if width == 1 {
			return 1
		}
		return pK[i]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for m1 := 0; m1 < s.nbases; m1++ {
		o1, w1 := s.spatialOffset(m1)

		// Kernel-kernel blocks, upper triangle only.
		for m2 := m1; m2 < s.nbases; m2++ {
			o2, w2 := s.spatialOffset(m2)
			q12 := q.At(m1, m2)
			for a := 0; a < w1; a++ {
				bStart := 0
				if m2 == m1 {
					bStart = a
				}
				for b := bStart; b < w2; b++ {
					s.mMat.Set(o1+a, o2+b,
						s.mMat.At(o1+a, o2+b)+q12*pick(w1, a)*pick(w2, b))
				}
			}
		}

		// Kernel-background cross blocks.
		if s.fitForBackground {
			ob := s.backgroundOffset()
			q1b := q.At(m1, s.nbases)
			for a := 0; a < w1; a++ {
				for b := 0; b < s.nbt; b++ {
					s.mMat.Set(o1+a, ob+b,
						s.mMat.At(o1+a, ob+b)+q1b*pick(w1, a)*pB[b])
				}
			}
		}

		for a := 0; a < w1; a++ {
			s.bVec.SetVec(o1+a, s.bVec.AtVec(o1+a)+w.AtVec(m1)*pick(w1, a))
		}
	}

	if s.fitForBackground {
		ob := s.backgroundOffset()
		qbb := q.At(s.nbases, s.nbases)
		for a := 0; a < s.nbt; a++ {
			for b := a; b < s.nbt; b++ {
				s.mMat.Set(ob+a, ob+b, s.mMat.At(ob+a, ob+b)+qbb*pB[a]*pB[b])
			}
			s.bVec.SetVec(ob+a, s.bVec.AtVec(ob+a)+w.AtVec(s.nbases)*pB[a])
		}
	}

	s.nConstraints++
	s.log.Debug("spatial constraint added",
		zap.Float64("x", x), zap.Float64("y", y), zap.Int("constraints", s.nConstraints))
	return nil
}

// Solve mirrors the accumulated upper triangle to full symmetry, solves the
// joint system once, and unpacks the spatial kernel and background
// coefficients. Solving with zero constraints yields the all-zero solution
// of an all-zero system; rejecting that case is the caller's job.
func (s *SpatialSolution) Solve() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.nt; i++ {
		for j := i + 1; j < s.nt; j++ {
			s.mMat.Set(j, i, s.mMat.At(i, j))
		}
	}

	if err := s.runSolve(s.mMat, s.bVec); err != nil {
		return fmt.Errorf("kernelfit: spatial kernel solve: %w", err)
	}
	return s.setKernel()
}

// setKernel unpacks the joint solution vector into per-basis spatial
// coefficient lists and the background polynomial.
func (s *SpatialSolution) setKernel() error {
	kCoeffs := make([][]float64, s.nbases)
	for i := 0; i < s.nbases; i++ {
		off, width := s.spatialOffset(i)
		kCoeffs[i] = make([]float64, width)
		for j := 0; j < width; j++ {
			v := s.aVec.AtVec(off + j)
			if math.IsNaN(v) {
				s.solvedBy = SolvedByNone
				return fmt.Errorf("%w: spatial coefficient (%d,%d) is NaN", ErrDegenerate, i, j)
			}
			kCoeffs[i][j] = v
		}
	}

	bgCoeffs := make([]float64, s.bFn.NumParameters())
	if s.fitForBackground {
		ob := s.backgroundOffset()
		for i := 0; i < s.nbt; i++ {
			v := s.aVec.AtVec(ob + i)
			if math.IsNaN(v) {
				s.solvedBy = SolvedByNone
				return fmt.Errorf("%w: spatial background coefficient %d is NaN", ErrDegenerate, i)
			}
			bgCoeffs[i] = v
		}
	}
	if err := s.bFn.SetParameters(bgCoeffs); err != nil {
		return err
	}

	s.kCoeffs = kCoeffs
	return nil
}

// Coefficients returns the per-basis spatial coefficient lists. With a
// constant first term the first list has length one.
func (s *SpatialSolution) Coefficients() ([][]float64, error) {
	if s.solvedBy == SolvedByNone {
		return nil, fmt.Errorf("%w: kernel not solved", ErrNotSolved)
	}
	out := make([][]float64, len(s.kCoeffs))
	for i, c := range s.kCoeffs {
		out[i] = make([]float64, len(c))
		copy(out[i], c)
	}
	return out, nil
}

// CoefficientsAt evaluates the per-basis kernel coefficients at frame
// position (x, y).
func (s *SpatialSolution) CoefficientsAt(x, y float64) ([]float64, error) {
	if s.solvedBy == SolvedByNone {
		return nil, fmt.Errorf("%w: kernel not solved", ErrNotSolved)
	}
	terms := s.kFn.Terms(x, y)
	out := make([]float64, s.nbases)
	for i, c := range s.kCoeffs {
		if len(c) == 1 {
			out[i] = c[0]
			continue
		}
		var sum float64
		for j, t := range terms {
			sum += c[j] * t
		}
		out[i] = sum
	}
	return out, nil
}

// KernelAt realizes the spatially varying kernel at frame position (x, y).
func (s *SpatialSolution) KernelAt(x, y float64) (*image.Image, error) {
	coeffs, err := s.CoefficientsAt(x, y)
	if err != nil {
		return nil, err
	}
	k, err := s.basis.Realize(coeffs)
	if err != nil {
		return nil, err
	}
	return kernelToImage(k), nil
}

// KernelSumAt returns the pixel sum of the realized kernel at (x, y).
func (s *SpatialSolution) KernelSumAt(x, y float64) (float64, error) {
	coeffs, err := s.CoefficientsAt(x, y)
	if err != nil {
		return 0, err
	}
	k, err := s.basis.Realize(coeffs)
	if err != nil {
		return 0, err
	}
	return k.Sum(), nil
}

// BackgroundAt evaluates the fitted spatial background at (x, y). Without a
// background fit it is identically zero.
func (s *SpatialSolution) BackgroundAt(x, y float64) (float64, error) {
	if s.solvedBy == SolvedByNone {
		return 0, fmt.Errorf("%w: kernel not solved", ErrNotSolved)
	}
	return s.bFn.Eval(x, y), nil
}
