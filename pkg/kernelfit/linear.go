package kernelfit

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// SolvedBy identifies which numerical method produced a solution vector.
type SolvedBy int

const (
	SolvedByNone SolvedBy = iota
	SolvedByCholeskyLDLT
	SolvedByCholeskyLLT
	SolvedByLU
	SolvedByEigen
)

// String returns a short name for the solve method.
func (s SolvedBy) String() string {
	switch s {
	case SolvedByCholeskyLDLT:
		return "cholesky-ldlt"
	case SolvedByCholeskyLLT:
		return "cholesky-llt"
	case SolvedByLU:
		return "lu"
	case SolvedByEigen:
		return "eigen"
	default:
		return "none"
	}
}

// ConditionType selects how a condition number is computed.
type ConditionType int

const (
	// ConditionEigenvalue uses the ratio of extreme eigenvalues.
	ConditionEigenvalue ConditionType = iota
	// ConditionSVD uses the ratio of extreme singular values.
	ConditionSVD
)

const machEps = 2.220446049250313e-16

// Solve solves the symmetric system M a = B with an ordered chain of
// numerical methods, stopping at the first that produces a finite solution:
// Cholesky LDLᵗ, Cholesky LLᵗ, LU, and finally an eigendecomposition
// pseudo-inverse that zero-pads negligible eigenvalues. Every attempt
// consumes the same (M, B); the method that succeeded is reported alongside
// the solution. If even the eigendecomposition fails the returned error
// wraps ErrSolveFailed.
//
// M need not be positive definite; near-singular systems from correlated
// basis functions are routine and land on the later methods.
func Solve(m *mat.Dense, b *mat.VecDense, log *zap.Logger) (*mat.VecDense, SolvedBy, error) {
	if log == nil {
		log = zap.NewNop()
	}
	n, c := m.Dims()
	if n != c || b.Len() != n {
		return nil, SolvedByNone,
			fmt.Errorf("kernelfit: cannot solve %dx%d system against length-%d vector", n, c, b.Len())
	}

	if a, ok := ldltSolve(m, b); ok {
		return a, SolvedByCholeskyLDLT, nil
	}
	log.Debug("LDLT factorization failed, trying Cholesky LLT")

	sym := symFromUpper(m)
	var chol mat.Cholesky
	if chol.Factorize(sym) {
		a := mat.NewVecDense(n, nil)
		err := chol.SolveVecTo(a, b)
		if acceptable(err) && finiteVec(a) {
			return a, SolvedByCholeskyLLT, nil
		}
	}
	log.Debug("Cholesky LLT failed, trying LU")

	var lu mat.LU
	lu.Factorize(m)
	a := mat.NewVecDense(n, nil)
	if err := lu.SolveVecTo(a, false, b); acceptable(err) && finiteVec(a) {
		return a, SolvedByLU, nil
	}
	log.Debug("LU failed, trying eigendecomposition pseudo-inverse")

	a, err := eigenPseudoSolve(sym, b)
	if err != nil {
		return nil, SolvedByNone, fmt.Errorf("%w: %v", ErrSolveFailed, err)
	}
	return a, SolvedByEigen, nil
}

// ConditionNumber computes the condition number of the symmetric matrix m
// as the ratio of its extreme eigenvalues or singular values. It may be
// queried independently of any solve attempt.
func ConditionNumber(m *mat.Dense, ct ConditionType) (float64, error) {
	switch ct {
	case ConditionEigenvalue:
		var es mat.EigenSym
		if !es.Factorize(symFromUpper(m), false) {
			return 0, fmt.Errorf("%w: eigendecomposition did not converge", ErrSolveFailed)
		}
		vals := es.Values(nil) // ascending
		return vals[len(vals)-1] / vals[0], nil
	case ConditionSVD:
		var svd mat.SVD
		if !svd.Factorize(m, mat.SVDNone) {
			return 0, fmt.Errorf("%w: SVD did not converge", ErrSolveFailed)
		}
		vals := svd.Values(nil) // descending
		return vals[0] / vals[len(vals)-1], nil
	default:
		return 0, fmt.Errorf("%w: unknown condition number type %d", ErrBadConfig, ct)
	}
}

// acceptable treats a nil error or a gonum Condition warning (solution
// computed, but the system is ill-conditioned) as a usable solve. The
// finite check on the solution vector catches the truly singular cases.
func acceptable(err error) bool {
	if err == nil {
		return true
	}
	var cond mat.Condition
	return errors.As(err, &cond)
}

func finiteVec(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		x := v.AtVec(i)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// symFromUpper views the upper triangle of m as a symmetric matrix.
func symFromUpper(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	data := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			data[i*n+j] = m.At(i, j)
			data[j*n+i] = m.At(i, j)
		}
	}
	return mat.NewSymDense(n, data)
}

// ldltSolve factors m = L D Lᵗ without pivoting and back-substitutes. It
// reports failure on any non-positive or negligible pivot, which routes
// indefinite and semi-definite systems to the later methods in the chain.
func ldltSolve(m *mat.Dense, b *mat.VecDense) (*mat.VecDense, bool) {
	n, _ := m.Dims()
	var maxDiag float64
	for i := 0; i < n; i++ {
		if v := math.Abs(m.At(i, i)); v > maxDiag {
			maxDiag = v
		}
	}
	if maxDiag == 0 || math.IsNaN(maxDiag) || math.IsInf(maxDiag, 0) {
		return nil, false
	}
	tol := float64(n) * machEps * maxDiag

	l := mat.NewDense(n, n, nil)
	d := make([]float64, n)
	for j := 0; j < n; j++ {
		dj := m.At(j, j)
		for k := 0; k < j; k++ {
			dj -= l.At(j, k) * l.At(j, k) * d[k]
		}
		if !(dj > tol) {
			return nil, false
		}
		d[j] = dj
		for i := j + 1; i < n; i++ {
			v := m.At(i, j)
			for k := 0; k < j; k++ {
				v -= l.At(i, k) * l.At(j, k) * d[k]
			}
			l.Set(i, j, v/dj)
		}
	}

	// Solve L z = b, scale by D, then Lᵗ a = z.
	a := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		v := b.AtVec(i)
		for k := 0; k < i; k++ {
			v -= l.At(i, k) * a.AtVec(k)
		}
		a.SetVec(i, v)
	}
	for i := 0; i < n; i++ {
		a.SetVec(i, a.AtVec(i)/d[i])
	}
	for i := n - 1; i >= 0; i-- {
		v := a.AtVec(i)
		for k := i + 1; k < n; k++ {
			v -= l.At(k, i) * a.AtVec(k)
		}
		a.SetVec(i, v)
	}
	if !finiteVec(a) {
		return nil, false
	}
	return a, true
}

// eigenPseudoSolve computes a = V Λ⁺ Vᵗ b, inverting only eigenvalues that
// are non-negligible relative to the largest. Zeroed eigenvalues zero-pad
// the pseudo-inverse rather than failing the solve.
func eigenPseudoSolve(sym *mat.SymDense, b *mat.VecDense) (*mat.VecDense, error) {
	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return nil, errors.New("eigendecomposition did not converge")
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	n := b.Len()
	var eMax float64
	for _, v := range vals {
		if a := math.Abs(v); a > eMax {
			eMax = a
		}
	}
	tol := float64(n) * machEps * eMax

	a := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		if math.Abs(vals[i]) <= tol {
			continue
		}
		var dot float64
		for j := 0; j < n; j++ {
			dot += vecs.At(j, i) * b.AtVec(j)
		}
		scale := dot / vals[i]
		for j := 0; j < n; j++ {
			a.SetVec(j, a.AtVec(j)+scale*vecs.At(j, i))
		}
	}
	return a, nil
}

// pseudoInverse computes the symmetric pseudo-inverse of m, truncating
// eigenvalues whose ratio to the largest exceeds maxCond. maxCond <= 0
// truncates only negligible eigenvalues.
func pseudoInverse(m *mat.Dense, maxCond float64) (*mat.Dense, error) {
	var es mat.EigenSym
	if !es.Factorize(symFromUpper(m), true) {
		return nil, fmt.Errorf("%w: eigendecomposition did not converge", ErrSolveFailed)
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	n := len(vals)
	var eMax float64
	for _, v := range vals {
		if a := math.Abs(v); a > eMax {
			eMax = a
		}
	}
	tol := float64(n) * machEps * eMax

	inv := make([]float64, n)
	for i, v := range vals {
		switch {
		case math.Abs(v) <= tol:
			inv[i] = 0
		case maxCond > 0 && eMax/v > maxCond:
			inv[i] = 0
		default:
			inv[i] = 1 / v
		}
	}

	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var sum float64
			for k := 0; k < n; k++ {
				sum += vecs.At(i, k) * inv[k] * vecs.At(j, k)
			}
			out.Set(i, j, sum)
			out.Set(j, i, sum)
		}
	}
	return out, nil
}
