package kernelfit

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// TestSolveWellConditioned verifies that a positive definite system is
// solved by the first method in the chain and satisfies M a = B
func TestSolveWellConditioned(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{4, 1, 1, 3})
	b := mat.NewVecDense(2, []float64{1, 2})

	a, by, err := Solve(m, b, nil)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if by != SolvedByCholeskyLDLT {
		t.Errorf("Expected cholesky-ldlt, got %s", by)
	}

	r := residual(m, a, b)
	if r > 1e-12 {
		t.Errorf("Expected residual near zero, got %g", r)
	}
}

// TestSolveSingular verifies the fallback chain on an exactly singular but
// consistent system: the direct methods fail and the eigendecomposition
// pseudo-inverse produces the minimum-norm solution
func TestSolveSingular(t *testing.T) {
	// Rank one: rows identical, B in the column space.
	m := mat.NewDense(2, 2, []float64{1, 1, 1, 1})
	b := mat.NewVecDense(2, []float64{2, 2})

	a, by, err := Solve(m, b, nil)
	if err != nil {
		t.Fatalf("Solve failed on a consistent singular system: %v", err)
	}
	if by != SolvedByEigen {
		t.Errorf("Expected eigen fallback, got %s", by)
	}

	r := residual(m, a, b)
	if r > 1e-10 {
		t.Errorf("Expected M a = B on the consistent system, got residual %g", r)
	}
	// Minimum-norm solution of this system is (1, 1).
	if math.Abs(a.AtVec(0)-1) > 1e-10 || math.Abs(a.AtVec(1)-1) > 1e-10 {
		t.Errorf("Expected minimum-norm solution (1,1), got (%g,%g)", a.AtVec(0), a.AtVec(1))
	}
}

// TestSolveChainAgreement verifies that a solution from deeper in the chain
// matches the first method on a well-posed system
func TestSolveChainAgreement(t *testing.T) {
	m := mat.NewDense(3, 3, []float64{
		6, 2, 1,
		2, 5, 2,
		1, 2, 4,
	})
	b := mat.NewVecDense(3, []float64{1, -2, 3})

	a, _, err := Solve(m, b, nil)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	sym := symFromUpper(m)
	eig, err := eigenPseudoSolve(sym, b)
	if err != nil {
		t.Fatalf("Eigen solve failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if math.Abs(a.AtVec(i)-eig.AtVec(i)) > 1e-10 {
			t.Errorf("Component %d disagrees with eigen: %g vs %g", i, a.AtVec(i), eig.AtVec(i))
		}
	}

	var lu mat.LU
	lu.Factorize(m)
	var luA mat.VecDense
	if err := lu.SolveVecTo(&luA, false, b); err != nil {
		t.Fatalf("LU solve failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if math.Abs(a.AtVec(i)-luA.AtVec(i)) > 1e-10 {
			t.Errorf("Component %d disagrees with LU: %g vs %g", i, a.AtVec(i), luA.AtVec(i))
		}
	}
}

// TestSolveFailure verifies the terminal error on a system no method can
// handle
func TestSolveFailure(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{math.NaN(), 0, 0, 1})
	b := mat.NewVecDense(2, []float64{1, 1})

	_, by, err := Solve(m, b, nil)
	if err == nil {
		t.Fatal("Expected an error for a NaN system")
	}
	if !errors.Is(err, ErrSolveFailed) {
		t.Errorf("Expected ErrSolveFailed, got %v", err)
	}
	if by != SolvedByNone {
		t.Errorf("Expected no method tag on failure, got %s", by)
	}
}

// TestConditionNumber verifies the eigenvalue-ratio diagnostic against a
// diagonal matrix with a known spread
func TestConditionNumber(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{1, 0, 0, 1e-12})

	for _, ct := range []ConditionType{ConditionEigenvalue, ConditionSVD} {
		cond, err := ConditionNumber(m, ct)
		if err != nil {
			t.Fatalf("ConditionNumber failed: %v", err)
		}
		if math.Abs(cond-1e12)/1e12 > 1e-6 {
			t.Errorf("Expected condition number 1e12, got %g", cond)
		}
	}

	ident := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	cond, err := ConditionNumber(ident, ConditionEigenvalue)
	if err != nil {
		t.Fatalf("ConditionNumber failed: %v", err)
	}
	if math.Abs(cond-1) > 1e-12 {
		t.Errorf("Expected condition number 1 for the identity, got %g", cond)
	}
}

// TestLDLTSolve verifies the hand-rolled factorization directly
func TestLDLTSolve(t *testing.T) {
	m := mat.NewDense(3, 3, []float64{
		4, 2, 0,
		2, 5, 3,
		0, 3, 6,
	})
	b := mat.NewVecDense(3, []float64{2, 1, 0})

	a, ok := ldltSolve(m, b)
	if !ok {
		t.Fatal("LDLT should succeed on a positive definite matrix")
	}
	if r := residual(m, a, b); r > 1e-12 {
		t.Errorf("Expected residual near zero, got %g", r)
	}

	indef := mat.NewDense(2, 2, []float64{1, 2, 2, 1})
	if _, ok := ldltSolve(indef, mat.NewVecDense(2, []float64{1, 1})); ok {
		t.Error("LDLT should reject an indefinite matrix")
	}
}

// TestSolvedByString verifies the method names used in logs
func TestSolvedByString(t *testing.T) {
	cases := map[SolvedBy]string{
		SolvedByNone:         "none",
		SolvedByCholeskyLDLT: "cholesky-ldlt",
		SolvedByCholeskyLLT:  "cholesky-llt",
		SolvedByLU:           "lu",
		SolvedByEigen:        "eigen",
	}
	for by, want := range cases {
		if by.String() != want {
			t.Errorf("Expected %q, got %q", want, by.String())
		}
	}
}

func residual(m *mat.Dense, a, b *mat.VecDense) float64 {
	n, _ := m.Dims()
	r := mat.NewVecDense(n, nil)
	r.MulVec(m, a)
	var worst float64
	for i := 0; i < n; i++ {
		worst = math.Max(worst, math.Abs(r.AtVec(i)-b.AtVec(i)))
	}
	return worst
}
