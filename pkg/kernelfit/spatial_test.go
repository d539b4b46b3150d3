package kernelfit

import (
	"math"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/jonathansick-shadow/ip-diffim/pkg/basis"
)

// TestSpatialParameterCounts verifies the joint system sizing, with and
// without the constant first term
func TestSpatialParameterCounts(t *testing.T) {
	bs, err := basis.DeltaFunctionSet(3, 3)
	if err != nil {
		t.Fatalf("Failed to build basis: %v", err)
	}

	// Order 1 gives 3 spatial terms per basis, order 1 background gives 3.
	sp, err := NewSpatialSolution(bs, 1, 1, true, false, nil)
	if err != nil {
		t.Fatalf("Failed to create spatial solution: %v", err)
	}
	if sp.NumParameters() != 9*3+3 {
		t.Errorf("Expected 30 parameters, got %d", sp.NumParameters())
	}

	// Constant first term saves nkt-1 parameters.
	sp, err = NewSpatialSolution(bs, 1, 1, true, true, nil)
	if err != nil {
		t.Fatalf("Failed to create spatial solution: %v", err)
	}
	if sp.NumParameters() != 8*3+1+3 {
		t.Errorf("Expected 28 parameters, got %d", sp.NumParameters())
	}

	// No background fit drops the background block entirely.
	sp, err = NewSpatialSolution(bs, 0, 2, false, false, nil)
	if err != nil {
		t.Fatalf("Failed to create spatial solution: %v", err)
	}
	if sp.NumParameters() != 9 {
		t.Errorf("Expected 9 parameters, got %d", sp.NumParameters())
	}
}

// TestSpatialOrderZeroMatchesStatic verifies that a degree-0 spatial fit of
// a single candidate reproduces the static solution
func TestSpatialOrderZeroMatchesStatic(t *testing.T) {
	bs, err := basis.DeltaFunctionSet(3, 1)
	if err != nil {
		t.Fatalf("Failed to build basis: %v", err)
	}
	trueCoeffs := []float64{0.2, 0.5, 0.3}
	trueBg := 4.0
	tmpl, sci, varEst := makeScene(t, bs, 16, 16, trueCoeffs, trueBg)

	static, err := NewStaticSolution(bs, true, nil)
	if err != nil {
		t.Fatalf("Failed to create static solution: %v", err)
	}
	if err := static.Build(tmpl, sci, varEst); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := static.Solve(); err != nil {
		t.Fatalf("Static solve failed: %v", err)
	}

	q, w, err := static.Constraint()
	if err != nil {
		t.Fatalf("Constraint failed: %v", err)
	}

	sp, err := NewSpatialSolution(bs, 0, 0, true, false, nil)
	if err != nil {
		t.Fatalf("Failed to create spatial solution: %v", err)
	}
	if err := sp.AddConstraint(100, 200, q, w); err != nil {
		t.Fatalf("AddConstraint failed: %v", err)
	}
	if err := sp.Solve(); err != nil {
		t.Fatalf("Spatial solve failed: %v", err)
	}

	sCoeffs, err := static.Coefficients()
	if err != nil {
		t.Fatalf("Coefficients failed: %v", err)
	}
	pCoeffs, err := sp.CoefficientsAt(100, 200)
	if err != nil {
		t.Fatalf("CoefficientsAt failed: %v", err)
	}
	for i := range sCoeffs {
		if math.Abs(sCoeffs[i]-pCoeffs[i]) > 1e-8 {
			t.Errorf("Coefficient %d: static %g, spatial %g", i, sCoeffs[i], pCoeffs[i])
		}
	}

	sBg, _ := static.Background()
	pBg, err := sp.BackgroundAt(100, 200)
	if err != nil {
		t.Fatalf("BackgroundAt failed: %v", err)
	}
	if math.Abs(sBg-pBg) > 1e-8 {
		t.Errorf("Background differs: static %g, spatial %g", sBg, pBg)
	}

	sSum, _ := static.KernelSum()
	pSum, err := sp.KernelSumAt(100, 200)
	if err != nil {
		t.Fatalf("KernelSumAt failed: %v", err)
	}
	if math.Abs(sSum-pSum) > 1e-8 {
		t.Errorf("Kernel sum differs: static %g, spatial %g", sSum, pSum)
	}
}

// TestSpatialConstantTruth verifies that an order-1 spatial model fed the
// same local constraint at several positions reproduces that constant
// solution everywhere
func TestSpatialConstantTruth(t *testing.T) {
	bs, err := basis.DeltaFunctionSet(3, 1)
	if err != nil {
		t.Fatalf("Failed to build basis: %v", err)
	}
	trueCoeffs := []float64{0.1, 0.7, 0.2}
	tmpl, sci, varEst := makeScene(t, bs, 16, 16, trueCoeffs, 1.5)

	static, err := NewStaticSolution(bs, true, nil)
	if err != nil {
		t.Fatalf("Failed to create static solution: %v", err)
	}
	if err := static.Build(tmpl, sci, varEst); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := static.Solve(); err != nil {
		t.Fatalf("Static solve failed: %v", err)
	}
	q, w, err := static.Constraint()
	if err != nil {
		t.Fatalf("Constraint failed: %v", err)
	}

	sp, err := NewSpatialSolution(bs, 1, 1, true, false, nil)
	if err != nil {
		t.Fatalf("Failed to create spatial solution: %v", err)
	}
	positions := [][2]float64{{0, 0}, {40, 0}, {0, 40}, {40, 40}, {20, 20}}
	for _, p := range positions {
		if err := sp.AddConstraint(p[0], p[1], q, w); err != nil {
			t.Fatalf("AddConstraint failed: %v", err)
		}
	}
	if sp.NumConstraints() != len(positions) {
		t.Errorf("Expected %d constraints, got %d", len(positions), sp.NumConstraints())
	}
	if err := sp.Solve(); err != nil {
		t.Fatalf("Spatial solve failed: %v", err)
	}

	sCoeffs, _ := static.Coefficients()
	sBg, _ := static.Background()
	for _, eval := range [][2]float64{{0, 0}, {40, 40}, {13, 27}} {
		pCoeffs, err := sp.CoefficientsAt(eval[0], eval[1])
		if err != nil {
			t.Fatalf("CoefficientsAt failed: %v", err)
		}
		for i := range sCoeffs {
			if math.Abs(sCoeffs[i]-pCoeffs[i]) > 1e-6 {
				t.Errorf("At (%g,%g) coefficient %d: static %g, spatial %g",
					eval[0], eval[1], i, sCoeffs[i], pCoeffs[i])
			}
		}
		pBg, _ := sp.BackgroundAt(eval[0], eval[1])
		if math.Abs(sBg-pBg) > 1e-6 {
			t.Errorf("At (%g,%g) background: static %g, spatial %g", eval[0], eval[1], sBg, pBg)
		}
	}
}

// TestSpatialConstantFirstTerm verifies the reduced parameterization still
// reproduces a constant truth
func TestSpatialConstantFirstTerm(t *testing.T) {
	bs, err := basis.DeltaFunctionSet(3, 1)
	if err != nil {
		t.Fatalf("Failed to build basis: %v", err)
	}
	trueCoeffs := []float64{0.3, 0.4, 0.3}
	tmpl, sci, varEst := makeScene(t, bs, 16, 16, trueCoeffs, 0.5)

	static, err := NewStaticSolution(bs, true, nil)
	if err != nil {
		t.Fatalf("Failed to create static solution: %v", err)
	}
	if err := static.Build(tmpl, sci, varEst); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := static.Solve(); err != nil {
		t.Fatalf("Static solve failed: %v", err)
	}
	q, w, err := static.Constraint()
	if err != nil {
		t.Fatalf("Constraint failed: %v", err)
	}

	sp, err := NewSpatialSolution(bs, 1, 0, true, true, nil)
	if err != nil {
		t.Fatalf("Failed to create spatial solution: %v", err)
	}
	for _, p := range [][2]float64{{0, 0}, {30, 5}, {5, 30}, {30, 30}} {
		if err := sp.AddConstraint(p[0], p[1], q, w); err != nil {
			t.Fatalf("AddConstraint failed: %v", err)
		}
	}
	if err := sp.Solve(); err != nil {
		t.Fatalf("Spatial solve failed: %v", err)
	}

	kCoeffs, err := sp.Coefficients()
	if err != nil {
		t.Fatalf("Coefficients failed: %v", err)
	}
	if len(kCoeffs[0]) != 1 {
		t.Errorf("Expected a single coefficient for the constant first term, got %d", len(kCoeffs[0]))
	}

	sCoeffs, _ := static.Coefficients()
	pCoeffs, err := sp.CoefficientsAt(15, 15)
	if err != nil {
		t.Fatalf("CoefficientsAt failed: %v", err)
	}
	for i := range sCoeffs {
		if math.Abs(sCoeffs[i]-pCoeffs[i]) > 1e-6 {
			t.Errorf("Coefficient %d: static %g, spatial %g", i, sCoeffs[i], pCoeffs[i])
		}
	}
}

// TestSpatialConcurrentAddConstraint verifies that concurrent contributions
// accumulate to the same joint system as serial ones
func TestSpatialConcurrentAddConstraint(t *testing.T) {
	bs, err := basis.DeltaFunctionSet(3, 1)
	if err != nil {
		t.Fatalf("Failed to build basis: %v", err)
	}
	tmpl, sci, varEst := makeScene(t, bs, 16, 16, []float64{0.2, 0.6, 0.2}, 1.0)

	static, err := NewStaticSolution(bs, true, nil)
	if err != nil {
		t.Fatalf("Failed to create static solution: %v", err)
	}
	if err := static.Build(tmpl, sci, varEst); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	q, w, err := static.Constraint()
	if err != nil {
		t.Fatalf("Constraint failed: %v", err)
	}

	positions := [][2]float64{{0, 0}, {10, 3}, {3, 10}, {10, 10}, {5, 5}, {7, 2}}

	serial, err := NewSpatialSolution(bs, 1, 1, true, false, nil)
	if err != nil {
		t.Fatalf("Failed to create spatial solution: %v", err)
	}
	for _, p := range positions {
		if err := serial.AddConstraint(p[0], p[1], q, w); err != nil {
			t.Fatalf("AddConstraint failed: %v", err)
		}
	}

	concurrent, err := NewSpatialSolution(bs, 1, 1, true, false, nil)
	if err != nil {
		t.Fatalf("Failed to create spatial solution: %v", err)
	}
	var wg sync.WaitGroup
	for _, p := range positions {
		wg.Add(1)
		go func(x, y float64) {
			defer wg.Done()
			if err := concurrent.AddConstraint(x, y, q, w); err != nil {
				t.Errorf("AddConstraint failed: %v", err)
			}
		}(p[0], p[1])
	}
	wg.Wait()

	mS, bS, err := serial.NormalEquations()
	if err != nil {
		t.Fatalf("NormalEquations failed: %v", err)
	}
	mC, bC, err := concurrent.NormalEquations()
	if err != nil {
		t.Fatalf("NormalEquations failed: %v", err)
	}

	n := serial.NumParameters()
	for i := 0; i < n; i++ {
		if math.Abs(bS.AtVec(i)-bC.AtVec(i)) > 1e-9 {
			t.Fatalf("B vectors differ at %d", i)
		}
		for j := 0; j < n; j++ {
			if math.Abs(mS.At(i, j)-mC.At(i, j)) > 1e-9 {
				t.Fatalf("M matrices differ at (%d,%d)", i, j)
			}
		}
	}
}

// TestSpatialZeroConstraints verifies that solving an empty joint system
// does not crash; the all-zero outcome is for the caller to reject
func TestSpatialZeroConstraints(t *testing.T) {
	bs, err := basis.DeltaFunctionSet(3, 1)
	if err != nil {
		t.Fatalf("Failed to build basis: %v", err)
	}
	sp, err := NewSpatialSolution(bs, 1, 1, true, false, nil)
	if err != nil {
		t.Fatalf("Failed to create spatial solution: %v", err)
	}
	if err := sp.Solve(); err != nil {
		t.Fatalf("Solving an empty system should not fail: %v", err)
	}
	coeffs, err := sp.CoefficientsAt(0, 0)
	if err != nil {
		t.Fatalf("CoefficientsAt failed: %v", err)
	}
	for i, c := range coeffs {
		if c != 0 {
			t.Errorf("Expected zero coefficient %d, got %g", i, c)
		}
	}
}

// TestSpatialConstraintValidation verifies dimension checking
func TestSpatialConstraintValidation(t *testing.T) {
	bs, err := basis.DeltaFunctionSet(3, 1)
	if err != nil {
		t.Fatalf("Failed to build basis: %v", err)
	}
	sp, err := NewSpatialSolution(bs, 1, 1, true, false, nil)
	if err != nil {
		t.Fatalf("Failed to create spatial solution: %v", err)
	}

	q := mat.NewDense(2, 2, nil)
	w := mat.NewVecDense(2, nil)
	if err := sp.AddConstraint(0, 0, q, w); err == nil {
		t.Error("Expected error for a wrongly sized constraint")
	}
}
