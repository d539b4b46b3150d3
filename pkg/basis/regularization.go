package basis

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// BoundaryStyle selects how finite-difference stencils behave at the edges
// of the basis pixel grid.
type BoundaryStyle int

const (
	// BoundaryUnwrapped drops stencil rows that would read outside the grid.
	BoundaryUnwrapped BoundaryStyle = iota
	// BoundaryWrapped wraps stencil taps around the grid edges.
	BoundaryWrapped
)

// DifferenceStyle selects the finite-difference stencil family.
type DifferenceStyle int

const (
	DifferenceForward DifferenceStyle = iota
	DifferenceCentral
)

// forward and central difference stencils by derivative order. Offsets are
// relative pixel positions along the differenced axis.
var fdStencils = map[DifferenceStyle]map[int]struct {
	offsets []int
	weights []float64
}{
	DifferenceForward: {
		1: {offsets: []int{0, 1}, weights: []float64{-1, 1}},
		2: {offsets: []int{0, 1, 2}, weights: []float64{1, -2, 1}},
		3: {offsets: []int{0, 1, 2, 3}, weights: []float64{-1, 3, -3, 1}},
	},
	DifferenceCentral: {
		1: {offsets: []int{-1, 0, 1}, weights: []float64{-0.5, 0, 0.5}},
		2: {offsets: []int{-1, 0, 1}, weights: []float64{1, -2, 1}},
	},
}

// FiniteDifferenceRegularization builds the symmetric penalty matrix
// H = DᵗD for a w x h delta-function basis, where D stacks the chosen
// finite-difference stencil applied along both axes at every basis pixel.
// Adding lambda*H to the normal equations penalizes the squared discrete
// derivative of the basis-coefficient vector, damping unsmooth kernels.
func FiniteDifferenceRegularization(w, h, order int, bnd BoundaryStyle, diff DifferenceStyle) (*mat.Dense, error) {
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("basis: regularization dimensions must be positive, got %dx%d", w, h)
	}
	stencils, ok := fdStencils[diff]
	if !ok {
		return nil, fmt.Errorf("basis: unrecognized difference style %d", diff)
	}
	st, ok := stencils[order]
	if !ok {
		return nil, fmt.Errorf("basis: difference style %d has no order-%d stencil", diff, order)
	}

	n := w * h
	var rows [][]float64

	addRow := func(px, py int, alongX bool) {
		row := make([]float64, n)
		for i, off := range st.offsets {
			x, y := px, py
			if alongX {
				x += off
			} else {
				y += off
			}
			switch bnd {
			case BoundaryWrapped:
				x = ((x % w) + w) % w
				y = ((y % h) + h) % h
			case BoundaryUnwrapped:
				if x < 0 || x >= w || y < 0 || y >= h {
					return
				}
			}
			row[y*w+x] += st.weights[i]
		}
		rows = append(rows, row)
	}

	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			addRow(px, py, true)
			addRow(px, py, false)
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("basis: no usable stencil rows for %dx%d order %d", w, h, order)
	}

	d := mat.NewDense(len(rows), n, nil)
	for i, row := range rows {
		d.SetRow(i, row)
	}
	hMat := mat.NewDense(n, n, nil)
	hMat.Mul(d.T(), d)
	return hMat, nil
}
