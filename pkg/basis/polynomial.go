package basis

import "fmt"

// Polynomial2D is a full 2-D polynomial of a given total order, linear in
// its parameters. Terms are ordered by total degree, and within a degree by
// descending power of x:
//
//	1, x, y, x², xy, y², x³, x²y, xy², y³, ...
//
// It serves as the spatial basis letting kernel and background coefficients
// vary across an image.
type Polynomial2D struct {
	order  int
	params []float64
}

// NewPolynomial2D returns the zero polynomial of the given total order.
func NewPolynomial2D(order int) (*Polynomial2D, error) {
	if order < 0 {
		return nil, fmt.Errorf("basis: polynomial order must be non-negative, got %d", order)
	}
	n := (order + 1) * (order + 2) / 2
	return &Polynomial2D{order: order, params: make([]float64, n)}, nil
}

// Order returns the total order of the polynomial.
func (p *Polynomial2D) Order() int { return p.order }

// NumParameters returns the number of polynomial coefficients.
func (p *Polynomial2D) NumParameters() int { return len(p.params) }

// Parameters returns a copy of the polynomial coefficients.
func (p *Polynomial2D) Parameters() []float64 {
	out := make([]float64, len(p.params))
	copy(out, p.params)
	return out
}

// SetParameters replaces the polynomial coefficients.
func (p *Polynomial2D) SetParameters(params []float64) error {
	if len(params) != len(p.params) {
		return fmt.Errorf("basis: have %d parameters, want %d", len(params), len(p.params))
	}
	copy(p.params, params)
	return nil
}

// Terms evaluates every monomial at (x, y) in parameter order. Because the
// polynomial is linear in its parameters, Terms(x,y)[i] equals the value of
// the polynomial with parameter i set to one and the rest to zero.
func (p *Polynomial2D) Terms(x, y float64) []float64 {
	// Powers are tabulated once to avoid math.Pow in the hot path.
	xs := make([]float64, p.order+1)
	ys := make([]float64, p.order+1)
	xs[0], ys[0] = 1, 1
	for i := 1; i <= p.order; i++ {
		xs[i] = xs[i-1] * x
		ys[i] = ys[i-1] * y
	}
	out := make([]float64, 0, len(p.params))
	for d := 0; d <= p.order; d++ {
		for j := 0; j <= d; j++ {
			out = append(out, xs[d-j]*ys[j])
		}
	}
	return out
}

// Eval returns the polynomial value at (x, y).
func (p *Polynomial2D) Eval(x, y float64) float64 {
	terms := p.Terms(x, y)
	var sum float64
	for i, t := range terms {
		sum += p.params[i] * t
	}
	return sum
}
