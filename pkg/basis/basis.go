// Package basis provides the fixed kernel basis sets that a difference
// imaging fit combines linearly, the finite-difference regularization
// matrices that damp them, and the 2-D polynomials used for spatial
// variation of the fitted coefficients.
package basis

import (
	"fmt"
	"math"
)

// Function is an immutable small 2-D convolution kernel with a fixed center
// pixel. It satisfies image.Kernel.
type Function struct {
	w, h   int
	cx, cy int
	data   []float64
}

// NewFunction builds a basis function from row-major weights. The weight
// slice is copied.
func NewFunction(w, h, cx, cy int, data []float64) (*Function, error) {
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("basis: invalid kernel dimensions %dx%d", w, h)
	}
	if cx < 0 || cx >= w || cy < 0 || cy >= h {
		return nil, fmt.Errorf("basis: center (%d,%d) outside %dx%d kernel", cx, cy, w, h)
	}
	if len(data) != w*h {
		return nil, fmt.Errorf("basis: have %d weights, want %d", len(data), w*h)
	}
	d := make([]float64, len(data))
	copy(d, data)
	return &Function{w: w, h: h, cx: cx, cy: cy, data: d}, nil
}

// Dims returns the kernel width and height.
func (f *Function) Dims() (w, h int) { return f.w, f.h }

// Center returns the center pixel index along each axis.
func (f *Function) Center() (cx, cy int) { return f.cx, f.cy }

// At returns the kernel weight at (x, y).
func (f *Function) At(x, y int) float64 { return f.data[y*f.w+x] }

// Sum returns the sum of all kernel weights.
func (f *Function) Sum() float64 {
	var s float64
	for _, v := range f.data {
		s += v
	}
	return s
}

// Set is an ordered, non-empty list of basis functions of identical
// dimensions. The position of a function in the set determines its column
// in the fit's design matrix.
type Set []*Function

// Validate checks the set invariants: non-empty, uniform dimensions and
// uniform center.
func (s Set) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("basis: empty basis set")
	}
	w0, h0 := s[0].Dims()
	cx0, cy0 := s[0].Center()
	for i, f := range s {
		w, h := f.Dims()
		cx, cy := f.Center()
		if w != w0 || h != h0 || cx != cx0 || cy != cy0 {
			return fmt.Errorf("basis: function %d is %dx%d center (%d,%d), want %dx%d center (%d,%d)",
				i, w, h, cx, cy, w0, h0, cx0, cy0)
		}
	}
	return nil
}

// Dims returns the common dimensions of the set.
func (s Set) Dims() (w, h int) { return s[0].Dims() }

// Realize combines the basis functions with the given coefficients into a
// single kernel. len(coeffs) must equal len(s).
func (s Set) Realize(coeffs []float64) (*Function, error) {
	if len(coeffs) != len(s) {
		return nil, fmt.Errorf("basis: have %d coefficients for %d basis functions", len(coeffs), len(s))
	}
	w, h := s.Dims()
	cx, cy := s[0].Center()
	data := make([]float64, w*h)
	for i, f := range s {
		c := coeffs[i]
		for j := range data {
			data[j] += c * f.data[j]
		}
	}
	return &Function{w: w, h: h, cx: cx, cy: cy, data: data}, nil
}

// DeltaFunctionSet builds the w*h set of delta-function kernels in
// row-major order: function i is 1 at pixel i and 0 elsewhere.
func DeltaFunctionSet(w, h int) (Set, error) {
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("basis: delta function set dimensions must be positive, got %dx%d", w, h)
	}
	cx, cy := w/2, h/2
	set := make(Set, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data := make([]float64, w*h)
			data[y*w+x] = 1.0
			set = append(set, &Function{w: w, h: h, cx: cx, cy: cy, data: data})
		}
	}
	return set, nil
}

// GaussianBasisSet builds an Alard-Lupton style basis: for each Gaussian
// width sigmas[i], the Gaussian envelope multiplied by every 2-D monomial
// of total degree up to degrees[i]. Kernels are (2*halfWidth+1) square with
// the center pixel in the middle.
func GaussianBasisSet(halfWidth int, sigmas []float64, degrees []int) (Set, error) {
	if halfWidth < 1 {
		return nil, fmt.Errorf("basis: halfWidth must be positive, got %d", halfWidth)
	}
	if len(sigmas) == 0 || len(sigmas) != len(degrees) {
		return nil, fmt.Errorf("basis: have %d sigmas and %d degrees; want equal and non-zero",
			len(sigmas), len(degrees))
	}
	size := 2*halfWidth + 1
	var set Set
	for g, sig := range sigmas {
		if sig <= 0 {
			return nil, fmt.Errorf("basis: sigma %d must be positive, got %g", g, sig)
		}
		deg := degrees[g]
		if deg < 0 {
			return nil, fmt.Errorf("basis: degree %d must be non-negative, got %d", g, deg)
		}
		for d := 0; d <= deg; d++ {
			for j := 0; j <= d; j++ {
				data := make([]float64, size*size)
				for y := 0; y < size; y++ {
					dy := float64(y - halfWidth)
					for x := 0; x < size; x++ {
						dx := float64(x - halfWidth)
						env := math.Exp(-(dx*dx + dy*dy) / (2 * sig * sig))
						data[y*size+x] = env * math.Pow(dx, float64(d-j)) * math.Pow(dy, float64(j))
					}
				}
				set = append(set, &Function{w: size, h: size, cx: halfWidth, cy: halfWidth, data: data})
			}
		}
	}
	return set, nil
}

// Renormalize rescales a basis set so the first kernel sums to one, every
// later kernel sums to zero, and every later kernel has unit L2 norm. The
// input set is not modified.
func Renormalize(in Set) (Set, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	w, h := in.Dims()
	cx, cy := in[0].Center()

	out := make(Set, len(in))

	s0 := in[0].Sum()
	if s0 == 0 {
		return nil, fmt.Errorf("basis: first kernel sums to zero; cannot renormalize")
	}
	d0 := make([]float64, w*h)
	for i, v := range in[0].data {
		d0[i] = v / s0
	}
	out[0] = &Function{w: w, h: h, cx: cx, cy: cy, data: d0}

	for k := 1; k < len(in); k++ {
		// Subtract the kernel sum times the first (sum-1) kernel, which
		// zeroes the sum, then rescale to unit L2 norm.
		s := in[k].Sum()
		d := make([]float64, w*h)
		var norm2 float64
		for i, v := range in[k].data {
			d[i] = v - s*d0[i]
			norm2 += d[i] * d[i]
		}
		if norm2 == 0 {
			return nil, fmt.Errorf("basis: kernel %d vanishes after renormalization", k)
		}
		norm := math.Sqrt(norm2)
		for i := range d {
			d[i] /= norm
		}
		out[k] = &Function{w: w, h: h, cx: cx, cy: cy, data: d}
	}
	return out, nil
}
