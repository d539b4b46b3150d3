// Package diffim implements PSF-matched image differencing. It carves a
// frame into candidate stamps, fits a matching kernel to each stamp with
// pkg/kernelfit, generalizes the accepted fits across the frame, and
// produces the difference image D = science - (kernel (x) template +
// background).
package diffim

import (
	"github.com/jonathansick-shadow/ip-diffim/pkg/image"
)

// Candidate is a stamp of the frame on which a local kernel fit runs. X and
// Y are the stamp center in frame coordinates, where the spatial model is
// evaluated.
type Candidate struct {
	Box image.Box
	X   float64
	Y   float64
}

// GridCandidates slices a frame bounding box into a regular grid of
// candidate stamps of the given size. Cells at the right and bottom edges
// are clipped to the box and may be smaller than stampSize.
func GridCandidates(box image.Box, stampSize int) []Candidate {
	if stampSize < 1 || box.Empty() {
		return nil
	}

	var out []Candidate
	for y := box.MinY; y <= box.MaxY; y += stampSize {
		for x := box.MinX; x <= box.MaxX; x += stampSize {
			cell := image.NewBox(x, y, x+stampSize-1, y+stampSize-1).Intersect(box)
			if cell.Empty() {
				continue
			}
			out = append(out, Candidate{
				Box: cell,
				X:   float64(cell.MinX+cell.MaxX) / 2,
				Y:   float64(cell.MinY+cell.MaxY) / 2,
			})
		}
	}
	return out
}

// ConvolveAndSubtract computes D = sci - (k (x) tmpl + background). Pixels
// outside the valid convolution region of tmpl are set to zero.
func ConvolveAndSubtract(tmpl, sci *image.Image, k image.Kernel, background float64) *image.Image {
	conv := image.Convolve(tmpl, k)
	valid := image.ValidBox(tmpl.Bounds(), k)

	out := image.NewAt(sci.W, sci.H, sci.X0, sci.Y0)
	for y := valid.MinY; y <= valid.MaxY; y++ {
		for x := valid.MinX; x <= valid.MaxX; x++ {
			lx, ly := x-sci.X0, y-sci.Y0
			out.Set(lx, ly, sci.At(lx, ly)-conv.At(x-conv.X0, y-conv.Y0)-background)
		}
	}
	return out
}
