package image

// Kernel is the view of a small convolution kernel that image operations
// need: fixed dimensions, a center pixel, and per-pixel weights.
type Kernel interface {
	// Dims returns the kernel width and height.
	Dims() (w, h int)
	// Center returns the index of the center pixel along each axis.
	Center() (cx, cy int)
	// At returns the kernel weight at (x, y), 0 <= x < w, 0 <= y < h.
	At(x, y int) float64
}

// ValidBox shrinks b to the region where a convolution with k is computed
// from fully valid input. A kernel of width w with center index cx
// contaminates cx pixels on the leading edge and w-cx-1 on the trailing
// edge of each row, and likewise per column.
func ValidBox(b Box, k Kernel) Box {
	w, h := k.Dims()
	cx, cy := k.Center()
	return Box{
		MinX: b.MinX + cx,
		MinY: b.MinY + cy,
		MaxX: b.MaxX - (w - cx - 1),
		MaxY: b.MaxY - (h - cy - 1),
	}
}

// Convolve applies k to src and returns an image of identical dimensions
// and origin. The kernel is applied unflipped:
//
//	out(x,y) = sum_{u,v} k(u,v) * src(x+u-cx, y+v-cy)
//
// Border pixels whose stencil extends outside the image are left at zero;
// use ValidBox to find the usable region, or MarkEdge to flag the border in
// a mask.
func Convolve(src *Image, k Kernel) *Image {
	kw, kh := k.Dims()
	cx, cy := k.Center()
	out := NewAt(src.W, src.H, src.X0, src.Y0)

	for y := cy; y <= src.H-1-(kh-cy-1); y++ {
		for x := cx; x <= src.W-1-(kw-cx-1); x++ {
			var sum float64
			for v := 0; v < kh; v++ {
				row := (y + v - cy) * src.W
				for u := 0; u < kw; u++ {
					sum += k.At(u, v) * src.Pix[row+x+u-cx]
				}
			}
			out.Pix[y*out.W+x] = sum
		}
	}
	return out
}
