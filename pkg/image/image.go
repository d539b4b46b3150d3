// Package image provides the pixel-plane primitives consumed by the kernel
// fitting code: single-plane float64 images with an origin offset, integer
// bounding boxes with inclusive limits, and bit-plane pixel masks.
package image

import "fmt"

// Box is an integer rectangle with inclusive minimum and maximum corners.
type Box struct {
	MinX, MinY int
	MaxX, MaxY int
}

// NewBox returns the box spanning (minX,minY) to (maxX,maxY) inclusive.
func NewBox(minX, minY, maxX, maxY int) Box {
	return Box{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

// Width returns the number of columns covered by the box.
func (b Box) Width() int { return b.MaxX - b.MinX + 1 }

// Height returns the number of rows covered by the box.
func (b Box) Height() int { return b.MaxY - b.MinY + 1 }

// Area returns the number of pixels covered by the box.
func (b Box) Area() int { return b.Width() * b.Height() }

// Empty reports whether the box covers no pixels.
func (b Box) Empty() bool { return b.MaxX < b.MinX || b.MaxY < b.MinY }

// Contains reports whether the point (x, y) lies inside the box.
func (b Box) Contains(x, y int) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// ContainsBox reports whether o lies entirely inside b.
func (b Box) ContainsBox(o Box) bool {
	return b.Contains(o.MinX, o.MinY) && b.Contains(o.MaxX, o.MaxY)
}

// Shift returns the box translated by (dx, dy).
func (b Box) Shift(dx, dy int) Box {
	return Box{MinX: b.MinX + dx, MinY: b.MinY + dy, MaxX: b.MaxX + dx, MaxY: b.MaxY + dy}
}

// Intersect returns the overlap of the two boxes. The result may be empty.
func (b Box) Intersect(o Box) Box {
	r := Box{
		MinX: max(b.MinX, o.MinX),
		MinY: max(b.MinY, o.MinY),
		MaxX: min(b.MaxX, o.MaxX),
		MaxY: min(b.MaxY, o.MaxY),
	}
	return r
}

// Image is a single-plane float64 image stored in row-major order. The
// origin offset (X0, Y0) places the image within a larger frame; pixel
// access through At and Set uses local coordinates starting at (0, 0).
type Image struct {
	W, H   int
	X0, Y0 int
	Pix    []float64
}

// New returns a zero-filled image of the given dimensions with origin (0,0).
func New(w, h int) *Image {
	return NewAt(w, h, 0, 0)
}

// NewAt returns a zero-filled image of the given dimensions with the given
// origin offset.
func NewAt(w, h, x0, y0 int) *Image {
	if w < 1 || h < 1 {
		panic(fmt.Sprintf("image: invalid dimensions %dx%d", w, h))
	}
	return &Image{W: w, H: h, X0: x0, Y0: y0, Pix: make([]float64, w*h)}
}

// FromSlice wraps row-major pixel data in an Image. The data is not copied.
func FromSlice(w, h int, pix []float64) (*Image, error) {
	if len(pix) != w*h {
		return nil, fmt.Errorf("image: have %d pixels, want %d for %dx%d", len(pix), w*h, w, h)
	}
	return &Image{W: w, H: h, Pix: pix}, nil
}

// At returns the pixel at local coordinates (x, y).
func (im *Image) At(x, y int) float64 { return im.Pix[y*im.W+x] }

// Set assigns the pixel at local coordinates (x, y).
func (im *Image) Set(x, y int, v float64) { im.Pix[y*im.W+x] = v }

// Bounds returns the image extent in frame coordinates, honoring the origin.
func (im *Image) Bounds() Box {
	return Box{MinX: im.X0, MinY: im.Y0, MaxX: im.X0 + im.W - 1, MaxY: im.Y0 + im.H - 1}
}

// Clone returns a deep copy of the image.
func (im *Image) Clone() *Image {
	out := NewAt(im.W, im.H, im.X0, im.Y0)
	copy(out.Pix, im.Pix)
	return out
}

// Fill sets every pixel to v.
func (im *Image) Fill(v float64) {
	for i := range im.Pix {
		im.Pix[i] = v
	}
}

// SubImage copies the pixels covered by b (given in frame coordinates) into
// a new image whose origin is b's minimum corner.
func (im *Image) SubImage(b Box) (*Image, error) {
	if !im.Bounds().ContainsBox(b) {
		return nil, fmt.Errorf("image: box %+v outside image bounds %+v", b, im.Bounds())
	}
	out := NewAt(b.Width(), b.Height(), b.MinX, b.MinY)
	for y := 0; y < b.Height(); y++ {
		srcRow := (b.MinY - im.Y0 + y) * im.W
		copy(out.Pix[y*out.W:(y+1)*out.W], im.Pix[srcRow+b.MinX-im.X0:srcRow+b.MinX-im.X0+b.Width()])
	}
	return out, nil
}
