package image

// Plane is a single named bit plane of a pixel mask.
type Plane uint16

// Mask bit planes. Planes combine with bitwise OR.
const (
	Bad Plane = 1 << iota
	Saturated
	Edge
	Interpolated
	Detected
)

// BadPixelPlanes is the default set of planes that exclude a pixel from a
// kernel fit.
const BadPixelPlanes = Bad | Saturated | Edge

// Mask is a bit-plane pixel mask aligned with an Image of the same
// dimensions and origin.
type Mask struct {
	W, H   int
	X0, Y0 int
	Bits   []Plane
}

// NewMask returns a cleared mask of the given dimensions with origin (0,0).
func NewMask(w, h int) *Mask {
	return NewMaskAt(w, h, 0, 0)
}

// NewMaskAt returns a cleared mask of the given dimensions and origin.
func NewMaskAt(w, h, x0, y0 int) *Mask {
	return &Mask{W: w, H: h, X0: x0, Y0: y0, Bits: make([]Plane, w*h)}
}

// At returns the planes set at local coordinates (x, y).
func (m *Mask) At(x, y int) Plane { return m.Bits[y*m.W+x] }

// SetPlane ORs p into the mask at local coordinates (x, y).
func (m *Mask) SetPlane(x, y int, p Plane) { m.Bits[y*m.W+x] |= p }

// Bounds returns the mask extent in frame coordinates.
func (m *Mask) Bounds() Box {
	return Box{MinX: m.X0, MinY: m.Y0, MaxX: m.X0 + m.W - 1, MaxY: m.Y0 + m.H - 1}
}

// MarkEdge sets the Edge plane on every pixel that a convolution with k
// cannot compute from fully valid data.
func MarkEdge(m *Mask, k Kernel) {
	local := Box{MinX: 0, MinY: 0, MaxX: m.W - 1, MaxY: m.H - 1}
	good := ValidBox(local, k)
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if !good.Contains(x, y) {
				m.SetPlane(x, y, Edge)
			}
		}
	}
}
