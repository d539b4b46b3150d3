package kernelfit

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/jonathansick-shadow/ip-diffim/pkg/basis"
	"github.com/jonathansick-shadow/ip-diffim/pkg/image"
)

// MaskedSolution is a StaticSolution whose build drops pixels flagged in a
// bad-pixel mask, or pixels inside an excluded rectangle (a saturated core,
// for example).
type MaskedSolution struct {
	StaticSolution
}

// NewMaskedSolution prepares a masked local fit over the given basis set.
func NewMaskedSolution(bs basis.Set, fitForBackground bool, log *zap.Logger) (*MaskedSolution, error) {
	inner, err := NewStaticSolution(bs, fitForBackground, log)
	if err != nil {
		return nil, err
	}
	return &MaskedSolution{StaticSolution: *inner}, nil
}

// Build assembles the normal equations like StaticSolution.Build but skips
// every pixel whose mask has any of the Bad, Saturated or Edge planes set.
// Remaining pixels are compacted contiguously; their order is consistent
// across all planes of one build.
func (s *MaskedSolution) Build(tmpl, sci, varEst *image.Image, pixelMask *image.Mask) error {
	if err := checkPlanes(tmpl, sci, varEst); err != nil {
		return err
	}
	if pixelMask.W != tmpl.W || pixelMask.H != tmpl.H {
		return fmt.Errorf("kernelfit: mask %dx%d does not match image %dx%d",
			pixelMask.W, pixelMask.H, tmpl.W, tmpl.H)
	}
	good, err := s.validRegion(tmpl)
	if err != nil {
		return err
	}

	idx := make([]int, 0, good.Area())
	for y := good.MinY; y <= good.MaxY; y++ {
		for x := good.MinX; x <= good.MaxX; x++ {
			if pixelMask.At(x, y)&image.BadPixelPlanes != 0 {
				continue
			}
			idx = append(idx, y*tmpl.W+x)
		}
	}
	s.log.Debug("masked build",
		zap.Int("goodPixels", len(idx)), zap.Int("regionPixels", good.Area()))
	return s.assemble(tmpl, sci, varEst, idx)
}

// BuildWithMaskBox assembles the normal equations excluding every pixel
// inside maskBox (given in frame coordinates). The contributing pixels are
// the four rectangular strips surrounding the box within the valid
// convolution region:
//
//	|---------------------|
//	|         Top         |
//	|......_________......|
//	|      |       |      |
//	|  L   |  Box  |  R   |
//	|      |       |      |
//	|......---------......|
//	|        Bottom       |
//	|---------------------|
//
// A mask box that does not intersect the valid region degenerates to the
// plain unmasked build.
func (s *MaskedSolution) BuildWithMaskBox(tmpl, sci, varEst *image.Image, maskBox image.Box) error {
	if err := checkPlanes(tmpl, sci, varEst); err != nil {
		return err
	}
	good, err := s.validRegion(tmpl)
	if err != nil {
		return err
	}

	// Frame to local coordinates, then clamp to the valid region.
	mb := maskBox.Shift(-tmpl.X0, -tmpl.Y0).Intersect(good)
	if mb.Empty() {
		s.log.Debug("mask box outside valid region, using full region")
		return s.assemble(tmpl, sci, varEst, boxIndices(tmpl, good))
	}

	strips := []image.Box{
		image.NewBox(good.MinX, mb.MaxY+1, good.MaxX, good.MaxY),  // top
		image.NewBox(good.MinX, good.MinY, good.MaxX, mb.MinY-1),  // bottom
		image.NewBox(good.MinX, mb.MinY, mb.MinX-1, mb.MaxY),      // left
		image.NewBox(mb.MaxX+1, mb.MinY, good.MaxX, mb.MaxY),      // right
	}

	var idx []int
	for _, strip := range strips {
		if strip.Empty() {
			continue
		}
		idx = append(idx, boxIndices(tmpl, strip)...)
	}
	s.log.Debug("box-excluded build",
		zap.Int("goodPixels", len(idx)), zap.Int("excludedPixels", mb.Area()))
	return s.assemble(tmpl, sci, varEst, idx)
}
