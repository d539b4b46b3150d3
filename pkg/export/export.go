// Package export writes fit results and diagnostics to disk: matrices and
// image planes as .npy files, and grayscale renderings of kernels and
// difference images as PNG files.
package export

import (
	"fmt"
	stdimage "image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"github.com/jonathansick-shadow/ip-diffim/pkg/image"
)

// WriteMatrixNpy writes a dense matrix to an .npy file.
func WriteMatrixNpy(fileName string, m *mat.Dense) error {
	if err := os.MkdirAll(filepath.Dir(fileName), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	f, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", fileName, err)
	}
	defer f.Close()

	if err := npyio.Write(f, m); err != nil {
		return fmt.Errorf("error writing %s: %w", fileName, err)
	}
	return f.Close()
}

// ReadMatrixNpy reads a dense matrix from an .npy file.
func ReadMatrixNpy(fileName string) (*mat.Dense, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", fileName, err)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", fileName, err)
	}

	m := &mat.Dense{}
	if err := r.Read(m); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", fileName, err)
	}
	return m, nil
}

// WriteImageNpy writes an image plane to an .npy file.
func WriteImageNpy(fileName string, img *image.Image) error {
	m := mat.NewDense(img.H, img.W, nil)
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			m.Set(y, x, img.Pix[y*img.W+x])
		}
	}
	return WriteMatrixNpy(fileName, m)
}

// ReadImageNpy reads an image plane from an .npy file. The plane's origin is
// placed at (0, 0).
func ReadImageNpy(fileName string) (*image.Image, error) {
	m, err := ReadMatrixNpy(fileName)
	if err != nil {
		return nil, err
	}

	h, w := m.Dims()
	img := image.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Pix[y*w+x] = m.At(y, x)
		}
	}
	return img, nil
}

// WriteImagePNG renders an image plane as a 16-bit grayscale PNG. Pixel
// values are linearly rescaled so the minimum maps to black and the maximum
// to white; non-finite pixels render as black.
func WriteImagePNG(fileName string, img *image.Image) error {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range img.Pix {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	scale := 0.0
	if hi > lo {
		scale = 65535.0 / (hi - lo)
	}

	out := stdimage.NewGray16(stdimage.Rect(0, 0, img.W, img.H))
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			v := img.Pix[y*img.W+x]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				out.SetGray16(x, y, color.Gray16{Y: 0})
				continue
			}
			value := uint16(math.Max(0, math.Min(65535, (v-lo)*scale)))
			out.SetGray16(x, y, color.Gray16{Y: value})
		}
	}

	if err := os.MkdirAll(filepath.Dir(fileName), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	f, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", fileName, err)
	}
	defer f.Close()

	if err := png.Encode(f, out); err != nil {
		return fmt.Errorf("error encoding %s: %w", fileName, err)
	}
	return f.Close()
}
