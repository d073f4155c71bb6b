package preprocess

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	ts "github.com/sugarme/gotch/tensor"
	"golang.org/x/image/draw"

	"github.com/sugarme/pspseg/config"
)

// readImage reads image from file.
func readImage(filename string) (image.Image, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".tiff", ".tif":
		f, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return tiff.Decode(f)
	case ".png", ".jpg", ".jpeg", ".bmp", ".gif":
		return imaging.Open(filename, imaging.AutoOrientation(true))
	default:
		return nil, fmt.Errorf("unsupported image format: %v", ext)
	}
}

// LoadImage reads an image file and returns a [C H W] float tensor with
// values in [0, 255], resized to shape. Only 3-channel (RGB) shapes are
// supported; alpha is discarded.
func LoadImage(filename string, shape config.Shape) (*ts.Tensor, error) {
	if shape.Channels != 3 {
		return nil, errors.Errorf("only 3 channel images are supported, got %d", shape.Channels)
	}

	img, err := readImage(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read image %s", filename)
	}

	return ImageToTensor(img, shape), nil
}

// ImageToTensor resizes img to shape with Lanczos3 and converts it to a
// [C H W] float tensor with values in [0, 255].
func ImageToTensor(img image.Image, shape config.Shape) *ts.Tensor {
	b := img.Bounds()
	if int64(b.Dx()) != shape.Width || int64(b.Dy()) != shape.Height {
		img = resize.Resize(uint(shape.Width), uint(shape.Height), img, resize.Lanczos3)
	}

	rgba := image.NewRGBA(image.Rect(0, 0, int(shape.Width), int(shape.Height)))
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)

	h, w := int(shape.Height), int(shape.Width)
	plane := h * w
	vals := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := rgba.PixOffset(x, y)
			j := y*w + x
			vals[j] = float32(rgba.Pix[i])
			vals[plane+j] = float32(rgba.Pix[i+1])
			vals[2*plane+j] = float32(rgba.Pix[i+2])
		}
	}

	return ts.MustOfSlice(vals).MustView([]int64{3, shape.Height, shape.Width}, true)
}
