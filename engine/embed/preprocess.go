package embed

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxPixels bounds the decoded size of an input image.
const MaxPixels = 40_000_000

var (
	// ErrEmptyImage is returned for zero-length input.
	ErrEmptyImage = errors.New("empty image data")
	// ErrImageTooLarge is returned when the header declares more than
	// MaxPixels pixels.
	ErrImageTooLarge = errors.New("image too large")
)

// Preprocess decodes data, resizes it to size×size with Catmull-Rom
// resampling and returns an NCHW float tensor (batch 1, RGB planes, values in
// [0,1]). The aspect ratio is not preserved.
func Preprocess(data []byte, size int) ([]float32, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("decode %s %dx%d: %w", format, cfg.Width, cfg.Height, ErrImageTooLarge)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decode %s: zero-sized image", format)
	}
	return ToTensor(img, size), nil
}

// ToTensor resizes img and lays it out channel-first.
func ToTensor(img image.Image, size int) []float32 {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := dst.PixOffset(x, y)
			p := y*size + x
			out[p] = float32(dst.Pix[i]) / 255
			out[plane+p] = float32(dst.Pix[i+1]) / 255
			out[2*plane+p] = float32(dst.Pix[i+2]) / 255
		}
	}
	return out
}
