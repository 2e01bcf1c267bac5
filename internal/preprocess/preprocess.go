// Package preprocess turns uploaded image bytes into the normalized CHW
// tensor the encoder was trained on.
package preprocess

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/caption-api/internal/errs"
)

const (
	DefaultSize = 224
	Channels    = 3

	// DefaultMaxPixels bounds the decoded pixel grid of an upload.
	DefaultMaxPixels = 50_000_000
)

var (
	// ImageNet statistics, in RGB order.
	DefaultMean = [Channels]float32{0.485, 0.456, 0.406}
	DefaultStd  = [Channels]float32{0.229, 0.224, 0.225}
)

// Tensor is a single normalized image laid out as [1, C, H, W].
type Tensor struct {
	Data   []float32
	Height int
	Width  int
}

// Shape returns the NCHW shape of t.
func (t *Tensor) Shape() []int64 {
	return []int64{1, Channels, int64(t.Height), int64(t.Width)}
}

// Len is the number of values a tensor of the given edge length holds.
func Len(size int) int {
	return Channels * size * size
}

type Config struct {
	Size          int
	Mean          [Channels]float32
	Std           [Channels]float32
	Interpolation resize.InterpolationFunction
	// MaxPixels rejects images whose declared width*height exceeds it.
	MaxPixels int64
}

func DefaultConfig() Config {
	return Config{
		Size:          DefaultSize,
		Mean:          DefaultMean,
		Std:           DefaultStd,
		Interpolation: resize.Bilinear,
		MaxPixels:     DefaultMaxPixels,
	}
}

// Preprocessor is stateless and safe for concurrent use.
type Preprocessor struct {
	cfg Config
}

func New(cfg Config) *Preprocessor {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	for c := 0; c < Channels; c++ {
		if cfg.Std[c] == 0 {
			cfg.Mean = DefaultMean
			cfg.Std = DefaultStd
			break
		}
	}
	return &Preprocessor{cfg: cfg}
}

// Size is the edge length of produced tensors.
func (p *Preprocessor) Size() int { return p.cfg.Size }

// Process decodes data and normalizes it. Any failure is an errs.ErrDecode.
func (p *Preprocessor) Process(data []byte) (*Tensor, error) {
	if len(data) == 0 {
		return nil, errs.New(errs.ErrDecode, "empty image")
	}
	// Reject oversized grids from the header, before any pixels are allocated.
	hdr, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Mark(errs.ErrDecode, err, "invalid image format")
	}
	if pixels := int64(hdr.Width) * int64(hdr.Height); hdr.Width <= 0 || hdr.Height <= 0 || pixels > p.cfg.MaxPixels {
		return nil, errs.New(errs.ErrDecode, "image is %dx%d, limit is %d pixels", hdr.Width, hdr.Height, p.cfg.MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Mark(errs.ErrDecode, err, "invalid image format")
	}
	return p.ProcessImage(img)
}

// ProcessImage normalizes an already decoded image.
func (p *Preprocessor) ProcessImage(img image.Image) (*Tensor, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errs.New(errs.ErrDecode, "image has no pixels (%dx%d)", b.Dx(), b.Dy())
	}

	size := p.cfg.Size
	interp := p.cfg.Interpolation
	resized := resize.Resize(uint(size), uint(size), img, interp)

	rb := resized.Bounds()
	width, height := rb.Dx(), rb.Dy()
	if width != size || height != size {
		return nil, errs.New(errs.ErrDecode, "resized to %dx%d, want %dx%d", width, height, size, size)
	}

	plane := width * height
	data := make([]float32, Channels*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			// Alpha is dropped without premultiplying, as an RGB conversion would.
			px := color.NRGBAModel.Convert(resized.At(rb.Min.X+x, rb.Min.Y+y)).(color.NRGBA)
			i := y*width + x
			data[i] = (float32(px.R)/255 - p.cfg.Mean[0]) / p.cfg.Std[0]
			data[plane+i] = (float32(px.G)/255 - p.cfg.Mean[1]) / p.cfg.Std[1]
			data[2*plane+i] = (float32(px.B)/255 - p.cfg.Mean[2]) / p.cfg.Std[2]
		}
	}

	return &Tensor{Data: data, Height: height, Width: width}, nil
}
