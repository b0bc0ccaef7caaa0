// Package preprocess turns encoded image bytes into the normalized input
// tensor a pretrained CNN expects.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// ErrDecode is returned when the bytes are not a supported image.
var ErrDecode = errors.New("cannot decode image")

// Filter names a resampling filter.
type Filter string

const (
	FilterNearest  Filter = "nearest"
	FilterBilinear Filter = "bilinear"
	FilterBicubic  Filter = "bicubic"
	FilterLanczos  Filter = "lanczos"
)

// Layout is the memory order of the tensor.
type Layout string

const (
	LayoutNHWC Layout = "NHWC"
	LayoutNCHW Layout = "NCHW"
)

// Normalization names the per-architecture pixel scaling convention.
type Normalization string

const (
	// NormTF scales to [-1, 1] (MobileNet, Inception).
	NormTF Normalization = "tf"
	// NormTorch scales to [0, 1] then applies ImageNet mean/std.
	NormTorch Normalization = "torch"
	// NormCaffe converts to BGR and subtracts the ImageNet channel means.
	NormCaffe Normalization = "caffe"
	// NormUnit scales to [0, 1].
	NormUnit Normalization = "unit"
)

var (
	torchMean = [3]float32{0.485, 0.456, 0.406}
	torchStd  = [3]float32{0.229, 0.224, 0.225}
	// BGR order.
	caffeMean = [3]float32{103.939, 116.779, 123.68}
)

// DefaultMaxPixels bounds the decoded image area when Options.MaxPixels is
// zero.
const DefaultMaxPixels = 89_478_485

// Options configures a Preprocessor.
type Options struct {
	Size          int
	Filter        Filter
	Layout        Layout
	Normalization Normalization
	// MaxPixels rejects images whose header claims a larger area, before any
	// pixel buffer is allocated.
	MaxPixels int
}

// Tensor is a dense float32 array with its shape, batch dimension first.
type Tensor struct {
	Data  []float32
	Shape []int64
}

// Preprocessor decodes, resizes and normalizes images. It holds no mutable
// state and is safe for concurrent use.
type Preprocessor struct {
	opts   Options
	interp resize.InterpolationFunction
}

// New validates opts and returns a Preprocessor.
func New(opts Options) (*Preprocessor, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", opts.Size)
	}
	if opts.MaxPixels < 0 {
		return nil, fmt.Errorf("max pixels cannot be negative, got %d", opts.MaxPixels)
	}
	if opts.MaxPixels == 0 {
		opts.MaxPixels = DefaultMaxPixels
	}

	interp, err := interpolation(opts.Filter)
	if err != nil {
		return nil, err
	}

	switch opts.Layout {
	case LayoutNHWC, LayoutNCHW:
	default:
		return nil, fmt.Errorf("unknown tensor layout %q", opts.Layout)
	}

	switch opts.Normalization {
	case NormTF, NormTorch, NormCaffe, NormUnit:
	default:
		return nil, fmt.Errorf("unknown normalization %q", opts.Normalization)
	}

	return &Preprocessor{opts: opts, interp: interp}, nil
}

func interpolation(f Filter) (resize.InterpolationFunction, error) {
	switch f {
	case FilterNearest:
		return resize.NearestNeighbor, nil
	case FilterBilinear:
		return resize.Bilinear, nil
	case FilterBicubic:
		return resize.Bicubic, nil
	case FilterLanczos:
		return resize.Lanczos3, nil
	default:
		return 0, fmt.Errorf("unknown resize filter %q", f)
	}
}

// Options returns the options the Preprocessor was built with.
func (p *Preprocessor) Options() Options {
	return p.opts
}

// Len is the number of values in a produced tensor.
func (p *Preprocessor) Len() int {
	return 3 * p.opts.Size * p.opts.Size
}

// Process runs Decode, Resize and Normalize.
func (p *Preprocessor) Process(data []byte) (Tensor, error) {
	img, err := p.Decode(data)
	if err != nil {
		return Tensor{}, err
	}
	return p.Normalize(p.Resize(img)), nil
}

// Decode decodes data into an opaque RGB image anchored at the origin.
// Alpha is dropped, not composited.
func (p *Preprocessor) Decode(data []byte) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > int64(p.opts.MaxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrDecode, cfg.Width, cfg.Height, p.opts.MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	rgb := imaging.Clone(img)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xff
	}
	return rgb, nil
}

// Resize scales img to Size×Size. An image that already has the target size
// is returned unchanged.
func (p *Preprocessor) Resize(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == p.opts.Size && b.Dy() == p.opts.Size {
		return img
	}

	size := uint(p.opts.Size)
	return imaging.Clone(resize.Resize(size, size, img, p.interp))
}

// Normalize converts a Size×Size image into a tensor with a leading batch
// dimension of one.
func (p *Preprocessor) Normalize(img *image.NRGBA) Tensor {
	size := p.opts.Size
	plane := size * size
	data := make([]float32, 3*plane)

	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			c0, c1, c2 := p.scale(px[0], px[1], px[2])

			idx := y*size + x
			if p.opts.Layout == LayoutNCHW {
				data[idx] = c0
				data[plane+idx] = c1
				data[2*plane+idx] = c2
			} else {
				data[3*idx] = c0
				data[3*idx+1] = c1
				data[3*idx+2] = c2
			}
		}
	}

	s := int64(size)
	shape := []int64{1, s, s, 3}
	if p.opts.Layout == LayoutNCHW {
		shape = []int64{1, 3, s, s}
	}
	return Tensor{Data: data, Shape: shape}
}

// scale maps one RGB pixel to its three channel values in output order.
func (p *Preprocessor) scale(r, g, b uint8) (float32, float32, float32) {
	fr, fg, fb := float32(r), float32(g), float32(b)
	switch p.opts.Normalization {
	case NormTorch:
		return (fr/255 - torchMean[0]) / torchStd[0],
			(fg/255 - torchMean[1]) / torchStd[1],
			(fb/255 - torchMean[2]) / torchStd[2]
	case NormCaffe:
		return fb - caffeMean[0], fg - caffeMean[1], fr - caffeMean[2]
	case NormUnit:
		return fr / 255, fg / 255, fb / 255
	default:
		return fr/127.5 - 1, fg/127.5 - 1, fb/127.5 - 1
	}
}
