package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register JPEG decoding
	_ "image/png"  // register PNG decoding
	"io"
	"math"
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Geometry describes a CHW image layout.
type Geometry struct {
	Height   int
	Width    int
	Channels int
}

// Size returns the number of values in one image.
func (g Geometry) Size() int {
	return g.Height * g.Width * g.Channels
}

// ImageProcessor decodes encoded images into CHW float64 data in [0, 1], resizing
// to a square target size. Buffers are reused between calls.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	targetSize      int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// Geometry returns the layout of decoded images.
func (p *ImageProcessor) Geometry() Geometry {
	return Geometry{Height: p.targetSize, Width: p.targetSize, Channels: 3}
}

// Decode decodes a PNG or JPEG image and returns it in CHW format normalized to [0, 1]
func (p *ImageProcessor) Decode(reader io.Reader) ([]float64, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Reuse image buffer
	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != p.targetSize {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
	}
	targetImg := p.tempImageBuffer

	// Nearest-neighbour resize
	scaleX := float64(width) / float64(p.targetSize)
	scaleY := float64(height) / float64(p.targetSize)
	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			srcX := min(int(float64(x)*scaleX), width-1)
			srcY := min(int(float64(y)*scaleY), height-1)
			targetImg.Set(x, y, img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY))
		}
	}

	plane := p.targetSize * p.targetSize
	data := make([]float64, 3*plane)
	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			r, g, b, _ := targetImg.At(x, y).RGBA()
			idx := y*p.targetSize + x
			data[idx] = float64(r) / 65535.0
			data[plane+idx] = float64(g) / 65535.0
			data[2*plane+idx] = float64(b) / 65535.0
		}
	}
	return data, nil
}

// FromBytes converts raw 8-bit CHW pixels to values in [0, 1].
func FromBytes(pixels []byte) []float64 {
	data := make([]float64, len(pixels))
	for i, v := range pixels {
		data[i] = float64(v) / 255.0
	}
	return data
}

// RandomCrop zero-pads the image by padding pixels on each side and takes a crop
// of the original size at a random offset.
func RandomCrop(img []float64, g Geometry, padding int, rng *rand.Rand) []float64 {
	if padding <= 0 {
		return append([]float64(nil), img...)
	}
	dy := rng.Intn(2*padding+1) - padding
	dx := rng.Intn(2*padding+1) - padding
	return shift(img, g, dy, dx)
}

// shift moves the image content by (dy, dx), filling uncovered pixels with zero.
func shift(img []float64, g Geometry, dy, dx int) []float64 {
	out := make([]float64, len(img))
	plane := g.Height * g.Width
	y0 := essentials.MaxInt(0, -dy)
	x0 := essentials.MaxInt(0, -dx)
	y1 := min(g.Height, g.Height-dy)
	x1 := min(g.Width, g.Width-dx)
	if y1 <= y0 || x1 <= x0 {
		return out
	}
	for c := 0; c < g.Channels; c++ {
		for y := y0; y < y1; y++ {
			src := c*plane + (y+dy)*g.Width
			dst := c*plane + y*g.Width
			copy(out[dst+x0:dst+x1], img[src+x0+dx:src+x1+dx])
		}
	}
	return out
}

// FlipHorizontal mirrors the image left to right.
func FlipHorizontal(img []float64, g Geometry) []float64 {
	out := make([]float64, len(img))
	for row := 0; row < g.Channels*g.Height; row++ {
		base := row * g.Width
		for x := 0; x < g.Width; x++ {
			out[base+x] = img[base+g.Width-1-x]
		}
	}
	return out
}

// Standardize scales the image to zero mean and unit variance. The standard
// deviation is floored at 1/sqrt(n) so uniform images do not divide by zero.
func Standardize(img []float64) []float64 {
	n := float64(len(img))
	mean, std := stat.PopMeanStdDev(img, nil)
	std = math.Max(std, 1/math.Sqrt(n))

	out := append([]float64(nil), img...)
	floats.AddConst(-mean, out)
	floats.Scale(1/std, out)
	return out
}

// Augment applies the training-time augmentation: random crop with padding, a
// random horizontal flip, then standardization.
func Augment(img []float64, g Geometry, padding int, rng *rand.Rand) []float64 {
	out := RandomCrop(img, g, padding, rng)
	if rng.Intn(2) == 1 {
		out = FlipHorizontal(out, g)
	}
	return Standardize(out)
}

// ToImage maps a preprocessed CHW image back to 8-bit RGB for display, rescaling
// its value range to [0, 255]. Single-channel images become grayscale.
func ToImage(values []float64, g Geometry) (*image.RGBA, error) {
	if len(values) != g.Size() {
		return nil, fmt.Errorf("image has %d values, expected %d", len(values), g.Size())
	}
	if g.Channels != 1 && g.Channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", g.Channels)
	}

	lo, hi := floats.Min(values), floats.Max(values)
	scale := 0.0
	if hi > lo {
		scale = 255 / (hi - lo)
	}
	level := func(v float64) uint8 {
		return uint8(math.Round((v - lo) * scale))
	}

	plane := g.Height * g.Width
	img := image.NewRGBA(image.Rect(0, 0, g.Width, g.Height))
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			idx := y*g.Width + x
			r := level(values[idx])
			gr, b := r, r
			if g.Channels == 3 {
				gr = level(values[plane+idx])
				b = level(values[2*plane+idx])
			}
			img.SetRGBA(x, y, color.RGBA{R: r, G: gr, B: b, A: 255})
		}
	}
	return img, nil
}
