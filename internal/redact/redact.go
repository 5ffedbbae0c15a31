package redact

import (
	"bytes"
	"fmt"
	"image"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/Brownie44l1/fer-tally/internal/normalize"
)

// DefaultRadius is the blur strength used for the photo wall.
const DefaultRadius = 35.0

// RenderError reports a display derivative that could not be produced.
type RenderError struct {
	Format string
	Err    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Format, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Renderer blurs normalized images for privacy-preserving display.
type Renderer struct {
	Radius float64
}

func New(radius float64) *Renderer {
	if radius <= 0 {
		radius = DefaultRadius
	}
	return &Renderer{Radius: radius}
}

// Blur applies a Gaussian blur with sigma equal to the radius. The source
// image is not modified and the output is deterministic.
func (r *Renderer) Blur(img *normalize.Image) *image.NRGBA {
	return BlurRaster(img.Pixels, r.Radius)
}

func BlurRaster(src image.Image, radius float64) *image.NRGBA {
	if radius <= 0 {
		return imaging.Clone(src)
	}
	return imaging.Blur(src, radius)
}

// Render blurs img and encodes it for display.
func (r *Renderer) Render(img *normalize.Image, format string, quality int) ([]byte, error) {
	return Encode(r.Blur(img), format, quality)
}

// ContentType returns the MIME type of a display format.
func ContentType(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// Encode serializes a display image as jpeg, png or webp.
func Encode(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch format {
	case "jpeg", "jpg":
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case "png":
		err = imaging.Encode(&buf, img, imaging.PNG)
	case "webp":
		err = webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)})
	default:
		err = fmt.Errorf("unsupported display format")
	}

	if err != nil {
		return nil, &RenderError{Format: format, Err: err}
	}
	return buf.Bytes(), nil
}
