package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/nfnt/resize"
)

// Upload is a single uploaded photograph as received from the caller.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// DecodeError reports an upload that could not be turned into a raster.
type DecodeError struct {
	Filename string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %v", e.Filename, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var ErrUnsupportedType = errors.New("unsupported image type (accepted: image/jpeg, image/png)")

var ErrTooManyPixels = errors.New("image dimensions exceed the pixel limit")

// DefaultMaxPixels caps decoded rasters at 40 megapixels.
const DefaultMaxPixels = 40_000_000

// Image is a decoded, opaque RGB raster backed by a transient file.
type Image struct {
	ID       string
	Filename string
	Path     string
	Pixels   *image.NRGBA

	closeOnce sync.Once
}

func (img *Image) Width() int  { return img.Pixels.Bounds().Dx() }
func (img *Image) Height() int { return img.Pixels.Bounds().Dy() }

// Close removes the transient file. It is safe to call more than once.
func (img *Image) Close() error {
	var err error
	img.closeOnce.Do(func() {
		if img.Path == "" {
			return
		}
		if rmErr := os.Remove(img.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = rmErr
		}
	})
	return err
}

type Options struct {
	// Dir receives the transient files. Defaults to os.TempDir().
	Dir    string
	Resize bool
	Width  int
	Height int
	// MaxPixels rejects images whose header claims more pixels, before
	// any pixel data is decoded. Defaults to DefaultMaxPixels.
	MaxPixels int64
}

type Normalizer struct {
	opts Options
}

func New(opts Options) *Normalizer {
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	return &Normalizer{opts: opts}
}

// Normalize decodes the upload, forces three opaque channels, optionally
// stretches it to the target size and materializes it under a unique name.
func (n *Normalizer) Normalize(up Upload) (*Image, error) {
	if err := CheckType(up); err != nil {
		return nil, &DecodeError{Filename: up.Filename, Err: err}
	}

	header, _, err := image.DecodeConfig(bytes.NewReader(up.Data))
	if err != nil {
		return nil, &DecodeError{Filename: up.Filename, Err: err}
	}
	if pixels := int64(header.Width) * int64(header.Height); pixels > n.opts.MaxPixels {
		return nil, &DecodeError{
			Filename: up.Filename,
			Err:      fmt.Errorf("%w: %dx%d > %d", ErrTooManyPixels, header.Width, header.Height, n.opts.MaxPixels),
		}
	}

	decoded, _, err := image.Decode(bytes.NewReader(up.Data))
	if err != nil {
		return nil, &DecodeError{Filename: up.Filename, Err: err}
	}

	pixels := DropAlpha(decoded)
	if n.opts.Resize {
		pixels = Stretch(pixels, n.opts.Width, n.opts.Height)
	}

	id := uuid.New().String()
	path := filepath.Join(n.opts.Dir, "fer-"+id+".png")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create transient image: %w", err)
	}
	if err := imaging.Encode(f, pixels, imaging.PNG); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write transient image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write transient image: %w", err)
	}

	return &Image{
		ID:       id,
		Filename: up.Filename,
		Path:     path,
		Pixels:   pixels,
	}, nil
}

// CheckType accepts JPEG and PNG uploads. A missing or generic declared
// type is resolved by sniffing the payload.
func CheckType(up Upload) error {
	ct := strings.ToLower(strings.TrimSpace(up.ContentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(up.Data)
	}

	switch ct {
	case "image/jpeg", "image/jpg", "image/pjpeg", "image/png":
		return nil
	default:
		return fmt.Errorf("%w: got %s", ErrUnsupportedType, ct)
	}
}

// DropAlpha returns an opaque copy of img. Colour channels keep their
// straight (non-premultiplied) values and alpha is set to 255; nothing is
// composited against a background.
func DropAlpha(img image.Image) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

// Stretch resizes img to exactly width x height without preserving the
// aspect ratio. Non-positive targets leave img untouched.
func Stretch(img *image.NRGBA, width, height int) *image.NRGBA {
	b := img.Bounds()
	if width < 1 || height < 1 || (b.Dx() == width && b.Dy() == height) {
		return img
	}
	resized := resize.Resize(uint(width), uint(height), img, resize.Bilinear)
	return imaging.Clone(resized)
}
