package normalize

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gradient(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 255 / width), uint8(y * 255 / height), 128, 255})
		}
	}
	return img
}

func TestNormalizeWritesUniqueTransientFiles(t *testing.T) {
	n := New(Options{Dir: t.TempDir()})
	up := Upload{Filename: "face.jpg", ContentType: "image/jpeg", Data: encodeJPEG(t, gradient(40, 30))}

	a, err := n.Normalize(up)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	b, err := n.Normalize(up)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if a.Path == b.Path || a.ID == b.ID {
		t.Errorf("Expected unique transient names, got %s twice", a.Path)
	}
	if a.Width() != 40 || a.Height() != 30 {
		t.Errorf("Expected 40x30 without resizing, got %dx%d", a.Width(), a.Height())
	}

	f, err := os.Open(a.Path)
	if err != nil {
		t.Fatalf("Transient file missing: %v", err)
	}
	if _, _, err := image.Decode(f); err != nil {
		t.Errorf("Transient file is not decodable: %v", err)
	}
	f.Close()

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Error("Close should remove the transient file")
	}
	if err := a.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
	b.Close()
}

func TestNormalizeStretchesToTarget(t *testing.T) {
	n := New(Options{Dir: t.TempDir(), Resize: true, Width: 300, Height: 300})

	sizes := [][2]int{{640, 480}, {120, 900}, {300, 300}, {17, 5}}
	for _, sz := range sizes {
		img, err := n.Normalize(Upload{Filename: "x.png", ContentType: "image/png", Data: encodePNG(t, gradient(sz[0], sz[1]))})
		if err != nil {
			t.Fatalf("Normalize %dx%d failed: %v", sz[0], sz[1], err)
		}
		if img.Width() != 300 || img.Height() != 300 {
			t.Errorf("Source %dx%d: expected 300x300, got %dx%d", sz[0], sz[1], img.Width(), img.Height())
		}
		img.Close()
	}
}

func TestNormalizeDropsAlphaWithoutCompositing(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{200, 100, 50, 0})
	src.SetNRGBA(1, 0, color.NRGBA{10, 20, 30, 128})

	n := New(Options{Dir: t.TempDir()})
	img, err := n.Normalize(Upload{Filename: "alpha.png", ContentType: "image/png", Data: encodePNG(t, src)})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	defer img.Close()

	want := []color.NRGBA{{200, 100, 50, 255}, {10, 20, 30, 255}}
	for x, w := range want {
		if got := img.Pixels.NRGBAAt(x, 0); got != w {
			t.Errorf("pixel %d: expected %v, got %v", x, w, got)
		}
	}
}

func TestNormalizeDecodeErrors(t *testing.T) {
	n := New(Options{Dir: t.TempDir()})

	tests := []struct {
		name string
		up   Upload
	}{
		{"garbage jpeg", Upload{Filename: "a.jpg", ContentType: "image/jpeg", Data: []byte("not an image")}},
		{"declared gif", Upload{Filename: "a.gif", ContentType: "image/gif", Data: []byte("GIF89a")}},
		{"sniffed text", Upload{Filename: "a.txt", Data: []byte("hello world")}},
		{"empty", Upload{Filename: "empty.png", ContentType: "image/png"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.up)
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("Expected DecodeError, got %v", err)
			}
			if decodeErr.Filename != tt.up.Filename {
				t.Errorf("Expected filename %s, got %s", tt.up.Filename, decodeErr.Filename)
			}
		})
	}
}

// claimDimensions rewrites the IHDR chunk of a PNG so that its header
// reports width x height while the pixel data stays tiny.
func claimDimensions(data []byte, width, height uint32) []byte {
	out := append([]byte(nil), data...)
	// signature(8) length(4) "IHDR"(4) width(4) height(4) ... crc at 29
	binary.BigEndian.PutUint32(out[16:20], width)
	binary.BigEndian.PutUint32(out[20:24], height)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestNormalizeRejectsOversizedHeader(t *testing.T) {
	dir := t.TempDir()
	n := New(Options{Dir: dir})
	data := claimDimensions(encodePNG(t, gradient(4, 4)), 8000, 8000)

	_, err := n.Normalize(Upload{Filename: "huge.png", ContentType: "image/png", Data: data})

	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) || !errors.Is(err, ErrTooManyPixels) {
		t.Fatalf("Expected DecodeError wrapping ErrTooManyPixels, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Rejected image should not leave transient files, found %d", len(entries))
	}
}

func TestNormalizeMaxPixelsOption(t *testing.T) {
	data := encodePNG(t, gradient(10, 10))

	if _, err := New(Options{Dir: t.TempDir(), MaxPixels: 99}).Normalize(Upload{Filename: "a.png", Data: data}); !errors.Is(err, ErrTooManyPixels) {
		t.Errorf("Expected ErrTooManyPixels below the limit, got %v", err)
	}
	img, err := New(Options{Dir: t.TempDir(), MaxPixels: 100}).Normalize(Upload{Filename: "a.png", Data: data})
	if err != nil {
		t.Fatalf("Image exactly at the limit should be accepted: %v", err)
	}
	img.Close()
}

func TestCheckTypeSniffsMissingType(t *testing.T) {
	data := encodePNG(t, gradient(4, 4))
	if err := CheckType(Upload{Filename: "noext", Data: data}); err != nil {
		t.Errorf("PNG payload without declared type should be accepted: %v", err)
	}
	if err := CheckType(Upload{Filename: "x.jpg", ContentType: "image/jpeg; charset=binary"}); err != nil {
		t.Errorf("Parameters on declared type should be ignored: %v", err)
	}
	if err := CheckType(Upload{Filename: "x.webp", ContentType: "image/webp"}); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("Expected ErrUnsupportedType, got %v", err)
	}
}
