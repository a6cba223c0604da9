package montage

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func encoded(t *testing.T, enc func(*bytes.Buffer, image.Image) error) []byte {
	t.Helper()
	img := image.NewPaletted(image.Rect(0, 0, 2, 2), color.Palette{color.Black, color.White})
	var buf bytes.Buffer
	if err := enc(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestNewImageRefFromBytes(t *testing.T) {
	pngData := encoded(t, func(b *bytes.Buffer, img image.Image) error { return png.Encode(b, img) })
	gifData := encoded(t, func(b *bytes.Buffer, img image.Image) error { return gif.Encode(b, img, nil) })

	cases := []struct {
		name     string
		data     []byte
		format   string
		expected string
		wantErr  bool
	}{
		{"sniff png", pngData, "", "png", false},
		{"sniff gif", gifData, "", "gif", false},
		{"declared jpg", []byte("whatever"), "JPG", "jpeg", false},
		{"declared tif", []byte("whatever"), "tif", "tiff", false},
		{"declared webp", []byte("whatever"), "webp", "webp", false},
		{"unsupported declared", pngData, "heic", "", true},
		{"garbage", []byte("not an image"), "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref, err := NewImageRefFromBytes("upload", tc.data, tc.format)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Expected an error, got %+v", ref)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error %s", err)
			}
			if ref.Format != tc.expected {
				t.Errorf("Expected format %s, got %s", tc.expected, ref.Format)
			}
			if ref.ID != "upload" {
				t.Errorf("Expected id upload, got %s", ref.ID)
			}
		})
	}
}

func TestImageRefLoad(t *testing.T) {
	dir := t.TempDir()
	pngData := encoded(t, func(b *bytes.Buffer, img image.Image) error { return png.Encode(b, img) })

	t.Run("extension", func(t *testing.T) {
		path := filepath.Join(dir, "photo.JPG")
		if err := os.WriteFile(path, []byte{0xff, 0xd8}, 0o644); err != nil {
			t.Fatal(err)
		}
		ref := NewImageRef(path)
		if ref.ID != path || ref.Format != "jpeg" {
			t.Errorf("Unexpected ref %+v", ref)
		}
		img, err := ref.load()
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		if img.Name != path || img.Format != "jpeg" || len(img.Data) != 2 {
			t.Errorf("Unexpected image %+v", img)
		}
	})

	t.Run("sniffed on load", func(t *testing.T) {
		path := filepath.Join(dir, "scan")
		if err := os.WriteFile(path, pngData, 0o644); err != nil {
			t.Fatal(err)
		}
		ref := NewImageRef(path)
		if ref.Format != "" {
			t.Errorf("Expected no format before load, got %s", ref.Format)
		}
		img, err := ref.load()
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		if img.Format != "png" {
			t.Errorf("Expected png, got %s", img.Format)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := NewImageRef(filepath.Join(dir, "nope.png")).load(); err == nil {
			t.Errorf("Expected an error")
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := (ImageRef{ID: "x"}).load(); err == nil {
			t.Errorf("Expected an error")
		}
	})
}
