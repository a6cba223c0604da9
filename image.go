package montage

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/chriskillpack/montage/describer"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var formats = map[string]bool{
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"bmp":  true,
	"tiff": true,
	"webp": true,
}

// ImageRef is a handle to one image to process, either a file on disk or an
// in-memory buffer. The zero value is not usable, build one with NewImageRef
// or NewImageRefFromBytes.
type ImageRef struct {
	ID     string // file path or caller supplied name
	Path   string
	Data   []byte
	Format string // declared or sniffed, empty when unknown until load
}

// NewImageRef returns a ref for the file at path. The format is taken from the
// file extension when it names a supported format, otherwise it is sniffed
// when the file is loaded.
func NewImageRef(path string) ImageRef {
	format, _ := normalizeFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	return ImageRef{ID: path, Path: path, Format: format}
}

// NewImageRefFromBytes returns a ref for an in-memory image. An empty format
// is sniffed from data.
func NewImageRefFromBytes(id string, data []byte, format string) (ImageRef, error) {
	if format != "" {
		f, ok := normalizeFormat(format)
		if !ok {
			return ImageRef{}, fmt.Errorf("%s: unsupported image format %q", id, format)
		}
		return ImageRef{ID: id, Data: data, Format: f}, nil
	}

	f, err := sniffFormat(data)
	if err != nil {
		return ImageRef{}, fmt.Errorf("%s: %w", id, err)
	}
	return ImageRef{ID: id, Data: data, Format: f}, nil
}

// load reads the image payload. Errors here are never retried.
func (r ImageRef) load() (describer.Image, error) {
	data := r.Data
	if data == nil {
		if r.Path == "" {
			return describer.Image{}, fmt.Errorf("%s: image has no path or data", r.ID)
		}
		var err error
		if data, err = os.ReadFile(r.Path); err != nil {
			return describer.Image{}, err
		}
	}

	format := r.Format
	if format == "" {
		var err error
		if format, err = sniffFormat(data); err != nil {
			return describer.Image{}, fmt.Errorf("%s: %w", r.ID, err)
		}
	}

	return describer.Image{Name: r.ID, Data: data, Format: format}, nil
}

func normalizeFormat(f string) (string, bool) {
	f = strings.ToLower(f)
	switch f {
	case "jpg":
		f = "jpeg"
	case "tif":
		f = "tiff"
	}
	return f, formats[f]
}

// sniffFormat reads just the image header to identify the format.
func sniffFormat(data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("unrecognized image format: %w", err)
	}
	f, ok := normalizeFormat(format)
	if !ok {
		return "", fmt.Errorf("unsupported image format %q", format)
	}
	return f, nil
}
