package bgremover

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"
)

// Format identifies an image codec.
type Format string

// Supported formats.
const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// ContentType returns MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// Extension returns the canonical file extension of the format.
func (f Format) Extension() string {
	if f == FormatJPEG {
		return ".jpg"
	}
	return ".png"
}

// DefaultExtensions lists the input extensions accepted by default.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg"}

// ErrUnsupportedFormat is returned for inputs whose extension is not allowed.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// JPEGQuality is used when encoding FormatJPEG.
const JPEGQuality = 92

// FormatFromName returns the format matching extension of name. Unknown
// extensions map to FormatPNG.
func FormatFromName(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return FormatJPEG
	}
	return FormatPNG
}

// IsSupported reports whether extension of name is in exts, ignoring case.
func IsSupported(name string, exts []string) bool {
	ext := filepath.Ext(name)
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// ValidateNames returns error wrapping ErrUnsupportedFormat for the first name
// whose extension is not in exts.
func ValidateNames(names []string, exts []string) error {
	for _, n := range names {
		if !IsSupported(n, exts) {
			return fmt.Errorf("file %s: %w", n, ErrUnsupportedFormat)
		}
	}
	return nil
}

// DefaultMaxPixels bounds width*height of decoded images. Decoders allocate
// the whole pixel buffer from the header before reading any pixel data.
const DefaultMaxPixels = 178956970

// ErrImageTooLarge is returned for images whose header declares more pixels
// than allowed.
var ErrImageTooLarge = errors.New("image is too large")

// Decode decodes PNG or JPEG bytes with DefaultMaxPixels limit.
func Decode(b []byte) (image.Image, Format, error) {
	return DecodeLimit(b, DefaultMaxPixels)
}

// DecodeLimit decodes PNG or JPEG bytes. Images declaring more than maxPixels
// pixels are rejected with ErrImageTooLarge before decoding. If maxPixels <= 0,
// DefaultMaxPixels is used.
func DecodeLimit(b []byte, maxPixels int) (image.Image, Format, error) {
	if len(b) == 0 {
		return nil, "", ErrEmptyPayload
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return nil, "", errors.New("image could not be decoded [" + err.Error() + "]")
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > int64(maxPixels) {
		return nil, "", fmt.Errorf("%dx%d exceeds %d pixels: %w", cfg.Width, cfg.Height, maxPixels, ErrImageTooLarge)
	}

	img, name, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, "", errors.New("image could not be decoded [" + err.Error() + "]")
	}
	return img, Format(name), nil
}

// Encode encodes img in format f. JPEG has no alpha channel, so transparent
// pixels are flattened onto white.
func Encode(img image.Image, f Format) ([]byte, error) {
	var buf bytes.Buffer
	switch f {
	case FormatPNG, "":
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	case FormatJPEG:
		if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: JPEGQuality}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("encode %s: %w", f, ErrUnsupportedFormat)
	}
	return buf.Bytes(), nil
}

func flatten(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}

// Namer maps an input name to the output name and format.
type Namer func(name string) (string, Format)

// KeepName keeps the input name and encodes in the format its extension names.
func KeepName(name string) (string, Format) {
	return name, FormatFromName(name)
}

// SuffixName returns Namer producing "<stem><suffix>.png", e.g. "cat_no_bg.png".
func SuffixName(suffix string) Namer {
	return func(name string) (string, Format) {
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		return stem + suffix + FormatPNG.Extension(), FormatPNG
	}
}
