// Package transcode converts JPEG and PNG images to WebP.
//
// Conversion never fails a crawl: any decode or encode problem yields a
// pass-through result carrying the original bytes and the error for logging.
// Images already in WebP (and formats we do not convert) pass through
// unchanged so a resumed crawl never converts twice.
//
// WebP encoding uses libwebp through cgo.
package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"strconv"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	exif "github.com/dsoprea/go-exif/v3"
)

// DefaultQuality is the lossy WebP quality used when none is configured.
const DefaultQuality = 80

// ErrUnsupportedFormat is recorded when an input format is not converted.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Format is an image container format.
type Format int

const (
	// FormatUnknown is anything not recognised by DetectFormat.
	FormatUnknown Format = iota
	// FormatJPEG is a JPEG image.
	FormatJPEG
	// FormatPNG is a PNG image.
	FormatPNG
	// FormatGIF is a GIF image. GIFs may be animated and are never converted.
	FormatGIF
	// FormatWebP is the conversion target.
	FormatWebP
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatPNG:
		return "png"
	case FormatGIF:
		return "gif"
	case FormatWebP:
		return "webp"
	default:
		return "unknown"
	}
}

// Extension returns the file extension of the format, dot included.
func (f Format) Extension() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case FormatPNG:
		return ".png"
	case FormatGIF:
		return ".gif"
	case FormatWebP:
		return ".webp"
	default:
		return ""
	}
}

// DetectFormat identifies an image by its magic bytes.
func DetectFormat(data []byte) Format {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return FormatJPEG
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return FormatPNG
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return FormatGIF
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return FormatWebP
	default:
		return FormatUnknown
	}
}

// Result is the outcome of Convert.
type Result struct {
	// Data is the converted image, or the original bytes on pass-through.
	Data []byte

	// Format is the format of Data.
	Format Format

	// Converted is false on pass-through.
	Converted bool

	// Alpha reports whether the source had any non-opaque pixel.
	Alpha bool

	// Err explains a pass-through caused by a failure. It is informational.
	Err error
}

// Transcoder converts images at a fixed quality.
type Transcoder struct {
	quality float32
	logger  *slog.Logger
}

// Option configures a Transcoder.
type Option func(*Transcoder)

// WithQuality sets the lossy quality (1-100). Out of range values are ignored.
func WithQuality(q int) Option {
	return func(t *Transcoder) {
		if q > 0 && q <= 100 {
			t.quality = float32(q)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transcoder) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a Transcoder.
func New(opts ...Option) *Transcoder {
	t := &Transcoder{
		quality: DefaultQuality,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Quality returns the configured lossy quality.
func (t *Transcoder) Quality() int {
	return int(t.quality)
}

// Convert converts data to WebP when source is JPEG or PNG. FormatUnknown
// means the format is detected from data.
func (t *Transcoder) Convert(data []byte, source Format) Result {
	if source == FormatUnknown {
		source = DetectFormat(data)
	}
	passThrough := Result{Data: data, Format: source}

	var (
		img image.Image
		err error
	)
	switch source {
	case FormatJPEG:
		img, err = jpeg.Decode(bytes.NewReader(data))
		if err == nil {
			img = applyOrientation(img, orientation(data))
		}
	case FormatPNG:
		img, err = png.Decode(bytes.NewReader(data))
	case FormatWebP:
		return passThrough
	case FormatGIF, FormatUnknown:
		passThrough.Err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, source)
		return passThrough
	default:
		passThrough.Err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, source)
		return passThrough
	}
	if err != nil {
		passThrough.Err = fmt.Errorf("decode %s: %w", source, err)
		t.logger.Debug("image conversion skipped", "format", source.String(), "error", err)
		return passThrough
	}

	nrgba := imaging.Clone(img)
	alpha := !nrgba.Opaque()

	var buf bytes.Buffer
	if err := webp.Encode(&buf, nrgba, &webp.Options{Lossless: false, Quality: t.quality}); err != nil {
		passThrough.Err = fmt.Errorf("encode webp: %w", err)
		t.logger.Debug("image conversion skipped", "format", source.String(), "error", err)
		return passThrough
	}

	return Result{
		Data:      buf.Bytes(),
		Format:    FormatWebP,
		Converted: true,
		Alpha:     alpha,
	}
}

// orientation returns the EXIF Orientation of a JPEG, or 1 when absent.
func orientation(data []byte) int {
	raw, err := exif.SearchAndExtractExif(data)
	if err != nil || raw == nil {
		return 1
	}
	entries, _, err := exif.GetFlatExifData(raw, nil)
	if err != nil {
		return 1
	}
	for _, entry := range entries {
		if entry.TagName != "Orientation" {
			continue
		}
		if v, ok := entry.Value.([]uint16); ok && len(v) > 0 {
			return int(v[0])
		}
		if n, err := strconv.Atoi(strings.Trim(entry.Formatted, "[] ")); err == nil {
			return n
		}
	}
	return 1
}

// applyOrientation bakes an EXIF orientation into the pixels, since the
// WebP output carries no EXIF block.
func applyOrientation(img image.Image, o int) image.Image {
	switch o {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
