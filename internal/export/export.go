// Package export renders the canvas image into a downloadable file.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/logging"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/observability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/storage"
)

const (
	DefaultQuality = 92
	DefaultDPI     = 72
	maxDimension   = 8192
)

// Filters are applied in a fixed order: tone, color, then blur.
type Filters struct {
	Brightness float64 `json:"brightness,omitempty"`
	Contrast   float64 `json:"contrast,omitempty"`
	Saturation float64 `json:"saturation,omitempty"`
	Hue        float64 `json:"hue,omitempty"`
	Blur       float64 `json:"blur,omitempty"`
	Sepia      float64 `json:"sepia,omitempty"`
	Grayscale  bool    `json:"grayscale,omitempty"`
	Invert     bool    `json:"invert,omitempty"`
}

type Options struct {
	Format  string  `json:"format"`
	Quality int     `json:"quality,omitempty"`
	Width   int     `json:"width,omitempty"`
	Height  int     `json:"height,omitempty"`
	DPI     int     `json:"dpi,omitempty"`
	Filters Filters `json:"filters"`
	// Upload stores the result when an uploader is configured.
	Upload   bool   `json:"upload,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type Result struct {
	Data             []byte  `json:"-"`
	Format           string  `json:"format"`
	MIMEType         string  `json:"mime_type"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	Size             int     `json:"size"`
	OriginalSize     int     `json:"original_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	DPI              int     `json:"dpi"`
	Location         string  `json:"location,omitempty"`
}

var ErrUnsupportedFormat = errors.New("unsupported export format")

type Exporter struct {
	uploader storage.Uploader
	metrics  *observability.Metrics
	log      logrus.FieldLogger
}

// New returns an exporter. uploader may be nil.
func New(uploader storage.Uploader, metrics *observability.Metrics, log logrus.FieldLogger) *Exporter {
	return &Exporter{uploader: uploader, metrics: metrics, log: logging.Component(log, "export")}
}

// Export decodes src, applies filters and resizing, and encodes the result.
func (e *Exporter) Export(ctx context.Context, src []byte, opts Options) (Result, error) {
	if len(src) == 0 {
		return Result{}, reliability.New(reliability.KindValidation, "export", errors.New("image payload is empty"))
	}
	format, mime, err := parseFormat(opts.Format)
	if err != nil {
		return Result{}, reliability.New(reliability.KindValidation, "export", err)
	}
	if opts.Width < 0 || opts.Height < 0 || opts.Width > maxDimension || opts.Height > maxDimension {
		return Result{}, reliability.Newf(reliability.KindValidation, "export", "dimensions must be between 0 and %d", maxDimension)
	}
	quality := opts.Quality
	if quality <= 0 {
		quality = DefaultQuality
	}
	if quality > 100 {
		quality = 100
	}
	dpi := opts.DPI
	if dpi <= 0 {
		dpi = DefaultDPI
	}

	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, reliability.New(reliability.KindValidation, "export.decode", err)
	}
	img = ApplyFilters(img, opts.Filters)
	if opts.Width > 0 || opts.Height > 0 {
		img = imaging.Resize(img, opts.Width, opts.Height, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(quality), imaging.PNGCompressionLevel(pngLevel(quality))); err != nil {
		return Result{}, fmt.Errorf("encode %s: %w", opts.Format, err)
	}
	data := buf.Bytes()
	switch format {
	case imaging.PNG:
		data = withPNGDensity(data, dpi)
	case imaging.JPEG:
		data = withJFIFDensity(data, dpi)
	}

	b := img.Bounds()
	res := Result{
		Data:         data,
		Format:       strings.ToLower(format.String()),
		MIMEType:     mime,
		Width:        b.Dx(),
		Height:       b.Dy(),
		Size:         len(data),
		OriginalSize: len(src),
		DPI:          dpi,
	}
	if res.Size > 0 {
		res.CompressionRatio = math.Round(float64(res.OriginalSize)/float64(res.Size)*100) / 100
	}
	if e.metrics != nil {
		e.metrics.ExportBytes.Observe(float64(res.Size))
	}

	if opts.Upload {
		if e.uploader == nil {
			return res, reliability.New(reliability.KindValidation, "export.upload", storage.ErrNoBucket)
		}
		name := opts.Filename
		if name == "" {
			name = "canvas." + res.Format
		}
		loc, err := e.uploader.Upload(ctx, name, mime, data)
		if err != nil {
			e.log.WithError(err).Warn("export upload failed")
			return res, err
		}
		res.Location = loc
	}
	return res, nil
}

func parseFormat(name string) (imaging.Format, string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "png":
		return imaging.PNG, "image/png", nil
	case "jpg", "jpeg":
		return imaging.JPEG, "image/jpeg", nil
	case "gif":
		return imaging.GIF, "image/gif", nil
	case "tif", "tiff":
		return imaging.TIFF, "image/tiff", nil
	case "bmp":
		return imaging.BMP, "image/bmp", nil
	default:
		return 0, "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// pngLevel maps a 1-100 quality onto PNG compression effort.
func pngLevel(quality int) png.CompressionLevel {
	switch {
	case quality >= 90:
		return png.BestCompression
	case quality >= 50:
		return png.DefaultCompression
	default:
		return png.BestSpeed
	}
}

// ApplyFilters returns img with every non-zero filter applied. Percentages
// are in -100..100; Hue is in degrees; Blur is a gaussian sigma; Sepia is an
// amount in 0..100.
func ApplyFilters(img image.Image, f Filters) image.Image {
	out := img
	if f.Brightness != 0 {
		out = imaging.AdjustBrightness(out, clamp(f.Brightness, -100, 100))
	}
	if f.Contrast != 0 {
		out = imaging.AdjustContrast(out, clamp(f.Contrast, -100, 100))
	}
	if f.Saturation != 0 {
		out = imaging.AdjustSaturation(out, clamp(f.Saturation, -100, 500))
	}
	if f.Hue != 0 {
		out = rotateHue(out, f.Hue)
	}
	if f.Grayscale {
		out = imaging.Grayscale(out)
	}
	if f.Sepia > 0 {
		out = sepia(out, clamp(f.Sepia, 0, 100)/100)
	}
	if f.Invert {
		out = imaging.Invert(out)
	}
	if f.Blur > 0 {
		out = imaging.Blur(out, f.Blur)
	}
	return out
}

func sepia(img image.Image, amount float64) image.Image {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		r, g, b := float64(c.R), float64(c.G), float64(c.B)
		sr := 0.393*r + 0.769*g + 0.189*b
		sg := 0.349*r + 0.686*g + 0.168*b
		sb := 0.272*r + 0.534*g + 0.131*b
		return color.NRGBA{
			R: toByte(r + (sr-r)*amount),
			G: toByte(g + (sg-g)*amount),
			B: toByte(b + (sb-b)*amount),
			A: c.A,
		}
	})
}

// rotateHue uses the YIQ rotation, which keeps luma constant.
func rotateHue(img image.Image, degrees float64) image.Image {
	rad := degrees * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		r, g, b := float64(c.R), float64(c.G), float64(c.B)
		y := 0.299*r + 0.587*g + 0.114*b
		i := 0.596*r - 0.274*g - 0.322*b
		q := 0.211*r - 0.523*g + 0.312*b
		i, q = i*cos-q*sin, i*sin+q*cos
		return color.NRGBA{
			R: toByte(y + 0.956*i + 0.621*q),
			G: toByte(y - 0.272*i - 0.647*q),
			B: toByte(y - 1.106*i + 1.703*q),
			A: c.A,
		}
	})
}

func toByte(v float64) uint8 {
	return uint8(clamp(math.Round(v), 0, 255))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
