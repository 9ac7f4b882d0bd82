// Package downsample decodes images no larger than needed for a target box.
//
// Decoding is two-pass. The first pass reads only the header to learn the
// natural dimensions and rejects sources above the pixel limit. The second
// decodes the pixels at full resolution, then box-resizes them by a
// power-of-two sample factor chosen so both dimensions stay at or above the
// target. The standard codecs cannot subsample while decoding, so peak memory
// is the full source bitmap, bounded by MaxSourcePixels.
package downsample

import (
	"bytes"
	"fmt"
	"image"
	"io"

	// Registered decoders.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"

	"github.com/Belphemur/ImageCache/internal/apperrors"
	"github.com/Belphemur/ImageCache/internal/config"
)

// DefaultMaxSourcePixels bounds the natural size of a source image.
const DefaultMaxSourcePixels = 100_000_000

// SampleFactor returns the largest power of two f such that both the
// halved natural dimensions divided by f stay at or above the target. It is
// 1 when the image already fits the target or a target is not positive.
func SampleFactor(naturalW, naturalH, targetW, targetH int) int {
	if targetW <= 0 || targetH <= 0 {
		return 1
	}
	factor := 1
	if naturalW > targetW || naturalH > targetH {
		halfW := naturalW / 2
		halfH := naturalH / 2
		for halfH/factor >= targetH && halfW/factor >= targetW {
			factor *= 2
		}
	}
	return factor
}

// Decoder decodes image bytes under a source size limit.
type Decoder struct {
	// MaxSourcePixels rejects images whose natural area exceeds it before
	// any pixel is allocated. Zero means DefaultMaxSourcePixels; negative
	// disables the check.
	MaxSourcePixels int64
}

// NewDecoder creates a Decoder with the given pixel limit.
func NewDecoder(maxSourcePixels int64) *Decoder {
	return &Decoder{MaxSourcePixels: maxSourcePixels}
}

// NewFromConfig creates a Decoder from cfg.Decode.
func NewFromConfig(cfg *config.Config) *Decoder {
	return NewDecoder(cfg.Decode.MaxSourcePixels)
}

func (d *Decoder) limit() int64 {
	if d == nil || d.MaxSourcePixels == 0 {
		return DefaultMaxSourcePixels
	}
	return d.MaxSourcePixels
}

// DecodeConfig runs the bounds pass: it reads only the header and returns
// the natural dimensions and format name.
func (d *Decoder) DecodeConfig(r io.Reader) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return image.Config{}, "", &apperrors.ErrDecodeFailed{Reason: "unreadable header", Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, "", &apperrors.ErrDecodeFailed{
			Reason: fmt.Sprintf("invalid dimensions %dx%d", cfg.Width, cfg.Height),
		}
	}
	if limit := d.limit(); limit > 0 && int64(cfg.Width)*int64(cfg.Height) > limit {
		return image.Config{}, "", &apperrors.ErrDecodeFailed{
			Reason: fmt.Sprintf("source %dx%d exceeds %d pixels", cfg.Width, cfg.Height, limit),
		}
	}
	return cfg, format, nil
}

// DecodeBounded decodes r into an image at most about twice the target in
// each dimension. r is read twice: once for the header and, after seeking
// back to the start, once for the pixels. The pixel pass allocates the full
// source bitmap before resizing; only the header pass and the pixel limit
// keep that allocation bounded.
func (d *Decoder) DecodeBounded(r io.ReadSeeker, targetW, targetH int) (img image.Image, err error) {
	defer func() {
		if p := recover(); p != nil {
			img = nil
			err = &apperrors.ErrDecodeFailed{Reason: "decoder panic", Err: fmt.Errorf("%v", p)}
		}
	}()

	start, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, &apperrors.ErrDecodeFailed{Reason: "unseekable source", Err: err}
	}

	cfg, format, err := d.DecodeConfig(r)
	if err != nil {
		return nil, err
	}
	factor := SampleFactor(cfg.Width, cfg.Height, targetW, targetH)

	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return nil, &apperrors.ErrDecodeFailed{Reason: "rewind failed", Err: err}
	}

	full, _, err := image.Decode(r)
	if err != nil {
		return nil, &apperrors.ErrDecodeFailed{Reason: "corrupt " + format + " data", Err: err}
	}

	logger := config.GetLogger()
	logger.Debug().
		Str("format", format).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Int("target_width", targetW).
		Int("target_height", targetH).
		Int("sample_factor", factor).
		Msg("Decoded image")

	if factor == 1 {
		return full, nil
	}
	b := full.Bounds()
	return imaging.Resize(full, max(1, b.Dx()/factor), max(1, b.Dy()/factor), imaging.Box), nil
}

// DecodeBytes is DecodeBounded over an in-memory buffer.
func (d *Decoder) DecodeBytes(data []byte, targetW, targetH int) (image.Image, error) {
	return d.DecodeBounded(bytes.NewReader(data), targetW, targetH)
}
