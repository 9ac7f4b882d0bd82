package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
)

// SolidImage returns a w x h NRGBA image filled with c.
func SolidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// EncodePNG returns a w x h opaque PNG in a single color.
func EncodePNG(w, h int) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, SolidImage(w, h, color.NRGBA{R: 200, G: 40, B: 90, A: 255})); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// EncodeJPEG returns a w x h JPEG in a single color.
func EncodeJPEG(w, h int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, SolidImage(w, h, color.NRGBA{R: 30, G: 120, B: 220, A: 255}), &jpeg.Options{Quality: 80}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// CorruptPNG returns bytes with a valid PNG header followed by garbage, so
// the bounds pass succeeds and the pixel pass fails.
func CorruptPNG(w, h int) []byte {
	data := EncodePNG(w, h)
	// Signature (8) + IHDR chunk (25) are kept intact.
	const keep = 33
	for i := keep; i < len(data); i++ {
		data[i] = 0xAB
	}
	return data
}
