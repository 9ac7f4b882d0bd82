package memcache

import "image"

// ImageCost returns the decoded size of img in bytes: row stride times height
// for the stride-based image types, the sum of the planes for YCbCr, and four
// bytes per pixel for anything else.
func ImageCost(img image.Image) int64 {
	h := int64(img.Bounds().Dy())
	switch m := img.(type) {
	case *image.RGBA:
		return int64(m.Stride) * h
	case *image.NRGBA:
		return int64(m.Stride) * h
	case *image.RGBA64:
		return int64(m.Stride) * h
	case *image.NRGBA64:
		return int64(m.Stride) * h
	case *image.Gray:
		return int64(m.Stride) * h
	case *image.Gray16:
		return int64(m.Stride) * h
	case *image.Alpha:
		return int64(m.Stride) * h
	case *image.Paletted:
		return int64(m.Stride)*h + int64(len(m.Palette))*4
	case *image.YCbCr:
		return int64(len(m.Y) + len(m.Cb) + len(m.Cr))
	case *image.NYCbCrA:
		return int64(len(m.Y) + len(m.Cb) + len(m.Cr) + len(m.A))
	case *image.CMYK:
		return int64(m.Stride) * h
	}
	return int64(img.Bounds().Dx()) * h * 4
}
