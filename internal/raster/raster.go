// Package raster decodes page images and normalizes them to the canonical
// pixel format (8-bit non-premultiplied BGRA-equivalent, *image.NRGBA) and
// canonical resolution metadata (96 DPI).
package raster

import (
	"image"

	"github.com/disintegration/imaging"
)

// CanonicalDPI is the resolution every normalized bitmap reports.
const CanonicalDPI = 96.0

// Bitmap is decoded pixel data plus its resolution metadata. Once a Bitmap
// has been normalized its pixels are shared and must not be modified.
type Bitmap struct {
	Image image.Image
	DpiX  float64
	DpiY  float64
}

// Width returns the width in pixels.
func (b Bitmap) Width() int { return b.Image.Bounds().Dx() }

// Height returns the height in pixels.
func (b Bitmap) Height() int { return b.Image.Bounds().Dy() }

// Landscape reports whether the bitmap is wider than it is tall.
func (b Bitmap) Landscape() bool { return b.Width() > b.Height() }

// NRGBA returns the canonical pixel buffer, or nil if b is not normalized.
func (b Bitmap) NRGBA() *image.NRGBA {
	if img, ok := b.Image.(*image.NRGBA); ok && isCanonicalLayout(img) {
		return img
	}
	return nil
}

// Stride returns the row length in bytes of the canonical buffer, or 0 if
// b is not normalized.
func (b Bitmap) Stride() int {
	if img := b.NRGBA(); img != nil {
		return img.Stride
	}
	return 0
}

// IsCanonical reports whether b is already in canonical format and DPI.
func (b Bitmap) IsCanonical() bool {
	return b.NRGBA() != nil && b.DpiX == CanonicalDPI && b.DpiY == CanonicalDPI
}

// Normalize converts b to the canonical format and DPI. A bitmap already in
// canonical format keeps its pixel buffer; DPI correction only rewrites the
// metadata and never resamples.
func Normalize(b Bitmap) Bitmap {
	out := b
	if out.NRGBA() == nil {
		out.Image = imaging.Clone(b.Image)
	}
	if out.DpiX != CanonicalDPI || out.DpiY != CanonicalDPI {
		out.DpiX, out.DpiY = CanonicalDPI, CanonicalDPI
	}
	return out
}

// isCanonicalLayout: origin at (0,0) and tightly packed rows.
func isCanonicalLayout(img *image.NRGBA) bool {
	r := img.Rect
	return r.Min.X == 0 && r.Min.Y == 0 && img.Stride == 4*r.Dx()
}
