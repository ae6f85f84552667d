// Package compositor lays one page or a two-page spread onto a canvas in
// the canonical pixel format.
package compositor

import (
	"context"
	"image"
	"math"
	"time"

	"golang.org/x/image/draw"

	"github.com/kareteruhito/imgview/internal/metrics"
	"github.com/kareteruhito/imgview/internal/raster"
)

// SingleAspect is the minimum width/height ratio of a single-page canvas.
const SingleAspect = 16.0 / 9.0

// Canvas is a composed view. Its pixels must not be modified.
type Canvas struct {
	raster.Bitmap

	// PrimaryRect and SecondaryRect locate each page on the canvas.
	// SecondaryRect is empty for single pages.
	PrimaryRect   image.Rectangle
	SecondaryRect image.Rectangle
}

// Compose draws primary alone, or secondary on the left and primary on the
// right when secondary is non-nil. Unused pixels are transparent.
func Compose(primary raster.Bitmap, secondary *raster.Bitmap) Canvas {
	start := time.Now()
	var c Canvas
	if secondary == nil {
		c = composeSingle(primary)
		metrics.RecordCompose("single", time.Since(start))
	} else {
		c = composeSpread(primary, *secondary)
		metrics.RecordCompose("spread", time.Since(start))
	}
	return c
}

// ComposeContext runs Compose on its own goroutine and stops waiting when
// ctx is done.
func ComposeContext(ctx context.Context, primary raster.Bitmap, secondary *raster.Bitmap) (Canvas, error) {
	done := make(chan Canvas, 1)
	go func() { done <- Compose(primary, secondary) }()

	select {
	case <-ctx.Done():
		return Canvas{}, ctx.Err()
	case c := <-done:
		return c, nil
	}
}

// SingleWidth returns the canvas width for a page of w x h pixels.
func SingleWidth(w, h int) int {
	return max(w, int(math.Round(float64(h)*SingleAspect)))
}

func composeSingle(p raster.Bitmap) Canvas {
	w, h := p.Width(), p.Height()
	cw := SingleWidth(w, h)
	x := max(0, (cw-w)/2)

	dst := image.NewNRGBA(image.Rect(0, 0, cw, h))
	r := image.Rect(x, 0, x+w, h)
	blit(dst, r, p.Image)

	return Canvas{
		Bitmap:      raster.Bitmap{Image: dst, DpiX: raster.CanonicalDPI, DpiY: raster.CanonicalDPI},
		PrimaryRect: r,
	}
}

func composeSpread(p, s raster.Bitmap) Canvas {
	sw := s.Width()
	cw := sw + p.Width()
	ch := max(p.Height(), s.Height())

	dst := image.NewNRGBA(image.Rect(0, 0, cw, ch))
	sr := image.Rect(0, 0, sw, s.Height())
	pr := image.Rect(sw, 0, cw, p.Height())
	blit(dst, sr, s.Image)
	blit(dst, pr, p.Image)

	return Canvas{
		Bitmap:        raster.Bitmap{Image: dst, DpiX: raster.CanonicalDPI, DpiY: raster.CanonicalDPI},
		PrimaryRect:   pr,
		SecondaryRect: sr,
	}
}

func blit(dst *image.NRGBA, r image.Rectangle, src image.Image) {
	draw.Draw(dst, r, src, src.Bounds().Min, draw.Src)
}
