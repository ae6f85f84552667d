package raster

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/kareteruhito/imgview/internal/page"
)

// DecodeOptions tune Decode.
type DecodeOptions struct {
	// ApplyOrientation rotates/flips the image according to its EXIF
	// orientation tag.
	ApplyOrientation bool
}

// Decode reads a whole image stream and decodes it, probing its resolution
// metadata. name is used in errors only. Failures wrap page.ErrDecodeFailed.
func Decode(r io.Reader, name string, opts DecodeOptions) (Bitmap, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Bitmap{}, page.NewError(page.ErrDecodeFailed, name, err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Bitmap{}, page.NewError(page.ErrDecodeFailed, name, err)
	}

	bm := Bitmap{Image: img}
	bm.DpiX, bm.DpiY = probeDPI(format, data)

	if opts.ApplyOrientation && (format == "jpeg" || format == "tiff") {
		bm.Image = applyOrientation(bm.Image, exifOrientation(data))
	}
	return bm, nil
}

// DecodeConfig returns the pixel dimensions without decoding pixel data.
func DecodeConfig(r io.Reader) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// exifOrientation returns the EXIF orientation (1..8), 1 when absent.
func exifOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// applyOrientation transforms an image according to EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
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
