package raster

import (
	"bytes"
	"encoding/binary"

	"github.com/rwcarlsen/goexif/exif"
)

const (
	inchesPerMeter = 39.3700787
	cmPerInch      = 2.54
)

// probeDPI reads resolution metadata from the encoded image. Formats or
// files without resolution metadata report CanonicalDPI.
func probeDPI(format string, data []byte) (float64, float64) {
	var x, y float64
	switch format {
	case "jpeg":
		x, y = exifDPI(data)
		if x == 0 || y == 0 {
			x, y = jfifDPI(data)
		}
	case "tiff":
		x, y = exifDPI(data)
	case "png":
		x, y = pngDPI(data)
	case "bmp":
		x, y = bmpDPI(data)
	}
	if x <= 0 || y <= 0 {
		return CanonicalDPI, CanonicalDPI
	}
	return x, y
}

// exifDPI reads XResolution/YResolution/ResolutionUnit from EXIF or TIFF IFD0.
func exifDPI(data []byte) (float64, float64) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	rx := exifRational(x, exif.XResolution)
	ry := exifRational(x, exif.YResolution)
	if rx == 0 || ry == 0 {
		return 0, 0
	}

	unit := 2 // inches
	if tag, err := x.Get(exif.ResolutionUnit); err == nil {
		if v, err := tag.Int(0); err == nil {
			unit = v
		}
	}
	switch unit {
	case 2:
		return rx, ry
	case 3:
		return rx * cmPerInch, ry * cmPerInch
	default:
		// unit 1: aspect ratio only
		return 0, 0
	}
}

func exifRational(x *exif.Exif, f exif.FieldName) float64 {
	tag, err := x.Get(f)
	if err != nil {
		return 0
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// jfifDPI reads the density of a JFIF APP0 segment directly after SOI.
func jfifDPI(data []byte) (float64, float64) {
	// FFD8 FFE0 len(2) "JFIF\0" version(2) units(1) xdensity(2) ydensity(2)
	if len(data) < 18 || data[0] != 0xFF || data[1] != 0xD8 || data[2] != 0xFF || data[3] != 0xE0 {
		return 0, 0
	}
	if !bytes.Equal(data[6:11], []byte("JFIF\x00")) {
		return 0, 0
	}
	units := data[13]
	x := float64(binary.BigEndian.Uint16(data[14:16]))
	y := float64(binary.BigEndian.Uint16(data[16:18]))
	switch units {
	case 1:
		return x, y
	case 2:
		return x * cmPerInch, y * cmPerInch
	default:
		return 0, 0
	}
}

// pngDPI reads the pHYs chunk, if any, before the first IDAT.
func pngDPI(data []byte) (float64, float64) {
	const sigLen = 8
	pos := sigLen
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		typ := string(data[pos+4 : pos+8])
		body := pos + 8
		if length < 0 || body+length > len(data) {
			return 0, 0
		}
		switch typ {
		case "pHYs":
			if length < 9 {
				return 0, 0
			}
			ppuX := float64(binary.BigEndian.Uint32(data[body : body+4]))
			ppuY := float64(binary.BigEndian.Uint32(data[body+4 : body+8]))
			if data[body+8] != 1 { // unit is not the metre
				return 0, 0
			}
			return ppuX / inchesPerMeter, ppuY / inchesPerMeter
		case "IDAT", "IEND":
			return 0, 0
		}
		pos = body + length + 4 // skip CRC
	}
	return 0, 0
}

// bmpDPI reads biXPelsPerMeter/biYPelsPerMeter of a BITMAPINFOHEADER.
func bmpDPI(data []byte) (float64, float64) {
	if len(data) < 46 || data[0] != 'B' || data[1] != 'M' {
		return 0, 0
	}
	if binary.LittleEndian.Uint32(data[14:18]) < 40 {
		return 0, 0
	}
	x := float64(int32(binary.LittleEndian.Uint32(data[38:42])))
	y := float64(int32(binary.LittleEndian.Uint32(data[42:46])))
	return x / inchesPerMeter, y / inchesPerMeter
}
