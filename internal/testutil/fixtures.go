// Package testutil builds image and archive fixtures for tests.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

// Page describes one fixture image.
type Page struct {
	Name          string
	Width, Height int
}

// Portrait returns a 60x80 page named name.
func Portrait(name string) Page { return Page{Name: name, Width: 60, Height: 80} }

// Landscape returns an 80x60 page named name.
func Landscape(name string) Page { return Page{Name: name, Width: 80, Height: 60} }

// PNG encodes a w x h image filled with a colour derived from seed.
func PNG(t testing.TB, w, h int, seed byte) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := color.RGBA{R: seed, G: 255 - seed, B: seed / 2, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

// WriteImage writes a PNG fixture into dir and returns its path.
func WriteImage(t testing.TB, dir string, p Page) string {
	t.Helper()
	path := filepath.Join(dir, p.Name)
	if err := os.WriteFile(path, PNG(t, p.Width, p.Height, byte(len(p.Name)*17)), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// WriteZip writes an archive holding the given pages, in order, plus any
// extra non-image entries, and returns its path.
func WriteZip(t testing.TB, dir, name string, pages []Page, extra ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for i, p := range pages {
		w, err := zw.Create(p.Name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(PNG(t, p.Width, p.Height, byte(i*31+7))); err != nil {
			t.Fatal(err)
		}
	}
	for _, e := range extra {
		w, err := zw.Create(e)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte("not an image"))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}
