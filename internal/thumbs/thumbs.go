// Package thumbs renders cover thumbnails for page containers.
package thumbs

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"image/jpeg"
	"io"
	"io/fs"

	"github.com/disintegration/imaging"
	"golang.org/x/crypto/blake2b"

	"github.com/kareteruhito/imgview/internal/imgcache"
	"github.com/kareteruhito/imgview/internal/locator"
	"github.com/kareteruhito/imgview/internal/logging"
	"github.com/kareteruhito/imgview/internal/page"
	"github.com/kareteruhito/imgview/internal/storage"
)

const (
	DefaultMaxSize = 400
	DefaultQuality = 80
)

// Thumb is an encoded JPEG thumbnail.
type Thumb struct {
	Data          []byte
	Width, Height int
}

// Generator makes thumbnails from cached pages. A non-nil Backend keeps
// generated thumbnails under "_thumbs/".
type Generator struct {
	Cache   *imgcache.Cache
	Backend storage.Backend
	MaxSize int
	Quality int
}

// ThumbKey returns the storage key of the thumbnail of d at maxSize.
func ThumbKey(d page.Descriptor, maxSize int) string {
	h, _ := blake2b.New256(nil)
	io.WriteString(h, d.Key())
	h.Write([]byte{byte(maxSize >> 8), byte(maxSize)})
	return "_thumbs/" + hex.EncodeToString(h.Sum(nil)) + ".jpg"
}

// Generate returns the thumbnail of page d, fitted within MaxSize x MaxSize
// preserving aspect ratio.
func (g *Generator) Generate(ctx context.Context, d page.Descriptor) (Thumb, error) {
	maxSize, quality := g.MaxSize, g.Quality
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if quality <= 0 {
		quality = DefaultQuality
	}
	key := ThumbKey(d, maxSize)

	if g.Backend != nil {
		if t, ok := g.load(ctx, key); ok {
			return t, nil
		}
	}

	e, err := g.Cache.GetContext(ctx, d)
	if err != nil {
		return Thumb{}, err
	}

	thumb := imaging.Fit(e.Image, maxSize, maxSize, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: quality}); err != nil {
		return Thumb{}, err
	}
	t := Thumb{Data: buf.Bytes(), Width: thumb.Bounds().Dx(), Height: thumb.Bounds().Dy()}

	if g.Backend != nil {
		if err := g.Backend.PutObject(ctx, key, bytes.NewReader(t.Data), int64(len(t.Data))); err != nil {
			logging.Warn("storing thumbnail failed", logging.String("key", key), logging.Err(err))
		}
	}
	return t, nil
}

// Cover returns the thumbnail of the first page of a playlist input.
func (g *Generator) Cover(ctx context.Context, loc *locator.Locator, input string) (Thumb, error) {
	d, err := loc.FirstPage(input)
	if err != nil {
		return Thumb{}, err
	}
	return g.Generate(ctx, d)
}

func (g *Generator) load(ctx context.Context, key string) (Thumb, bool) {
	rc, err := g.Backend.GetObject(ctx, key)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logging.Warn("reading thumbnail failed", logging.String("key", key), logging.Err(err))
		}
		return Thumb{}, false
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return Thumb{}, false
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Thumb{}, false
	}
	return Thumb{Data: data, Width: cfg.Width, Height: cfg.Height}, true
}
