// Package diskcache persists normalized page bitmaps on a storage.Backend.
//
// Each cache key maps to one object named by the BLAKE2b-256 hex digest of
// the key plus ".tiff". Objects are single-frame, Deflate-compressed TIFFs.
// Keys are the same strings the in-memory cache uses, so the two tiers are
// interchangeable.
package diskcache

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/image/tiff"

	"github.com/kareteruhito/imgview/internal/logging"
	"github.com/kareteruhito/imgview/internal/metrics"
	"github.com/kareteruhito/imgview/internal/raster"
	"github.com/kareteruhito/imgview/internal/retry"
	"github.com/kareteruhito/imgview/internal/storage"
)

const objectExt = ".tiff"

// Store is the persisted page tier.
type Store struct {
	backend storage.Backend
	retry   retry.Config

	hits   atomic.Int64
	misses atomic.Int64
	saves  atomic.Int64
}

// New creates a Store on backend.
func New(backend storage.Backend) *Store {
	return &Store{backend: backend, retry: retry.DefaultConfig()}
}

// ObjectName returns the object key used for a cache key.
func ObjectName(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + objectExt
}

// Load returns the persisted bitmap for key. A missing object reports
// ok=false with a nil error.
func (s *Store) Load(ctx context.Context, key string) (raster.Bitmap, bool, error) {
	name := ObjectName(key)

	data, err := retry.DoWithResult(ctx, s.retry, func() ([]byte, error) {
		rc, err := s.backend.GetObject(ctx, name)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.misses.Add(1)
			metrics.RecordDiskCache("load", "miss")
			return raster.Bitmap{}, false, nil
		}
		metrics.RecordDiskCache("load", "error")
		return raster.Bitmap{}, false, fmt.Errorf("load %s: %w", name, err)
	}

	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		metrics.RecordDiskCache("load", "error")
		return raster.Bitmap{}, false, fmt.Errorf("decode %s: %w", name, err)
	}

	s.hits.Add(1)
	metrics.RecordDiskCache("load", "hit")
	return raster.Normalize(raster.Bitmap{Image: img}), true, nil
}

// Save persists bm under key, replacing any previous object.
func (s *Store) Save(ctx context.Context, key string, bm raster.Bitmap) error {
	name := ObjectName(key)

	var buf bytes.Buffer
	if err := tiff.Encode(&buf, bm.Image, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		metrics.RecordDiskCache("save", "error")
		return fmt.Errorf("encode %s: %w", name, err)
	}
	data := buf.Bytes()

	err := retry.Do(ctx, s.retry, func() error {
		return s.backend.PutObject(ctx, name, bytes.NewReader(data), int64(len(data)))
	})
	if err != nil {
		metrics.RecordDiskCache("save", "error")
		return fmt.Errorf("save %s: %w", name, err)
	}

	s.saves.Add(1)
	metrics.RecordDiskCache("save", "success")
	logging.Debug("persisted page", logging.String("key", key), logging.String("object", name))
	return nil
}

// Remove deletes the persisted object of key, if any.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.backend.DeleteObject(ctx, ObjectName(key))
}

// Clear deletes every persisted page object and returns how many were removed.
// Objects that are not page objects are left alone.
func (s *Store) Clear(ctx context.Context) (int, error) {
	keys, err := s.backend.ListObjects(ctx)
	if err != nil {
		metrics.RecordDiskCache("clear", "error")
		return 0, err
	}

	removed := 0
	for _, k := range keys {
		if !strings.HasSuffix(k, objectExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.backend.DeleteObject(ctx, k); err != nil {
			metrics.RecordDiskCache("clear", "error")
			return removed, err
		}
		removed++
	}

	metrics.RecordDiskCache("clear", "success")
	logging.Info("cleared persisted cache",
		logging.String("backend", s.backend.Type()),
		logging.Int("removed", removed))
	return removed, nil
}

// Stats returns persisted tier counters.
func (s *Store) Stats() (hits, misses, saves int64) {
	return s.hits.Load(), s.misses.Load(), s.saves.Load()
}

// Backend returns the underlying storage backend.
func (s *Store) Backend() storage.Backend { return s.backend }
