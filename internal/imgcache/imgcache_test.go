package imgcache

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kareteruhito/imgview/internal/diskcache"
	"github.com/kareteruhito/imgview/internal/logging"
	"github.com/kareteruhito/imgview/internal/page"
	"github.com/kareteruhito/imgview/internal/raster"
	"github.com/kareteruhito/imgview/internal/storage/local"
	"github.com/kareteruhito/imgview/internal/testutil"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func desc(name string) page.Descriptor {
	return page.Descriptor{Container: "/books/a.zip", Entry: name, Kind: page.Archive}
}

// countingLoader returns 4x6 bitmaps and counts calls.
func countingLoader(calls *atomic.Int64) Loader {
	return func(context.Context, page.Descriptor) (raster.Bitmap, error) {
		calls.Add(1)
		return raster.Bitmap{Image: image.NewRGBA(image.Rect(0, 0, 4, 6)), DpiX: 72, DpiY: 72}, nil
	}
}

func TestGetFromSource(t *testing.T) {
	dir := t.TempDir()
	book := testutil.WriteZip(t, dir, "book.zip", []testutil.Page{testutil.Landscape("001.png")})
	d := page.Descriptor{Container: book, Entry: "001.png", Kind: page.Archive}

	c := New(Options{})
	e, err := c.Get(d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !e.IsCanonical() || e.Width() != 80 || e.Height() != 60 {
		t.Errorf("entry %dx%d canonical=%v", e.Width(), e.Height(), e.IsCanonical())
	}
	if e.Stride() != 4*80 {
		t.Errorf("Stride = %d", e.Stride())
	}

	if _, err := c.Get(page.Descriptor{Container: book, Entry: "missing.png", Kind: page.Archive}); !errors.Is(err, page.ErrEntryNotFound) {
		t.Errorf("missing entry err = %v, want ErrEntryNotFound", err)
	}
}

func TestSecondGetDoesNotDecode(t *testing.T) {
	var calls atomic.Int64
	c := New(Options{Loader: countingLoader(&calls)})

	first, err := c.Get(desc("1.png"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Get(desc("1.png"))
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Error("hit should return the stored entry")
	}
	if calls.Load() != 1 || c.Decodes() != 1 {
		t.Errorf("loader calls = %d, decodes = %d; want 1", calls.Load(), c.Decodes())
	}
	if s := c.Stats(); s.Hits != 1 || s.Misses != 1 || s.Entries != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestConcurrentGetDecodesOnce(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	loader := func(ctx context.Context, d page.Descriptor) (raster.Bitmap, error) {
		<-release
		return countingLoader(&calls)(ctx, d)
	}
	c := New(Options{Loader: loader})

	const n = 16
	var wg sync.WaitGroup
	results := make([]*Entry, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Get(desc("1.png"))
			if err != nil {
				t.Error(err)
			}
			results[i] = e
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("loader calls = %d, want 1", calls.Load())
	}
	for i, e := range results {
		if e != results[0] {
			t.Errorf("result %d is a different entry", i)
		}
	}
}

func TestFailuresAreNotCached(t *testing.T) {
	var calls atomic.Int64
	fail := true
	loader := func(ctx context.Context, d page.Descriptor) (raster.Bitmap, error) {
		if fail {
			calls.Add(1)
			return raster.Bitmap{}, page.NewError(page.ErrDecodeFailed, d.Key(), nil)
		}
		return countingLoader(&calls)(ctx, d)
	}
	c := New(Options{Loader: loader})

	if _, err := c.Get(desc("1.png")); !errors.Is(err, page.ErrDecodeFailed) {
		t.Fatalf("err = %v, want ErrDecodeFailed", err)
	}
	if c.Contains(desc("1.png")) {
		t.Fatal("failed key was cached")
	}

	fail = false
	if _, err := c.Get(desc("1.png")); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("loader calls = %d, want 2", calls.Load())
	}
}

func TestFIFOEviction(t *testing.T) {
	var calls atomic.Int64
	c := New(Options{MaxEntries: 2, Loader: countingLoader(&calls)})

	for _, n := range []string{"1", "2"} {
		c.Get(desc(n))
	}
	// A hit must not refresh position.
	c.Get(desc("1"))
	c.Get(desc("3"))

	if c.Contains(desc("1")) {
		t.Error("oldest inserted entry should have been evicted")
	}
	if !c.Contains(desc("2")) || !c.Contains(desc("3")) {
		t.Errorf("keys = %v", c.Keys())
	}
	if s := c.Stats(); s.Evictions != 1 || s.Entries != 2 {
		t.Errorf("Stats = %+v", s)
	}

	c.Get(desc("1"))
	if calls.Load() != 4 {
		t.Errorf("evicted key should miss and decode again; calls = %d", calls.Load())
	}
}

func TestUnboundedByDefault(t *testing.T) {
	var calls atomic.Int64
	c := New(Options{Loader: countingLoader(&calls)})
	for i := 0; i < 50; i++ {
		c.Get(desc(string(rune('a' + i))))
	}
	if c.Len() != 50 {
		t.Errorf("Len = %d, want 50", c.Len())
	}
}

func TestGetContextCancelled(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	c := New(Options{Loader: func(ctx context.Context, d page.Descriptor) (raster.Bitmap, error) {
		<-release
		return countingLoader(&calls)(ctx, d)
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.GetContext(ctx, desc("1")); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	close(release)
	if _, err := c.Get(desc("1")); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("abandoned decode should still be shared; calls = %d", calls.Load())
	}
}

func TestInvalidateAndRemove(t *testing.T) {
	var calls atomic.Int64
	c := New(Options{Loader: countingLoader(&calls)})
	other := page.Descriptor{Container: "/books/b", Entry: "x.png", Kind: page.Directory}

	c.Get(desc("1"))
	c.Get(desc("2"))
	c.Get(other)

	if n := c.Invalidate("/books/a.zip"); n != 2 {
		t.Errorf("Invalidate = %d, want 2", n)
	}
	if c.Len() != 1 || !c.Contains(other) {
		t.Errorf("keys = %v", c.Keys())
	}
	if !c.Remove(other) || c.Remove(other) {
		t.Error("Remove should succeed once")
	}

	c.Get(desc("1"))
	c.Clear()
	if c.Len() != 0 {
		t.Error("Clear left entries")
	}
}

func TestPersistedTier(t *testing.T) {
	b, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "ImgCache"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	store := diskcache.New(b)

	var calls atomic.Int64
	first := New(Options{Store: store, Loader: countingLoader(&calls)})
	if _, err := first.Get(desc("1")); err != nil {
		t.Fatal(err)
	}

	second := New(Options{Store: store, Loader: countingLoader(&calls)})
	e, err := second.Get(desc("1"))
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 || second.Decodes() != 0 {
		t.Errorf("persisted page should be loaded, not decoded; calls=%d", calls.Load())
	}
	if e.Width() != 4 || e.Height() != 6 || !e.IsCanonical() {
		t.Errorf("persisted entry %dx%d canonical=%v", e.Width(), e.Height(), e.IsCanonical())
	}

	second.Invalidate("/books/a.zip")
	if _, ok, _ := store.Load(context.Background(), desc("1").Key()); ok {
		t.Error("Invalidate should drop the persisted copy")
	}
}

func TestKeysDoNotAliasAcrossContainers(t *testing.T) {
	var calls atomic.Int64
	// Directory pages decode 10 wide, archive pages 20 wide.
	c := New(Options{Loader: func(_ context.Context, d page.Descriptor) (raster.Bitmap, error) {
		calls.Add(1)
		w := 10
		if d.Kind == page.Archive {
			w = 20
		}
		return raster.Bitmap{Image: image.NewRGBA(image.Rect(0, 0, w, 10)), DpiX: 96, DpiY: 96}, nil
	}})

	plain := page.Descriptor{Container: "/d", Entry: "a.png", Kind: page.Directory}
	inArchive := page.Descriptor{Container: "/d/book.zip", Entry: "../a.png", Kind: page.Archive}

	p, err := c.Get(plain)
	if err != nil {
		t.Fatal(err)
	}
	a, err := c.Get(inArchive)
	if err != nil {
		t.Fatal(err)
	}
	if p.Width() != 10 || a.Width() != 20 {
		t.Errorf("widths = %d, %d; want 10, 20", p.Width(), a.Width())
	}
	if calls.Load() != 2 || c.Len() != 2 {
		t.Errorf("calls = %d, entries = %d; want 2 of each", calls.Load(), c.Len())
	}
}

func TestInvalidateDropsInFlightDecode(t *testing.T) {
	b, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "ImgCache"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	store := diskcache.New(b)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int64
	c := New(Options{Store: store, Loader: func(ctx context.Context, d page.Descriptor) (raster.Bitmap, error) {
		if calls.Load() == 0 {
			started <- struct{}{}
			<-release
		}
		return countingLoader(&calls)(ctx, d)
	}})

	done := make(chan error, 1)
	go func() {
		_, err := c.Get(desc("1"))
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("decode did not start")
	}
	if n := c.Invalidate("/books/a.zip"); n != 0 {
		t.Errorf("Invalidate = %d, want 0 cached pages", n)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("in-flight Get: %v", err)
	}
	if c.Contains(desc("1")) {
		t.Error("decode started before Invalidate was cached")
	}
	if ok, _ := b.ObjectExists(context.Background(), diskcache.ObjectName(desc("1").Key())); ok {
		t.Error("decode started before Invalidate was persisted")
	}

	if _, err := c.Get(desc("1")); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 || !c.Contains(desc("1")) {
		t.Errorf("calls = %d, cached = %v; want a fresh decode that is cached", calls.Load(), c.Contains(desc("1")))
	}
}

func TestGetAfterInvalidateDoesNotJoinStaleDecode(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int64
	c := New(Options{Loader: func(ctx context.Context, d page.Descriptor) (raster.Bitmap, error) {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-release
		}
		return raster.Bitmap{Image: image.NewRGBA(image.Rect(0, 0, 4, 6))}, nil
	}})

	go c.Get(desc("1"))
	<-started
	c.Invalidate("/books/a.zip")

	// Runs its own decode while the stale one is still blocked.
	if _, err := c.Get(desc("1")); err != nil {
		t.Fatal(err)
	}
	close(release)

	if calls.Load() != 2 || !c.Contains(desc("1")) {
		t.Errorf("calls = %d, cached = %v", calls.Load(), c.Contains(desc("1")))
	}
}
