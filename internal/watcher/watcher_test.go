package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kareteruhito/imgview/internal/logging"
	"github.com/kareteruhito/imgview/internal/testutil"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

type recorder struct {
	mu  sync.Mutex
	got []string
	ch  chan string
}

func newRecorder() *recorder { return &recorder{ch: make(chan string, 16)} }

func (r *recorder) fire(c string) {
	r.mu.Lock()
	r.got = append(r.got, c)
	r.mu.Unlock()
	r.ch <- c
}

func (r *recorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case c := <-r.ch:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change")
		return ""
	}
}

func start(t *testing.T, containers []string, delay time.Duration, r *recorder) {
	t.Helper()
	w, err := New(containers, delay, r.fire)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() {
		cancel()
		w.Close()
	})
}

func TestDirectoryChange(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteImage(t, dir, testutil.Portrait("a.png"))

	r := newRecorder()
	start(t, []string{dir}, 20*time.Millisecond, r)

	testutil.WriteImage(t, dir, testutil.Landscape("a.png"))
	if got := r.wait(t); got != filepath.Clean(dir) {
		t.Errorf("changed container = %q, want %q", got, dir)
	}
}

func TestArchiveChangeIsDebounced(t *testing.T) {
	dir := t.TempDir()
	book := testutil.WriteZip(t, dir, "book.zip", []testutil.Page{testutil.Portrait("1.png")})

	r := newRecorder()
	start(t, []string{book}, 250*time.Millisecond, r)

	for i := 0; i < 3; i++ {
		testutil.WriteZip(t, dir, "book.zip", []testutil.Page{testutil.Portrait("1.png"), testutil.Portrait("2.png")})
	}
	if got := r.wait(t); got != book {
		t.Errorf("changed container = %q, want %q", got, book)
	}

	time.Sleep(500 * time.Millisecond)
	r.mu.Lock()
	n := len(r.got)
	r.mu.Unlock()
	if n != 1 {
		t.Errorf("callbacks = %d, want 1 after a burst", n)
	}
}

func TestUnrelatedFileIgnored(t *testing.T) {
	dir := t.TempDir()
	book := testutil.WriteZip(t, dir, "book.zip", []testutil.Page{testutil.Portrait("1.png")})

	w, err := New([]string{book}, 0, func(string) {})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if got := w.affected(filepath.Join(dir, "other.zip")); len(got) != 0 {
		t.Errorf("affected(other.zip) = %v", got)
	}
	if got := w.affected(book); len(got) != 1 || got[0] != book {
		t.Errorf("affected(book) = %v", got)
	}
}
