package viewer

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/kareteruhito/imgview/internal/config"
	"github.com/kareteruhito/imgview/internal/events"
	"github.com/kareteruhito/imgview/internal/logging"
	"github.com/kareteruhito/imgview/internal/navigator"
	"github.com/kareteruhito/imgview/internal/page"
	"github.com/kareteruhito/imgview/internal/testutil"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.WarmWorkers = 0
	return cfg
}

func newSession(t *testing.T, cfg *config.Config) *Session {
	t.Helper()
	s := New(cfg, Options{})
	t.Cleanup(func() { s.Close() })
	return s
}

func threePortraits(t *testing.T) string {
	t.Helper()
	return testutil.WriteZip(t, t.TempDir(), "book.zip", []testutil.Page{
		testutil.Portrait("1.png"), testutil.Portrait("2.png"), testutil.Portrait("3.png"),
	})
}

func waitEvent(t *testing.T, ch chan events.Event, typ string) events.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
			return events.Event{}
		}
	}
}

func TestSessionNavigation(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, testConfig())
	sub := s.Events().Subscribe()

	res, err := s.Open(ctx, []string{threePortraits(t)}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pages.Len() != 3 || res.Initial != 0 {
		t.Fatalf("Open = %d pages, initial %d", res.Pages.Len(), res.Initial)
	}
	waitEvent(t, sub, events.EventOpen)

	f, err := s.Render(ctx)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if f.View.Position != navigator.Single(0) || f.Canvas.Width() != 142 || f.Canvas.Height() != 80 {
		t.Errorf("first frame %v %dx%d", f.View.Position, f.Canvas.Width(), f.Canvas.Height())
	}
	if f.View.Name != "1.png" {
		t.Errorf("Name = %q", f.View.Name)
	}

	f, moved, err := s.Next(ctx)
	if err != nil || !moved {
		t.Fatalf("Next = %v, %v", moved, err)
	}
	if f.View.Position != navigator.Spread(1) || f.Canvas.Width() != 120 || f.View.Name != "3.png|2.png" {
		t.Errorf("spread frame %v %q width %d", f.View.Position, f.View.Name, f.Canvas.Width())
	}
	ev := waitEvent(t, sub, events.EventNavigate)
	if ev.Primary != 1 || ev.Secondary != 2 || ev.Session != s.ID() {
		t.Errorf("navigate event = %+v", ev)
	}

	if _, moved, err := s.Next(ctx); moved || err != nil {
		t.Errorf("Next at end = %v, %v", moved, err)
	}

	f, moved, err = s.Previous(ctx)
	if err != nil || !moved || f.View.Position != navigator.Single(0) {
		t.Errorf("Previous = %v %v %v", f.View.Position, moved, err)
	}

	if got := s.Cache().Decodes(); got != 3 {
		t.Errorf("Decodes = %d, want 3", got)
	}
}

func TestSessionNothingSelected(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, testConfig())
	if _, err := s.Open(ctx, []string{threePortraits(t)}, -1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Render(ctx); !errors.Is(err, ErrNothingSelected) {
		t.Errorf("Render err = %v", err)
	}
	if _, moved, _ := s.Next(ctx); moved {
		t.Error("Next should not move with nothing selected")
	}
}

func TestSessionPageError(t *testing.T) {
	ctx := context.Background()
	book := testutil.WriteZip(t, t.TempDir(), "book.zip", nil, "bad.png")

	s := newSession(t, testConfig())
	sub := s.Events().Subscribe()
	s.Open(ctx, []string{book}, 0)

	if _, err := s.Render(ctx); !errors.Is(err, page.ErrDecodeFailed) {
		t.Fatalf("Render err = %v, want ErrDecodeFailed", err)
	}
	ev := waitEvent(t, sub, events.EventPageError)
	if ev.Primary != 0 || ev.Error == "" {
		t.Errorf("page_error event = %+v", ev)
	}
}

func TestSessionWarm(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.WarmWorkers = 2
	s := newSession(t, cfg)

	s.Open(ctx, []string{threePortraits(t)}, 0)
	if err := s.WaitWarm(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Cache().Len() != 3 {
		t.Errorf("warmed %d pages, want 3", s.Cache().Len())
	}

	s.Render(ctx)
	s.Next(ctx)
	if got := s.Cache().Decodes(); got != 3 {
		t.Errorf("navigation after warm decoded again: %d", got)
	}
}

func TestSessionCover(t *testing.T) {
	s := newSession(t, testConfig())
	th, err := s.Cover(context.Background(), threePortraits(t))
	if err != nil {
		t.Fatal(err)
	}
	if th.Width != 60 || th.Height != 80 || len(th.Data) == 0 {
		t.Errorf("cover = %dx%d", th.Width, th.Height)
	}
}

func TestSessionWatchInvalidates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	img := testutil.WriteImage(t, dir, testutil.Portrait("a.png"))

	cfg := testConfig()
	cfg.WatchSources = true
	s := newSession(t, cfg)
	sub := s.Events().Subscribe()

	s.Open(ctx, []string{img}, 0)
	if _, err := s.Render(ctx); err != nil {
		t.Fatal(err)
	}

	testutil.WriteImage(t, dir, testutil.Landscape("a.png"))
	ev := waitEvent(t, sub, events.EventInvalidate)
	if ev.Path != dir || ev.Count != 1 {
		t.Errorf("invalidate event = %+v", ev)
	}

	f, err := s.Render(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.Canvas.Height() != 60 {
		t.Errorf("re-rendered page height = %d, want the new 60", f.Canvas.Height())
	}
}

func TestSessionClose(t *testing.T) {
	s := New(testConfig(), Options{})
	sub := s.Events().Subscribe()
	s.Open(context.Background(), []string{threePortraits(t)}, 0)
	s.Render(context.Background())

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.Cache().Len() != 0 {
		t.Error("Close should drop cached pages")
	}
	for range sub {
	}
	if _, err := s.Open(context.Background(), nil, 0); err == nil {
		t.Error("Open after Close should fail")
	}
}
