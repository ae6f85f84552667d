package navigator

import (
	"errors"
	"image"
	"os"
	"testing"

	"github.com/kareteruhito/imgview/internal/imgcache"
	"github.com/kareteruhito/imgview/internal/logging"
	"github.com/kareteruhito/imgview/internal/page"
	"github.com/kareteruhito/imgview/internal/raster"
	"github.com/kareteruhito/imgview/internal/testutil"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

// shapes maps entry names to their shape: 'P' portrait, 'L' landscape,
// 'X' undecodable. Unknown names are portrait.
type shapes map[string]byte

func (s shapes) Get(d page.Descriptor) (*imgcache.Entry, error) {
	w, h := 60, 80
	switch s[d.Entry] {
	case 'L':
		w, h = 80, 60
	case 'X':
		return nil, page.NewError(page.ErrDecodeFailed, d.Key(), errors.New("corrupt"))
	}
	return &imgcache.Entry{
		Key:    d.Key(),
		Page:   d,
		Bitmap: raster.Bitmap{Image: image.NewNRGBA(image.Rect(0, 0, w, h)), DpiX: 96, DpiY: 96},
	}, nil
}

// seq builds a sequence; each group is one container holding n pages named
// "<container>-<i>".
func seq(groups ...struct {
	container string
	n         int
}) page.Sequence {
	var s page.Sequence
	for _, g := range groups {
		for i := 0; i < g.n; i++ {
			s = append(s, page.Descriptor{
				Container: g.container,
				Entry:     g.container + "-" + string(rune('0'+i)),
				Kind:      page.Archive,
			})
		}
	}
	return s
}

func group(container string, n int) struct {
	container string
	n         int
} {
	return struct {
		container string
		n         int
	}{container, n}
}

func current(t *testing.T, n *Navigator) Position {
	t.Helper()
	v, ok := n.Current()
	if !ok {
		t.Fatal("Current reported nothing selected")
	}
	return v.Position
}

func TestThreePortraitsScenario(t *testing.T) {
	n := New(shapes{})
	n.Start(seq(group("A", 3)), 0)

	v, ok := n.Current()
	if !ok || v.Position != Single(0) || v.Secondary != nil {
		t.Fatalf("start view = %+v", v)
	}

	if !n.MoveNext() {
		t.Fatal("MoveNext from 0 failed")
	}
	v, _ = n.Current()
	if v.Position != Spread(1) {
		t.Fatalf("after MoveNext position = %v, want spread(1,2)", v.Position)
	}
	if v.Name != "A-2|A-1" {
		t.Errorf("Name = %q, want secondary|primary", v.Name)
	}
	if v.Secondary == nil || v.Secondary.Entry != "A-2" || v.Primary.Entry != "A-1" {
		t.Errorf("view pages = %+v / %+v", v.Primary, v.Secondary)
	}

	if n.MoveNext() {
		t.Error("MoveNext should fail when the spread reaches the last page")
	}
	if n.Position() != Spread(1) {
		t.Errorf("failed MoveNext changed state to %v", n.Position())
	}
}

func TestLandscapeNeverPairs(t *testing.T) {
	n := New(shapes{"A-1": 'L'})
	n.Start(seq(group("A", 3)), 1)

	v, _ := n.Current()
	if v.Position != Single(1) || v.Name != "A-1" {
		t.Errorf("view = %v %q, want single(1)", v.Position, v.Name)
	}

	n = New(shapes{"A-2": 'L'})
	n.Start(seq(group("A", 4)), 1)
	if got := current(t, n); got != Single(1) {
		t.Errorf("landscape next page: position = %v, want single(1)", got)
	}
}

func TestContainerBoundaryForcesSingle(t *testing.T) {
	n := New(shapes{})
	n.Start(seq(group("A", 2), group("B", 3)), 1)
	if got := current(t, n); got != Single(1) {
		t.Errorf("last page of A: %v", got)
	}

	n.Start(seq(group("A", 2), group("B", 3)), 2)
	if got := current(t, n); got != Single(2) {
		t.Errorf("first page of B: %v", got)
	}
}

func TestDecodeFailureDoesNotPair(t *testing.T) {
	n := New(shapes{"A-2": 'X'})
	n.Start(seq(group("A", 4)), 1)
	if got := current(t, n); got != Single(1) {
		t.Errorf("position = %v, want single(1)", got)
	}

	n.Start(seq(group("A", 4)), 3)
	if !n.MovePrevious() {
		t.Fatal("MovePrevious failed")
	}
	if got := n.Position(); got != Single(2) {
		t.Errorf("probe failure on previous page should stop at single(2), got %v", got)
	}
}

func TestMovePreviousEvenRunAcrossContainers(t *testing.T) {
	n := New(shapes{})
	n.Start(seq(group("A", 2), group("B", 2)), 2)

	if !n.MovePrevious() {
		t.Fatal("MovePrevious failed")
	}
	if got := n.Position(); got != Single(1) {
		t.Errorf("even run: position = %v, want single(1)", got)
	}
	if got := current(t, n); got != Single(1) {
		t.Errorf("even run: current = %v", got)
	}
}

func TestMovePreviousOddRunAcrossContainers(t *testing.T) {
	n := New(shapes{})
	n.Start(seq(group("A", 3), group("B", 2)), 3)

	if !n.MovePrevious() {
		t.Fatal("MovePrevious failed")
	}
	if got := n.Position(); got != Spread(1) {
		t.Errorf("odd run: position = %v, want spread(1,2)", got)
	}
}

func TestMovePreviousStopsAtFirstPage(t *testing.T) {
	n := New(shapes{})
	n.Start(seq(group("A", 3)), 1)
	if !n.MovePrevious() || n.Position() != Single(0) {
		t.Fatalf("position = %v, want single(0)", n.Position())
	}
	if n.MovePrevious() {
		t.Error("MovePrevious at page 0 should fail")
	}
}

func TestNothingSelected(t *testing.T) {
	n := New(shapes{})
	n.Start(seq(group("A", 3)), -1)

	if _, ok := n.Current(); ok {
		t.Error("Current should report nothing selected")
	}
	if n.MoveNext() || n.MovePrevious() {
		t.Error("moves should fail with nothing selected")
	}

	n.Start(nil, 0)
	if !n.Position().IsNone() {
		t.Error("empty sequence should select nothing")
	}
}

func TestSinglePageSequence(t *testing.T) {
	n := New(shapes{})
	n.Start(seq(group("A", 1)), 0)
	if got := current(t, n); got != Single(0) {
		t.Errorf("position = %v", got)
	}
	if n.MoveNext() || n.MovePrevious() {
		t.Error("a single page cannot move")
	}
}

func TestRoundTrip(t *testing.T) {
	sequences := []struct {
		name   string
		pages  page.Sequence
		shapes shapes
	}{
		{"one container", seq(group("A", 6)), shapes{}},
		{"two containers", seq(group("A", 4), group("B", 4)), shapes{}},
		{"landscape inside", seq(group("A", 6)), shapes{"A-3": 'L'}},
	}
	for _, tt := range sequences {
		t.Run(tt.name, func(t *testing.T) {
			n := New(tt.shapes)
			n.Start(tt.pages, 0)
			before := current(t, n)

			for {
				if !n.MoveNext() {
					break
				}
				after := current(t, n)
				if !n.MovePrevious() {
					t.Fatalf("MovePrevious from %v failed", after)
				}
				if got := current(t, n); got != before {
					t.Fatalf("round trip from %v: got %v", before, got)
				}
				n.MoveNext()
				before = current(t, n)
			}
		})
	}
}

func TestWithCacheProbesOnce(t *testing.T) {
	dir := t.TempDir()
	book := testutil.WriteZip(t, dir, "book.zip", []testutil.Page{
		testutil.Portrait("1.png"), testutil.Portrait("2.png"), testutil.Portrait("3.png"),
	})
	s := page.Sequence{
		{Container: book, Entry: "1.png", Kind: page.Archive},
		{Container: book, Entry: "2.png", Kind: page.Archive},
		{Container: book, Entry: "3.png", Kind: page.Archive},
	}
	cache := imgcache.New(imgcache.Options{})
	n := New(cache)
	n.Start(s, 1)

	for i := 0; i < 3; i++ {
		if got := current(t, n); got != Spread(1) {
			t.Fatalf("position = %v", got)
		}
	}
	if cache.Decodes() != 2 {
		t.Errorf("Decodes = %d, want 2", cache.Decodes())
	}
}
