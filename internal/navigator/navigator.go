// Package navigator walks a page sequence one page or one two-page spread
// at a time, in right-to-left reading order.
//
// A Navigator is not safe for concurrent use; callers serialize navigation.
package navigator

import (
	"fmt"

	"github.com/kareteruhito/imgview/internal/imgcache"
	"github.com/kareteruhito/imgview/internal/logging"
	"github.com/kareteruhito/imgview/internal/metrics"
	"github.com/kareteruhito/imgview/internal/page"
)

// Pages provides decoded pages for aspect-ratio probes.
type Pages interface {
	Get(d page.Descriptor) (*imgcache.Entry, error)
}

type posKind uint8

const (
	posNone posKind = iota
	posSingle
	posSpread
)

// Position is the navigation state: nothing selected, a single page, or a
// spread of two adjacent pages.
type Position struct {
	kind  posKind
	index int
}

// None is the empty position.
func None() Position { return Position{} }

// Single is the position showing page i alone.
func Single(i int) Position { return Position{kind: posSingle, index: i} }

// Spread is the position showing pages i and i+1 side by side.
func Spread(i int) Position { return Position{kind: posSpread, index: i} }

// IsNone reports whether nothing is selected.
func (p Position) IsNone() bool { return p.kind == posNone }

// IsSpread reports whether two pages are paired.
func (p Position) IsSpread() bool { return p.kind == posSpread }

// Primary returns the primary page index, or -1.
func (p Position) Primary() int {
	if p.kind == posNone {
		return -1
	}
	return p.index
}

// Secondary returns the paired page index, or -1.
func (p Position) Secondary() int {
	if p.kind != posSpread {
		return -1
	}
	return p.index + 1
}

func (p Position) String() string {
	switch p.kind {
	case posSingle:
		return fmt.Sprintf("single(%d)", p.index)
	case posSpread:
		return fmt.Sprintf("spread(%d,%d)", p.index, p.index+1)
	default:
		return "none"
	}
}

// View is what should be shown for the current position.
type View struct {
	Primary   page.Descriptor
	Secondary *page.Descriptor // nil unless a spread
	Name      string           // "secondary|primary" for spreads
	Position  Position
}

// Navigator holds a position in a page sequence.
type Navigator struct {
	pages page.Sequence
	src   Pages
	pos   Position
}

// New creates a Navigator that probes page shapes through src.
func New(src Pages) *Navigator {
	return &Navigator{src: src}
}

// Start resets the navigator to seq, showing page initial. An initial of
// -1 or outside seq selects nothing.
func (n *Navigator) Start(seq page.Sequence, initial int) {
	n.pages = seq
	if seq.Valid(initial) {
		n.pos = Single(initial)
	} else {
		n.pos = None()
	}
}

// Position returns the current position.
func (n *Navigator) Position() Position { return n.pos }

// Pages returns the sequence being navigated.
func (n *Navigator) Pages() page.Sequence { return n.pages }

// Current decides whether the primary page is shown alone or paired with
// the next page, records that pairing and returns the view. ok is false
// when nothing is selected.
func (n *Navigator) Current() (v View, ok bool) {
	if n.pos.IsNone() {
		return View{}, false
	}
	p := n.pos.Primary()

	n.pos = Single(p)
	if n.pairsForward(p) {
		n.pos = Spread(p)
	}

	v = View{
		Primary:  n.pages[p],
		Name:     n.pages[p].Name(),
		Position: n.pos,
	}
	if n.pos.IsSpread() {
		s := n.pages[p+1]
		v.Secondary = &s
		v.Name = s.Name() + "|" + n.pages[p].Name()
	}
	return v, true
}

// pairsForward reports whether page p is shown together with page p+1.
func (n *Navigator) pairsForward(p int) bool {
	last := n.pages.Last()
	if p == 0 || p == last || n.pages.Len() == 1 {
		return false
	}
	if !n.pages.SameContainer(p-1, p) || !n.pages.SameContainer(p, p+1) {
		return false
	}
	if !n.portrait(p) {
		return false
	}
	return n.portrait(p + 1)
}

// portrait probes page i. A page that fails to decode counts as portrait
// that must not pair, so it reports false as well.
func (n *Navigator) portrait(i int) bool {
	e, err := n.src.Get(n.pages[i])
	if err != nil {
		logging.Warn("page probe failed", logging.String("page", n.pages[i].Path()), logging.Err(err))
		return false
	}
	return !e.Landscape()
}

// MoveNext advances past the current page or spread. It returns false
// without changing state when nothing is selected or the last page is
// already shown.
func (n *Navigator) MoveNext() bool {
	if n.pos.IsNone() {
		metrics.RecordNavigation("next", false)
		return false
	}
	last := n.pages.Last()
	if n.pos.Primary() == last || n.pos.Secondary() == last {
		metrics.RecordNavigation("next", false)
		return false
	}

	if n.pos.IsSpread() {
		n.pos = Single(n.pos.Secondary() + 1)
	} else {
		n.pos = Single(n.pos.Primary() + 1)
	}
	metrics.RecordNavigation("next", true)
	return true
}

// MovePrevious steps back one page, or two when the previous two pages
// form a spread. Crossing into a container whose run length is even keeps
// single-page alignment. It returns false when nothing is selected or the
// first page is shown.
func (n *Navigator) MovePrevious() bool {
	if n.pos.IsNone() || n.pos.Primary() == 0 {
		metrics.RecordNavigation("previous", false)
		return false
	}
	p := n.pos.Primary()

	fileCounter := 0
	if !n.pages.SameContainer(p-1, p) {
		fileCounter = n.pages.RunBefore(p - 1)
	}

	p--
	n.pos = Single(p)
	metrics.RecordNavigation("previous", true)

	switch {
	case fileCounter > 0 && fileCounter%2 == 0:
		return true
	case p == 0:
		return true
	case !n.portrait(p):
		return true
	case !n.pages.SameContainer(p-1, p):
		return true
	}

	n.pos = Spread(p - 1)
	return true
}
