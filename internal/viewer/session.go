// Package viewer owns a viewing session: the decoded page cache, the spread
// navigator and everything that feeds them.
package viewer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/kareteruhito/imgview/internal/compositor"
	"github.com/kareteruhito/imgview/internal/config"
	"github.com/kareteruhito/imgview/internal/diskcache"
	"github.com/kareteruhito/imgview/internal/events"
	"github.com/kareteruhito/imgview/internal/imgcache"
	"github.com/kareteruhito/imgview/internal/locator"
	"github.com/kareteruhito/imgview/internal/logging"
	"github.com/kareteruhito/imgview/internal/navigator"
	"github.com/kareteruhito/imgview/internal/page"
	"github.com/kareteruhito/imgview/internal/raster"
	"github.com/kareteruhito/imgview/internal/thumbs"
	"github.com/kareteruhito/imgview/internal/watcher"
)

// ErrNothingSelected is returned by Render when no page is selected.
var ErrNothingSelected = errors.New("no page selected")

// Frame is one rendered view.
type Frame struct {
	Canvas  compositor.Canvas
	View    navigator.View
	Elapsed time.Duration
}

// Options configure a Session beyond the config file.
type Options struct {
	// Store is the persisted page tier, nil to disable it.
	Store *diskcache.Store

	// Loader replaces the default page loader.
	Loader imgcache.Loader
}

// Session is one viewing session. Navigation and rendering calls are
// serialized internally; background warming and source watching run on
// their own goroutines until the next Open or Close.
type Session struct {
	id     string
	cfg    *config.Config
	loc    *locator.Locator
	cache  *imgcache.Cache
	nav    *navigator.Navigator
	events *events.Broadcaster
	thumbs *thumbs.Generator

	mu       sync.Mutex
	result   locator.Result
	stop     context.CancelFunc
	bg       sync.WaitGroup
	watch    *watcher.Watcher
	closed   bool
	warmDone chan struct{}
}

// New creates an empty session.
func New(cfg *config.Config, opts Options) *Session {
	cache := imgcache.New(imgcache.Options{
		MaxEntries: cfg.CacheMaxEntries,
		Store:      opts.Store,
		Decode:     raster.DecodeOptions{ApplyOrientation: cfg.ExifOrientation},
		Loader:     opts.Loader,
	})

	s := &Session{
		id:     newSessionID(),
		cfg:    cfg,
		loc:    locator.New(page.Extensions{EpubAsArchive: cfg.EpubAsArchive}),
		cache:  cache,
		nav:    navigator.New(cache),
		events: events.NewBroadcaster(),
		thumbs: &thumbs.Generator{
			Cache:   cache,
			MaxSize: cfg.ThumbMaxSize,
			Quality: cfg.ThumbQuality,
		},
	}
	if opts.Store != nil {
		s.thumbs.Backend = opts.Store.Backend()
	}
	return s
}

func newSessionID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// ID returns the session identifier used in logs and events.
func (s *Session) ID() string { return s.id }

// Cache returns the session's decoded page cache.
func (s *Session) Cache() *imgcache.Cache { return s.cache }

// Events returns the session's event broadcaster.
func (s *Session) Events() *events.Broadcaster { return s.events }

// Pages returns the current page sequence.
func (s *Session) Pages() page.Sequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result.Pages
}

// Open resolves a playlist and selects the first page of input selected
// (-1 for none). Background work of the previous playlist is stopped first.
// Unusable inputs are reported in the returned warnings.
func (s *Session) Open(ctx context.Context, inputs []string, selected int) (locator.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return locator.Result{}, errors.New("session closed")
	}
	s.stopBackground()

	log := logging.WithContext(logging.WithSession(ctx, s.id))
	res := s.loc.Resolve(inputs, selected)
	s.result = res
	s.nav.Start(res.Pages, res.Initial)

	log.Info("playlist opened",
		logging.Int("inputs", len(inputs)),
		logging.Int("pages", res.Pages.Len()),
		logging.Int("initial", res.Initial),
		logging.Int("warnings", len(res.Warnings)))
	s.events.Publish(events.Event{
		Type:      events.EventOpen,
		Session:   s.id,
		Primary:   res.Initial,
		Secondary: -1,
		Count:     res.Pages.Len(),
	})

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stop = cancel
	s.startWarm(bgCtx, res.Pages)
	if s.cfg.WatchSources {
		s.startWatch(bgCtx, res.Pages.Containers())
	}
	return res, nil
}

// startWarm pre-decodes the whole sequence in the background.
// Must be called with lock held.
func (s *Session) startWarm(ctx context.Context, pages page.Sequence) {
	done := make(chan struct{})
	s.warmDone = done
	if s.cfg.WarmWorkers <= 0 || pages.Len() == 0 {
		close(done)
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer close(done)
		n, err := s.cache.WarmAll(ctx, pages, s.cfg.WarmWorkers)
		ev := events.Event{Type: events.EventWarmDone, Session: s.id, Primary: -1, Secondary: -1, Count: n}
		if err != nil {
			ev.Error = err.Error()
		}
		s.events.Publish(ev)
	}()
}

// startWatch invalidates cached pages of containers that change on disk.
// Must be called with lock held.
func (s *Session) startWatch(ctx context.Context, containers []string) {
	w, err := watcher.New(containers, 0, s.invalidate)
	if err != nil {
		logging.Warn("source watching disabled", logging.String("session", s.id), logging.Err(err))
		return
	}
	s.watch = w
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		w.Run(ctx)
	}()
}

func (s *Session) invalidate(container string) {
	n := s.cache.Invalidate(container)
	logging.Info("container changed",
		logging.String("session", s.id),
		logging.String("container", container),
		logging.Int("invalidated", n))
	s.events.Publish(events.Event{
		Type:      events.EventInvalidate,
		Session:   s.id,
		Path:      container,
		Primary:   -1,
		Secondary: -1,
		Count:     n,
	})
}

// WaitWarm blocks until the current warm pass ends or ctx is done.
func (s *Session) WaitWarm(ctx context.Context) error {
	s.mu.Lock()
	done := s.warmDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Render composes the current view.
func (s *Session) Render(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.render(ctx)
}

// Must be called with lock held.
func (s *Session) render(ctx context.Context) (Frame, error) {
	start := time.Now()
	view, ok := s.nav.Current()
	if !ok {
		return Frame{}, ErrNothingSelected
	}

	primary, err := s.page(ctx, view.Primary, view.Position.Primary())
	if err != nil {
		return Frame{View: view}, err
	}
	var secondary *raster.Bitmap
	if view.Secondary != nil {
		e, err := s.page(ctx, *view.Secondary, view.Position.Secondary())
		if err != nil {
			return Frame{View: view}, err
		}
		secondary = &e.Bitmap
	}

	canvas, err := compositor.ComposeContext(ctx, primary.Bitmap, secondary)
	if err != nil {
		return Frame{View: view}, err
	}

	f := Frame{Canvas: canvas, View: view, Elapsed: time.Since(start)}
	logging.Debug("rendered",
		logging.String("session", s.id),
		logging.String("name", view.Name),
		logging.Duration("elapsed", f.Elapsed))
	return f, nil
}

func (s *Session) page(ctx context.Context, d page.Descriptor, index int) (*imgcache.Entry, error) {
	e, err := s.cache.GetContext(ctx, d)
	if err != nil && ctx.Err() == nil {
		s.events.Publish(events.Event{
			Type:      events.EventPageError,
			Session:   s.id,
			Path:      d.Path(),
			Primary:   index,
			Secondary: -1,
			Error:     err.Error(),
		})
	}
	return e, err
}

// Next moves forward and renders. moved is false, with no error, when the
// end of the sequence is already shown.
func (s *Session) Next(ctx context.Context) (f Frame, moved bool, err error) {
	return s.step(ctx, s.nav.MoveNext)
}

// Previous moves back and renders. moved is false, with no error, when the
// first page is already shown.
func (s *Session) Previous(ctx context.Context) (f Frame, moved bool, err error) {
	return s.step(ctx, s.nav.MovePrevious)
}

func (s *Session) step(ctx context.Context, move func() bool) (Frame, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !move() {
		return Frame{}, false, nil
	}
	f, err := s.render(ctx)
	pos := f.View.Position
	s.events.Publish(events.Event{
		Type:      events.EventNavigate,
		Session:   s.id,
		Name:      f.View.Name,
		Primary:   pos.Primary(),
		Secondary: pos.Secondary(),
	})
	return f, true, err
}

// Cover returns the cover thumbnail of a playlist input.
func (s *Session) Cover(ctx context.Context, input string) (thumbs.Thumb, error) {
	return s.thumbs.Cover(ctx, s.loc, input)
}

// stopBackground cancels warming and watching and waits for them.
// Must be called with lock held.
func (s *Session) stopBackground() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	if s.watch != nil {
		s.watch.Close()
		s.watch = nil
	}
	s.bg.Wait()
}

// Close stops background work, drops cached pages and closes event
// subscriptions. The persisted tier is kept.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopBackground()
	s.cache.Clear()
	s.events.Close()
	logging.Info("session closed", logging.String("session", s.id))
	return nil
}
