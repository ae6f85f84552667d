// Package watcher reports changes to page containers on disk so cached
// pages can be invalidated.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kareteruhito/imgview/internal/logging"
)

// DefaultDelay coalesces bursts of writes to one container.
const DefaultDelay = 300 * time.Millisecond

// debouncer coalesces rapid event bursts into a single callback per key.
type debouncer struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	delay  time.Duration
	onFire func(key string)
}

func newDebouncer(delay time.Duration, onFire func(key string)) *debouncer {
	return &debouncer{
		timers: make(map[string]*time.Timer),
		delay:  delay,
		onFire: onFire,
	}
}

func (d *debouncer) trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Reset(d.delay)
		return
	}
	d.timers[key] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()
		d.onFire(key)
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}

// Watcher watches a set of containers. Directory containers are watched
// directly; archive containers through their parent directory.
type Watcher struct {
	fw         *fsnotify.Watcher
	containers map[string]bool
	db         *debouncer
}

// New watches containers and calls onChange with a container path, at most
// once per delay, after its contents change. A delay of 0 uses DefaultDelay.
func New(containers []string, delay time.Duration, onChange func(container string)) (*Watcher, error) {
	if delay <= 0 {
		delay = DefaultDelay
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	w := &Watcher{
		fw:         fw,
		containers: make(map[string]bool, len(containers)),
		db:         newDebouncer(delay, onChange),
	}

	dirs := make(map[string]bool)
	for _, c := range containers {
		c = filepath.Clean(c)
		w.containers[c] = true
		dir := c
		if !isDir(c) {
			dir = filepath.Dir(c)
		}
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			logging.Warn("cannot watch container", logging.String("path", dir), logging.Err(err))
			continue
		}
		dirs[dir] = true
	}
	return w, nil
}

// Run dispatches file system events until ctx is done or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			for _, c := range w.affected(ev.Name) {
				w.db.trigger(c)
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logging.Warn("watcher error", logging.Err(err))
		}
	}
}

// affected returns the containers a changed path belongs to: the archive
// itself and/or the directory holding it.
func (w *Watcher) affected(name string) []string {
	name = filepath.Clean(name)
	var out []string
	if w.containers[name] {
		out = append(out, name)
	}
	if dir := filepath.Dir(name); w.containers[dir] {
		out = append(out, dir)
	}
	return out
}

// Close stops watching. Pending callbacks are dropped.
func (w *Watcher) Close() error {
	w.db.stop()
	return w.fw.Close()
}
