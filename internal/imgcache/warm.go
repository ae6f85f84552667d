package imgcache

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kareteruhito/imgview/internal/logging"
	"github.com/kareteruhito/imgview/internal/metrics"
	"github.com/kareteruhito/imgview/internal/page"
)

// Warm decodes and caches d, discarding the entry.
func (c *Cache) Warm(ctx context.Context, d page.Descriptor) error {
	_, err := c.GetContext(ctx, d)
	metrics.RecordWarm(err == nil)
	return err
}

// WarmAll warms every page with up to workers concurrent decodes (at least
// one). Per-page failures are logged and skipped. Cancelling ctx stops the
// pass before the next page; the returned count is the number of pages
// warmed and the error is ctx.Err().
func (c *Cache) WarmAll(ctx context.Context, pages []page.Descriptor, workers int) (int, error) {
	if workers < 1 {
		workers = 1
	}

	var warmed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(workers)

	for _, d := range pages {
		if ctx.Err() != nil {
			break
		}
		d := d
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := c.Warm(ctx, d); err != nil {
				if ctx.Err() == nil {
					logging.Warn("warm failed", logging.String("page", d.Path()), logging.Err(err))
				}
				return nil
			}
			warmed.Add(1)
			return nil
		})
	}
	g.Wait()

	n := int(warmed.Load())
	logging.Debug("warm pass finished", logging.Int("pages", len(pages)), logging.Int("warmed", n))
	return n, ctx.Err()
}
