// Package main provides a CLI for the image viewer core: resolve playlists,
// render pages and spreads, make cover thumbnails and maintain the
// persisted page cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/kareteruhito/imgview/internal/config"
	"github.com/kareteruhito/imgview/internal/diskcache"
	"github.com/kareteruhito/imgview/internal/events"
	"github.com/kareteruhito/imgview/internal/logging"
	"github.com/kareteruhito/imgview/internal/metrics"
	"github.com/kareteruhito/imgview/internal/storage"
	"github.com/kareteruhito/imgview/internal/viewer"
)

// options are the global flags shared by every command.
type options struct {
	selected int
	steps    int
	out      string
}

func main() {
	configPath := flag.String("config", "imgview.toml", "Config file (TOML, optional)")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	selected := flag.Int("select", 0, "Index of the selected playlist input (-1 for none)")
	steps := flag.Int("steps", 0, "Pages to move before rendering (negative moves back)")
	out := flag.String("out", "", "Output file for render/cover")

	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := startMetrics(cfg.MetricsAddr)
		defer srv.Shutdown(context.Background())
	}

	opts := options{selected: *selected, steps: *steps, out: *out}
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "pages", "ls":
		err = cmdPages(ctx, os.Stdout, cfg, opts, cmdArgs)
	case "render":
		err = cmdRender(ctx, os.Stdout, cfg, opts, cmdArgs)
	case "walk":
		err = cmdWalk(ctx, os.Stdout, cfg, opts, cmdArgs)
	case "cover":
		err = cmdCover(ctx, os.Stdout, cfg, opts, cmdArgs)
	case "warm":
		err = cmdWarm(ctx, os.Stdout, cfg, cmdArgs)
	case "cache-clear":
		err = cmdCacheClear(ctx, os.Stdout, cfg)
	case "stats":
		err = cmdStats(ctx, os.Stdout, cfg)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		logging.Error("command failed", logging.String("command", cmd), logging.Err(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logging.Sync()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`imgview - image sequence viewer core

Usage: imgview [flags] <command> [args]

Flags:
  -config <file>     Config file (default: imgview.toml, optional)
  -metrics <addr>    Serve Prometheus metrics (e.g. :9090)
  -log-level <lvl>   debug, info, warn, error
  -select <n>        Selected playlist input (default: 0, -1 for none)
  -steps <n>         Pages to move before rendering (negative moves back)
  -out <file>        Output file for render (PNG) and cover (JPEG)

Commands:
  pages, ls <inputs...>  List the pages a playlist resolves to
  render <inputs...>     Render the current view to -out
  walk <inputs...>       Step through every view, printing events as JSON
  cover <input>          Make the cover thumbnail of one input
  warm <inputs...>       Decode every page into the persisted cache
  cache-clear            Delete every persisted page
  stats                  Show persisted cache statistics
  help                   Show this help message

Examples:
  imgview pages book.zip extras/ cover.png
  imgview -select 1 -steps 3 -out view.png render a.zip b.zip
  imgview -out cover.jpg cover book.cbz
  imgview cache-clear`)
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.Info("metrics server starting", logging.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", logging.Err(err))
		}
	}()
	return srv
}

// openStore returns the persisted page tier, or nil when it is disabled
// and not forced.
func openStore(ctx context.Context, cfg *config.Config, force bool) (*diskcache.Store, error) {
	if !cfg.DiskCache && !force {
		return nil, nil
	}
	backend, err := storage.NewBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening cache backend: %w", err)
	}
	return diskcache.New(backend), nil
}

func newSession(ctx context.Context, cfg *config.Config) (*viewer.Session, error) {
	store, err := openStore(ctx, cfg, false)
	if err != nil {
		return nil, err
	}
	return viewer.New(cfg, viewer.Options{Store: store}), nil
}

func printWarnings(w io.Writer, warnings []error) {
	for _, warn := range warnings {
		fmt.Fprintf(w, "skipped: %v\n", warn)
	}
}

func cmdPages(ctx context.Context, w io.Writer, cfg *config.Config, opts options, inputs []string) error {
	if len(inputs) == 0 {
		return errors.New("usage: imgview pages <inputs...>")
	}
	cfg.WarmWorkers = 0
	s, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.Open(ctx, inputs, opts.selected)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tKIND\tCONTAINER\tENTRY")
	fmt.Fprintln(tw, "-----\t----\t---------\t-----")
	for i, d := range res.Pages {
		marker := ""
		if i == res.Initial {
			marker = " *"
		}
		fmt.Fprintf(tw, "%d%s\t%s\t%s\t%s\n", i, marker, d.Kind, d.Container, d.Entry)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d pages, initial %d\n", res.Pages.Len(), res.Initial)
	printWarnings(w, res.Warnings)
	return nil
}

// openAt opens inputs and moves opts.steps pages from the initial page.
func openAt(ctx context.Context, s *viewer.Session, w io.Writer, opts options, inputs []string) (viewer.Frame, error) {
	res, err := s.Open(ctx, inputs, opts.selected)
	if err != nil {
		return viewer.Frame{}, err
	}
	printWarnings(w, res.Warnings)

	f, err := s.Render(ctx)
	move, n := s.Next, opts.steps
	if n < 0 {
		move, n = s.Previous, -n
	}
	for ; err == nil && n > 0; n-- {
		next, moved, merr := move(ctx)
		if !moved {
			break
		}
		f, err = next, merr
	}
	return f, err
}

func cmdRender(ctx context.Context, w io.Writer, cfg *config.Config, opts options, inputs []string) error {
	if len(inputs) == 0 || opts.out == "" {
		return errors.New("usage: imgview -out <file.png> render <inputs...>")
	}
	cfg.WarmWorkers = 0
	s, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	f, err := openAt(ctx, s, w, opts, inputs)
	if err != nil {
		return err
	}

	file, err := os.Create(opts.out)
	if err != nil {
		return err
	}
	if err := png.Encode(file, f.Canvas.Image); err != nil {
		file.Close()
		return fmt.Errorf("encoding %s: %w", opts.out, err)
	}
	if err := file.Close(); err != nil {
		return err
	}

	fmt.Fprintf(w, "%s  %dx%d  %s  (%s)\n",
		f.View.Name, f.Canvas.Width(), f.Canvas.Height(), f.View.Position, formatDuration(f.Elapsed))
	return nil
}

func cmdWalk(ctx context.Context, w io.Writer, cfg *config.Config, opts options, inputs []string) error {
	if len(inputs) == 0 {
		return errors.New("usage: imgview walk <inputs...>")
	}
	s, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	sub := s.Events().Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			if data, err := events.MarshalEvent(ev); err == nil {
				fmt.Fprintln(w, string(data))
			}
		}
	}()

	res, err := s.Open(ctx, inputs, opts.selected)
	if err == nil {
		printWarnings(os.Stderr, res.Warnings)
		err = walk(ctx, s, sub)
	}

	s.Events().Unsubscribe(sub)
	<-done
	return err
}

// walk renders every view from the current one to the end. Page errors
// are reported as events and do not stop the walk. Before each step it
// waits for sub to drain below half its buffer, so a slow printer does not
// lose events.
func walk(ctx context.Context, s *viewer.Session, sub chan events.Event) error {
	if _, err := s.Render(ctx); errors.Is(err, viewer.ErrNothingSelected) {
		return nil
	}
	for {
		if err := drain(ctx, sub); err != nil {
			return err
		}
		if _, moved, _ := s.Next(ctx); !moved {
			return ctx.Err()
		}
	}
}

func drain(ctx context.Context, sub chan events.Event) error {
	for len(sub) > cap(sub)/2 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func cmdCover(ctx context.Context, w io.Writer, cfg *config.Config, opts options, args []string) error {
	if len(args) != 1 || opts.out == "" {
		return errors.New("usage: imgview -out <file.jpg> cover <input>")
	}
	cfg.WarmWorkers = 0
	s, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	th, err := s.Cover(ctx, args[0])
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.out, th.Data, 0644); err != nil {
		return err
	}
	fmt.Fprintf(w, "Cover %dx%d -> %s (%s)\n", th.Width, th.Height, opts.out, formatSize(int64(len(th.Data))))
	return nil
}

func cmdWarm(ctx context.Context, w io.Writer, cfg *config.Config, inputs []string) error {
	if len(inputs) == 0 {
		return errors.New("usage: imgview warm <inputs...>")
	}
	store, err := openStore(ctx, cfg, true)
	if err != nil {
		return err
	}
	if cfg.WarmWorkers <= 0 {
		cfg.WarmWorkers = 1
	}
	s := viewer.New(cfg, viewer.Options{Store: store})
	defer s.Close()

	start := time.Now()
	res, err := s.Open(ctx, inputs, -1)
	if err != nil {
		return err
	}
	printWarnings(w, res.Warnings)
	if err := s.WaitWarm(ctx); err != nil {
		return err
	}

	st := s.Cache().Stats()
	_, _, saves := store.Stats()
	fmt.Fprintf(w, "Warmed %d of %d pages in %s (%d decoded, %d persisted)\n",
		st.Entries, res.Pages.Len(), formatDuration(time.Since(start)), st.Decodes, saves)
	return ctx.Err()
}

func cmdCacheClear(ctx context.Context, w io.Writer, cfg *config.Config) error {
	store, err := openStore(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer store.Backend().Close()

	n, err := store.Clear(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Cleared %d pages from cache\n", n)
	return nil
}

func cmdStats(ctx context.Context, w io.Writer, cfg *config.Config) error {
	store, err := openStore(ctx, cfg, true)
	if err != nil {
		return err
	}
	backend := store.Backend()
	defer backend.Close()

	keys, err := backend.ListObjects(ctx)
	if err != nil {
		return err
	}
	pages, thumbs := 0, 0
	for _, k := range keys {
		switch {
		case strings.HasSuffix(k, ".tiff"):
			pages++
		case strings.HasSuffix(k, ".jpg"):
			thumbs++
		}
	}

	location := cfg.DiskCacheDir
	if backend.Type() == "s3" {
		location = cfg.S3Bucket + "/" + cfg.S3Prefix
	}

	fmt.Fprintln(w, "Cache Statistics")
	fmt.Fprintln(w, "----------------")
	fmt.Fprintf(w, "Backend:      %s\n", backend.Type())
	fmt.Fprintf(w, "Location:     %s\n", location)
	fmt.Fprintf(w, "Pages:        %d\n", pages)
	fmt.Fprintf(w, "Thumbnails:   %d\n", thumbs)
	fmt.Fprintf(w, "Memory bound: %s\n", formatBound(cfg.CacheMaxEntries))
	return nil
}

func formatBound(n int) string {
	if n <= 0 {
		return "unbounded"
	}
	return fmt.Sprintf("%d pages (FIFO)", n)
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
