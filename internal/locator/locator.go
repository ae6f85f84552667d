// Package locator flattens a playlist of image files and archives into an
// ordered page sequence.
package locator

import (
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kareteruhito/imgview/internal/logging"
	"github.com/kareteruhito/imgview/internal/page"
	"github.com/kareteruhito/imgview/internal/source"
)

// Result is the outcome of resolving a playlist.
type Result struct {
	Pages page.Sequence

	// Initial is the first page of the selected input, or -1.
	Initial int

	// Warnings holds one error per input that contributed no pages because
	// it could not be opened or held no images.
	Warnings []error
}

// Locator resolves playlists.
type Locator struct {
	ext page.Extensions
}

// New creates a locator using the given extension rules.
func New(ext page.Extensions) *Locator {
	return &Locator{ext: ext}
}

// Resolve flattens inputs into pages. Image files contribute one page each;
// archives contribute their image entries in archive order; anything else
// is skipped. selected counts only inputs that contributed pages, so an
// empty or unreadable archive does not advance it. A page already resolved
// (a repeated input or a duplicate archive entry) is dropped, and an input
// left with no new pages does not advance selected either. Per-input
// failures are returned in Result.Warnings and never abort resolution.
func (l *Locator) Resolve(inputs []string, selected int) Result {
	res := Result{Initial: -1}
	contributed := 0
	seen := make(map[string]struct{})

	for _, input := range inputs {
		pages, err := l.expand(input)
		if err != nil {
			logging.Warn("skipping playlist input", zap.String("input", input), zap.Error(err))
			res.Warnings = append(res.Warnings, err)
			continue
		}
		pages = unseen(pages, seen)
		if len(pages) == 0 {
			continue
		}
		if selected >= 0 && contributed == selected {
			res.Initial = len(res.Pages)
		}
		contributed++
		res.Pages = append(res.Pages, pages...)
	}

	logging.Debug("playlist resolved",
		zap.Int("inputs", len(inputs)),
		zap.Int("pages", len(res.Pages)),
		zap.Int("initial", res.Initial),
		zap.Int("warnings", len(res.Warnings)))
	return res
}

// unseen filters out pages already resolved, recording the rest in seen.
func unseen(pages []page.Descriptor, seen map[string]struct{}) []page.Descriptor {
	kept := pages[:0]
	for _, d := range pages {
		key := d.Key()
		if _, dup := seen[key]; dup {
			logging.Debug("skipping duplicate page", zap.String("page", d.Path()))
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, d)
	}
	return kept
}

// FirstPage returns the cover page of a single input.
func (l *Locator) FirstPage(input string) (page.Descriptor, error) {
	pages, err := l.expand(input)
	if err != nil {
		return page.Descriptor{}, err
	}
	if len(pages) == 0 {
		return page.Descriptor{}, page.NewError(page.ErrSourceUnavailable, input, errors.New("not an image or archive"))
	}
	return pages[0], nil
}

// expand returns the pages of one input. Unrecognized inputs yield no pages
// and no error.
func (l *Locator) expand(input string) ([]page.Descriptor, error) {
	switch {
	case l.ext.IsImage(input):
		info, err := os.Stat(input)
		if err != nil {
			return nil, page.NewError(page.ErrSourceUnavailable, input, err)
		}
		if info.IsDir() {
			return nil, page.NewError(page.ErrSourceUnavailable, input, errors.New("is a directory"))
		}
		return []page.Descriptor{{
			Container: filepath.Dir(input),
			Entry:     filepath.Base(input),
			Kind:      page.Directory,
		}}, nil
	case l.ext.IsArchive(input):
		return l.expandArchive(input)
	default:
		return nil, nil
	}
}

func (l *Locator) expandArchive(path string) ([]page.Descriptor, error) {
	src, err := source.OpenZip(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	names, err := src.Entries()
	if err != nil {
		return nil, err
	}

	var pages []page.Descriptor
	for _, name := range names {
		if !l.ext.IsImage(name) {
			continue
		}
		pages = append(pages, page.Descriptor{Container: path, Entry: name, Kind: page.Archive})
	}
	if len(pages) == 0 {
		return nil, page.NewError(page.ErrEmptyArchive, path, nil)
	}
	return pages, nil
}
