// Package source opens page containers. Directories and zip archives share
// one capability so the locator and the decode cache have a single code path.
package source

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zip"

	"github.com/kareteruhito/imgview/internal/page"
)

// Source is an opened container of pages.
type Source interface {
	// Entries lists entry names in container enumeration order.
	Entries() ([]string, error)

	// Open streams one entry. Missing entries yield page.ErrEntryNotFound.
	Open(name string) (io.ReadCloser, error)

	// Kind returns the container kind.
	Kind() page.Kind

	// Close releases any resources held by the source.
	Close() error
}

// Open opens the container of the given kind. Failures wrap
// page.ErrSourceUnavailable.
func Open(kind page.Kind, container string) (Source, error) {
	switch kind {
	case page.Directory:
		return OpenDirectory(container)
	case page.Archive:
		return OpenZip(container)
	default:
		return nil, page.NewError(page.ErrSourceUnavailable, container, fmt.Errorf("unknown container kind %d", kind))
	}
}

// OpenEntry is a convenience that opens the descriptor's container and
// streams its entry. Closing the returned reader closes the container.
func OpenEntry(d page.Descriptor) (io.ReadCloser, error) {
	src, err := Open(d.Kind, d.Container)
	if err != nil {
		return nil, err
	}
	rc, err := src.Open(d.Entry)
	if err != nil {
		src.Close()
		return nil, err
	}
	return &entryReadCloser{ReadCloser: rc, src: src}, nil
}

type entryReadCloser struct {
	io.ReadCloser
	src Source
}

func (e *entryReadCloser) Close() error {
	err := e.ReadCloser.Close()
	if cerr := e.src.Close(); err == nil {
		err = cerr
	}
	return err
}

// Directory is a directory-backed container.
type Directory struct {
	root string
}

// OpenDirectory opens a directory container.
func OpenDirectory(root string) (*Directory, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, page.NewError(page.ErrSourceUnavailable, root, err)
	}
	if !info.IsDir() {
		return nil, page.NewError(page.ErrSourceUnavailable, root, errors.New("not a directory"))
	}
	return &Directory{root: root}, nil
}

// Entries lists regular files in the directory, sorted by name.
func (d *Directory) Entries() ([]string, error) {
	des, err := os.ReadDir(d.root)
	if err != nil {
		return nil, page.NewError(page.ErrSourceUnavailable, d.root, err)
	}
	names := make([]string, 0, len(des))
	for _, de := range des {
		if de.Type().IsRegular() {
			names = append(names, de.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Open streams a file of the directory.
func (d *Directory) Open(name string) (io.ReadCloser, error) {
	path := filepath.Join(d.root, filepath.FromSlash(name))
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, page.NewError(page.ErrEntryNotFound, path, err)
		}
		return nil, page.NewError(page.ErrSourceUnavailable, path, err)
	}
	return f, nil
}

// Kind returns page.Directory.
func (d *Directory) Kind() page.Kind { return page.Directory }

// Close is a no-op for directories.
func (d *Directory) Close() error { return nil }

// Zip is a zip-archive container (.zip, .cbz, .epub).
type Zip struct {
	path  string
	r     *zip.ReadCloser
	index map[string]*zip.File
}

// OpenZip opens a zip archive. A missing file or corrupt central directory
// wraps page.ErrSourceUnavailable.
func OpenZip(path string) (*Zip, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, page.NewError(page.ErrSourceUnavailable, path, err)
	}
	index := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		if _, dup := index[f.Name]; !dup {
			index[f.Name] = f
		}
	}
	return &Zip{path: path, r: r, index: index}, nil
}

// Entries lists file entries in archive order, skipping directories.
func (z *Zip) Entries() ([]string, error) {
	names := make([]string, 0, len(z.r.File))
	for _, f := range z.r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		names = append(names, f.Name)
	}
	return names, nil
}

// Open streams one archive entry.
func (z *Zip) Open(name string) (io.ReadCloser, error) {
	f, ok := z.index[name]
	if !ok {
		return nil, page.NewError(page.ErrEntryNotFound, z.path+":"+name, nil)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, page.NewError(page.ErrSourceUnavailable, z.path+":"+name, err)
	}
	return rc, nil
}

// Kind returns page.Archive.
func (z *Zip) Kind() page.Kind { return page.Archive }

// Close closes the archive file.
func (z *Zip) Close() error { return z.r.Close() }
