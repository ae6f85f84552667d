// Package page defines page descriptors, page sequences and the error kinds
// shared by the locator, the decode cache and the navigator.
package page

import (
	"path/filepath"
	"strings"
)

// Kind is the type of container a page lives in.
type Kind int

const (
	Directory Kind = iota
	Archive
)

func (k Kind) String() string {
	switch k {
	case Directory:
		return "dir"
	case Archive:
		return "zip"
	default:
		return "unknown"
	}
}

// Descriptor identifies one decodable page: an entry inside a container.
// Descriptors are immutable once created.
type Descriptor struct {
	Container string // directory path or archive file path
	Entry     string // file name, or in-archive entry path
	Kind      Kind
}

// Key is the canonical cache key of the page: container and entry joined
// by a NUL byte, neither cleaned nor case-folded. A container path names
// either a directory or an archive, so the kind needs no part of its own.
func (d Descriptor) Key() string {
	return d.Container + "\x00" + d.Entry
}

// Path is the page location for logs and messages.
func (d Descriptor) Path() string {
	return filepath.Join(d.Container, filepath.FromSlash(d.Entry))
}

// Name is the entry name shown to the user.
func (d Descriptor) Name() string {
	return d.Entry
}

// Sequence is the ordered, read-only list of pages of a viewing session.
type Sequence []Descriptor

// Len returns the number of pages.
func (s Sequence) Len() int { return len(s) }

// Valid reports whether i is a page index of s.
func (s Sequence) Valid(i int) bool { return i >= 0 && i < len(s) }

// Last returns the last page index, or -1 for an empty sequence.
func (s Sequence) Last() int { return len(s) - 1 }

// SameContainer reports whether pages i and j are valid and share a container.
func (s Sequence) SameContainer(i, j int) bool {
	if !s.Valid(i) || !s.Valid(j) {
		return false
	}
	return s[i].Container == s[j].Container
}

// RunBefore counts the consecutive pages ending at index i (inclusive) that
// share the container of page i.
func (s Sequence) RunBefore(i int) int {
	if !s.Valid(i) {
		return 0
	}
	n := 0
	for j := i; j >= 0 && s[j].Container == s[i].Container; j-- {
		n++
	}
	return n
}

// Containers returns the distinct containers of s in first-seen order.
func (s Sequence) Containers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range s {
		if !seen[d.Container] {
			seen[d.Container] = true
			out = append(out, d.Container)
		}
	}
	return out
}

// imageExtensions are the raster formats the decoder accepts.
var imageExtensions = []string{".png", ".jpeg", ".jpg", ".bmp", ".webp", ".gif", ".tif", ".tiff"}

// Extensions decides how input paths and archive entries are classified.
type Extensions struct {
	// EpubAsArchive treats .epub containers as zip archives of pages.
	EpubAsArchive bool
}

// DefaultExtensions treats .zip and .epub as archives.
func DefaultExtensions() Extensions {
	return Extensions{EpubAsArchive: true}
}

// IsImage checks if a path has a recognized raster extension.
func (Extensions) IsImage(path string) bool {
	return IsImage(path)
}

// IsArchive checks if a path has a recognized archive extension.
func (e Extensions) IsArchive(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".cbz":
		return true
	case ".epub":
		return e.EpubAsArchive
	}
	return false
}

// IsImage checks if a path has a recognized raster extension, ignoring case.
func IsImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range imageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
