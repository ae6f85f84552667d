package page

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrEntryNotFound     = errors.New("entry not found")
	ErrDecodeFailed      = errors.New("decode failed")
	ErrEmptyArchive      = errors.New("archive has no images")
)

// Error attaches an error kind and the offending path to a cause.
type Error struct {
	Kind error
	Path string
	Err  error
}

// NewError builds an *Error. err may be nil.
func NewError(kind error, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Path, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
