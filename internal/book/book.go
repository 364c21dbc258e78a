package book

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidChapters reports chapter ordinals that are not 1..N in order.
var ErrInvalidChapters = errors.New("chapter indices must be contiguous from 1")

// Chapter is one readable segment of a document. Index is 1-based.
type Chapter struct {
	Index   int
	Title   string
	RawText string
}

// Book is a parsed document.
type Book struct {
	Title    string
	Author   string
	Language string
	Chapters []Chapter
}

// Parser turns a document on disk into a Book.
type Parser interface {
	Parse(ctx context.Context, path string) (Book, error)
}

// ValidateChapters checks that chapters are ordered and numbered 1..N.
func ValidateChapters(chapters []Chapter) error {
	for i, ch := range chapters {
		if ch.Index != i+1 {
			return fmt.Errorf("%w: position %d has index %d", ErrInvalidChapters, i+1, ch.Index)
		}
	}
	return nil
}
