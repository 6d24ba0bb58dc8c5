// Package corpus loads raw training documents from local files.
//
// A Source is a restartable stream: every call to Documents starts a fresh
// pass over the underlying data, so the same Source can back multiple
// training epochs. Per-record problems (unparseable lines, empty text) are
// reported as errors wrapping ErrMalformed so that callers can skip them;
// any other error is a hard I/O failure and ends the stream.
package corpus

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrMalformed tags per-record data errors that are safe to skip.
var ErrMalformed = errors.New("malformed document")

// Document is one unit of raw training text. Text is immutable after load.
type Document struct {
	// ID identifies the document. Spans sampled from the same document
	// share it, which is how positive pairs are recovered downstream.
	ID   string
	Text string
}

// Source yields documents. Implementations must be restartable: each call
// to Documents opens a fresh iteration over the underlying data.
//
// A single consumer per iteration is assumed. Running two unpartitioned
// iterations concurrently double-counts the data.
type Source interface {
	Documents() func(yield func(Document, error) bool)
}

// fallbackID returns a deterministic identifier derived from the document
// content, for records that carry no identifier of their own. Derived ids
// are stable across passes, so re-iterating a source preserves grouping.
func fallbackID(text string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(text)).String()
}

// SliceSource serves documents from memory. Mostly useful for tests and for
// callers that assemble their corpus programmatically.
type SliceSource []Document

var _ Source = SliceSource(nil)

// Documents yields the slice elements in order. Documents with empty text
// are reported as ErrMalformed; documents with an empty ID get a
// content-derived one.
func (s SliceSource) Documents() func(yield func(Document, error) bool) {
	return func(yield func(Document, error) bool) {
		for _, doc := range s {
			if doc.Text == "" {
				if !yield(Document{}, errors.Wrapf(ErrMalformed, "document %q has no text", doc.ID)) {
					return
				}
				continue
			}
			if doc.ID == "" {
				doc.ID = fallbackID(doc.Text)
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}
