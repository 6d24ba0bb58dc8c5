package corpus

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// maxLineBytes bounds a single JSONL record. Documents are articles, not
// whole books, but the bufio default of 64KiB is too small for real corpora.
const maxLineBytes = 16 * 1024 * 1024

// JSONLSource reads one JSON object per line from a local file.
type JSONLSource struct {
	// Path of the .jsonl file.
	Path string
	// TextField is the key holding the document text. Defaults to "text".
	TextField string
	// IDField is the key holding the document id. If empty, or if a record
	// has no such key, a content-derived id is used.
	IDField string
}

var _ Source = &JSONLSource{}

// NewJSONLSource returns a source over path with the default field names.
func NewJSONLSource(path string) *JSONLSource {
	return &JSONLSource{Path: path, TextField: "text"}
}

// Documents streams the file line by line. Lines that are not valid JSON
// objects, or that lack a non-empty text field, yield ErrMalformed and the
// stream continues. I/O failures end the stream.
func (s *JSONLSource) Documents() func(yield func(Document, error) bool) {
	textField := s.TextField
	if textField == "" {
		textField = "text"
	}
	return func(yield func(Document, error) bool) {
		f, err := os.Open(s.Path)
		if err != nil {
			yield(Document{}, errors.Wrapf(err, "opening corpus file %q", s.Path))
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var record map[string]any
			if err := json.Unmarshal(line, &record); err != nil {
				if !yield(Document{}, errors.Wrapf(ErrMalformed, "%s:%d: invalid JSON: %v", s.Path, lineNo, err)) {
					return
				}
				continue
			}
			text, _ := record[textField].(string)
			if text == "" {
				if !yield(Document{}, errors.Wrapf(ErrMalformed, "%s:%d: missing or empty %q field", s.Path, lineNo, textField)) {
					return
				}
				continue
			}
			id, _ := record[s.IDField].(string)
			if id == "" {
				id = fallbackID(text)
			}
			if !yield(Document{ID: id, Text: text}, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Document{}, errors.Wrapf(err, "reading corpus file %q", s.Path))
		}
	}
}
