package corpus

import (
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// ParquetSource reads documents from a local parquet file, the interchange
// format most published text datasets ship in. Only the text and id columns
// are materialized; everything else in the row is ignored.
type ParquetSource struct {
	// Path of the .parquet file.
	Path string
	// TextColumn names the column holding document text. Defaults to "text".
	TextColumn string
	// IDColumn names the column holding the document id. If empty or
	// missing, a content-derived id is used.
	IDColumn string
}

var _ Source = &ParquetSource{}

// NewParquetSource returns a source over path with the default column names.
func NewParquetSource(path string) *ParquetSource {
	return &ParquetSource{Path: path, TextColumn: "text"}
}

// Documents streams rows group by group. Rows with a null or empty text
// column yield ErrMalformed and the stream continues.
func (s *ParquetSource) Documents() func(yield func(Document, error) bool) {
	textColumn := s.TextColumn
	if textColumn == "" {
		textColumn = "text"
	}
	return func(yield func(Document, error) bool) {
		f, err := os.Open(s.Path)
		if err != nil {
			yield(Document{}, errors.Wrapf(err, "opening parquet file %q", s.Path))
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			yield(Document{}, errors.Wrapf(err, "stat %q", s.Path))
			return
		}
		pf, err := parquet.OpenFile(f, info.Size())
		if err != nil {
			yield(Document{}, errors.Wrapf(err, "parsing parquet file %q", s.Path))
			return
		}

		textIdx, idIdx := -1, -1
		for i, path := range pf.Schema().Columns() {
			if len(path) != 1 {
				continue
			}
			switch path[0] {
			case textColumn:
				textIdx = i
			case s.IDColumn:
				idIdx = i
			}
		}
		if textIdx < 0 {
			yield(Document{}, errors.Errorf("parquet file %q has no column %q", s.Path, textColumn))
			return
		}

		rowNo := 0
		for _, rg := range pf.RowGroups() {
			rows := rg.Rows()
			if !s.yieldRowGroup(rows, textIdx, idIdx, &rowNo, yield) {
				_ = rows.Close()
				return
			}
			if err := rows.Close(); err != nil {
				yield(Document{}, errors.Wrapf(err, "closing row group of %q", s.Path))
				return
			}
		}
	}
}

// yieldRowGroup drains one row group. Returns false when the consumer
// stopped the iteration.
func (s *ParquetSource) yieldRowGroup(rows parquet.Rows, textIdx, idIdx int, rowNo *int, yield func(Document, error) bool) bool {
	buf := make([]parquet.Row, 64)
	for {
		n, err := rows.ReadRows(buf)
		for _, row := range buf[:n] {
			*rowNo++
			var text, id string
			for _, value := range row {
				if value.IsNull() {
					continue
				}
				switch value.Column() {
				case textIdx:
					text = value.String()
				case idIdx:
					id = value.String()
				}
			}
			if text == "" {
				if !yield(Document{}, errors.Wrapf(ErrMalformed, "%s: row %d has null or empty text", s.Path, *rowNo)) {
					return false
				}
				continue
			}
			if id == "" {
				id = fallbackID(text)
			}
			if !yield(Document{ID: id, Text: text}, nil) {
				return false
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true
			}
			return yield(Document{}, errors.Wrapf(err, "reading rows from %q", s.Path))
		}
	}
}
