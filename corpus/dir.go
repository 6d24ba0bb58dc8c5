package corpus

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// DirSource treats every matching file under a directory as one document.
// The document id is the path relative to the root, so ids are stable
// across passes and across machines sharing the same tree.
type DirSource struct {
	// Root directory to walk.
	Root string
	// Pattern is a filepath.Match pattern applied to base names.
	// Defaults to "*.txt".
	Pattern string
}

var _ Source = &DirSource{}

// NewDirSource returns a source over all *.txt files under root.
func NewDirSource(root string) *DirSource {
	return &DirSource{Root: root, Pattern: "*.txt"}
}

// Documents walks the tree once up front and then streams files in sorted
// path order, so iteration order is deterministic. Unreadable or empty
// files yield ErrMalformed and the stream continues.
func (s *DirSource) Documents() func(yield func(Document, error) bool) {
	pattern := s.Pattern
	if pattern == "" {
		pattern = "*.txt"
	}
	return func(yield func(Document, error) bool) {
		var paths []string
		err := filepath.WalkDir(s.Root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ok, err := filepath.Match(pattern, d.Name())
			if err != nil {
				return errors.Wrapf(err, "bad pattern %q", pattern)
			}
			if ok {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			yield(Document{}, errors.Wrapf(err, "walking corpus directory %q", s.Root))
			return
		}
		sort.Strings(paths)

		for _, path := range paths {
			data, err := os.ReadFile(path)
			if err != nil {
				if !yield(Document{}, errors.Wrapf(ErrMalformed, "reading %q: %v", path, err)) {
					return
				}
				continue
			}
			if len(data) == 0 {
				if !yield(Document{}, errors.Wrapf(ErrMalformed, "%q is empty", path)) {
					return
				}
				continue
			}
			rel, err := filepath.Rel(s.Root, path)
			if err != nil {
				rel = path
			}
			if !yield(Document{ID: rel, Text: string(data)}, nil) {
				return
			}
		}
	}
}
