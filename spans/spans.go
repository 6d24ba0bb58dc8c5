// Package spans implements the span sampling policy used to build
// contrastive views: several randomly placed, possibly overlapping windows
// over a document's token sequence.
package spans

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Span is a half-open window [Start, End) of token offsets within one
// document's token sequence.
type Span struct {
	Start int
	End   int
}

// Len returns the number of tokens covered by the span.
func (s Span) Len() int { return s.End - s.Start }

// Sampler draws fixed numbers of spans from documents. Span lengths are
// uniform over [MinLength, min(MaxLength, docLen)] and starts are uniform
// over the valid range for the drawn length, so every span lies fully
// inside the document. Spans from the same document may overlap; with
// NumSpans windows over a short document that is the expected outcome, not
// a defect.
type Sampler struct {
	NumSpans  int
	MinLength int
	MaxLength int
}

// NewSampler validates the policy parameters.
func NewSampler(numSpans, minLength, maxLength int) (*Sampler, error) {
	switch {
	case numSpans < 1:
		return nil, errors.Errorf("num_spans must be at least 1, got %d", numSpans)
	case minLength < 1:
		return nil, errors.Errorf("min_length must be at least 1, got %d", minLength)
	case minLength > maxLength:
		return nil, errors.Errorf("min_length %d exceeds max_length %d", minLength, maxLength)
	}
	return &Sampler{NumSpans: numSpans, MinLength: minLength, MaxLength: maxLength}, nil
}

// Fits reports whether a document of docLen tokens can produce spans at all.
func (s *Sampler) Fits(docLen int) bool { return docLen >= s.MinLength }

// Sample draws NumSpans spans from a document of docLen tokens, using rng
// as the only source of randomness. A document shorter than MinLength
// yields nil: the caller should skip it and move on.
func (s *Sampler) Sample(rng *rand.Rand, docLen int) []Span {
	if !s.Fits(docLen) {
		return nil
	}
	maxLen := s.MaxLength
	if docLen < maxLen {
		maxLen = docLen
	}
	out := make([]Span, s.NumSpans)
	for i := range out {
		length := s.MinLength + rng.Intn(maxLen-s.MinLength+1)
		start := rng.Intn(docLen - length + 1)
		out[i] = Span{Start: start, End: start + length}
	}
	return out
}
