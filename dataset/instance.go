// Package dataset turns raw documents into fixed-width tokenized training
// instances and assembles them into batches, preserving the
// same-document grouping the contrastive loss recovers positives from.
package dataset

import "github.com/embedml/contraspan/spans"

// IgnoreLabel marks positions that the masked-language objective must not
// score. The convention matches the one transformer toolkits use.
const IgnoreLabel = -100

// Instance is one tokenized span, padded to the reader's fixed width.
type Instance struct {
	// DocID is the source document's identifier.
	DocID string
	// Span records where in the document's token sequence this instance
	// was cut from.
	Span spans.Span

	// IDs holds the (possibly wrapped) span token ids followed by padding.
	IDs []int32
	// Mask is 1 over real tokens and 0 over padding.
	Mask []int32
	// Group is a dense per-run index of DocID. Two instances with equal
	// Group are a positive pair.
	Group int64

	// MLMInputs and MLMLabels are set only when masking is enabled:
	// MLMInputs is IDs with a fraction of positions corrupted, MLMLabels
	// holds the original id at corrupted positions and IgnoreLabel
	// everywhere else.
	MLMInputs []int32
	MLMLabels []int32
}

// Width returns the fixed instance width in tokens.
func (in *Instance) Width() int { return len(in.IDs) }
