package dataset

import (
	"math/rand"

	"github.com/embedml/contraspan/tokenize"
)

// MLMPolicy configures the BERT-style masked-language auxiliary objective:
// a fraction of real token positions is selected, and each selected
// position is replaced by the mask token, by a random vocabulary id, or
// left as is.
type MLMPolicy struct {
	// MaskProb is the per-position selection probability. 0.15 is the
	// conventional value.
	MaskProb float64
}

// apply builds the corrupted input and label rows for one instance.
// Special tokens and padding are never selected. Selected positions split
// 80/10/10 between mask token, random id, and unchanged.
func (p *MLMPolicy) apply(rng *rand.Rand, ids []int32, mask []int32, adapter *tokenize.Adapter) (inputs, labels []int32) {
	maskID, _ := adapter.MaskID()
	inputs = make([]int32, len(ids))
	labels = make([]int32, len(ids))
	copy(inputs, ids)
	for i := range labels {
		labels[i] = IgnoreLabel
	}
	for i, id := range ids {
		if mask[i] == 0 || adapter.IsSpecial(int(id)) {
			continue
		}
		if rng.Float64() >= p.MaskProb {
			continue
		}
		labels[i] = id
		switch roll := rng.Float64(); {
		case roll < 0.8:
			inputs[i] = int32(maskID)
		case roll < 0.9:
			inputs[i] = int32(rng.Intn(adapter.VocabSize()))
		default:
			// Keep the original token; the model still has to predict it.
		}
	}
	return inputs, labels
}
