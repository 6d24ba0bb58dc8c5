package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/embedml/contraspan/corpus"
	"github.com/embedml/contraspan/spans"
	"github.com/embedml/contraspan/tokenize"
)

// Reader streams tokenized instances out of a document source: each
// document is tokenized once, spans are sampled from its token sequence,
// and every span becomes one fixed-width Instance tagged with the
// document's group.
//
// Instances is restartable: every call starts a fresh pass over the
// source, drawing fresh spans. The Reader is a single-producer component;
// two concurrent iterations over the same Reader, or two Readers over the
// same unpartitioned source, will double-count data.
type Reader struct {
	source  corpus.Source
	adapter *tokenize.Adapter
	sampler *spans.Sampler
	seed    int64

	shuffle int
	mlm     *MLMPolicy

	width  int
	passes int64

	groups    map[string]int64
	nextGroup int64
}

// ReaderOption adjusts a Reader during construction.
type ReaderOption func(*Reader)

// WithShuffle enables a windowed document shuffle of the given buffer
// size before span sampling. Zero disables shuffling.
func WithShuffle(bufferSize int) ReaderOption {
	return func(r *Reader) { r.shuffle = bufferSize }
}

// WithMLM additionally emits masked-language inputs and labels per
// instance, for trainers running the auxiliary objective.
func WithMLM(policy MLMPolicy) ReaderOption {
	return func(r *Reader) { r.mlm = &policy }
}

// NewReader wires a source, a tokenizer adapter and a span sampler into an
// instance stream. The seed fixes all sampling randomness for the run.
func NewReader(source corpus.Source, adapter *tokenize.Adapter, sampler *spans.Sampler, seed int64, opts ...ReaderOption) (*Reader, error) {
	r := &Reader{
		source:  source,
		adapter: adapter,
		sampler: sampler,
		seed:    seed,
		width:   sampler.MaxLength + adapter.WrapOverhead(),
		groups:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.shuffle < 0 {
		return nil, errors.Errorf("shuffle buffer size must not be negative, got %d", r.shuffle)
	}
	if r.mlm != nil {
		if r.mlm.MaskProb <= 0 || r.mlm.MaskProb >= 1 {
			return nil, errors.Errorf("mlm mask probability must be in (0, 1), got %g", r.mlm.MaskProb)
		}
		if _, ok := adapter.MaskID(); !ok {
			return nil, errors.New("masked language modeling requires a tokenizer with a mask token")
		}
	}
	return r, nil
}

// Width returns the fixed width of emitted instances: the maximum span
// length plus any special-token overhead.
func (r *Reader) Width() int { return r.width }

// HasMLM reports whether instances carry the masked-language view.
func (r *Reader) HasMLM() bool { return r.mlm != nil }

// groupOf returns the dense group index for a document id, allocating one
// on first sight. Ids are stable for the lifetime of the Reader, so the
// same document keeps its group across epochs.
func (r *Reader) groupOf(docID string) int64 {
	if g, ok := r.groups[docID]; ok {
		return g
	}
	g := r.nextGroup
	r.groups[docID] = g
	r.nextGroup++
	return g
}

// Instances lazily yields one Instance per sampled span. Malformed and
// too-short documents are logged and skipped; the stream only fails on
// hard source errors. Each call advances the pass counter so successive
// epochs draw different spans while remaining reproducible from the seed.
func (r *Reader) Instances() func(yield func(Instance, error) bool) {
	pass := r.passes
	r.passes++
	return func(yield func(Instance, error) bool) {
		rng := rand.New(rand.NewSource(r.seed + pass*0x9E3779B9))
		skippedShort := 0
		for doc, err := range r.documents(rng) {
			if err != nil {
				if errors.Is(err, corpus.ErrMalformed) {
					klog.Warningf("Skipping malformed document: %v", err)
					continue
				}
				yield(Instance{}, err)
				return
			}
			tokens := r.adapter.Encode(doc.Text)
			if !r.sampler.Fits(len(tokens)) {
				skippedShort++
				klog.V(2).Infof("Skipping document %q: %d tokens is below the minimum span length %d",
					doc.ID, len(tokens), r.sampler.MinLength)
				continue
			}
			group := r.groupOf(doc.ID)
			for _, span := range r.sampler.Sample(rng, len(tokens)) {
				if !yield(r.build(rng, doc.ID, group, span, tokens), nil) {
					return
				}
			}
		}
		if skippedShort > 0 {
			klog.V(1).Infof("Pass %d skipped %d documents shorter than %d tokens", pass, skippedShort, r.sampler.MinLength)
		}
	}
}

// build cuts one span out of the document tokens and pads it to width.
func (r *Reader) build(rng *rand.Rand, docID string, group int64, span spans.Span, tokens []int) Instance {
	wrapped := r.adapter.WrapSpan(tokens[span.Start:span.End])
	padID := int32(r.adapter.PadID())

	in := Instance{
		DocID: docID,
		Span:  span,
		Group: group,
		IDs:   make([]int32, r.width),
		Mask:  make([]int32, r.width),
	}
	for i := 0; i < r.width; i++ {
		if i < len(wrapped) {
			in.IDs[i] = int32(wrapped[i])
			in.Mask[i] = 1
		} else {
			in.IDs[i] = padID
		}
	}
	if r.mlm != nil {
		in.MLMInputs, in.MLMLabels = r.mlm.apply(rng, in.IDs, in.Mask, r.adapter)
	}
	return in
}

// documents yields source documents, optionally through a windowed shuffle
// buffer: each incoming document displaces a random resident of the
// buffer, and the buffer drains in random order at the end of the pass.
func (r *Reader) documents(rng *rand.Rand) func(yield func(corpus.Document, error) bool) {
	if r.shuffle == 0 {
		return r.source.Documents()
	}
	return func(yield func(corpus.Document, error) bool) {
		buffer := make([]corpus.Document, 0, r.shuffle)
		for doc, err := range r.source.Documents() {
			if err != nil {
				if !yield(corpus.Document{}, err) {
					return
				}
				continue
			}
			if len(buffer) < r.shuffle {
				buffer = append(buffer, doc)
				continue
			}
			i := rng.Intn(len(buffer))
			buffer[i], doc = doc, buffer[i]
			if !yield(doc, nil) {
				return
			}
		}
		for len(buffer) > 0 {
			i := rng.Intn(len(buffer))
			last := len(buffer) - 1
			buffer[i], buffer[last] = buffer[last], buffer[i]
			doc := buffer[last]
			buffer = buffer[:last]
			if !yield(doc, nil) {
				return
			}
		}
	}
}
