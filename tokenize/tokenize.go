// Package tokenize fixes the tokenizer contract the training pipeline
// relies on: subword encoding, a known pad id, optional special-token
// wrapping of spans, and the vocabulary size the model embeds.
//
// The heavy lifting is delegated to HuggingFace-format tokenizers
// (tokenizer.json or SentencePiece tokenizer.model), loaded either from a
// local file or straight from a HuggingFace repository.
package tokenize

import (
	"strings"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
	"github.com/gomlx/go-huggingface/tokenizers/sentencepiece"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Spec locates a tokenizer. Exactly one of Repo or Path must be set.
type Spec struct {
	// Repo is a HuggingFace repository id, e.g.
	// "sentence-transformers/all-MiniLM-L6-v2".
	Repo string
	// Path points at a local tokenizer.json or SentencePiece tokenizer.model.
	Path string
	// AuthToken is used for gated repositories. Optional.
	AuthToken string
}

// Load resolves the spec to a tokenizer implementation.
func Load(spec Spec) (api.Tokenizer, error) {
	switch {
	case spec.Repo != "" && spec.Path != "":
		return nil, errors.New("tokenizer spec sets both a repository and a local path; pick one")
	case spec.Path != "":
		return loadLocal(spec.Path)
	case spec.Repo != "":
		return loadHub(spec.Repo, spec.AuthToken)
	}
	return nil, errors.New("tokenizer spec is empty; set a repository id or a local path")
}

func loadLocal(path string) (api.Tokenizer, error) {
	switch {
	case strings.HasSuffix(path, ".json"):
		return hftokenizer.NewFromFile(nil, path)
	case strings.HasSuffix(path, ".model"):
		proc, err := esentencepiece.NewProcessorFromPath(path)
		if err != nil {
			return nil, errors.Wrapf(err, "loading SentencePiece model %q", path)
		}
		return &sentencepiece.Tokenizer{Processor: proc, Info: proc.ModelInfo()}, nil
	}
	return nil, errors.Errorf("unrecognized tokenizer file %q: want a .json or .model file", path)
}

func loadHub(repoID, authToken string) (api.Tokenizer, error) {
	repo := hub.New(repoID)
	if authToken != "" {
		repo = repo.WithAuth(authToken)
	}
	switch {
	case repo.HasFile("tokenizer.json"):
		return hftokenizer.New(nil, repo)
	case repo.HasFile("tokenizer.model"):
		return sentencepiece.New(nil, repo)
	}
	return nil, errors.Errorf("repository %q has neither tokenizer.json nor tokenizer.model", repoID)
}

// Adapter wraps a tokenizer with the ids and policies the dataset layer
// needs. It is safe for concurrent use if the underlying tokenizer is.
type Adapter struct {
	tok       api.Tokenizer
	padID     int
	maskID    int // -1 when the vocabulary has no mask token
	bosID     int // -1 when absent
	eosID     int // -1 when absent
	wrapSpans bool
	vocabSize int
}

// Option adjusts an Adapter during construction.
type Option func(*Adapter)

// WithSpecialTokens controls whether spans get wrapped in the tokenizer's
// sentence delimiters ([CLS]…[SEP] or <s>…</s>) before padding.
func WithSpecialTokens(wrap bool) Option {
	return func(a *Adapter) { a.wrapSpans = wrap }
}

// WithVocabSize overrides the probed vocabulary size. Required for
// tokenizer implementations that do not expose one.
func WithVocabSize(n int) Option {
	return func(a *Adapter) { a.vocabSize = n }
}

// WithPadID overrides the probed padding id.
func WithPadID(id int) Option {
	return func(a *Adapter) { a.padID = id }
}

// New probes the tokenizer's special tokens and vocabulary size and
// returns the adapter the pipeline uses.
func New(tok api.Tokenizer, opts ...Option) (*Adapter, error) {
	a := &Adapter{tok: tok, padID: -1, maskID: -1, bosID: -1, eosID: -1, vocabSize: -1}
	for _, opt := range opts {
		opt(a)
	}
	if a.padID < 0 {
		if id, err := tok.SpecialTokenID(api.TokPad); err == nil {
			a.padID = id
		} else if id, err := tok.SpecialTokenID(api.TokEndOfSentence); err == nil {
			// GPT-style vocabularies have no pad token; padding with the
			// end-of-sentence id is harmless under a zeroed attention mask.
			klog.V(1).Infof("Tokenizer has no pad token, padding with end-of-sentence id %d", id)
			a.padID = id
		} else {
			return nil, errors.New("tokenizer has neither pad nor end-of-sentence token; set one with WithPadID")
		}
	}
	if a.maskID < 0 {
		if id, err := tok.SpecialTokenID(api.TokMask); err == nil {
			a.maskID = id
		}
	}
	if id, err := tok.SpecialTokenID(api.TokBeginningOfSentence); err == nil {
		a.bosID = id
	}
	if id, err := tok.SpecialTokenID(api.TokEndOfSentence); err == nil {
		a.eosID = id
	}
	if a.vocabSize <= 0 {
		sized, ok := tok.(interface{ VocabSize() int })
		if !ok {
			return nil, errors.New("tokenizer does not expose its vocabulary size; set it with WithVocabSize")
		}
		a.vocabSize = sized.VocabSize()
	}
	return a, nil
}

// Encode converts text to token ids, with no truncation and no special
// tokens: spans are sliced out of this sequence before wrapping.
func (a *Adapter) Encode(text string) []int { return a.tok.Encode(text) }

// Decode converts token ids back to text.
func (a *Adapter) Decode(ids []int) string { return a.tok.Decode(ids) }

// PadID returns the id used to pad instances to a fixed width.
func (a *Adapter) PadID() int { return a.padID }

// MaskID returns the mask token id, or false when the vocabulary has none.
func (a *Adapter) MaskID() (int, bool) { return a.maskID, a.maskID >= 0 }

// VocabSize returns the number of ids the model must embed.
func (a *Adapter) VocabSize() int { return a.vocabSize }

// WrapOverhead returns how many special tokens WrapSpan adds, so callers
// can size fixed-width buffers as span length plus overhead.
func (a *Adapter) WrapOverhead() int {
	if !a.wrapSpans {
		return 0
	}
	n := 0
	if a.bosID >= 0 {
		n++
	}
	if a.eosID >= 0 {
		n++
	}
	return n
}

// WrapSpan surrounds span token ids with the tokenizer's delimiters when
// wrapping is enabled. The input slice is never modified.
func (a *Adapter) WrapSpan(ids []int) []int {
	if !a.wrapSpans {
		return ids
	}
	out := make([]int, 0, len(ids)+2)
	if a.bosID >= 0 {
		out = append(out, a.bosID)
	}
	out = append(out, ids...)
	if a.eosID >= 0 {
		out = append(out, a.eosID)
	}
	return out
}

// IsSpecial reports whether id is one of the adapter's structural tokens.
// Masked language modeling must leave these positions alone.
func (a *Adapter) IsSpecial(id int) bool {
	return id == a.padID || id == a.maskID || id == a.bosID || id == a.eosID
}

// NewFromSpec loads the tokenizer the spec names and adapts it in one step.
func NewFromSpec(spec Spec, opts ...Option) (*Adapter, error) {
	tok, err := Load(spec)
	if err != nil {
		return nil, err
	}
	return New(tok, opts...)
}
