package tokenize

import (
	"sort"
	"strings"

	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/pkg/errors"

	"github.com/embedml/contraspan/corpus"
)

// Reserved ids of the word-level tokenizer. Vocabulary words start after.
const (
	wordPadID = iota
	wordUnknownID
	wordBosID
	wordEosID
	wordMaskID
	wordReservedCount
)

// WordTokenizer is a whitespace-splitting tokenizer over a fixed
// vocabulary. It makes the trainer self-contained: no pretrained tokenizer
// files are needed to train on a local corpus, at the cost of a cruder
// subword-free vocabulary.
type WordTokenizer struct {
	ids   map[string]int
	words []string
}

// Compile time asserts that WordTokenizer can back an Adapter.
var _ api.Tokenizer = &WordTokenizer{}
var _ interface{ VocabSize() int } = &WordTokenizer{}

// NewWordTokenizer builds a tokenizer over the given words. Duplicates are
// collapsed; word order fixes the id assignment.
func NewWordTokenizer(vocab []string) *WordTokenizer {
	t := &WordTokenizer{ids: make(map[string]int, len(vocab))}
	for _, w := range vocab {
		if _, seen := t.ids[w]; seen || w == "" {
			continue
		}
		t.ids[w] = wordReservedCount + len(t.words)
		t.words = append(t.words, w)
	}
	return t
}

// BuildWordVocab scans a corpus once and keeps the maxWords most frequent
// whitespace-separated words, ties broken alphabetically so the result is
// deterministic. Malformed documents are ignored.
func BuildWordVocab(src corpus.Source, maxWords int) ([]string, error) {
	counts := make(map[string]int)
	for doc, err := range src.Documents() {
		if err != nil {
			if errors.Is(err, corpus.ErrMalformed) {
				continue
			}
			return nil, errors.WithMessage(err, "scanning corpus for vocabulary")
		}
		for _, w := range strings.Fields(doc.Text) {
			counts[w]++
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if maxWords > 0 && len(words) > maxWords {
		words = words[:maxWords]
	}
	return words, nil
}

// Encode splits on whitespace and maps each word to its id, unknown words
// to the unknown id.
func (t *WordTokenizer) Encode(text string) []int {
	fields := strings.Fields(text)
	ids := make([]int, len(fields))
	for i, w := range fields {
		if id, ok := t.ids[w]; ok {
			ids[i] = id
		} else {
			ids[i] = wordUnknownID
		}
	}
	return ids
}

// Decode joins the words back with spaces. Reserved ids decode to their
// conventional markers.
func (t *WordTokenizer) Decode(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		switch {
		case id >= wordReservedCount && id < wordReservedCount+len(t.words):
			parts = append(parts, t.words[id-wordReservedCount])
		case id == wordUnknownID:
			parts = append(parts, "[UNK]")
		case id == wordMaskID:
			parts = append(parts, "[MASK]")
		}
	}
	return strings.Join(parts, " ")
}

// SpecialTokenID maps the shared special-token enum onto the reserved ids.
func (t *WordTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokPad:
		return wordPadID, nil
	case api.TokUnknown:
		return wordUnknownID, nil
	case api.TokBeginningOfSentence, api.TokClassification:
		return wordBosID, nil
	case api.TokEndOfSentence:
		return wordEosID, nil
	case api.TokMask:
		return wordMaskID, nil
	}
	return 0, errors.Errorf("unknown special token: %d", int(token))
}

// VocabSize counts the reserved ids plus the vocabulary words.
func (t *WordTokenizer) VocabSize() int { return wordReservedCount + len(t.words) }
