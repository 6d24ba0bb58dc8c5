package tokenize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedml/contraspan/corpus"
)

func newTestAdapter(t *testing.T, opts ...Option) *Adapter {
	t.Helper()
	tok := NewWordTokenizer([]string{"the", "quick", "brown", "fox", "jumps"})
	adapter, err := New(tok, opts...)
	require.NoError(t, err)
	return adapter
}

func TestWordTokenizerRoundTrip(t *testing.T) {
	tok := NewWordTokenizer([]string{"hello", "world"})
	ids := tok.Encode("hello world hello")
	require.Len(t, ids, 3)
	assert.Equal(t, ids[0], ids[2])
	assert.Equal(t, "hello world hello", tok.Decode(ids))

	unknown := tok.Encode("hello unseen")
	assert.Equal(t, "hello [UNK]", tok.Decode(unknown))
}

func TestWordTokenizerVocabSize(t *testing.T) {
	tok := NewWordTokenizer([]string{"a", "b", "a", ""})
	// Two distinct words plus the reserved special ids.
	assert.Equal(t, wordReservedCount+2, tok.VocabSize())
}

func TestBuildWordVocab(t *testing.T) {
	src := corpus.SliceSource{
		{ID: "1", Text: "red red red green green blue"},
		{ID: "2", Text: "red green"},
		{ID: "3", Text: ""}, // malformed, ignored
	}
	vocab, err := BuildWordVocab(src, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"red", "green"}, vocab, "most frequent words first")

	full, err := BuildWordVocab(src, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"red", "green", "blue"}, full)
}

func TestAdapterSpecialTokens(t *testing.T) {
	adapter := newTestAdapter(t)
	assert.Equal(t, wordPadID, adapter.PadID())
	maskID, ok := adapter.MaskID()
	require.True(t, ok)
	assert.Equal(t, wordMaskID, maskID)
	assert.True(t, adapter.IsSpecial(wordPadID))
	assert.True(t, adapter.IsSpecial(wordBosID))
	assert.False(t, adapter.IsSpecial(wordReservedCount))
}

func TestAdapterWrapSpan(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		adapter := newTestAdapter(t)
		ids := []int{10, 11, 12}
		assert.Equal(t, 0, adapter.WrapOverhead())
		assert.Equal(t, ids, adapter.WrapSpan(ids))
	})

	t.Run("enabled", func(t *testing.T) {
		adapter := newTestAdapter(t, WithSpecialTokens(true))
		ids := []int{10, 11, 12}
		wrapped := adapter.WrapSpan(ids)
		assert.Equal(t, 2, adapter.WrapOverhead())
		require.Len(t, wrapped, 5)
		assert.Equal(t, wordBosID, wrapped[0])
		assert.Equal(t, wordEosID, wrapped[4])
		assert.Equal(t, ids, wrapped[1:4])
		assert.Equal(t, []int{10, 11, 12}, ids, "input must not be modified")
	})
}

func TestAdapterOverrides(t *testing.T) {
	adapter := newTestAdapter(t, WithVocabSize(1234), WithPadID(7))
	assert.Equal(t, 1234, adapter.VocabSize())
	assert.Equal(t, 7, adapter.PadID())
}

func TestLoadSpecValidation(t *testing.T) {
	_, err := Load(Spec{})
	assert.Error(t, err)

	_, err = Load(Spec{Repo: "some/repo", Path: "tokenizer.json"})
	assert.Error(t, err)

	_, err = Load(Spec{Path: "tokenizer.bin"})
	assert.Error(t, err, "unknown local file kinds are rejected up front")
}
