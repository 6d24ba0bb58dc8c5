package main

import (
	"os"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/embedml/contraspan/config"
	"github.com/embedml/contraspan/corpus"
	"github.com/embedml/contraspan/encoder"
	"github.com/embedml/contraspan/tokenize"
)

// buildSource maps the data section onto a document source.
func buildSource(cfg *config.Config) (corpus.Source, error) {
	switch cfg.Data.Format {
	case config.FormatJSONL:
		return &corpus.JSONLSource{
			Path:      cfg.Data.Path,
			TextField: cfg.Data.TextColumn,
			IDField:   cfg.Data.IDColumn,
		}, nil
	case config.FormatText:
		return &corpus.DirSource{Root: cfg.Data.Path, Pattern: cfg.Data.Glob}, nil
	case config.FormatParquet:
		return &corpus.ParquetSource{
			Path:       cfg.Data.Path,
			TextColumn: cfg.Data.TextColumn,
			IDColumn:   cfg.Data.IDColumn,
		}, nil
	}
	return nil, errors.Errorf("unsupported data format %q", cfg.Data.Format)
}

// buildAdapter resolves the tokenizer section. Without a pretrained
// tokenizer configured, a word-level vocabulary is built from one pass
// over the corpus, which keeps small local runs free of any downloads.
func buildAdapter(cfg *config.Config, src corpus.Source) (*tokenize.Adapter, error) {
	opts := []tokenize.Option{tokenize.WithSpecialTokens(cfg.Tokenizer.WrapSpans)}
	switch {
	case cfg.Tokenizer.Repo != "":
		token := cfg.Tokenizer.AuthToken
		if token == "" {
			token = os.Getenv("HF_TOKEN")
		}
		return tokenize.NewFromSpec(tokenize.Spec{Repo: cfg.Tokenizer.Repo, AuthToken: token}, opts...)
	case cfg.Tokenizer.Path != "":
		return tokenize.NewFromSpec(tokenize.Spec{Path: cfg.Tokenizer.Path}, opts...)
	}
	klog.Infof("No pretrained tokenizer configured, building a %d-word vocabulary from the corpus", cfg.Tokenizer.WordVocab)
	vocab, err := tokenize.BuildWordVocab(src, cfg.Tokenizer.WordVocab)
	if err != nil {
		return nil, err
	}
	if len(vocab) == 0 {
		return nil, errors.Errorf("corpus at %s yielded an empty vocabulary", cfg.Data.Path)
	}
	return tokenize.New(tokenize.NewWordTokenizer(vocab), opts...)
}

// newBackend opens the computation backend, translating gomlx panics
// into errors. An empty device picks the best backend available.
func newBackend(device string) (b backends.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("initializing backend %q: %v", device, r)
		}
	}()
	if device != "" {
		return backends.NewWithConfig(device)
	}
	return backends.MustNew(), nil
}

// model bundles the trainable parts living in one gomlx context.
type model struct {
	ctx      *mlctx.Context
	registry *encoder.Registry
	encoder  *encoder.SpanEncoder
	head     *encoder.MLMHead
}

// buildModel creates the parameters. width is the fixed instance width in
// tokens; it has to match between training and encoding runs because the
// position table is sized by it.
func buildModel(cfg *config.Config, vocabSize, width int, withMLM bool) *model {
	ctx := mlctx.New()
	reg := encoder.NewRegistry()
	backbone := encoder.NewEmbeddingBackbone(ctx, reg, vocabSize, width, cfg.Model.HiddenDim, cfg.Model.Seed)
	m := &model{ctx: ctx, registry: reg, encoder: encoder.NewSpanEncoder(backbone)}
	if withMLM {
		m.head = encoder.NewMLMHead(ctx, reg, cfg.Model.HiddenDim, vocabSize, cfg.Model.Seed+1)
	}
	return m
}

// instanceWidth is the fixed token width of every encoded span or
// document: the span budget plus the adapter's wrapping overhead.
func instanceWidth(cfg *config.Config, adapter *tokenize.Adapter) int {
	return cfg.Spans.MaxLength + adapter.WrapOverhead()
}
