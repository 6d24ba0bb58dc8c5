package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/embedml/contraspan/checkpoint"
	"github.com/embedml/contraspan/config"
	"github.com/embedml/contraspan/corpus"
	"github.com/embedml/contraspan/encoder"
	"github.com/embedml/contraspan/tokenize"
)

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Embed every corpus document with a trained encoder",
	Long: `Encode loads a trained checkpoint and writes one JSON line per document:
{"id": ..., "embedding": [...]}. Documents longer than the encoder's token
budget are truncated to it. Tokenization runs on a worker pool; output
order follows corpus order regardless.`,
	RunE: runEncode,
}

var (
	encodeConfigPath string
	encodeOutPath    string
	encodeCheckpoint string
	encodeWorkers    int
)

func init() {
	rootCmd.AddCommand(encodeCmd)
	encodeCmd.Flags().StringVar(&encodeConfigPath, "config", "", "Path to the YAML run configuration (required)")
	encodeCmd.Flags().StringVar(&encodeOutPath, "out", "", "Output JSONL file (required)")
	encodeCmd.Flags().StringVar(&encodeCheckpoint, "checkpoint", "", "Checkpoint file to load (default: newest under checkpoints.dir)")
	encodeCmd.Flags().IntVar(&encodeWorkers, "workers", 0, "Tokenizer pool size (default: half the CPUs)")
	_ = encodeCmd.MarkFlagRequired("config")
	_ = encodeCmd.MarkFlagRequired("out")
}

func runEncode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(encodeConfigPath)
	if err != nil {
		return err
	}
	source, err := buildSource(cfg)
	if err != nil {
		return err
	}
	adapter, err := buildAdapter(cfg, source)
	if err != nil {
		return err
	}
	width := instanceWidth(cfg, adapter)

	backend, err := newBackend(cfg.Training.Device)
	if err != nil {
		return err
	}
	// Inference needs neither the masked-language head nor the optimizer;
	// their tensors in the snapshot go unread.
	m := buildModel(cfg, adapter.VocabSize(), width, false)

	snapshot := encodeCheckpoint
	if snapshot == "" {
		if cfg.Checkpoints.Dir == "" {
			return errors.New("no checkpoint to load: set checkpoints.dir or pass --checkpoint")
		}
		entry, found, err := checkpoint.LatestIn(cfg.Checkpoints.Dir)
		if err != nil {
			return err
		}
		if !found {
			return errors.Errorf("no checkpoint under %s; train first", cfg.Checkpoints.Dir)
		}
		snapshot = entry.Path
	}
	state, err := checkpoint.RestoreFile(snapshot, m.ctx)
	if err != nil {
		return err
	}
	klog.Infof("Loaded %s (epoch %d, step %d)", snapshot, state.Epoch+1, state.Step)

	embedder, err := encoder.NewEmbedder(backend, m.ctx, m.encoder)
	if err != nil {
		return err
	}

	workers := encodeWorkers
	if workers <= 0 {
		workers = max(1, runtime.NumCPU()/2)
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return errors.Wrap(err, "creating tokenizer pool")
	}
	defer pool.Release()

	out, err := os.Create(encodeOutPath)
	if err != nil {
		return errors.Wrapf(err, "creating %s", encodeOutPath)
	}
	defer out.Close()
	w := bufio.NewWriterSize(out, 1<<20)

	p := &encodePipeline{
		adapter:  adapter,
		embedder: embedder,
		width:    width,
		pool:     pool,
		out:      json.NewEncoder(w),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chunk := make([]corpus.Document, 0, cfg.Training.BatchSize)
	for doc, err := range source.Documents() {
		if err != nil {
			if errors.Is(err, corpus.ErrMalformed) {
				klog.Warningf("Skipping document: %v", err)
				continue
			}
			return errors.WithMessage(err, "reading corpus")
		}
		chunk = append(chunk, doc)
		if len(chunk) == cfg.Training.BatchSize {
			if err := p.flush(chunk); err != nil {
				return err
			}
			chunk = chunk[:0]
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, "encoding interrupted")
			}
		}
	}
	// The trailing partial chunk is embedded too: export covers every
	// document, unlike training's fixed-size batches.
	if len(chunk) > 0 {
		if err := p.flush(chunk); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "flushing %s", encodeOutPath)
	}

	if p.skipped > 0 {
		klog.Warningf("%d documents tokenized to nothing and were skipped", p.skipped)
	}
	fmt.Println(statStyle.Render(fmt.Sprintf("embedded %d documents", p.written)) +
		"  " + faintStyle.Render(encodeOutPath))
	return nil
}

// vectorRecord is one output line of the encode command.
type vectorRecord struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding"`
}

// tokenRow is one document prepared for the encoder, or a skip marker
// when the document had no usable tokens.
type tokenRow struct {
	id   string
	ids  []int32
	mask []float32
	skip bool
}

type encodePipeline struct {
	adapter  *tokenize.Adapter
	embedder *encoder.Embedder
	width    int
	pool     *ants.Pool
	out      *json.Encoder

	written int
	skipped int
}

// flush tokenizes one chunk of documents on the pool, embeds the chunk in
// a single call, and writes the vectors in corpus order. Each worker owns
// one slot of rows, so no locking is needed.
func (p *encodePipeline) flush(docs []corpus.Document) error {
	rows := make([]tokenRow, len(docs))
	var wg sync.WaitGroup
	for i, doc := range docs {
		wg.Add(1)
		if err := p.pool.Submit(func() {
			defer wg.Done()
			rows[i] = p.tokenizeDoc(doc)
		}); err != nil {
			wg.Done()
			return errors.Wrap(err, "submitting tokenization work")
		}
	}
	wg.Wait()

	n := 0
	for _, r := range rows {
		if r.skip {
			p.skipped++
		} else {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	flatIDs := make([]int32, 0, n*p.width)
	flatMask := make([]float32, 0, n*p.width)
	ids := make([]string, 0, n)
	for _, r := range rows {
		if r.skip {
			continue
		}
		flatIDs = append(flatIDs, r.ids...)
		flatMask = append(flatMask, r.mask...)
		ids = append(ids, r.id)
	}

	embedded, err := p.embedder.Embed(
		tensors.FromFlatDataAndDimensions(flatIDs, n, p.width),
		tensors.FromFlatDataAndDimensions(flatMask, n, p.width),
	)
	if err != nil {
		return err
	}
	flat := flatF32(embedded)
	hidden := embedded.Shape().Dimensions[1]
	for i, id := range ids {
		rec := vectorRecord{ID: id, Embedding: flat[i*hidden : (i+1)*hidden]}
		if err := p.out.Encode(&rec); err != nil {
			return errors.Wrapf(err, "writing embedding for %q", id)
		}
		p.written++
	}
	klog.V(1).Infof("Embedded %d documents (%d total)", n, p.written)
	return nil
}

// tokenizeDoc encodes one document, truncated to the width budget, then
// wrapped and padded exactly like a training instance.
func (p *encodePipeline) tokenizeDoc(doc corpus.Document) tokenRow {
	ids := p.adapter.Encode(doc.Text)
	budget := p.width - p.adapter.WrapOverhead()
	if len(ids) > budget {
		ids = ids[:budget]
	}
	if len(ids) == 0 {
		klog.Warningf("Document %q tokenized to nothing, skipping", doc.ID)
		return tokenRow{skip: true}
	}
	wrapped := p.adapter.WrapSpan(ids)
	row := tokenRow{id: doc.ID, ids: make([]int32, p.width), mask: make([]float32, p.width)}
	pad := int32(p.adapter.PadID())
	for i := range row.ids {
		if i < len(wrapped) {
			row.ids[i] = int32(wrapped[i])
			row.mask[i] = 1
		} else {
			row.ids[i] = pad
		}
	}
	return row
}

// flatF32 copies a float32 tensor's values out in row-major order.
func flatF32(t *tensors.Tensor) []float32 {
	out := make([]float32, t.Shape().Size())
	t.MutableBytes(func(data []byte) {
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	})
	return out
}
