// Package trainer runs the contrastive training loop: it streams batches
// out of a dataset reader, executes one fused graph per batch (forward
// pass, losses, optimizer update), guards against non-finite losses, and
// checkpoints full training state at every epoch boundary.
package trainer

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/embedml/contraspan/checkpoint"
	"github.com/embedml/contraspan/dataset"
	"github.com/embedml/contraspan/encoder"
	"github.com/embedml/contraspan/losses"
	"github.com/embedml/contraspan/optimize"
)

// ErrNonFinite marks a NaN or infinite loss. Training stops immediately:
// continuing would spread the damage through the parameters.
var ErrNonFinite = errors.New("non-finite loss")

// ErrNoPositives marks a batch in which no instance has a positive
// partner, leaving the contrastive objective with nothing to pull
// together. It points at a batch size misaligned with the number of
// spans sampled per document.
var ErrNoPositives = errors.New("batch holds no positive pair")

// Params wires the trainer together. Backend, Context, Reader, Batcher,
// Encoder, Contrastive and Optimizer are required; the masked-language
// fields come as a set and must match the reader's configuration.
type Params struct {
	Backend backends.Backend
	Context *mlctx.Context

	Reader  *dataset.Reader
	Batcher *dataset.Batcher

	Encoder     *encoder.SpanEncoder
	Contrastive *losses.NTXent

	// MLMHead, MLM and MLMWeight enable the auxiliary masked-language
	// objective; all three are set or none.
	MLMHead   *encoder.MLMHead
	MLM       *losses.MaskedCrossEntropy
	MLMWeight float64

	Optimizer *optimize.AdamW

	// Store receives an end-of-epoch snapshot when non-nil.
	Store *checkpoint.Store

	Epochs     int
	StartEpoch int

	// Prefetch stages up to this many batches ahead of the training step;
	// zero keeps batch assembly on the training goroutine.
	Prefetch int

	// OnEpoch, when set, receives a summary after each completed epoch
	// (checkpointing included).
	OnEpoch func(EpochStats)
}

// EpochStats summarizes one completed epoch.
type EpochStats struct {
	Epoch        int
	Batches      int
	MeanLoss     float64
	LastLoss     float64
	MeanGradNorm float64
	Duration     time.Duration
	// Checkpoint is the snapshot written after this epoch, empty when
	// checkpointing is disabled.
	Checkpoint string
}

// Trainer drives epochs of contrastive training over one compiled step
// graph.
type Trainer struct {
	params  Params
	withMLM bool
	exec    *mlctx.Exec
}

// New validates the wiring and compiles the training step.
func New(p Params) (*Trainer, error) {
	switch {
	case p.Backend == nil:
		return nil, errors.New("trainer requires a backend")
	case p.Context == nil:
		return nil, errors.New("trainer requires a model context")
	case p.Reader == nil:
		return nil, errors.New("trainer requires a dataset reader")
	case p.Batcher == nil:
		return nil, errors.New("trainer requires a batcher")
	case p.Encoder == nil:
		return nil, errors.New("trainer requires a span encoder")
	case p.Contrastive == nil:
		return nil, errors.New("trainer requires the contrastive objective")
	case p.Optimizer == nil:
		return nil, errors.New("trainer requires an optimizer")
	}
	if p.Epochs < 1 {
		return nil, errors.Errorf("epochs must be at least 1, got %d", p.Epochs)
	}
	if p.StartEpoch < 0 {
		return nil, errors.Errorf("start epoch must not be negative, got %d", p.StartEpoch)
	}
	if p.Prefetch < 0 {
		return nil, errors.Errorf("prefetch must not be negative, got %d", p.Prefetch)
	}
	if (p.MLMHead != nil) != (p.MLM != nil) {
		return nil, errors.New("masked-language head and objective must be configured together")
	}
	if p.MLMHead != nil && p.MLMWeight <= 0 {
		return nil, errors.Errorf("masked-language weight must be positive, got %g", p.MLMWeight)
	}
	if p.Reader.HasMLM() != (p.MLMHead != nil) {
		return nil, errors.New("reader masking and the masked-language head must be enabled together")
	}

	t := &Trainer{params: p, withMLM: p.MLMHead != nil}
	var err error
	t.exec, err = newStepExec(p, t.withMLM)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// newStepExec compiles the fused training step. Graph construction
// panics on invalid wiring; that surfaces here as an error.
func newStepExec(p Params, withMLM bool) (exec *mlctx.Exec, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("failed to build the training step: %v", r)
		}
	}()
	backbone := p.Encoder.Backbone()
	exec = mlctx.NewExec(p.Backend, p.Context, func(ctx *mlctx.Context, inputs []*graph.Node) []*graph.Node {
		ids, mask, groups := inputs[0], inputs[1], inputs[2]
		embeddings := p.Encoder.Encode(ctx, ids, mask)
		loss := p.Contrastive.Loss(embeddings, groups)
		if withMLM {
			// The auxiliary objective sees the corrupted token stream; the
			// contrastive pass above sees the clean one.
			states := backbone.Embed(ctx, inputs[3], mask)
			logits := p.MLMHead.Logits(states)
			aux := p.MLM.Loss(logits, inputs[4])
			loss = graph.Add(loss, graph.MulScalar(aux, p.MLMWeight))
		}
		norm := p.Optimizer.Step(loss)
		return []*graph.Node{loss, norm}
	})
	return exec, nil
}

// Run trains from StartEpoch through the configured number of epochs,
// checkpointing after each. It stops early on cancellation, on stream
// failure, or on the first defective batch.
func (t *Trainer) Run(ctx context.Context) error {
	p := t.params
	if p.StartEpoch >= p.Epochs {
		klog.Infof("Nothing to train: start epoch %d is past the final epoch %d", p.StartEpoch, p.Epochs-1)
		return nil
	}
	for epoch := p.StartEpoch; epoch < p.Epochs; epoch++ {
		stats, err := t.runEpoch(ctx, epoch)
		if err != nil {
			return err
		}
		if p.Store != nil {
			path, err := p.Store.Save(p.Context, epoch, p.Optimizer.Steps())
			if err != nil {
				return errors.WithMessagef(err, "failed to checkpoint epoch %d", epoch)
			}
			stats.Checkpoint = path
		}
		klog.Infof("Epoch %d: %d batches, mean loss %.5f, last loss %.5f, mean grad norm %.5f in %s",
			epoch, stats.Batches, stats.MeanLoss, stats.LastLoss, stats.MeanGradNorm,
			stats.Duration.Round(time.Millisecond))
		if p.OnEpoch != nil {
			p.OnEpoch(stats)
		}
	}
	return nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int) (EpochStats, error) {
	start := time.Now()
	stats := EpochStats{Epoch: epoch}
	var lossSum, normSum float64

	batches := t.stream(ctx, t.params.Batcher.Batches(t.params.Reader.Instances()))
	for batch, err := range batches {
		if err != nil {
			return stats, errors.WithMessagef(err, "input stream failed in epoch %d", epoch)
		}
		select {
		case <-ctx.Done():
			return stats, errors.Wrapf(ctx.Err(), "training interrupted in epoch %d", epoch)
		default:
		}

		loss, norm, err := t.step(batch, stats.Batches)
		if err != nil {
			return stats, errors.WithMessagef(err, "epoch %d", epoch)
		}
		klog.V(2).Infof("Epoch %d batch %d: loss=%.5f gradNorm=%.5f", epoch, stats.Batches, loss, norm)
		lossSum += loss
		normSum += norm
		stats.LastLoss = loss
		stats.Batches++
	}
	if stats.Batches == 0 {
		return stats, errors.Errorf(
			"epoch %d produced no batches: the corpus cannot fill a single batch of %d instances",
			epoch, t.params.Batcher.BatchSize)
	}
	stats.MeanLoss = lossSum / float64(stats.Batches)
	stats.MeanGradNorm = normSum / float64(stats.Batches)
	stats.Duration = time.Since(start)
	return stats, nil
}

// step runs one optimizer update and returns the loss and the pre-clip
// gradient norm.
func (t *Trainer) step(batch *dataset.Batch, index int) (loss, gradNorm float64, err error) {
	if !batch.HasPositives() {
		return 0, 0, errors.Wrapf(ErrNoPositives,
			"batch %d (size %d): align batch_size with the number of spans per document", index, batch.Size())
	}
	tens, err := batch.Tensors()
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "batch %d", index)
	}
	results, err := t.call(tens)
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "batch %d", index)
	}
	loss = float64(scalarF32(results[0]))
	gradNorm = float64(scalarF32(results[1]))
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, gradNorm, errors.Wrapf(ErrNonFinite, "batch %d produced loss %g", index, loss)
	}
	return loss, gradNorm, nil
}

// call feeds one batch through the compiled step. Execution failures
// surface as panics from the graph layer and are converted to errors.
func (t *Trainer) call(tens *dataset.Tensors) (results []*tensors.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("training step execution failed: %v", r)
		}
	}()
	if t.withMLM {
		return t.exec.Call(tens.IDs, tens.Mask, tens.Groups, tens.MLMInputs, tens.MLMLabels), nil
	}
	return t.exec.Call(tens.IDs, tens.Mask, tens.Groups), nil
}

type batchItem struct {
	batch *dataset.Batch
	err   error
}

// stream optionally decouples batch assembly from the training step with
// a bounded channel, so tokenization and span sampling overlap graph
// execution. Order is preserved; the producer stops as soon as the
// consumer abandons the epoch.
func (t *Trainer) stream(parent context.Context, source func(yield func(*dataset.Batch, error) bool)) func(yield func(*dataset.Batch, error) bool) {
	if t.params.Prefetch <= 0 {
		return source
	}
	return func(yield func(*dataset.Batch, error) bool) {
		ctx, cancel := context.WithCancel(parent)
		defer cancel()

		ch := make(chan batchItem, t.params.Prefetch)
		grp, gctx := errgroup.WithContext(ctx)
		grp.Go(func() error {
			defer close(ch)
			for batch, err := range source {
				select {
				case ch <- batchItem{batch: batch, err: err}:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
		for item := range ch {
			if !yield(item.batch, item.err) {
				break
			}
		}
		cancel()
		grp.Wait()
	}
}

func scalarF32(t *tensors.Tensor) float32 {
	var v float32
	t.MutableBytes(func(data []byte) {
		v = math.Float32frombits(binary.LittleEndian.Uint32(data))
	})
	return v
}
