package dataset

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch is the fixed group of instances one training step consumes.
type Batch struct {
	Instances []Instance
}

// Size returns the number of instances in the batch.
func (b *Batch) Size() int { return len(b.Instances) }

// HasPositives reports whether any two instances share a group, i.e.
// whether the contrastive loss has at least one positive pair to pull
// together. A batch without any is a configuration problem, not a zero
// loss.
func (b *Batch) HasPositives() bool {
	seen := make(map[int64]bool, len(b.Instances))
	for _, in := range b.Instances {
		if seen[in.Group] {
			return true
		}
		seen[in.Group] = true
	}
	return false
}

// Tensors is the device-ready view of a Batch.
type Tensors struct {
	IDs    *tensors.Tensor // int32 [batch, width]
	Mask   *tensors.Tensor // float32 [batch, width]
	Groups *tensors.Tensor // int64 [batch]

	// MLMInputs and MLMLabels are nil unless the reader emitted a
	// masked-language view.
	MLMInputs *tensors.Tensor // int32 [batch, width]
	MLMLabels *tensors.Tensor // int32 [batch, width]
}

// Tensors materializes the batch as flat row-major tensors. All instances
// must share one width; the reader guarantees that within a run.
func (b *Batch) Tensors() (*Tensors, error) {
	n := len(b.Instances)
	if n == 0 {
		return nil, errors.New("cannot materialize an empty batch")
	}
	width := b.Instances[0].Width()
	hasMLM := b.Instances[0].MLMInputs != nil

	flatIDs := make([]int32, 0, n*width)
	flatMask := make([]float32, 0, n*width)
	groups := make([]int64, 0, n)
	var flatMLMInputs, flatMLMLabels []int32
	if hasMLM {
		flatMLMInputs = make([]int32, 0, n*width)
		flatMLMLabels = make([]int32, 0, n*width)
	}

	for i := range b.Instances {
		in := &b.Instances[i]
		if in.Width() != width {
			return nil, errors.Errorf("instance %d has width %d, batch width is %d", i, in.Width(), width)
		}
		if hasMLM != (in.MLMInputs != nil) {
			return nil, errors.Errorf("instance %d mixes masked and unmasked instances in one batch", i)
		}
		flatIDs = append(flatIDs, in.IDs...)
		for _, m := range in.Mask {
			flatMask = append(flatMask, float32(m))
		}
		groups = append(groups, in.Group)
		if hasMLM {
			flatMLMInputs = append(flatMLMInputs, in.MLMInputs...)
			flatMLMLabels = append(flatMLMLabels, in.MLMLabels...)
		}
	}

	out := &Tensors{
		IDs:    tensors.FromFlatDataAndDimensions(flatIDs, n, width),
		Mask:   tensors.FromFlatDataAndDimensions(flatMask, n, width),
		Groups: tensors.FromFlatDataAndDimensions(groups, n),
	}
	if hasMLM {
		out.MLMInputs = tensors.FromFlatDataAndDimensions(flatMLMInputs, n, width)
		out.MLMLabels = tensors.FromFlatDataAndDimensions(flatMLMLabels, n, width)
	}
	return out, nil
}

// Batcher groups consecutive instances into fixed-size batches. It does no
// shuffling; ordering is the reader's concern.
type Batcher struct {
	BatchSize int
	// DropLast discards a trailing partial batch. Training wants uniform
	// batch shapes and keeps it on; inference pipelines turn it off.
	DropLast bool
}

// NewBatcher validates the batch size.
func NewBatcher(batchSize int, dropLast bool) (*Batcher, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("batch_size must be at least 1, got %d", batchSize)
	}
	return &Batcher{BatchSize: batchSize, DropLast: dropLast}, nil
}

// Batches re-slices an instance stream into batches. Exactly BatchSize
// instances per batch, except possibly the final one when DropLast is off.
func (b *Batcher) Batches(instances func(yield func(Instance, error) bool)) func(yield func(*Batch, error) bool) {
	return func(yield func(*Batch, error) bool) {
		current := make([]Instance, 0, b.BatchSize)
		for in, err := range instances {
			if err != nil {
				yield(nil, err)
				return
			}
			current = append(current, in)
			if len(current) == b.BatchSize {
				batch := &Batch{Instances: current}
				current = make([]Instance, 0, b.BatchSize)
				if !yield(batch, nil) {
					return
				}
			}
		}
		if len(current) > 0 && !b.DropLast {
			yield(&Batch{Instances: current}, nil)
		}
	}
}
