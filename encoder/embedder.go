package encoder

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Embedder compiles a SpanEncoder into an inference executable over a
// fixed backend. It is what the export pipeline uses after training: same
// encoder, same variables, no loss and no gradients.
type Embedder struct {
	exec *context.Exec
}

// NewEmbedder compiles the encoder against the backend. The context must
// already hold the encoder's variables, trained or restored.
func NewEmbedder(backend backends.Backend, ctx *context.Context, enc *SpanEncoder) (em *Embedder, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("building encoder executable: %v", r)
		}
	}()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{enc.Encode(ctx, inputs[0], inputs[1])}
	})
	return &Embedder{exec: exec}, nil
}

// Embed maps one materialized batch (ids int32 [batch, width], mask
// float32 [batch, width]) to span embeddings [batch, hidden]. Backend
// panics are captured and returned as errors.
func (e *Embedder) Embed(ids, mask *tensors.Tensor) (out *tensors.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("span encoding failed: %v", r)
		}
	}()
	results := e.exec.Call(ids, mask)
	return results[0], nil
}
