package encoder

import (
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Backbone produces contextual token representations. Implementations own
// their architecture; the pipeline only relies on the shape contract.
type Backbone interface {
	// Embed builds the graph mapping ids and mask (both [batch, width])
	// to token states [batch, width, hidden]. The mask is advisory:
	// pooling re-applies it, so a backbone may ignore it.
	Embed(ctx *context.Context, ids, mask *graph.Node) *graph.Node
	// HiddenDim returns the width of the produced representations.
	HiddenDim() int
}

// EmbeddingBackbone is the built-in trainable backbone: token embeddings
// plus learned positions, layer-normalized and passed through one
// non-linear mixing layer. It is small: enough capacity for the
// contrastive objective to shape useful span embeddings, and cheap to
// train without an accelerator.
type EmbeddingBackbone struct {
	hiddenDim int

	table      *context.Variable // [vocab, hidden]
	positions  *context.Variable // [maxWidth, hidden]
	normScale  *context.Variable // [hidden]
	normOffset *context.Variable // [hidden]
	mixWeight  *context.Variable // [hidden, hidden]
	mixBias    *context.Variable // [hidden]
}

var _ Backbone = &EmbeddingBackbone{}

// NewEmbeddingBackbone creates the backbone's parameters under ctx scope
// "backbone", tags their roles in reg, and initializes them from seed.
// maxWidth bounds the instance width the backbone can embed.
func NewEmbeddingBackbone(ctx *context.Context, reg *Registry, vocabSize, maxWidth, hiddenDim int, seed int64) *EmbeddingBackbone {
	rng := rand.New(rand.NewSource(seed))
	scale := 1.0 / math.Sqrt(float64(hiddenDim))
	ctx = ctx.In("backbone")

	b := &EmbeddingBackbone{hiddenDim: hiddenDim}
	b.table = newNormalVariable(ctx.In("embeddings"), "table", rng, scale, vocabSize, hiddenDim)
	reg.Tag(b.table, RoleWeight)
	b.positions = newNormalVariable(ctx.In("embeddings"), "positions", rng, scale, maxWidth, hiddenDim)
	reg.Tag(b.positions, RoleWeight)
	b.normScale = newConstVariable(ctx.In("norm"), "scale", 1, hiddenDim)
	reg.Tag(b.normScale, RoleNorm)
	b.normOffset = newConstVariable(ctx.In("norm"), "offset", 0, hiddenDim)
	reg.Tag(b.normOffset, RoleNorm)
	b.mixWeight = newNormalVariable(ctx.In("mixer"), "weight", rng, scale, hiddenDim, hiddenDim)
	reg.Tag(b.mixWeight, RoleWeight)
	b.mixBias = newConstVariable(ctx.In("mixer"), "bias", 0, hiddenDim)
	reg.Tag(b.mixBias, RoleBias)
	return b
}

// HiddenDim returns the embedding width.
func (b *EmbeddingBackbone) HiddenDim() int { return b.hiddenDim }

// Embed looks up token and position embeddings, normalizes their sum and
// mixes it through one Tanh layer. Shapes: ids [batch, width] int32 in,
// states [batch, width, hidden] float32 out.
func (b *EmbeddingBackbone) Embed(ctx *context.Context, ids, mask *graph.Node) *graph.Node {
	g := ids.Graph()
	dims := ids.Shape().Dimensions
	batch, width := dims[0], dims[1]

	table := b.table.ValueGraph(g)
	indices := graph.Reshape(ids, batch, width, 1)
	states := graph.Gather(table, indices) // [batch, width, hidden]

	positions := b.positions.ValueGraph(g)
	if width < positions.Shape().Dimensions[0] {
		positions = graph.Slice(positions, graph.AxisRange(0, width))
	}
	states = graph.Add(states, graph.Reshape(positions, 1, width, b.hiddenDim))

	states = layerNorm(states, b.normScale.ValueGraph(g), b.normOffset.ValueGraph(g))

	mixed := graph.Einsum("bwh,hk->bwk", states, b.mixWeight.ValueGraph(g))
	mixed = graph.Add(mixed, graph.Reshape(b.mixBias.ValueGraph(g), 1, 1, b.hiddenDim))
	return graph.Tanh(mixed)
}

// layerNorm normalizes x over its last axis and applies the learned scale
// and offset, both shaped [hidden].
func layerNorm(x, scale, offset *graph.Node) *graph.Node {
	lastAxis := x.Shape().Rank() - 1
	mean := graph.ReduceAndKeep(x, graph.ReduceMean, lastAxis)
	centered := graph.Sub(x, mean)
	variance := graph.ReduceAndKeep(graph.Square(centered), graph.ReduceMean, lastAxis)
	normed := graph.Div(centered, graph.Sqrt(graph.AddScalar(variance, 1e-5)))
	return graph.Add(graph.Mul(normed, scale), offset)
}

// newNormalVariable creates a float32 variable initialized from a normal
// distribution with the given standard deviation.
func newNormalVariable(ctx *context.Context, name string, rng *rand.Rand, stddev float64, dims ...int) *context.Variable {
	total := 1
	for _, d := range dims {
		total *= d
	}
	flat := make([]float32, total)
	for i := range flat {
		flat[i] = float32(rng.NormFloat64() * stddev)
	}
	return ctx.VariableWithValue(name, tensors.FromFlatDataAndDimensions(flat, dims...))
}

// newConstVariable creates a float32 variable filled with a constant.
func newConstVariable(ctx *context.Context, name string, value float32, dims ...int) *context.Variable {
	total := 1
	for _, d := range dims {
		total *= d
	}
	flat := make([]float32, total)
	for i := range flat {
		flat[i] = value
	}
	return ctx.VariableWithValue(name, tensors.FromFlatDataAndDimensions(flat, dims...))
}
