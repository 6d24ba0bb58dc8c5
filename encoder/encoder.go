package encoder

import (
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// SpanEncoder pools backbone token states into one embedding per span.
type SpanEncoder struct {
	backbone Backbone
}

// NewSpanEncoder wraps a backbone.
func NewSpanEncoder(backbone Backbone) *SpanEncoder {
	return &SpanEncoder{backbone: backbone}
}

// HiddenDim returns the embedding width.
func (e *SpanEncoder) HiddenDim() int { return e.backbone.HiddenDim() }

// Backbone exposes the wrapped backbone, for callers that need raw token
// states (the masked-language head scores those, not the pooled output).
func (e *SpanEncoder) Backbone() Backbone { return e.backbone }

// Encode builds the graph computing span embeddings [batch, hidden] from
// ids and mask [batch, width]: token states weighted by the mask, summed,
// and divided by the number of real tokens. Padding therefore contributes
// nothing regardless of what the backbone produced for it. Spans always
// carry at least one real token, but the divisor is floored at one so a
// defective all-padding row yields zeros instead of NaN.
func (e *SpanEncoder) Encode(ctx *context.Context, ids, mask *graph.Node) *graph.Node {
	states := e.backbone.Embed(ctx, ids, mask) // [batch, width, hidden]
	dims := states.Shape().Dimensions
	batch, width := dims[0], dims[1]

	m := graph.ConvertDType(mask, states.DType())
	weighted := graph.Mul(states, graph.Reshape(m, batch, width, 1))
	summed := graph.ReduceSum(weighted, 1) // [batch, hidden]

	counts := graph.ReduceSum(m, 1) // [batch]
	counts = graph.Max(counts, graph.OnesLike(counts))
	return graph.Div(summed, graph.Reshape(counts, batch, 1))
}

// MLMHead projects token states to vocabulary logits for the
// masked-language auxiliary objective.
type MLMHead struct {
	vocabSize int

	weight *context.Variable // [hidden, vocab]
	bias   *context.Variable // [vocab]
}

// NewMLMHead creates the projection parameters under ctx scope "mlm" and
// tags their roles in reg.
func NewMLMHead(ctx *context.Context, reg *Registry, hiddenDim, vocabSize int, seed int64) *MLMHead {
	rng := rand.New(rand.NewSource(seed))
	scale := 1.0 / math.Sqrt(float64(hiddenDim))
	ctx = ctx.In("mlm")

	h := &MLMHead{vocabSize: vocabSize}
	h.weight = newNormalVariable(ctx, "weight", rng, scale, hiddenDim, vocabSize)
	reg.Tag(h.weight, RoleWeight)
	h.bias = newConstVariable(ctx, "bias", 0, vocabSize)
	reg.Tag(h.bias, RoleBias)
	return h
}

// VocabSize returns the number of scored classes.
func (h *MLMHead) VocabSize() int { return h.vocabSize }

// Logits maps token states [batch, width, hidden] to vocabulary scores
// [batch, width, vocab].
func (h *MLMHead) Logits(states *graph.Node) *graph.Node {
	g := states.Graph()
	logits := graph.Einsum("bwh,hv->bwv", states, h.weight.ValueGraph(g))
	return graph.Add(logits, graph.Reshape(h.bias.ValueGraph(g), 1, 1, h.vocabSize))
}
