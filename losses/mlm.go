package losses

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// MaskedCrossEntropy scores vocabulary logits against token labels,
// skipping positions whose label equals the ignore id.
type MaskedCrossEntropy struct {
	ignoreLabel int
}

// NewMaskedCrossEntropy returns the objective. Positions labelled with
// ignoreLabel contribute neither to the sum nor to the divisor.
func NewMaskedCrossEntropy(ignoreLabel int) *MaskedCrossEntropy {
	return &MaskedCrossEntropy{ignoreLabel: ignoreLabel}
}

// Loss builds the mean negative log-likelihood over the labelled
// positions of logits [batch, width, vocab] and labels [batch, width].
// With no labelled position at all the loss is zero rather than NaN.
func (l *MaskedCrossEntropy) Loss(logits, labels *graph.Node) *graph.Node {
	g := logits.Graph()
	vocab := logits.Shape().Dimensions[2]

	logp := graph.LogSoftmax(logits, 2)
	ignored := graph.Scalar(g, labels.DType(), float64(l.ignoreLabel))
	labelled := graph.NotEqual(labels, ignored)
	valid := graph.ConvertDType(labelled, logits.DType())

	// Ignored labels are negative, out of OneHot range: zero them first.
	safe := graph.Where(labelled, labels, graph.ZerosLike(labels))
	oneHot := graph.OneHot(safe, vocab, logits.DType())
	picked := graph.ReduceSum(graph.Mul(logp, oneHot), 2)

	total := graph.ReduceAllSum(graph.Mul(graph.Neg(picked), valid))
	count := graph.Max(graph.ReduceAllSum(valid), graph.Scalar(g, logits.DType(), 1))
	return graph.Div(total, count)
}
