// Package losses builds the training objectives as gomlx graph
// computations: the temperature-scaled contrastive objective over span
// embeddings, and the masked-token cross entropy used as an auxiliary
// signal. Both return scalar float32 nodes ready for differentiation.
package losses

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// negInf is a stand-in for -infinity on masked-out similarity entries. It
// is large enough that exp(negInf-max) underflows to exactly zero in
// float64, and small enough never to produce NaN through subtraction.
const negInf = -1e30

// NTXent is the normalized-temperature cross-entropy contrastive
// objective. Instances sharing a group id attract, all others repel.
type NTXent struct {
	temperature float64
}

// NewNTXent validates the temperature and returns the objective.
func NewNTXent(temperature float64) (*NTXent, error) {
	if temperature <= 0 {
		return nil, errors.Errorf("temperature must be positive, got %g", temperature)
	}
	return &NTXent{temperature: temperature}, nil
}

// Temperature returns the similarity scaling divisor.
func (l *NTXent) Temperature() float64 { return l.temperature }

// Loss builds the contrastive loss over embeddings [batch, hidden] and
// groups [batch] (int64 ids). Per instance i the loss is
//
//	-log( sum_{j: pos} exp(sim_ij/t) / sum_{j != i} exp(sim_ij/t) )
//
// where sim is cosine similarity and positives are the other instances
// with the same group id. Instances without a positive are excluded from
// the mean. All arithmetic runs in float64 with max-shifted log-sum-exp,
// so extreme temperatures stay finite; the result converts to float32.
func (l *NTXent) Loss(embeddings, groups *graph.Node) *graph.Node {
	g := embeddings.Graph()
	batch := embeddings.Shape().Dimensions[0]

	e := graph.ConvertDType(embeddings, dtypes.Float64)
	norms := graph.Sqrt(graph.ReduceAndKeep(graph.Square(e), graph.ReduceSum, 1))
	e = graph.Div(e, graph.AddScalar(norms, 1e-12))

	sims := graph.Einsum("ih,jh->ij", e, e)
	scaled := graph.MulScalar(sims, 1/l.temperature)

	// Pairwise masks: same-group membership minus the diagonal.
	gi := graph.Reshape(groups, batch, 1)
	gj := graph.Reshape(groups, 1, batch)
	same := graph.ConvertDType(graph.Equal(gi, gj), dtypes.Float64)
	square := shapes.Make(dtypes.Int64, batch, batch)
	eye := graph.ConvertDType(
		graph.Equal(graph.Iota(g, square, 0), graph.Iota(g, square, 1)),
		dtypes.Float64)
	notSelf := graph.Sub(graph.OnesLike(eye), eye)
	pos := graph.Mul(same, notSelf)

	perInstance := graph.Sub(
		maskedLogSumExp(scaled, notSelf),
		maskedLogSumExp(scaled, pos))

	posCount := graph.ReduceSum(pos, 1)
	hasPos := graph.ConvertDType(
		graph.GreaterOrEqual(posCount, graph.Scalar(g, dtypes.Float64, 1)),
		dtypes.Float64)
	counted := graph.Max(graph.ReduceAllSum(hasPos), graph.Scalar(g, dtypes.Float64, 1))
	loss := graph.Div(graph.ReduceAllSum(graph.Mul(perInstance, hasPos)), counted)
	return graph.ConvertDType(loss, dtypes.Float32)
}

// maskedLogSumExp computes log(sum_j exp(scores_ij)) per row over the
// entries where mask is one. Rows whose mask is all zero still come out
// finite (negInf plus log of the row width); callers discard them.
func maskedLogSumExp(scores, mask *graph.Node) *graph.Node {
	batch := scores.Shape().Dimensions[0]
	dropped := graph.MulScalar(graph.Sub(graph.OnesLike(mask), mask), negInf)
	masked := graph.Add(graph.Mul(scores, mask), dropped)
	m := graph.ReduceAndKeep(masked, graph.ReduceMax, 1)
	sum := graph.ReduceSum(graph.Exp(graph.Sub(masked, m)), 1)
	return graph.Add(graph.Reshape(m, batch), graph.Log(sum))
}
