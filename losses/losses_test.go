package losses

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// evalLoss compiles builder into a graph, runs it over args, and returns
// the scalar float32 result.
func evalLoss(t *testing.T, builder func(inputs []*graph.Node) *graph.Node, args ...*tensors.Tensor) float32 {
	t.Helper()
	backend := backends.MustNew()
	exec := context.NewExec(backend, context.New(), func(_ *context.Context, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{builder(inputs)}
	})
	callArgs := make([]any, len(args))
	for i, a := range args {
		callArgs[i] = a
	}
	out := exec.Call(callArgs...)[0]

	require.Equal(t, 0, out.Shape().Rank())
	var v float32
	out.MutableBytes(func(data []byte) {
		v = math.Float32frombits(binary.LittleEndian.Uint32(data))
	})
	return v
}

func embTensor(rows [][]float32) *tensors.Tensor {
	flat := make([]float32, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(rows), len(rows[0]))
}

func groupsTensor(ids []int64) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(ids, len(ids))
}

// referenceNTXent recomputes the contrastive loss naively in float64.
// Test scores are small enough that unshifted exponentials stay finite.
func referenceNTXent(embeddings [][]float64, groups []int64, temperature float64) float64 {
	n := len(embeddings)
	normed := make([][]float64, n)
	for i, row := range embeddings {
		var ss float64
		for _, v := range row {
			ss += v * v
		}
		norm := math.Sqrt(ss) + 1e-12
		out := make([]float64, len(row))
		for j, v := range row {
			out[j] = v / norm
		}
		normed[i] = out
	}

	var total, counted float64
	for i := 0; i < n; i++ {
		var posSum, allSum float64
		hasPos := false
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			var dot float64
			for k := range normed[i] {
				dot += normed[i][k] * normed[j][k]
			}
			e := math.Exp(dot / temperature)
			allSum += e
			if groups[j] == groups[i] {
				posSum += e
				hasPos = true
			}
		}
		if !hasPos {
			continue
		}
		total += -math.Log(posSum / allSum)
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / counted
}

func TestNewNTXentValidation(t *testing.T) {
	for _, temperature := range []float64{0, -0.5} {
		_, err := NewNTXent(temperature)
		require.Error(t, err, "temperature %g", temperature)
	}
	loss, err := NewNTXent(0.1)
	require.NoError(t, err)
	assert.Equal(t, 0.1, loss.Temperature())
}

func TestNTXentMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const batch, hidden = 6, 4
	rows32 := make([][]float32, batch)
	rows64 := make([][]float64, batch)
	for i := range rows32 {
		rows32[i] = make([]float32, hidden)
		rows64[i] = make([]float64, hidden)
		for j := range rows32[i] {
			v := rng.Float64()*2 - 1
			rows32[i][j] = float32(v)
			rows64[i][j] = float64(float32(v))
		}
	}
	groups := []int64{0, 0, 1, 1, 2, 2}

	loss, err := NewNTXent(0.2)
	require.NoError(t, err)
	got := evalLoss(t, func(inputs []*graph.Node) *graph.Node {
		return loss.Loss(inputs[0], inputs[1])
	}, embTensor(rows32), groupsTensor(groups))

	want := referenceNTXent(rows64, groups, 0.2)
	assert.InDelta(t, want, float64(got), 1e-5)
}

func TestNTXentPermutationInvariance(t *testing.T) {
	rows := [][]float32{
		{1, 0, 0}, {0.9, 0.1, 0},
		{0, 1, 0}, {0.2, 0.8, 0},
		{0, 0, 1}, {-0.1, 0, 0.9},
	}
	groups := []int64{0, 0, 1, 1, 2, 2}
	perm := []int{3, 0, 5, 2, 1, 4}
	permRows := make([][]float32, len(rows))
	permGroups := make([]int64, len(groups))
	for i, p := range perm {
		permRows[i] = rows[p]
		permGroups[i] = groups[p]
	}

	loss, err := NewNTXent(0.3)
	require.NoError(t, err)
	builder := func(inputs []*graph.Node) *graph.Node {
		return loss.Loss(inputs[0], inputs[1])
	}
	a := evalLoss(t, builder, embTensor(rows), groupsTensor(groups))
	b := evalLoss(t, builder, embTensor(permRows), groupsTensor(permGroups))
	assert.InDelta(t, float64(a), float64(b), 1e-6)
}

// TestNTXentPerfectSeparation drives the loss to its floor: identical
// embeddings within a group, orthogonal ones across groups.
func TestNTXentPerfectSeparation(t *testing.T) {
	rows := [][]float32{
		{1, 0, 0, 0}, {1, 0, 0, 0},
		{0, 1, 0, 0}, {0, 1, 0, 0},
	}
	groups := []int64{0, 0, 1, 1}

	loss, err := NewNTXent(0.05)
	require.NoError(t, err)
	got := evalLoss(t, func(inputs []*graph.Node) *graph.Node {
		return loss.Loss(inputs[0], inputs[1])
	}, embTensor(rows), groupsTensor(groups))

	assert.GreaterOrEqual(t, got, float32(0))
	assert.Less(t, got, float32(1e-6))
}

// TestNTXentSingletonExcluded mixes a pair with an instance whose group
// appears once. The singleton serves as a negative but contributes no
// loss term of its own.
func TestNTXentSingletonExcluded(t *testing.T) {
	rows32 := [][]float32{{1, 0}, {0.8, 0.6}, {-1, 0}}
	rows64 := [][]float64{{1, 0}, {0.8, 0.6}, {-1, 0}}
	groups := []int64{3, 3, 9}

	loss, err := NewNTXent(0.5)
	require.NoError(t, err)
	got := evalLoss(t, func(inputs []*graph.Node) *graph.Node {
		return loss.Loss(inputs[0], inputs[1])
	}, embTensor(rows32), groupsTensor(groups))

	want := referenceNTXent(rows64, groups, 0.5)
	assert.InDelta(t, want, float64(got), 1e-5)
	assert.False(t, math.IsNaN(float64(got)))
}

// TestNTXentNoPositives holds a batch of three mutually foreign
// instances: with every term excluded the loss is exactly zero.
func TestNTXentNoPositives(t *testing.T) {
	rows := [][]float32{{1, 0}, {0, 1}, {-1, 0}}
	groups := []int64{1, 2, 3}

	loss, err := NewNTXent(0.1)
	require.NoError(t, err)
	got := evalLoss(t, func(inputs []*graph.Node) *graph.Node {
		return loss.Loss(inputs[0], inputs[1])
	}, embTensor(rows), groupsTensor(groups))
	assert.Zero(t, got)
}

// TestNTXentTemperature pins the two ends of the temperature scale: with
// the positive nearer than every negative, sharpening lowers the loss,
// and a huge temperature flattens it to log(batch-1) per instance.
func TestNTXentTemperature(t *testing.T) {
	rows := [][]float32{
		{1, 0, 0, 0}, {0.95, 0.05, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
	groups := []int64{0, 0, 1, 2}

	at := func(temperature float64) float32 {
		loss, err := NewNTXent(temperature)
		require.NoError(t, err)
		return evalLoss(t, func(inputs []*graph.Node) *graph.Node {
			return loss.Loss(inputs[0], inputs[1])
		}, embTensor(rows), groupsTensor(groups))
	}

	require.Less(t, at(0.1), at(0.5))
	require.Less(t, at(0.5), at(2.0))
	assert.InDelta(t, math.Log(3), float64(at(1000)), 1e-2)
}

func logitsTensor(batch [][][]float32) *tensors.Tensor {
	b, w, v := len(batch), len(batch[0]), len(batch[0][0])
	flat := make([]float32, 0, b*w*v)
	for _, row := range batch {
		for _, pos := range row {
			flat = append(flat, pos...)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, b, w, v)
}

func labelsTensor(rows [][]int32) *tensors.Tensor {
	flat := make([]int32, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(rows), len(rows[0]))
}

func refLogSoftmax(logits []float64) []float64 {
	m := logits[0]
	for _, v := range logits {
		if v > m {
			m = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(v - m)
	}
	lse := m + math.Log(sum)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = v - lse
	}
	return out
}

func TestMaskedCrossEntropyKnownValues(t *testing.T) {
	logits := [][][]float32{{
		{1.0, 2.0, 0.5},
		{0.3, -0.7, 1.2},
	}}
	labels := [][]int32{{2, -100}}

	loss := NewMaskedCrossEntropy(-100)
	got := evalLoss(t, func(inputs []*graph.Node) *graph.Node {
		return loss.Loss(inputs[0], inputs[1])
	}, logitsTensor(logits), labelsTensor(labels))

	// Only position zero is labelled.
	want := -refLogSoftmax([]float64{1.0, 2.0, 0.5})[2]
	assert.InDelta(t, want, float64(got), 1e-5)
}

func TestMaskedCrossEntropyAveragesLabelled(t *testing.T) {
	logits := [][][]float32{
		{{0, 0, 0, 0}, {1, 0, 0, 0}},
		{{0, 2, 0, 0}, {0, 0, 0, 0}},
	}
	labels := [][]int32{{1, -100}, {1, -100}}

	loss := NewMaskedCrossEntropy(-100)
	got := evalLoss(t, func(inputs []*graph.Node) *graph.Node {
		return loss.Loss(inputs[0], inputs[1])
	}, logitsTensor(logits), labelsTensor(labels))

	want := (-refLogSoftmax([]float64{0, 0, 0, 0})[1] - refLogSoftmax([]float64{0, 2, 0, 0})[1]) / 2
	assert.InDelta(t, want, float64(got), 1e-5)
}

func TestMaskedCrossEntropyAllIgnored(t *testing.T) {
	logits := [][][]float32{{{5, -3, 0}, {1, 1, 1}}}
	labels := [][]int32{{-100, -100}}

	loss := NewMaskedCrossEntropy(-100)
	got := evalLoss(t, func(inputs []*graph.Node) *graph.Node {
		return loss.Loss(inputs[0], inputs[1])
	}, logitsTensor(logits), labelsTensor(labels))
	assert.Zero(t, got)
}
