package encoder

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flatF32 reads a float32 tensor back as a flat slice.
func flatF32(t *testing.T, tensor *tensors.Tensor) []float32 {
	t.Helper()
	n := tensor.Shape().Size()
	out := make([]float32, n)
	tensor.MutableBytes(func(data []byte) {
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
		}
	})
	return out
}

func idsTensor(rows [][]int32) *tensors.Tensor {
	flat := make([]int32, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(rows), len(rows[0]))
}

func maskTensor(rows [][]float32) *tensors.Tensor {
	flat := make([]float32, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(rows), len(rows[0]))
}

func TestRegistryRoles(t *testing.T) {
	ctx := context.New()
	reg := NewRegistry()
	backbone := NewEmbeddingBackbone(ctx, reg, 16, 8, 4, 1)

	assert.Equal(t, 6, reg.Len())
	assert.True(t, reg.Decays(backbone.table))
	assert.True(t, reg.Decays(backbone.mixWeight))
	assert.False(t, reg.Decays(backbone.mixBias))
	assert.False(t, reg.Decays(backbone.normScale))
	assert.False(t, reg.Decays(backbone.normOffset))

	role, ok := reg.RoleOf(backbone.normScale)
	require.True(t, ok)
	assert.Equal(t, RoleNorm, role)

	var untagged context.Variable
	assert.False(t, reg.Decays(&untagged), "untagged parameters must not decay")
}

func TestEmbeddingBackboneShapes(t *testing.T) {
	backend := backends.MustNew()
	ctx := context.New()
	backbone := NewEmbeddingBackbone(ctx, NewRegistry(), 16, 8, 4, 1)

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{backbone.Embed(ctx, inputs[0], inputs[1])}
	})
	ids := idsTensor([][]int32{{1, 2, 3, 4, 0, 0, 0, 0}, {5, 6, 7, 8, 9, 10, 0, 0}})
	mask := maskTensor([][]float32{{1, 1, 1, 1, 0, 0, 0, 0}, {1, 1, 1, 1, 1, 1, 0, 0}})

	states := exec.Call(ids, mask)[0]
	assert.Equal(t, []int{2, 8, 4}, states.Shape().Dimensions)
	for i, v := range flatF32(t, states) {
		require.False(t, math.IsNaN(float64(v)), "state %d is NaN", i)
	}
}

// rampBackbone maps every token to a state equal to its id, replicated
// across the hidden axis. It makes pooled values exactly predictable.
type rampBackbone struct{ hidden int }

func (r rampBackbone) HiddenDim() int { return r.hidden }

func (r rampBackbone) Embed(ctx *context.Context, ids, mask *graph.Node) *graph.Node {
	g := ids.Graph()
	dims := ids.Shape().Dimensions
	f := graph.Reshape(graph.ConvertDType(ids, dtypes.Float32), dims[0], dims[1], 1)
	ones := graph.ConstTensor(g, onesTensor(1, 1, r.hidden))
	return graph.Mul(f, ones)
}

func onesTensor(dims ...int) *tensors.Tensor {
	tensor := tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
	tensor.MutableBytes(func(data []byte) {
		for i := 0; i < len(data); i += 4 {
			binary.LittleEndian.PutUint32(data[i:i+4], math.Float32bits(1))
		}
	})
	return tensor
}

// TestSpanEncoderMaskedMean checks the pooling arithmetic directly: the
// embedding must be the mean of the unmasked token states only.
func TestSpanEncoderMaskedMean(t *testing.T) {
	backend := backends.MustNew()
	ctx := context.New()
	enc := NewSpanEncoder(rampBackbone{hidden: 3})

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{enc.Encode(ctx, inputs[0], inputs[1])}
	})
	// Row one: mean(3, 5, 7) = 5 with the padding 100s excluded.
	// Row two: mean(2, 4) = 3.
	ids := idsTensor([][]int32{{3, 5, 7, 100, 100}, {2, 4, 100, 100, 100}})
	mask := maskTensor([][]float32{{1, 1, 1, 0, 0}, {1, 1, 0, 0, 0}})

	out := exec.Call(ids, mask)[0]
	assert.Equal(t, []int{2, 3}, out.Shape().Dimensions)
	got := flatF32(t, out)
	want := []float32{5, 5, 5, 3, 3, 3}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-5, "component %d", i)
	}
}

// TestSpanEncoderIgnoresPaddingContent checks the end-to-end guarantee the
// pipeline depends on: whatever ids sit in padded positions, the span
// embedding is unchanged.
func TestSpanEncoderIgnoresPaddingContent(t *testing.T) {
	backend := backends.MustNew()
	ctx := context.New()
	backbone := NewEmbeddingBackbone(ctx, NewRegistry(), 16, 6, 8, 7)
	enc := NewSpanEncoder(backbone)

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{enc.Encode(ctx, inputs[0], inputs[1])}
	})
	mask := maskTensor([][]float32{{1, 1, 1, 0, 0, 0}})

	a := exec.Call(idsTensor([][]int32{{1, 2, 3, 0, 0, 0}}), mask)[0]
	b := exec.Call(idsTensor([][]int32{{1, 2, 3, 9, 9, 9}}), mask)[0]
	assert.Equal(t, flatF32(t, a), flatF32(t, b))
}

func TestMLMHeadShapes(t *testing.T) {
	backend := backends.MustNew()
	ctx := context.New()
	reg := NewRegistry()
	backbone := NewEmbeddingBackbone(ctx, reg, 16, 8, 4, 1)
	head := NewMLMHead(ctx, reg, backbone.HiddenDim(), 16, 2)

	assert.True(t, reg.Decays(head.weight))
	assert.False(t, reg.Decays(head.bias))

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		states := backbone.Embed(ctx, inputs[0], inputs[1])
		return []*graph.Node{head.Logits(states)}
	})
	ids := idsTensor([][]int32{{1, 2, 3, 4, 0, 0, 0, 0}})
	mask := maskTensor([][]float32{{1, 1, 1, 1, 0, 0, 0, 0}})

	logits := exec.Call(ids, mask)[0]
	assert.Equal(t, []int{1, 8, 16}, logits.Shape().Dimensions)
}

func TestEmbedder(t *testing.T) {
	backend := backends.MustNew()
	ctx := context.New()
	backbone := NewEmbeddingBackbone(ctx, NewRegistry(), 16, 4, 8, 3)
	enc := NewSpanEncoder(backbone)

	embedder, err := NewEmbedder(backend, ctx, enc)
	require.NoError(t, err)

	ids := idsTensor([][]int32{{1, 2, 0, 0}, {3, 4, 5, 0}})
	mask := maskTensor([][]float32{{1, 1, 0, 0}, {1, 1, 1, 0}})
	out, err := embedder.Embed(ids, mask)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8}, out.Shape().Dimensions)
}
