// Package optimize implements the AdamW update rule as a gomlx graph
// transformation: first and second moment accumulators per parameter,
// bias correction driven by a persisted step counter, global
// gradient-norm clipping, and weight decay decoupled from the adaptive
// step and applied only to parameters whose role calls for it.
package optimize

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"

	"github.com/embedml/contraspan/encoder"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Config holds the AdamW hyperparameters.
type Config struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	// ClipNorm bounds the global gradient norm before the update; zero or
	// negative disables clipping.
	ClipNorm float64
}

// AdamW applies decoupled-weight-decay Adam updates to every trainable
// variable of a context. Optimizer state (moments and the step counter)
// lives in the same context under the "optimizer" scope, so checkpoints
// capture it alongside the model.
type AdamW struct {
	cfg      Config
	ctx      *context.Context
	registry *encoder.Registry

	step    *context.Variable
	moments map[string]*context.Variable
}

// NewAdamW validates cfg and allocates the step counter.
func NewAdamW(ctx *context.Context, registry *encoder.Registry, cfg Config) (*AdamW, error) {
	if cfg.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", cfg.LearningRate)
	}
	if cfg.Beta1 < 0 || cfg.Beta1 >= 1 {
		return nil, errors.Errorf("beta1 must be in [0, 1), got %g", cfg.Beta1)
	}
	if cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
		return nil, errors.Errorf("beta2 must be in [0, 1), got %g", cfg.Beta2)
	}
	if cfg.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive, got %g", cfg.Epsilon)
	}
	if cfg.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay must not be negative, got %g", cfg.WeightDecay)
	}

	o := &AdamW{
		cfg:      cfg,
		ctx:      ctx,
		registry: registry,
		moments:  make(map[string]*context.Variable),
	}
	o.step = ctx.In("optimizer").VariableWithValue("step", zeroTensor(shapes.Make(dtypes.Int64)))
	o.step.Trainable = false

	// Allocate accumulators for every parameter that exists now, before
	// any graph is built. A checkpoint restored into this context then
	// finds the optimizer state variables already in place.
	var params []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			params = append(params, v)
		}
	})
	for _, v := range params {
		o.momentFor(v, "m")
		o.momentFor(v, "v")
	}
	return o, nil
}

// Step builds the update into loss's graph: it differentiates loss with
// respect to every trainable variable, clips the gradients by their
// global norm, applies the AdamW rule, and advances the step counter.
// It returns the pre-clip global gradient norm as a float32 scalar.
func (o *AdamW) Step(loss *graph.Node) *graph.Node {
	g := loss.Graph()

	var params []*context.Variable
	o.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			params = append(params, v)
		}
	})
	if len(params) == 0 {
		return graph.Scalar(g, dtypes.Float32, 0)
	}
	// Enumeration order is not specified; fix it so the norm reduction
	// (and therefore the exact floats) is reproducible across runs.
	sort.Slice(params, func(i, j int) bool {
		return variableKey(params[i]) < variableKey(params[j])
	})

	paramNodes := make([]*graph.Node, len(params))
	for i, v := range params {
		paramNodes[i] = v.ValueGraph(g)
	}
	grads := graph.Gradient(loss, paramNodes...)

	sumSquares := graph.Scalar(g, dtypes.Float32, 0)
	for _, grad := range grads {
		sumSquares = graph.Add(sumSquares, graph.ReduceAllSum(graph.Square(grad)))
	}
	norm := graph.Sqrt(sumSquares)

	if o.cfg.ClipNorm > 0 {
		factor := graph.Min(
			graph.Scalar(g, dtypes.Float32, 1),
			graph.Div(graph.Scalar(g, dtypes.Float32, o.cfg.ClipNorm), graph.AddScalar(norm, 1e-12)))
		for i := range grads {
			grads[i] = graph.Mul(grads[i], factor)
		}
	}

	next := graph.Add(o.step.ValueGraph(g), graph.Scalar(g, dtypes.Int64, 1))
	o.step.SetValueGraph(next)

	// 1 - beta^t, computed as exp(t*log beta) to keep t a graph value.
	t := graph.ConvertDType(next, dtypes.Float64)
	correction := func(beta float64) *graph.Node {
		c := graph.Sub(
			graph.Scalar(g, dtypes.Float64, 1),
			graph.Exp(graph.Mul(t, graph.Scalar(g, dtypes.Float64, math.Log(beta)))))
		return graph.ConvertDType(c, dtypes.Float32)
	}
	bc1 := correction(o.cfg.Beta1)
	bc2 := correction(o.cfg.Beta2)

	for i, v := range params {
		grad := grads[i]
		m := o.momentFor(v, "m")
		s := o.momentFor(v, "v")

		mNext := graph.Add(
			graph.MulScalar(m.ValueGraph(g), o.cfg.Beta1),
			graph.MulScalar(grad, 1-o.cfg.Beta1))
		sNext := graph.Add(
			graph.MulScalar(s.ValueGraph(g), o.cfg.Beta2),
			graph.MulScalar(graph.Square(grad), 1-o.cfg.Beta2))
		m.SetValueGraph(mNext)
		s.SetValueGraph(sNext)

		update := graph.Div(
			graph.Div(mNext, bc1),
			graph.AddScalar(graph.Sqrt(graph.Div(sNext, bc2)), o.cfg.Epsilon))
		if o.cfg.WeightDecay > 0 && o.registry.Decays(v) {
			update = graph.Add(update, graph.MulScalar(paramNodes[i], o.cfg.WeightDecay))
		}
		v.SetValueGraph(graph.Sub(paramNodes[i], graph.MulScalar(update, o.cfg.LearningRate)))
	}
	return norm
}

// Steps returns the number of updates applied so far.
func (o *AdamW) Steps() int64 {
	var n int64
	o.step.Value().MutableBytes(func(data []byte) {
		n = int64(binary.LittleEndian.Uint64(data))
	})
	return n
}

// momentFor returns the accumulator of the given kind ("m" or "v") for a
// parameter, creating it zeroed on first use. Accumulators are plain
// variables in the optimizer scope, excluded from differentiation.
func (o *AdamW) momentFor(v *context.Variable, kind string) *context.Variable {
	key := kind + ":" + variableKey(v)
	if mv, ok := o.moments[key]; ok {
		return mv
	}
	name := kind + "." + strings.ReplaceAll(strings.TrimPrefix(variableKey(v), "/"), "/", ".")
	mv := o.ctx.In("optimizer").VariableWithValue(name, zeroTensor(v.Value().Shape()))
	mv.Trainable = false
	o.moments[key] = mv
	return mv
}

func variableKey(v *context.Variable) string {
	return v.Scope() + "/" + v.Name()
}

func zeroTensor(shape shapes.Shape) *tensors.Tensor {
	t := tensors.FromShape(shape)
	t.MutableBytes(func(data []byte) {
		clear(data)
	})
	return t
}
