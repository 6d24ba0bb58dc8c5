package checkpoint

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testState builds a context shaped like a small training run: float32
// parameters, a non-trainable accumulator, and a rank-zero step counter.
func testState(seed float32) (*context.Context, map[string]*context.Variable) {
	ctx := context.New()
	vars := make(map[string]*context.Variable)

	vars["weights"] = ctx.In("model").VariableWithValue("weights",
		tensors.FromFlatDataAndDimensions([]float32{seed, seed + 1, seed + 2, seed + 3}, 2, 2))
	vars["bias"] = ctx.In("model").VariableWithValue("bias",
		tensors.FromFlatDataAndDimensions([]float32{seed * 10, seed * 20}, 2))

	moment := ctx.In("optimizer").VariableWithValue("m.weights",
		tensors.FromFlatDataAndDimensions([]float32{seed / 2, seed / 4, 0, 0}, 2, 2))
	moment.Trainable = false
	vars["moment"] = moment

	step := tensors.FromShape(shapes.Make(dtypes.Int64))
	step.MutableBytes(func(data []byte) {
		binary.LittleEndian.PutUint64(data, uint64(int64(seed)))
	})
	stepVar := ctx.In("optimizer").VariableWithValue("step", step)
	stepVar.Trainable = false
	vars["step"] = stepVar

	return ctx, vars
}

func readF32(t *testing.T, tensor *tensors.Tensor) []float32 {
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

func readI64Scalar(t *testing.T, tensor *tensors.Tensor) int64 {
	t.Helper()
	var v int64
	tensor.MutableBytes(func(data []byte) {
		v = int64(binary.LittleEndian.Uint64(data))
	})
	return v
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, -1)
	require.NoError(t, err)
	defer store.Close()

	srcCtx, srcVars := testState(3)
	path, err := store.Save(srcCtx, 2, 7)
	require.NoError(t, err)
	assert.Equal(t, "checkpoint-0000000007.safetensors", filepath.Base(path))

	dstCtx, dstVars := testState(0)
	state, err := RestoreFile(path, dstCtx)
	require.NoError(t, err)
	assert.Equal(t, State{Epoch: 2, Step: 7}, state)

	for _, name := range []string{"weights", "bias", "moment"} {
		assert.Equal(t, readF32(t, srcVars[name].Value()), readF32(t, dstVars[name].Value()), name)
	}
	assert.Equal(t, int64(3), readI64Scalar(t, dstVars["step"].Value()))

	// No staging leftovers once the save has landed.
	leftovers, err := filepath.Glob(filepath.Join(dir, "*.partial"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

// TestSaveByteIdentical writes the same state into two separate stores
// and compares raw bytes: the name-sorted layout makes equal states
// produce equal files.
func TestSaveByteIdentical(t *testing.T) {
	save := func() []byte {
		store, err := NewStore(t.TempDir(), -1)
		require.NoError(t, err)
		defer store.Close()

		ctx, _ := testState(2)
		path, err := store.Save(ctx, 1, 9)
		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return data
	}
	assert.Equal(t, save(), save())
}

func TestRestoreNewest(t *testing.T) {
	store, err := NewStore(t.TempDir(), -1)
	require.NoError(t, err)
	defer store.Close()

	first, _ := testState(1)
	_, err = store.Save(first, 0, 10)
	require.NoError(t, err)
	second, _ := testState(5)
	_, err = store.Save(second, 1, 20)
	require.NoError(t, err)

	dstCtx, dstVars := testState(0)
	state, found, err := store.Restore(dstCtx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, State{Epoch: 1, Step: 20}, state)
	assert.Equal(t, []float32{5, 6, 7, 8}, readF32(t, dstVars["weights"].Value()))
}

func TestLatestIn(t *testing.T) {
	dir := t.TempDir()

	// A directory that does not exist yet is just an empty store.
	_, found, err := LatestIn(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.False(t, found)

	store, err := NewStore(dir, -1)
	require.NoError(t, err)
	ctx, _ := testState(1)
	_, err = store.Save(ctx, 0, 10)
	require.NoError(t, err)
	_, err = store.Save(ctx, 1, 20)
	require.NoError(t, err)

	// The lock stays with the store; LatestIn must not care.
	entry, found, err := LatestIn(dir)
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 20, entry.Step)
	require.NoError(t, store.Close())
}

func TestRestoreEmptyStore(t *testing.T) {
	store, err := NewStore(t.TempDir(), -1)
	require.NoError(t, err)
	defer store.Close()

	_, found, err := store.Latest()
	require.NoError(t, err)
	assert.False(t, found)

	ctx, _ := testState(0)
	_, found, err = store.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRetention(t *testing.T) {
	store, err := NewStore(t.TempDir(), 2)
	require.NoError(t, err)
	defer store.Close()

	ctx, _ := testState(1)
	for step := int64(1); step <= 4; step++ {
		_, err := store.Save(ctx, 0, step)
		require.NoError(t, err)
	}

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(3), list[0].Step)
	assert.Equal(t, int64(4), list[1].Step)
}

func TestRetentionKeepAll(t *testing.T) {
	store, err := NewStore(t.TempDir(), -1)
	require.NoError(t, err)
	defer store.Close()

	ctx, _ := testState(1)
	for step := int64(1); step <= 3; step++ {
		_, err := store.Save(ctx, 0, step)
		require.NoError(t, err)
	}
	list, err := store.List()
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(t.TempDir(), 0)
	require.Error(t, err)
	_, err = NewStore(t.TempDir(), -2)
	require.Error(t, err)
}

func TestStoreLockExclusive(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, -1)
	require.NoError(t, err)

	_, err = NewStore(dir, -1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")

	require.NoError(t, store.Close())
	reopened, err := NewStore(dir, -1)
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestSaveEmptyContext(t *testing.T) {
	store, err := NewStore(t.TempDir(), -1)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Save(context.New(), 0, 0)
	require.Error(t, err)
}

func TestRestoreMissingTensor(t *testing.T) {
	store, err := NewStore(t.TempDir(), -1)
	require.NoError(t, err)
	defer store.Close()

	srcCtx, _ := testState(1)
	path, err := store.Save(srcCtx, 0, 1)
	require.NoError(t, err)

	dstCtx, _ := testState(0)
	dstCtx.In("model").VariableWithValue("extra", tensors.FromFlatDataAndDimensions([]float32{1}, 1))
	_, err = RestoreFile(path, dstCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing tensor "model/extra"`)
}

func TestRestoreShapeMismatch(t *testing.T) {
	store, err := NewStore(t.TempDir(), -1)
	require.NoError(t, err)
	defer store.Close()

	srcCtx, _ := testState(1)
	path, err := store.Save(srcCtx, 0, 1)
	require.NoError(t, err)

	dstCtx := context.New()
	dstCtx.In("model").VariableWithValue("weights", tensors.FromFlatDataAndDimensions([]float32{0, 0, 0, 0}, 4))
	_, err = RestoreFile(path, dstCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shape mismatch")
}

func TestRestoreCorruptedFile(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "checkpoint-0000000009.safetensors")
	// Header length field claims a terabyte.
	junk := make([]byte, 16)
	binary.LittleEndian.PutUint64(junk, 1<<40)
	require.NoError(t, os.WriteFile(corrupt, junk, 0o644))

	ctx, _ := testState(0)
	_, err := RestoreFile(corrupt, ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header size too large")
}

func TestListIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, -1)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint-abc.safetensors"), []byte("x"), 0o644))

	ctx, _ := testState(1)
	_, err = store.Save(ctx, 0, 5)
	require.NoError(t, err)

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(5), list[0].Step)
}
