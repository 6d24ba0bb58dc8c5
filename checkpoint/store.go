package checkpoint

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
	"k8s.io/klog/v2"
)

const (
	checkpointPrefix = "checkpoint-"
	checkpointSuffix = ".safetensors"
)

// State is the training progress recorded alongside the tensors.
type State struct {
	Epoch int
	Step  int64
}

// Entry describes one checkpoint file in a store.
type Entry struct {
	Path string
	Step int64
}

// Store writes and restores snapshots in a directory it holds exclusively
// for the lifetime of the run. keep bounds how many snapshots survive
// pruning; -1 keeps everything.
type Store struct {
	dir  string
	keep int
	lock *flock.Flock
}

// NewStore creates the directory if needed and takes the directory lock.
// It fails immediately when another run holds the lock: two trainers
// writing the same store would corrupt each other's retention.
func NewStore(dir string, keep int) (*Store, error) {
	if keep != -1 && keep < 1 {
		return nil, errors.Errorf("retention must be -1 (keep all) or at least 1, got %d", keep)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	lock := flock.New(filepath.Join(dir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock checkpoint directory %s", dir)
	}
	if !locked {
		return nil, errors.Errorf("checkpoint directory %s is locked by another run", dir)
	}
	return &Store{dir: dir, keep: keep, lock: lock}, nil
}

// Close releases the directory lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// Save snapshots every variable of ctx, model parameters and optimizer
// state alike, to a new checkpoint file named after the step. The file
// appears atomically: data goes to a staging file first and is renamed
// into place only once fully written. Older checkpoints beyond the
// retention bound are pruned afterwards.
func (s *Store) Save(ctx *context.Context, epoch int, step int64) (string, error) {
	var entries []entry
	ctx.EnumerateVariables(func(v *context.Variable) {
		entries = append(entries, entry{name: variableName(v), tensor: v.Value()})
	})
	if len(entries) == 0 {
		return "", errors.New("nothing to checkpoint: context holds no variables")
	}
	metadata := map[string]string{
		"epoch": strconv.Itoa(epoch),
		"step":  strconv.FormatInt(step, 10),
	}

	final := filepath.Join(s.dir, fmt.Sprintf("%s%010d%s", checkpointPrefix, step, checkpointSuffix))
	staging := final + ".partial"
	f, err := os.Create(staging)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create staging file %s", staging)
	}
	if err := encodeSnapshot(f, entries, metadata); err != nil {
		f.Close()
		os.Remove(staging)
		return "", errors.Wrapf(err, "failed to write checkpoint %s", final)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(staging)
		return "", errors.Wrapf(err, "failed to sync %s", staging)
	}
	if err := f.Close(); err != nil {
		os.Remove(staging)
		return "", errors.Wrapf(err, "failed to close %s", staging)
	}
	if err := os.Rename(staging, final); err != nil {
		os.Remove(staging)
		return "", errors.Wrap(err, "failed to move checkpoint into place")
	}
	klog.V(1).Infof("Wrote checkpoint %s (epoch %d, step %d)", final, epoch, step)

	if err := s.prune(); err != nil {
		// The checkpoint itself landed; stale files are only a nuisance.
		klog.Warningf("Checkpoint retention failed: %v", err)
	}
	return final, nil
}

// List returns the store's checkpoints ordered by step, oldest first.
// Files that do not follow the checkpoint naming scheme are ignored.
func (s *Store) List() ([]Entry, error) {
	return listDir(s.dir)
}

func listDir(dir string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list checkpoint directory %s", dir)
	}
	var out []Entry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		step, ok := stepFromName(de.Name())
		if !ok {
			continue
		}
		out = append(out, Entry{Path: filepath.Join(dir, de.Name()), Step: step})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

// LatestIn reports the newest checkpoint under dir without taking the
// store lock. Read-only consumers use it to find a snapshot while a
// trainer may still own the directory. A missing directory just means no
// checkpoint yet.
func LatestIn(dir string) (Entry, bool, error) {
	list, err := listDir(dir)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	if len(list) == 0 {
		return Entry{}, false, nil
	}
	return list[len(list)-1], true, nil
}

// Latest returns the newest checkpoint, reporting whether one exists.
func (s *Store) Latest() (Entry, bool, error) {
	list, err := s.List()
	if err != nil || len(list) == 0 {
		return Entry{}, false, err
	}
	return list[len(list)-1], true, nil
}

// Restore loads the newest checkpoint into ctx's variables. The boolean
// reports whether a checkpoint was found at all.
func (s *Store) Restore(ctx *context.Context) (State, bool, error) {
	latest, found, err := s.Latest()
	if err != nil || !found {
		return State{}, false, err
	}
	state, err := RestoreFile(latest.Path, ctx)
	if err != nil {
		return State{}, true, err
	}
	return state, true, nil
}

func (s *Store) prune() error {
	if s.keep < 0 {
		return nil
	}
	list, err := s.List()
	if err != nil {
		return err
	}
	for _, e := range list[:max(0, len(list)-s.keep)] {
		if err := os.Remove(e.Path); err != nil {
			return errors.Wrapf(err, "failed to prune %s", e.Path)
		}
		klog.V(1).Infof("Pruned checkpoint %s", e.Path)
	}
	return nil
}

// RestoreFile loads one checkpoint file into ctx. Every variable of ctx
// must be present in the file with matching dtype and shape; the model
// and optimizer therefore have to be constructed before restoring.
func RestoreFile(filePath string, ctx *context.Context) (State, error) {
	reader, err := mmap.Open(filePath)
	if err != nil {
		return State{}, errors.Wrapf(err, "failed to mmap %s", filePath)
	}
	defer reader.Close()

	header, dataOffset, err := readHeader(reader)
	if err != nil {
		return State{}, errors.WithMessagef(err, "checkpoint %s", filePath)
	}
	state, err := stateFromMetadata(header.Metadata)
	if err != nil {
		return State{}, errors.WithMessagef(err, "checkpoint %s", filePath)
	}

	var vars []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		vars = append(vars, v)
	})
	for _, v := range vars {
		key := variableName(v)
		meta, ok := header.Tensors[key]
		if !ok {
			return State{}, errors.Errorf("checkpoint %s is missing tensor %q", filePath, key)
		}
		if err := restoreVariable(reader, dataOffset, key, meta, v); err != nil {
			return State{}, errors.WithMessagef(err, "checkpoint %s", filePath)
		}
	}
	// Extra tensors are normal when restoring a pure-inference context
	// from a training snapshot: optimizer state stays unread.
	if extra := len(header.Tensors) - len(vars); extra > 0 {
		klog.V(1).Infof("Checkpoint %s holds %d tensors with no matching variable", filePath, extra)
	}
	return state, nil
}

func restoreVariable(reader *mmap.ReaderAt, dataOffset int64, key string, meta *tensorMeta, v *context.Variable) error {
	dtype, err := dtypeFromSafetensors(meta.Dtype)
	if err != nil {
		return errors.WithMessagef(err, "tensor %q", key)
	}
	current := v.Value()
	if dtype != current.DType() {
		return errors.Errorf("tensor %q dtype mismatch: checkpoint has %s, model has %s",
			key, dtype, current.DType())
	}
	if !slices.Equal(meta.Shape, current.Shape().Dimensions) {
		return errors.Errorf("tensor %q shape mismatch: checkpoint has %v, model has %v",
			key, meta.Shape, current.Shape().Dimensions)
	}
	expected := int64(current.Shape().Size()) * int64(dtype.Size())
	if meta.sizeBytes() != expected {
		return errors.Errorf("tensor %q data size mismatch: header claims %d bytes, shape needs %d",
			key, meta.sizeBytes(), expected)
	}

	t := tensors.FromShape(current.Shape())
	var readErr error
	t.MutableBytes(func(data []byte) {
		if _, err := reader.ReadAt(data, dataOffset+meta.DataOffsets[0]); err != nil && err != io.EOF {
			readErr = errors.Wrapf(err, "failed to read tensor %q", key)
		}
	})
	if readErr != nil {
		return readErr
	}
	v.SetValue(t)
	return nil
}

func stateFromMetadata(metadata map[string]string) (State, error) {
	epochStr, ok := metadata["epoch"]
	if !ok {
		return State{}, errors.New("metadata is missing epoch")
	}
	epoch, err := strconv.Atoi(epochStr)
	if err != nil {
		return State{}, errors.Wrapf(err, "failed to parse epoch %q", epochStr)
	}
	stepStr, ok := metadata["step"]
	if !ok {
		return State{}, errors.New("metadata is missing step")
	}
	step, err := strconv.ParseInt(stepStr, 10, 64)
	if err != nil {
		return State{}, errors.Wrapf(err, "failed to parse step %q", stepStr)
	}
	return State{Epoch: epoch, Step: step}, nil
}

func stepFromName(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, checkpointPrefix)
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, checkpointSuffix)
	if !ok {
		return 0, false
	}
	step, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || step < 0 {
		return 0, false
	}
	return step, true
}

// variableName derives the checkpoint key for a variable from its scope
// and name; Save and RestoreFile must agree on it exactly.
func variableName(v *context.Variable) string {
	return strings.TrimPrefix(path.Join(v.Scope(), v.Name()), "/")
}
