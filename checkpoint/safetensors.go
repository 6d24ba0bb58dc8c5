// Package checkpoint persists full training state, model parameters and
// optimizer accumulators alike, as safetensors files: an 8-byte
// little-endian header length, a JSON header describing every tensor,
// and the raw tensor data. Snapshots are written atomically and pruned
// by a retention policy, and the checkpoint directory is locked for the
// lifetime of the run.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"sort"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// maxHeaderBytes caps the JSON header when reading untrusted files.
const maxHeaderBytes = 100 * 1024 * 1024

// tensorMeta is one tensor entry of the safetensors JSON header.
type tensorMeta struct {
	Dtype       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// sizeBytes returns the serialized size the header claims for the tensor.
func (m *tensorMeta) sizeBytes() int64 {
	return m.DataOffsets[1] - m.DataOffsets[0]
}

// snapshotHeader is the parsed header of a checkpoint file.
type snapshotHeader struct {
	Tensors  map[string]*tensorMeta
	Metadata map[string]string
}

// entry pairs a tensor with its header key.
type entry struct {
	name   string
	tensor *tensors.Tensor
}

// safetensorsToGoMLXDtype maps safetensors dtype names ("F32", "I64") to
// GoMLX dtype names ("Float32", "Int64").
var safetensorsToGoMLXDtype = map[string]string{
	"I8":   "Int8",
	"I16":  "Int16",
	"I32":  "Int32",
	"I64":  "Int64",
	"U8":   "Uint8",
	"U16":  "Uint16",
	"U32":  "Uint32",
	"U64":  "Uint64",
	"F16":  "Float16",
	"F32":  "Float32",
	"F64":  "Float64",
	"BF16": "BFloat16",
	"BOOL": "Bool",
}

func dtypeFromSafetensors(name string) (dtypes.DType, error) {
	if gomlxName, found := safetensorsToGoMLXDtype[name]; found {
		if dtype, found := dtypes.MapOfNames[gomlxName]; found {
			return dtype, nil
		}
	}
	if dtype, found := dtypes.MapOfNames[name]; found {
		return dtype, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported safetensors dtype %q", name)
}

func dtypeToSafetensors(dtype dtypes.DType) (string, error) {
	for name, gomlxName := range safetensorsToGoMLXDtype {
		if found, ok := dtypes.MapOfNames[gomlxName]; ok && found == dtype {
			return name, nil
		}
	}
	return "", errors.Errorf("dtype %s has no safetensors encoding", dtype)
}

// encodeSnapshot writes entries plus metadata to w in safetensors layout.
// Entries are laid out in name order so identical states produce
// byte-identical files. Tensor bytes are written as held in memory,
// which is the little-endian layout the format prescribes.
func encodeSnapshot(w io.Writer, entries []entry, metadata map[string]string) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	headerObj := make(map[string]any, len(entries)+1)
	if len(metadata) > 0 {
		headerObj["__metadata__"] = metadata
	}
	var offset int64
	for _, e := range entries {
		dtype := e.tensor.DType()
		name, err := dtypeToSafetensors(dtype)
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", e.name)
		}
		size := int64(e.tensor.Shape().Size()) * int64(dtype.Size())
		shape := append([]int{}, e.tensor.Shape().Dimensions...)
		headerObj[e.name] = &tensorMeta{
			Dtype:       name,
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(headerObj)
	if err != nil {
		return errors.Wrap(err, "failed to encode header")
	}
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return errors.Wrap(err, "failed to write header size")
	}
	if _, err := w.Write(headerBytes); err != nil {
		return errors.Wrap(err, "failed to write header")
	}

	for _, e := range entries {
		var writeErr error
		e.tensor.MutableBytes(func(data []byte) {
			_, writeErr = w.Write(data)
		})
		if writeErr != nil {
			return errors.Wrapf(writeErr, "failed to write tensor %q", e.name)
		}
	}
	return nil
}

// readHeader parses the safetensors header from a memory-mapped file and
// returns it together with the offset where tensor data begins.
func readHeader(r *mmap.ReaderAt) (*snapshotHeader, int64, error) {
	var sizeBuf [8]byte
	if _, err := r.ReadAt(sizeBuf[:], 0); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read header size")
	}
	headerSize := binary.LittleEndian.Uint64(sizeBuf[:])
	if headerSize > maxHeaderBytes {
		return nil, 0, errors.Errorf("header size too large: %d bytes", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := r.ReadAt(headerBytes, 8); err != nil && err != io.EOF {
		return nil, 0, errors.Wrap(err, "failed to read header JSON")
	}
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, 0, errors.Wrap(err, "failed to parse header JSON")
	}

	header := &snapshotHeader{
		Tensors:  make(map[string]*tensorMeta, len(rawHeader)),
		Metadata: make(map[string]string),
	}
	for key, value := range rawHeader {
		if key == "__metadata__" {
			if err := json.Unmarshal(value, &header.Metadata); err != nil {
				return nil, 0, errors.Wrap(err, "failed to parse __metadata__")
			}
			continue
		}
		var meta tensorMeta
		if err := json.Unmarshal(value, &meta); err != nil {
			return nil, 0, errors.Wrapf(err, "failed to parse tensor metadata for %q", key)
		}
		header.Tensors[key] = &meta
	}
	return header, int64(8 + headerSize), nil
}
