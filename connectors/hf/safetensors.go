package hf

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"iter"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NamedTensor pairs a tensor with its name in a ".safetensors" file.
type NamedTensor struct {
	Name   string
	Tensor *tensors.Tensor
}

const safetensorsMetadataKey = "__metadata__"

// Dtype names used by the safetensors format.
var (
	safetensorsToDType = map[string]dtypes.DType{
		"BOOL": dtypes.Bool,
		"I8":   dtypes.Int8,
		"I16":  dtypes.Int16,
		"I32":  dtypes.Int32,
		"I64":  dtypes.Int64,
		"U8":   dtypes.Uint8,
		"U16":  dtypes.Uint16,
		"U32":  dtypes.Uint32,
		"U64":  dtypes.Uint64,
		"F16":  dtypes.Float16,
		"BF16": dtypes.BFloat16,
		"F32":  dtypes.Float32,
		"F64":  dtypes.Float64,
	}
	dtypeToSafetensors = func() map[dtypes.DType]string {
		m := make(map[dtypes.DType]string, len(safetensorsToDType))
		for name, dtype := range safetensorsToDType {
			m[dtype] = name
		}
		return m
	}()
)

type tensorMetadata struct {
	// Format is only present for the safetensorsMetadataKey ("__metadata__") entry.
	Format string `json:"format,omitempty"`

	DTypeName  string   `json:"dtype,omitempty"`
	Dimensions []int    `json:"shape,omitempty"`
	Offsets    []uint64 `json:"data_offsets,omitempty"`

	// Name is filled later, with the key of the tensor.
	Name string `json:"-"`
}

// DType parses the dtype name into an actual dtype.
func (t *tensorMetadata) DType() dtypes.DType {
	dtype, found := safetensorsToDType[t.DTypeName]
	if !found {
		dtype = dtypes.InvalidDType
	}
	return dtype
}

func (t *tensorMetadata) Shape() shapes.Shape {
	return shapes.Make(t.DType(), t.Dimensions...)
}

// ScanSafetensors iterates over the tensors stored in a ".safetensors" stream,
// converting them to GoMLX tensors with their associated names.
func ScanSafetensors(r io.Reader) iter.Seq2[*NamedTensor, error] {
	return func(yield func(*NamedTensor, error) bool) {
		var metadataLenBuf [8]byte
		if _, err := io.ReadFull(r, metadataLenBuf[:]); err != nil {
			yield(nil, errors.Wrapf(err, "failed to read safetensors metadata length"))
			return
		}
		metadataLen := binary.LittleEndian.Uint64(metadataLenBuf[:])
		metadataBuf := make([]byte, metadataLen)
		if _, err := io.ReadFull(r, metadataBuf); err != nil {
			yield(nil, errors.Wrapf(err, "failed to read safetensors metadata"))
			return
		}
		var metadata map[string]*tensorMetadata
		if err := json.Unmarshal(metadataBuf, &metadata); err != nil {
			yield(nil, errors.Wrapf(err, "failed to parse json from safetensors metadata"))
			return
		}

		if globalMetadata, found := metadata[safetensorsMetadataKey]; found &&
			globalMetadata.Format != "" && globalMetadata.Format != "pt" {
			yield(nil, errors.Errorf("unsupported tensor format %q set in metadata[%q][\"format\"], only "+
				"supported format is \"pt\" (PyTorch)", globalMetadata.Format, safetensorsMetadataKey))
			return
		}

		// Sort metadata by offsets -- and strip the global metadata entry.
		sortedMetadata := make([]*tensorMetadata, 0, len(metadata))
		for tName, tData := range metadata {
			if tName == safetensorsMetadataKey {
				continue
			}
			tData.Name = tName
			if len(tData.Offsets) != 2 || tData.Offsets[1] < tData.Offsets[0] {
				yield(nil, errors.Errorf("offset metadata[%q][\"data_offsets\"] invalid, "+
					"expected [start, end] but got %v instead", tData.Name, tData.Offsets))
				return
			}
			if tData.DType() == dtypes.InvalidDType {
				yield(nil, errors.Errorf("unsupported dtype %q in metadata[%q][\"dtype\"]",
					tData.DTypeName, tData.Name))
				return
			}
			size := uintptr(tData.Offsets[1] - tData.Offsets[0])
			if size != tData.Shape().Memory() {
				yield(nil, errors.Errorf("tensor shape %s is expected to require %d bytes, but "+
					"metadata[%q][\"data_offsets\"] reserves %d bytes",
					tData.Shape(), tData.Shape().Memory(), tData.Name, size))
				return
			}
			sortedMetadata = append(sortedMetadata, tData)
		}
		slices.SortFunc(sortedMetadata, func(a, b *tensorMetadata) int {
			if a.Offsets[0] < b.Offsets[0] {
				return -1
			}
			return 1
		})
		if len(sortedMetadata) == 0 {
			yield(nil, errors.New(".safetensors file holds no tensors, metadata was empty"))
			return
		}

		// Make sure data is contiguous.
		var lastOffset uint64
		for _, tData := range sortedMetadata {
			if tData.Offsets[0] != lastOffset {
				yield(nil, errors.Errorf("offset for metadata[%q][\"data_offsets\"] not starting at 0 "+
					"or not contiguous: expected %d, got %d", tData.Name, lastOffset, tData.Offsets[0]))
				return
			}
			lastOffset = tData.Offsets[1]
		}

		// Read and yield tensors.
		for _, tData := range sortedMetadata {
			t := tensors.FromShape(tData.Shape())
			var readErr error
			err := t.MutableBytes(func(data []byte) {
				_, readErr = io.ReadFull(r, data)
			})
			if err == nil {
				err = readErr
			}
			if err != nil {
				yield(nil, errors.Wrapf(err, "tensor %q: failed to read %d bytes from .safetensors file",
					tData.Name, tData.Shape().Memory()))
				return
			}
			if !yield(&NamedTensor{tData.Name, t}, nil) {
				// Caller interrupted the iterator.
				return
			}
		}
	}
}

// WriteSafetensors serializes the named tensors to w in the ".safetensors"
// format, in the given order.
func WriteSafetensors(w io.Writer, tensorList []*NamedTensor) error {
	if len(tensorList) == 0 {
		return errors.New("refusing to write a .safetensors file with no tensors")
	}
	metadata := make(map[string]*tensorMetadata, len(tensorList)+1)
	metadata[safetensorsMetadataKey] = &tensorMetadata{Format: "pt"}
	var offset uint64
	for _, nt := range tensorList {
		shape := nt.Tensor.Shape()
		name, found := dtypeToSafetensors[shape.DType]
		if !found {
			return errors.Errorf("tensor %q: dtype %s has no safetensors encoding", nt.Name, shape.DType)
		}
		if _, exists := metadata[nt.Name]; exists {
			return errors.Errorf("duplicate tensor name %q", nt.Name)
		}
		size := uint64(shape.Memory())
		metadata[nt.Name] = &tensorMetadata{
			DTypeName:  name,
			Dimensions: shape.Dimensions,
			Offsets:    []uint64{offset, offset + size},
		}
		offset += size
	}
	header, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrapf(err, "failed to encode safetensors metadata")
	}
	var headerLenBuf [8]byte
	binary.LittleEndian.PutUint64(headerLenBuf[:], uint64(len(header)))
	if _, err = w.Write(headerLenBuf[:]); err != nil {
		return errors.Wrapf(err, "failed to write safetensors metadata length")
	}
	if _, err = w.Write(header); err != nil {
		return errors.Wrapf(err, "failed to write safetensors metadata")
	}
	for _, nt := range tensorList {
		var writeErr error
		err = nt.Tensor.ConstBytes(func(data []byte) {
			_, writeErr = w.Write(data)
		})
		if err == nil {
			err = writeErr
		}
		if err != nil {
			return errors.Wrapf(err, "failed to write tensor %q", nt.Name)
		}
	}
	return nil
}
