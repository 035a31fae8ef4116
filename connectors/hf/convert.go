package hf

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// exportDTypes are the values accepted for the "dtype" export option.
var exportDTypes = map[string]dtypes.DType{
	"f16":  dtypes.Float16,
	"bf16": dtypes.BFloat16,
	"f32":  dtypes.Float32,
}

// castTensor converts a float tensor to the target float dtype. Non-float
// tensors (and tensors already at the target dtype) are returned unchanged.
func castTensor(t *tensors.Tensor, target dtypes.DType) (*tensors.Tensor, error) {
	shape := t.Shape()
	if shape.DType == target {
		return t, nil
	}

	// Read the source out as float32, whatever the float source dtype.
	var flat32 []float32
	switch shape.DType {
	case dtypes.Float32:
		err := tensors.ConstFlatData(t, func(flat []float32) {
			flat32 = append(flat32, flat...)
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read float32 tensor")
		}
	case dtypes.Float64:
		err := tensors.ConstFlatData(t, func(flat []float64) {
			flat32 = make([]float32, len(flat))
			for i, v := range flat {
				flat32[i] = float32(v)
			}
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read float64 tensor")
		}
	case dtypes.Float16:
		err := tensors.ConstFlatData(t, func(flat []float16.Float16) {
			flat32 = make([]float32, len(flat))
			for i, v := range flat {
				flat32[i] = v.Float32()
			}
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read float16 tensor")
		}
	case dtypes.BFloat16:
		err := tensors.ConstFlatData(t, func(flat []bfloat16.BFloat16) {
			flat32 = make([]float32, len(flat))
			for i, v := range flat {
				flat32[i] = v.Float32()
			}
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read bfloat16 tensor")
		}
	default:
		// Integer/bool tensors are never cast.
		return t, nil
	}

	dims := shape.Dimensions
	switch target {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(flat32, dims...), nil
	case dtypes.Float16:
		converted := make([]float16.Float16, len(flat32))
		for i, v := range flat32 {
			converted[i] = float16.Fromfloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...), nil
	case dtypes.BFloat16:
		converted := make([]bfloat16.BFloat16, len(flat32))
		for i, v := range flat32 {
			converted[i] = bfloat16.FromFloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...), nil
	}
	return nil, errors.Errorf("cannot cast tensors to dtype %s", target)
}
