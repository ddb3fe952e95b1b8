package tensor

import (
	"fmt"
	"math/rand"
)

func newRefCount() *int32 {
	rc := int32(1)
	return &rc
}

// NewTensor creates a tensor that adopts the provided data slice. The
// slice is owned by the tensor afterward but is not pooled, so Release
// only drops the reference.
func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	t := &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		DType:    dtype,
		NumElems: numElems,
		refCount: newRefCount(),
	}

	switch dtype {
	case Float32:
		d, ok := data.([]float32)
		if !ok {
			return nil, fmt.Errorf("expected []float32 data for Float32 tensor, got %T", data)
		}
		if len(d) != numElems {
			return nil, fmt.Errorf("data length %d does not match tensor size %d", len(d), numElems)
		}
		t.Data = d
	case Int32:
		d, ok := data.([]int32)
		if !ok {
			return nil, fmt.Errorf("expected []int32 data for Int32 tensor, got %T", data)
		}
		if len(d) != numElems {
			return nil, fmt.Errorf("data length %d does not match tensor size %d", len(d), numElems)
		}
		t.Data = d
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}

	return t, nil
}

// Zeros creates a zero-filled tensor from the shared buffer pool.
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	t := &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		DType:    dtype,
		NumElems: numElems,
		refCount: newRefCount(),
		pooled:   true,
	}

	switch dtype {
	case Float32:
		t.Data = getFloat32Buffer(numElems)
	case Int32:
		t.Data = getInt32Buffer(numElems)
	default:
		return nil, fmt.Errorf("unsupported dtype for Zeros: %s", dtype)
	}

	return t, nil
}

// Full creates a pooled Float32 tensor filled with value.
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := Zeros(shape, Float32)
	if err != nil {
		return nil, err
	}
	data := t.Data.([]float32)
	for i := range data {
		data[i] = value
	}
	return t, nil
}

// FromScalar creates a single-element Float32 tensor.
func FromScalar(value float64) *Tensor {
	t, _ := Zeros([]int{1}, Float32)
	t.Data.([]float32)[0] = float32(value)
	return t
}

// RandomNormal creates a pooled Float32 tensor drawn from N(mean, std)
// using the supplied source for reproducibility.
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape, Float32)
	if err != nil {
		return nil, err
	}
	data := t.Data.([]float32)
	for i := range data {
		data[i] = float32(rng.NormFloat64())*std + mean
	}
	return t, nil
}

// RandomUniform creates a pooled Float32 tensor with values in [lo, hi).
func RandomUniform(shape []int, lo, hi float32, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape, Float32)
	if err != nil {
		return nil, err
	}
	data := t.Data.([]float32)
	for i := range data {
		data[i] = lo + rng.Float32()*(hi-lo)
	}
	return t, nil
}

// Clone creates an independent pooled copy of the tensor's data.
func (t *Tensor) Clone() (*Tensor, error) {
	out, err := Zeros(t.Shape, t.DType)
	if err != nil {
		return nil, err
	}
	switch t.DType {
	case Float32:
		copy(out.Data.([]float32), t.Data.([]float32))
	case Int32:
		copy(out.Data.([]int32), t.Data.([]int32))
	}
	return out, nil
}
