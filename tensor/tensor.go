package tensor

import (
	"fmt"
	"sync/atomic"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Tensor is a dense CPU tensor backed by a pooled buffer. Buffers are
// reference counted: every tensor must be released on every exit path,
// or its buffer never returns to the pool.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Data     interface{}
	NumElems int

	refCount     *int32
	pooled       bool
	requiresGrad bool
	grad         *Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d, refs=%d)",
		t.Shape, t.DType, t.NumElems, t.RefCount())
}

// Retain increments the reference count and returns the same tensor.
func (t *Tensor) Retain() *Tensor {
	if t.refCount == nil {
		panic("tensor already released")
	}
	atomic.AddInt32(t.refCount, 1)
	return t
}

// Release decrements the reference count and returns the backing buffer
// to the pool when it reaches zero. Safe to call on an already-released
// tensor (no-op).
func (t *Tensor) Release() {
	if t == nil || t.refCount == nil {
		return
	}
	if atomic.AddInt32(t.refCount, -1) == 0 {
		if t.pooled {
			returnBuffer(t.Data)
		}
		if t.grad != nil {
			t.grad.Release()
			t.grad = nil
		}
		// Clear fields to surface use-after-release early.
		t.Data = nil
		t.refCount = nil
		t.Shape = nil
	}
}

// RefCount returns the current reference count (for debugging).
func (t *Tensor) RefCount() int32 {
	if t.refCount == nil {
		return 0
	}
	return atomic.LoadInt32(t.refCount)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient tensor, or nil if none has been
// accumulated since the last ZeroGrad.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// AccumulateGrad adds g into the tensor's gradient, allocating it on
// first use. The caller keeps ownership of g.
func (t *Tensor) AccumulateGrad(g *Tensor) error {
	if t.DType != Float32 || g.DType != Float32 {
		return fmt.Errorf("gradients require Float32 tensors")
	}
	if g.NumElems != t.NumElems {
		return fmt.Errorf("gradient size %d does not match parameter size %d", g.NumElems, t.NumElems)
	}
	if t.grad == nil {
		grad, err := Zeros(t.Shape, Float32)
		if err != nil {
			return err
		}
		t.grad = grad
	}
	dst := t.grad.Data.([]float32)
	src := g.Data.([]float32)
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}

// ZeroGrad clears the accumulated gradient in place.
func (t *Tensor) ZeroGrad() {
	if t.grad == nil {
		return
	}
	data := t.grad.Data.([]float32)
	for i := range data {
		data[i] = 0
	}
}

// ZeroGradAll clears gradients for a parameter list.
func ZeroGradAll(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// Float32Slice returns the raw float32 data.
func (t *Tensor) Float32Slice() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor dtype is %s, expected Float32", t.DType)
	}
	if t.Data == nil {
		return nil, fmt.Errorf("tensor has been released")
	}
	return t.Data.([]float32), nil
}

// Int32Slice returns the raw int32 data.
func (t *Tensor) Int32Slice() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor dtype is %s, expected Int32", t.DType)
	}
	if t.Data == nil {
		return nil, fmt.Errorf("tensor has been released")
	}
	return t.Data.([]int32), nil
}

// Item returns the scalar value of a single-element Float32 tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item requires a single-element tensor, got %d elements", t.NumElems)
	}
	data, err := t.Float32Slice()
	if err != nil {
		return 0, err
	}
	return float64(data[0]), nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("empty shape")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
