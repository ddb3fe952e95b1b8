package tensor

import (
	"fmt"
	"math"
)

func checkElementwise(a, b *Tensor) error {
	if a.DType != Float32 || b.DType != Float32 {
		return fmt.Errorf("elementwise ops require Float32 tensors")
	}
	if a.NumElems != b.NumElems {
		return fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	return nil
}

// Add returns a + b as a new pooled tensor.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkElementwise(a, b); err != nil {
		return nil, err
	}
	out, err := Zeros(a.Shape, Float32)
	if err != nil {
		return nil, err
	}
	ad := a.Data.([]float32)
	bd := b.Data.([]float32)
	od := out.Data.([]float32)
	for i := range od {
		od[i] = ad[i] + bd[i]
	}
	return out, nil
}

// Sub returns a - b as a new pooled tensor.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := checkElementwise(a, b); err != nil {
		return nil, err
	}
	out, err := Zeros(a.Shape, Float32)
	if err != nil {
		return nil, err
	}
	ad := a.Data.([]float32)
	bd := b.Data.([]float32)
	od := out.Data.([]float32)
	for i := range od {
		od[i] = ad[i] - bd[i]
	}
	return out, nil
}

// Mul returns the elementwise product a * b as a new pooled tensor.
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := checkElementwise(a, b); err != nil {
		return nil, err
	}
	out, err := Zeros(a.Shape, Float32)
	if err != nil {
		return nil, err
	}
	ad := a.Data.([]float32)
	bd := b.Data.([]float32)
	od := out.Data.([]float32)
	for i := range od {
		od[i] = ad[i] * bd[i]
	}
	return out, nil
}

// Scale multiplies every element by s in place.
func (t *Tensor) Scale(s float32) error {
	data, err := t.Float32Slice()
	if err != nil {
		return err
	}
	for i := range data {
		data[i] *= s
	}
	return nil
}

// AddScaled performs t += s * other in place.
func (t *Tensor) AddScaled(other *Tensor, s float32) error {
	if err := checkElementwise(t, other); err != nil {
		return err
	}
	td := t.Data.([]float32)
	od := other.Data.([]float32)
	for i := range td {
		td[i] += s * od[i]
	}
	return nil
}

// SumAll returns the sum of all elements.
func (t *Tensor) SumAll() (float64, error) {
	data, err := t.Float32Slice()
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range data {
		sum += float64(v)
	}
	return sum, nil
}

// MeanAll returns the mean of all elements.
func (t *Tensor) MeanAll() (float64, error) {
	sum, err := t.SumAll()
	if err != nil {
		return 0, err
	}
	return sum / float64(t.NumElems), nil
}

// Norm returns the L2 norm of all elements.
func (t *Tensor) Norm() (float64, error) {
	data, err := t.Float32Slice()
	if err != nil {
		return 0, err
	}
	var sumSq float64
	for _, v := range data {
		sumSq += float64(v) * float64(v)
	}
	return math.Sqrt(sumSq), nil
}

// Equal reports whether two tensors have identical shape and bitwise
// identical data.
func Equal(a, b *Tensor) bool {
	if a.DType != b.DType || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i, dim := range a.Shape {
		if dim != b.Shape[i] {
			return false
		}
	}
	switch a.DType {
	case Float32:
		ad := a.Data.([]float32)
		bd := b.Data.([]float32)
		for i := range ad {
			if ad[i] != bd[i] {
				return false
			}
		}
	case Int32:
		ad := a.Data.([]int32)
		bd := b.Data.([]int32)
		for i := range ad {
			if ad[i] != bd[i] {
				return false
			}
		}
	}
	return true
}

// MatMul computes the matrix product of two 2D Float32 tensors:
// [m, k] x [k, n] -> [m, n].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("MatMul requires Float32 tensors")
	}
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	m, k := a.Shape[0], a.Shape[1]
	k2, n := b.Shape[0], b.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("inner dimension mismatch: %v x %v", a.Shape, b.Shape)
	}

	out, err := Zeros([]int{m, n}, Float32)
	if err != nil {
		return nil, err
	}
	ad := a.Data.([]float32)
	bd := b.Data.([]float32)
	od := out.Data.([]float32)

	for i := 0; i < m; i++ {
		for l := 0; l < k; l++ {
			av := ad[i*k+l]
			if av == 0 {
				continue
			}
			row := bd[l*n : (l+1)*n]
			outRow := od[i*n : (i+1)*n]
			for j, bv := range row {
				outRow[j] += av * bv
			}
		}
	}
	return out, nil
}

// Transpose returns the transpose of a 2D Float32 tensor.
func Transpose(a *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 {
		return nil, fmt.Errorf("Transpose requires a 2D tensor, got %v", a.Shape)
	}
	m, n := a.Shape[0], a.Shape[1]
	out, err := Zeros([]int{n, m}, Float32)
	if err != nil {
		return nil, err
	}
	ad := a.Data.([]float32)
	od := out.Data.([]float32)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			od[j*m+i] = ad[i*n+j]
		}
	}
	return out, nil
}

// Reshape returns a view-copy of the tensor with a new shape of the
// same element count.
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if calculateNumElements(shape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape %v to %v: element count differs", t.Shape, shape)
	}
	out, err := t.Clone()
	if err != nil {
		return nil, err
	}
	out.Shape = shape
	out.Strides = calculateStrides(shape)
	return out, nil
}

// IsFinite reports whether every element is a finite float.
func (t *Tensor) IsFinite() bool {
	data, err := t.Float32Slice()
	if err != nil {
		return false
	}
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
