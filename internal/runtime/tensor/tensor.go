package tensor

import (
	"errors"
	"fmt"
)

// Tensor is a dense, row-major float32 tensor. It backs both inference and
// the training tape; gradients live next to values in autograd.Var.
type Tensor struct {
	shape []int64
	data  []float32
}

// New creates a tensor from a copy of data.
func New(data []float32, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	return &Tensor{shape: append([]int64(nil), shape...), data: append([]float32(nil), data...)}, nil
}

// Wrap creates a tensor that takes ownership of data. The caller must not
// modify data afterwards unless it owns the tensor.
func Wrap(data []float32, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	return newOwned(data, append([]int64(nil), shape...)), nil
}

// newOwned skips validation; len(data) must match shape.
func newOwned(data []float32, shape []int64) *Tensor {
	return &Tensor{shape: shape, data: data}
}

// Zeros creates a zero-initialized tensor.
func Zeros(shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return newOwned(make([]float32, total), append([]int64(nil), shape...)), nil
}

// MustZeros is Zeros for shapes that are known to be valid.
func MustZeros(shape ...int64) *Tensor {
	t, err := Zeros(shape)
	if err != nil {
		panic(err)
	}

	return t
}

// Full creates a tensor filled with value.
func Full(shape []int64, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	t.Fill(value)

	return t, nil
}

// Fill overwrites every element with value.
func (t *Tensor) Fill(value float32) {
	for i := range t.data {
		t.data[i] = value
	}
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return append([]int64(nil), t.shape...)
}

// Dim returns the size of dimension d (negative d counts from the end).
func (t *Tensor) Dim(d int) int {
	if t == nil {
		return 0
	}

	d, err := normalizeDim(d, len(t.shape))
	if err != nil {
		return 0
	}

	return int(t.shape[d])
}

// Data returns a copy of the underlying tensor data.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}

	return append([]float32(nil), t.data...)
}

// RawData returns the underlying data slice. Writes are visible to every
// view sharing the buffer.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	return newOwned(append([]float32(nil), t.data...), append([]int64(nil), t.shape...))
}

// Reshape returns a copy with a new shape.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	v, err := t.View(shape)
	if err != nil {
		return nil, err
	}

	v.data = append([]float32(nil), v.data...)

	return v, nil
}

// View returns a tensor with a new shape sharing the same buffer.
func (t *Tensor) View(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if total != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v (%d elements) to %v (%d elements)", t.shape, len(t.data), shape, total)
	}

	return newOwned(t.data, append([]int64(nil), shape...)), nil
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if a == nil || b == nil || len(a.shape) != len(b.shape) {
		return false
	}

	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}

	return true
}
