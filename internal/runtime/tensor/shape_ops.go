package tensor

import (
	"errors"
	"fmt"
)

// outerInner splits shape around dim into the product of the leading and
// trailing dimensions.
func outerInner(shape []int64, dim int) (outer, inner int64) {
	outer, inner = 1, 1
	for i := range dim {
		outer *= shape[i]
	}

	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}

	return outer, inner
}

// Narrow slices the tensor along a single dimension.
func (t *Tensor) Narrow(dim int, start, length int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: narrow on nil tensor")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: narrow: %w", err)
	}

	if start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, fmt.Errorf("tensor: narrow: range [%d:%d] out of bounds for dim %d size %d", start, start+length, dim, t.shape[dim])
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[dim] = length
	outer, inner := outerInner(t.shape, dim)
	size := t.shape[dim]
	out := make([]float32, outer*length*inner)

	for o := range outer {
		src := (o*size + start) * inner
		dst := o * length * inner
		copy(out[dst:dst+length*inner], t.data[src:src+length*inner])
	}

	return newOwned(out, outShape), nil
}

// Gather selects indices along dim.
func (t *Tensor) Gather(dim int, indices []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: gather on nil tensor")
	}

	if len(indices) == 0 {
		return nil, errors.New("tensor: gather requires at least one index")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: gather: %w", err)
	}

	size := t.shape[dim]
	for i, idx := range indices {
		if idx < 0 || idx >= size {
			return nil, fmt.Errorf("tensor: gather index %d (%d) out of range for dim %d size %d", i, idx, dim, size)
		}
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[dim] = int64(len(indices))
	outer, inner := outerInner(t.shape, dim)
	n := int64(len(indices))
	out := make([]float32, outer*n*inner)

	for o := range outer {
		for j, idx := range indices {
			src := (o*size + idx) * inner
			dst := (o*n + int64(j)) * inner
			copy(out[dst:dst+inner], t.data[src:src+inner])
		}
	}

	return newOwned(out, outShape), nil
}

// Transpose swaps dim1 and dim2.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	rank := len(t.shape)

	d1, err := normalizeDim(dim1, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim1: %w", err)
	}

	d2, err := normalizeDim(dim2, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim2: %w", err)
	}

	if d1 == d2 {
		return t.Clone(), nil
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[d1], outShape[d2] = outShape[d2], outShape[d1]

	srcStrides := computeStrides(t.shape)
	// Walk the output in order while striding through the source with the
	// two swapped strides.
	walk := append([]int64(nil), srcStrides...)
	walk[d1], walk[d2] = srcStrides[d2], srcStrides[d1]

	out := make([]float32, len(t.data))
	coord := make([]int64, rank)

	var src int64

	for i := range out {
		out[i] = t.data[src]

		for d := rank - 1; d >= 0; d-- {
			coord[d]++
			src += walk[d]

			if coord[d] < outShape[d] {
				break
			}

			src -= coord[d] * walk[d]
			coord[d] = 0
		}
	}

	return newOwned(out, outShape), nil
}

// Concat concatenates tensors along dim.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor: concat requires at least one tensor")
	}

	first := tensors[0]
	if first == nil {
		return nil, errors.New("tensor: concat tensor 0 is nil")
	}

	rank := len(first.shape)

	dim, err := normalizeDim(dim, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: concat: %w", err)
	}

	outShape := append([]int64(nil), first.shape...)
	outShape[dim] = 0

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensor: concat tensor %d is nil", i)
		}

		if len(t.shape) != rank {
			return nil, fmt.Errorf("tensor: concat tensor %d rank %d does not match rank %d", i, len(t.shape), rank)
		}

		for d := range rank {
			if d != dim && t.shape[d] != first.shape[d] {
				return nil, fmt.Errorf("tensor: concat tensor %d shape %v does not match base shape %v on dim %d", i, t.shape, first.shape, d)
			}
		}

		outShape[dim] += t.shape[dim]
	}

	outer, inner := outerInner(outShape, dim)
	out := make([]float32, outer*outShape[dim]*inner)
	pos := int64(0)

	for o := range outer {
		for _, t := range tensors {
			span := t.shape[dim] * inner
			copy(out[pos:pos+span], t.data[o*span:(o+1)*span])
			pos += span
		}
	}

	return newOwned(out, outShape), nil
}
