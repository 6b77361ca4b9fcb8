package autograd

import (
	"fmt"

	"github.com/example/go-s2a/internal/runtime/tensor"
)

// Reshape returns x viewed with a new shape.
func (tp *Tape) Reshape(x *Var, shape ...int64) (*Var, error) {
	view, err := x.Value.View(shape)
	if err != nil {
		return nil, fmt.Errorf("autograd: reshape: %w", err)
	}

	out := newOut(view)
	if tp.tracking(x) {
		tp.push(out, x.accumulate)
	}

	return out, nil
}

// Transpose swaps two dimensions.
func (tp *Tape) Transpose(x *Var, d1, d2 int) (*Var, error) {
	t, err := x.Value.Transpose(d1, d2)
	if err != nil {
		return nil, fmt.Errorf("autograd: transpose: %w", err)
	}

	out := newOut(t)
	if tp.tracking(x) {
		shape := t.Shape()
		tp.push(out, func(g []float32) {
			gt, _ := tensor.Wrap(g, shape)
			back, _ := gt.Transpose(d1, d2)
			x.accumulate(back.RawData())
		})
	}

	return out, nil
}

// Narrow slices length elements starting at start along dim.
func (tp *Tape) Narrow(x *Var, dim int, start, length int64) (*Var, error) {
	t, err := x.Value.Narrow(dim, start, length)
	if err != nil {
		return nil, fmt.Errorf("autograd: narrow: %w", err)
	}

	out := newOut(t)
	if tp.tracking(x) {
		idx := make([]int64, length)
		for i := range idx {
			idx[i] = start + int64(i)
		}

		tp.push(out, scatterBack(x, dim, idx))
	}

	return out, nil
}

// Gather selects indices along dim.
func (tp *Tape) Gather(x *Var, dim int, indices []int64) (*Var, error) {
	t, err := x.Value.Gather(dim, indices)
	if err != nil {
		return nil, fmt.Errorf("autograd: gather: %w", err)
	}

	out := newOut(t)
	if tp.tracking(x) {
		tp.push(out, scatterBack(x, dim, indices))
	}

	return out, nil
}

// scatterBack adds an upstream gradient of x.Gather(dim, indices) back onto x.
func scatterBack(x *Var, dim int, indices []int64) func(g []float32) {
	shape := x.Value.Shape()
	if dim < 0 {
		dim += len(shape)
	}

	outer, inner := int64(1), int64(1)
	for i := range dim {
		outer *= shape[i]
	}

	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}

	size, n := shape[dim], int64(len(indices))

	return func(g []float32) {
		dst := x.gradData()

		for o := range outer {
			for j, idx := range indices {
				src := g[(o*n+int64(j))*inner:][:inner]
				tensor.Axpy(dst[(o*size+idx)*inner:][:inner], 1, src)
			}
		}
	}
}

// Concat joins xs along dim.
func (tp *Tape) Concat(xs []*Var, dim int) (*Var, error) {
	values := make([]*tensor.Tensor, len(xs))
	for i, x := range xs {
		values[i] = x.Value
	}

	t, err := tensor.Concat(values, dim)
	if err != nil {
		return nil, fmt.Errorf("autograd: %w", err)
	}

	out := newOut(t)
	if !tp.tracking(xs...) {
		return out, nil
	}

	shape := t.Shape()
	if dim < 0 {
		dim += len(shape)
	}

	outer, inner := 1, 1
	for i := range dim {
		outer *= int(shape[i])
	}

	for i := dim + 1; i < len(shape); i++ {
		inner *= int(shape[i])
	}

	total := int(shape[dim]) * inner

	tp.push(out, func(g []float32) {
		off := 0

		for _, x := range xs {
			span := x.Value.Dim(dim) * inner
			if x.requiresGrad {
				dst := x.gradData()
				for o := range outer {
					tensor.Axpy(dst[o*span:(o+1)*span], 1, g[o*total+off:o*total+off+span])
				}
			}

			off += span
		}
	})

	return out, nil
}
