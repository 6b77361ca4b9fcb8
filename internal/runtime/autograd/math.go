package autograd

import (
	"fmt"

	"github.com/example/go-s2a/internal/runtime/tensor"
)

// Add returns a + b with NumPy broadcasting; gradients are summed back over
// broadcast dimensions.
func (tp *Tape) Add(a, b *Var) (*Var, error) {
	sum, err := tensor.BroadcastAdd(a.Value, b.Value)
	if err != nil {
		return nil, fmt.Errorf("autograd: add: %w", err)
	}

	out := newOut(sum)
	if !tp.tracking(a, b) {
		return out, nil
	}

	outShape := sum.Shape()

	aOff, err := tensor.BroadcastOffsets(a.Value.Shape(), outShape)
	if err != nil {
		return nil, err
	}

	bOff, err := tensor.BroadcastOffsets(b.Value.Shape(), outShape)
	if err != nil {
		return nil, err
	}

	tp.push(out, func(g []float32) {
		for _, side := range []struct {
			v   *Var
			off []int
		}{{a, aOff}, {b, bOff}} {
			if !side.v.requiresGrad {
				continue
			}

			dst := side.v.gradData()
			for i, o := range side.off {
				dst[o] += g[i]
			}
		}
	})

	return out, nil
}

// Scale returns s*x.
func (tp *Tape) Scale(x *Var, s float32) *Var {
	data := x.Value.Data()
	for i := range data {
		data[i] *= s
	}

	t, _ := tensor.Wrap(data, x.Value.Shape())
	out := newOut(t)

	if tp.tracking(x) {
		tp.push(out, func(g []float32) {
			tensor.Axpy(x.gradData(), s, g)
		})
	}

	return out
}

// MaskRows zeroes every row (last-dimension vector) whose keep flag is false.
func (tp *Tape) MaskRows(x *Var, keep []bool) (*Var, error) {
	d := x.Value.Dim(-1)
	if d == 0 || x.Value.ElemCount()/d != len(keep) {
		return nil, fmt.Errorf("autograd: mask rows: %d flags for shape %v", len(keep), x.Value.Shape())
	}

	data := x.Value.Data()
	for r, k := range keep {
		if !k {
			clear(data[r*d : (r+1)*d])
		}
	}

	t, _ := tensor.Wrap(data, x.Value.Shape())
	out := newOut(t)

	if tp.tracking(x) {
		tp.push(out, func(g []float32) {
			dst := x.gradData()
			for r, k := range keep {
				if k {
					for i := r * d; i < (r+1)*d; i++ {
						dst[i] += g[i]
					}
				}
			}
		})
	}

	return out, nil
}

// WeightedSum returns sum_i weights[i]*xs[i] for scalar inputs.
func (tp *Tape) WeightedSum(xs []*Var, weights []float32) (*Var, error) {
	if len(xs) != len(weights) {
		return nil, fmt.Errorf("autograd: weighted sum: %d values, %d weights", len(xs), len(weights))
	}

	var total float32

	for i, x := range xs {
		if x.Value.ElemCount() != 1 {
			return nil, fmt.Errorf("autograd: weighted sum term %d is not scalar: %v", i, x.Value.Shape())
		}

		total += weights[i] * x.Value.RawData()[0]
	}

	t, _ := tensor.Wrap([]float32{total}, []int64{})
	out := newOut(t)

	if tp.tracking(xs...) {
		tp.push(out, func(g []float32) {
			for i, x := range xs {
				if x.requiresGrad {
					x.gradData()[0] += weights[i] * g[0]
				}
			}
		})
	}

	return out, nil
}

// Scalar returns the single value of a one-element Var.
func Scalar(v *Var) float32 {
	if v == nil || v.Value.ElemCount() != 1 {
		return 0
	}

	return v.Value.RawData()[0]
}
