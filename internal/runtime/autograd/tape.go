// Package autograd implements reverse-mode differentiation over the dense
// tensor kernels. A Tape records one closure per operation in execution
// order; Backward replays them in reverse. A nil *Tape is valid and records
// nothing, which is how inference runs the same model code without
// gradient bookkeeping.
package autograd

import (
	"errors"
	"fmt"

	"github.com/example/go-s2a/internal/runtime/tensor"
)

// Var is a value that may carry a gradient.
type Var struct {
	Value *tensor.Tensor
	Grad  *tensor.Tensor

	requiresGrad bool
}

// NewVar wraps value. Parameters pass requiresGrad=true.
func NewVar(value *tensor.Tensor, requiresGrad bool) *Var {
	return &Var{Value: value, requiresGrad: requiresGrad}
}

// Constant wraps a value that never receives a gradient.
func Constant(value *tensor.Tensor) *Var {
	return &Var{Value: value}
}

func (v *Var) RequiresGrad() bool {
	return v != nil && v.requiresGrad
}

// SetRequiresGrad toggles gradient tracking for a leaf.
func (v *Var) SetRequiresGrad(on bool) {
	v.requiresGrad = on
}

// Shape is shorthand for v.Value.Shape().
func (v *Var) Shape() []int64 {
	return v.Value.Shape()
}

// ZeroGrad drops the accumulated gradient.
func (v *Var) ZeroGrad() {
	v.Grad = nil
}

// gradData returns the gradient buffer, allocating zeros on first use.
func (v *Var) gradData() []float32 {
	if v.Grad == nil {
		v.Grad = tensor.MustZeros(v.Value.Shape()...)
	}

	return v.Grad.RawData()
}

func (v *Var) accumulate(g []float32) {
	dst := v.gradData()
	for i := range dst {
		dst[i] += g[i]
	}
}

// Tape records differentiable operations.
type Tape struct {
	nodes []func()
}

// NewTape returns an empty tape.
func NewTape() *Tape {
	return &Tape{}
}

// Len reports the number of recorded operations.
func (tp *Tape) Len() int {
	if tp == nil {
		return 0
	}

	return len(tp.nodes)
}

// Reset forgets recorded operations so the tape can be reused for the next
// step.
func (tp *Tape) Reset() {
	tp.nodes = tp.nodes[:0]
}

func (tp *Tape) tracking(inputs ...*Var) bool {
	if tp == nil {
		return false
	}

	for _, in := range inputs {
		if in.RequiresGrad() {
			return true
		}
	}

	return false
}

// push records back to run when out has received a gradient.
func (tp *Tape) push(out *Var, back func(g []float32)) {
	out.requiresGrad = true
	tp.nodes = append(tp.nodes, func() {
		if out.Grad != nil {
			back(out.Grad.RawData())
		}
	})
}

// Backward seeds d(loss)/d(loss)=1 and propagates gradients to every
// tracked input. The tape is reset afterwards.
func (tp *Tape) Backward(loss *Var) error {
	if tp == nil {
		return errors.New("autograd: backward on nil tape")
	}

	if loss == nil {
		return errors.New("autograd: backward on nil loss")
	}

	if loss.Value.ElemCount() != 1 {
		return fmt.Errorf("autograd: backward requires a scalar loss, got shape %v", loss.Shape())
	}

	if !loss.requiresGrad {
		tp.Reset()
		return nil
	}

	loss.gradData()[0] = 1

	for i := len(tp.nodes) - 1; i >= 0; i-- {
		tp.nodes[i]()
	}

	tp.Reset()

	return nil
}

func newOut(t *tensor.Tensor) *Var {
	return &Var{Value: t}
}
