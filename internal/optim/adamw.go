// Package optim holds the AdamW optimizer, gradient clipping and the
// learning-rate schedule used to train the S2A model.
package optim

import (
	"fmt"
	"math"

	"github.com/example/go-s2a/internal/s2a"
	"github.com/example/go-s2a/internal/safetensors"
)

const (
	momentPrefix   = "optim.m."
	variancePrefix = "optim.v."
)

// Options configures AdamW.
type Options struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// DefaultOptions returns the usual AdamW betas with the given decay.
func DefaultOptions(weightDecay float64) Options {
	return Options{Beta1: 0.9, Beta2: 0.95, Eps: 1e-8, WeightDecay: weightDecay}
}

type state struct {
	m, v []float32
}

// AdamW applies decoupled weight decay Adam updates to model parameters.
// Each parameter's learning rate is scaled by Param.LRScale, decay applies
// only when Param.WeightDecay is set, and rows frozen by the parameter's
// TrainingPolicy are never touched.
type AdamW struct {
	opts   Options
	params []*s2a.Param
	states map[string]*state
	t      int
}

// NewAdamW tracks the given parameters.
func NewAdamW(params []*s2a.Param, opts Options) *AdamW {
	o := &AdamW{opts: opts, params: params, states: make(map[string]*state, len(params))}

	for _, p := range params {
		n := p.Var.Value.ElemCount()
		o.states[p.Name] = &state{m: make([]float32, n), v: make([]float32, n)}
	}

	return o
}

// Steps is the number of updates applied so far.
func (o *AdamW) Steps() int {
	return o.t
}

// Step updates every parameter with an accumulated gradient using base
// learning rate lr.
func (o *AdamW) Step(lr float64) {
	o.t++

	b1, b2 := o.opts.Beta1, o.opts.Beta2
	c1 := 1 / (1 - math.Pow(b1, float64(o.t)))
	c2 := 1 / (1 - math.Pow(b2, float64(o.t)))

	for _, p := range o.params {
		if p.Var.Grad == nil || p.Policy.Mode == s2a.Frozen {
			continue
		}

		st := o.states[p.Name]
		w := p.Var.Value.RawData()
		g := p.Var.Grad.RawData()
		plr := lr * p.LRScale

		wd := 0.0
		if p.WeightDecay {
			wd = o.opts.WeightDecay
		}

		rowLen := len(w)
		if shape := p.Var.Shape(); len(shape) > 0 && shape[0] > 0 {
			rowLen = len(w) / int(shape[0])
		}

		for i := range w {
			if rowLen > 0 && !p.Policy.RowTrainable(i/rowLen) {
				continue
			}

			gi := float64(g[i])
			m := b1*float64(st.m[i]) + (1-b1)*gi
			v := b2*float64(st.v[i]) + (1-b2)*gi*gi
			st.m[i], st.v[i] = float32(m), float32(v)

			update := (m*c1)/(math.Sqrt(v*c2)+o.opts.Eps) + wd*float64(w[i])
			w[i] -= float32(plr * update)
		}
	}
}

// Tensors exports the optimizer moments for a training checkpoint.
func (o *AdamW) Tensors() []safetensors.Tensor {
	out := make([]safetensors.Tensor, 0, 2*len(o.params))

	for _, p := range o.params {
		st := o.states[p.Name]
		shape := p.Var.Shape()
		out = append(out,
			safetensors.Tensor{Name: momentPrefix + p.Name, Shape: shape, Data: st.m},
			safetensors.Tensor{Name: variancePrefix + p.Name, Shape: shape, Data: st.v},
		)
	}

	return out
}

// Restore loads moments written by Tensors and sets the step counter.
// Parameters absent from the store keep zero moments.
func (o *AdamW) Restore(store *safetensors.Store, steps int) error {
	for _, p := range o.params {
		st := o.states[p.Name]

		for prefix, dst := range map[string][]float32{momentPrefix: st.m, variancePrefix: st.v} {
			name := prefix + p.Name
			if !store.Has(name) {
				continue
			}

			t, err := store.TensorWithShape(name, p.Var.Shape())
			if err != nil {
				return fmt.Errorf("optim: restore %s: %w", name, err)
			}

			copy(dst, t.Data)
		}
	}

	o.t = steps

	return nil
}
