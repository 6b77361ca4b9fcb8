package autograd

import (
	"fmt"
	"math"

	"github.com/example/go-s2a/internal/runtime/ops"
	"github.com/example/go-s2a/internal/runtime/tensor"
)

// Linear applies y = x*W^T + b with W [out, in]; b may be nil.
func (tp *Tape) Linear(x, w, b *Var) (*Var, error) {
	var bias *tensor.Tensor
	if b != nil {
		bias = b.Value
	}

	y, err := tensor.Linear(x.Value, w.Value, bias)
	if err != nil {
		return nil, fmt.Errorf("autograd: %w", err)
	}

	out := newOut(y)
	if !tp.tracking(x, w, b) {
		return out, nil
	}

	in := w.Value.Dim(1)
	outDim := w.Value.Dim(0)
	rows := x.Value.ElemCount() / max(in, 1)

	tp.push(out, func(g []float32) {
		if x.requiresGrad {
			tensor.Gemm(false, false, rows, in, outDim, 1, g, outDim, w.Value.RawData(), in, 1, x.gradData(), in)
		}

		if w.requiresGrad {
			tensor.Gemm(true, false, outDim, in, rows, 1, g, outDim, x.Value.RawData(), in, 1, w.gradData(), in)
		}

		if b.RequiresGrad() {
			db := b.gradData()
			for r := range rows {
				tensor.Axpy(db, 1, g[r*outDim:(r+1)*outDim])
			}
		}
	})

	return out, nil
}

// GELU applies the exact GELU activation.
func (tp *Tape) GELU(x *Var) *Var {
	out := newOut(tensor.GELU(x.Value))
	if tp.tracking(x) {
		tp.push(out, func(g []float32) {
			dst := x.gradData()
			for i, v := range x.Value.RawData() {
				xv := float64(v)
				cdf := 0.5 * (1 + math.Erf(xv/math.Sqrt2))
				pdf := math.Exp(-0.5*xv*xv) / math.Sqrt(2*math.Pi)
				dst[i] += g[i] * float32(cdf+xv*pdf)
			}
		})
	}

	return out
}

// LayerNorm normalizes the last dimension with affine weight and bias.
func (tp *Tape) LayerNorm(x, w, b *Var, eps float32) (*Var, error) {
	y, stats, err := tensor.LayerNormWithStats(x.Value, w.Value, b.Value, eps)
	if err != nil {
		return nil, fmt.Errorf("autograd: %w", err)
	}

	out := newOut(y)
	if !tp.tracking(x, w, b) {
		return out, nil
	}

	d := x.Value.Dim(-1)

	tp.push(out, func(g []float32) {
		xd, wd := x.Value.RawData(), w.Value.RawData()
		xhat := make([]float32, d)
		dxhat := make([]float32, d)

		var dx, dw, db []float32
		if x.requiresGrad {
			dx = x.gradData()
		}

		if w.requiresGrad {
			dw = w.gradData()
		}

		if b.requiresGrad {
			db = b.gradData()
		}

		for r := range len(stats.Mean) {
			row := xd[r*d : (r+1)*d]
			gr := g[r*d : (r+1)*d]
			mean, inv := stats.Mean[r], stats.InvStd[r]

			var sumD, sumDX float32

			for i := range d {
				xhat[i] = (row[i] - mean) * inv
				dxhat[i] = gr[i] * wd[i]
				sumD += dxhat[i]
				sumDX += dxhat[i] * xhat[i]

				if dw != nil {
					dw[i] += gr[i] * xhat[i]
				}

				if db != nil {
					db[i] += gr[i]
				}
			}

			if dx != nil {
				n := float32(d)
				for i := range d {
					dx[r*d+i] += inv / n * (n*dxhat[i] - sumD - xhat[i]*sumDX)
				}
			}
		}
	})

	return out, nil
}

// Embedding looks up rows of table [V, D] for ids laid out in shape. A
// negative id yields a zero row and receives no gradient.
func (tp *Tape) Embedding(table *Var, ids []int32, shape []int64) (*Var, error) {
	v, d := table.Value.Dim(0), table.Value.Dim(1)
	if table.Value.Rank() != 2 {
		return nil, fmt.Errorf("autograd: embedding table must be rank 2, got %v", table.Value.Shape())
	}

	for i, id := range ids {
		if int(id) >= v {
			return nil, fmt.Errorf("autograd: embedding id %d at %d out of range for %d rows", id, i, v)
		}
	}

	src := table.Value.RawData()
	data := make([]float32, len(ids)*d)

	for i, id := range ids {
		if id >= 0 {
			copy(data[i*d:(i+1)*d], src[int(id)*d:(int(id)+1)*d])
		}
	}

	outShape := append(append([]int64(nil), shape...), int64(d))

	t, err := tensor.Wrap(data, outShape)
	if err != nil {
		return nil, fmt.Errorf("autograd: embedding: %w", err)
	}

	out := newOut(t)
	if tp.tracking(table) {
		tp.push(out, func(g []float32) {
			dst := table.gradData()
			for i, id := range ids {
				if id >= 0 {
					tensor.Axpy(dst[int(id)*d:(int(id)+1)*d], 1, g[i*d:(i+1)*d])
				}
			}
		})
	}

	return out, nil
}

// Attention runs multi-head scaled dot-product attention over
// [B, H, T, D] inputs.
func (tp *Tape) Attention(q, k, v *Var, opts ops.AttentionOptions) (*Var, error) {
	y, probs, err := ops.ScaledAttention(q.Value, k.Value, v.Value, opts)
	if err != nil {
		return nil, fmt.Errorf("autograd: %w", err)
	}

	out := newOut(y)
	if !tp.tracking(q, k, v) {
		return out, nil
	}

	scale := opts.Scale
	shape := y.Shape()

	tp.push(out, func(g []float32) {
		gt, _ := tensor.Wrap(g, shape)

		dq, dk, dv, err := ops.AttentionBackward(q.Value, k.Value, v.Value, probs, gt, scale)
		if err != nil {
			panic(fmt.Sprintf("autograd: attention backward: %v", err))
		}

		for _, p := range []struct {
			v *Var
			g *tensor.Tensor
		}{{q, dq}, {k, dk}, {v, dv}} {
			if p.v.requiresGrad {
				p.v.accumulate(p.g.RawData())
			}
		}
	})

	return out, nil
}

// RoPE rotates [..., T, D] starting at absolute position pos.
func (tp *Tape) RoPE(x *Var, cos, sin *tensor.Tensor, pos int64) (*Var, error) {
	y, err := ops.RoPE(x.Value, cos, sin, pos)
	if err != nil {
		return nil, fmt.Errorf("autograd: %w", err)
	}

	out := newOut(y)
	if tp.tracking(x) {
		shape := y.Shape()
		tp.push(out, func(g []float32) {
			gt, _ := tensor.Wrap(g, shape)
			back, _ := ops.RoPEBackward(gt, cos, sin, pos)
			x.accumulate(back.RawData())
		})
	}

	return out, nil
}
