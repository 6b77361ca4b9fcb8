package s2a

import (
	"fmt"
	"math"

	"github.com/example/go-s2a/internal/runtime/autograd"
	"github.com/example/go-s2a/internal/runtime/ops"
	"github.com/example/go-s2a/internal/runtime/tensor"
)

// QKScale is the query multiplier normalized by the head width.
func (c Config) QKScale(t Tunables) float64 {
	return t.QueryMult * 8 / math.Sqrt(float64(c.HeadWidth))
}

// attentionScale multiplies q.k: the query multiplier on top of the usual
// 1/sqrt(d), giving 1/d scaling overall.
func (c Config) attentionScale(t Tunables) float32 {
	return float32(c.QKScale(t) / math.Sqrt(float64(c.HeadWidth)))
}

// rotary carries the cos/sin tables when attention uses rotary positions.
type rotary struct {
	cos, sin *tensor.Tensor
}

type attention struct {
	query, key, value, out *linear

	nHead, headWidth int
	scale            float32
}

func newAttention(b builder, cfg Config, scale float32) *attention {
	w := cfg.Width()

	return &attention{
		query:     newLinear(b, "query", w, w, true, RoleQuery),
		key:       newLinear(b, "key", w, w, false, RoleLinear),
		value:     newLinear(b, "value", w, w, true, RoleLinear),
		out:       newLinear(b, "out", w, w, true, RoleLinear),
		nHead:     cfg.NHead,
		headWidth: cfg.HeadWidth,
		scale:     scale,
	}
}

// heads projects x [B, T, W] and splits it into [B, H, T, D].
func (a *attention) heads(tp *autograd.Tape, l *linear, x *autograd.Var) (*autograd.Var, error) {
	y, err := l.forward(tp, x)
	if err != nil {
		return nil, err
	}

	s := y.Shape()

	y, err = tp.Reshape(y, s[0], s[1], int64(a.nHead), int64(a.headWidth))
	if err != nil {
		return nil, err
	}

	return tp.Transpose(y, 1, 2)
}

// merge folds [B, H, T, D] back into [B, T, W] and applies the output
// projection.
func (a *attention) merge(tp *autograd.Tape, y *autograd.Var) (*autograd.Var, error) {
	y, err := tp.Transpose(y, 1, 2)
	if err != nil {
		return nil, err
	}

	s := y.Shape()

	y, err = tp.Reshape(y, s[0], s[1], s[2]*s[3])
	if err != nil {
		return nil, err
	}

	return a.out.forward(tp, y)
}

// self runs self-attention for positions [pos, pos+T). With a layer cache
// the new keys and values are appended and attention spans every cached
// position.
func (a *attention) self(tp *autograd.Tape, x *autograd.Var, pos int64, rot *rotary, causal bool, lc *layerCache) (*autograd.Var, error) {
	q, err := a.heads(tp, a.query, x)
	if err != nil {
		return nil, err
	}

	k, err := a.heads(tp, a.key, x)
	if err != nil {
		return nil, err
	}

	v, err := a.heads(tp, a.value, x)
	if err != nil {
		return nil, err
	}

	if rot != nil {
		if q, err = tp.RoPE(q, rot.cos, rot.sin, pos); err != nil {
			return nil, err
		}

		if k, err = tp.RoPE(k, rot.cos, rot.sin, pos); err != nil {
			return nil, err
		}
	}

	var offset int64

	if lc != nil {
		cached := 0
		if lc.selfK != nil {
			cached = lc.selfK.Dim(2)
		}

		if int64(cached) != pos {
			return nil, fmt.Errorf("s2a: kv cache holds %d positions, decoding at %d", cached, pos)
		}

		kt, vt, err := lc.appendKV(k.Value, v.Value)
		if err != nil {
			return nil, err
		}

		k, v, offset = autograd.Constant(kt), autograd.Constant(vt), pos
	}

	y, err := tp.Attention(q, k, v, ops.AttentionOptions{Causal: causal, Offset: offset, Scale: a.scale})
	if err != nil {
		return nil, err
	}

	return a.merge(tp, y)
}

// cross attends x to ctx. Cross keys and values depend only on the encoder
// output, so a layer cache computes them once.
func (a *attention) cross(tp *autograd.Tape, x, ctx *autograd.Var, lc *layerCache) (*autograd.Var, error) {
	q, err := a.heads(tp, a.query, x)
	if err != nil {
		return nil, err
	}

	var k, v *autograd.Var

	if lc != nil && lc.crossK != nil {
		k, v = autograd.Constant(lc.crossK), autograd.Constant(lc.crossV)
	} else {
		if k, err = a.heads(tp, a.key, ctx); err != nil {
			return nil, err
		}

		if v, err = a.heads(tp, a.value, ctx); err != nil {
			return nil, err
		}

		if lc != nil {
			lc.crossK, lc.crossV = k.Value, v.Value
		}
	}

	y, err := tp.Attention(q, k, v, ops.AttentionOptions{Scale: a.scale})
	if err != nil {
		return nil, err
	}

	return a.merge(tp, y)
}

// block is a pre-norm residual transformer block. Decoder blocks carry a
// cross-attention sublayer.
type block struct {
	attnLN *layerNorm
	attn   *attention

	crossLN *layerNorm
	cross   *attention

	mlpLN  *layerNorm
	mlpIn  *linear
	mlpOut *linear
}

func newBlock(b builder, cfg Config, scale float32, withCross bool) *block {
	w := cfg.Width()
	bl := &block{
		attnLN: newLayerNorm(b, "attn_ln", w),
		attn:   newAttention(b.path("attn"), cfg, scale),
		mlpLN:  newLayerNorm(b, "mlp_ln", w),
		mlpIn:  newLinear(b, "mlp.0", w, w*cfg.FFNMult, true, RoleLinear),
		mlpOut: newLinear(b, "mlp.2", w*cfg.FFNMult, w, true, RoleLinear),
	}

	if withCross {
		bl.crossLN = newLayerNorm(b, "cross_attn_ln", w)
		bl.cross = newAttention(b.path("cross_attn"), cfg, scale)
	}

	return bl
}

func (bl *block) forward(tp *autograd.Tape, x, ctx *autograd.Var, pos int64, rot *rotary, causal bool, lc *layerCache) (*autograd.Var, error) {
	h, err := bl.attnLN.forward(tp, x)
	if err != nil {
		return nil, err
	}

	if h, err = bl.attn.self(tp, h, pos, rot, causal, lc); err != nil {
		return nil, err
	}

	if x, err = tp.Add(x, h); err != nil {
		return nil, err
	}

	if bl.cross != nil {
		if h, err = bl.crossLN.forward(tp, x); err != nil {
			return nil, err
		}

		if h, err = bl.cross.cross(tp, h, ctx, lc); err != nil {
			return nil, err
		}

		if x, err = tp.Add(x, h); err != nil {
			return nil, err
		}
	}

	if h, err = bl.mlpLN.forward(tp, x); err != nil {
		return nil, err
	}

	if h, err = bl.mlpIn.forward(tp, h); err != nil {
		return nil, err
	}

	if h, err = bl.mlpOut.forward(tp, tp.GELU(h)); err != nil {
		return nil, err
	}

	return tp.Add(x, h)
}
