package s2a

import (
	"fmt"

	"github.com/example/go-s2a/internal/runtime/autograd"
)

// head expands each hidden state into one slice per quantizer and maps each
// slice to token logits, through the tied embedding tables or, for legacy
// models, through separate output matrices.
type head struct {
	splitter    *linear
	linearHeads []*linear

	quantizers int
	width      int
	mult       float32
}

func newHead(b builder, cfg Config, t Tunables, mult float32) *head {
	w := cfg.Width()
	h := &head{
		splitter:   newLinear(b, "splitter.0", w, w*cfg.Quantizers, true, RoleLinear),
		quantizers: cfg.Quantizers,
		width:      w,
		mult:       mult,
	}

	if t.LinearHeads {
		for q := range cfg.Quantizers {
			h.linearHeads = append(h.linearHeads,
				newLinear(b, fmt.Sprintf("linear_heads.%d", q), w, cfg.Codes+SpecialCodes, false, RoleLinearHead))
		}
	}

	return h
}

func (h *head) forward(tp *autograd.Tape, x *autograd.Var, embs *DelSumEmbedding) ([]*autograd.Var, error) {
	split, err := h.splitter.forward(tp, x)
	if err != nil {
		return nil, err
	}

	split = tp.GELU(split)
	s := x.Shape()

	split, err = tp.Reshape(split, s[0], s[1], int64(h.quantizers), int64(h.width))
	if err != nil {
		return nil, err
	}

	logits := make([]*autograd.Var, h.quantizers)

	for q := range h.quantizers {
		slice, err := tp.Narrow(split, 2, int64(q), 1)
		if err != nil {
			return nil, err
		}

		if slice, err = tp.Reshape(slice, s[0], s[1], int64(h.width)); err != nil {
			return nil, err
		}

		var out *autograd.Var
		if h.linearHeads != nil {
			out, err = h.linearHeads[q].forward(tp, slice)
		} else {
			out, err = embs.Tables[q].unembed(tp, slice)
		}

		if err != nil {
			return nil, fmt.Errorf("s2a: unembed quantizer %d: %w", q, err)
		}

		logits[q] = tp.Scale(out, h.mult)
	}

	return logits, nil
}
