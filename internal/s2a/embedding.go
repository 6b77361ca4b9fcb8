package s2a

import (
	"errors"
	"fmt"

	"github.com/example/go-s2a/internal/runtime/autograd"
	"github.com/example/go-s2a/internal/runtime/tensor"
)

// ErrWidthMismatch reports a frozen codebook whose width differs from the
// table it is loaded into.
var ErrWidthMismatch = errors.New("s2a: frozen embedding width mismatch")

// FlexEmbedding maps ids [0, codes) through a main table and the reserved
// ids [codes, codes+SpecialCodes) through a special table. The main table may
// have its own width, bridged by learned projections.
type FlexEmbedding struct {
	codes int
	width int

	Main    *Param // [codes, frozenWidth]
	Special *Param // [SpecialCodes, width]

	toHidden *linear
	toEmb    *linear
}

func newFlexEmbedding(b builder, codes, width, frozenWidth int, special *Param) *FlexEmbedding {
	e := &FlexEmbedding{
		codes: codes,
		width: width,
		Main:  b.add("main.weight", RoleEmbedding, false, frozenWidth, int64(codes), int64(frozenWidth)),
	}

	if special == nil {
		special = b.add("special.weight", RoleEmbedding, false, width, SpecialCodes, int64(width))
	}

	e.Special = special

	if frozenWidth != width {
		e.toHidden = newLinear(b, "emb_to_hidden", frozenWidth, width, true, RoleLinear)
		e.toEmb = newLinear(b, "hidden_to_emb", width, frozenWidth, true, RoleLinear)
	}

	return e
}

// FrozenWidth is the width of the main table.
func (e *FlexEmbedding) FrozenWidth() int { return e.Main.Var.Value.Dim(1) }

// SetFrozen overwrites the main table with a pretrained codebook [codes, w]
// and freezes it. Special rows stay trainable.
func (e *FlexEmbedding) SetFrozen(codebook *tensor.Tensor) error {
	shape := codebook.Shape()
	if len(shape) != 2 || int(shape[1]) != e.FrozenWidth() {
		return fmt.Errorf("%w: codebook %v, table %v", ErrWidthMismatch, shape, e.Main.Var.Shape())
	}

	if int(shape[0]) != e.codes {
		return fmt.Errorf("s2a: frozen codebook has %d rows, table has %d", shape[0], e.codes)
	}

	copy(e.Main.Var.Value.RawData(), codebook.RawData())
	e.Main.Policy = TrainingPolicy{Mode: Frozen}

	return nil
}

func (e *FlexEmbedding) forward(tp *autograd.Tape, ids []int32, shape []int64) (*autograd.Var, error) {
	mainIDs := make([]int32, len(ids))
	specIDs := make([]int32, len(ids))
	keep := make([]bool, len(ids))

	for i, id := range ids {
		switch {
		case id < 0 || int(id) >= e.codes+SpecialCodes:
			return nil, fmt.Errorf("s2a: token id %d at %d outside [0, %d)", id, i, e.codes+SpecialCodes)
		case int(id) >= e.codes:
			mainIDs[i], specIDs[i] = -1, id-int32(e.codes)
		default:
			mainIDs[i], specIDs[i], keep[i] = id, -1, true
		}
	}

	x, err := tp.Embedding(e.Main.Var, mainIDs, shape)
	if err != nil {
		return nil, err
	}

	if e.toHidden != nil {
		if x, err = e.toHidden.forward(tp, x); err != nil {
			return nil, err
		}

		if x, err = tp.MaskRows(x, keep); err != nil {
			return nil, err
		}
	}

	sp, err := tp.Embedding(e.Special.Var, specIDs, shape)
	if err != nil {
		return nil, err
	}

	return tp.Add(x, sp)
}

// unembed returns [..., codes+SpecialCodes] logits: the main part through
// the (projected) tied table, the special part from the hidden state directly.
func (e *FlexEmbedding) unembed(tp *autograd.Tape, h *autograd.Var) (*autograd.Var, error) {
	proj := h

	if e.toEmb != nil {
		var err error
		if proj, err = e.toEmb.forward(tp, h); err != nil {
			return nil, err
		}
	}

	mainLogits, err := tp.Linear(proj, e.Main.Var, nil)
	if err != nil {
		return nil, err
	}

	specLogits, err := tp.Linear(h, e.Special.Var, nil)
	if err != nil {
		return nil, err
	}

	return tp.Concat([]*autograd.Var{mainLogits, specLogits}, -1)
}

// DelSumEmbedding holds one FlexEmbedding per quantizer. All tables share
// the special rows of the first.
type DelSumEmbedding struct {
	Tables []*FlexEmbedding
}

func newDelSumEmbedding(b builder, cfg Config) *DelSumEmbedding {
	d := &DelSumEmbedding{Tables: make([]*FlexEmbedding, cfg.Quantizers)}

	var special *Param
	for q := range cfg.Quantizers {
		d.Tables[q] = newFlexEmbedding(b.path(fmt.Sprint(q)), cfg.Codes, cfg.Width(), cfg.atoksWidth(), special)
		special = d.Tables[q].Special
	}

	return d
}

// Forward sums the per-stream embeddings of g into [B, N, width].
func (d *DelSumEmbedding) Forward(tp *autograd.Tape, g TokenGrid) (*autograd.Var, error) {
	if g.Q != len(d.Tables) {
		return nil, fmt.Errorf("s2a: grid has %d streams, model has %d quantizers", g.Q, len(d.Tables))
	}

	shape := []int64{int64(g.B), int64(g.N)}

	var sum *autograd.Var

	for q, table := range d.Tables {
		x, err := table.forward(tp, g.StreamIDs(q), shape)
		if err != nil {
			return nil, fmt.Errorf("s2a: stream %d: %w", q, err)
		}

		if sum == nil {
			sum = x
			continue
		}

		if sum, err = tp.Add(sum, x); err != nil {
			return nil, err
		}
	}

	return sum, nil
}
