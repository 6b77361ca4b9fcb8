package s2a

import (
	"fmt"
	"math"

	"github.com/example/go-s2a/internal/runtime/autograd"
	"github.com/example/go-s2a/internal/runtime/tensor"
)

// sinusoids builds the fixed [length, channels] position table: sines in
// the first half of the channels, cosines in the second.
func sinusoids(length, channels int) *tensor.Tensor {
	half := channels / 2
	inc := math.Log(10000) / float64(max(half-1, 1))
	data := make([]float32, length*channels)

	for t := range length {
		for i := range half {
			angle := float64(t) * math.Exp(-inc*float64(i))
			data[t*channels+i] = float32(math.Sin(angle))
			data[t*channels+half+i] = float32(math.Cos(angle))
		}
	}

	out, _ := tensor.Wrap(data, []int64{int64(length), int64(channels)})

	return out
}

// expandSemantic maps [B, StoksLen] ids onto encoder positions. The
// interleaved layout turns every pair (a, b) into (a, fill, b).
func (c Config) expandSemantic(ids []int32, batch int, fill int32) []int32 {
	if c.Layout() != Layout50HzInterleaved {
		return ids
	}

	n := c.StoksLen
	out := make([]int32, 0, batch*c.EncoderLen())

	for b := range batch {
		row := ids[b*n : (b+1)*n]
		for i := 0; i+1 < n; i += 2 {
			out = append(out, row[i], fill, row[i+1])
		}
	}

	return out
}

// interleavePad is the semantic id placed between 50 Hz pairs.
func (c Config) interleavePad() int32 { return int32(c.Codes) }

// addPositions adds sinusoid rows [pos, pos+T) to x [B, T, W].
func (m *Model) addPositions(tp *autograd.Tape, x *autograd.Var, pos int) (*autograd.Var, error) {
	if m.positions == nil {
		return x, nil
	}

	n := x.Value.Dim(1)
	if pos+n > m.positions.Dim(0) {
		return nil, fmt.Errorf("s2a: positions [%d, %d) exceed ctx_n %d", pos, pos+n, m.positions.Dim(0))
	}

	rows, err := m.positions.Narrow(0, int64(pos), int64(n))
	if err != nil {
		return nil, err
	}

	return tp.Add(x, autograd.Constant(rows))
}

// encode runs the semantic encoder. stoks is [batch, StoksLen] and speakers
// [batch, spkWidth]. The auxiliary reconstruction logits are only computed
// when withAux is set.
func (m *Model) encode(tp *autograd.Tape, stoks []int32, speakers []float32, batch int, withAux bool) (xenc, aux *autograd.Var, err error) {
	cfg := m.Config
	if len(stoks) != batch*cfg.StoksLen {
		return nil, nil, fmt.Errorf("s2a: semantic input has %d ids, want %d x %d", len(stoks), batch, cfg.StoksLen)
	}

	spkW := cfg.spkWidth()
	if len(speakers) != batch*spkW {
		return nil, nil, fmt.Errorf("s2a: speaker input has %d values, want %d x %d", len(speakers), batch, spkW)
	}

	ids := cfg.expandSemantic(stoks, batch, cfg.interleavePad())
	for i, id := range ids {
		if id < 0 || int(id) >= cfg.StoksCodes {
			return nil, nil, fmt.Errorf("s2a: semantic id %d at %d outside [0, %d)", id, i, cfg.StoksCodes)
		}
	}

	x, err := tp.Embedding(m.semantic.Var, ids, []int64{int64(batch), int64(cfg.EncoderLen())})
	if err != nil {
		return nil, nil, err
	}

	if m.semToHidden != nil {
		if x, err = m.semToHidden.forward(tp, x); err != nil {
			return nil, nil, err
		}
	}

	if x, err = m.addPositions(tp, x, 0); err != nil {
		return nil, nil, err
	}

	rot, err := m.rotary(cfg.EncoderLen())
	if err != nil {
		return nil, nil, err
	}

	for i, bl := range m.encoder {
		if x, err = bl.forward(tp, x, nil, 0, rot, false, nil); err != nil {
			return nil, nil, fmt.Errorf("s2a: encoder block %d: %w", i, err)
		}
	}

	if x, err = m.encLN.forward(tp, x); err != nil {
		return nil, nil, err
	}

	if withAux {
		h := x
		if m.semToEmb != nil {
			if h, err = m.semToEmb.forward(tp, x); err != nil {
				return nil, nil, err
			}
		}

		if aux, err = tp.Linear(h, m.semantic.Var, nil); err != nil {
			return nil, nil, err
		}

		aux = tp.Scale(aux, m.logitScale())
	}

	spk, err := tensor.New(normalizeRows(speakers, spkW), []int64{int64(batch), 1, int64(spkW)})
	if err != nil {
		return nil, nil, err
	}

	sv := autograd.Constant(spk)
	if m.spkToHidden != nil {
		if sv, err = m.spkToHidden.forward(tp, sv); err != nil {
			return nil, nil, err
		}
	}

	if xenc, err = tp.Add(x, sv); err != nil {
		return nil, nil, err
	}

	return xenc, aux, nil
}

// auxTargets lays out_stoks over encoder positions; interleaved pad slots
// are ignored.
func (c Config) auxTargets(outStoks []int32, batch int) []int32 {
	return c.expandSemantic(outStoks, batch, IgnoreIndex)
}

// normalizeRows L2-normalizes each width-sized row.
func normalizeRows(v []float32, width int) []float32 {
	out := make([]float32, len(v))

	for r := 0; r+width <= len(v); r += width {
		row := v[r : r+width]
		norm := math.Sqrt(float64(tensor.Dot(row, row)))
		inv := float32(1 / max(norm, 1e-12))

		for i, x := range row {
			out[r+i] = x * inv
		}
	}

	return out
}
