package s2a

import (
	"fmt"

	"github.com/example/go-s2a/internal/runtime/autograd"
)

// crossContext keeps every CrossKeySubsampling-th encoder position as the
// cross-attention memory.
func (m *Model) crossContext(tp *autograd.Tape, xenc *autograd.Var) (*autograd.Var, error) {
	step := m.Config.CrossKeySubsampling
	if step <= 1 {
		return xenc, nil
	}

	n := xenc.Value.Dim(1)
	idx := make([]int64, 0, (n+step-1)/step)

	for i := 0; i < n; i += step {
		idx = append(idx, int64(i))
	}

	return tp.Gather(xenc, 1, idx)
}

// decode runs the decoder over grid columns [pos, pos+N) and returns one
// [B, N, codes+SpecialCodes] logit tensor per quantizer. ctx may be nil
// once cache holds the cross-attention projections.
func (m *Model) decode(tp *autograd.Tape, grid TokenGrid, ctx *autograd.Var, pos int, cache *KVCache) ([]*autograd.Var, error) {
	x, err := m.embds.Forward(tp, grid)
	if err != nil {
		return nil, err
	}

	if x, err = m.addPositions(tp, x, pos); err != nil {
		return nil, err
	}

	rot, err := m.rotary(pos + grid.N)
	if err != nil {
		return nil, err
	}

	for i, bl := range m.decoder {
		var lc *layerCache
		if cache != nil {
			if lc, err = cache.layer(i); err != nil {
				return nil, err
			}
		}

		if x, err = bl.forward(tp, x, ctx, int64(pos), rot, true, lc); err != nil {
			return nil, fmt.Errorf("s2a: decoder block %d: %w", i, err)
		}
	}

	if x, err = m.decLN.forward(tp, x); err != nil {
		return nil, err
	}

	return m.head.forward(tp, x, m.embds)
}
