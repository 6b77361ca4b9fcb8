package s2a

import "fmt"

// TokenGrid is a dense [B, Q, N] block of token ids.
type TokenGrid struct {
	B, Q, N int
	Data    []int32
}

// NewTokenGrid returns a grid filled with fill.
func NewTokenGrid(b, q, n int, fill int32) TokenGrid {
	g := TokenGrid{B: b, Q: q, N: n, Data: make([]int32, b*q*n)}
	for i := range g.Data {
		g.Data[i] = fill
	}

	return g
}

func (g TokenGrid) index(b, q, t int) int { return (b*g.Q+q)*g.N + t }

// At returns the id at batch b, stream q, position t.
func (g TokenGrid) At(b, q, t int) int32 { return g.Data[g.index(b, q, t)] }

// Set stores id at batch b, stream q, position t.
func (g TokenGrid) Set(b, q, t int, id int32) { g.Data[g.index(b, q, t)] = id }

// Stream copies out one [N] row.
func (g TokenGrid) Stream(b, q int) []int32 {
	start := g.index(b, q, 0)
	return append([]int32(nil), g.Data[start:start+g.N]...)
}

// StreamIDs flattens stream q of every batch row into [B*N].
func (g TokenGrid) StreamIDs(q int) []int32 {
	out := make([]int32, 0, g.B*g.N)
	for b := range g.B {
		start := g.index(b, q, 0)
		out = append(out, g.Data[start:start+g.N]...)
	}

	return out
}

// Columns returns the [lo, hi) position window of every stream.
func (g TokenGrid) Columns(lo, hi int) TokenGrid {
	out := TokenGrid{B: g.B, Q: g.Q, N: hi - lo, Data: make([]int32, 0, g.B*g.Q*(hi-lo))}
	for b := range g.B {
		for q := range g.Q {
			start := g.index(b, q, 0)
			out.Data = append(out.Data, g.Data[start+lo:start+hi]...)
		}
	}

	return out
}

// Delay shifts stream i right by i positions. The result is len+Q-1 long
// and cells before or after a stream's data hold fill.
func Delay(streams [][]int32, fill int32) [][]int32 {
	q := len(streams)
	out := make([][]int32, q)

	for i, s := range streams {
		row := make([]int32, len(s)+q-1)
		for t := range row {
			row[t] = fill
		}

		copy(row[i:], s)
		out[i] = row
	}

	return out
}

// Undelay inverts Delay, returning n positions per stream.
func Undelay(delayed [][]int32, n int) ([][]int32, error) {
	out := make([][]int32, len(delayed))
	for i, row := range delayed {
		if len(row) < i+n {
			return nil, fmt.Errorf("s2a: undelay stream %d: have %d positions, need %d", i, len(row), i+n)
		}

		out[i] = append([]int32(nil), row[i:i+n]...)
	}

	return out, nil
}

// DecoderInputs builds the teacher-forced decoder grid from ground-truth
// acoustic tokens [B, Q, T]. Position p of stream i holds A[i][p-1-i]; cells
// before a stream starts hold the unfilled sentinel and ignored targets are
// fed back as the end token. This is the grid the sampler builds one column
// at a time.
func DecoderInputs(atoks TokenGrid, cfg Config) TokenGrid {
	x := NewTokenGrid(atoks.B, atoks.Q, atoks.N, cfg.UnfilledToken())

	for b := range atoks.B {
		for i := range atoks.Q {
			for p := i + 1; p < atoks.N; p++ {
				id := atoks.At(b, i, p-1-i)
				if id == IgnoreIndex {
					id = cfg.EndToken()
				}

				x.Set(b, i, p, id)
			}
		}
	}

	return x
}

// DelayedTargets aligns the loss targets with DecoderInputs: stream i at
// position p is scored against A[i][p-i], and positions p < i are ignored.
func DelayedTargets(atoks TokenGrid) TokenGrid {
	y := NewTokenGrid(atoks.B, atoks.Q, atoks.N, IgnoreIndex)

	for b := range atoks.B {
		for i := range atoks.Q {
			for p := i; p < atoks.N; p++ {
				y.Set(b, i, p, atoks.At(b, i, p-i))
			}
		}
	}

	return y
}

// realign drops the leading start column of a sampled grid and rolls stream
// j left by j, undoing the delay.
func realign(toks [][]int32) [][]int32 {
	out := make([][]int32, len(toks))
	for j, row := range toks {
		row = row[1:]
		n := len(row)
		rolled := make([]int32, n)

		for t := range row {
			rolled[t] = row[(t+j)%max(n, 1)]
		}

		out[j] = rolled
	}

	return out
}
