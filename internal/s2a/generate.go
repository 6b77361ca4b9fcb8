package s2a

import (
	"cmp"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/example/go-s2a/internal/runtime/autograd"
	"github.com/example/go-s2a/internal/runtime/tensor"
)

const initialWindow = 128

// GenerateOptions controls sampling.
type GenerateOptions struct {
	// N caps the number of decoding steps; 0 derives it from the input
	// length.
	N int
	// Temperature divides logits before the draw; <= 0 takes the argmax.
	Temperature float64
	// TopK keeps the k largest logits of each stream; 0 keeps all.
	TopK int
	// UseKVCache decodes one position per step against cached keys instead
	// of re-running the growing prefix.
	UseKVCache bool
	Rand       *rand.Rand
	// Step, when set, is called after every decoding step.
	Step func(i int)
}

// DefaultGenerateOptions samples at temperature 0.7 with the cache on.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{Temperature: 0.7, UseKVCache: true}
}

// Generate samples acoustic tokens for one utterance. stoks are the
// unpadded semantic ids and speaker a spkWidth vector. The result has one
// row per quantizer with the delay removed; stream j's last j positions
// were never sampled and hold the unfilled sentinel.
func (m *Model) Generate(stoks []int32, speaker []float32, opts GenerateOptions) ([][]int32, error) {
	cfg := m.Config
	if len(stoks) == 0 || len(stoks) > cfg.StoksLen-1 {
		return nil, fmt.Errorf("s2a: generate needs 1..%d semantic ids, got %d", cfg.StoksLen-1, len(stoks))
	}

	if len(speaker) != cfg.spkWidth() {
		return nil, fmt.Errorf("s2a: speaker vector has %d values, want %d", len(speaker), cfg.spkWidth())
	}

	n := opts.N
	if n <= 0 {
		n = len(stoks) * 3
		if cfg.Layout() == Layout50HzInterleaved {
			n = len(stoks) * 3 / 2
		}
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	padded := make([]int32, cfg.StoksLen)
	for i := range padded {
		padded[i] = cfg.SemanticPad()
	}

	copy(padded[1:], stoks)

	xenc, _, err := m.encode(nil, padded, speaker, 1, false)
	if err != nil {
		return nil, err
	}

	ctx, err := m.crossContext(nil, xenc)
	if err != nil {
		return nil, err
	}

	q := cfg.Quantizers
	toks := NewTokenGrid(1, q, n+1, cfg.UnfilledToken())

	var cache *KVCache
	if opts.UseKVCache {
		cache = NewKVCache(len(m.decoder))
		cache.Clear()
	}

	window := initialWindow

	for i := range n {
		if i >= window {
			window *= 2
		}

		var (
			logits []*autograd.Var
			col    int
		)

		if cache != nil {
			logits, err = m.decode(nil, toks.Columns(i, i+1), ctx, i, cache)
		} else {
			logits, err = m.decode(nil, toks.Columns(0, min(window+1, n+1)), ctx, 0, nil)
			col = i
		}

		if err != nil {
			return nil, fmt.Errorf("s2a: generate step %d: %w", i, err)
		}

		for j := range q {
			v := logits[j].Value.Dim(-1)
			row := slices.Clone(logits[j].Value.RawData()[col*v : (col+1)*v])
			tok := sample(row, cfg.UnfilledToken(), opts.Temperature, opts.TopK, rng)

			if i >= j {
				toks.Set(0, j, i+1, tok)
			}
		}

		if opts.Step != nil {
			opts.Step(i)
		}

		if toks.At(0, 0, i+1) == cfg.EndToken() {
			toks = toks.Columns(0, i+1)
			break
		}
	}

	rows := make([][]int32, q)
	for j := range q {
		rows[j] = toks.Stream(0, j)
	}

	return realign(rows), nil
}

// sample draws one id from logits. The unfilled sentinel is never drawn.
func sample(logits []float32, unfilled int32, temperature float64, topK int, rng *rand.Rand) int32 {
	if int(unfilled) < len(logits) {
		logits[unfilled] = float32(math.Inf(-1))
	}

	if topK > 0 && topK < len(logits) {
		// Exactly topK candidates survive; ties go to the lower id.
		order := make([]int, len(logits))
		for i := range order {
			order[i] = i
		}

		slices.SortStableFunc(order, func(a, b int) int {
			return cmp.Compare(logits[b], logits[a])
		})

		for _, i := range order[topK:] {
			logits[i] = float32(math.Inf(-1))
		}
	}

	if temperature <= 0 {
		return int32(argmax(logits))
	}

	inv := float32(1 / temperature)
	for i := range logits {
		logits[i] *= inv
	}

	tensor.SoftmaxRow(logits)

	u := float32(rng.Float64())
	for i, p := range logits {
		u -= p
		if u < 0 {
			return int32(i)
		}
	}

	return int32(argmax(logits))
}

func argmax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}

	return best
}
