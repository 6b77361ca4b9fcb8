package dataset

import (
	"context"
	"iter"
	"math/rand/v2"
)

// Mix draws each batch from one of the datasets chosen with probability
// proportional to its weight. Exhausted datasets drop out of the draw; the
// mix ends when all of them are exhausted.
func Mix(ctx context.Context, rng *rand.Rand, sets ...*Dataset) iter.Seq2[[]Sample, error] {
	return func(yield func([]Sample, error) bool) {
		type source struct {
			next   func() ([]Sample, error, bool)
			stop   func()
			weight float64
		}

		sources := make([]source, 0, len(sets))
		for _, d := range sets {
			next, stop := iter.Pull2(d.Batches(ctx))
			sources = append(sources, source{next: next, stop: stop, weight: d.Weight()})
		}

		defer func() {
			for _, s := range sources {
				s.stop()
			}
		}()

		for len(sources) > 0 {
			total := 0.0
			for _, s := range sources {
				total += s.weight
			}

			pick, r := 0, rng.Float64()*total
			for i, s := range sources {
				if r < s.weight {
					pick = i
					break
				}

				r -= s.weight
				pick = i
			}

			b, err, ok := sources[pick].next()
			if !ok {
				sources[pick].stop()
				sources = append(sources[:pick], sources[pick+1:]...)

				continue
			}

			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}
