package dataset

import (
	"iter"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/example/go-s2a/internal/s2a"
)

// Stream is a lazy sequence of samples. An error ends the sequence.
type Stream = iter.Seq2[Sample, error]

// Stage transforms one stream into another.
type Stage func(Stream) Stream

// Chain applies stages in order.
func Chain(src Stream, stages ...Stage) Stream {
	for _, st := range stages {
		src = st(src)
	}

	return src
}

// Map applies fn to every sample.
func Map(fn func(Sample) Sample) Stage {
	return func(src Stream) Stream {
		return func(yield func(Sample, error) bool) {
			for s, err := range src {
				if err != nil {
					yield(Sample{}, err)
					return
				}

				if !yield(fn(s), nil) {
					return
				}
			}
		}
	}
}

// Select keeps samples for which keep returns true.
func Select(keep func(Sample) bool) Stage {
	return func(src Stream) Stream {
		return func(yield func(Sample, error) bool) {
			for s, err := range src {
				if err != nil {
					yield(Sample{}, err)
					return
				}

				if keep(s) && !yield(s, nil) {
					return
				}
			}
		}
	}
}

// CheckNaN logs samples whose speaker embedding holds NaN values and calls
// onNaN for each of them. Samples pass through unchanged.
func CheckNaN(log *slog.Logger, onNaN func(key string)) Stage {
	return Map(func(s Sample) Sample {
		if hasNaN(s.SpeakerEmbedding) {
			log.Warn("speaker embedding contains NaN", slog.String("key", s.Key))

			if onNaN != nil {
				onNaN(s.Key)
			}
		}

		return s
	})
}

// Exclude drops samples whose key is in keys.
func Exclude(keys map[string]struct{}) Stage {
	return Select(func(s Sample) bool {
		_, skip := keys[s.Key]
		return !skip
	})
}

// SanitizeSpeaker replaces NaN speaker values with 0 and infinities with
// the largest finite float32 of the same sign.
func SanitizeSpeaker() Stage {
	return Map(func(s Sample) Sample {
		for i, v := range s.SpeakerEmbedding {
			switch {
			case math.IsNaN(float64(v)):
				s.SpeakerEmbedding[i] = 0
			case math.IsInf(float64(v), 1):
				s.SpeakerEmbedding[i] = math.MaxFloat32
			case math.IsInf(float64(v), -1):
				s.SpeakerEmbedding[i] = -math.MaxFloat32
			}
		}

		return s
	})
}

// RandomTrunc shortens a sample with probability p to a random duration in
// [0.3s, 30s) and cuts the semantic tokens to the same time span.
func RandomTrunc(p float64, atoksLen, stoksLen int, rng *rand.Rand) Stage {
	perSecond := float64(atoksLen) / s2a.WindowSeconds

	return Map(func(s Sample) Sample {
		if rng.Float64() < p {
			seconds := 0.3 + rng.Float64()*(s2a.WindowSeconds-0.3)
			n := int(math.Ceil(seconds * perSecond))

			for q, row := range s.Atoks {
				s.Atoks[q] = row[:min(n, len(row))]
			}
		}

		n := (s.atoksLen()*stoksLen + atoksLen - 1) / atoksLen
		s.Stoks = s.Stoks[:min(n, len(s.Stoks))]

		return s
	})
}

// Pad brings a sample to fixed lengths: Stoks gets a leading pad and is cut
// to stoksLen, OutStoks keeps the unshifted tokens, Atoks rows are filled
// with IgnoreIndex. pad is the semantic pad token.
func Pad(atoksLen, stoksLen int, pad int32) Stage {
	return Map(func(s Sample) Sample {
		in := make([]int32, stoksLen)
		out := make([]int32, stoksLen)

		for i := range stoksLen {
			in[i], out[i] = pad, pad
		}

		copy(in[1:], s.Stoks)
		copy(out, s.Stoks)

		s.Stoks, s.OutStoks = in, out

		for q, row := range s.Atoks {
			padded := make([]int32, atoksLen)
			n := copy(padded, row)

			for i := n; i < atoksLen; i++ {
				padded[i] = s2a.IgnoreIndex
			}

			s.Atoks[q] = padded
		}

		return s
	})
}

// SetLanguage tags every sample with a language id.
func SetLanguage(id int) Stage {
	return Map(func(s Sample) Sample {
		s.Language = id
		return s
	})
}

// SpeakerIndex resolves the speaker segment of each key through m.
func SpeakerIndex(m s2a.SpeakerMap) Stage {
	return Map(func(s Sample) Sample {
		s.SpeakerIndex = m.Index(s2a.SpeakerFromKey(s.Key))
		return s
	})
}

// Shuffle keeps a buffer of window samples and emits a random one for each
// new arrival, draining the buffer in random order at the end.
func Shuffle(window int, rng *rand.Rand) Stage {
	return func(src Stream) Stream {
		return func(yield func(Sample, error) bool) {
			buf := make([]Sample, 0, min(window, 4096))

			pop := func() Sample {
				k := rng.IntN(len(buf))
				s := buf[k]
				buf[k] = buf[len(buf)-1]
				buf = buf[:len(buf)-1]

				return s
			}

			for s, err := range src {
				if err != nil {
					yield(Sample{}, err)
					return
				}

				buf = append(buf, s)
				if len(buf) < window {
					continue
				}

				if !yield(pop(), nil) {
					return
				}
			}

			for len(buf) > 0 {
				if !yield(pop(), nil) {
					return
				}
			}
		}
	}
}

// Batched groups samples into slices of size n; the final batch may be
// shorter.
func Batched(src Stream, n int) iter.Seq2[[]Sample, error] {
	return func(yield func([]Sample, error) bool) {
		batch := make([]Sample, 0, n)

		for s, err := range src {
			if err != nil {
				yield(nil, err)
				return
			}

			batch = append(batch, s)
			if len(batch) < n {
				continue
			}

			if !yield(batch, nil) {
				return
			}

			batch = make([]Sample, 0, n)
		}

		if len(batch) > 0 {
			yield(batch, nil)
		}
	}
}

// RandomizeSpeakers permutes speaker embeddings across the samples of each
// batch.
func RandomizeSpeakers(src iter.Seq2[[]Sample, error], rng *rand.Rand) iter.Seq2[[]Sample, error] {
	return func(yield func([]Sample, error) bool) {
		for batch, err := range src {
			if err != nil {
				yield(nil, err)
				return
			}

			perm := rng.Perm(len(batch))
			spk := make([][]float32, len(batch))

			for i, j := range perm {
				spk[i] = batch[j].SpeakerEmbedding
			}

			for i := range batch {
				batch[i].SpeakerEmbedding = spk[i]
			}

			if !yield(batch, nil) {
				return
			}
		}
	}
}
