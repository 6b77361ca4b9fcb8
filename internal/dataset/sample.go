// Package dataset streams S2A training samples from webdataset-style tar
// shards: acoustic shards are merged by key with their semantic
// counterparts, then truncated, padded, shuffled and batched by a chain of
// lazy stages.
package dataset

import (
	"errors"
	"fmt"

	"github.com/example/go-s2a/internal/s2a"
)

var (
	// ErrMissingShard reports a semantic shard absent for an acoustic one.
	ErrMissingShard = errors.New("dataset: missing shard")
	// ErrMissingSidecar reports a shard without its .speakers.txt file.
	ErrMissingSidecar = errors.New("dataset: missing speakers sidecar")
)

// Entry extensions inside shards.
const (
	ExtAtoks    = "atoks.npy"
	ExtStoks    = "stoks.npy"
	ExtSpeaker  = "spk_emb.npy"
	ExtText     = "txt"
	sidecarName = ".speakers.txt"
)

// Sample is one training example.
type Sample struct {
	Key string
	// Stoks is shifted right by one with a leading pad once padded.
	Stoks    []int32
	OutStoks []int32
	// Atoks holds one stream per quantizer.
	Atoks            [][]int32
	SpeakerEmbedding []float32
	Language         int
	SpeakerIndex     int
}

func (s Sample) atoksLen() int {
	if len(s.Atoks) == 0 {
		return 0
	}

	return len(s.Atoks[0])
}

// ModelBatch packs padded samples into the model's batch layout using the
// first quantizers acoustic streams.
func ModelBatch(samples []Sample, quantizers int) (s2a.Batch, error) {
	if len(samples) == 0 {
		return s2a.Batch{}, errors.New("dataset: empty batch")
	}

	first := samples[0]
	stoksLen, atoksLen, spk := len(first.Stoks), first.atoksLen(), len(first.SpeakerEmbedding)

	b := s2a.Batch{
		Size:     len(samples),
		Stoks:    make([]int32, 0, len(samples)*stoksLen),
		OutStoks: make([]int32, 0, len(samples)*stoksLen),
		Atoks:    s2a.NewTokenGrid(len(samples), quantizers, atoksLen, s2a.IgnoreIndex),
		Speakers: make([]float32, 0, len(samples)*spk),
	}

	for i, s := range samples {
		if len(s.Stoks) != stoksLen || len(s.OutStoks) != stoksLen || s.atoksLen() != atoksLen || len(s.SpeakerEmbedding) != spk {
			return s2a.Batch{}, fmt.Errorf("dataset: sample %s is not padded like %s", s.Key, first.Key)
		}

		if len(s.Atoks) < quantizers {
			return s2a.Batch{}, fmt.Errorf("dataset: sample %s has %d acoustic streams, want %d", s.Key, len(s.Atoks), quantizers)
		}

		b.Stoks = append(b.Stoks, s.Stoks...)
		b.OutStoks = append(b.OutStoks, s.OutStoks...)
		b.Speakers = append(b.Speakers, s.SpeakerEmbedding...)

		for q := range quantizers {
			for t, id := range s.Atoks[q] {
				b.Atoks.Set(i, q, t, id)
			}
		}
	}

	return b, nil
}

// decodeSample builds a sample from an acoustic record and the matching
// semantic tokens.
func decodeSample(rec Record, stoks []byte) (Sample, error) {
	s := Sample{Key: rec.Key, Language: -1, SpeakerIndex: -1}

	raw, ok := rec.Files[ExtAtoks]
	if !ok {
		return s, fmt.Errorf("sample %s has no %s", rec.Key, ExtAtoks)
	}

	a, err := decodeNPY(raw)
	if err != nil {
		return s, fmt.Errorf("sample %s %s: %w", rec.Key, ExtAtoks, err)
	}

	if s.Atoks, err = a.rows(); err != nil {
		return s, fmt.Errorf("sample %s %s: %w", rec.Key, ExtAtoks, err)
	}

	if raw, ok := rec.Files[ExtSpeaker]; ok {
		e, err := decodeNPY(raw)
		if err != nil {
			return s, fmt.Errorf("sample %s %s: %w", rec.Key, ExtSpeaker, err)
		}

		s.SpeakerEmbedding = e.floats()
	}

	st, err := decodeNPY(stoks)
	if err != nil {
		return s, fmt.Errorf("sample %s %s: %w", rec.Key, ExtStoks, err)
	}

	s.Stoks = st.ints()

	return s, nil
}
