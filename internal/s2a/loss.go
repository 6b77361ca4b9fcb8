package s2a

import (
	"fmt"

	"github.com/example/go-s2a/internal/runtime/autograd"
)

const (
	firstStreamWeight = 5
	auxLossWeight     = 0.1
)

// Batch is one teacher-forced training or validation batch.
type Batch struct {
	Size int
	// Stoks is [Size, StoksLen], shifted right by one with a leading pad.
	Stoks []int32
	// OutStoks is the unshifted semantic target, same layout as Stoks.
	OutStoks []int32
	// Atoks is [Size, Q, T], padded with IgnoreIndex.
	Atoks TokenGrid
	// Speakers is [Size, spkWidth].
	Speakers []float32
}

// Loss computes the delay-sum objective. With training set stream 0 is
// weighted 5x and 0.1x of the encoder reconstruction loss is added. In
// evaluation per-stream argmax accuracy is added to acc when it is non-nil.
// The loss is recorded on tp for backward; tp may be nil.
func (m *Model) Loss(tp *autograd.Tape, b Batch, training bool, acc *EvalAccumulator) (*autograd.Var, error) {
	if b.Atoks.B != b.Size || b.Atoks.Q != m.Config.Quantizers {
		return nil, fmt.Errorf("s2a: acoustic grid [%d %d %d] does not match batch %d x %d quantizers",
			b.Atoks.B, b.Atoks.Q, b.Atoks.N, b.Size, m.Config.Quantizers)
	}

	xenc, aux, err := m.encode(tp, b.Stoks, b.Speakers, b.Size, training)
	if err != nil {
		return nil, err
	}

	ctx, err := m.crossContext(tp, xenc)
	if err != nil {
		return nil, err
	}

	logits, err := m.decode(tp, DecoderInputs(b.Atoks, m.Config), ctx, 0, nil)
	if err != nil {
		return nil, err
	}

	targets := DelayedTargets(b.Atoks)
	q := m.Config.Quantizers
	terms := make([]*autograd.Var, 0, q+1)
	weights := make([]float32, 0, q+1)

	for i := range q {
		ids := targets.StreamIDs(i)

		ce, _, err := tp.CrossEntropy(logits[i], ids, IgnoreIndex)
		if err != nil {
			return nil, fmt.Errorf("s2a: stream %d loss: %w", i, err)
		}

		w := float32(1)
		if training && i == 0 {
			w = firstStreamWeight
		}

		terms = append(terms, ce)
		weights = append(weights, w/float32(q))

		if !training && acc != nil {
			acc.observe(i, logits[i].Value.RawData(), ids)
		}
	}

	if training {
		ce, _, err := tp.CrossEntropy(aux, m.Config.auxTargets(b.OutStoks, b.Size), IgnoreIndex)
		if err != nil {
			return nil, fmt.Errorf("s2a: reconstruction loss: %w", err)
		}

		terms = append(terms, ce)
		weights = append(weights, auxLossWeight)
	}

	return tp.WeightedSum(terms, weights)
}
