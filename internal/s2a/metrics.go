package s2a

import "fmt"

// EvalAccumulator counts per-stream argmax hits during evaluation. It is
// owned by the evaluation loop; Drain reads and resets it.
type EvalAccumulator struct {
	correct []float64
	total   []float64
}

// NewEvalAccumulator tracks quantizers streams.
func NewEvalAccumulator(quantizers int) *EvalAccumulator {
	return &EvalAccumulator{
		correct: make([]float64, quantizers),
		total:   make([]float64, quantizers),
	}
}

// observe scores flattened logits [rows, V] against targets [rows].
func (a *EvalAccumulator) observe(stream int, logits []float32, targets []int32) {
	if len(targets) == 0 {
		return
	}

	v := len(logits) / len(targets)

	for r, tgt := range targets {
		if tgt == IgnoreIndex {
			continue
		}

		row := logits[r*v : (r+1)*v]
		best := 0

		for j, x := range row {
			if x > row[best] {
				best = j
			}
		}

		if int32(best) == tgt {
			a.correct[stream]++
		}

		a.total[stream]++
	}
}

// Accuracies returns the current per-stream accuracy without resetting.
// Streams with no scored positions report 0.
func (a *EvalAccumulator) Accuracies() []float64 {
	out := make([]float64, len(a.total))
	for i, n := range a.total {
		if n > 0 {
			out[i] = a.correct[i] / n
		}
	}

	return out
}

// Drain returns {"acc_i": accuracy} and resets every counter.
func (a *EvalAccumulator) Drain() map[string]float64 {
	out := make(map[string]float64, len(a.total))
	for i, acc := range a.Accuracies() {
		out[fmt.Sprintf("acc_%d", i)] = acc
	}

	clear(a.correct)
	clear(a.total)

	return out
}
