package autograd

import (
	"fmt"
	"math"

	"github.com/example/go-s2a/internal/runtime/tensor"
)

// CrossEntropy returns the mean negative log-likelihood of targets under
// logits [..., V], skipping positions whose target equals ignore. When every
// target is ignored the result is an exact, gradient-free zero. The second
// result is the number of scored positions.
func (tp *Tape) CrossEntropy(logits *Var, targets []int32, ignore int32) (*Var, int, error) {
	v := logits.Value.Dim(-1)
	if v == 0 || logits.Value.ElemCount()/v != len(targets) {
		return nil, 0, fmt.Errorf("autograd: cross entropy: %d targets for logits %v", len(targets), logits.Value.Shape())
	}

	ld := logits.Value.RawData()
	probs := make([]float32, len(ld))
	count := 0

	var nll float64

	for r, tgt := range targets {
		if tgt == ignore {
			continue
		}

		if tgt < 0 || int(tgt) >= v {
			return nil, 0, fmt.Errorf("autograd: cross entropy target %d at %d out of range for %d classes", tgt, r, v)
		}

		row := probs[r*v : (r+1)*v]
		copy(row, ld[r*v:(r+1)*v])
		tensor.SoftmaxRow(row)

		p := float64(row[tgt])
		nll -= math.Log(max(p, math.SmallestNonzeroFloat32))
		count++
	}

	if count == 0 {
		zero, _ := tensor.Wrap([]float32{0}, []int64{})
		return Constant(zero), 0, nil
	}

	t, _ := tensor.Wrap([]float32{float32(nll / float64(count))}, []int64{})
	out := newOut(t)

	if tp.tracking(logits) {
		tp.push(out, func(g []float32) {
			dst := logits.gradData()
			scale := g[0] / float32(count)

			for r, tgt := range targets {
				if tgt == ignore {
					continue
				}

				row := probs[r*v : (r+1)*v]
				for j, p := range row {
					dst[r*v+j] += scale * p
				}

				dst[r*v+int(tgt)] -= scale
			}
		})
	}

	return out, count, nil
}
