package ops

import "fmt"

// Tolerance defines acceptable numeric drift between two evaluations of the
// same computation.
type Tolerance struct {
	Abs float64
	Rel float64
}

// KernelTolerances lists the drift allowed per kernel when comparing fused
// and reference paths, incremental and full decoding, or analytic and
// finite-difference gradients.
var KernelTolerances = map[string]Tolerance{
	"matmul":      {Abs: 1e-4, Rel: 1e-4},
	"linear":      {Abs: 1e-4, Rel: 1e-4},
	"softmax":     {Abs: 1e-4, Rel: 1e-4},
	"layer_norm":  {Abs: 1e-4, Rel: 1e-4},
	"causal_mask": {Abs: 0, Rel: 0},
	"rope":        {Abs: 2e-4, Rel: 2e-4},
	"attention":   {Abs: 2e-4, Rel: 2e-4},
	"incremental": {Abs: 1e-3, Rel: 1e-3},
	"gradient":    {Abs: 2e-2, Rel: 5e-2},
}

func KernelTolerance(name string) (Tolerance, error) {
	t, ok := KernelTolerances[name]
	if !ok {
		return Tolerance{}, fmt.Errorf("ops: no tolerance configured for kernel %q", name)
	}

	return t, nil
}

// Within reports whether got is within tol of want.
func (t Tolerance) Within(got, want float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}

	scale := want
	if scale < 0 {
		scale = -scale
	}

	return diff <= t.Abs+t.Rel*scale
}
