package optim

import (
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/example/go-s2a/internal/s2a"
)

// GradNorm is the L2 norm over every accumulated gradient.
func GradNorm(params []*s2a.Param) float64 {
	sum := 0.0

	for _, p := range params {
		if p.Var.Grad == nil {
			continue
		}

		g := p.Var.Grad.RawData()
		n := float64(blas32.Nrm2(blas32.Vector{N: len(g), Inc: 1, Data: g}))
		sum += n * n
	}

	return math.Sqrt(sum)
}

// ClipGradNorm rescales all gradients so their combined norm is at most
// maxNorm. It returns the norm before clipping. maxNorm <= 0 disables
// clipping.
func ClipGradNorm(params []*s2a.Param, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm || norm == 0 {
		return norm
	}

	s := float32(maxNorm / norm)

	for _, p := range params {
		if p.Var.Grad == nil {
			continue
		}

		g := p.Var.Grad.RawData()
		blas32.Scal(s, blas32.Vector{N: len(g), Inc: 1, Data: g})
	}

	return norm
}
