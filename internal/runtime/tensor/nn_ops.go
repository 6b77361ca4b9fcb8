package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Softmax applies softmax along dim.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}

	if len(x.shape) == 0 {
		return nil, errors.New("tensor: softmax requires rank >= 1")
	}

	dim, err := normalizeDim(dim, len(x.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	axis := x.shape[dim]
	if axis <= 0 {
		return nil, fmt.Errorf("tensor: softmax axis dimension must be > 0, got %d", axis)
	}

	out := x.Clone()
	outer, inner := outerInner(x.shape, dim)

	if inner == 1 {
		for o := range outer {
			SoftmaxRow(out.data[o*axis : (o+1)*axis])
		}

		return out, nil
	}

	col := make([]float32, axis)

	for o := range outer {
		for in := range inner {
			base := o*axis*inner + in
			for k := range axis {
				col[k] = out.data[base+k*inner]
			}

			SoftmaxRow(col)

			for k := range axis {
				out.data[base+k*inner] = col[k]
			}
		}
	}

	return out, nil
}

// SoftmaxRow normalizes row in place. -Inf entries get probability 0; a row
// of only -Inf becomes all zeros.
func SoftmaxRow(row []float32) {
	maxV := float32(math.Inf(-1))
	for _, v := range row {
		if v > maxV {
			maxV = v
		}
	}

	if math.IsInf(float64(maxV), -1) {
		for i := range row {
			row[i] = 0
		}

		return
	}

	var sum float64

	for i, v := range row {
		e := math.Exp(float64(v - maxV))
		row[i] = float32(e)
		sum += e
	}

	inv := float32(1 / sum)
	for i := range row {
		row[i] *= inv
	}
}

// NormStats holds the per-row statistics of a LayerNorm forward pass.
type NormStats struct {
	Mean   []float32
	InvStd []float32
}

// LayerNorm normalizes the last dimension and applies optional weight/bias.
func LayerNorm(x, weight, bias *Tensor, eps float32) (*Tensor, error) {
	out, _, err := LayerNormWithStats(x, weight, bias, eps)
	return out, err
}

// LayerNormWithStats is LayerNorm that also returns the row statistics
// needed to differentiate it.
func LayerNormWithStats(x, weight, bias *Tensor, eps float32) (*Tensor, NormStats, error) {
	if x == nil {
		return nil, NormStats{}, errors.New("tensor: layernorm input is nil")
	}

	if x.Rank() < 1 {
		return nil, NormStats{}, errors.New("tensor: layernorm requires rank >= 1")
	}

	if eps <= 0 {
		return nil, NormStats{}, errors.New("tensor: layernorm eps must be > 0")
	}

	d := x.shape[len(x.shape)-1]
	if d <= 0 {
		return nil, NormStats{}, errors.New("tensor: layernorm last dimension must be > 0")
	}

	for _, p := range []*Tensor{weight, bias} {
		if p != nil && (p.Rank() != 1 || p.shape[0] != d) {
			return nil, NormStats{}, fmt.Errorf("tensor: layernorm parameter shape %v does not match last dimension %d", p.shape, d)
		}
	}

	dd := int(d)
	rows := len(x.data) / dd
	out := make([]float32, len(x.data))
	stats := NormStats{Mean: make([]float32, rows), InvStd: make([]float32, rows)}

	parallelFor(rows, getWorkers(), func(lo, hi int) {
		for r := lo; r < hi; r++ {
			src := x.data[r*dd : (r+1)*dd]
			dst := out[r*dd : (r+1)*dd]

			var mean float64
			for _, v := range src {
				mean += float64(v)
			}

			mean /= float64(dd)

			var variance float64

			for _, v := range src {
				delta := float64(v) - mean
				variance += delta * delta
			}

			variance /= float64(dd)
			invStd := float32(1 / math.Sqrt(variance+float64(eps)))
			stats.Mean[r] = float32(mean)
			stats.InvStd[r] = invStd

			for i, v := range src {
				n := (v - float32(mean)) * invStd
				if weight != nil {
					n *= weight.data[i]
				}

				if bias != nil {
					n += bias.data[i]
				}

				dst[i] = n
			}
		}
	})

	return newOwned(out, append([]int64(nil), x.shape...)), stats, nil
}

// MatMul performs batched matrix multiplication with broadcasting over batch dims.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul requires non-nil inputs")
	}

	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, fmt.Errorf("tensor: matmul requires rank >= 2, got %d and %d", a.Rank(), b.Rank())
	}

	aRank, bRank := len(a.shape), len(b.shape)
	m, k := a.shape[aRank-2], a.shape[aRank-1]
	k2, n := b.shape[bRank-2], b.shape[bRank-1]

	if k != k2 {
		return nil, fmt.Errorf("tensor: matmul mismatch: A shape %v and B shape %v (K dims %d vs %d)", a.shape, b.shape, k, k2)
	}

	batchShape, err := broadcastShape(a.shape[:aRank-2], b.shape[:bRank-2])
	if err != nil {
		return nil, fmt.Errorf("tensor: matmul batch broadcast: %w", err)
	}

	aIdx, err := BroadcastOffsets(a.shape[:aRank-2], batchShape)
	if err != nil {
		return nil, err
	}

	bIdx, err := BroadcastOffsets(b.shape[:bRank-2], batchShape)
	if err != nil {
		return nil, err
	}

	mi, ni, ki := int(m), int(n), int(k)
	out := make([]float32, len(aIdx)*mi*ni)

	for i := range aIdx {
		Gemm(false, false, mi, ni, ki, 1,
			a.data[aIdx[i]*mi*ki:], ki,
			b.data[bIdx[i]*ki*ni:], ni,
			0, out[i*mi*ni:], ni)
	}

	outShape := append(append([]int64(nil), batchShape...), m, n)

	return newOwned(out, outShape), nil
}

// Linear applies y = x * W^T + b where weight shape is [out, in].
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear requires non-nil x and weight")
	}

	if x.Rank() < 1 {
		return nil, errors.New("tensor: linear requires x rank >= 1")
	}

	if weight.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be rank 2, got %d", weight.Rank())
	}

	in := int(x.shape[x.Rank()-1])
	out := int(weight.shape[0])

	if int(weight.shape[1]) != in {
		return nil, fmt.Errorf("tensor: linear mismatch: x last dim %d, weight in dim %d", in, weight.shape[1])
	}

	if bias != nil && (bias.Rank() != 1 || int(bias.shape[0]) != out) {
		return nil, fmt.Errorf("tensor: linear bias shape %v does not match out dim %d", bias.shape, out)
	}

	rows := 0
	if in > 0 {
		rows = len(x.data) / in
	}

	y := make([]float32, rows*out)
	if bias != nil {
		for r := range rows {
			copy(y[r*out:(r+1)*out], bias.data)
		}
	}

	Gemm(false, true, rows, out, in, 1, x.data, max(in, 1), weight.data, max(in, 1), 1, y, max(out, 1))

	outShape := append([]int64(nil), x.shape...)
	outShape[len(outShape)-1] = int64(out)

	return newOwned(y, outShape), nil
}

// GELU applies the exact (erf) GELU element-wise.
func GELU(x *Tensor) *Tensor {
	out := x.Clone()
	for i, v := range out.data {
		out.data[i] = GELUScalar(v)
	}

	return out
}

// GELUScalar is 0.5*x*(1+erf(x/sqrt(2))).
func GELUScalar(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
}
