package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-s2a/internal/runtime/tensor"
)

// CausalMask sets positions where key index > query index + offset to -Inf.
// Expected input shape: [..., query, key].
func CausalMask(scores *tensor.Tensor, offset int64) (*tensor.Tensor, error) {
	if scores == nil {
		return nil, errors.New("ops: causal mask scores is nil")
	}

	shape := scores.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("ops: causal mask requires rank >= 2, got %d", len(shape))
	}

	q := int(shape[len(shape)-2])

	k := int(shape[len(shape)-1])
	if q <= 0 || k <= 0 {
		return nil, fmt.Errorf("ops: causal mask requires positive query/key dims, got %d and %d", q, k)
	}

	out := scores.Clone()
	data := out.RawData()

	for b := range len(data) / (q * k) {
		maskBlock(data[b*q*k:(b+1)*q*k], q, k, offset)
	}

	return out, nil
}

func maskBlock(block []float32, q, k int, offset int64) {
	negInf := float32(math.Inf(-1))

	for qi := range q {
		first := max(int64(qi)+offset+1, 0)
		row := block[qi*k : (qi+1)*k]

		for ki := int(min(first, int64(k))); ki < k; ki++ {
			row[ki] = negInf
		}
	}
}

// AttentionOptions configures ScaledAttention.
type AttentionOptions struct {
	Causal bool
	// Offset is the absolute position of query row 0 relative to key 0.
	Offset int64
	// Scale multiplies q·k; zero selects 1/sqrt(depth).
	Scale float32
}

type attnDims struct {
	blocks, tq, tk, d, dv int
}

func checkAttention(q, k, v *tensor.Tensor) (attnDims, error) {
	if q == nil || k == nil || v == nil {
		return attnDims{}, errors.New("ops: attention requires non-nil q/k/v")
	}

	qShape := q.Shape()
	kShape := k.Shape()

	vShape := v.Shape()
	if len(qShape) < 2 || len(kShape) < 2 || len(vShape) < 2 {
		return attnDims{}, errors.New("ops: attention requires rank >= 2 inputs")
	}

	dims := attnDims{
		tq: int(qShape[len(qShape)-2]),
		tk: int(kShape[len(kShape)-2]),
		d:  int(qShape[len(qShape)-1]),
		dv: int(vShape[len(vShape)-1]),
	}

	if int64(dims.d) != kShape[len(kShape)-1] {
		return attnDims{}, fmt.Errorf("ops: attention q/k depth mismatch %d vs %d", dims.d, kShape[len(kShape)-1])
	}

	if kShape[len(kShape)-2] != vShape[len(vShape)-2] {
		return attnDims{}, fmt.Errorf("ops: attention key/value sequence mismatch %d vs %d", kShape[len(kShape)-2], vShape[len(vShape)-2])
	}

	if dims.tq == 0 || dims.d == 0 {
		return attnDims{}, fmt.Errorf("ops: attention requires non-empty queries, got shape %v", qShape)
	}

	dims.blocks = q.ElemCount() / (dims.tq * dims.d)
	if dims.tk > 0 && (k.ElemCount()/(dims.tk*dims.d) != dims.blocks || v.ElemCount()/(dims.tk*max(dims.dv, 1)) != dims.blocks) {
		return attnDims{}, fmt.Errorf("ops: attention batch mismatch q %v k %v v %v", qShape, kShape, vShape)
	}

	return dims, nil
}

// Attention computes scaled dot-product attention with the default
// 1/sqrt(depth) scale.
// q shape: [..., tq, d], k shape: [..., tk, d], v shape: [..., tk, dv]
// output: [..., tq, dv]
func Attention(q, k, v *tensor.Tensor, causal bool, offset int64) (*tensor.Tensor, error) {
	out, _, err := ScaledAttention(q, k, v, AttentionOptions{Causal: causal, Offset: offset})
	return out, err
}

// ScaledAttention is Attention with an explicit scale. It also returns the
// softmax probabilities [..., tq, tk] for AttentionBackward. Leading
// dimensions of q, k and v must match exactly.
func ScaledAttention(q, k, v *tensor.Tensor, opts AttentionOptions) (*tensor.Tensor, *tensor.Tensor, error) {
	dims, err := checkAttention(q, k, v)
	if err != nil {
		return nil, nil, err
	}

	scale := opts.Scale
	if scale == 0 {
		scale = float32(1 / math.Sqrt(float64(dims.d)))
	}

	qd, kd, vd := q.RawData(), k.RawData(), v.RawData()
	probs := make([]float32, dims.blocks*dims.tq*dims.tk)
	out := make([]float32, dims.blocks*dims.tq*dims.dv)

	tensor.ParallelFor(dims.blocks, func(lo, hi int) {
		for b := lo; b < hi; b++ {
			pb := probs[b*dims.tq*dims.tk : (b+1)*dims.tq*dims.tk]
			qb := qd[b*dims.tq*dims.d:]
			kb := kd[b*dims.tk*dims.d:]
			vb := vd[b*dims.tk*dims.dv:]

			tensor.Gemm(false, true, dims.tq, dims.tk, dims.d, scale, qb, dims.d, kb, dims.d, 0, pb, max(dims.tk, 1))

			if opts.Causal {
				maskBlock(pb, dims.tq, dims.tk, opts.Offset)
			}

			for r := range dims.tq {
				tensor.SoftmaxRow(pb[r*dims.tk : (r+1)*dims.tk])
			}

			tensor.Gemm(false, false, dims.tq, dims.dv, dims.tk, 1, pb, max(dims.tk, 1), vb, max(dims.dv, 1), 0, out[b*dims.tq*dims.dv:], max(dims.dv, 1))
		}
	})

	qShape := q.Shape()

	outShape := append([]int64(nil), qShape...)
	outShape[len(outShape)-1] = int64(dims.dv)

	probShape := append([]int64(nil), qShape...)
	probShape[len(probShape)-1] = int64(dims.tk)

	outT, err := tensor.Wrap(out, outShape)
	if err != nil {
		return nil, nil, err
	}

	probT, err := tensor.Wrap(probs, probShape)
	if err != nil {
		return nil, nil, err
	}

	return outT, probT, nil
}

// AttentionBackward returns the gradients of ScaledAttention with respect to
// q, k and v given the upstream gradient dOut and the forward probabilities.
func AttentionBackward(q, k, v, probs, dOut *tensor.Tensor, scale float32) (dq, dk, dv *tensor.Tensor, err error) {
	dims, err := checkAttention(q, k, v)
	if err != nil {
		return nil, nil, nil, err
	}

	if probs == nil || dOut == nil {
		return nil, nil, nil, errors.New("ops: attention backward requires probabilities and output gradient")
	}

	if probs.ElemCount() != dims.blocks*dims.tq*dims.tk || dOut.ElemCount() != dims.blocks*dims.tq*dims.dv {
		return nil, nil, nil, fmt.Errorf("ops: attention backward shape mismatch probs %v dOut %v", probs.Shape(), dOut.Shape())
	}

	if scale == 0 {
		scale = float32(1 / math.Sqrt(float64(dims.d)))
	}

	qd, kd, vd := q.RawData(), k.RawData(), v.RawData()
	pd, god := probs.RawData(), dOut.RawData()
	gq := make([]float32, len(qd))
	gk := make([]float32, len(kd))
	gv := make([]float32, len(vd))

	tk, dvW := max(dims.tk, 1), max(dims.dv, 1)

	tensor.ParallelFor(dims.blocks, func(lo, hi int) {
		ds := make([]float32, dims.tq*dims.tk)

		for b := lo; b < hi; b++ {
			pb := pd[b*dims.tq*dims.tk:]
			gob := god[b*dims.tq*dims.dv:]
			qb := qd[b*dims.tq*dims.d:]
			kb := kd[b*dims.tk*dims.d:]
			vb := vd[b*dims.tk*dims.dv:]

			// dV = P^T dO
			tensor.Gemm(true, false, dims.tk, dims.dv, dims.tq, 1, pb, tk, gob, dvW, 0, gv[b*dims.tk*dims.dv:], dvW)
			// dP = dO V^T
			tensor.Gemm(false, true, dims.tq, dims.tk, dims.dv, 1, gob, dvW, vb, dvW, 0, ds, tk)

			for r := range dims.tq {
				prow := pb[r*dims.tk : (r+1)*dims.tk]
				drow := ds[r*dims.tk : (r+1)*dims.tk]

				var dot float32
				for j := range prow {
					dot += prow[j] * drow[j]
				}

				for j := range prow {
					drow[j] = prow[j] * (drow[j] - dot)
				}
			}

			tensor.Gemm(false, false, dims.tq, dims.d, dims.tk, scale, ds, tk, kb, dims.d, 0, gq[b*dims.tq*dims.d:], dims.d)
			tensor.Gemm(true, false, dims.tk, dims.d, dims.tq, scale, ds, tk, qb, dims.d, 0, gk[b*dims.tk*dims.d:], dims.d)
		}
	})

	dq, err = tensor.Wrap(gq, q.Shape())
	if err != nil {
		return nil, nil, nil, err
	}

	dk, err = tensor.Wrap(gk, k.Shape())
	if err != nil {
		return nil, nil, nil, err
	}

	dv, err = tensor.Wrap(gv, v.Shape())
	if err != nil {
		return nil, nil, nil, err
	}

	return dq, dk, dv, nil
}
