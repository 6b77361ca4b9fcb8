package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-s2a/internal/runtime/tensor"
)

// RoPETable builds the cos/sin tables [maxSeq, dim/2] for rotary embeddings
// with the given base period.
func RoPETable(maxSeq, dim int64, base float64) (cos, sin *tensor.Tensor, err error) {
	if dim%2 != 0 {
		return nil, nil, fmt.Errorf("ops: rope dim must be even, got %d", dim)
	}

	if maxSeq <= 0 {
		return nil, nil, fmt.Errorf("ops: rope table length must be > 0, got %d", maxSeq)
	}

	half := int(dim / 2)
	cosData := make([]float32, int(maxSeq)*half)
	sinData := make([]float32, int(maxSeq)*half)

	for i := range half {
		freq := 1 / math.Pow(base, float64(i)/float64(half))
		for pos := range int(maxSeq) {
			angle := float64(pos) * freq
			cosData[pos*half+i] = float32(math.Cos(angle))
			sinData[pos*half+i] = float32(math.Sin(angle))
		}
	}

	shape := []int64{maxSeq, dim / 2}

	cos, err = tensor.Wrap(cosData, shape)
	if err != nil {
		return nil, nil, err
	}

	sin, err = tensor.Wrap(sinData, shape)
	if err != nil {
		return nil, nil, err
	}

	return cos, sin, nil
}

// RoPE applies rotary position embedding to the last dimension in interleaved
// pair format: (..., seq, dim) where dim must be even.
// cos/sin are expected as [max_seq, dim/2].
func RoPE(x, cos, sin *tensor.Tensor, pos int64) (*tensor.Tensor, error) {
	return rotate(x, cos, sin, pos, 1)
}

// RoPEBackward applies the inverse rotation, which is the gradient of RoPE
// with respect to its input.
func RoPEBackward(grad, cos, sin *tensor.Tensor, pos int64) (*tensor.Tensor, error) {
	return rotate(grad, cos, sin, pos, -1)
}

func rotate(x, cos, sin *tensor.Tensor, pos int64, sign float32) (*tensor.Tensor, error) {
	if x == nil || cos == nil || sin == nil {
		return nil, errors.New("ops: rope requires non-nil x/cos/sin")
	}

	if pos < 0 {
		return nil, errors.New("ops: rope position must be >= 0")
	}

	xShape := x.Shape()
	if len(xShape) < 2 {
		return nil, fmt.Errorf("ops: rope requires rank >= 2 input, got %d", len(xShape))
	}

	seq := xShape[len(xShape)-2]
	dim := xShape[len(xShape)-1]

	if dim%2 != 0 {
		return nil, fmt.Errorf("ops: rope last dimension must be even, got %d", dim)
	}

	half := dim / 2
	cosShape, sinShape := cos.Shape(), sin.Shape()

	if len(cosShape) != 2 || len(sinShape) != 2 {
		return nil, fmt.Errorf("ops: rope cos/sin must be rank 2, got %v and %v", cosShape, sinShape)
	}

	if cosShape[0] < pos+seq || sinShape[0] < pos+seq {
		return nil, fmt.Errorf("ops: rope cos/sin sequence length too small for pos=%d seq=%d", pos, seq)
	}

	if cosShape[1] != half || sinShape[1] != half {
		return nil, fmt.Errorf("ops: rope cos/sin width mismatch, want %d got %d and %d", half, cosShape[1], sinShape[1])
	}

	out := x.Clone()
	data := out.RawData()
	cd, sd := cos.RawData(), sin.RawData()
	s, d, h := int(seq), int(dim), int(half)

	for row := range len(data) / d {
		t := int(pos) + row%s
		trig := t * h
		v := data[row*d : (row+1)*d]

		for j := range h {
			a, b := v[2*j], v[2*j+1]
			c, sn := cd[trig+j], sign*sd[trig+j]
			v[2*j] = a*c - b*sn
			v[2*j+1] = a*sn + b*c
		}
	}

	return out, nil
}
