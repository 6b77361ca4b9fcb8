package tensor

import "fmt"

// BroadcastAdd performs element-wise add with NumPy-style broadcasting.
func BroadcastAdd(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, func(x, y float32) float32 { return x + y }, "add")
}

// BroadcastMul performs element-wise multiply with NumPy-style broadcasting.
func BroadcastMul(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, func(x, y float32) float32 { return x * y }, "mul")
}

func broadcastBinary(a, b *Tensor, fn func(x, y float32) float32, opName string) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: broadcast %s requires non-nil inputs", opName)
	}

	outShape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: broadcast %s: %w", opName, err)
	}

	aOff, err := BroadcastOffsets(a.shape, outShape)
	if err != nil {
		return nil, err
	}

	bOff, err := BroadcastOffsets(b.shape, outShape)
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(aOff))
	for i := range out {
		out[i] = fn(a.data[aOff[i]], b.data[bOff[i]])
	}

	return newOwned(out, outShape), nil
}

// BroadcastOffsets maps every element of outShape to the offset of the src
// element that broadcasting reads from. Gradient code uses it to scatter a
// broadcast result back onto its source.
func BroadcastOffsets(src, outShape []int64) ([]int, error) {
	if len(src) > len(outShape) {
		return nil, fmt.Errorf("tensor: cannot broadcast %v to %v", src, outShape)
	}

	padded := leftPadShape(src, len(outShape))
	for d := range padded {
		if padded[d] != 1 && padded[d] != outShape[d] {
			return nil, fmt.Errorf("tensor: cannot broadcast %v to %v", src, outShape)
		}
	}

	total, err := shapeElemCount(outShape)
	if err != nil {
		return nil, err
	}

	srcStrides := computeStrides(padded)
	for d := range padded {
		if padded[d] == 1 {
			srcStrides[d] = 0
		}
	}

	offsets := make([]int, total)
	coord := make([]int64, len(outShape))

	var off int64

	for i := range offsets {
		offsets[i] = int(off)

		for d := len(outShape) - 1; d >= 0; d-- {
			coord[d]++
			off += srcStrides[d]

			if coord[d] < outShape[d] {
				break
			}

			off -= coord[d] * srcStrides[d]
			coord[d] = 0
		}
	}

	return offsets, nil
}

func broadcastShape(a, b []int64) ([]int64, error) {
	outRank := max(len(a), len(b))

	out := make([]int64, outRank)
	for i := range outRank {
		ad := int64(1)
		if j := i - (outRank - len(a)); j >= 0 {
			ad = a[j]
		}

		bd := int64(1)
		if j := i - (outRank - len(b)); j >= 0 {
			bd = b[j]
		}

		switch {
		case ad == bd || ad == 1:
			out[i] = bd
		case bd == 1:
			out[i] = ad
		default:
			return nil, fmt.Errorf("cannot broadcast shapes %v and %v", a, b)
		}
	}

	return out, nil
}

func leftPadShape(shape []int64, rank int) []int64 {
	out := make([]int64, rank)
	pad := rank - len(shape)

	for i := range pad {
		out[i] = 1
	}

	copy(out[pad:], shape)

	return out
}
