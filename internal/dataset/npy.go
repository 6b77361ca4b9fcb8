package dataset

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// npyArray is a decoded numpy array flattened in row-major order.
type npyArray struct {
	shape []int
	data  []float64
}

func decodeNPY(raw []byte) (npyArray, error) {
	r, err := npyio.NewReader(bytes.NewReader(raw))
	if err != nil {
		return npyArray{}, fmt.Errorf("npy header: %w", err)
	}

	if r.Header.Descr.Fortran {
		return npyArray{}, fmt.Errorf("npy: fortran-ordered arrays are not supported")
	}

	shape := append([]int(nil), r.Header.Descr.Shape...)
	dtype := strings.TrimLeft(r.Header.Descr.Type, "<|=")

	var data []float64

	switch dtype {
	case "i1":
		data, err = readAs[int8](r)
	case "u1":
		data, err = readAs[uint8](r)
	case "i2":
		data, err = readAs[int16](r)
	case "u2":
		data, err = readAs[uint16](r)
	case "i4":
		data, err = readAs[int32](r)
	case "u4":
		data, err = readAs[uint32](r)
	case "i8":
		data, err = readAs[int64](r)
	case "f4":
		data, err = readAs[float32](r)
	case "f8":
		data, err = readAs[float64](r)
	default:
		return npyArray{}, fmt.Errorf("npy: unsupported dtype %q", r.Header.Descr.Type)
	}

	if err != nil {
		return npyArray{}, fmt.Errorf("npy data: %w", err)
	}

	return npyArray{shape: shape, data: data}, nil
}

func readAs[T int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | float32 | float64](r *npyio.Reader) ([]float64, error) {
	var vals []T
	if err := r.Read(&vals); err != nil {
		return nil, err
	}

	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = float64(v)
	}

	return out, nil
}

func (a npyArray) ints() []int32 {
	out := make([]int32, len(a.data))
	for i, v := range a.data {
		out[i] = int32(v)
	}

	return out
}

func (a npyArray) floats() []float32 {
	out := make([]float32, len(a.data))
	for i, v := range a.data {
		out[i] = float32(v)
	}

	return out
}

// rows splits a 2-D integer array into its rows.
func (a npyArray) rows() ([][]int32, error) {
	if len(a.shape) != 2 {
		return nil, fmt.Errorf("npy: want a 2-D array, got shape %v", a.shape)
	}

	ids := a.ints()
	out := make([][]int32, a.shape[0])

	for i := range out {
		out[i] = ids[i*a.shape[1] : (i+1)*a.shape[1]]
	}

	return out, nil
}

func hasNaN(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) {
			return true
		}
	}

	return false
}

// EncodeIDs serialises token ids as a 1-D int32 .npy array.
func EncodeIDs(ids []int32) ([]byte, error) {
	var buf bytes.Buffer
	if err := npyio.Write(&buf, ids); err != nil {
		return nil, fmt.Errorf("dataset: encode npy: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeIDs reads a .npy array of any integer or float dtype as token ids.
func DecodeIDs(raw []byte) ([]int32, error) {
	a, err := decodeNPY(raw)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}

	return a.ints(), nil
}

// DecodeFloats reads a .npy array as a flat float32 vector.
func DecodeFloats(raw []byte) ([]float32, error) {
	a, err := decodeNPY(raw)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}

	return a.floats(), nil
}

// EncodeGrid serialises equal-length token rows as a 2-D float64 .npy
// array, the layout ReadShard accepts for acoustic tokens.
func EncodeGrid(rows [][]int32) ([]byte, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("dataset: encode npy: empty grid")
	}

	width := len(rows[0])
	data := make([]float64, 0, len(rows)*width)

	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("dataset: encode npy: row %d has %d ids, want %d", i, len(row), width)
		}

		for _, v := range row {
			data = append(data, float64(v))
		}
	}

	var buf bytes.Buffer
	if err := npyio.Write(&buf, mat.NewDense(len(rows), width, data)); err != nil {
		return nil, fmt.Errorf("dataset: encode npy: %w", err)
	}

	return buf.Bytes(), nil
}
