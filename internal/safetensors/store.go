package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
)

// metadataKey is the reserved header entry holding free-form string pairs.
const metadataKey = "__metadata__"

// ErrEmpty reports a file whose header lists no tensors at all.
var ErrEmpty = errors.New("safetensors: no tensors found")

type dtype string

const (
	dtypeF32  dtype = "F32"
	dtypeF16  dtype = "F16"
	dtypeBF16 dtype = "BF16"
)

func (d dtype) size() (int, error) {
	switch d {
	case dtypeF32:
		return 4, nil
	case dtypeF16, dtypeBF16:
		return 2, nil
	}

	return 0, fmt.Errorf("unsupported dtype %q", string(d))
}

// Store indexes the tensors of one safetensors file. Tensor data is decoded
// to float32 on access.
type Store struct {
	raw      []byte
	entries  map[string]entry
	metadata map[string]string
}

type entry struct {
	dtype dtype
	shape []int64
	data  []byte
}

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// OpenStore reads path and indexes its header.
func OpenStore(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	s, err := decodeStore(raw)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}

	return s, nil
}

func decodeStore(raw []byte) (*Store, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(raw))
	}

	n := binary.LittleEndian.Uint64(raw[:8])
	if n > uint64(len(raw)-8) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", n, len(raw))
	}

	body := 8 + int(n)

	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:body], &header); err != nil {
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	s := &Store{raw: raw, entries: make(map[string]entry, len(header))}

	for name, msg := range header {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &s.metadata); err != nil {
				return nil, fmt.Errorf("safetensors: decode metadata: %w", err)
			}

			continue
		}

		var h headerEntry
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: decode header entry: %w", name, err)
		}

		e, err := h.resolve(raw[body:])
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		s.entries[name] = e
	}

	if len(s.entries) == 0 {
		return nil, ErrEmpty
	}

	return s, nil
}

// resolve validates h against the data section and slices out its bytes.
func (h headerEntry) resolve(data []byte) (entry, error) {
	dt := dtype(strings.ToUpper(h.DType))

	width, err := dt.size()
	if err != nil {
		return entry{}, err
	}

	count, err := elements(h.Shape)
	if err != nil {
		return entry{}, err
	}

	start, end := h.Offsets[0], h.Offsets[1]
	if start < 0 || end < start || end > len(data) {
		return entry{}, fmt.Errorf("data offsets %v outside a %d byte data section", h.Offsets, len(data))
	}

	if need := int(count) * width; end-start < need {
		return entry{}, fmt.Errorf("shape %v needs %d bytes of %s, have %d", h.Shape, need, dt, end-start)
	}

	return entry{dtype: dt, shape: slices.Clone(h.Shape), data: data[start:end]}, nil
}

// Scoped returns a view of the tensors named prefix+X, exposed as X. The
// view shares data and metadata with s and may be empty.
func (s *Store) Scoped(prefix string) *Store {
	out := &Store{raw: s.raw, entries: map[string]entry{}, metadata: s.metadata}

	for name, e := range s.entries {
		if rest, ok := strings.CutPrefix(name, prefix); ok && rest != "" {
			out.entries[rest] = e
		}
	}

	return out
}

// Metadata returns a copy of the __metadata__ string map.
func (s *Store) Metadata() map[string]string {
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}

	return out
}

func (s *Store) MetadataValue(key string) (string, bool) {
	v, ok := s.metadata[key]
	return v, ok
}

// Names lists tensor names in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

func (s *Store) Tensor(name string) (*Tensor, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (have %s)", name, summarize(s.Names()))
	}

	data, err := e.decode()
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	return &Tensor{Name: name, Shape: slices.Clone(e.shape), Data: data}, nil
}

// TensorWithShape is Tensor with a shape check.
func (s *Store) TensorWithShape(name string, want []int64) (*Tensor, error) {
	t, err := s.Tensor(name)
	if err != nil {
		return nil, err
	}

	if !slices.Equal(t.Shape, want) {
		return nil, fmt.Errorf("safetensors: tensor %q has shape %v, want %v", name, t.Shape, want)
	}

	return t, nil
}

func (s *Store) Close() {
	s.raw = nil
	s.entries = nil
	s.metadata = nil
}

func (e entry) decode() ([]float32, error) {
	count, err := elements(e.shape)
	if err != nil {
		return nil, err
	}

	out := make([]float32, count)

	switch e.dtype {
	case dtypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(e.data[4*i:]))
		}
	case dtypeF16:
		for i := range out {
			out[i] = halfToFloat(binary.LittleEndian.Uint16(e.data[2*i:]))
		}
	case dtypeBF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(e.data[2*i:])) << 16)
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q", string(e.dtype))
	}

	return out, nil
}

// elements is the product of shape, rejecting negative or overflowing dims.
func elements(shape []int64) (int64, error) {
	total := int64(1)

	for _, d := range shape {
		switch {
		case d < 0:
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		case d == 0:
			return 0, nil
		case total > math.MaxInt32/d:
			return 0, fmt.Errorf("shape %v is too large", shape)
		}

		total *= d
	}

	return total, nil
}

// halfToFloat widens an IEEE 754 binary16 value.
func halfToFloat(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := int32(h>>10) & 0x1f
	frac := uint32(h & 0x3ff)

	switch {
	case exp == 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal
		exp = 1
		for frac&0x400 == 0 {
			frac <<= 1
			exp--
		}

		frac &= 0x3ff
	}

	return math.Float32frombits(sign | uint32(exp+112)<<23 | frac<<13)
}

func summarize(names []string) string {
	const show = 8

	switch {
	case len(names) == 0:
		return "none"
	case len(names) > show:
		return strings.Join(names[:show], ", ") + ", ..."
	}

	return strings.Join(names, ", ")
}
