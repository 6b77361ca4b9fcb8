package safetensors

import (
	"fmt"
)

// Tensor holds a single tensor loaded from a safetensors file.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// LoadMatrix loads a rank-2 tensor, such as a codebook exported from a
// quantizer. An empty name selects the first tensor in name order.
func LoadMatrix(path, name string) (*Tensor, error) {
	store, err := OpenStore(path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if name == "" {
		name = store.Names()[0]
	}

	return matrix(path, store, name)
}

// LoadMatrices loads every tensor of path in name order, each of which must
// be rank 2. Per-quantizer codebooks are stored this way.
func LoadMatrices(path string) ([]*Tensor, error) {
	store, err := OpenStore(path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	names := store.Names()
	out := make([]*Tensor, 0, len(names))

	for _, name := range names {
		t, err := matrix(path, store, name)
		if err != nil {
			return nil, err
		}

		out = append(out, t)
	}

	return out, nil
}

func matrix(path string, store *Store, name string) (*Tensor, error) {
	t, err := store.Tensor(name)
	if err != nil {
		return nil, err
	}

	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("safetensors: %s: tensor %q has shape %v, want a matrix", path, name, t.Shape)
	}

	return t, nil
}
