package s2a

import (
	"fmt"

	"github.com/example/go-s2a/internal/runtime/tensor"
)

type layerCache struct {
	selfK, selfV   *tensor.Tensor // [B, H, T, D], grown per step
	crossK, crossV *tensor.Tensor // [B, H, S, D], computed once per run
}

// KVCache holds decoder keys and values for incremental decoding. It belongs
// to a single generation run.
type KVCache struct {
	layers []layerCache
}

// NewKVCache allocates an empty cache for depth decoder layers.
func NewKVCache(depth int) *KVCache {
	return &KVCache{layers: make([]layerCache, depth)}
}

// Clear drops every cached projection.
func (c *KVCache) Clear() {
	for i := range c.layers {
		c.layers[i] = layerCache{}
	}
}

// Len is the number of cached self-attention positions.
func (c *KVCache) Len() int {
	if c == nil || len(c.layers) == 0 || c.layers[0].selfK == nil {
		return 0
	}

	return c.layers[0].selfK.Dim(2)
}

func (c *KVCache) layer(i int) (*layerCache, error) {
	if i < 0 || i >= len(c.layers) {
		return nil, fmt.Errorf("s2a: kv cache has %d layers, requested %d", len(c.layers), i)
	}

	return &c.layers[i], nil
}

func (lc *layerCache) appendKV(k, v *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if lc.selfK == nil {
		lc.selfK, lc.selfV = k, v
		return k, v, nil
	}

	nk, err := tensor.Concat([]*tensor.Tensor{lc.selfK, k}, 2)
	if err != nil {
		return nil, nil, fmt.Errorf("s2a: append cached keys: %w", err)
	}

	nv, err := tensor.Concat([]*tensor.Tensor{lc.selfV, v}, 2)
	if err != nil {
		return nil, nil, fmt.Errorf("s2a: append cached values: %w", err)
	}

	lc.selfK, lc.selfV = nk, nv

	return nk, nv, nil
}
