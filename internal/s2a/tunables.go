package s2a

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
)

// Tunables are the initialization and optimization knobs fixed at model
// construction and persisted with the weights.
type Tunables struct {
	InitStd           float64 `json:"init_std"`
	EmbeddingsStd     float64 `json:"embeddings_std"`
	EmbeddingsLRScale float64 `json:"embeddings_lr_scale"`
	OutputMult        float64 `json:"output_mult"`
	QueryMult         float64 `json:"query_mult"`
	EncoderDepthRatio float64 `json:"encoder_depth_ratio"`
	LinearHeads       bool    `json:"linear_heads"`
	Rope              bool    `json:"rope"`

	LR0              float64 `json:"lr0"`
	ClipGradientNorm float64 `json:"clip_gradient_norm"`
	WeightDecay      float64 `json:"weight_decay"`
	WarmupSteps      float64 `json:"warmup_steps"`
}

// DefaultTunables returns the reference hyper-parameters.
func DefaultTunables() Tunables {
	return Tunables{
		InitStd:           9,
		EmbeddingsStd:     0.2,
		EmbeddingsLRScale: 10,
		OutputMult:        5.6,
		QueryMult:         0.3,
		EncoderDepthRatio: 0.25,
		LinearHeads:       false,
		Rope:              true,
		LR0:               3e-3,
		ClipGradientNorm:  2,
		WeightDecay:       1e-3,
		WarmupSteps:       2000,
	}
}

// Randomize draws a point of the hyper-parameter search space.
func Randomize(rng *rand.Rand) Tunables {
	uniform := func(lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }

	t := DefaultTunables()
	t.InitStd = 2 * math.Pow(10, uniform(0, 1))
	t.EmbeddingsStd = math.Pow(10, uniform(-1.7, -0.22))
	t.EmbeddingsLRScale = math.Pow(2, uniform(2, 4))
	t.OutputMult = math.Pow(2, uniform(1.5, 3))
	t.QueryMult = math.Pow(2, uniform(-3, -1.3))
	t.EncoderDepthRatio = []float64{0.25, 0.5}[rng.IntN(2)]
	t.ClipGradientNorm = math.Pow(10, uniform(-1, 1))
	t.WarmupSteps = 100 * math.Pow(10, uniform(1.18, 1.3))

	return t
}

// legacyDefaults are the values assumed for keys that predate them in saved
// tunables: models from before rotary positions used sinusoids, and models
// from before tied heads used separate output matrices.
var legacyDefaults = map[string]any{
	"rope":         false,
	"linear_heads": true,
}

// UpgradeTunables decodes persisted tunables. Keys missing from raw take
// their legacy value when one is defined and the current default otherwise.
func UpgradeTunables(raw []byte) (Tunables, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Tunables{}, fmt.Errorf("s2a: decode tunables: %w", err)
	}

	for key, value := range legacyDefaults {
		if _, ok := fields[key]; ok {
			continue
		}

		enc, _ := json.Marshal(value)
		fields[key] = enc
	}

	upgraded, err := json.Marshal(fields)
	if err != nil {
		return Tunables{}, fmt.Errorf("s2a: re-encode tunables: %w", err)
	}

	t := DefaultTunables()
	if err := json.Unmarshal(upgraded, &t); err != nil {
		return Tunables{}, fmt.Errorf("s2a: decode tunables: %w", err)
	}

	return t, nil
}
