// Package s2a implements the semantic-to-acoustic token transformer: a
// non-causal encoder over semantic tokens and an autoregressive decoder that
// predicts several acoustic codebooks at once using the delay-sum scheme.
package s2a

import (
	"errors"
	"fmt"
	"sort"
)

const (
	// IgnoreIndex marks a target position that contributes no loss.
	IgnoreIndex int32 = -100
	// SpecialCodes is the number of special rows appended to every acoustic
	// codebook: the end/pad token and the unfilled sentinel.
	SpecialCodes = 2

	// AtoksPerSecond and StoksPerSecond fix the time ratio of the two token
	// streams for 30 second training windows.
	AtoksPerSecond = 75
	StoksPerSecond = 25
	WindowSeconds  = 30
)

// SemanticLayout selects how semantic ids are mapped onto encoder positions.
type SemanticLayout int

const (
	// Layout25Hz embeds 25 tok/s ids as-is.
	Layout25Hz SemanticLayout = iota
	// Layout50HzInterleaved turns each pair (a, b) of 50 tok/s ids into
	// (a, pad, b) to reach the 75 tok/s acoustic rate.
	Layout50HzInterleaved
)

func (l SemanticLayout) String() string {
	if l == Layout50HzInterleaved {
		return "50hz-interleaved"
	}

	return "25hz"
}

// Config holds the structural hyper-parameters persisted with a model.
type Config struct {
	Depth      int `json:"depth"`
	NHead      int `json:"n_head"`
	HeadWidth  int `json:"head_width"`
	FFNMult    int `json:"ffn_mult"`
	Quantizers int `json:"quantizers"`
	Codes      int `json:"codes"`
	CtxN       int `json:"ctx_n"`
	StoksLen   int `json:"stoks_len"`
	StoksCodes int `json:"stoks_codes"`
	// Zero widths mean "same as the model width".
	StoksWidth int `json:"stoks_width,omitempty"`
	SpkWidth   int `json:"spk_width,omitempty"`
	AtoksWidth int `json:"atoks_width,omitempty"`
	// CrossKeySubsampling keeps every n-th encoder position as a
	// cross-attention key.
	CrossKeySubsampling int `json:"cross_key_subsampling"`
}

// DefaultConfig returns the 3-layer, 3-head base configuration.
func DefaultConfig() Config {
	return Config{
		Depth:               3,
		NHead:               3,
		HeadWidth:           64,
		FFNMult:             4,
		Quantizers:          8,
		Codes:               1024,
		CtxN:                AtoksPerSecond * WindowSeconds,
		StoksLen:            StoksPerSecond * WindowSeconds,
		StoksCodes:          4097,
		CrossKeySubsampling: 3,
	}
}

var sizePresets = map[string]func(*Config){
	"micro":       func(c *Config) { c.Depth, c.NHead, c.FFNMult = 4, 3, 2 },
	"tiny-narrow": func(c *Config) { c.Depth, c.NHead, c.FFNMult = 4, 6, 1 },
	"tiny":        func(c *Config) { c.Depth, c.NHead = 4, 6 },
	"base":        func(c *Config) { c.Depth, c.NHead = 6, 8 },
	"base-deep":   func(c *Config) { c.Depth, c.NHead = 9, 8 },
	"base-wide":   func(c *Config) { c.Depth, c.NHead = 6, 12 },
	"small/2":     func(c *Config) { c.Depth, c.NHead = 9, 12 },
	"small":       func(c *Config) { c.Depth, c.NHead = 12, 12 },
	"medium":      func(c *Config) { c.Depth, c.NHead = 24, 16 },
}

// Sizes lists the named presets accepted by ConfigForSize.
func Sizes() []string {
	names := make([]string, 0, len(sizePresets))
	for name := range sizePresets {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// ConfigForSize returns DefaultConfig adjusted to a named size preset.
func ConfigForSize(size string, quantizers int) (Config, error) {
	preset, ok := sizePresets[size]
	if !ok {
		return Config{}, fmt.Errorf("s2a: unknown model size %q (want one of %v)", size, Sizes())
	}

	cfg := DefaultConfig()
	preset(&cfg)

	if quantizers > 0 {
		cfg.Quantizers = quantizers
	}

	return cfg, nil
}

// Width is the residual stream width.
func (c Config) Width() int { return c.NHead * c.HeadWidth }

// BaseWidth is the reference width the learning rate and output scaling are
// normalized against.
func (c Config) BaseWidth() int { return 3 * c.HeadWidth }

// EncoderDepth and DecoderDepth split 2*Depth blocks by the tunable ratio.
func (c Config) EncoderDepth(t Tunables) int {
	return int(float64(c.Depth*2) * t.EncoderDepthRatio)
}

func (c Config) DecoderDepth(t Tunables) int {
	return c.Depth*2 - c.EncoderDepth(t)
}

// Layout reports the semantic layout implied by StoksLen.
func (c Config) Layout() SemanticLayout {
	if c.StoksLen == 1500 {
		return Layout50HzInterleaved
	}

	return Layout25Hz
}

// EncoderLen is the number of encoder positions after layout expansion.
func (c Config) EncoderLen() int {
	if c.Layout() == Layout50HzInterleaved {
		return c.StoksLen / 2 * 3
	}

	return c.StoksLen
}

// EndToken is the acoustic end/pad id; UnfilledToken marks grid cells the
// sampler has not written yet.
func (c Config) EndToken() int32      { return int32(c.Codes) }
func (c Config) UnfilledToken() int32 { return int32(c.Codes + 1) }

// SemanticPad is the semantic id used for padding and the leading shift.
func (c Config) SemanticPad() int32 { return int32(c.StoksCodes - 1) }

func (c Config) stoksWidth() int { return orWidth(c.StoksWidth, c.Width()) }
func (c Config) spkWidth() int   { return orWidth(c.SpkWidth, c.Width()) }
func (c Config) atoksWidth() int { return orWidth(c.AtoksWidth, c.Width()) }

// SpeakerWidth is the length of the speaker embedding Generate expects.
func (c Config) SpeakerWidth() int { return c.spkWidth() }

func orWidth(w, fallback int) int {
	if w <= 0 {
		return fallback
	}

	return w
}

// Validate checks structural consistency.
func (c Config) Validate(t Tunables) error {
	var errs []error

	positive := map[string]int{
		"depth": c.Depth, "n_head": c.NHead, "head_width": c.HeadWidth, "ffn_mult": c.FFNMult,
		"quantizers": c.Quantizers, "codes": c.Codes, "ctx_n": c.CtxN, "stoks_len": c.StoksLen,
		"stoks_codes": c.StoksCodes, "cross_key_subsampling": c.CrossKeySubsampling,
	}
	for _, name := range []string{"depth", "n_head", "head_width", "ffn_mult", "quantizers", "codes", "ctx_n", "stoks_len", "stoks_codes", "cross_key_subsampling"} {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", name, positive[name]))
		}
	}

	if t.Rope && c.HeadWidth%2 != 0 {
		errs = append(errs, fmt.Errorf("head_width must be even with rotary embeddings, got %d", c.HeadWidth))
	}

	if c.Layout() == Layout50HzInterleaved && c.StoksCodes <= c.Codes {
		errs = append(errs, fmt.Errorf("stoks_codes %d must exceed the interleave pad id %d", c.StoksCodes, c.Codes))
	}

	if !t.Rope && c.EncoderLen() > c.CtxN {
		errs = append(errs, fmt.Errorf("encoder length %d exceeds ctx_n %d for sinusoidal positions", c.EncoderLen(), c.CtxN))
	}

	if c.EncoderDepth(t) < 1 || c.DecoderDepth(t) < 1 {
		errs = append(errs, fmt.Errorf("depth %d with encoder ratio %v leaves an empty encoder or decoder", c.Depth, t.EncoderDepthRatio))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("s2a: invalid config: %w", err)
	}

	return nil
}
