package main

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/example/go-s2a/internal/config"
	"github.com/example/go-s2a/internal/runtime/tensor"
	"github.com/example/go-s2a/internal/s2a"
	"github.com/example/go-s2a/internal/safetensors"
)

// newModel builds a freshly initialised model from the model section and
// installs any frozen codebooks named in paths.
func newModel(cfg config.Config) (*s2a.Model, error) {
	mcfg, err := s2a.ConfigForSize(cfg.Model.Size, cfg.Model.Quantizers)
	if err != nil {
		return nil, err
	}

	if cfg.Model.StoksLen > 0 {
		mcfg.StoksLen = cfg.Model.StoksLen
	}

	if cfg.Model.StoksCodes > 0 {
		mcfg.StoksCodes = cfg.Model.StoksCodes
	}

	rng := rand.New(rand.NewPCG(cfg.Model.Seed, cfg.Model.Seed^0x5eed))

	tun := s2a.DefaultTunables()
	if cfg.Model.RandomTunables {
		tun = s2a.Randomize(rng)
		slog.Info("randomized tunables", "tunables", fmt.Sprintf("%+v", tun))
	}

	m, err := s2a.New(mcfg, tun, rng)
	if err != nil {
		return nil, err
	}

	if cfg.Paths.FrozenSemantic != "" {
		t, err := safetensors.LoadMatrix(cfg.Paths.FrozenSemantic, cfg.Paths.FrozenSemanticTensor)
		if err != nil {
			return nil, fmt.Errorf("frozen semantic codebook: %w", err)
		}

		codebook, err := tensor.New(t.Data, t.Shape)
		if err != nil {
			return nil, fmt.Errorf("frozen semantic codebook: %w", err)
		}

		if err := m.LoadFrozenSemantic(codebook); err != nil {
			return nil, err
		}
	}

	if cfg.Paths.FrozenAcoustic != "" {
		codebooks, err := loadCodebooks(cfg.Paths.FrozenAcoustic)
		if err != nil {
			return nil, fmt.Errorf("frozen acoustic codebooks: %w", err)
		}

		if err := m.LoadFrozenAcoustic(codebooks); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// loadCodebooks reads one codebook per quantizer, in tensor name order.
func loadCodebooks(path string) ([]*tensor.Tensor, error) {
	mats, err := safetensors.LoadMatrices(path)
	if err != nil {
		return nil, err
	}

	out := make([]*tensor.Tensor, 0, len(mats))

	for _, t := range mats {
		v, err := tensor.New(t.Data, t.Shape)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Name, err)
		}

		out = append(out, v)
	}

	return out, nil
}

func generateOptions(cfg config.GenerateConfig) s2a.GenerateOptions {
	opts := s2a.DefaultGenerateOptions()
	opts.Temperature = cfg.Temperature
	opts.TopK = cfg.TopK
	opts.UseKVCache = cfg.KVCache
	opts.N = cfg.MaxLen

	return opts
}
