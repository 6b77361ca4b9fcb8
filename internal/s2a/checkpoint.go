package s2a

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/example/go-s2a/internal/safetensors"
)

// ErrNotCheckpoint reports a file without the structural marker of a model
// or training checkpoint.
var ErrNotCheckpoint = errors.New("s2a: not a model checkpoint")

const (
	metaFormat         = "format"
	metaConfig         = "config"
	metaTunables       = "tunables"
	metaSpeakers       = "speaker_map"
	metaPolicies       = "policies"
	metaTrainerVersion = "trainer_version"
	metaStep           = "step"
	metaSamples        = "samples"

	modelFormat = "s2a-model"
	// TrainerVersion is written into training checkpoints.
	TrainerVersion = "1"
	trainingPrefix = "model."
)

// TrainingState is the loop position stored next to training weights.
type TrainingState struct {
	Step    int
	Samples int64
}

type policyRecord struct {
	Mode  PolicyMode `json:"mode"`
	Start int        `json:"start,omitempty"`
	End   int        `json:"end,omitempty"`
}

// Save writes the model as a safetensors file with its config, tunables and
// speaker map in the metadata.
func (m *Model) Save(path string) error {
	meta, err := m.metadata()
	if err != nil {
		return err
	}

	return safetensors.WriteFile(path, m.tensors(""), meta)
}

// SaveTraining writes a training checkpoint: parameter names carry the
// "model." prefix so extra tensors such as optimizer moments can live in the
// same file.
func (m *Model) SaveTraining(path string, state TrainingState, extra []safetensors.Tensor) error {
	meta, err := m.metadata()
	if err != nil {
		return err
	}

	meta[metaTrainerVersion] = TrainerVersion
	meta[metaStep] = strconv.Itoa(state.Step)
	meta[metaSamples] = strconv.FormatInt(state.Samples, 10)

	tensors := append(m.tensors(trainingPrefix), extra...)

	return safetensors.WriteFile(path, tensors, meta)
}

// Load reads a model file or the model part of a training checkpoint.
// Tunables saved before newer knobs existed are upgraded.
func Load(path string) (*Model, error) {
	store, err := safetensors.OpenStore(path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if _, ok := store.MetadataValue(metaTrainerVersion); ok {
		return fromStore(path, store.Scoped(trainingPrefix))
	}

	return fromStore(path, store)
}

// LoadTraining reads a training checkpoint, failing with ErrNotCheckpoint
// when the trainer marker is absent.
func LoadTraining(path string) (*Model, TrainingState, error) {
	store, err := safetensors.OpenStore(path)
	if err != nil {
		return nil, TrainingState{}, err
	}
	defer store.Close()

	if _, ok := store.MetadataValue(metaTrainerVersion); !ok {
		return nil, TrainingState{}, fmt.Errorf("%w: %s has no %s", ErrNotCheckpoint, path, metaTrainerVersion)
	}

	m, err := fromStore(path, store.Scoped(trainingPrefix))
	if err != nil {
		return nil, TrainingState{}, err
	}

	var state TrainingState

	if v, ok := store.MetadataValue(metaStep); ok {
		if state.Step, err = strconv.Atoi(v); err != nil {
			return nil, TrainingState{}, fmt.Errorf("s2a: %s: bad step %q: %w", path, v, err)
		}
	}

	if v, ok := store.MetadataValue(metaSamples); ok {
		if state.Samples, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, TrainingState{}, fmt.Errorf("s2a: %s: bad sample count %q: %w", path, v, err)
		}
	}

	return m, state, nil
}

func fromStore(path string, store *safetensors.Store) (*Model, error) {
	if format, _ := store.MetadataValue(metaFormat); format != modelFormat {
		return nil, fmt.Errorf("%w: %s has format %q", ErrNotCheckpoint, path, format)
	}

	rawCfg, ok := store.MetadataValue(metaConfig)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no %s", ErrNotCheckpoint, path, metaConfig)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal([]byte(rawCfg), &cfg); err != nil {
		return nil, fmt.Errorf("s2a: %s: decode config: %w", path, err)
	}

	rawTun, ok := store.MetadataValue(metaTunables)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no %s", ErrNotCheckpoint, path, metaTunables)
	}

	tun, err := UpgradeTunables([]byte(rawTun))
	if err != nil {
		return nil, fmt.Errorf("s2a: %s: %w", path, err)
	}

	m, err := New(cfg, tun, nil)
	if err != nil {
		return nil, err
	}

	if raw, ok := store.MetadataValue(metaSpeakers); ok {
		if err := json.Unmarshal([]byte(raw), &m.Speakers); err != nil {
			return nil, fmt.Errorf("s2a: %s: decode speaker map: %w", path, err)
		}
	}

	for _, p := range m.params.All() {
		t, err := store.TensorWithShape(p.Name, p.Var.Shape())
		if err != nil {
			return nil, fmt.Errorf("s2a: %s: %w", path, err)
		}

		copy(p.Var.Value.RawData(), t.Data)
	}

	if raw, ok := store.MetadataValue(metaPolicies); ok {
		policies := map[string]policyRecord{}
		if err := json.Unmarshal([]byte(raw), &policies); err != nil {
			return nil, fmt.Errorf("s2a: %s: decode policies: %w", path, err)
		}

		for name, rec := range policies {
			if p, ok := m.params.Get(name); ok {
				p.Policy = TrainingPolicy{Mode: rec.Mode, Start: rec.Start, End: rec.End}
			}
		}
	}

	return m, nil
}

func (m *Model) metadata() (map[string]string, error) {
	cfg, err := json.Marshal(m.Config)
	if err != nil {
		return nil, fmt.Errorf("s2a: encode config: %w", err)
	}

	tun, err := json.Marshal(m.Tunables)
	if err != nil {
		return nil, fmt.Errorf("s2a: encode tunables: %w", err)
	}

	spk, err := json.Marshal(m.Speakers)
	if err != nil {
		return nil, fmt.Errorf("s2a: encode speaker map: %w", err)
	}

	policies := map[string]policyRecord{}
	for _, p := range m.params.All() {
		if p.Policy.Mode != Trainable {
			policies[p.Name] = policyRecord{Mode: p.Policy.Mode, Start: p.Policy.Start, End: p.Policy.End}
		}
	}

	pol, err := json.Marshal(policies)
	if err != nil {
		return nil, fmt.Errorf("s2a: encode policies: %w", err)
	}

	return map[string]string{
		metaFormat:   modelFormat,
		metaConfig:   string(cfg),
		metaTunables: string(tun),
		metaSpeakers: string(spk),
		metaPolicies: string(pol),
	}, nil
}

func (m *Model) tensors(prefix string) []safetensors.Tensor {
	out := make([]safetensors.Tensor, 0, len(m.params.All()))
	for _, p := range m.params.All() {
		out = append(out, safetensors.Tensor{
			Name:  prefix + p.Name,
			Shape: p.Var.Shape(),
			Data:  p.Var.Value.Data(),
		})
	}

	return out
}
