package s2a

import (
	"fmt"
	"math/rand/v2"

	"github.com/example/go-s2a/internal/runtime/ops"
	"github.com/example/go-s2a/internal/runtime/tensor"
)

const ropeBase = 10000

// Model is the semantic-to-acoustic delay-sum transformer.
type Model struct {
	Config   Config
	Tunables Tunables
	Speakers SpeakerMap

	params *Params

	semantic    *Param
	semToHidden *linear
	semToEmb    *linear
	spkToHidden *linear
	encoder     []*block
	encLN       *layerNorm

	embds   *DelSumEmbedding
	decoder []*block
	decLN   *layerNorm
	head    *head

	positions *tensor.Tensor
	rot       *rotary
}

// New builds and initializes a model. A nil rng uses a fixed seed.
func New(cfg Config, t Tunables, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(t); err != nil {
		return nil, err
	}

	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}

	m := &Model{Config: cfg, Tunables: t, Speakers: SpeakerMap{}, params: newParams()}
	root := builder{ps: m.params}
	w := cfg.Width()
	scale := cfg.attentionScale(t)

	m.semantic = root.add("semantic_embedding.weight", RoleEmbedding, false, cfg.stoksWidth(), int64(cfg.StoksCodes), int64(cfg.stoksWidth()))
	if cfg.stoksWidth() != w {
		m.semToHidden = newLinear(root, "emb_to_hidden", cfg.stoksWidth(), w, true, RoleLinear)
		m.semToEmb = newLinear(root, "hidden_to_emb", w, cfg.stoksWidth(), true, RoleLinear)
	}

	if cfg.spkWidth() != w {
		m.spkToHidden = newLinear(root, "spk_to_hidden", cfg.spkWidth(), w, true, RoleLinear)
	}

	for i := range cfg.EncoderDepth(t) {
		m.encoder = append(m.encoder, newBlock(root.path("encoder", fmt.Sprint(i)), cfg, scale, false))
	}

	m.encLN = newLayerNorm(root, "ln_post", w)
	m.embds = newDelSumEmbedding(root.path("embds", "embeddings"), cfg)

	for i := range cfg.DecoderDepth(t) {
		m.decoder = append(m.decoder, newBlock(root.path("decoder", "layers", fmt.Sprint(i)), cfg, scale, true))
	}

	m.decLN = newLayerNorm(root.path("decoder"), "ln_post", w)
	m.head = newHead(root.path("head"), cfg, t, m.logitScale())

	if !t.Rope {
		m.positions = sinusoids(cfg.CtxN, w)
	}

	initParams(m.params, t, cfg.BaseWidth(), rng)

	return m, nil
}

// Params exposes the parameter registry to the optimizer and persistence.
func (m *Model) Params() *Params { return m.params }

// Embeddings is the acoustic embedding bank.
func (m *Model) Embeddings() *DelSumEmbedding { return m.embds }

// logitScale keeps logit magnitudes independent of the model width.
func (m *Model) logitScale() float32 {
	return float32(m.Tunables.OutputMult / (float64(m.Config.Width()) / float64(m.Config.BaseWidth())))
}

// rotary returns tables covering at least n positions, or nil when the
// model uses sinusoidal positions.
func (m *Model) rotary(n int) (*rotary, error) {
	if !m.Tunables.Rope {
		return nil, nil
	}

	if m.rot != nil && m.rot.cos.Dim(0) >= n {
		return m.rot, nil
	}

	size := max(n, m.Config.CtxN+1, m.Config.EncoderLen())

	cos, sin, err := ops.RoPETable(int64(size), int64(m.Config.HeadWidth), ropeBase)
	if err != nil {
		return nil, fmt.Errorf("s2a: rotary tables: %w", err)
	}

	m.rot = &rotary{cos: cos, sin: sin}

	return m.rot, nil
}

// LoadFrozenSemantic copies a semantic quantizer codebook [rows, stoksWidth]
// into the semantic table and freezes those rows. Rows past the codebook,
// such as the pad id, stay trainable.
func (m *Model) LoadFrozenSemantic(codebook *tensor.Tensor) error {
	shape := codebook.Shape()
	if len(shape) != 2 || int(shape[1]) != m.Config.stoksWidth() {
		return fmt.Errorf("%w: semantic codebook %v, table %v", ErrWidthMismatch, shape, m.semantic.Var.Shape())
	}

	rows := int(shape[0])
	if rows > m.Config.StoksCodes {
		return fmt.Errorf("s2a: semantic codebook has %d rows, table has %d", rows, m.Config.StoksCodes)
	}

	copy(m.semantic.Var.Value.RawData(), codebook.RawData())

	m.semantic.Policy = TrainingPolicy{Mode: FrozenWithTrainableSubrange, Start: rows, End: m.Config.StoksCodes}
	if rows == m.Config.StoksCodes {
		m.semantic.Policy = TrainingPolicy{Mode: Frozen}
	}

	return nil
}

// LoadFrozenAcoustic installs one codebook per quantizer.
func (m *Model) LoadFrozenAcoustic(codebooks []*tensor.Tensor) error {
	if len(codebooks) < m.Config.Quantizers {
		return fmt.Errorf("s2a: %d acoustic codebooks for %d quantizers", len(codebooks), m.Config.Quantizers)
	}

	for q, table := range m.embds.Tables {
		if err := table.SetFrozen(codebooks[q]); err != nil {
			return fmt.Errorf("s2a: quantizer %d: %w", q, err)
		}
	}

	return nil
}
