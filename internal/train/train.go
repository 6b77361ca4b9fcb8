// Package train runs the S2A optimisation loop: teacher-forced steps with
// AdamW, periodic validation and resumable checkpoints.
package train

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/example/go-s2a/internal/dataset"
	"github.com/example/go-s2a/internal/metrics"
	"github.com/example/go-s2a/internal/optim"
	"github.com/example/go-s2a/internal/runtime/autograd"
	"github.com/example/go-s2a/internal/s2a"
	"github.com/example/go-s2a/internal/safetensors"
)

// Source yields batches; every call starts a fresh pass.
type Source func(ctx context.Context) iter.Seq2[[]dataset.Sample, error]

type Options struct {
	// Samples is the training budget; the loop stops once it is consumed.
	Samples         int64
	ValidateEvery   int64
	CheckpointEvery int64
	LogEvery        int
	CheckpointDir   string

	// LR and WarmupSteps override the model tunables when positive.
	LR          float64
	WarmupSteps int
	// DecaySteps is the cosine horizon; zero derives it from Samples and
	// the first batch size.
	DecaySteps int

	Logger  *slog.Logger
	Metrics *metrics.Training
}

func DefaultOptions() Options {
	return Options{LogEvery: 20}
}

// Trainer owns a model, its optimizer state and the loop position.
type Trainer struct {
	model *s2a.Model
	opts  Options
	opt   *optim.AdamW
	sched optim.Schedule
	state s2a.TrainingState
	tape  *autograd.Tape
	log   *slog.Logger

	nextValidation int64
	nextCheckpoint int64
}

// StepResult describes one optimizer step.
type StepResult struct {
	Loss     float64
	LR       float64
	GradNorm float64
	Skipped  bool
}

// Validation summarises one pass over the validation source.
type Validation struct {
	Loss       float64
	Samples    int
	Accuracies map[string]float64
}

func New(m *s2a.Model, opts Options) *Trainer {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	if opts.LogEvery <= 0 {
		opts.LogEvery = DefaultOptions().LogEvery
	}

	tun := m.Tunables

	lr := tun.LR0
	if opts.LR > 0 {
		lr = opts.LR
	}

	warmup := int(tun.WarmupSteps)
	if opts.WarmupSteps > 0 {
		warmup = opts.WarmupSteps
	}

	t := &Trainer{
		model: m,
		opts:  opts,
		opt:   optim.NewAdamW(m.Params().All(), optim.DefaultOptions(tun.WeightDecay)),
		sched: optim.Schedule{Peak: lr, WarmupSteps: warmup, DecaySteps: opts.DecaySteps},
		tape:  autograd.NewTape(),
		log:   log,
	}

	t.schedulePeriodic()

	return t
}

// Resume restores a trainer from a training checkpoint written by
// Checkpoint.
func Resume(path string, opts Options) (*Trainer, error) {
	m, state, err := s2a.LoadTraining(path)
	if err != nil {
		return nil, err
	}

	t := New(m, opts)
	t.state = state
	t.schedulePeriodic()

	store, err := safetensors.OpenStore(path)
	if err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	defer store.Close()

	if err := t.opt.Restore(store, state.Step); err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}

	t.log.Info("resumed training", "path", path, "step", state.Step, "samples", state.Samples)

	return t, nil
}

func (t *Trainer) Model() *s2a.Model { return t.model }

func (t *Trainer) State() s2a.TrainingState { return t.state }

func (t *Trainer) schedulePeriodic() {
	next := func(every int64) int64 {
		if every <= 0 {
			return math.MaxInt64
		}

		return (t.state.Samples/every + 1) * every
	}

	t.nextValidation = next(t.opts.ValidateEvery)
	t.nextCheckpoint = next(t.opts.CheckpointEvery)
}

// Step runs forward, backward, clipping and one AdamW update on b. A batch
// with a non-finite loss leaves the weights untouched.
func (t *Trainer) Step(b s2a.Batch) (StepResult, error) {
	t.tape.Reset()
	params := t.model.Params()
	defer params.ZeroGrad()

	loss, err := t.model.Loss(t.tape, b, true, nil)
	if err != nil {
		return StepResult{}, err
	}

	res := StepResult{Loss: float64(autograd.Scalar(loss))}
	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		res.Skipped = true
		return res, nil
	}

	if err := t.tape.Backward(loss); err != nil {
		return StepResult{}, fmt.Errorf("train: backward: %w", err)
	}

	if t.sched.DecaySteps == 0 && t.opts.Samples > 0 && b.Size > 0 {
		t.sched.DecaySteps = int(t.opts.Samples / int64(b.Size))
	}

	res.GradNorm = optim.ClipGradNorm(params.All(), t.model.Tunables.ClipGradientNorm)
	res.LR = t.sched.At(t.state.Step + 1)
	t.opt.Step(res.LR)

	t.state.Step++
	t.state.Samples += int64(b.Size)

	return res, nil
}

// Validate evaluates every batch of src without touching the weights.
func (t *Trainer) Validate(ctx context.Context, src Source) (Validation, error) {
	acc := s2a.NewEvalAccumulator(t.model.Config.Quantizers)

	var (
		sum float64
		n   int
	)

	for samples, err := range src(ctx) {
		if err != nil {
			return Validation{}, err
		}

		b, err := dataset.ModelBatch(samples, t.model.Config.Quantizers)
		if err != nil {
			return Validation{}, err
		}

		loss, err := t.model.Loss(nil, b, false, acc)
		if err != nil {
			return Validation{}, err
		}

		sum += float64(autograd.Scalar(loss)) * float64(b.Size)
		n += b.Size
	}

	v := Validation{Samples: n, Accuracies: acc.Drain()}
	if n > 0 {
		v.Loss = sum / float64(n)
	}

	return v, nil
}

// Run trains on src until the sample budget is spent, src ends or ctx is
// cancelled. val may be nil.
func (t *Trainer) Run(ctx context.Context, src, val Source) (s2a.TrainingState, error) {
	var (
		window     float64
		windowSize int
	)

	for samples, err := range src(ctx) {
		if err != nil {
			return t.state, err
		}

		if t.opts.Samples > 0 && t.state.Samples >= t.opts.Samples {
			break
		}

		b, err := dataset.ModelBatch(samples, t.model.Config.Quantizers)
		if err != nil {
			return t.state, err
		}

		start := time.Now()

		res, err := t.Step(b)
		if err != nil {
			return t.state, err
		}

		if res.Skipped {
			t.log.Warn("skipping batch with non-finite loss", "step", t.state.Step, "first_key", samples[0].Key)
			continue
		}

		t.opts.Metrics.RecordStep(b.Size, res.Loss, res.LR, res.GradNorm, time.Since(start).Seconds())

		window += res.Loss
		windowSize++

		if t.state.Step%t.opts.LogEvery == 0 {
			t.log.Info("train",
				"step", t.state.Step,
				"samples", t.state.Samples,
				"loss", window/float64(windowSize),
				"lr", res.LR,
				"grad_norm", res.GradNorm,
			)

			window, windowSize = 0, 0
		}

		if val != nil && t.state.Samples >= t.nextValidation {
			if err := t.validate(ctx, val); err != nil {
				return t.state, err
			}
		}

		if t.state.Samples >= t.nextCheckpoint {
			if _, err := t.Checkpoint(); err != nil {
				return t.state, err
			}
		}

		t.schedulePeriodic()
	}

	if err := ctx.Err(); err != nil {
		return t.state, err
	}

	if val != nil && t.opts.ValidateEvery > 0 {
		if err := t.validate(ctx, val); err != nil {
			return t.state, err
		}
	}

	return t.state, nil
}

func (t *Trainer) validate(ctx context.Context, val Source) error {
	v, err := t.Validate(ctx, val)
	if err != nil {
		return fmt.Errorf("train: validation: %w", err)
	}

	t.opts.Metrics.RecordValidation(v.Loss, v.Accuracies)

	attrs := []any{"step", t.state.Step, "samples", t.state.Samples, "val_loss", v.Loss, "val_samples", v.Samples}
	for name, a := range v.Accuracies {
		attrs = append(attrs, name, a)
	}

	t.log.Info("validation", attrs...)

	return nil
}

// CheckpointPath names the checkpoint written after the given sample count.
func CheckpointPath(dir string, samples int64) string {
	return filepath.Join(dir, fmt.Sprintf("s2a-%012d.safetensors", samples))
}

// Checkpoint writes weights, optimizer moments and the loop position into
// the checkpoint directory and returns the file name.
func (t *Trainer) Checkpoint() (string, error) {
	if t.opts.CheckpointDir == "" {
		return "", errors.New("train: no checkpoint directory configured")
	}

	if err := os.MkdirAll(t.opts.CheckpointDir, 0o755); err != nil {
		return "", fmt.Errorf("train: %w", err)
	}

	path := CheckpointPath(t.opts.CheckpointDir, t.state.Samples)
	tmp := path + ".tmp"

	if err := t.model.SaveTraining(tmp, t.state, t.opt.Tensors()); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("train: checkpoint: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("train: checkpoint: %w", err)
	}

	t.log.Info("checkpoint", "path", path, "step", t.state.Step, "samples", t.state.Samples)

	return path, nil
}
