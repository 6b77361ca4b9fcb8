package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/example/go-s2a/internal/config"
	"github.com/example/go-s2a/internal/dataset"
	"github.com/example/go-s2a/internal/metrics"
	"github.com/example/go-s2a/internal/s2a"
	"github.com/example/go-s2a/internal/train"
)

func newTrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train a model on acoustic and semantic token shards",
		Long: "Train reads --atoks (comma-separated shard specs, each optionally\n" +
			"suffixed with @weight) merged with the semantic shards in --stoks-dir.\n" +
			"The final weights are written to --model.",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runTrain(ctx, cfg)
		},
	}
}

func runTrain(ctx context.Context, cfg config.Config) error {
	if cfg.Dataset.Atoks == "" {
		return errors.New("train: --atoks is required")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mtr, err := metrics.NewTraining(reg)
	if err != nil {
		return err
	}

	if cfg.Metrics.ListenAddr != "" {
		go serveMetrics(ctx, cfg.Metrics.ListenAddr, reg)
	}

	opts := train.DefaultOptions()
	opts.Samples = int64(cfg.Train.Samples)
	opts.ValidateEvery = int64(cfg.Train.ValidateEvery)
	opts.CheckpointEvery = int64(cfg.Train.CheckpointEvery)
	opts.LogEvery = cfg.Train.LogEvery
	opts.CheckpointDir = cfg.Paths.CheckpointDir
	opts.LR = cfg.Train.LR
	opts.WarmupSteps = cfg.Train.WarmupSteps
	opts.Metrics = mtr

	specs, err := parseSources(cfg.Dataset.Atoks, cfg.Dataset.Weight)
	if err != nil {
		return err
	}

	var trainer *train.Trainer

	if cfg.Train.Resume != "" {
		trainer, err = train.Resume(cfg.Train.Resume, opts)
		if err != nil {
			return err
		}

		st := trainer.State()
		slog.Info("resumed training", "checkpoint", cfg.Train.Resume, "step", st.Step, "samples", st.Samples)
	} else {
		m, err := newModel(cfg)
		if err != nil {
			return err
		}

		if m.Speakers, err = speakerMap(specs, cfg.Dataset.ValAtoks); err != nil {
			return err
		}

		trainer = train.New(m, opts)
	}

	m := trainer.Model()
	slog.Info("model ready", "params", m.Params().Count(), "speakers", len(m.Speakers), "quantizers", m.Config.Quantizers)

	sets := make([]*dataset.Dataset, 0, len(specs))

	for _, spec := range specs {
		dopts := datasetOptions(cfg, m, mtr)
		dopts.Weight = spec.weight
		dopts.Seed = cfg.Model.Seed + uint64(len(sets))

		d, err := dataset.Open(spec.path, cfg.Dataset.StoksDir, dopts)
		if err != nil {
			return err
		}

		sets = append(sets, d)
	}

	rng := rand.New(rand.NewPCG(cfg.Model.Seed, uint64(len(sets))))
	src := func(ctx context.Context) iter.Seq2[[]dataset.Sample, error] {
		return dataset.Mix(ctx, rng, sets...)
	}

	var val train.Source

	if cfg.Dataset.ValAtoks != "" {
		vopts := datasetOptions(cfg, m, mtr)
		vopts.Validation = true
		vopts.Samples = cfg.Dataset.ValSamples
		vopts.RandomTruncP = 0

		vd, err := dataset.Open(cfg.Dataset.ValAtoks, cfg.Dataset.StoksDir, vopts)
		if err != nil {
			return err
		}

		val = vd.Batches
	}

	state, err := trainer.Run(ctx, src, val)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if dir := filepath.Dir(cfg.Paths.ModelPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	if err := m.Save(cfg.Paths.ModelPath); err != nil {
		return err
	}

	slog.Info("model saved", "path", cfg.Paths.ModelPath, "step", state.Step, "samples", state.Samples)

	return nil
}

type sourceSpec struct {
	path   string
	weight float64
}

// parseSources splits "a,b@2" into shard specs with sampling weights.
func parseSources(raw string, defaultWeight float64) ([]sourceSpec, error) {
	var out []sourceSpec

	for part := range strings.SplitSeq(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		spec := sourceSpec{path: part, weight: defaultWeight}

		if i := strings.LastIndex(part, "@"); i >= 0 {
			w, err := strconv.ParseFloat(part[i+1:], 64)
			if err != nil || w <= 0 {
				return nil, fmt.Errorf("train: bad weight in %q", part)
			}

			spec.path, spec.weight = part[:i], w
		}

		out = append(out, spec)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("train: no shard specs in %q", raw)
	}

	return out, nil
}

// speakerMap numbers the speakers of every training and validation shard.
func speakerMap(specs []sourceSpec, val string) (s2a.SpeakerMap, error) {
	var shards []string

	for _, spec := range specs {
		s, err := dataset.ShardGlob(spec.path)
		if err != nil {
			return nil, err
		}

		shards = append(shards, s...)
	}

	if val != "" {
		s, err := dataset.ShardGlob(val)
		if err != nil {
			return nil, err
		}

		shards = append(shards, s...)
	}

	return dataset.LoadSpeakerMap(shards)
}

func datasetOptions(cfg config.Config, m *s2a.Model, mtr *metrics.Training) dataset.Options {
	o := dataset.DefaultOptions()
	o.RandomTruncP = cfg.Dataset.RandomTruncP
	o.VQCodes = cfg.Dataset.VQCodes
	o.Language = cfg.Dataset.Language
	o.ExcludeFiles = cfg.Dataset.ExcludeFiles
	o.RandomizeSpeakers = cfg.Dataset.RandomizeSpeakers
	o.Speakers = m.Speakers
	o.AtoksLen = m.Config.CtxN
	o.StoksLen = m.Config.StoksLen
	o.ShuffleWindow = cfg.Dataset.ShuffleWindow
	o.BatchSize = cfg.Dataset.BatchSize
	o.Workers = cfg.Dataset.Workers
	o.Seed = cfg.Model.Seed
	o.OnNaN = func(string) { mtr.RecordNaNSpeaker() }

	return o
}

func serveMetrics(ctx context.Context, addr string, g prometheus.Gatherer) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(g, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server failed", "error", err)
	}
}
