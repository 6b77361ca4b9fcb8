// Package config loads layered settings for the s2a binary: defaults, an
// optional s2a.{yaml,toml,json} file, S2A_* environment variables and
// command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Model    ModelConfig    `mapstructure:"model"`
	Train    TrainConfig    `mapstructure:"train"`
	Dataset  DatasetConfig  `mapstructure:"dataset"`
	Generate GenerateConfig `mapstructure:"generate"`
	Prepare  PrepareConfig  `mapstructure:"prepare"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type PathsConfig struct {
	ModelPath      string `mapstructure:"model_path"`
	CheckpointDir  string `mapstructure:"checkpoint_dir"`
	FrozenSemantic string `mapstructure:"frozen_semantic"`
	// FrozenSemanticTensor names the codebook inside FrozenSemantic; empty
	// takes the first tensor.
	FrozenSemanticTensor string `mapstructure:"frozen_semantic_tensor"`
	FrozenAcoustic       string `mapstructure:"frozen_acoustic"`
}

type ModelConfig struct {
	Size           string `mapstructure:"size"`
	Quantizers     int    `mapstructure:"quantizers"`
	StoksLen       int    `mapstructure:"stoks_len"`
	StoksCodes     int    `mapstructure:"stoks_codes"`
	RandomTunables bool   `mapstructure:"random_tunables"`
	Seed           uint64 `mapstructure:"seed"`
}

type TrainConfig struct {
	Samples         int     `mapstructure:"samples"`
	ValidateEvery   int     `mapstructure:"validate_every"`
	CheckpointEvery int     `mapstructure:"checkpoint_every"`
	LogEvery        int     `mapstructure:"log_every"`
	LR              float64 `mapstructure:"lr"`
	WarmupSteps     int     `mapstructure:"warmup_steps"`
	Resume          string  `mapstructure:"resume"`
}

type DatasetConfig struct {
	Atoks             string   `mapstructure:"atoks"`
	StoksDir          string   `mapstructure:"stoks_dir"`
	ValAtoks          string   `mapstructure:"val_atoks"`
	ValSamples        int      `mapstructure:"val_samples"`
	RandomTruncP      float64  `mapstructure:"random_trunc_p"`
	VQCodes           int      `mapstructure:"vq_codes"`
	Language          string   `mapstructure:"language"`
	Weight            float64  `mapstructure:"weight"`
	ExcludeFiles      []string `mapstructure:"exclude_files"`
	RandomizeSpeakers bool     `mapstructure:"randomize_speakers"`
	ShuffleWindow     int      `mapstructure:"shuffle_window"`
	BatchSize         int      `mapstructure:"batch_size"`
	Workers           int      `mapstructure:"workers"`
}

type GenerateConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopK        int     `mapstructure:"top_k"`
	KVCache     bool    `mapstructure:"kv_cache"`
	MaxLen      int     `mapstructure:"max_len"`
	Seed        uint64  `mapstructure:"seed"`
}

type PrepareConfig struct {
	Encoder        string   `mapstructure:"encoder"`
	SemanticModel  string   `mapstructure:"semantic_model"`
	EncoderCommand []string `mapstructure:"encoder_command"`
	Transcriber    []string `mapstructure:"transcriber"`
	BatchSize      int      `mapstructure:"batch_size"`
	Samples        int      `mapstructure:"samples"`
}

type RuntimeConfig struct {
	Threads        int    `mapstructure:"threads"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	Workers         int    `mapstructure:"workers"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	MaxInputTokens  int    `mapstructure:"max_input_tokens"`
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Paths: PathsConfig{
			ModelPath:     "models/s2a.safetensors",
			CheckpointDir: "checkpoints",
		},
		Model: ModelConfig{
			Size:       "tiny",
			Quantizers: 4,
			StoksLen:   750,
			StoksCodes: 4097,
		},
		Train: TrainConfig{
			Samples:         1_000_000,
			ValidateEvery:   50_000,
			CheckpointEvery: 100_000,
			LogEvery:        20,
		},
		Dataset: DatasetConfig{
			ValSamples:    512,
			VQCodes:       4096,
			Language:      "en",
			Weight:        1,
			ShuffleWindow: 20000,
			BatchSize:     64,
			Workers:       4,
		},
		Generate: GenerateConfig{
			Temperature: 0.7,
			KVCache:     true,
		},
		Prepare: PrepareConfig{
			Encoder:   EncoderONNX,
			BatchSize: 1,
		},
		Runtime: RuntimeConfig{
			Threads: 4,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			Workers:         1,
			RequestTimeout:  120,
			ShutdownTimeout: 30,
			MaxInputTokens:  1500,
		},
	}
}

// binding ties a config key to its flag.
type binding struct {
	key   string
	flag  string
	usage string
	def   func(c Config) any
}

func bindings() []binding {
	return []binding{
		{"log_level", "log-level", "Log level (debug|info|warn|error)", func(c Config) any { return c.LogLevel }},

		{"paths.model_path", "model", "Model checkpoint (.safetensors)", func(c Config) any { return c.Paths.ModelPath }},
		{"paths.checkpoint_dir", "checkpoint-dir", "Directory for training checkpoints", func(c Config) any { return c.Paths.CheckpointDir }},
		{"paths.frozen_semantic", "frozen-semantic", "Frozen semantic codebook (.safetensors)", func(c Config) any { return c.Paths.FrozenSemantic }},
		{"paths.frozen_semantic_tensor", "frozen-semantic-tensor", "Tensor name of the frozen semantic codebook (first when empty)", func(c Config) any { return c.Paths.FrozenSemanticTensor }},
		{"paths.frozen_acoustic", "frozen-acoustic", "Frozen acoustic codebooks (.safetensors)", func(c Config) any { return c.Paths.FrozenAcoustic }},

		{"model.size", "size", "Model size preset", func(c Config) any { return c.Model.Size }},
		{"model.quantizers", "quantizers", "Acoustic codebooks modelled", func(c Config) any { return c.Model.Quantizers }},
		{"model.stoks_len", "stoks-len", "Semantic tokens per window (750 or 1500)", func(c Config) any { return c.Model.StoksLen }},
		{"model.stoks_codes", "stoks-codes", "Semantic vocabulary including the pad token", func(c Config) any { return c.Model.StoksCodes }},
		{"model.random_tunables", "random-tunables", "Draw tunables from the search ranges", func(c Config) any { return c.Model.RandomTunables }},
		{"model.seed", "seed", "Initialisation and data seed", func(c Config) any { return c.Model.Seed }},

		{"train.samples", "samples", "Training sample budget", func(c Config) any { return c.Train.Samples }},
		{"train.validate_every", "validate-every", "Validate every N samples", func(c Config) any { return c.Train.ValidateEvery }},
		{"train.checkpoint_every", "checkpoint-every", "Checkpoint every N samples", func(c Config) any { return c.Train.CheckpointEvery }},
		{"train.log_every", "log-every", "Log every N steps", func(c Config) any { return c.Train.LogEvery }},
		{"train.lr", "lr", "Peak learning rate (0 uses the tunables)", func(c Config) any { return c.Train.LR }},
		{"train.warmup_steps", "warmup-steps", "Warmup steps (0 uses the tunables)", func(c Config) any { return c.Train.WarmupSteps }},
		{"train.resume", "resume", "Training checkpoint to resume from", func(c Config) any { return c.Train.Resume }},

		{"dataset.atoks", "atoks", "Acoustic shard directory or glob", func(c Config) any { return c.Dataset.Atoks }},
		{"dataset.stoks_dir", "stoks-dir", "Semantic shard directory", func(c Config) any { return c.Dataset.StoksDir }},
		{"dataset.val_atoks", "val-atoks", "Validation acoustic shards", func(c Config) any { return c.Dataset.ValAtoks }},
		{"dataset.val_samples", "val-samples", "Validation samples per pass", func(c Config) any { return c.Dataset.ValSamples }},
		{"dataset.random_trunc_p", "random-trunc-p", "Probability of truncating a sample", func(c Config) any { return c.Dataset.RandomTruncP }},
		{"dataset.vq_codes", "vq-codes", "Semantic codes; vq_codes-1 pads", func(c Config) any { return c.Dataset.VQCodes }},
		{"dataset.language", "language", "Language tag of the shards", func(c Config) any { return c.Dataset.Language }},
		{"dataset.weight", "weight", "Mixing weight", func(c Config) any { return c.Dataset.Weight }},
		{"dataset.exclude_files", "exclude-files", "Files listing sample keys to skip", func(c Config) any { return c.Dataset.ExcludeFiles }},
		{"dataset.randomize_speakers", "randomize-speakers", "Permute speaker embeddings within batches", func(c Config) any { return c.Dataset.RandomizeSpeakers }},
		{"dataset.shuffle_window", "shuffle-window", "Shuffle buffer size", func(c Config) any { return c.Dataset.ShuffleWindow }},
		{"dataset.batch_size", "batch-size", "Samples per batch", func(c Config) any { return c.Dataset.BatchSize }},
		{"dataset.workers", "data-workers", "Shard decoding goroutines", func(c Config) any { return c.Dataset.Workers }},

		{"generate.temperature", "temperature", "Sampling temperature (0 is greedy)", func(c Config) any { return c.Generate.Temperature }},
		{"generate.top_k", "top-k", "Sample from the k most likely tokens (0 disables)", func(c Config) any { return c.Generate.TopK }},
		{"generate.kv_cache", "kv-cache", "Decode incrementally with a key/value cache", func(c Config) any { return c.Generate.KVCache }},
		{"generate.max_len", "max-len", "Acoustic positions to generate (0 derives from input)", func(c Config) any { return c.Generate.MaxLen }},
		{"generate.seed", "generate-seed", "Sampling seed", func(c Config) any { return c.Generate.Seed }},

		{"prepare.encoder", "encoder", "Semantic encoder backend (onnx|exec)", func(c Config) any { return c.Prepare.Encoder }},
		{"prepare.semantic_model", "semantic-model", "Semantic encoder ONNX graph", func(c Config) any { return c.Prepare.SemanticModel }},
		{"prepare.encoder_command", "encoder-command", "Semantic encoder command for the exec backend", func(c Config) any { return c.Prepare.EncoderCommand }},
		{"prepare.transcriber", "transcriber", "Transcriber command reading WAV on stdin", func(c Config) any { return c.Prepare.Transcriber }},
		{"prepare.batch_size", "prepare-batch-size", "Chunks per encoder call", func(c Config) any { return c.Prepare.BatchSize }},
		{"prepare.samples", "n-samples", "Benchmark: stop after N chunks and keep the temp file", func(c Config) any { return c.Prepare.Samples }},

		{"runtime.threads", "threads", "Tensor kernel goroutines", func(c Config) any { return c.Runtime.Threads }},
		{"runtime.ort_library_path", "ort-lib", "Path to ONNX Runtime shared library", func(c Config) any { return c.Runtime.ORTLibraryPath }},
		{"runtime.ort_version", "ort-version", "Expected ONNX Runtime version", func(c Config) any { return c.Runtime.ORTVersion }},

		{"server.listen_addr", "listen-addr", "HTTP listen address", func(c Config) any { return c.Server.ListenAddr }},
		{"server.workers", "workers", "Concurrent generation requests", func(c Config) any { return c.Server.Workers }},
		{"server.request_timeout", "request-timeout", "Per-request generation timeout in seconds", func(c Config) any { return c.Server.RequestTimeout }},
		{"server.shutdown_timeout", "shutdown-timeout", "Graceful shutdown drain in seconds", func(c Config) any { return c.Server.ShutdownTimeout }},
		{"server.max_input_tokens", "max-input-tokens", "Largest accepted semantic input", func(c Config) any { return c.Server.MaxInputTokens }},

		{"metrics.listen_addr", "metrics-addr", "Serve /metrics while training (empty disables)", func(c Config) any { return c.Metrics.ListenAddr }},
	}
}

// RegisterFlags adds a flag for every config key.
func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	for _, b := range bindings() {
		switch v := b.def(defaults).(type) {
		case string:
			fs.String(b.flag, v, b.usage)
		case int:
			fs.Int(b.flag, v, b.usage)
		case uint64:
			fs.Uint64(b.flag, v, b.usage)
		case float64:
			fs.Float64(b.flag, v, b.usage)
		case bool:
			fs.Bool(b.flag, v, b.usage)
		case []string:
			fs.StringSlice(b.flag, v, b.usage)
		}
	}
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	for _, b := range bindings() {
		v.SetDefault(b.key, b.def(opts.Defaults))
	}

	if opts.Cmd != nil {
		fs := opts.Cmd.Flags()
		for _, b := range bindings() {
			f := fs.Lookup(b.flag)
			if f == nil {
				continue
			}

			if err := v.BindPFlag(b.key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", b.flag, err)
			}
		}
	}

	v.SetEnvPrefix("S2A")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	if err := v.BindEnv("runtime.ort_library_path", "S2A_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("s2a")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}
