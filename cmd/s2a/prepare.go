package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/go-s2a/internal/config"
	"github.com/example/go-s2a/internal/onnx"
	"github.com/example/go-s2a/internal/prepare"
)

func newPrepareCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "prepare <shard|->",
		Short: "Transcribe audio shards and attach semantic tokens",
		Long: "Prepare splits every recording of the input shard (or of each shard\n" +
			"named on stdin when the argument is \"-\") into 30 s chunks, transcribes\n" +
			"them, encodes their semantic tokens and writes one output shard plus a\n" +
			"speakers sidecar.",
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			inputs, err := prepare.ReadInputs(args[0], os.Stdin)
			if err != nil {
				return err
			}

			if len(cfg.Prepare.Transcriber) == 0 {
				return errors.New("prepare: --transcriber is required")
			}

			enc, closeEnc, err := semanticEncoder(cfg)
			if err != nil {
				return err
			}
			defer closeEnc()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := prepare.DefaultOptions()
			opts.Output = output
			opts.BatchSize = cfg.Prepare.BatchSize
			opts.Samples = cfg.Prepare.Samples

			res, err := prepare.Run(ctx, inputs, prepare.CommandTranscriber{Command: prepare.Command{Args: cfg.Prepare.Transcriber}}, enc, opts)
			if err != nil {
				return err
			}

			slog.Info("prepared", "path", res.Path, "samples", res.Samples, "speakers", len(res.Speakers))

			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "out", "o", "", "Output shard (derived from a single input when empty)")

	return cmd
}

func semanticEncoder(cfg config.Config) (prepare.SemanticEncoder, func(), error) {
	backend, err := config.NormalizeEncoder(cfg.Prepare.Encoder)
	if err != nil {
		return nil, nil, err
	}

	if backend == config.EncoderExec {
		if len(cfg.Prepare.EncoderCommand) == 0 {
			return nil, nil, errors.New("prepare: --encoder-command is required for the exec encoder")
		}

		return prepare.CommandEncoder{Command: prepare.Command{Args: cfg.Prepare.EncoderCommand}}, func() {}, nil
	}

	if cfg.Prepare.SemanticModel == "" {
		return nil, nil, errors.New("prepare: --semantic-model is required for the onnx encoder")
	}

	enc, err := onnx.NewSemanticEncoder(cfg.Prepare.SemanticModel, cfg.Runtime)
	if err != nil {
		return nil, nil, err
	}

	return enc, enc.Close, nil
}
