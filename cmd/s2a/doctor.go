package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/example/go-s2a/internal/config"
	"github.com/example/go-s2a/internal/dataset"
	"github.com/example/go-s2a/internal/doctor"
	"github.com/example/go-s2a/internal/onnx"
	"github.com/example/go-s2a/internal/s2a"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime, data and model checks",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			encoder, err := config.NormalizeEncoder(cfg.Prepare.Encoder)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(os.Stdout, "encoder: %s\n", encoder)

			result := doctor.Run(doctorConfig(cfg, encoder), os.Stdout)

			if _, statErr := os.Stat(cfg.Paths.ModelPath); os.IsNotExist(statErr) {
				_, _ = fmt.Fprintf(os.Stdout, "%s model load: skipped (no model at %s)\n", doctor.PassMark, cfg.Paths.ModelPath)
			} else if m, loadErr := s2a.Load(cfg.Paths.ModelPath); loadErr != nil {
				result.AddFailure(fmt.Sprintf("model load: %v", loadErr))
				_, _ = fmt.Fprintf(os.Stdout, "%s model load: %v\n", doctor.FailMark, loadErr)
			} else {
				_, _ = fmt.Fprintf(os.Stdout, "%s model load: %d params, %d quantizers, %d speakers\n",
					doctor.PassMark, m.Params().Count(), m.Config.Quantizers, len(m.Speakers))
			}

			if result.Failed() {
				for _, f := range result.Failures() {
					fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(os.Stdout, "doctor checks passed")

			return nil
		},
	}

	return cmd
}

func doctorConfig(cfg config.Config, encoder string) doctor.Config {
	dcfg := doctor.Config{
		RuntimeVersion: func() (string, error) {
			info, err := onnx.DetectRuntime(cfg.Runtime)
			return info.Version, err
		},
		SkipRuntime:  encoder != config.EncoderONNX,
		LookPath:     exec.LookPath,
		CheckShards:  checkShards(cfg.Dataset.StoksDir),
		WritableDirs: []string{cfg.Paths.CheckpointDir},
	}

	if len(cfg.Prepare.Transcriber) > 0 {
		dcfg.Commands = append(dcfg.Commands, cfg.Prepare.Transcriber[0])
	}

	if encoder == config.EncoderExec && len(cfg.Prepare.EncoderCommand) > 0 {
		dcfg.Commands = append(dcfg.Commands, cfg.Prepare.EncoderCommand[0])
	}

	if encoder == config.EncoderONNX && cfg.Prepare.SemanticModel != "" {
		dcfg.Files = append(dcfg.Files, cfg.Prepare.SemanticModel)
	}

	for _, f := range []string{cfg.Paths.FrozenSemantic, cfg.Paths.FrozenAcoustic, cfg.Train.Resume} {
		if f != "" {
			dcfg.Files = append(dcfg.Files, f)
		}
	}

	dcfg.Files = append(dcfg.Files, cfg.Dataset.ExcludeFiles...)

	if cfg.Dataset.Atoks != "" {
		if specs, err := parseSources(cfg.Dataset.Atoks, 1); err == nil {
			for _, s := range specs {
				dcfg.Shards = append(dcfg.Shards, s.path)
			}
		} else {
			dcfg.Shards = append(dcfg.Shards, cfg.Dataset.Atoks)
		}
	}

	if cfg.Dataset.ValAtoks != "" {
		dcfg.Shards = append(dcfg.Shards, cfg.Dataset.ValAtoks)
	}

	return dcfg
}

// checkShards expands a spec and verifies every shard has its semantic
// partner and speakers sidecar.
func checkShards(stoksDir string) doctor.ShardFunc {
	return func(spec string) (int, error) {
		shards, err := dataset.ShardGlob(spec)
		if err != nil {
			return 0, err
		}

		for _, s := range shards {
			if _, err := os.Stat(dataset.SemanticShard(s, stoksDir)); err != nil {
				return 0, fmt.Errorf("%w: semantic shard for %s", dataset.ErrMissingShard, s)
			}

			if _, err := os.Stat(dataset.SidecarPath(s)); err != nil {
				return 0, fmt.Errorf("%w: %s", dataset.ErrMissingSidecar, dataset.SidecarPath(s))
			}
		}

		return len(shards), nil
	}
}
