package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-s2a/internal/dataset"
	"github.com/example/go-s2a/internal/s2a"
)

func newGenerateCmd() *cobra.Command {
	var (
		speakerPath string
		outPath     string
		keepTail    bool
	)

	cmd := &cobra.Command{
		Use:   "generate <stoks.npy>",
		Short: "Sample acoustic tokens for a semantic token file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if outPath == "" {
				return errors.New("generate: --out is required")
			}

			m, err := s2a.Load(cfg.Paths.ModelPath)
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			stoks, err := dataset.DecodeIDs(raw)
			if err != nil {
				return fmt.Errorf("generate: %s: %w", args[0], err)
			}

			speaker := make([]float32, m.Config.SpeakerWidth())
			if speakerPath != "" {
				raw, err := os.ReadFile(speakerPath)
				if err != nil {
					return err
				}

				if speaker, err = dataset.DecodeFloats(raw); err != nil {
					return fmt.Errorf("generate: %s: %w", speakerPath, err)
				}
			}

			opts := generateOptions(cfg.Generate)
			opts.Rand = rand.New(rand.NewPCG(cfg.Generate.Seed, cfg.Generate.Seed))

			start := time.Now()

			atoks, err := m.Generate(stoks, speaker, opts)
			if err != nil {
				return err
			}

			if !keepTail {
				atoks = trimUnfilled(atoks)
			}

			out, err := dataset.EncodeGrid(atoks)
			if err != nil {
				return err
			}

			if err := os.WriteFile(outPath, out, 0o644); err != nil {
				return err
			}

			slog.Info("generated",
				"stoks", len(stoks),
				"positions", len(atoks[0]),
				"seconds", time.Since(start).Seconds(),
				"out", outPath,
			)

			return nil
		},
	}

	cmd.Flags().StringVar(&speakerPath, "speaker-emb", "", "Speaker embedding .npy (zeros when empty)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output .npy for the [quantizers, n] acoustic tokens")
	cmd.Flags().BoolVar(&keepTail, "keep-tail", false, "Keep the trailing positions later streams never sampled")

	return cmd
}

// trimUnfilled drops the trailing columns in which some stream still holds
// the unfilled sentinel.
func trimUnfilled(atoks [][]int32) [][]int32 {
	n := len(atoks[0]) - (len(atoks) - 1)
	if n < 1 {
		n = 1
	}

	out := make([][]int32, len(atoks))
	for i, row := range atoks {
		out[i] = row[:min(n, len(row))]
	}

	return out
}
