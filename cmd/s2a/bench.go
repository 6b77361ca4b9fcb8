package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-s2a/internal/bench"
	"github.com/example/go-s2a/internal/s2a"
)

func newBenchCmd() *cobra.Command {
	var (
		seconds      float64
		runs         int
		format       string
		rtfThreshold float64
		warmOnly     bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark generation latency and realtime factor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			m, err := s2a.Load(cfg.Paths.ModelPath)
			if err != nil {
				return err
			}

			stoks := benchStoks(m.Config, seconds)
			speaker := make([]float32, m.Config.SpeakerWidth())
			opts := generateOptions(cfg.Generate)

			results, err := bench.Run(cmd.Context(), runs, func(context.Context) (int, error) {
				opts.Rand = rand.New(rand.NewPCG(cfg.Generate.Seed, cfg.Generate.Seed))

				out, err := m.Generate(stoks, speaker, opts)
				if err != nil {
					return 0, err
				}

				return len(out[0]), nil
			})
			if err != nil {
				return err
			}

			stats := bench.ComputeStats(bench.Durations(results, warmOnly))

			switch format {
			case "json":
				if err := bench.FormatJSON(results, stats, os.Stdout); err != nil {
					return err
				}
			default:
				bench.FormatTable(results, stats, os.Stdout)
			}

			return bench.CheckRTFThreshold(bench.MeanRTF(results), rtfThreshold)
		},
	}

	cmd.Flags().Float64Var(&seconds, "seconds", 10, "Length of the synthetic semantic input in seconds")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of generation runs")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&rtfThreshold, "rtf-threshold", 0, "Exit non-zero if mean RTF exceeds this value (0 = disabled)")
	cmd.Flags().BoolVar(&warmOnly, "warm", false, "Leave the cold first run out of the min/mean/max stats")

	return cmd
}

// benchStoks builds a deterministic semantic input of the requested length,
// clamped to what the model accepts.
func benchStoks(cfg s2a.Config, seconds float64) []int32 {
	n := int(seconds * s2a.StoksPerSecond)
	n = max(1, min(n, cfg.StoksLen-1))

	vocab := max(1, cfg.StoksCodes-1)
	out := make([]int32, n)

	for i := range out {
		out[i] = int32((i*37 + 11) % vocab)
	}

	return out
}
