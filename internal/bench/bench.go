// Package bench provides benchmarking primitives for the s2a bench command.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/example/go-s2a/internal/s2a"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing of a single generation run.
type RunResult struct {
	Index         int
	Cold          bool // true for the first run
	Duration      time.Duration
	Positions     int
	AudioDuration time.Duration
	RTF           float64
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}
	mn, mx := durations[0], durations[0]
	var sum time.Duration
	for _, d := range durations {
		if d < mn {
			mn = d
		}
		if d > mx {
			mx = d
		}
		sum += d
	}
	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// Durations extracts the run durations, skipping the cold run when warm is
// set and more than one run exists.
func Durations(runs []RunResult, warm bool) []time.Duration {
	out := make([]time.Duration, 0, len(runs))
	for _, r := range runs {
		if warm && r.Cold && len(runs) > 1 {
			continue
		}
		out = append(out, r.Duration)
	}
	return out
}

// ---------------------------------------------------------------------------
// RTF helpers
// ---------------------------------------------------------------------------

// CalcRTF returns generation_duration / audio_duration.
// Returns 0 if audioDur is zero to avoid division by zero.
func CalcRTF(genDur, audioDur time.Duration) float64 {
	if audioDur <= 0 {
		return 0
	}
	return float64(genDur) / float64(audioDur)
}

// AudioDuration is the playback time covered by n acoustic token positions.
func AudioDuration(positions int) time.Duration {
	if positions <= 0 {
		return 0
	}
	return time.Duration(positions) * time.Second / s2a.AtoksPerSecond
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// GenerateFunc performs one generation and returns the positions produced.
type GenerateFunc func(ctx context.Context) (int, error)

// Run calls gen n times and times each call. The first run is marked cold.
func Run(ctx context.Context, n int, gen GenerateFunc) ([]RunResult, error) {
	if n <= 0 {
		return nil, fmt.Errorf("bench: run count must be positive, got %d", n)
	}

	runs := make([]RunResult, 0, n)
	for i := range n {
		if err := ctx.Err(); err != nil {
			return runs, err
		}

		start := time.Now()
		positions, err := gen(ctx)
		if err != nil {
			return runs, fmt.Errorf("bench: run %d: %w", i+1, err)
		}
		dur := time.Since(start)
		audioDur := AudioDuration(positions)

		runs = append(runs, RunResult{
			Index:         i,
			Cold:          i == 0,
			Duration:      dur,
			Positions:     positions,
			AudioDuration: audioDur,
			RTF:           CalcRTF(dur, audioDur),
		})
	}

	return runs, nil
}

// MeanRTF averages the real-time factor over runs.
func MeanRTF(runs []RunResult) float64 {
	if len(runs) == 0 {
		return 0
	}
	var sum float64
	for _, r := range runs {
		sum += r.RTF
	}
	return sum / float64(len(runs))
}

// ---------------------------------------------------------------------------
// RTF threshold gate
// ---------------------------------------------------------------------------

// CheckRTFThreshold returns an error if meanRTF > threshold.
// A threshold of 0 disables the gate.
func CheckRTFThreshold(meanRTF, threshold float64) error {
	if threshold <= 0 {
		return nil
	}
	if meanRTF > threshold {
		return fmt.Errorf("mean RTF %.3f exceeds threshold %.3f", meanRTF, threshold)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %9s  %12s  %8s\n", "Run", "Cold", "MS", "Positions", "Audio(ms)", "RTF")
	fmt.Fprintln(sb, strings.Repeat("-", 59))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.1f  %9d  %12.1f  %8.3f\n",
			r.Index+1,
			cold,
			float64(r.Duration.Milliseconds()),
			r.Positions,
			float64(r.AudioDuration.Milliseconds()),
			r.RTF,
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 59))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (min)\n", "", "", float64(stats.Min.Milliseconds()))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (mean)\n", "", "", float64(stats.Mean.Milliseconds()))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (max)\n", "", "", float64(stats.Max.Milliseconds()))

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	DurationMS float64 `json:"duration_ms"`
	Positions  int     `json:"positions"`
	AudioMS    float64 `json:"audio_ms"`
	RTF        float64 `json:"rtf"`
}

type jsonStats struct {
	MinMS  float64 `json:"min_ms"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) error {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:  float64(stats.Min.Milliseconds()),
			MeanMS: float64(stats.Mean.Milliseconds()),
			MaxMS:  float64(stats.Max.Milliseconds()),
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			DurationMS: float64(r.Duration.Milliseconds()),
			Positions:  r.Positions,
			AudioMS:    float64(r.AudioDuration.Milliseconds()),
			RTF:        r.RTF,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}
