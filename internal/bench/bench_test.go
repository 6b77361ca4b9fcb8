package bench_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/go-s2a/internal/bench"
)

// ---------------------------------------------------------------------------
// Aggregation
// ---------------------------------------------------------------------------

func TestStats_MinMaxMean(t *testing.T) {
	durations := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
	}
	s := bench.ComputeStats(durations)

	if s.Min != 100*time.Millisecond {
		t.Errorf("want min=100ms, got %v", s.Min)
	}

	if s.Max != 300*time.Millisecond {
		t.Errorf("want max=300ms, got %v", s.Max)
	}

	if s.Mean != 200*time.Millisecond {
		t.Errorf("want mean=200ms, got %v", s.Mean)
	}
}

func TestStats_SingleRunAndEmpty(t *testing.T) {
	s := bench.ComputeStats([]time.Duration{150 * time.Millisecond})
	if s.Min != s.Max || s.Min != s.Mean {
		t.Errorf("single run: min/max/mean should all be equal, got min=%v max=%v mean=%v", s.Min, s.Max, s.Mean)
	}

	if got := bench.ComputeStats(nil); got != (bench.Stats{}) {
		t.Errorf("empty stats = %+v", got)
	}
}

func TestDurations_SkipsColdRun(t *testing.T) {
	runs := []bench.RunResult{
		{Cold: true, Duration: 900 * time.Millisecond},
		{Duration: 100 * time.Millisecond},
	}

	if got := bench.Durations(runs, true); len(got) != 1 || got[0] != 100*time.Millisecond {
		t.Errorf("warm durations = %v", got)
	}

	if got := bench.Durations(runs, false); len(got) != 2 {
		t.Errorf("all durations = %v", got)
	}

	if got := bench.Durations(runs[:1], true); len(got) != 1 {
		t.Errorf("a lone cold run is kept, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// RTF calculation
// ---------------------------------------------------------------------------

func TestRTF_Calculation(t *testing.T) {
	// 1 second of audio generated in 500ms → RTF = 0.5
	rtf := bench.CalcRTF(500*time.Millisecond, time.Second)
	if rtf < 0.499 || rtf > 0.501 {
		t.Errorf("want RTF≈0.5, got %.4f", rtf)
	}

	if rtf := bench.CalcRTF(500*time.Millisecond, 0); rtf != 0 {
		t.Errorf("want RTF=0 for zero audio duration, got %.4f", rtf)
	}
}

func TestAudioDuration(t *testing.T) {
	tests := []struct {
		positions int
		want      time.Duration
	}{
		{75, time.Second},
		{150, 2 * time.Second},
		{2250, 30 * time.Second},
		{0, 0},
		{-3, 0},
	}

	for _, tt := range tests {
		if got := bench.AudioDuration(tt.positions); got != tt.want {
			t.Errorf("AudioDuration(%d) = %v, want %v", tt.positions, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

func TestRun_TimesEveryCall(t *testing.T) {
	calls := 0

	runs, err := bench.Run(context.Background(), 3, func(context.Context) (int, error) {
		calls++
		return 75, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls != 3 || len(runs) != 3 {
		t.Fatalf("calls=%d runs=%d", calls, len(runs))
	}

	if !runs[0].Cold || runs[1].Cold || runs[2].Index != 2 {
		t.Errorf("run markers = %+v", runs)
	}

	if runs[1].AudioDuration != time.Second || runs[1].Positions != 75 {
		t.Errorf("run = %+v", runs[1])
	}
}

func TestRun_Errors(t *testing.T) {
	if _, err := bench.Run(context.Background(), 0, nil); err == nil {
		t.Error("want error for zero runs")
	}

	boom := errors.New("boom")

	runs, err := bench.Run(context.Background(), 3, func(context.Context) (int, error) { return 0, boom })
	if !errors.Is(err, boom) || len(runs) != 0 {
		t.Errorf("runs=%v err=%v", runs, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := bench.Run(ctx, 2, func(context.Context) (int, error) { return 1, nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled run err = %v", err)
	}
}

func TestMeanRTF(t *testing.T) {
	if got := bench.MeanRTF([]bench.RunResult{{RTF: 0.5}, {RTF: 1.5}}); got != 1 {
		t.Errorf("MeanRTF = %v", got)
	}

	if bench.MeanRTF(nil) != 0 {
		t.Error("MeanRTF(nil) should be 0")
	}
}

// ---------------------------------------------------------------------------
// RTF threshold gate
// ---------------------------------------------------------------------------

func TestRTFThreshold(t *testing.T) {
	tests := []struct {
		name      string
		mean      float64
		threshold float64
		wantErr   bool
	}{
		{"exceeds", 1.5, 1.0, true},
		{"below", 0.8, 1.0, false},
		{"exactly at", 1.0, 1.0, false},
		{"disabled", 9999, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bench.CheckRTFThreshold(tt.mean, tt.threshold)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckRTFThreshold(%v, %v) = %v, wantErr=%v", tt.mean, tt.threshold, err, tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func TestFormatTable_ContainsHeaders(t *testing.T) {
	runs := []bench.RunResult{
		{Index: 0, Cold: true, Duration: 800 * time.Millisecond, Positions: 75, RTF: 0.8, AudioDuration: time.Second},
		{Index: 1, Cold: false, Duration: 500 * time.Millisecond, Positions: 75, RTF: 0.5, AudioDuration: time.Second},
	}
	stats := bench.ComputeStats([]time.Duration{800 * time.Millisecond, 500 * time.Millisecond})

	var buf strings.Builder
	bench.FormatTable(runs, stats, &buf)
	out := buf.String()

	for _, want := range []string{"run", "cold", "ms", "positions", "rtf", "(mean)"} {
		if !strings.Contains(strings.ToLower(out), want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatJSON_IsValidJSON(t *testing.T) {
	runs := []bench.RunResult{
		{Index: 0, Cold: true, Duration: 800 * time.Millisecond, Positions: 75, RTF: 0.8, AudioDuration: time.Second},
	}
	stats := bench.ComputeStats([]time.Duration{800 * time.Millisecond})

	var buf bytes.Buffer
	if err := bench.FormatJSON(runs, stats, &buf); err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}

	var out struct {
		Runs []struct {
			Positions int     `json:"positions"`
			AudioMS   float64 `json:"audio_ms"`
		} `json:"runs"`
	}

	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("FormatJSON produced invalid JSON: %v\n%s", err, buf.String())
	}

	if len(out.Runs) != 1 || out.Runs[0].Positions != 75 || out.Runs[0].AudioMS != 1000 {
		t.Errorf("decoded = %+v", out)
	}
}
