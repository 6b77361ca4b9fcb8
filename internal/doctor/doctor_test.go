package doctor_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/example/go-s2a/internal/doctor"
)

var errNotFound = errors.New("not found")

func hasFailureContaining(failures []string, sub string) bool {
	for _, f := range failures {
		if strings.Contains(f, sub) {
			return true
		}
	}

	return false
}

func passingConfig(t *testing.T) doctor.Config {
	t.Helper()

	return doctor.Config{
		RuntimeVersion: func() (string, error) { return "1.23.1", nil },
		Commands:       []string{"whisper-cli"},
		LookPath:       func(name string) (string, error) { return "/usr/bin/" + name, nil },
		Shards:         []string{"data/atoks"},
		CheckShards:    func(string) (int, error) { return 4, nil },
		WritableDirs:   []string{t.TempDir()},
	}
}

func TestRun_AllChecksPass(t *testing.T) {
	var out strings.Builder

	result := doctor.Run(passingConfig(t), &out)
	if result.Failed() {
		t.Errorf("expected all checks to pass; failures: %v", result.Failures())
	}

	for _, want := range []string{"onnx runtime: 1.23.1", "/usr/bin/whisper-cli", "shards data/atoks: 4"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*doctor.Config)
		want   string
	}{
		{
			name:   "runtime missing",
			mutate: func(c *doctor.Config) { c.RuntimeVersion = func() (string, error) { return "", errNotFound } },
			want:   "onnx runtime",
		},
		{
			name:   "runtime too old",
			mutate: func(c *doctor.Config) { c.RuntimeVersion = func() (string, error) { return "1.16.0", nil } },
			want:   ">=1.23",
		},
		{
			name:   "no runtime probe",
			mutate: func(c *doctor.Config) { c.RuntimeVersion = nil },
			want:   "no version probe",
		},
		{
			name:   "command missing",
			mutate: func(c *doctor.Config) { c.LookPath = func(string) (string, error) { return "", errNotFound } },
			want:   `command "whisper-cli"`,
		},
		{
			name:   "file missing",
			mutate: func(c *doctor.Config) { c.Files = []string{"/nonexistent/model.safetensors"} },
			want:   "model.safetensors",
		},
		{
			name:   "shards missing",
			mutate: func(c *doctor.Config) { c.CheckShards = func(string) (int, error) { return 0, errNotFound } },
			want:   `shards "data/atoks"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := passingConfig(t)
			tt.mutate(&cfg)

			var out strings.Builder

			result := doctor.Run(cfg, &out)
			if !result.Failed() {
				t.Fatal("expected a failure")
			}

			if !hasFailureContaining(result.Failures(), tt.want) {
				t.Errorf("expected failure mentioning %q, got: %v", tt.want, result.Failures())
			}

			if !strings.Contains(out.String(), doctor.FailMark) {
				t.Errorf("output should contain the fail mark:\n%s", out.String())
			}
		})
	}
}

func TestRun_SkipsRuntimeAndUnknownVersion(t *testing.T) {
	cfg := passingConfig(t)
	cfg.SkipRuntime = true
	cfg.RuntimeVersion = nil

	var out strings.Builder
	if res := doctor.Run(cfg, &out); res.Failed() {
		t.Fatalf("skipped runtime should pass: %v", res.Failures())
	}

	if !strings.Contains(out.String(), "onnx runtime: skipped") {
		t.Errorf("output = %q", out.String())
	}

	cfg = passingConfig(t)
	cfg.RuntimeVersion = func() (string, error) { return "unknown", nil }

	if res := doctor.Run(cfg, &out); res.Failed() {
		t.Fatalf("unknown version should pass: %v", res.Failures())
	}
}

func TestResult_AddFailure(t *testing.T) {
	var r doctor.Result
	r.AddFailure("semantic model: bad shape")

	if !r.Failed() || r.Failures()[0] != "semantic model: bad shape" {
		t.Fatalf("failures = %v", r.Failures())
	}
}
