package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordStepAndValidation(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := NewTraining(reg)
	if err != nil {
		t.Fatalf("NewTraining: %v", err)
	}

	m.RecordStep(64, 3.5, 1e-3, 2.25, 0.2)
	m.RecordStep(64, 3.0, 2e-3, 1.5, 0.1)
	m.RecordValidation(2.75, map[string]float64{"acc_0": 0.5, "acc_1": 0.25})
	m.RecordNaNSpeaker()
	m.RecordGenerated(150)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"steps", m.steps, 2},
		{"samples", m.samples, 128},
		{"loss", m.loss, 3.0},
		{"lr", m.learnRate, 2e-3},
		{"grad norm", m.gradNorm, 1.5},
		{"validation loss", m.valLoss, 2.75},
		{"stream 1 accuracy", m.accuracy.WithLabelValues("1"), 0.25},
		{"nan speakers", m.nanSpeakers, 1},
		{"generated", m.generated, 150},
	}

	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}

	if n := testutil.CollectAndCount(m.stepSeconds); n != 1 {
		t.Fatalf("histogram series = %d", n)
	}
}

func TestNilTrainingIsNoop(t *testing.T) {
	var m *Training

	m.RecordStep(1, 1, 1, 1, 1)
	m.RecordValidation(1, nil)
	m.RecordNaNSpeaker()
	m.RecordGenerated(1)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()

	if _, err := NewTraining(reg); err != nil {
		t.Fatal(err)
	}

	if _, err := NewTraining(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
