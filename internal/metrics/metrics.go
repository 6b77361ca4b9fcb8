// Package metrics exposes training and generation progress as Prometheus
// collectors.
package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "s2a"
	subsystem = "train"
)

// Training groups the collectors updated by the training loop.
type Training struct {
	steps       prometheus.Counter
	samples     prometheus.Counter
	loss        prometheus.Gauge
	valLoss     prometheus.Gauge
	learnRate   prometheus.Gauge
	gradNorm    prometheus.Gauge
	accuracy    *prometheus.GaugeVec
	stepSeconds prometheus.Histogram
	nanSpeakers prometheus.Counter
	generated   prometheus.Counter
}

// NewTraining creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewTraining(reg prometheus.Registerer) (*Training, error) {
	t := &Training{
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "steps_total",
			Help: "The total number of optimizer steps.",
		}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "samples_total",
			Help: "The total number of training samples consumed.",
		}),
		loss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "loss",
			Help: "Training loss of the latest step.",
		}),
		valLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "validation_loss",
			Help: "Mean loss of the latest validation pass.",
		}),
		learnRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "learning_rate",
			Help: "Scheduled base learning rate.",
		}),
		gradNorm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "grad_norm",
			Help: "Global gradient norm before clipping.",
		}),
		accuracy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "validation_accuracy",
			Help: "Per-stream argmax accuracy of the latest validation pass.",
		}, []string{"stream"}),
		stepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "step_duration_seconds",
			Help:    "Time taken by one forward/backward/update step.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		nanSpeakers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dataset",
			Name: "nan_speaker_embeddings_total",
			Help: "Samples whose speaker embedding contained NaN values.",
		}),
		generated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generate",
			Name: "positions_total",
			Help: "Acoustic positions produced by generation.",
		}),
	}

	if reg == nil {
		return t, nil
	}

	for _, c := range []prometheus.Collector{
		t.steps, t.samples, t.loss, t.valLoss, t.learnRate, t.gradNorm,
		t.accuracy, t.stepSeconds, t.nanSpeakers, t.generated,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}

	return t, nil
}

// RecordStep records one optimizer step.
func (t *Training) RecordStep(samples int, loss, lr, gradNorm, seconds float64) {
	if t == nil {
		return
	}

	t.steps.Inc()
	t.samples.Add(float64(samples))
	t.loss.Set(loss)
	t.learnRate.Set(lr)
	t.gradNorm.Set(gradNorm)
	t.stepSeconds.Observe(seconds)
}

// RecordValidation stores the latest validation loss and the drained
// accuracy metrics, keyed "acc_<stream>".
func (t *Training) RecordValidation(loss float64, acc map[string]float64) {
	if t == nil {
		return
	}

	t.valLoss.Set(loss)

	for name, v := range acc {
		stream, _ := strings.CutPrefix(name, "acc_")
		t.accuracy.WithLabelValues(stream).Set(v)
	}
}

// RecordNaNSpeaker counts one sanitised speaker embedding.
func (t *Training) RecordNaNSpeaker() {
	if t == nil {
		return
	}

	t.nanSpeakers.Inc()
}

// RecordGenerated counts positions produced by one generation call.
func (t *Training) RecordGenerated(positions int) {
	if t == nil {
		return
	}

	t.generated.Add(float64(positions))
}
