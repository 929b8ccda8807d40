package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/pricing-webhooks/internal/progress"
)

// PrometheusSink exports batch lifecycle metrics.
type PrometheusSink struct {
	registered prometheus.Counter
	inflight   prometheus.Gauge
	outcomes   *prometheus.CounterVec
	finalized  *prometheus.CounterVec
	flagged    prometheus.Counter
	discarded  *prometheus.CounterVec
	lifetime   *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		registered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_batches_registered_total",
			Help: "Batches registered with the completion tracker.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webhook_batches_inflight",
			Help: "Batches registered but not yet finalized.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_job_outcomes_total",
			Help: "Job outcomes counted by the tracker, partitioned by result.",
		}, []string{"result"}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_batches_finalized_total",
			Help: "Batches finalized, partitioned by terminal status.",
		}, []string{"status"}),
		flagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_finalize_flagged_total",
			Help: "Batches whose finalize write exhausted its retry budget.",
		}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_outcomes_discarded_total",
			Help: "Outcomes discarded by the tracker, partitioned by reason.",
		}, []string{"reason"}),
		lifetime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webhook_batch_duration_seconds",
			Help:    "Time from registration to finalize decision.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		}, []string{"status"}),
	}
	for _, collector := range []prometheus.Collector{
		s.registered, s.inflight, s.outcomes, s.finalized, s.flagged, s.discarded, s.lifetime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRegistered:
			s.registered.Inc()
			s.inflight.Inc()
		case progress.StageOutcome:
			s.outcomes.WithLabelValues(string(evt.Result)).Inc()
		case progress.StageFinalized:
			s.finalized.WithLabelValues(string(evt.Status)).Inc()
			s.inflight.Dec()
			if evt.Dur > 0 {
				s.lifetime.WithLabelValues(string(evt.Status)).Observe(evt.Dur.Seconds())
			}
		case progress.StageFlagged:
			s.flagged.Inc()
		case progress.StageDiscarded:
			reason := evt.Note
			if reason == "" {
				reason = "unknown"
			}
			s.discarded.WithLabelValues(reason).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
