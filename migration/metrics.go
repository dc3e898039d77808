package migration

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vmcore"

var (
	pagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "migration",
		Name:      "pages_sent_total",
		Help:      "Guest pages sent, by RAM section kind.",
	}, []string{"kind"})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "migration",
		Name:      "bytes_sent_total",
		Help:      "Bytes written to migration channels, framing included.",
	})

	iterations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "migration",
		Name:      "dirty_iterations_total",
		Help:      "Dirty page rounds streamed while the guest was running.",
	})

	outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "migration",
		Name:      "outcomes_total",
		Help:      "Finished migrations by mode and result.",
	}, []string{"mode", "result"})

	downtime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "migration",
		Name:      "downtime_seconds",
		Help:      "Time the source guest spent paused during a migration.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})
)

// RegisterMetrics registers the migration collectors with r.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{pagesSent, bytesSent, iterations, outcomes, downtime} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}

			return err
		}
	}

	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrConvergenceTimeout):
		return "convergence_timeout"
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, ErrDeviceMismatch), errors.Is(err, ErrConfigMismatch):
		return "rejected"
	case errors.Is(err, ErrChannelFailure):
		return "channel_failure"
	}

	return "failed"
}
