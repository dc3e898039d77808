package vcpu

import (
	"github.com/prometheus/client_golang/prometheus"
)

var exitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vmcore",
	Subsystem: "vcpu",
	Name:      "exits_total",
	Help:      "Guest exits handled by reason.",
}, []string{"reason"})

// RegisterMetrics registers the vcpu collectors with r.
func RegisterMetrics(r prometheus.Registerer) error {
	return r.Register(exitCounter)
}
