package bus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vmcore"

var dispatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "bus",
	Name:      "dispatch_errors_total",
	Help:      "Failed guest accesses by bus and kind.",
}, []string{"bus", "kind"})

// RegisterMetrics registers the bus collectors with r.
func RegisterMetrics(r prometheus.Registerer) error {
	return r.Register(dispatchErrors)
}
