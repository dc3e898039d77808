package vmm

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/bobuhiro11/vmcore/bus"
	"github.com/bobuhiro11/vmcore/migration"
	"github.com/bobuhiro11/vmcore/vcpu"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves the Prometheus registry of one VMM.
type MetricsServer struct {
	srv *http.Server
	l   net.Listener
}

// Addr is the address the server actually listens on.
func (s *MetricsServer) Addr() string {
	return s.l.Addr().String()
}

func (s *MetricsServer) Close() error {
	return s.srv.Close()
}

// NewRegistry returns a registry holding the bus, vcpu and migration
// collectors together with the Go runtime ones.
func NewRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()

	for _, register := range []func(prometheus.Registerer) error{
		bus.RegisterMetrics,
		vcpu.RegisterMetrics,
		migration.RegisterMetrics,
	} {
		if err := register(reg); err != nil {
			return nil, err
		}
	}

	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}

	return reg, nil
}

// ServeMetrics exposes /metrics on addr until the returned server is
// closed.
func (v *VMM) ServeMetrics(addr string) (*MetricsServer, error) {
	reg, err := NewRegistry()
	if err != nil {
		return nil, err
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s := &MetricsServer{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		l:   l,
	}

	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			vmmLog.WithError(err).Warn("metrics server")
		}
	}()

	vmmLog.WithField("addr", s.Addr()).Info("serving metrics")

	return s, nil
}
