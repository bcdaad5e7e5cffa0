// Package metrics exposes scheduler and dispatcher activity as Prometheus
// metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector implements scheduler.Metrics and dispatch.Metrics.
type Collector struct {
	dispatched     *prometheus.CounterVec
	dispatchErrors *prometheus.CounterVec
	publishErrors  *prometheus.CounterVec
	evicted        *prometheus.CounterVec
	reconciles     *prometheus.CounterVec

	heapSize prometheus.Gauge
	entries  prometheus.Gauge
}

// NewCollector creates the collector and registers it with
// prometheus.DefaultRegisterer.
func NewCollector() *Collector {
	c := &Collector{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natsbeat_dispatched_total",
			Help: "Total number of tasks handed to the dispatcher",
		}, []string{"entry"}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natsbeat_dispatch_errors_total",
			Help: "Total number of tasks the dispatcher refused, such as on a full publish queue",
		}, []string{"entry"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natsbeat_publish_errors_total",
			Help: "Total number of tasks that failed to publish to NATS",
		}, []string{"entry"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natsbeat_evicted_total",
			Help: "Total number of entries removed from the heap because they will not run again",
		}, []string{"entry"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natsbeat_reconciliations_total",
			Help: "Total number of schedule reconciliations by outcome",
		}, []string{"outcome"}),
		heapSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "natsbeat_heap_size",
			Help: "Current number of events in the scheduling heap",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "natsbeat_entries",
			Help: "Current number of entries in the schedule table",
		}),
	}

	prometheus.MustRegister(c.dispatched)
	prometheus.MustRegister(c.dispatchErrors)
	prometheus.MustRegister(c.publishErrors)
	prometheus.MustRegister(c.evicted)
	prometheus.MustRegister(c.reconciles)
	prometheus.MustRegister(c.heapSize)
	prometheus.MustRegister(c.entries)

	return c
}

func (c *Collector) RecordDispatch(entry string) {
	c.dispatched.WithLabelValues(entry).Inc()
}

func (c *Collector) RecordDispatchError(entry string) {
	c.dispatchErrors.WithLabelValues(entry).Inc()
}

func (c *Collector) RecordPublishError(entry string) {
	c.publishErrors.WithLabelValues(entry).Inc()
}

func (c *Collector) RecordEviction(entry string) {
	c.evicted.WithLabelValues(entry).Inc()
}

func (c *Collector) RecordReconcile(outcome string) {
	c.reconciles.WithLabelValues(outcome).Inc()
}

func (c *Collector) SetHeapSize(n int) {
	c.heapSize.Set(float64(n))
}

func (c *Collector) SetEntries(n int) {
	c.entries.Set(float64(n))
}

// Server serves /metrics until Shutdown.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics server listening on addr. It serves the
// default gatherer.
func NewServer(addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Named("metrics"),
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Serving metrics", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
