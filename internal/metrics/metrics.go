// Package metrics exports the governor's pool state to Prometheus. The
// collectors implement the pool's Observer hooks; the listener is optional
// and binds exactly the address it is given. It does not restrict that
// address to loopback.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buildgov/governor/internal/budget"
	"github.com/buildgov/governor/internal/classify"
	"github.com/buildgov/governor/internal/logging"
)

// Collector holds the governor's metric families and satisfies
// pool.Observer.
type Collector struct {
	registry *prometheus.Registry

	totalTokens     prometheus.Gauge
	availableTokens prometheus.Gauge
	activeLeases    prometheus.Gauge
	commitRatio     prometheus.Gauge
	throttleLevel   *prometheus.GaugeVec
	grants          prometheus.Counter
	grantedTokens   prometheus.Counter
	denials         *prometheus.CounterVec
	expirations     prometheus.Counter
	classifications *prometheus.CounterVec
}

// NewCollector registers the governor metric families on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		totalTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "governor_tokens_total",
			Help: "Token capacity derived from the current memory budget.",
		}),
		availableTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "governor_tokens_available",
			Help: "Tokens currently available for admission.",
		}),
		activeLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "governor_leases_active",
			Help: "Leases currently held by running tools.",
		}),
		commitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "governor_commit_ratio",
			Help: "System commit charge over commit limit.",
		}),
		throttleLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "governor_throttle_level",
			Help: "One-hot throttle band derived from the commit ratio.",
		}, []string{"level"}),
		grants: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_leases_granted_total",
			Help: "Leases granted since startup.",
		}),
		grantedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_tokens_granted_total",
			Help: "Tokens handed out across all grants.",
		}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_acquires_denied_total",
			Help: "Acquire denials by reason.",
		}, []string{"reason"}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_leases_expired_total",
			Help: "Leases reclaimed by the TTL sweep.",
		}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_release_classifications_total",
			Help: "Release outcomes by classifier label.",
		}, []string{"classification"}),
	}
	registry.MustRegister(
		c.totalTokens, c.availableTokens, c.activeLeases, c.commitRatio,
		c.throttleLevel, c.grants, c.grantedTokens, c.denials,
		c.expirations, c.classifications)
	return c
}

// BudgetUpdated implements pool.Observer.
func (c *Collector) BudgetUpdated(total, available, activeLeases int, ratio float64, level budget.ThrottleLevel) {
	c.totalTokens.Set(float64(total))
	c.availableTokens.Set(float64(available))
	c.activeLeases.Set(float64(activeLeases))
	c.commitRatio.Set(ratio)
	for _, band := range []budget.ThrottleLevel{
		budget.Normal, budget.Caution, budget.SoftStop, budget.HardStop,
	} {
		value := 0.0
		if band == level {
			value = 1.0
		}
		c.throttleLevel.WithLabelValues(string(band)).Set(value)
	}
}

// LeaseGranted implements pool.Observer.
func (c *Collector) LeaseGranted(tokens int) {
	c.grants.Inc()
	c.grantedTokens.Add(float64(tokens))
}

// LeaseDenied implements pool.Observer.
func (c *Collector) LeaseDenied(reason string) {
	c.denials.WithLabelValues(reason).Inc()
}

// LeaseExpired implements pool.Observer.
func (c *Collector) LeaseExpired() {
	c.expirations.Inc()
}

// Classified implements pool.Observer.
func (c *Collector) Classified(label classify.Classification) {
	c.classifications.WithLabelValues(string(label)).Inc()
}

// Serve exposes /metrics on addr until the context ends. Errors are logged,
// not fatal; metrics are never allowed to take the governor down.
func (c *Collector) Serve(ctx context.Context, addr string, logger *slog.Logger) {
	logger = logging.Ensure(logger).With("component", "metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Warn("metrics listener failed", "addr", addr, "error", err)
		return
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server stopped", "error", err)
	}
}
