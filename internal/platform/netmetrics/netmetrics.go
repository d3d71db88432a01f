// Package netmetrics exposes a relay.Node's NetworkMetrics as Prometheus
// gauges, served over /metrics. Grounded on the teacher corpus's
// promhttp.Handler()-on-a-ServeMux pattern (see lamassuiot's cmd/ocsp).
package netmetrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source is anything that can report relay transport counters, the shape
// relay.Node.NetworkMetrics already has.
type Source interface {
	NetworkMetrics() map[string]int
}

// Exporter periodically snapshots one or more named relay channels into a
// Prometheus registry and serves them over HTTP.
type Exporter struct {
	registry *prometheus.Registry
	gauges   *prometheus.GaugeVec
	sources  map[string]Source
}

func New() *Exporter {
	registry := prometheus.NewRegistry()
	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bunker",
		Subsystem: "relay",
		Name:      "network_metric",
		Help:      "Relay transport counters, labeled by channel and metric name.",
	}, []string{"channel", "metric"})
	registry.MustRegister(gauges)
	return &Exporter{registry: registry, gauges: gauges, sources: map[string]Source{}}
}

// Track registers a named relay channel (e.g. "admin", or a key name) to be
// scraped on every collection tick.
func (e *Exporter) Track(channel string, src Source) {
	e.sources[channel] = src
}

func (e *Exporter) collect() {
	for channel, src := range e.sources {
		for metric, value := range src.NetworkMetrics() {
			e.gauges.WithLabelValues(channel, metric).Set(float64(value))
		}
	}
}

// Handler returns the promhttp handler for this exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve starts a background collection loop and an HTTP server on addr,
// both stopped when ctx is cancelled.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			return nil
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		case <-ticker.C:
			e.collect()
		}
	}
}
