// Package metrics exposes crawl counters to Prometheus and serves a health
// endpoint.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Episode outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeAbandoned = "abandoned"
)

// Metrics holds all Prometheus collectors for the crawler.
type Metrics struct {
	registry *prometheus.Registry

	Episodes        *prometheus.CounterVec
	EpisodeDuration *prometheus.HistogramVec
	Published       *prometheus.CounterVec
	DedupSkips      prometheus.Counter
	ProviderErrors  *prometheus.CounterVec
	StoredEdges     *prometheus.CounterVec
	FilteredVideos  prometheus.Counter
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Episodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vocalist_crawler_episodes_total",
				Help: "Processed loop episodes, by loop and outcome.",
			},
			[]string{"loop", "outcome"},
		),
		EpisodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vocalist_crawler_episode_duration_seconds",
				Help:    "Episode processing time before the rate-limit pause, by loop.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"loop"},
		),
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vocalist_crawler_published_total",
				Help: "Messages published, by topic.",
			},
			[]string{"topic"},
		),
		DedupSkips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vocalist_crawler_dedup_skips_total",
				Help: "Handles not enqueued because they were seen recently.",
			},
		),
		ProviderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vocalist_crawler_provider_errors_total",
				Help: "Failed provider calls, by operation.",
			},
			[]string{"operation"},
		),
		StoredEdges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vocalist_crawler_stored_edges_total",
				Help: "Edges written to the graph store, by kind.",
			},
			[]string{"kind"},
		),
		FilteredVideos: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vocalist_crawler_filtered_videos_total",
				Help: "Videos dropped by the content filter.",
			},
		),
	}

	m.registry.MustRegister(
		m.Episodes,
		m.EpisodeDuration,
		m.Published,
		m.DedupSkips,
		m.ProviderErrors,
		m.StoredEdges,
		m.FilteredVideos,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HealthFunc reports whether the crawler is healthy.
type HealthFunc func(ctx context.Context) error

// NewMux routes /metrics and /healthz.
func NewMux(m *Metrics, health HealthFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve listens on addr until ctx ends.
func Serve(ctx context.Context, addr string, m *Metrics, health HealthFunc) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(m, health),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting metrics server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
