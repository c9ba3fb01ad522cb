// Package metrics exposes the engine's Prometheus instruments on a private
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agora"

// Metrics groups every collector.
type Metrics struct {
	Registry *prometheus.Registry

	cultureTransforms *prometheus.CounterVec
	cultureFailures   *prometheus.CounterVec
	votesOpened       *prometheus.CounterVec
	voteOutcomes      *prometheus.CounterVec
	llmRequests       *prometheus.CounterVec
	llmDuration       *prometheus.HistogramVec
	stageOutcomes     *prometheus.CounterVec
	actionAttempts    *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		cultureTransforms: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "culture_transforms_total",
			Help:      "Messages transformed, by culture module.",
		}, []string{"module"}),
		cultureFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "culture_failures_total",
			Help:      "Culture transforms that failed and fell through.",
		}, []string{"module"}),
		votesOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_opened_total",
			Help:      "Votes opened, by decision module.",
		}, []string{"module"}),
		voteOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vote_outcomes_total",
			Help:      "Closed votes, by decision module and outcome.",
		}, []string{"module", "outcome"}),
		llmRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "LLM completion requests.",
		}, []string{"provider", "model", "status"}),
		llmDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM completion latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "model"}),
		stageOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quest_stage_outcomes_total",
			Help:      "Quest stages finished, by how they ended.",
		}, []string{"outcome"}),
		actionAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quest_action_attempts_total",
			Help:      "Action invocations, by verb and status.",
		}, []string{"verb", "status"}),
	}
}

// CultureApplied counts a successful transform.
func (m *Metrics) CultureApplied(module string) {
	if m == nil {
		return
	}
	m.cultureTransforms.WithLabelValues(module).Inc()
}

// CultureFailed counts a transform that fell through.
func (m *Metrics) CultureFailed(module string) {
	if m == nil {
		return
	}
	m.cultureFailures.WithLabelValues(module).Inc()
}

// VoteOpened counts an opened vote.
func (m *Metrics) VoteOpened(module string) {
	if m == nil {
		return
	}
	m.votesOpened.WithLabelValues(module).Inc()
}

// VoteClosed records whether a vote produced a winner.
func (m *Metrics) VoteClosed(module string, winner bool) {
	if m == nil {
		return
	}
	outcome := "no_winner"
	if winner {
		outcome = "winner"
	}
	m.voteOutcomes.WithLabelValues(module, outcome).Inc()
}

// LLMRequest records one completion call.
func (m *Metrics) LLMRequest(provider, model string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.llmRequests.WithLabelValues(provider, model, status).Inc()
	if err == nil {
		m.llmDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
	}
}

// StageFinished records a stage outcome (progress, timeout, failed, aborted).
func (m *Metrics) StageFinished(outcome string) {
	if m == nil {
		return
	}
	m.stageOutcomes.WithLabelValues(outcome).Inc()
}

// ActionAttempted records an action invocation.
func (m *Metrics) ActionAttempted(verb string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.actionAttempts.WithLabelValues(verb, status).Inc()
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
