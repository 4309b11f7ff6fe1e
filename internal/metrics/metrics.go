// Package metrics exposes runtime counters over Prometheus and serves them
// together with a health endpoint.
package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomchat/loom/pkg/agent"
	"github.com/loomchat/loom/pkg/runtime/approval"
	"github.com/loomchat/loom/pkg/runtime/session"
)

// Runtime collects orchestration metrics. It implements session.Observer.
type Runtime struct {
	registry *prometheus.Registry

	eventsTotal        *prometheus.CounterVec
	flushesTotal       prometheus.Counter
	approvalOutcomes   *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	sessionsEnded      *prometheus.CounterVec
	notificationsTotal prometheus.Counter
}

// NewRuntime creates the collectors on a fresh registry.
func NewRuntime() *Runtime {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Runtime{
		registry: registry,
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_agent_events_total",
			Help: "Agent events handled, by type.",
		}, []string{"type"}),
		flushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_cache_flushes_total",
			Help: "Coalesced updates applied to the message cache.",
		}),
		approvalOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_approval_outcomes_total",
			Help: "Tool approval enqueue outcomes.",
		}, []string{"outcome"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_active_sessions",
			Help: "Streaming sessions currently live.",
		}),
		sessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_sessions_ended_total",
			Help: "Sessions reaching a terminal state, by state.",
		}, []string{"state"}),
		notificationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_notifications_total",
			Help: "Background completion notifications emitted.",
		}),
	}
}

// SessionStarted implements session.Observer.
func (r *Runtime) SessionStarted(conversationID string) {
	r.activeSessions.Inc()
}

// SessionEnded implements session.Observer.
func (r *Runtime) SessionEnded(conversationID string, state session.State) {
	r.activeSessions.Dec()
	r.sessionsEnded.WithLabelValues(string(state)).Inc()
}

// EventHandled implements session.Observer.
func (r *Runtime) EventHandled(eventType agent.EventType) {
	r.eventsTotal.WithLabelValues(string(eventType)).Inc()
}

// ApprovalOutcome records one Enqueue outcome.
func (r *Runtime) ApprovalOutcome(outcome approval.Outcome) {
	r.approvalOutcomes.WithLabelValues(string(outcome)).Inc()
}

// FlushApplied records one coalesced cache update.
func (r *Runtime) FlushApplied() {
	r.flushesTotal.Inc()
}

// NotificationSent records one background completion notification.
func (r *Runtime) NotificationSent() {
	r.notificationsTotal.Inc()
}

// Server builds the metrics/health HTTP server.
func (r *Runtime) Server(addr string, log logr.Logger) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}).Methods("GET")

	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}
