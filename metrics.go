package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the counters exported by the sync core.
type Metrics struct {
	EventsProcessed  *prometheus.CounterVec
	BatchCommits     prometheus.Counter
	BatchFailures    prometheus.Counter
	TypingSynthStops prometheus.Counter
	TypingDropped    prometheus.Counter
	QueryRejected    *prometheus.CounterVec
	QueryResults     *prometheus.CounterVec
	SendOutcomes     *prometheus.CounterVec
	UploadOutcomes   *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them on reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_processed_total",
			Help:      "Events applied to local state, by event type.",
		}, []string{"type"}),
		BatchCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "batch_commits_total",
			Help:      "Event batches committed to the repository.",
		}),
		BatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "batch_failures_total",
			Help:      "Event batches whose commit failed.",
		}),
		TypingSynthStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "typing_synthesized_stops_total",
			Help:      "Typing stops emitted because a start timed out.",
		}),
		TypingDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "typing_dropped_stops_total",
			Help:      "Typing stops dropped because no start was live.",
		}),
		QueryRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "query_rejected_total",
			Help:      "Channel query pages rejected because one was already loading.",
		}, []string{"page"}),
		QueryResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "query_results_total",
			Help:      "Online channel query results, by outcome.",
		}, []string{"outcome"}),
		SendOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "send_outcomes_total",
			Help:      "Message send attempts, by outcome.",
		}, []string{"outcome"}),
		UploadOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "upload_outcomes_total",
			Help:      "Attachment upload jobs, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsProcessed,
			m.BatchCommits,
			m.BatchFailures,
			m.TypingSynthStops,
			m.TypingDropped,
			m.QueryRejected,
			m.QueryResults,
			m.SendOutcomes,
			m.UploadOutcomes,
		)
	}
	return m
}
