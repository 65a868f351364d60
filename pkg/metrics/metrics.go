package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "obeci", Name: "rate_limit_allowed_total", Help: "Number of allowed requests by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "obeci", Name: "rate_limit_rejected_total", Help: "Number of rejected requests by limiter type."},
		[]string{"limiter"},
	)
	CollabUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "obeci", Name: "collab_updates_total", Help: "Instrument snapshot updates by outcome."},
		[]string{"outcome"},
	)
	ChangeLogEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "obeci", Name: "collab_changelog_entries_total", Help: "Change-log decisions by result."},
		[]string{"result"},
	)
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "obeci", Name: "realtime_messages_published_total", Help: "Realtime deliveries by kind."},
		[]string{"kind"},
	)
	SubscribeDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "obeci", Name: "realtime_subscribe_denied_total", Help: "Rejected topic subscriptions by reason."},
		[]string{"reason"},
	)
	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "obeci", Name: "realtime_connections", Help: "Open realtime connections."},
	)
)

// Update outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeNoop     = "noop"
	OutcomeConflict = "conflict"
	OutcomeNotFound = "not_found"
	OutcomeInvalid  = "invalid"
	OutcomeFailed   = "failed"
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(RateLimitAllowed)
	reg.MustRegister(RateLimitRejected)
	reg.MustRegister(CollabUpdates)
	reg.MustRegister(ChangeLogEntries)
	reg.MustRegister(MessagesPublished)
	reg.MustRegister(SubscribeDenied)
	reg.MustRegister(Connections)
}
