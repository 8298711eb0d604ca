// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetd"

var (
	// SessionValidations counts validate() outcomes: ok or an error kind.
	SessionValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_validations_total",
		Help:      "Session token validations by outcome.",
	}, []string{"outcome"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "State machine transitions by resource, target state and outcome.",
	}, []string{"resource", "to", "outcome"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by a rate limit, by limiter kind.",
	}, []string{"kind"})

	OutboxMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_messages_total",
		Help:      "Fire-and-forget messages by channel and delivery outcome.",
	}, []string{"channel", "outcome"})

	CredentialMigrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_migrations_total",
		Help:      "Legacy password hashes rehashed at login, by outcome.",
	}, []string{"outcome"})
)
