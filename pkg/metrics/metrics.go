// Package metrics exposes the gateway's Prometheus instrumentation: the
// exported registry counters incremented by the decision engine (C5), the
// login state machine (C6), and the token manager (C3), plus the
// /metrics HTTP handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AuthDecisions counts /auth subrequest outcomes by result: "allow",
// "unauthorized", or "forbidden".
var AuthDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gafaelfawr",
	Name:      "auth_decisions_total",
	Help:      "Count of /auth subrequest decisions by result.",
}, []string{"result"})

// LoginAttempts counts completed login callbacks by outcome: "success",
// "state_mismatch", "provider_failure", or "internal_error".
var LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gafaelfawr",
	Name:      "login_attempts_total",
	Help:      "Count of completed login callbacks by outcome.",
}, []string{"outcome"})

// TokenMutations counts token lifecycle operations by action: "create",
// "modify", or "revoke".
var TokenMutations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gafaelfawr",
	Name:      "token_mutations_total",
	Help:      "Count of token create/modify/revoke operations by action.",
}, []string{"action"})

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
