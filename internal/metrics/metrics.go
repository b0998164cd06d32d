// Package metrics exposes prometheus counters for security events.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Login result label values.
const (
	LoginSuccess = "success"
	LoginFailure = "failure"
	LoginLocked  = "locked"
)

// Metrics holds the counters. A nil *Metrics is valid and records
// nothing, so components can run without a registry.
type Metrics struct {
	logins          *prometheus.CounterVec
	accountLocks    prometheus.Counter
	tokensIssued    *prometheus.CounterVec
	refreshReuse    prometheus.Counter
	sessionsRevoked prometheus.Counter
	storeFallbacks  prometheus.Counter
}

// New creates the counters and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_logins_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		accountLocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_account_locks_total",
			Help: "Accounts locked after repeated failed logins.",
		}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_tokens_issued_total",
			Help: "Signed tokens issued by type.",
		}, []string{"type"}),
		refreshReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_refresh_reuse_detected_total",
			Help: "Refresh tokens presented without a live server record.",
		}),
		sessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_sessions_revoked_total",
			Help: "Refresh token records deleted by logout or revocation.",
		}),
		storeFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_store_fallbacks_total",
			Help: "Transient store primary failures served from the local store.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.logins, m.accountLocks, m.tokensIssued,
			m.refreshReuse, m.sessionsRevoked, m.storeFallbacks)
	}

	return m
}

func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) AccountLocked() {
	if m == nil {
		return
	}
	m.accountLocks.Inc()
}

func (m *Metrics) TokenIssued(tokenType string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(tokenType).Inc()
}

func (m *Metrics) RefreshReuse() {
	if m == nil {
		return
	}
	m.refreshReuse.Inc()
}

// SessionsRevoked adds n deleted refresh records.
func (m *Metrics) SessionsRevoked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsRevoked.Add(float64(n))
}

func (m *Metrics) StoreFallback() {
	if m == nil {
		return
	}
	m.storeFallbacks.Inc()
}

// Handler serves the registry in the prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
