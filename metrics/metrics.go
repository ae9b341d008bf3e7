// Package metrics provides Prometheus metrics for the JWT and token gates.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "caddy"
	subsystem = "jwt_auth"
)

// Gate label values.
const (
	GateJWT   = "jwt"
	GateToken = "token"
)

// ReasonAllowed is the reason label recorded for allowed requests.
const ReasonAllowed = "allowed"

// RefreshResult label values.
const (
	RefreshSuccess = "success"
	RefreshError   = "error"
)

// MissOutcome describes what happened when a token named an unknown key id.
type MissOutcome string

// MissOutcome constants.
const (
	MissOutcomeRefreshed   MissOutcome = "refreshed"
	MissOutcomeThrottled   MissOutcome = "throttled"
	MissOutcomeNegativeHit MissOutcome = "negative_hit"
	MissOutcomeError       MissOutcome = "error"
)

var (
	// Verdicts counts gate decisions by gate and reason.
	Verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "verdicts_total",
			Help:      "Total number of gate verdicts by gate and reason",
		},
		[]string{"gate", "reason"},
	)

	// VerifyDuration tracks how long a gate check takes.
	VerifyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "verify_duration_seconds",
			Help:      "Gate check latency in seconds",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
		},
		[]string{"gate"},
	)

	// JWKSRefreshes counts key set refresh attempts by source type and result.
	JWKSRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jwks_refresh_total",
			Help:      "Total number of JWKS refresh attempts by source type and result",
		},
		[]string{"source", "result"},
	)

	// JWKSKeys tracks the number of usable keys in the current snapshot.
	JWKSKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jwks_keys",
			Help:      "Number of usable keys in the current JWKS snapshot",
		},
		[]string{"source"},
	)

	// JWKSFetchDuration tracks key set fetch latency.
	JWKSFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jwks_fetch_duration_seconds",
			Help:      "JWKS fetch latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"source"},
	)

	// JWKSHealthy reports whether the last refresh succeeded (1) or failed (0).
	JWKSHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jwks_healthy",
			Help:      "JWKS source health status (1 = last refresh succeeded, 0 = failed)",
		},
		[]string{"source"},
	)

	// UnknownKeyLookups counts tokens naming a key id absent from the snapshot.
	UnknownKeyLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unknown_kid_total",
			Help:      "Total number of unknown key id lookups by outcome",
		},
		[]string{"outcome"},
	)
)

// VerdictInfo is an in-process summary of verdicts for one gate and reason.
// It backs the Admin API when Prometheus is not scraped.
type VerdictInfo struct {
	Total  uint64    `json:"total"`
	LastAt time.Time `json:"last_at,omitempty"`
}

type verdictKey struct {
	gate   string
	reason string
}

var verdictMu sync.Mutex
var verdictInfo = make(map[verdictKey]VerdictInfo)

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer was created.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration observes the duration since the timer was created.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(time.Since(t.start).Seconds())
}

// RecordVerdict records a gate decision. An empty reason means allowed.
func RecordVerdict(gate, reason string) {
	if reason == "" {
		reason = ReasonAllowed
	}
	Verdicts.WithLabelValues(gate, reason).Inc()

	now := time.Now()
	verdictMu.Lock()
	k := verdictKey{gate: gate, reason: reason}
	info := verdictInfo[k]
	info.Total++
	info.LastAt = now
	verdictInfo[k] = info
	verdictMu.Unlock()
}

// VerdictSnapshot returns totals keyed by gate, then reason.
func VerdictSnapshot() map[string]map[string]VerdictInfo {
	verdictMu.Lock()
	defer verdictMu.Unlock()

	out := make(map[string]map[string]VerdictInfo)
	for k, v := range verdictInfo {
		byReason, ok := out[k.gate]
		if !ok {
			byReason = make(map[string]VerdictInfo)
			out[k.gate] = byReason
		}
		byReason[k.reason] = v
	}
	return out
}

// Gates returns the gates that have recorded at least one verdict, sorted.
func Gates() []string {
	snap := VerdictSnapshot()
	out := make([]string, 0, len(snap))
	for g := range snap {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// ObserveVerify records the duration of one gate check.
func ObserveVerify(gate string, d time.Duration) {
	VerifyDuration.WithLabelValues(gate).Observe(d.Seconds())
}

// RecordJWKSRefresh records a refresh attempt. keys is ignored on failure.
func RecordJWKSRefresh(source string, d time.Duration, keys int, err error) {
	if source == "" {
		source = "unknown"
	}
	JWKSFetchDuration.WithLabelValues(source).Observe(d.Seconds())
	if err != nil {
		JWKSRefreshes.WithLabelValues(source, RefreshError).Inc()
		JWKSHealthy.WithLabelValues(source).Set(0)
		return
	}
	JWKSRefreshes.WithLabelValues(source, RefreshSuccess).Inc()
	JWKSHealthy.WithLabelValues(source).Set(1)
	JWKSKeys.WithLabelValues(source).Set(float64(keys))
}

// RecordUnknownKey records the outcome of an unknown key id lookup.
func RecordUnknownKey(outcome MissOutcome) {
	if outcome == "" {
		outcome = MissOutcomeError
	}
	UnknownKeyLookups.WithLabelValues(string(outcome)).Inc()
}
