// Package metrics defines Prometheus metrics for the link proxy, covering
// cache refreshes, logins, issued tokens and the audit log.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkproxy_cache_refreshes_total",
		Help: "Total number of completed cache refreshes by result",
	}, []string{"result"})
	CacheRefreshSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkproxy_cache_refresh_skipped_total",
		Help: "Refresh triggers ignored because a refresh was already in flight",
	})
	CacheRefreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "linkproxy_cache_refresh_duration_seconds",
		Help:    "Duration of upstream refreshes",
		Buckets: prometheus.DefBuckets,
	})
	CacheLinks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkproxy_cache_links",
		Help: "Number of links in the current snapshot",
	})
	CacheLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkproxy_cache_last_success_timestamp_seconds",
		Help: "Unix time of the last successful refresh",
	})

	TokensIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkproxy_tokens_issued_total",
		Help: "Bearer tokens issued by tier",
	}, []string{"tier"})
	// outcome is one of success, invalid, missing, rate_limited.
	AdminLogins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkproxy_admin_logins_total",
		Help: "Admin login attempts by outcome",
	}, []string{"outcome"})
	KeyVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkproxy_key_verifications_total",
		Help: "Access key verifications by outcome",
	}, []string{"outcome"})

	AuditEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkproxy_audit_entries",
		Help: "Entries currently held in the audit log",
	})
	AuditEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkproxy_audit_evicted_total",
		Help: "Audit entries evicted because the log was full",
	})
	AuditArchiveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkproxy_audit_archive_failures_total",
		Help: "Audit entries that could not be written to the archive",
	})
	AuditArchiveDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkproxy_audit_archive_dropped_total",
		Help: "Audit entries not archived because the archive queue was full",
	})

	RequestsThrottled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkproxy_requests_throttled_total",
		Help: "Requests rejected by the per-client token bucket",
	}, []string{"path"})
)

func init() {
	prometheus.MustRegister(CacheRefreshes)
	prometheus.MustRegister(CacheRefreshSkipped)
	prometheus.MustRegister(CacheRefreshDuration)
	prometheus.MustRegister(CacheLinks)
	prometheus.MustRegister(CacheLastSuccess)
	prometheus.MustRegister(TokensIssued)
	prometheus.MustRegister(AdminLogins)
	prometheus.MustRegister(KeyVerifications)
	prometheus.MustRegister(AuditEntries)
	prometheus.MustRegister(AuditEvicted)
	prometheus.MustRegister(AuditArchiveFailures)
	prometheus.MustRegister(AuditArchiveDropped)
	prometheus.MustRegister(RequestsThrottled)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
