// Package metrics holds the process-wide prometheus collectors served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Callbacks counts backend callbacks by response status code.
	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkgate_callbacks_total",
		Help: "Backend link callbacks by HTTP status.",
	}, []string{"status"})

	// LinkUpserts counts post-acknowledgement upserts: created, updated or failed.
	LinkUpserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkgate_link_upserts_total",
		Help: "Link record upserts after callback acknowledgement.",
	}, []string{"result"})

	ProxyCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkgate_proxy_calls_total",
		Help: "Proxied backend calls by method and outcome kind.",
	}, []string{"method", "outcome"})

	ProxyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "linkgate_proxy_duration_seconds",
		Help:    "Upstream latency of proxied backend calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	SysinfoLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkgate_sysinfo_lookups_total",
		Help: "System info cache lookups by result (hit, miss, error).",
	}, []string{"result"})
)
