// Package metrics wraps the Prometheus collectors exported by the
// application pool: instance counts, spawn/eviction/restart counters,
// and waiter gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pool holds the collectors describing one Pool's state and activity.
type Pool struct {
	registry *prometheus.Registry

	InstanceCount  prometheus.Gauge
	ActiveSessions prometheus.Gauge
	IdleInstances  prometheus.Gauge
	Waiting        prometheus.Gauge

	SpawnsTotal        prometheus.Counter
	SpawnFailuresTotal prometheus.Counter
	EvictionsTotal     prometheus.Counter
	RestartsTotal      prometheus.Counter
	GetTimeoutsTotal   prometheus.Counter
}

// NewPool creates and registers the pool collector set under namespace.
func NewPool(namespace string) *Pool {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	p := &Pool{
		registry: registry,
		InstanceCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "instances", Help: "Live application instances across all apps.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sessions", Help: "Sessions currently open against an instance.",
		}),
		IdleInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "idle_instances", Help: "Instances with zero active sessions.",
		}),
		Waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "waiting", Help: "Callers currently blocked in Get.",
		}),
		SpawnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "spawns_total", Help: "Instances successfully spawned.",
		}),
		SpawnFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "spawn_failures_total", Help: "Spawn attempts that failed.",
		}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "evictions_total", Help: "Idle instances evicted to make room.",
		}),
		RestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "restarts_total", Help: "Restarts triggered by restart.txt/always_restart.txt.",
		}),
		GetTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "get_timeouts_total", Help: "Get calls that expired before a session was obtained.",
		}),
	}
	registry.MustRegister(
		p.InstanceCount, p.ActiveSessions, p.IdleInstances, p.Waiting,
		p.SpawnsTotal, p.SpawnFailuresTotal, p.EvictionsTotal, p.RestartsTotal, p.GetTimeoutsTotal,
	)
	return p
}

// Handler returns the HTTP handler serving this collector set's
// /metrics endpoint.
func (p *Pool) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
