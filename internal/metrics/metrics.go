// Package metrics exposes Prometheus counters for the router:
//
//	router_signals_total{status}       resolved signals by terminal status
//	router_duplicates_total            re-deliveries answered from the store
//	router_copies_total{result}        follower copies (success|failed|skipped)
//	router_lp_sync_total{op,result}    LP REST calls (op: push|close|update)
//	router_lp_socket_events_total{event,result}
//	router_resync_runs_total           completed re-sync passes
//
// Registered in init() and served at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_signals_total",
			Help: "Resolved signals by terminal status",
		},
		[]string{"status"},
	)

	duplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "router_duplicates_total",
			Help: "Signals answered from an earlier delivery",
		},
	)

	copies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_copies_total",
			Help: "Follower copy attempts by result",
		},
		[]string{"result"},
	)

	lpSync = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_lp_sync_total",
			Help: "LP REST sync calls by operation and result",
		},
		[]string{"op", "result"},
	)

	lpSocket = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_lp_socket_events_total",
			Help: "LP socket events by name and result (sent|dropped|failed)",
		},
		[]string{"event", "result"},
	)

	resyncRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "router_resync_runs_total",
			Help: "Completed re-sync passes",
		},
	)
)

func init() {
	prometheus.MustRegister(signals, duplicates, copies)
	prometheus.MustRegister(lpSync, lpSocket, resyncRuns)
}

func IncSignal(status string)             { signals.WithLabelValues(status).Inc() }
func IncDuplicate()                       { duplicates.Inc() }
func IncCopy(result string)               { copies.WithLabelValues(result).Inc() }
func IncLPSync(op, result string)         { lpSync.WithLabelValues(op, result).Inc() }
func IncSocketEvent(event, result string) { lpSocket.WithLabelValues(event, result).Inc() }
func IncResyncRun()                       { resyncRuns.Inc() }
