// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btbusd_signals_dispatched_total",
		Help: "Total daemon signals translated into application callbacks",
	}, []string{"member"})

	WatchSetSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "btbusd_watch_set_size",
		Help: "Current number of descriptors in the poll watch set",
	})

	ControlOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btbusd_control_ops_total",
		Help: "Total control-channel records written by op",
	}, []string{"op"})

	AgentRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btbusd_agent_requests_total",
		Help: "Total pairing-agent method calls by member",
	}, []string{"member"})

	BondResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btbusd_bond_results_total",
		Help: "Total pairing completions by mapped result",
	}, []string{"result"})

	AsyncCallsInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "btbusd_async_calls_inflight",
		Help: "Async daemon calls awaiting completion",
	})

	HTTPRequestsInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "btbusd_http_requests_inflight",
		Help: "Admin HTTP requests currently being served",
	})
)

// IncSignal records one dispatched signal for the given member.
func IncSignal(member string) {
	if member == "" {
		member = "unknown"
	}
	SignalsTotal.WithLabelValues(member).Inc()
}

// SetWatchSetSize records the watch set size after a mutation.
func SetWatchSetSize(n int) {
	WatchSetSize.Set(float64(n))
}

// IncControlOp records one written control record.
func IncControlOp(op string) {
	ControlOpsTotal.WithLabelValues(op).Inc()
}

// IncAgentRequest records one inbound agent method call.
func IncAgentRequest(member string) {
	if member == "" {
		member = "unknown"
	}
	AgentRequestsTotal.WithLabelValues(member).Inc()
}

// IncBondResult records one mapped pairing result.
func IncBondResult(result string) {
	BondResultsTotal.WithLabelValues(result).Inc()
}
