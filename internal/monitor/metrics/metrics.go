// Package metrics exposes the monitor's Prometheus instrumentation.
// Grounded on the teacher's internal/praefect/metrics (prometheus.go):
// package-level promauto-registered vectors rather than a struct callers
// construct, since there is exactly one of each metric for the whole
// process's lifetime. PrimaryGauge mirrors the teacher's
// metrics.PrimaryGauge (there: 1 per (virtual_storage, gitaly_storage)
// currently primary; here: 1 per (formation, group) currently primary).
// HealthCheckLatency mirrors metrics.RegisterNodeLatency. FSMTransitionsTotal
// and OperatorCallsRejectedTotal have no teacher analogue — Praefect's FSM is
// the two-or-three-way majority election in sql_elector.go, which has no
// equivalent "rejected call" surface the way this monitor's §4.7
// operator operations do — but follow the same CounterVec idiom.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pgautofailover"
const subsystem = "monitor"

// PrimaryGauge is 1 for the node currently holding a writable goalState
// in its group, 0 otherwise.
var PrimaryGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "primary",
		Help:      "1 if this node currently holds a writable goal state, 0 otherwise",
	},
	[]string{"formation_id", "group_id", "node_name"},
)

// HealthCheckLatency observes how long each node's liveness probe took,
// labeled by its outcome so a slow-but-passing probe is distinguishable
// from a fast failure (a refused connection returns almost immediately).
var HealthCheckLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "health_check_latency_seconds",
		Help:      "Liveness probe duration per node",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"node_name", "outcome"},
)

// FSMTransitionsTotal counts every goalState mutation fsm.apply persists,
// labeled by the state being entered.
var FSMTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "fsm_transitions_total",
		Help:      "Count of goal state transitions applied by the FSM",
	},
	[]string{"formation_id", "group_id", "goal_state"},
)

// OperatorCallsRejectedTotal counts operator operations (component C6)
// that returned an error, labeled by operation and monitorerr.Kind, so a
// spike in e.g. busy-retry rejections for perform_failover is visible
// without grepping logs.
var OperatorCallsRejectedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "operator_calls_rejected_total",
		Help:      "Count of operator calls that returned an error, by operation and error kind",
	},
	[]string{"operation", "kind"},
)
