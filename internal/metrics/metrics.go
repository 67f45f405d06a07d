package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueOperations counts queue mutations by operation and result.
	QueueOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shopfloor",
		Name:      "queue_operations_total",
		Help:      "Queue mutations by operation and result.",
	}, []string{"operation", "result"})

	// MachineStatusChanges counts machine status transitions by target status.
	MachineStatusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shopfloor",
		Name:      "machine_status_changes_total",
		Help:      "Machine status transitions by target status.",
	}, []string{"status"})

	// NotifyFailures counts failed outward notification attempts.
	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shopfloor",
		Name:      "notify_failures_total",
		Help:      "Failed lifecycle notification and reservation deliveries.",
	})

	// CapacityChecks counts capacity queries by outcome.
	CapacityChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shopfloor",
		Name:      "capacity_checks_total",
		Help:      "Capacity availability queries by outcome.",
	}, []string{"outcome"})
)

// Result labels for QueueOperations.
const (
	ResultOK    = "ok"
	ResultError = "error"
)
