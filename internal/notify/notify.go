// Package notify holds the outward ports of the scheduling core:
// lifecycle notifications to downstream consumers and capacity
// reservations against the sibling planning service. Failures on these
// paths are reported to the caller for logging but must never roll back
// a committed state change.
package notify

import (
	"context"

	"shopfloor/internal/domain"
)

// LifecycleEvent is emitted when a queue item starts or completes.
type LifecycleEvent struct {
	QueueID         string   `json:"queueId"`
	BatchID         string   `json:"batchId,omitempty"`
	ProductName     string   `json:"productName,omitempty"`
	Status          string   `json:"status"`
	ActualStartTime *string  `json:"actualStartTime,omitempty"`
	ActualEndTime   *string  `json:"actualEndTime,omitempty"`
	Quantity        *float64 `json:"quantity,omitempty"`
}

// Notifier delivers lifecycle events to downstream consumers.
type Notifier interface {
	NotifyLifecycle(ctx context.Context, evt LifecycleEvent) error
}

// Reservation asks the sibling planning service to hold capacity for a
// batch before its steps are queued.
type Reservation struct {
	BatchID     string  `json:"batchId"`
	BatchNumber string  `json:"batchNumber,omitempty"`
	MachineType string  `json:"machineType"`
	Hours       float64 `json:"hours"`
}

// CapacityReserver is the outward port for capacity reservations.
type CapacityReserver interface {
	ReserveCapacity(ctx context.Context, res Reservation) error
}

// LifecycleEventFor builds the outbound payload from a queue item.
func LifecycleEventFor(it domain.QueueItem) LifecycleEvent {
	return LifecycleEvent{
		QueueID:         it.BusinessID,
		BatchID:         it.BatchID,
		ProductName:     it.ProductName,
		Status:          it.Status,
		ActualStartTime: it.ActualStart,
		ActualEndTime:   it.ActualEnd,
		Quantity:        it.Quantity,
	}
}

// Nop discards notifications and reservations; used when no sink is
// configured and as a base for test doubles.
type Nop struct{}

func (Nop) NotifyLifecycle(ctx context.Context, evt LifecycleEvent) error { return nil }

func (Nop) ReserveCapacity(ctx context.Context, res Reservation) error { return nil }
