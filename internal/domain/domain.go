package domain

// Machine statuses.
const (
	MachineOperational = "operational"
	MachineMaintenance = "maintenance"
	MachineBreakdown   = "breakdown"
	MachineInactive    = "inactive"
)

// Queue item statuses.
const (
	QueueWaiting    = "waiting"
	QueueInProgress = "in_progress"
	QueueCompleted  = "completed"
	QueuePaused     = "paused"
	QueueCancelled  = "cancelled"
)

// Queue item priorities.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

type Machine struct {
	ID                string   `json:"id"`
	BusinessID        string   `json:"business_id"`
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	Capacity          *float64 `json:"capacity,omitempty"`
	CapacityUnit      string   `json:"capacity_unit,omitempty"`
	HoursPerDay       *float64 `json:"hours_per_day,omitempty"`
	Status            string   `json:"status" enum:"operational,maintenance,breakdown,inactive"`
	NextMaintenanceAt *string  `json:"next_maintenance_at,omitempty" format:"date-time"`
	Notes             string   `json:"notes,omitempty"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

// QueueItem is one production step of a batch scheduled on a machine.
// Position is set only while the item is waiting; items in any other
// status carry no position.
type QueueItem struct {
	ID             string   `json:"id"`
	BusinessID     string   `json:"business_id"`
	MachineID      string   `json:"machine_id"`
	BatchID        string   `json:"batch_id,omitempty"`
	BatchNumber    string   `json:"batch_number,omitempty"`
	ProductName    string   `json:"product_name,omitempty"`
	StepID         string   `json:"step_id,omitempty"`
	StepName       string   `json:"step_name,omitempty"`
	ScheduledStart *string  `json:"scheduled_start,omitempty" format:"date-time"`
	ScheduledEnd   *string  `json:"scheduled_end,omitempty" format:"date-time"`
	ActualStart    *string  `json:"actual_start,omitempty" format:"date-time"`
	ActualEnd      *string  `json:"actual_end,omitempty" format:"date-time"`
	HoursRequired  *float64 `json:"hours_required,omitempty"`
	Quantity       *float64 `json:"quantity,omitempty"`
	Priority       string   `json:"priority" enum:"low,normal,high,urgent"`
	Status         string   `json:"status" enum:"waiting,in_progress,completed,paused,cancelled"`
	Position       *int     `json:"position,omitempty"`
	OperatorID     string   `json:"operator_id,omitempty"`
	OperatorName   string   `json:"operator_name,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

// MachineAvailability is the per-machine detail of a capacity answer.
type MachineAvailability struct {
	MachineID    string   `json:"machine_id"`
	BusinessID   string   `json:"business_id"`
	Name         string   `json:"name"`
	Capacity     *float64 `json:"capacity,omitempty"`
	CapacityUnit string   `json:"capacity_unit,omitempty"`
	Conflicts    int      `json:"conflicts"`
}

// Availability partitions the machines of one type for a time window.
type Availability struct {
	MachineType string                `json:"machine_type"`
	WindowStart string                `json:"window_start" format:"date-time"`
	WindowEnd   string                `json:"window_end" format:"date-time"`
	Available   bool                  `json:"available"`
	Machines    []MachineAvailability `json:"machines"`
	Unavailable []MachineAvailability `json:"unavailable"`
	Message     string                `json:"message,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PriorityRank orders priorities for queue sequencing; lower sorts first.
func PriorityRank(p string) int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}
