package server

import (
	"shopfloor/internal/domain"
	"shopfloor/internal/engine"
)

type CreateMachineRequest struct {
	Name              string   `json:"name" minLength:"1"`
	Type              string   `json:"type" minLength:"1"`
	Capacity          *float64 `json:"capacity,omitempty"`
	CapacityUnit      string   `json:"capacity_unit,omitempty"`
	HoursPerDay       *float64 `json:"hours_per_day,omitempty" minimum:"0" maximum:"24"`
	Status            string   `json:"status,omitempty" enum:"operational,maintenance,breakdown,inactive"`
	NextMaintenanceAt string   `json:"next_maintenance_at,omitempty" format:"date-time"`
	Notes             string   `json:"notes,omitempty"`
}

type UpdateMachineRequest struct {
	Name              *string  `json:"name,omitempty"`
	Type              *string  `json:"type,omitempty"`
	Capacity          *float64 `json:"capacity,omitempty"`
	CapacityUnit      *string  `json:"capacity_unit,omitempty"`
	HoursPerDay       *float64 `json:"hours_per_day,omitempty" minimum:"0" maximum:"24"`
	NextMaintenanceAt *string  `json:"next_maintenance_at,omitempty"`
	Notes             *string  `json:"notes,omitempty"`
}

type UpdateMachineStatusRequest struct {
	Status string `json:"status" enum:"operational,maintenance,breakdown,inactive"`
	Reason string `json:"reason,omitempty"`
}

type EnqueueRequest struct {
	BatchID        string   `json:"batch_id,omitempty"`
	BatchNumber    string   `json:"batch_number,omitempty"`
	ProductName    string   `json:"product_name,omitempty"`
	StepID         string   `json:"step_id,omitempty"`
	StepName       string   `json:"step_name,omitempty"`
	ScheduledStart string   `json:"scheduled_start,omitempty" format:"date-time"`
	ScheduledEnd   string   `json:"scheduled_end,omitempty" format:"date-time"`
	HoursRequired  *float64 `json:"hours_required,omitempty"`
	Quantity       *float64 `json:"quantity,omitempty"`
	Priority       string   `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	OperatorID     string   `json:"operator_id,omitempty"`
	OperatorName   string   `json:"operator_name,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

type BatchStepRequest struct {
	StepID        string   `json:"step_id" minLength:"1"`
	StepName      string   `json:"step_name,omitempty"`
	HoursRequired *float64 `json:"hours_required,omitempty"`
}

type EnqueueBatchRequest struct {
	MachineID   string             `json:"machine_id" minLength:"1"`
	BatchID     string             `json:"batch_id,omitempty"`
	BatchNumber string             `json:"batch_number" minLength:"1"`
	ProductName string             `json:"product_name,omitempty"`
	Quantity    *float64           `json:"quantity,omitempty"`
	Priority    string             `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	Steps       []BatchStepRequest `json:"steps" minItems:"1"`
}

type StartRequest struct {
	OperatorID   string `json:"operator_id,omitempty"`
	OperatorName string `json:"operator_name,omitempty"`
}

type CompleteRequest struct {
	Notes string `json:"notes,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RepositionRequest struct {
	Position int `json:"position" minimum:"1"`
}

type MachineQueueResponse struct {
	Machine domain.Machine     `json:"machine"`
	Items   []domain.QueueItem `json:"items"`
}

type MaintenanceScanRequest struct {
	LookaheadDays int `json:"lookahead_days,omitempty" minimum:"0"`
}

func enqueueOptions(machineID string, req EnqueueRequest, actorID string) engine.EnqueueOptions {
	return engine.EnqueueOptions{
		MachineID:      machineID,
		BatchID:        req.BatchID,
		BatchNumber:    req.BatchNumber,
		ProductName:    req.ProductName,
		StepID:         req.StepID,
		StepName:       req.StepName,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		HoursRequired:  req.HoursRequired,
		Quantity:       req.Quantity,
		Priority:       req.Priority,
		OperatorID:     req.OperatorID,
		OperatorName:   req.OperatorName,
		Notes:          req.Notes,
		ActorID:        actorID,
	}
}

func batchOptions(req EnqueueBatchRequest, actorID string) engine.BatchEnqueueOptions {
	opts := engine.BatchEnqueueOptions{
		MachineID:   req.MachineID,
		BatchID:     req.BatchID,
		BatchNumber: req.BatchNumber,
		ProductName: req.ProductName,
		Quantity:    req.Quantity,
		Priority:    req.Priority,
		ActorID:     actorID,
	}
	for _, s := range req.Steps {
		opts.Steps = append(opts.Steps, engine.BatchStep{
			StepID:        s.StepID,
			StepName:      s.StepName,
			HoursRequired: s.HoursRequired,
		})
	}
	return opts
}
