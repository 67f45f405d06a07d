package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"shopfloor/internal/domain"
	"shopfloor/internal/events"
	"shopfloor/internal/metrics"
	"shopfloor/internal/repo"
)

type MachineCreateOptions struct {
	Name              string `validate:"required"`
	Type              string `validate:"required"`
	Capacity          *float64
	CapacityUnit      string
	HoursPerDay       *float64 `validate:"omitempty,gt=0,lte=24"`
	Status            string   `validate:"omitempty,oneof=operational maintenance breakdown inactive"`
	NextMaintenanceAt string
	Notes             string
	ActorID           string
}

// CreateMachine registers a machine with a sequential MACHINE-NNN
// business id. The sequence is read inside the creating transaction;
// a unique-constraint race falls back to a timestamp-derived id.
func (e Engine) CreateMachine(ctx context.Context, opts MachineCreateOptions) (domain.Machine, error) {
	if err := validateStruct(opts); err != nil {
		return domain.Machine{}, err
	}
	if opts.NextMaintenanceAt != "" {
		t, err := parseTime("next_maintenance_at", opts.NextMaintenanceAt)
		if err != nil {
			return domain.Machine{}, err
		}
		// Stored in UTC so due-date comparisons hold for any input offset.
		opts.NextMaintenanceAt = t.UTC().Format(time.RFC3339)
	}
	status := opts.Status
	if status == "" {
		status = domain.MachineOperational
	}

	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	m := domain.Machine{
		ID:                uuid.New().String(),
		Name:              opts.Name,
		Type:              opts.Type,
		Capacity:          opts.Capacity,
		CapacityUnit:      opts.CapacityUnit,
		HoursPerDay:       opts.HoursPerDay,
		Status:            status,
		NextMaintenanceAt: optionalString(opts.NextMaintenanceAt),
		Notes:             opts.Notes,
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Machine{}, err
	}
	defer tx.Rollback()

	seq, err := e.Repo.MaxBusinessSeqTx(ctx, tx)
	if err != nil {
		return domain.Machine{}, err
	}
	m.BusinessID = fmt.Sprintf("MACHINE-%03d", seq+1)
	if err := e.Repo.InsertMachineTx(ctx, tx, m); err != nil {
		if !isUniqueViolation(err) {
			return domain.Machine{}, err
		}
		m.BusinessID = fmt.Sprintf("MACHINE-%d", now.UnixMilli())
		if err := e.Repo.InsertMachineTx(ctx, tx, m); err != nil {
			return domain.Machine{}, err
		}
	}
	err = e.Events.Append(ctx, tx, "machine.created", "machine", m.ID, opts.ActorID, events.EventPayload{
		"business_id": m.BusinessID,
		"name":        m.Name,
		"type":        m.Type,
		"status":      m.Status,
	})
	if err != nil {
		return domain.Machine{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Machine{}, err
	}
	e.Log.Info().Str("machine", m.BusinessID).Str("type", m.Type).Msg("machine created")
	return m, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (e Engine) GetMachine(ctx context.Context, id string) (domain.Machine, error) {
	m, err := e.Repo.GetMachine(ctx, id)
	if err != nil {
		return domain.Machine{}, notFound(err, "machine", id)
	}
	return m, nil
}

func (e Engine) ListMachines(ctx context.Context, f repo.MachineFilters) ([]domain.Machine, error) {
	if f.Status != "" && !validMachineStatus(f.Status) {
		return nil, &domain.ValidationError{Field: "status", Reason: "unknown machine status"}
	}
	return e.Repo.ListMachines(ctx, f)
}

type MachineUpdateOptions struct {
	Name              *string
	Type              *string
	Capacity          *float64
	CapacityUnit      *string
	HoursPerDay       *float64 `validate:"omitempty,gt=0,lte=24"`
	NextMaintenanceAt *string
	Notes             *string
	ActorID           string
}

// UpdateMachine edits descriptive fields. Status changes go through
// UpdateMachineStatus so the transition rules and the reassignment
// cascade always apply.
func (e Engine) UpdateMachine(ctx context.Context, id string, opts MachineUpdateOptions) (domain.Machine, error) {
	if err := validateStruct(opts); err != nil {
		return domain.Machine{}, err
	}
	if opts.NextMaintenanceAt != nil && *opts.NextMaintenanceAt != "" {
		t, err := parseTime("next_maintenance_at", *opts.NextMaintenanceAt)
		if err != nil {
			return domain.Machine{}, err
		}
		utc := t.UTC().Format(time.RFC3339)
		opts.NextMaintenanceAt = &utc
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Machine{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMachineTx(ctx, tx, id)
	if err != nil {
		return domain.Machine{}, notFound(err, "machine", id)
	}
	if opts.Name != nil {
		m.Name = *opts.Name
	}
	if opts.Type != nil {
		m.Type = *opts.Type
	}
	if opts.Capacity != nil {
		m.Capacity = opts.Capacity
	}
	if opts.CapacityUnit != nil {
		m.CapacityUnit = *opts.CapacityUnit
	}
	if opts.HoursPerDay != nil {
		m.HoursPerDay = opts.HoursPerDay
	}
	if opts.NextMaintenanceAt != nil {
		m.NextMaintenanceAt = optionalString(*opts.NextMaintenanceAt)
	}
	if opts.Notes != nil {
		m.Notes = *opts.Notes
	}
	m.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateMachineTx(ctx, tx, m); err != nil {
		return domain.Machine{}, notFound(err, "machine", id)
	}
	if err := e.Events.Append(ctx, tx, "machine.updated", "machine", m.ID, opts.ActorID, events.EventPayload{"business_id": m.BusinessID}); err != nil {
		return domain.Machine{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Machine{}, err
	}
	return m, nil
}

// DeleteMachine removes a machine that has no waiting, running, or
// paused work left on it.
func (e Engine) DeleteMachine(ctx context.Context, id, actorID string) error {
	m, err := e.Repo.GetMachine(ctx, id)
	if err != nil {
		return notFound(err, "machine", id)
	}
	unlock := e.lockMachine(m.ID)
	defer unlock()

	active, err := e.Repo.CountActive(ctx, m.ID)
	if err != nil {
		return err
	}
	if active > 0 {
		return &domain.ConflictError{Reason: fmt.Sprintf("machine %s still has %d active queue items", m.BusinessID, active)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteMachineTx(ctx, tx, m.ID); err != nil {
		return notFound(err, "machine", id)
	}
	if err := e.Events.Append(ctx, tx, "machine.deleted", "machine", m.ID, actorID, events.EventPayload{"business_id": m.BusinessID}); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateMachineStatus applies a status transition and, when the machine
// leaves operational, cascades its backlog in the same transaction:
// running work pauses, waiting work moves to an alternative machine of
// the same type or pauses when none exists.
func (e Engine) UpdateMachineStatus(ctx context.Context, id, newStatus, reason, actorID string) (domain.Machine, error) {
	if !validMachineStatus(newStatus) {
		return domain.Machine{}, &domain.ValidationError{Field: "status", Reason: "unknown machine status"}
	}

	m, err := e.Repo.GetMachine(ctx, id)
	if err != nil {
		return domain.Machine{}, notFound(err, "machine", id)
	}
	unlock := e.lockMachine(m.ID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Machine{}, err
	}
	defer tx.Rollback()

	m, err = e.Repo.GetMachineTx(ctx, tx, m.ID)
	if err != nil {
		return domain.Machine{}, notFound(err, "machine", id)
	}
	if err := ensureMachineTransition(m.Status, newStatus); err != nil {
		return domain.Machine{}, err
	}

	var reassigned, paused int
	if newStatus != domain.MachineOperational {
		reassigned, paused, err = e.reassignBacklog(ctx, tx, m, newStatus, actorID)
		if err != nil {
			return domain.Machine{}, err
		}
	}

	ts := e.nowString()
	from := m.Status
	line := fmt.Sprintf("status %s -> %s", from, newStatus)
	if reason != "" {
		line += ": " + reason
	}
	m.Notes = appendNote(m.Notes, ts, line)
	m.Status = newStatus
	m.UpdatedAt = ts
	if err := e.Repo.UpdateMachineTx(ctx, tx, m); err != nil {
		return domain.Machine{}, err
	}
	err = e.Events.Append(ctx, tx, "machine.status_changed", "machine", m.ID, actorID, events.EventPayload{
		"business_id": m.BusinessID,
		"from":        from,
		"to":          newStatus,
		"reason":      reason,
		"reassigned":  reassigned,
		"paused":      paused,
	})
	if err != nil {
		return domain.Machine{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Machine{}, err
	}
	metrics.MachineStatusChanges.WithLabelValues(newStatus).Inc()
	e.Log.Info().Str("machine", m.BusinessID).Str("from", from).Str("to", newStatus).
		Int("reassigned", reassigned).Int("paused", paused).Msg("machine status changed")
	return m, nil
}

func validMachineStatus(s string) bool {
	switch s {
	case domain.MachineOperational, domain.MachineMaintenance, domain.MachineBreakdown, domain.MachineInactive:
		return true
	}
	return false
}

// ensureMachineTransition enforces the machine status table. Breakdown
// repairs go through maintenance before the machine is operational
// again; machines in maintenance return to service or break down, they
// are not retired directly; parked machines come back through
// operational or maintenance.
func ensureMachineTransition(from, to string) error {
	if from == to {
		return &domain.InvalidTransitionError{Entity: "machine", From: from, To: to}
	}
	ok := false
	switch from {
	case domain.MachineOperational:
		ok = to == domain.MachineMaintenance || to == domain.MachineBreakdown || to == domain.MachineInactive
	case domain.MachineMaintenance:
		ok = to == domain.MachineOperational || to == domain.MachineBreakdown
	case domain.MachineBreakdown:
		ok = to == domain.MachineMaintenance || to == domain.MachineInactive
	case domain.MachineInactive:
		ok = to == domain.MachineOperational || to == domain.MachineMaintenance
	}
	if !ok {
		return &domain.InvalidTransitionError{Entity: "machine", From: from, To: to}
	}
	return nil
}

// MaintenanceReport summarizes one maintenance scan pass.
type MaintenanceReport struct {
	Due          []domain.Machine  `json:"due"`
	Transitioned []string          `json:"transitioned"`
	Failed       map[string]string `json:"failed,omitempty"`
}

// MaintenanceScan lists machines due for maintenance within the
// lookahead window and moves overdue operational machines into
// maintenance. One machine failing does not stop the pass.
func (e Engine) MaintenanceScan(ctx context.Context, lookaheadDays int, actorID string) (MaintenanceReport, error) {
	if lookaheadDays <= 0 {
		lookaheadDays = 7
	}
	now := e.now()
	cutoff := now.AddDate(0, 0, lookaheadDays).UTC().Format(time.RFC3339)
	due, err := e.Repo.MachinesDueMaintenance(ctx, cutoff)
	if err != nil {
		return MaintenanceReport{}, err
	}

	report := MaintenanceReport{Due: due}
	nowStr := now.UTC().Format(time.RFC3339)
	for _, m := range due {
		if m.Status != domain.MachineOperational || m.NextMaintenanceAt == nil || *m.NextMaintenanceAt > nowStr {
			continue
		}
		_, err := e.UpdateMachineStatus(ctx, m.ID, domain.MachineMaintenance, "scheduled maintenance due", actorID)
		if err != nil {
			if report.Failed == nil {
				report.Failed = map[string]string{}
			}
			report.Failed[m.BusinessID] = err.Error()
			e.Log.Warn().Err(err).Str("machine", m.BusinessID).Msg("maintenance transition failed")
			continue
		}
		report.Transitioned = append(report.Transitioned, m.BusinessID)
	}
	e.Log.Info().Int("due", len(due)).Int("transitioned", len(report.Transitioned)).Msg("maintenance scan finished")
	return report, nil
}
