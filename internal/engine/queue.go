package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shopfloor/internal/domain"
	"shopfloor/internal/events"
	"shopfloor/internal/metrics"
	"shopfloor/internal/notify"
	"shopfloor/internal/repo"
)

type EnqueueOptions struct {
	MachineID      string `validate:"required"`
	BatchID        string
	BatchNumber    string
	ProductName    string
	StepID         string
	StepName       string
	ScheduledStart string
	ScheduledEnd   string
	HoursRequired  *float64 `validate:"omitempty,gt=0"`
	Quantity       *float64 `validate:"omitempty,gt=0"`
	Priority       string   `validate:"omitempty,oneof=low normal high urgent"`
	OperatorID     string
	OperatorName   string
	Notes          string
	ActorID        string
}

// Enqueue appends one item to a machine's queue. The new position is
// the count of waiting and in-progress items plus one, so the item
// lands behind everything currently claiming the machine.
func (e Engine) Enqueue(ctx context.Context, opts EnqueueOptions) (domain.QueueItem, error) {
	if err := validateStruct(opts); err != nil {
		return domain.QueueItem{}, err
	}
	if err := checkWindow(opts.ScheduledStart, opts.ScheduledEnd); err != nil {
		return domain.QueueItem{}, err
	}
	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}

	m, err := e.Repo.GetMachine(ctx, opts.MachineID)
	if err != nil {
		return domain.QueueItem{}, notFound(err, "machine", opts.MachineID)
	}
	unlock := e.lockMachine(m.ID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueItem{}, err
	}
	defer tx.Rollback()

	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	active, err := e.Repo.CountActiveTx(ctx, tx, m.ID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	pos := active + 1
	it := domain.QueueItem{
		ID:             uuid.New().String(),
		BusinessID:     fmt.Sprintf("QUEUE-%d-%s", now.Unix(), uuid.New().String()[:8]),
		MachineID:      m.ID,
		BatchID:        opts.BatchID,
		BatchNumber:    opts.BatchNumber,
		ProductName:    opts.ProductName,
		StepID:         opts.StepID,
		StepName:       opts.StepName,
		ScheduledStart: optionalString(opts.ScheduledStart),
		ScheduledEnd:   optionalString(opts.ScheduledEnd),
		HoursRequired:  opts.HoursRequired,
		Quantity:       opts.Quantity,
		Priority:       priority,
		Status:         domain.QueueWaiting,
		Position:       &pos,
		OperatorID:     opts.OperatorID,
		OperatorName:   opts.OperatorName,
		Notes:          opts.Notes,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	if err := e.Repo.InsertItemTx(ctx, tx, it); err != nil {
		return domain.QueueItem{}, err
	}
	err = e.Events.Append(ctx, tx, "queue.enqueued", "queue_item", it.ID, opts.ActorID, events.EventPayload{
		"business_id": it.BusinessID,
		"machine":     m.BusinessID,
		"position":    pos,
		"priority":    priority,
	})
	if err != nil {
		return domain.QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueItem{}, err
	}
	metrics.QueueOperations.WithLabelValues("enqueue", metrics.ResultOK).Inc()
	e.Log.Info().Str("item", it.BusinessID).Str("machine", m.BusinessID).Int("position", pos).Msg("item enqueued")
	return it, nil
}

type BatchStep struct {
	StepID        string `validate:"required"`
	StepName      string
	HoursRequired *float64 `validate:"omitempty,gt=0"`
}

type BatchEnqueueOptions struct {
	MachineID   string `validate:"required"`
	BatchID     string
	BatchNumber string `validate:"required"`
	ProductName string
	Quantity    *float64    `validate:"omitempty,gt=0"`
	Priority    string      `validate:"omitempty,oneof=low normal high urgent"`
	Steps       []BatchStep `validate:"required,min=1,dive"`
	ActorID     string
}

// EnqueueBatch queues every step of a production batch in order, with
// deterministic QUEUE-<batch>-<step> business ids and back-to-back
// scheduled windows. After commit it asks the planning service to hold
// the total hours; a failed reservation is logged, never unwound.
func (e Engine) EnqueueBatch(ctx context.Context, opts BatchEnqueueOptions) ([]domain.QueueItem, error) {
	if err := validateStruct(opts); err != nil {
		return nil, err
	}
	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}

	m, err := e.Repo.GetMachine(ctx, opts.MachineID)
	if err != nil {
		return nil, notFound(err, "machine", opts.MachineID)
	}
	unlock := e.lockMachine(m.ID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	active, err := e.Repo.CountActiveTx(ctx, tx, m.ID)
	if err != nil {
		return nil, err
	}

	var items []domain.QueueItem
	var totalHours float64
	cursor := now
	for i, step := range opts.Steps {
		pos := active + 1 + i
		start := cursor.UTC().Format(time.RFC3339)
		var end *string
		if step.HoursRequired != nil {
			cursor = cursor.Add(time.Duration(*step.HoursRequired * float64(time.Hour)))
			s := cursor.UTC().Format(time.RFC3339)
			end = &s
			totalHours += *step.HoursRequired
		}
		it := domain.QueueItem{
			ID:             uuid.New().String(),
			BusinessID:     fmt.Sprintf("QUEUE-%s-%s", opts.BatchNumber, step.StepID),
			MachineID:      m.ID,
			BatchID:        opts.BatchID,
			BatchNumber:    opts.BatchNumber,
			ProductName:    opts.ProductName,
			StepID:         step.StepID,
			StepName:       step.StepName,
			ScheduledStart: &start,
			ScheduledEnd:   end,
			HoursRequired:  step.HoursRequired,
			Quantity:       opts.Quantity,
			Priority:       priority,
			Status:         domain.QueueWaiting,
			Position:       &pos,
			CreatedAt:      ts,
			UpdatedAt:      ts,
		}
		if err := e.Repo.InsertItemTx(ctx, tx, it); err != nil {
			if isUniqueViolation(err) {
				return nil, &domain.ConflictError{Reason: fmt.Sprintf("batch step %s already queued", it.BusinessID)}
			}
			return nil, err
		}
		err = e.Events.Append(ctx, tx, "queue.enqueued", "queue_item", it.ID, opts.ActorID, events.EventPayload{
			"business_id": it.BusinessID,
			"machine":     m.BusinessID,
			"batch":       opts.BatchNumber,
			"position":    pos,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	metrics.QueueOperations.WithLabelValues("enqueue_batch", metrics.ResultOK).Inc()
	e.Log.Info().Str("batch", opts.BatchNumber).Str("machine", m.BusinessID).Int("steps", len(items)).Msg("batch enqueued")
	if totalHours > 0 {
		e.reserveCapacity(notify.Reservation{
			BatchID:     opts.BatchID,
			BatchNumber: opts.BatchNumber,
			MachineType: m.Type,
			Hours:       totalHours,
		})
	}
	return items, nil
}

func checkWindow(start, end string) error {
	var s, t time.Time
	var err error
	if start != "" {
		if s, err = parseTime("scheduled_start", start); err != nil {
			return err
		}
	}
	if end != "" {
		if t, err = parseTime("scheduled_end", end); err != nil {
			return err
		}
	}
	if start != "" && end != "" && !t.After(s) {
		return &domain.ValidationError{Field: "scheduled_end", Reason: "must be after scheduled_start"}
	}
	return nil
}

// Start moves a waiting item to in_progress. At most one item runs per
// machine; a second start while one is running is a conflict, not a
// transition error.
func (e Engine) Start(ctx context.Context, id, operatorID, operatorName, actorID string) (domain.QueueItem, error) {
	it, err := e.Repo.GetItem(ctx, id)
	if err != nil {
		return domain.QueueItem{}, notFound(err, "queue item", id)
	}
	unlock := e.lockMachine(it.MachineID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueItem{}, err
	}
	defer tx.Rollback()

	it, err = e.Repo.GetItemTx(ctx, tx, it.ID)
	if err != nil {
		return domain.QueueItem{}, notFound(err, "queue item", id)
	}
	if it.Status != domain.QueueWaiting {
		metrics.QueueOperations.WithLabelValues("start", metrics.ResultError).Inc()
		return domain.QueueItem{}, &domain.InvalidTransitionError{Entity: "queue item", ID: it.BusinessID, From: it.Status, To: domain.QueueInProgress}
	}
	busy, err := e.Repo.HasInProgressTx(ctx, tx, it.MachineID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	if busy {
		metrics.QueueOperations.WithLabelValues("start", metrics.ResultError).Inc()
		return domain.QueueItem{}, &domain.ConflictError{Reason: "machine already has an item in progress"}
	}

	ts := e.nowString()
	it.Status = domain.QueueInProgress
	it.ActualStart = &ts
	it.Position = nil
	if operatorID != "" {
		it.OperatorID = operatorID
	}
	if operatorName != "" {
		it.OperatorName = operatorName
	}
	it.UpdatedAt = ts
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		return domain.QueueItem{}, err
	}
	if err := e.resequenceTx(ctx, tx, it.MachineID, ts); err != nil {
		return domain.QueueItem{}, err
	}
	err = e.Events.Append(ctx, tx, "queue.started", "queue_item", it.ID, actorID, events.EventPayload{
		"business_id": it.BusinessID,
		"operator":    it.OperatorID,
	})
	if err != nil {
		return domain.QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueItem{}, err
	}
	metrics.QueueOperations.WithLabelValues("start", metrics.ResultOK).Inc()
	e.Log.Info().Str("item", it.BusinessID).Msg("item started")
	e.notifyLifecycle(it)
	return it, nil
}

// Complete finishes the running item and renumbers the remaining
// waiting items.
func (e Engine) Complete(ctx context.Context, id, notes, actorID string) (domain.QueueItem, error) {
	it, err := e.Repo.GetItem(ctx, id)
	if err != nil {
		return domain.QueueItem{}, notFound(err, "queue item", id)
	}
	unlock := e.lockMachine(it.MachineID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueItem{}, err
	}
	defer tx.Rollback()

	it, err = e.Repo.GetItemTx(ctx, tx, it.ID)
	if err != nil {
		return domain.QueueItem{}, notFound(err, "queue item", id)
	}
	if it.Status != domain.QueueInProgress {
		metrics.QueueOperations.WithLabelValues("complete", metrics.ResultError).Inc()
		return domain.QueueItem{}, &domain.InvalidTransitionError{Entity: "queue item", ID: it.BusinessID, From: it.Status, To: domain.QueueCompleted}
	}

	ts := e.nowString()
	it.Status = domain.QueueCompleted
	it.ActualEnd = &ts
	it.Position = nil
	if notes != "" {
		it.Notes = appendNote(it.Notes, ts, notes)
	}
	it.UpdatedAt = ts
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		return domain.QueueItem{}, err
	}
	if err := e.resequenceTx(ctx, tx, it.MachineID, ts); err != nil {
		return domain.QueueItem{}, err
	}
	err = e.Events.Append(ctx, tx, "queue.completed", "queue_item", it.ID, actorID, events.EventPayload{
		"business_id": it.BusinessID,
	})
	if err != nil {
		return domain.QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueItem{}, err
	}
	metrics.QueueOperations.WithLabelValues("complete", metrics.ResultOK).Inc()
	e.Log.Info().Str("item", it.BusinessID).Msg("item completed")
	e.notifyLifecycle(it)
	return it, nil
}

// Cancel drops an item that has not completed. Cancelling the running
// item frees the machine for the next start.
func (e Engine) Cancel(ctx context.Context, id, reason, actorID string) (domain.QueueItem, error) {
	it, err := e.Repo.GetItem(ctx, id)
	if err != nil {
		return domain.QueueItem{}, notFound(err, "queue item", id)
	}
	unlock := e.lockMachine(it.MachineID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueItem{}, err
	}
	defer tx.Rollback()

	it, err = e.Repo.GetItemTx(ctx, tx, it.ID)
	if err != nil {
		return domain.QueueItem{}, notFound(err, "queue item", id)
	}
	if it.Status == domain.QueueCompleted || it.Status == domain.QueueCancelled {
		metrics.QueueOperations.WithLabelValues("cancel", metrics.ResultError).Inc()
		return domain.QueueItem{}, &domain.InvalidTransitionError{Entity: "queue item", ID: it.BusinessID, From: it.Status, To: domain.QueueCancelled}
	}

	ts := e.nowString()
	from := it.Status
	it.Status = domain.QueueCancelled
	it.Position = nil
	if reason != "" {
		it.Notes = appendNote(it.Notes, ts, "cancelled: "+reason)
	}
	it.UpdatedAt = ts
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		return domain.QueueItem{}, err
	}
	if err := e.resequenceTx(ctx, tx, it.MachineID, ts); err != nil {
		return domain.QueueItem{}, err
	}
	err = e.Events.Append(ctx, tx, "queue.cancelled", "queue_item", it.ID, actorID, events.EventPayload{
		"business_id": it.BusinessID,
		"from":        from,
		"reason":      reason,
	})
	if err != nil {
		return domain.QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueItem{}, err
	}
	metrics.QueueOperations.WithLabelValues("cancel", metrics.ResultOK).Inc()
	e.Log.Info().Str("item", it.BusinessID).Str("from", from).Msg("item cancelled")
	return it, nil
}

// Pause suspends the running item without freeing its spot in line; it
// re-enters the queue through Resume.
func (e Engine) Pause(ctx context.Context, id, reason, actorID string) (domain.QueueItem, error) {
	return e.simpleTransition(ctx, id, actorID, "pause", domain.QueueInProgress, domain.QueuePaused, func(it *domain.QueueItem, ts string) {
		if reason != "" {
			it.Notes = appendNote(it.Notes, ts, "paused: "+reason)
		}
	})
}

// Resume puts a paused item back into the waiting pool; the renumber
// pass inside the transition slots it by priority and age.
func (e Engine) Resume(ctx context.Context, id, actorID string) (domain.QueueItem, error) {
	return e.simpleTransition(ctx, id, actorID, "resume", domain.QueuePaused, domain.QueueWaiting, nil)
}

func (e Engine) simpleTransition(ctx context.Context, id, actorID, operation, from, to string, mutate func(*domain.QueueItem, string)) (domain.QueueItem, error) {
	it, err := e.Repo.GetItem(ctx, id)
	if err != nil {
		return domain.QueueItem{}, notFound(err, "queue item", id)
	}
	unlock := e.lockMachine(it.MachineID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueItem{}, err
	}
	defer tx.Rollback()

	it, err = e.Repo.GetItemTx(ctx, tx, it.ID)
	if err != nil {
		return domain.QueueItem{}, notFound(err, "queue item", id)
	}
	if it.Status != from {
		metrics.QueueOperations.WithLabelValues(operation, metrics.ResultError).Inc()
		return domain.QueueItem{}, &domain.InvalidTransitionError{Entity: "queue item", ID: it.BusinessID, From: it.Status, To: to}
	}

	ts := e.nowString()
	it.Status = to
	it.Position = nil
	if mutate != nil {
		mutate(&it, ts)
	}
	it.UpdatedAt = ts
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		return domain.QueueItem{}, err
	}
	if to == domain.QueueWaiting {
		if err := e.resequenceTx(ctx, tx, it.MachineID, ts); err != nil {
			return domain.QueueItem{}, err
		}
		// Re-read under the machine lock so the caller sees the
		// position the renumber pass assigned.
		it, err = e.Repo.GetItemTx(ctx, tx, it.ID)
		if err != nil {
			return domain.QueueItem{}, err
		}
	}
	err = e.Events.Append(ctx, tx, "queue."+to, "queue_item", it.ID, actorID, events.EventPayload{
		"business_id": it.BusinessID,
	})
	if err != nil {
		return domain.QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueItem{}, err
	}
	metrics.QueueOperations.WithLabelValues(operation, metrics.ResultOK).Inc()
	e.Log.Info().Str("item", it.BusinessID).Str("status", to).Msg("item " + to)
	return it, nil
}

// resequenceTx renumbers a machine's waiting items 1..N by priority
// descending, then creation time ascending.
func (e Engine) resequenceTx(ctx context.Context, tx *sql.Tx, machineID, ts string) error {
	waiting, err := e.Repo.ListWaitingTx(ctx, tx, machineID)
	if err != nil {
		return err
	}
	for i, it := range waiting {
		pos := i + 1
		if it.Position != nil && *it.Position == pos {
			continue
		}
		if err := e.Repo.SetPositionTx(ctx, tx, it.ID, &pos, ts); err != nil {
			return err
		}
	}
	return nil
}

// Reposition moves a waiting item to a new slot; items between the old
// and new positions shift by one toward the vacated slot.
func (e Engine) Reposition(ctx context.Context, id string, newPos int, actorID string) (domain.QueueItem, error) {
	it, err := e.Repo.GetItem(ctx, id)
	if err != nil {
		return domain.QueueItem{}, notFound(err, "queue item", id)
	}
	unlock := e.lockMachine(it.MachineID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueItem{}, err
	}
	defer tx.Rollback()

	it, err = e.Repo.GetItemTx(ctx, tx, it.ID)
	if err != nil {
		return domain.QueueItem{}, notFound(err, "queue item", id)
	}
	if it.Status != domain.QueueWaiting {
		return domain.QueueItem{}, &domain.ConflictError{Reason: "only waiting items can be repositioned"}
	}
	if it.Position == nil {
		// Should not happen for a waiting item; repair and retry.
		if err := e.resequenceTx(ctx, tx, it.MachineID, e.nowString()); err != nil {
			return domain.QueueItem{}, err
		}
		it, err = e.Repo.GetItemTx(ctx, tx, it.ID)
		if err != nil || it.Position == nil {
			return domain.QueueItem{}, &domain.ConflictError{Reason: "queue item has no position"}
		}
	}
	max, err := e.Repo.MaxWaitingPositionTx(ctx, tx, it.MachineID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	if newPos < 1 || newPos > max {
		return domain.QueueItem{}, &domain.ValidationError{Field: "position", Reason: fmt.Sprintf("must be between 1 and %d", max)}
	}
	old := *it.Position
	if newPos == old {
		return it, tx.Commit()
	}

	ts := e.nowString()
	if newPos < old {
		err = e.Repo.ShiftPositionsTx(ctx, tx, it.MachineID, newPos, old-1, +1)
	} else {
		err = e.Repo.ShiftPositionsTx(ctx, tx, it.MachineID, old+1, newPos, -1)
	}
	if err != nil {
		return domain.QueueItem{}, err
	}
	if err := e.Repo.SetPositionTx(ctx, tx, it.ID, &newPos, ts); err != nil {
		return domain.QueueItem{}, err
	}
	it.Position = &newPos
	it.UpdatedAt = ts
	err = e.Events.Append(ctx, tx, "queue.repositioned", "queue_item", it.ID, actorID, events.EventPayload{
		"business_id": it.BusinessID,
		"from":        old,
		"to":          newPos,
	})
	if err != nil {
		return domain.QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueItem{}, err
	}
	metrics.QueueOperations.WithLabelValues("reposition", metrics.ResultOK).Inc()
	return it, nil
}

// GetItem looks a queue item up by internal or business id.
func (e Engine) GetItem(ctx context.Context, id string) (domain.QueueItem, error) {
	it, err := e.Repo.GetItem(ctx, id)
	if err != nil {
		return domain.QueueItem{}, notFound(err, "queue item", id)
	}
	return it, nil
}

// GetMachineQueue returns a machine's backlog: the running item first,
// then waiting items in position order, then paused items.
func (e Engine) GetMachineQueue(ctx context.Context, machineID string) (domain.Machine, []domain.QueueItem, error) {
	m, err := e.Repo.GetMachine(ctx, machineID)
	if err != nil {
		return domain.Machine{}, nil, notFound(err, "machine", machineID)
	}
	items, err := e.Repo.ListMachineQueue(ctx, m.ID)
	if err != nil {
		return domain.Machine{}, nil, err
	}
	return m, items, nil
}

// ListItems is the cross-machine item listing used by the CLI.
func (e Engine) ListItems(ctx context.Context, f repo.ItemFilters) ([]domain.QueueItem, error) {
	if f.MachineID != "" {
		m, err := e.Repo.GetMachine(ctx, f.MachineID)
		if err != nil {
			return nil, notFound(err, "machine", f.MachineID)
		}
		f.MachineID = m.ID
	}
	return e.Repo.ListItems(ctx, f)
}
