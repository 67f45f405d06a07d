package engine

import (
	"context"
	"database/sql"
	"fmt"

	"shopfloor/internal/domain"
	"shopfloor/internal/events"
)

// reassignBacklog runs inside the status-change transaction when a
// machine leaves operational. Running items pause where they are.
// Waiting items move, in position order, to an operational machine of
// the same type at the tail of its waiting queue; with no candidate
// they pause on the original machine. Returns how many items were
// moved and how many were paused.
func (e Engine) reassignBacklog(ctx context.Context, tx *sql.Tx, m domain.Machine, newStatus, actorID string) (int, int, error) {
	ts := e.nowString()
	paused := 0

	running, err := e.Repo.ListByStatusTx(ctx, tx, m.ID, domain.QueueInProgress)
	if err != nil {
		return 0, 0, err
	}
	for _, it := range running {
		it.Status = domain.QueuePaused
		it.Position = nil
		it.Notes = appendNote(it.Notes, ts, fmt.Sprintf("paused: machine %s changed to %s", m.BusinessID, newStatus))
		it.UpdatedAt = ts
		if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
			return 0, 0, err
		}
		err := e.Events.Append(ctx, tx, "queue.paused", "queue_item", it.ID, actorID, events.EventPayload{
			"business_id": it.BusinessID,
			"machine":     m.BusinessID,
			"cause":       "machine_" + newStatus,
		})
		if err != nil {
			return 0, 0, err
		}
		paused++
	}

	candidates, err := e.Repo.ListCandidateMachinesTx(ctx, tx, m.Type, m.ID)
	if err != nil {
		return 0, 0, err
	}

	waiting, err := e.Repo.ListByStatusTx(ctx, tx, m.ID, domain.QueueWaiting)
	if err != nil {
		return 0, 0, err
	}
	reassigned := 0
	for _, it := range waiting {
		if len(candidates) == 0 {
			it.Status = domain.QueuePaused
			it.Position = nil
			it.Notes = appendNote(it.Notes, ts, fmt.Sprintf("paused: machine %s changed to %s, no alternative %s available", m.BusinessID, newStatus, m.Type))
			it.UpdatedAt = ts
			if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
				return 0, 0, err
			}
			err := e.Events.Append(ctx, tx, "queue.paused", "queue_item", it.ID, actorID, events.EventPayload{
				"business_id": it.BusinessID,
				"machine":     m.BusinessID,
				"cause":       "no_alternative",
			})
			if err != nil {
				return 0, 0, err
			}
			paused++
			continue
		}
		target := candidates[0]
		tail, err := e.Repo.MaxWaitingPositionTx(ctx, tx, target.ID)
		if err != nil {
			return 0, 0, err
		}
		pos := tail + 1
		it.MachineID = target.ID
		it.Position = &pos
		it.Notes = appendNote(it.Notes, ts, fmt.Sprintf("reassigned from %s to %s: machine changed to %s", m.BusinessID, target.BusinessID, newStatus))
		it.UpdatedAt = ts
		if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
			return 0, 0, err
		}
		err = e.Events.Append(ctx, tx, "queue.reassigned", "queue_item", it.ID, actorID, events.EventPayload{
			"business_id": it.BusinessID,
			"from":        m.BusinessID,
			"to":          target.BusinessID,
			"position":    pos,
		})
		if err != nil {
			return 0, 0, err
		}
		reassigned++
	}
	return reassigned, paused, nil
}
