package repo

import (
	"context"
	"database/sql"
	"strings"

	"shopfloor/internal/domain"
)

const itemColumns = `id,business_id,machine_id,batch_id,batch_number,product_name,step_id,step_name,scheduled_start,scheduled_end,actual_start,actual_end,hours_required,quantity,priority,status,position,operator_id,operator_name,notes,created_at,updated_at`

// priorityOrder ranks priorities in SQL; lower sorts first.
const priorityOrder = `CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END`

func scanItem(s scanner) (domain.QueueItem, error) {
	var it domain.QueueItem
	var batchID, batchNumber, productName, stepID, stepName sql.NullString
	var schedStart, schedEnd, actStart, actEnd sql.NullString
	var hours, quantity sql.NullFloat64
	var position sql.NullInt64
	var operatorID, operatorName, notes sql.NullString
	err := s.Scan(&it.ID, &it.BusinessID, &it.MachineID, &batchID, &batchNumber, &productName, &stepID, &stepName,
		&schedStart, &schedEnd, &actStart, &actEnd, &hours, &quantity, &it.Priority, &it.Status, &position,
		&operatorID, &operatorName, &notes, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if batchID.Valid {
		it.BatchID = batchID.String
	}
	if batchNumber.Valid {
		it.BatchNumber = batchNumber.String
	}
	if productName.Valid {
		it.ProductName = productName.String
	}
	if stepID.Valid {
		it.StepID = stepID.String
	}
	if stepName.Valid {
		it.StepName = stepName.String
	}
	if schedStart.Valid {
		it.ScheduledStart = &schedStart.String
	}
	if schedEnd.Valid {
		it.ScheduledEnd = &schedEnd.String
	}
	if actStart.Valid {
		it.ActualStart = &actStart.String
	}
	if actEnd.Valid {
		it.ActualEnd = &actEnd.String
	}
	if hours.Valid {
		it.HoursRequired = &hours.Float64
	}
	if quantity.Valid {
		it.Quantity = &quantity.Float64
	}
	if position.Valid {
		p := int(position.Int64)
		it.Position = &p
	}
	if operatorID.Valid {
		it.OperatorID = operatorID.String
	}
	if operatorName.Valid {
		it.OperatorName = operatorName.String
	}
	if notes.Valid {
		it.Notes = notes.String
	}
	return it, nil
}

func (r Repo) InsertItemTx(ctx context.Context, tx *sql.Tx, it domain.QueueItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO queue_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.BusinessID, it.MachineID, nullable(it.BatchID), nullable(it.BatchNumber), nullable(it.ProductName),
		nullable(it.StepID), nullable(it.StepName), nullableStringPtr(it.ScheduledStart), nullableStringPtr(it.ScheduledEnd),
		nullableStringPtr(it.ActualStart), nullableStringPtr(it.ActualEnd), nullableFloatPtr(it.HoursRequired),
		nullableFloatPtr(it.Quantity), it.Priority, it.Status, nullableIntPtr(it.Position),
		nullable(it.OperatorID), nullable(it.OperatorName), it.Notes, it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) UpdateItemTx(ctx context.Context, tx *sql.Tx, it domain.QueueItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE queue_items SET machine_id=?, scheduled_start=?, scheduled_end=?, actual_start=?, actual_end=?, hours_required=?, quantity=?, priority=?, status=?, position=?, operator_id=?, operator_name=?, notes=?, updated_at=? WHERE id=?`,
		it.MachineID, nullableStringPtr(it.ScheduledStart), nullableStringPtr(it.ScheduledEnd),
		nullableStringPtr(it.ActualStart), nullableStringPtr(it.ActualEnd), nullableFloatPtr(it.HoursRequired),
		nullableFloatPtr(it.Quantity), it.Priority, it.Status, nullableIntPtr(it.Position),
		nullable(it.OperatorID), nullable(it.OperatorName), it.Notes, it.UpdatedAt, it.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetItem looks a queue item up by internal id or business id.
func (r Repo) GetItem(ctx context.Context, id string) (domain.QueueItem, error) {
	return scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id=? OR business_id=?`, id, id))
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.QueueItem, error) {
	return scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id=? OR business_id=?`, id, id))
}

// ListMachineQueue returns a machine's backlog: the running item first,
// waiting items in position order, then paused items.
func (r Repo) ListMachineQueue(ctx context.Context, machineID string) ([]domain.QueueItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM queue_items
WHERE machine_id=? AND status IN (?,?,?)
ORDER BY CASE status WHEN 'in_progress' THEN 0 WHEN 'waiting' THEN 1 ELSE 2 END, COALESCE(position, 1000000), created_at ASC, id ASC`,
		machineID, domain.QueueInProgress, domain.QueueWaiting, domain.QueuePaused)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListWaitingTx returns the machine's waiting items in sequencing
// order: priority descending, then creation time ascending.
func (r Repo) ListWaitingTx(ctx context.Context, tx *sql.Tx, machineID string) ([]domain.QueueItem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+itemColumns+` FROM queue_items
WHERE machine_id=? AND status=? ORDER BY `+priorityOrder+`, created_at ASC, id ASC`, machineID, domain.QueueWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListByStatusTx returns a machine's items with the given status.
func (r Repo) ListByStatusTx(ctx context.Context, tx *sql.Tx, machineID, status string) ([]domain.QueueItem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE machine_id=? AND status=? ORDER BY COALESCE(position, 1000000), created_at ASC, id ASC`, machineID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListActiveItems returns a machine's waiting and in-progress items,
// for capacity window checks.
func (r Repo) ListActiveItems(ctx context.Context, machineID string) ([]domain.QueueItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE machine_id=? AND status IN (?,?)`,
		machineID, domain.QueueWaiting, domain.QueueInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (r Repo) CountActiveTx(ctx context.Context, tx *sql.Tx, machineID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM queue_items WHERE machine_id=? AND status IN (?,?)`,
		machineID, domain.QueueWaiting, domain.QueueInProgress).Scan(&n)
	return n, err
}

func (r Repo) CountActive(ctx context.Context, machineID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM queue_items WHERE machine_id=? AND status IN (?,?,?)`,
		machineID, domain.QueueWaiting, domain.QueueInProgress, domain.QueuePaused).Scan(&n)
	return n, err
}

func (r Repo) HasInProgressTx(ctx context.Context, tx *sql.Tx, machineID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM queue_items WHERE machine_id=? AND status=?`,
		machineID, domain.QueueInProgress).Scan(&n)
	return n > 0, err
}

func (r Repo) MaxWaitingPositionTx(ctx context.Context, tx *sql.Tx, machineID string) (int, error) {
	var pos int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),0) FROM queue_items WHERE machine_id=? AND status=?`,
		machineID, domain.QueueWaiting).Scan(&pos)
	return pos, err
}

// ShiftPositionsTx adds delta to the position of every waiting item on
// the machine whose position lies in [from, to].
func (r Repo) ShiftPositionsTx(ctx context.Context, tx *sql.Tx, machineID string, from, to, delta int) error {
	_, err := tx.ExecContext(ctx, `UPDATE queue_items SET position=position+? WHERE machine_id=? AND status=? AND position>=? AND position<=?`,
		delta, machineID, domain.QueueWaiting, from, to)
	return err
}

func (r Repo) SetPositionTx(ctx context.Context, tx *sql.Tx, itemID string, position *int, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE queue_items SET position=?, updated_at=? WHERE id=?`,
		nullableIntPtr(position), updatedAt, itemID)
	return err
}

type ItemFilters struct {
	MachineID string
	Status    string
	BatchID   string
	Limit     int
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.QueueItem, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.MachineID != "" {
		clauses = append(clauses, "machine_id=?")
		args = append(args, f.MachineID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.BatchID != "" {
		clauses = append(clauses, "batch_id=?")
		args = append(args, f.BatchID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + itemColumns + ` FROM queue_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]domain.QueueItem, error) {
	var res []domain.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}
