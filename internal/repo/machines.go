package repo

import (
	"context"
	"database/sql"
	"strings"

	"shopfloor/internal/domain"
)

const machineColumns = `id,business_id,name,type,capacity,capacity_unit,hours_per_day,status,next_maintenance_at,notes,created_at,updated_at`

func scanMachine(s scanner) (domain.Machine, error) {
	var m domain.Machine
	var capacity, hoursPerDay sql.NullFloat64
	var unit, nextMaint, notes sql.NullString
	err := s.Scan(&m.ID, &m.BusinessID, &m.Name, &m.Type, &capacity, &unit, &hoursPerDay, &m.Status, &nextMaint, &notes, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if capacity.Valid {
		m.Capacity = &capacity.Float64
	}
	if unit.Valid {
		m.CapacityUnit = unit.String
	}
	if hoursPerDay.Valid {
		m.HoursPerDay = &hoursPerDay.Float64
	}
	if nextMaint.Valid {
		m.NextMaintenanceAt = &nextMaint.String
	}
	if notes.Valid {
		m.Notes = notes.String
	}
	return m, nil
}

func (r Repo) InsertMachineTx(ctx context.Context, tx *sql.Tx, m domain.Machine) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO machines(`+machineColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.BusinessID, m.Name, m.Type, nullableFloatPtr(m.Capacity), nullable(m.CapacityUnit),
		nullableFloatPtr(m.HoursPerDay), m.Status, nullableStringPtr(m.NextMaintenanceAt), m.Notes, m.CreatedAt, m.UpdatedAt)
	return err
}

// GetMachine looks a machine up by internal id or business id.
func (r Repo) GetMachine(ctx context.Context, id string) (domain.Machine, error) {
	return scanMachine(r.DB.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE id=? OR business_id=?`, id, id))
}

func (r Repo) GetMachineTx(ctx context.Context, tx *sql.Tx, id string) (domain.Machine, error) {
	return scanMachine(tx.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE id=? OR business_id=?`, id, id))
}

type MachineFilters struct {
	Type   string
	Status string
}

func (r Repo) ListMachines(ctx context.Context, f MachineFilters) ([]domain.Machine, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT `+machineColumns+` FROM machines `+where+` ORDER BY business_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ListCandidateMachinesTx returns operational machines of the given
// type, excluding one machine, for reassignment lookups.
func (r Repo) ListCandidateMachinesTx(ctx context.Context, tx *sql.Tx, machineType, excludeID string) ([]domain.Machine, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE type=? AND status=? AND id<>? ORDER BY business_id ASC`,
		machineType, domain.MachineOperational, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MachinesDueMaintenance returns machines whose next maintenance date
// is on or before the cutoff.
func (r Repo) MachinesDueMaintenance(ctx context.Context, cutoff string) ([]domain.Machine, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE next_maintenance_at IS NOT NULL AND next_maintenance_at<=? ORDER BY next_maintenance_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMachineTx(ctx context.Context, tx *sql.Tx, m domain.Machine) error {
	res, err := tx.ExecContext(ctx, `UPDATE machines SET name=?, type=?, capacity=?, capacity_unit=?, hours_per_day=?, status=?, next_maintenance_at=?, notes=?, updated_at=? WHERE id=?`,
		m.Name, m.Type, nullableFloatPtr(m.Capacity), nullable(m.CapacityUnit), nullableFloatPtr(m.HoursPerDay),
		m.Status, nullableStringPtr(m.NextMaintenanceAt), m.Notes, m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMachineTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM machines WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MaxBusinessSeqTx reads the highest sequential machine business id
// suffix inside the creating transaction.
func (r Repo) MaxBusinessSeqTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(CAST(SUBSTR(business_id, 9) AS INTEGER)), 0) FROM machines WHERE business_id GLOB 'MACHINE-[0-9]*'`).Scan(&seq)
	return seq, err
}
