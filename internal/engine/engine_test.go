package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shopfloor/internal/db"
	"shopfloor/internal/domain"
	"shopfloor/internal/engine"
	"shopfloor/internal/events"
	"shopfloor/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// newTestEnv opens a throwaway database with a ticking clock so rows
// created in sequence get distinct, ordered timestamps.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, zerolog.Nop())
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	eng.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

func (env *testEnv) machine(t *testing.T, name, mtype string) domain.Machine {
	t.Helper()
	m, err := env.Engine.CreateMachine(env.Ctx, engine.MachineCreateOptions{
		Name: name, Type: mtype, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create machine %s: %v", name, err)
	}
	return m
}

func (env *testEnv) enqueue(t *testing.T, machineID, priority string) domain.QueueItem {
	t.Helper()
	it, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{
		MachineID: machineID, Priority: priority, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return it
}

func TestCreateMachineSequentialBusinessIDs(t *testing.T) {
	env := newTestEnv(t)
	first := env.machine(t, "CNC Mill A", "cnc")
	second := env.machine(t, "CNC Mill B", "cnc")
	if first.BusinessID != "MACHINE-001" {
		t.Fatalf("first business id = %s", first.BusinessID)
	}
	if second.BusinessID != "MACHINE-002" {
		t.Fatalf("second business id = %s", second.BusinessID)
	}
	if first.Status != domain.MachineOperational {
		t.Fatalf("default status = %s", first.Status)
	}
}

func TestCreateMachineValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateMachine(env.Ctx, engine.MachineCreateOptions{Type: "cnc", ActorID: "tester"})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = env.Engine.CreateMachine(env.Ctx, engine.MachineCreateOptions{
		Name: "Press", Type: "press", Status: "melted", ActorID: "tester",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for status, got %v", err)
	}
}

func TestMachineStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "Lathe", "lathe")

	m2, err := env.Engine.UpdateMachineStatus(env.Ctx, m.ID, domain.MachineMaintenance, "filter change", "tester")
	if err != nil || m2.Status != domain.MachineMaintenance {
		t.Fatalf("to maintenance: %v", err)
	}
	// A machine in maintenance goes back to service or breaks down; it
	// is not retired directly.
	var te *domain.InvalidTransitionError
	_, err = env.Engine.UpdateMachineStatus(env.Ctx, m.ID, domain.MachineInactive, "", "tester")
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error maintenance to inactive, got %v", err)
	}
	m2, err = env.Engine.UpdateMachineStatus(env.Ctx, m.ID, domain.MachineOperational, "", "tester")
	if err != nil || m2.Status != domain.MachineOperational {
		t.Fatalf("back to operational: %v", err)
	}
	if _, err := env.Engine.UpdateMachineStatus(env.Ctx, m.ID, domain.MachineBreakdown, "spindle", "tester"); err != nil {
		t.Fatalf("to breakdown: %v", err)
	}

	// Breakdown cannot go straight back to operational.
	_, err = env.Engine.UpdateMachineStatus(env.Ctx, m.ID, domain.MachineOperational, "", "tester")
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}

	if _, err := env.Engine.UpdateMachineStatus(env.Ctx, m.ID, domain.MachineInactive, "", "tester"); err != nil {
		t.Fatalf("breakdown to inactive: %v", err)
	}
	// A parked machine comes back through maintenance or directly into
	// service.
	if _, err := env.Engine.UpdateMachineStatus(env.Ctx, m.ID, domain.MachineMaintenance, "recommission", "tester"); err != nil {
		t.Fatalf("inactive to maintenance: %v", err)
	}
	if _, err := env.Engine.UpdateMachineStatus(env.Ctx, m.ID, domain.MachineOperational, "", "tester"); err != nil {
		t.Fatalf("back in service: %v", err)
	}
	if _, err := env.Engine.UpdateMachineStatus(env.Ctx, m.ID, domain.MachineInactive, "", "tester"); err != nil {
		t.Fatalf("operational to inactive: %v", err)
	}
	if _, err := env.Engine.UpdateMachineStatus(env.Ctx, m.ID, domain.MachineOperational, "", "tester"); err != nil {
		t.Fatalf("reactivate: %v", err)
	}

	// Same-status change is rejected.
	_, err = env.Engine.UpdateMachineStatus(env.Ctx, m.ID, domain.MachineOperational, "", "tester")
	if !errors.As(err, &te) {
		t.Fatalf("expected same-status rejection, got %v", err)
	}
}

func TestMachineStatusChangeKeepsAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "Welder", "welder")
	m2, err := env.Engine.UpdateMachineStatus(env.Ctx, m.ID, domain.MachineBreakdown, "arc fault", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if m2.Notes == "" {
		t.Fatal("expected audit note on status change")
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "machine.status_changed", "", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one status event, got %d (%v)", len(evts), err)
	}
}

func TestDeleteMachineGuardedByActiveWork(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "Cutter", "cutter")
	it := env.enqueue(t, m.ID, "")

	err := env.Engine.DeleteMachine(env.Ctx, m.ID, "tester")
	var ce *domain.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, err := env.Engine.Cancel(env.Ctx, it.ID, "scrapped", "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteMachine(env.Ctx, m.ID, "tester"); err != nil {
		t.Fatalf("delete after cancel: %v", err)
	}
	_, err = env.Engine.GetMachine(env.Ctx, m.ID)
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestMaintenanceScan(t *testing.T) {
	env := newTestEnv(t)
	overdue := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	upcoming := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	farOff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)

	mOverdue, err := env.Engine.CreateMachine(env.Ctx, engine.MachineCreateOptions{
		Name: "Old Press", Type: "press", NextMaintenanceAt: overdue, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateMachine(env.Ctx, engine.MachineCreateOptions{
		Name: "Due Soon", Type: "press", NextMaintenanceAt: upcoming, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateMachine(env.Ctx, engine.MachineCreateOptions{
		Name: "Fine", Type: "press", NextMaintenanceAt: farOff, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	// Already inactive machines are reported but never transitioned.
	inactive, err := env.Engine.CreateMachine(env.Ctx, engine.MachineCreateOptions{
		Name: "Retired", Type: "press", Status: domain.MachineInactive, NextMaintenanceAt: overdue, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := env.Engine.MaintenanceScan(env.Ctx, 7, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Due) != 3 {
		t.Fatalf("due = %d, want 3", len(report.Due))
	}
	if len(report.Transitioned) != 1 || report.Transitioned[0] != mOverdue.BusinessID {
		t.Fatalf("transitioned = %v", report.Transitioned)
	}
	got, err := env.Engine.GetMachine(env.Ctx, mOverdue.ID)
	if err != nil || got.Status != domain.MachineMaintenance {
		t.Fatalf("overdue machine status = %s (%v)", got.Status, err)
	}
	got, err = env.Engine.GetMachine(env.Ctx, inactive.ID)
	if err != nil || got.Status != domain.MachineInactive {
		t.Fatalf("inactive machine touched: %s (%v)", got.Status, err)
	}
}

func TestMaintenanceDatesStoredInUTC(t *testing.T) {
	env := newTestEnv(t)
	// 10:00+07:00 is 03:00Z, five hours before the test clock.
	m, err := env.Engine.CreateMachine(env.Ctx, engine.MachineCreateOptions{
		Name: "Offset Press", Type: "press", NextMaintenanceAt: "2025-03-01T10:00:00+07:00", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.NextMaintenanceAt == nil || *m.NextMaintenanceAt != "2025-03-01T03:00:00Z" {
		t.Fatalf("stored next_maintenance_at = %v, want 2025-03-01T03:00:00Z", m.NextMaintenanceAt)
	}

	report, err := env.Engine.MaintenanceScan(env.Ctx, 7, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Transitioned) != 1 || report.Transitioned[0] != m.BusinessID {
		t.Fatalf("overdue offset machine not transitioned: %v", report.Transitioned)
	}
	got, err := env.Engine.GetMachine(env.Ctx, m.ID)
	if err != nil || got.Status != domain.MachineMaintenance {
		t.Fatalf("status = %s (%v)", got.Status, err)
	}

	// Updates are normalized the same way.
	next := "2025-06-01T01:30:00-04:30"
	got, err = env.Engine.UpdateMachine(env.Ctx, m.ID, engine.MachineUpdateOptions{NextMaintenanceAt: &next, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if got.NextMaintenanceAt == nil || *got.NextMaintenanceAt != "2025-06-01T06:00:00Z" {
		t.Fatalf("updated next_maintenance_at = %v", got.NextMaintenanceAt)
	}
}

// rejectingAppender fails the audit write for one entity, forcing that
// entity's transaction to roll back.
type rejectingAppender struct {
	inner    events.Writer
	evtType  string
	entityID string
}

func (r rejectingAppender) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	if evtType == r.evtType && entityID == r.entityID {
		return errors.New("event store rejected write")
	}
	return r.inner.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload)
}

func TestMaintenanceScanContinuesPastFailure(t *testing.T) {
	env := newTestEnv(t)
	overdue := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	laterOverdue := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)

	// Earliest due date, so the scan processes the failing machine first.
	failing, err := env.Engine.CreateMachine(env.Ctx, engine.MachineCreateOptions{
		Name: "Jammed Press", Type: "press", NextMaintenanceAt: overdue, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	healthy, err := env.Engine.CreateMachine(env.Ctx, engine.MachineCreateOptions{
		Name: "Fine Press", Type: "press", NextMaintenanceAt: laterOverdue, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.Engine.Events = rejectingAppender{evtType: "machine.status_changed", entityID: failing.ID}

	report, err := env.Engine.MaintenanceScan(env.Ctx, 7, "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed[failing.BusinessID] == "" {
		t.Fatalf("failed machine not reported: %+v", report.Failed)
	}
	if len(report.Transitioned) != 1 || report.Transitioned[0] != healthy.BusinessID {
		t.Fatalf("transitioned = %v, want only %s", report.Transitioned, healthy.BusinessID)
	}
	got, err := env.Engine.GetMachine(env.Ctx, failing.ID)
	if err != nil || got.Status != domain.MachineOperational {
		t.Fatalf("failed machine status = %s (%v), want unchanged", got.Status, err)
	}
	got, err = env.Engine.GetMachine(env.Ctx, healthy.ID)
	if err != nil || got.Status != domain.MachineMaintenance {
		t.Fatalf("healthy machine status = %s (%v)", got.Status, err)
	}
}

func TestReassignmentCascadeToSiblingMachine(t *testing.T) {
	env := newTestEnv(t)
	broken := env.machine(t, "CNC A", "cnc")
	sibling := env.machine(t, "CNC B", "cnc")

	running := env.enqueue(t, broken.ID, "")
	if _, err := env.Engine.Start(env.Ctx, running.ID, "op-1", "Pat", "tester"); err != nil {
		t.Fatal(err)
	}
	w1 := env.enqueue(t, broken.ID, "")
	w2 := env.enqueue(t, broken.ID, "")
	existing := env.enqueue(t, sibling.ID, "")

	if _, err := env.Engine.UpdateMachineStatus(env.Ctx, broken.ID, domain.MachineBreakdown, "coolant leak", "tester"); err != nil {
		t.Fatal(err)
	}

	got, err := env.Engine.GetItem(env.Ctx, running.ID)
	if err != nil || got.Status != domain.QueuePaused {
		t.Fatalf("running item = %s (%v), want paused", got.Status, err)
	}

	for i, id := range []string{w1.ID, w2.ID} {
		it, err := env.Engine.GetItem(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if it.MachineID != sibling.ID {
			t.Fatalf("item %d not moved to sibling", i)
		}
		if it.Status != domain.QueueWaiting || it.Position == nil || *it.Position != i+2 {
			t.Fatalf("item %d position = %v status = %s", i, it.Position, it.Status)
		}
	}
	it, err := env.Engine.GetItem(env.Ctx, existing.ID)
	if err != nil || it.Position == nil || *it.Position != 1 {
		t.Fatalf("sibling's own item moved: %v (%v)", it.Position, err)
	}
}

func TestReassignmentWithoutCandidatePausesWaitingWork(t *testing.T) {
	env := newTestEnv(t)
	only := env.machine(t, "Lone Press", "press")
	// Same type but not operational, so not a candidate.
	idle, err := env.Engine.CreateMachine(env.Ctx, engine.MachineCreateOptions{
		Name: "Spare Press", Type: "press", Status: domain.MachineInactive, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	w := env.enqueue(t, only.ID, "")

	if _, err := env.Engine.UpdateMachineStatus(env.Ctx, only.ID, domain.MachineMaintenance, "", "tester"); err != nil {
		t.Fatal(err)
	}
	it, err := env.Engine.GetItem(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if it.Status != domain.QueuePaused || it.Position != nil {
		t.Fatalf("item = %s pos %v, want paused without position", it.Status, it.Position)
	}
	if it.MachineID != only.ID {
		t.Fatal("item moved to a non-operational machine")
	}
	_ = idle
}
