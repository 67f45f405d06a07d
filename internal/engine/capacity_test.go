package engine_test

import (
	"errors"
	"testing"

	"shopfloor/internal/domain"
	"shopfloor/internal/engine"
)

func scheduleItem(t *testing.T, env *testEnv, machineID, start, end string) {
	t.Helper()
	_, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{
		MachineID:      machineID,
		ScheduledStart: start,
		ScheduledEnd:   end,
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCheckCapacityWindowOverlap(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "CNC A", "cnc")
	scheduleItem(t, env, m.ID, "2025-03-02T09:00:00Z", "2025-03-02T11:00:00Z")

	// Overlapping window: the scheduled item runs into it.
	out, err := env.Engine.CheckCapacity(env.Ctx, engine.CapacityQuery{
		MachineType: "cnc",
		WindowStart: "2025-03-02T10:00:00Z",
		WindowEnd:   "2025-03-02T12:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Available || len(out.Unavailable) != 1 || out.Unavailable[0].Conflicts != 1 {
		t.Fatalf("overlap result = %+v", out)
	}

	// Adjacent window touching the end is free.
	out, err = env.Engine.CheckCapacity(env.Ctx, engine.CapacityQuery{
		MachineType: "cnc",
		WindowStart: "2025-03-02T11:00:00Z",
		WindowEnd:   "2025-03-02T13:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Available || len(out.Machines) != 1 {
		t.Fatalf("adjacent result = %+v", out)
	}

	// Disjoint later window is free.
	out, err = env.Engine.CheckCapacity(env.Ctx, engine.CapacityQuery{
		MachineType: "cnc",
		WindowStart: "2025-03-02T12:00:00Z",
		WindowEnd:   "2025-03-02T14:00:00Z",
	})
	if err != nil || !out.Available {
		t.Fatalf("disjoint result = %+v (%v)", out, err)
	}
}

func TestCheckCapacityPartitionsMachines(t *testing.T) {
	env := newTestEnv(t)
	busy := env.machine(t, "CNC A", "cnc")
	free := env.machine(t, "CNC B", "cnc")
	scheduleItem(t, env, busy.ID, "2025-03-02T08:00:00Z", "2025-03-02T18:00:00Z")

	out, err := env.Engine.CheckCapacity(env.Ctx, engine.CapacityQuery{
		MachineType: "cnc",
		WindowStart: "2025-03-02T09:00:00Z",
		WindowEnd:   "2025-03-02T10:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Available || len(out.Machines) != 1 || len(out.Unavailable) != 1 {
		t.Fatalf("partition = %+v", out)
	}
	if out.Machines[0].BusinessID != free.BusinessID {
		t.Fatalf("free machine = %s", out.Machines[0].BusinessID)
	}
}

func TestCheckCapacityIgnoresNonOperationalAndOtherTypes(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "Press", "press")
	down, err := env.Engine.CreateMachine(env.Ctx, engine.MachineCreateOptions{
		Name: "CNC Down", Type: "cnc", Status: domain.MachineBreakdown, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = down

	out, err := env.Engine.CheckCapacity(env.Ctx, engine.CapacityQuery{
		MachineType:   "cnc",
		HoursRequired: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Available || len(out.Machines) != 0 || len(out.Unavailable) != 0 {
		t.Fatalf("result = %+v", out)
	}
	if out.Message == "" {
		t.Fatal("expected explanatory message when no machines match")
	}
}

func TestCheckCapacityDefaultsWindowFromHours(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "CNC A", "cnc")

	out, err := env.Engine.CheckCapacity(env.Ctx, engine.CapacityQuery{
		MachineType:   "cnc",
		HoursRequired: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Available || out.WindowStart == "" || out.WindowEnd == "" {
		t.Fatalf("result = %+v", out)
	}
}

func TestCheckCapacityValidation(t *testing.T) {
	env := newTestEnv(t)
	var ve *domain.ValidationError

	_, err := env.Engine.CheckCapacity(env.Ctx, engine.CapacityQuery{HoursRequired: 2})
	if !errors.As(err, &ve) {
		t.Fatalf("missing type: %v", err)
	}
	_, err = env.Engine.CheckCapacity(env.Ctx, engine.CapacityQuery{MachineType: "cnc"})
	if !errors.As(err, &ve) {
		t.Fatalf("missing hours and window end: %v", err)
	}
	_, err = env.Engine.CheckCapacity(env.Ctx, engine.CapacityQuery{
		MachineType: "cnc",
		WindowStart: "2025-03-02T10:00:00Z",
		WindowEnd:   "2025-03-02T09:00:00Z",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("inverted window: %v", err)
	}
}
