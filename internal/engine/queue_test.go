package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"shopfloor/internal/domain"
	"shopfloor/internal/engine"
	"shopfloor/internal/notify"
)

func positionsOf(t *testing.T, env *testEnv, machineID string, ids ...string) []int {
	t.Helper()
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		it, err := env.Engine.GetItem(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if it.Status != domain.QueueWaiting {
			t.Fatalf("item %s status = %s, want waiting", id, it.Status)
		}
		if it.Position == nil {
			t.Fatalf("item %s has no position", id)
		}
		if it.MachineID != machineID {
			t.Fatalf("item %s on machine %s", id, it.MachineID)
		}
		out = append(out, *it.Position)
	}
	return out
}

func TestEnqueueAssignsTailPositions(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "Mill", "mill")
	a := env.enqueue(t, m.ID, "")
	b := env.enqueue(t, m.ID, "")
	c := env.enqueue(t, m.ID, "")
	got := positionsOf(t, env, m.ID, a.ID, b.ID, c.ID)
	for i, p := range got {
		if p != i+1 {
			t.Fatalf("positions = %v", got)
		}
	}
	if a.Priority != domain.PriorityNormal {
		t.Fatalf("default priority = %s", a.Priority)
	}
}

func TestStartCompleteLifecycle(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "Mill", "mill")
	a := env.enqueue(t, m.ID, "")
	b := env.enqueue(t, m.ID, "")
	c := env.enqueue(t, m.ID, "")

	started, err := env.Engine.Start(env.Ctx, a.ID, "op-7", "Sam", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if started.Status != domain.QueueInProgress || started.ActualStart == nil || started.Position != nil {
		t.Fatalf("started = %+v", started)
	}

	// One running item per machine.
	_, err = env.Engine.Start(env.Ctx, b.ID, "", "", "tester")
	var ce *domain.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected machine-busy conflict, got %v", err)
	}

	// Remaining waiting items renumbered behind the started one.
	got := positionsOf(t, env, m.ID, b.ID, c.ID)
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("positions after start = %v", got)
	}

	done, err := env.Engine.Complete(env.Ctx, a.ID, "good run", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.QueueCompleted || done.ActualEnd == nil {
		t.Fatalf("completed = %+v", done)
	}
	// Now the next item can start.
	if _, err := env.Engine.Start(env.Ctx, b.ID, "", "", "tester"); err != nil {
		t.Fatalf("start after complete: %v", err)
	}
}

func TestQueueItemTransitionGuards(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "Mill", "mill")
	a := env.enqueue(t, m.ID, "")

	var te *domain.InvalidTransitionError
	if _, err := env.Engine.Complete(env.Ctx, a.ID, "", "tester"); !errors.As(err, &te) {
		t.Fatalf("complete waiting: %v", err)
	}
	if _, err := env.Engine.Pause(env.Ctx, a.ID, "", "tester"); !errors.As(err, &te) {
		t.Fatalf("pause waiting: %v", err)
	}
	if _, err := env.Engine.Resume(env.Ctx, a.ID, "tester"); !errors.As(err, &te) {
		t.Fatalf("resume waiting: %v", err)
	}

	if _, err := env.Engine.Start(env.Ctx, a.ID, "", "", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Complete(env.Ctx, a.ID, "", "tester"); err != nil {
		t.Fatal(err)
	}
	// Terminal states stay terminal.
	if _, err := env.Engine.Start(env.Ctx, a.ID, "", "", "tester"); !errors.As(err, &te) {
		t.Fatalf("start completed: %v", err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, a.ID, "", "tester"); !errors.As(err, &te) {
		t.Fatalf("cancel completed: %v", err)
	}
}

func TestPauseResumeReentersQueueByPriorityAndAge(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "Mill", "mill")
	a := env.enqueue(t, m.ID, "")
	b := env.enqueue(t, m.ID, "")

	if _, err := env.Engine.Start(env.Ctx, a.ID, "", "", "tester"); err != nil {
		t.Fatal(err)
	}
	paused, err := env.Engine.Pause(env.Ctx, a.ID, "tooling swap", "tester")
	if err != nil || paused.Status != domain.QueuePaused || paused.Position != nil {
		t.Fatalf("paused = %+v (%v)", paused, err)
	}

	// An urgent item arrives while a is paused.
	rush := env.enqueue(t, m.ID, domain.PriorityUrgent)

	resumed, err := env.Engine.Resume(env.Ctx, a.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	// The returned item carries the slot the renumber pass assigned:
	// behind the urgent item, ahead of the same-priority younger b.
	if resumed.Position == nil || *resumed.Position != 2 {
		t.Fatalf("resumed position = %v", resumed.Position)
	}
	got := positionsOf(t, env, m.ID, rush.ID, a.ID, b.ID)
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("positions after resume = %v", got)
	}
}

func TestCancelRenumbersByPriority(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "Mill", "mill")
	normal := env.enqueue(t, m.ID, domain.PriorityNormal)
	low := env.enqueue(t, m.ID, domain.PriorityLow)
	urgent := env.enqueue(t, m.ID, domain.PriorityUrgent)

	cancelled, err := env.Engine.Cancel(env.Ctx, normal.ID, "batch scrapped", "tester")
	if err != nil || cancelled.Status != domain.QueueCancelled || cancelled.Position != nil {
		t.Fatalf("cancelled = %+v (%v)", cancelled, err)
	}
	got := positionsOf(t, env, m.ID, urgent.ID, low.ID)
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("positions after cancel = %v", got)
	}
}

func TestRepositionShiftsIntermediateItems(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "Mill", "mill")
	q1 := env.enqueue(t, m.ID, "")
	q2 := env.enqueue(t, m.ID, "")
	q3 := env.enqueue(t, m.ID, "")
	q4 := env.enqueue(t, m.ID, "")

	moved, err := env.Engine.Reposition(env.Ctx, q3.ID, 1, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if moved.Position == nil || *moved.Position != 1 {
		t.Fatalf("moved position = %v", moved.Position)
	}
	got := positionsOf(t, env, m.ID, q3.ID, q1.ID, q2.ID, q4.ID)
	for i, p := range got {
		if p != i+1 {
			t.Fatalf("positions = %v", got)
		}
	}

	// Move back down.
	if _, err := env.Engine.Reposition(env.Ctx, q3.ID, 3, "tester"); err != nil {
		t.Fatal(err)
	}
	got = positionsOf(t, env, m.ID, q1.ID, q2.ID, q3.ID, q4.ID)
	for i, p := range got {
		if p != i+1 {
			t.Fatalf("positions after move down = %v", got)
		}
	}

	var ve *domain.ValidationError
	if _, err := env.Engine.Reposition(env.Ctx, q1.ID, 0, "tester"); !errors.As(err, &ve) {
		t.Fatalf("position 0: %v", err)
	}
	if _, err := env.Engine.Reposition(env.Ctx, q1.ID, 5, "tester"); !errors.As(err, &ve) {
		t.Fatalf("position beyond tail: %v", err)
	}

	if _, err := env.Engine.Start(env.Ctx, q1.ID, "", "", "tester"); err != nil {
		t.Fatal(err)
	}
	var ce *domain.ConflictError
	if _, err := env.Engine.Reposition(env.Ctx, q1.ID, 1, "tester"); !errors.As(err, &ce) {
		t.Fatalf("reposition running item: %v", err)
	}
}

func TestConcurrentStartSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "Mill", "mill")
	a := env.enqueue(t, m.ID, "")
	b := env.enqueue(t, m.ID, "")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = env.Engine.Start(env.Ctx, id, "", "", "tester")
		}(i, id)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var ce *domain.ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("loser got %v, want conflict", err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

type captureSink struct {
	events       chan notify.LifecycleEvent
	reservations chan notify.Reservation
	fail         bool
}

func newCaptureSink() *captureSink {
	return &captureSink{
		events:       make(chan notify.LifecycleEvent, 8),
		reservations: make(chan notify.Reservation, 8),
	}
}

func (c *captureSink) NotifyLifecycle(ctx context.Context, evt notify.LifecycleEvent) error {
	if c.fail {
		return errors.New("sink down")
	}
	c.events <- evt
	return nil
}

func (c *captureSink) ReserveCapacity(ctx context.Context, res notify.Reservation) error {
	c.reservations <- res
	return nil
}

func waitEvent(t *testing.T, c *captureSink) notify.LifecycleEvent {
	t.Helper()
	select {
	case evt := <-c.events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lifecycle event")
		return notify.LifecycleEvent{}
	}
}

func TestLifecycleNotificationsAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	sink := newCaptureSink()
	env.Engine.Notifier = sink

	m := env.machine(t, "Mill", "mill")
	it := env.enqueue(t, m.ID, "")

	if _, err := env.Engine.Start(env.Ctx, it.ID, "", "", "tester"); err != nil {
		t.Fatal(err)
	}
	evt := waitEvent(t, sink)
	if evt.Status != domain.QueueInProgress || evt.QueueID != it.BusinessID || evt.ActualStartTime == nil {
		t.Fatalf("start event = %+v", evt)
	}

	if _, err := env.Engine.Complete(env.Ctx, it.ID, "", "tester"); err != nil {
		t.Fatal(err)
	}
	evt = waitEvent(t, sink)
	if evt.Status != domain.QueueCompleted || evt.ActualEndTime == nil {
		t.Fatalf("complete event = %+v", evt)
	}
}

func TestNotifierFailureDoesNotFailTransition(t *testing.T) {
	env := newTestEnv(t)
	sink := newCaptureSink()
	sink.fail = true
	env.Engine.Notifier = sink

	m := env.machine(t, "Mill", "mill")
	it := env.enqueue(t, m.ID, "")
	started, err := env.Engine.Start(env.Ctx, it.ID, "", "", "tester")
	if err != nil {
		t.Fatalf("start with failing sink: %v", err)
	}
	if started.Status != domain.QueueInProgress {
		t.Fatalf("status = %s", started.Status)
	}
}

func TestEnqueueBatch(t *testing.T) {
	env := newTestEnv(t)
	sink := newCaptureSink()
	env.Engine.Reserver = sink
	m := env.machine(t, "Line 1", "assembly")

	hours := func(h float64) *float64 { return &h }
	items, err := env.Engine.EnqueueBatch(env.Ctx, engine.BatchEnqueueOptions{
		MachineID:   m.ID,
		BatchID:     "batch-uuid-1",
		BatchNumber: "B42",
		ProductName: "Widget",
		Steps: []engine.BatchStep{
			{StepID: "cut", StepName: "Cutting", HoursRequired: hours(2)},
			{StepID: "weld", StepName: "Welding", HoursRequired: hours(3)},
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
	for i, it := range items {
		want := fmt.Sprintf("QUEUE-B42-%s", []string{"cut", "weld"}[i])
		if it.BusinessID != want {
			t.Fatalf("business id = %s, want %s", it.BusinessID, want)
		}
		if it.Position == nil || *it.Position != i+1 {
			t.Fatalf("position = %v", it.Position)
		}
		if it.ScheduledStart == nil || it.ScheduledEnd == nil {
			t.Fatalf("step %d missing scheduled window", i)
		}
	}
	// Second step is scheduled back to back with the first.
	if *items[1].ScheduledStart != *items[0].ScheduledEnd {
		t.Fatalf("windows not contiguous: %s vs %s", *items[1].ScheduledStart, *items[0].ScheduledEnd)
	}

	select {
	case res := <-sink.reservations:
		if res.Hours != 5 || res.MachineType != "assembly" || res.BatchNumber != "B42" {
			t.Fatalf("reservation = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for capacity reservation")
	}

	// Re-queuing the same batch step is a conflict.
	_, err = env.Engine.EnqueueBatch(env.Ctx, engine.BatchEnqueueOptions{
		MachineID:   m.ID,
		BatchNumber: "B42",
		Steps:       []engine.BatchStep{{StepID: "cut"}},
		ActorID:     "tester",
	})
	var ce *domain.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("duplicate batch step: %v", err)
	}
}

func TestEnqueueRejectsInvertedWindow(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "Mill", "mill")
	_, err := env.Engine.Enqueue(env.Ctx, engine.EnqueueOptions{
		MachineID:      m.ID,
		ScheduledStart: "2025-03-02T10:00:00Z",
		ScheduledEnd:   "2025-03-02T09:00:00Z",
		ActorID:        "tester",
	})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
