package session

import (
	"testing"
	"time"
)

func TestTaskSingleActivePerUser(t *testing.T) {
	store := NewTaskStore(nil)

	first, err := store.Create("u1", "organise my inbox", 10)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.Status != TaskActive || first.Iteration != 0 {
		t.Fatalf("task = %+v", first)
	}

	if _, err := store.Create("u1", "another", 10); err != ErrTaskActive {
		t.Fatalf("second Create err = %v, want ErrTaskActive", err)
	}
	// A different user is unaffected.
	if _, err := store.Create("u2", "other user task", 10); err != nil {
		t.Fatalf("Create for u2: %v", err)
	}

	store.Finish(first.ID, TaskCompleted, "")
	if _, err := store.Create("u1", "next", 10); err != nil {
		t.Fatalf("Create after finish: %v", err)
	}
}

func TestTaskAdvanceAndSnapshot(t *testing.T) {
	store := NewTaskStore(nil)
	task, _ := store.Create("u1", "req", 5)

	store.Advance(task.ID, Plan{
		Goal:  "do the thing",
		Steps: []PlanStep{{ID: "1", Description: "start", Status: "done"}},
		Log:   []string{"iteration 1 ok"},
	})

	snap, ok := store.Snapshot(task.ID)
	if !ok {
		t.Fatal("Snapshot missing")
	}
	if snap.Iteration != 1 || snap.Plan.Goal != "do the thing" || len(snap.Plan.Steps) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Snapshot must be isolated from later mutation.
	snap.Plan.Steps[0].Status = "mutated"
	fresh, _ := store.Snapshot(task.ID)
	if fresh.Plan.Steps[0].Status != "done" {
		t.Fatal("snapshot shares step slice with store")
	}
}

func TestTaskCancelEdgeTriggered(t *testing.T) {
	store := NewTaskStore(nil)
	task, _ := store.Create("u1", "req", 5)

	select {
	case <-task.Cancelled():
		t.Fatal("cancelled before Cancel")
	default:
	}

	if !store.Cancel("u1") {
		t.Fatal("Cancel returned false for active task")
	}
	// Idempotent.
	if !store.Cancel("u1") {
		t.Fatal("second Cancel returned false")
	}

	select {
	case <-task.Cancelled():
	case <-time.After(time.Second):
		t.Fatal("cancel signal not delivered")
	}

	if store.Cancel("nobody") {
		t.Fatal("Cancel for unknown user returned true")
	}
}

func TestTaskFinishFailedKeepsReason(t *testing.T) {
	store := NewTaskStore(nil)
	task, _ := store.Create("u1", "req", 2)
	store.Finish(task.ID, TaskFailed, "iteration-cap")

	snap, _ := store.Snapshot(task.ID)
	if snap.Status != TaskFailed || snap.FailReason != "iteration-cap" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if _, busy := store.Active("u1"); busy {
		t.Fatal("failed task still active")
	}
}

func TestTaskPrune(t *testing.T) {
	store := NewTaskStore(nil)
	done, _ := store.Create("u1", "old", 2)
	store.Finish(done.ID, TaskCompleted, "")
	live, _ := store.Create("u2", "still running", 2)

	// Everything is newer than the cutoff; nothing pruned.
	if n := store.Prune(time.Hour); n != 0 {
		t.Fatalf("pruned %d, want 0", n)
	}
	// Zero age prunes terminal tasks only.
	time.Sleep(5 * time.Millisecond)
	if n := store.Prune(0); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, ok := store.Get(live.ID); !ok {
		t.Fatal("active task pruned")
	}
}
