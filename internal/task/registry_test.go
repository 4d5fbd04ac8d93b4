package task

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(maxConcurrent int) *Registry {
	return NewRegistry(maxConcurrent, 24*time.Hour, nil)
}

func mustRegister(t *testing.T, r *Registry, id, caller, key string) *Task {
	t.Helper()
	registered, replayed, err := r.Register(&Task{
		ID:             id,
		CallerID:       caller,
		Description:    "test task",
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("Register(%s) failed: %v", id, err)
	}
	if replayed {
		t.Fatalf("Register(%s) unexpectedly replayed", id)
	}
	return registered
}

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusQueued, false},
		{StatusRunning, false},
		{StatusPaused, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusTimeout, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusPaused, false},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusTimeout, false},
		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusTimeout, true},
		{StatusRunning, StatusCancelled, true},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusCancelled, true},
		{StatusPaused, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusTimeout, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestRegisterAssignsQueuedStatus(t *testing.T) {
	r := newTestRegistry(3)
	registered := mustRegister(t, r, "task-1", "caller-a", "")

	if registered.Status != StatusQueued {
		t.Errorf("expected queued status, got %s", registered.Status)
	}
	if registered.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestRegisterIdempotencyReplay(t *testing.T) {
	r := newTestRegistry(3)
	first := mustRegister(t, r, "task-1", "caller-a", "key-1")

	second, replayed, err := r.Register(&Task{
		ID:             "task-2",
		CallerID:       "caller-a",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("replay Register failed: %v", err)
	}
	if !replayed {
		t.Fatal("expected idempotency replay")
	}
	if second.ID != first.ID {
		t.Errorf("expected original task id %s, got %s", first.ID, second.ID)
	}

	// A different caller with the same key gets a fresh task.
	third, replayed, err := r.Register(&Task{
		ID:             "task-3",
		CallerID:       "caller-b",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("cross-caller Register failed: %v", err)
	}
	if replayed || third.ID != "task-3" {
		t.Errorf("expected fresh task for other caller, got %s (replayed=%v)", third.ID, replayed)
	}
}

func TestRegisterQueueFull(t *testing.T) {
	r := newTestRegistry(2)
	mustRegister(t, r, "task-1", "caller-a", "")
	mustRegister(t, r, "task-2", "caller-a", "")

	_, _, err := r.Register(&Task{ID: "task-3", CallerID: "caller-a"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// Replay of a live task still succeeds at capacity: no new slot needed.
	mustDrainOne := func() {
		if !r.UpdateStatus("task-1", StatusRunning) {
			t.Fatal("failed to start task-1")
		}
		if !r.UpdateStatus("task-1", StatusCompleted) {
			t.Fatal("failed to complete task-1")
		}
	}
	mustDrainOne()

	if _, _, err := r.Register(&Task{ID: "task-4", CallerID: "caller-a"}); err != nil {
		t.Fatalf("expected admission after a slot freed, got %v", err)
	}
}

func TestReplaySucceedsAtCapacity(t *testing.T) {
	r := newTestRegistry(1)
	first := mustRegister(t, r, "task-1", "caller-a", "key-1")

	replayedTask, replayed, err := r.Register(&Task{
		ID:             "task-9",
		CallerID:       "caller-a",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("expected replay to bypass admission, got %v", err)
	}
	if !replayed || replayedTask.ID != first.ID {
		t.Fatalf("expected replay of %s, got %s (replayed=%v)", first.ID, replayedTask.ID, replayed)
	}
}

func TestPausedTaskFreesAdmissionSlot(t *testing.T) {
	r := newTestRegistry(1)
	mustRegister(t, r, "task-1", "caller-a", "")
	r.UpdateStatus("task-1", StatusRunning)
	r.UpdateStatus("task-1", StatusPaused)

	if _, _, err := r.Register(&Task{ID: "task-2", CallerID: "caller-a"}); err != nil {
		t.Fatalf("paused task should not hold a slot: %v", err)
	}
}

func TestUpdateStatusTimestampsSetOnce(t *testing.T) {
	r := newTestRegistry(3)
	mustRegister(t, r, "task-1", "caller-a", "")

	if !r.UpdateStatus("task-1", StatusRunning) {
		t.Fatal("queued → running rejected")
	}
	got, err := r.Get("task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.StartedAt == nil {
		t.Fatal("expected StartedAt after running")
	}
	firstStart := *got.StartedAt

	// Pause and resume must not rewrite StartedAt.
	r.UpdateStatus("task-1", StatusPaused)
	r.UpdateStatus("task-1", StatusRunning)
	got, _ = r.Get("task-1")
	if !got.StartedAt.Equal(firstStart) {
		t.Errorf("StartedAt rewritten: %v → %v", firstStart, *got.StartedAt)
	}

	if !r.UpdateStatus("task-1", StatusCompleted) {
		t.Fatal("running → completed rejected")
	}
	got, _ = r.Get("task-1")
	if got.CompletedAt == nil {
		t.Fatal("expected CompletedAt after terminal transition")
	}

	// Terminal tasks reject every further transition.
	if r.UpdateStatus("task-1", StatusRunning) {
		t.Error("terminal task accepted a transition")
	}
	if r.UpdateStatus("task-1", StatusCancelled) {
		t.Error("terminal task accepted cancel")
	}
}

func TestFailFromQueuedLeavesStartedAtUnset(t *testing.T) {
	r := newTestRegistry(3)
	mustRegister(t, r, "task-1", "caller-a", "")

	if !r.UpdateStatus("task-1", StatusFailed, WithErrorText("admission failure")) {
		t.Fatal("queued → failed rejected")
	}
	got, _ := r.Get("task-1")
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt stamped on a task that never ran")
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt on terminal transition")
	}
	if got.Error != "admission failure" {
		t.Errorf("error text = %q", got.Error)
	}
}

func TestUpdateStatusUnknownTaskIsNoop(t *testing.T) {
	r := newTestRegistry(3)
	if r.UpdateStatus("missing", StatusRunning) {
		t.Error("expected no-op for unknown task id")
	}
}

func TestUpdateStatusRecordsError(t *testing.T) {
	r := newTestRegistry(3)
	mustRegister(t, r, "task-1", "caller-a", "")
	r.UpdateStatus("task-1", StatusRunning)
	r.UpdateStatus("task-1", StatusFailed, WithErrorText("worker exploded"))

	got, _ := r.Get("task-1")
	if got.Error != "worker exploded" {
		t.Errorf("expected error text, got %q", got.Error)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := newTestRegistry(3)
	mustRegister(t, r, "task-1", "caller-a", "")

	first, _ := r.Get("task-1")
	first.Status = StatusFailed
	first.Description = "mutated"

	second, _ := r.Get("task-1")
	if second.Status != StatusQueued || second.Description != "test task" {
		t.Error("mutating a returned task leaked into the registry")
	}
}

func TestRoomIndex(t *testing.T) {
	r := newTestRegistry(3)
	mustRegister(t, r, "task-1", "caller-a", "")
	r.AttachRoom("task-1", "room-42")

	got, err := r.ByRoom("room-42")
	if err != nil || got.ID != "task-1" {
		t.Fatalf("ByRoom = %v, %v; want task-1", got, err)
	}

	r.DetachRoom("task-1")
	if _, err := r.ByRoom("room-42"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after detach, got %v", err)
	}

	// The handle stays on the task record for history queries.
	task, _ := r.Get("task-1")
	if task.RoomHandle != "room-42" {
		t.Errorf("expected room handle retained, got %q", task.RoomHandle)
	}
}

func TestByCallerNewestFirst(t *testing.T) {
	r := newTestRegistry(5)
	base := time.Now()
	for i := 0; i < 3; i++ {
		if _, _, err := r.Register(&Task{
			ID:        fmt.Sprintf("task-%d", i),
			CallerID:  "caller-a",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	mustRegister(t, r, "task-other", "caller-b", "")

	tasks := r.ByCaller("caller-a")
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for i := 1; i < len(tasks); i++ {
		if tasks[i].CreatedAt.After(tasks[i-1].CreatedAt) {
			t.Errorf("tasks not sorted newest first: %v before %v", tasks[i-1].CreatedAt, tasks[i].CreatedAt)
		}
	}
}

func TestSweepRemovesExpiredTerminalTasks(t *testing.T) {
	r := NewRegistry(5, time.Hour, nil)
	mustRegister(t, r, "task-old", "caller-a", "key-old")
	mustRegister(t, r, "task-live", "caller-a", "key-live")
	r.AttachRoom("task-old", "room-old")

	r.UpdateStatus("task-old", StatusRunning)
	r.UpdateStatus("task-old", StatusCompleted)
	r.UpdateStatus("task-live", StatusRunning)

	// Not yet expired.
	if removed := r.Sweep(time.Now()); removed != 0 {
		t.Fatalf("expected no sweep before window, removed %d", removed)
	}

	removed := r.Sweep(time.Now().Add(2 * time.Hour))
	if removed != 1 {
		t.Fatalf("expected 1 swept task, got %d", removed)
	}
	if _, err := r.Get("task-old"); !errors.Is(err, ErrNotFound) {
		t.Error("swept task still retrievable")
	}
	if _, err := r.Get("task-live"); err != nil {
		t.Error("live task swept")
	}
	if _, err := r.ByRoom("room-old"); !errors.Is(err, ErrNotFound) {
		t.Error("room index survived sweep")
	}

	// The idempotency record went with the task: same key admits a new task.
	fresh, replayed, err := r.Register(&Task{ID: "task-new", CallerID: "caller-a", IdempotencyKey: "key-old"})
	if err != nil || replayed || fresh.ID != "task-new" {
		t.Errorf("expected fresh registration after sweep, got %v (replayed=%v, err=%v)", fresh, replayed, err)
	}
}

func TestCounts(t *testing.T) {
	r := newTestRegistry(10)
	mustRegister(t, r, "task-1", "caller-a", "")
	mustRegister(t, r, "task-2", "caller-a", "")
	mustRegister(t, r, "task-3", "caller-a", "")
	r.UpdateStatus("task-1", StatusRunning)
	r.UpdateStatus("task-2", StatusRunning)
	r.UpdateStatus("task-2", StatusPaused)
	r.UpdateStatus("task-3", StatusCancelled)

	c := r.Counts()
	if c.Queued != 0 || c.Running != 1 || c.Paused != 1 || c.Terminal != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}
	if c.Active() != 1 {
		t.Errorf("expected 1 active, got %d", c.Active())
	}
}

func TestConcurrentRegistrationRespectsCap(t *testing.T) {
	const maxActive = 3
	r := newTestRegistry(maxActive)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := r.Register(&Task{ID: fmt.Sprintf("task-%d", i), CallerID: "caller-a"})
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if admitted != maxActive {
		t.Errorf("expected exactly %d admissions, got %d", maxActive, admitted)
	}
	if got := r.Counts().Active(); got != maxActive {
		t.Errorf("expected %d active tasks, got %d", maxActive, got)
	}
}
