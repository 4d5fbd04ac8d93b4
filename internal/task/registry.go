package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"errand/internal/async"
	"errand/internal/logging"
)

// ErrQueueFull is returned by Register when every admission slot is taken.
var ErrQueueFull = errors.New("task queue full")

// ErrNotFound is returned by point queries for unknown task ids.
var ErrNotFound = errors.New("task not found")

// sweepInterval is how often the expiry sweeper walks the table.
const sweepInterval = time.Hour

// Registry is the thread-safe in-memory task table with three indexes:
// task id, (caller id, idempotency key), and room handle.
type Registry struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	idempotency map[string]string // caller_id + "\x00" + key → task_id
	rooms       map[string]string // room_handle → task_id

	maxConcurrent int
	window        time.Duration
	logger        logging.Logger

	now func() time.Time
}

// NewRegistry creates an empty registry. maxConcurrent bounds the number of
// queued+running tasks; window is how long idempotency records outlive
// their task's terminal transition.
func NewRegistry(maxConcurrent int, window time.Duration, logger logging.Logger) *Registry {
	return &Registry{
		tasks:         make(map[string]*Task),
		idempotency:   make(map[string]string),
		rooms:         make(map[string]string),
		maxConcurrent: maxConcurrent,
		window:        window,
		logger:        logging.OrNop(logger),
		now:           time.Now,
	}
}

func idempotencyIndex(callerID, key string) string {
	return callerID + "\x00" + key
}

// Admit reports whether a new task would currently be admitted. The
// authoritative check happens inside Register under the same lock; Admit
// exists for health reporting and cheap pre-checks.
func (r *Registry) Admit() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked() < r.maxConcurrent
}

func (r *Registry) activeLocked() int {
	active := 0
	for _, t := range r.tasks {
		if t.Status.CountsAgainstCap() {
			active++
		}
	}
	return active
}

// Register admits and records a new queued task. When the caller supplied an
// idempotency key that resolves to a live task, that task is returned
// unchanged with replayed=true and no slot is consumed. Admission and
// registration happen under one lock so the cap cannot be oversubscribed by
// concurrent submissions.
func (r *Registry) Register(t *Task) (*Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.IdempotencyKey != "" {
		idx := idempotencyIndex(t.CallerID, t.IdempotencyKey)
		if existingID, ok := r.idempotency[idx]; ok {
			if existing, ok := r.tasks[existingID]; ok {
				return copyTask(existing), true, nil
			}
			// Stale record pointing at a swept task.
			delete(r.idempotency, idx)
		}
	}

	if r.activeLocked() >= r.maxConcurrent {
		return nil, false, ErrQueueFull
	}

	stored := copyTask(t)
	stored.Status = StatusQueued
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	r.tasks[stored.ID] = stored
	if stored.IdempotencyKey != "" {
		r.idempotency[idempotencyIndex(stored.CallerID, stored.IdempotencyKey)] = stored.ID
	}

	return copyTask(stored), false, nil
}

// UpdateStatus applies a state-machine-checked status change. Unknown ids
// are a silent no-op (the task may have been swept). It returns true when
// the status actually changed. started_at is written on first entry to
// running, completed_at on first terminal entry; neither is ever rewritten.
func (r *Registry) UpdateStatus(taskID string, status Status, opts ...TransitionOption) bool {
	var params TransitionParams
	for _, opt := range opts {
		opt(&params)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.tasks[taskID]
	if !exists {
		return false
	}
	if !CanTransition(t.Status, status) {
		r.logger.Debug("rejected transition %s → %s for %s", t.Status, status, taskID)
		return false
	}

	t.Status = status
	if params.WorkspaceID != nil && t.WorkspaceID == "" {
		t.WorkspaceID = *params.WorkspaceID
	}
	if params.ErrorText != nil {
		t.Error = *params.ErrorText
	}

	now := r.now()
	if status == StatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if status.IsTerminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}

	return true
}

// SetWorkspace records the workspace id once, outside any status change.
func (r *Registry) SetWorkspace(taskID, workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[taskID]; ok && t.WorkspaceID == "" {
		t.WorkspaceID = workspaceID
	}
}

// Get returns a copy of the task, or ErrNotFound.
func (r *Registry) Get(taskID string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return copyTask(t), nil
}

// All returns copies of every task, newest first.
func (r *Registry) All() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, copyTask(t))
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks
}

// ByCaller returns copies of the caller's tasks, newest first.
func (r *Registry) ByCaller(callerID string) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*Task, 0)
	for _, t := range r.tasks {
		if t.CallerID == callerID {
			tasks = append(tasks, copyTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks
}

// ByRoom resolves a room handle to its task.
func (r *Registry) ByRoom(roomHandle string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	taskID, ok := r.rooms[roomHandle]
	if !ok {
		return nil, fmt.Errorf("%w: no task for room %s", ErrNotFound, roomHandle)
	}
	t, exists := r.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return copyTask(t), nil
}

// AttachRoom records the task's room handle and indexes it.
func (r *Registry) AttachRoom(taskID, roomHandle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.tasks[taskID]
	if !exists {
		return
	}
	if t.RoomHandle == "" {
		t.RoomHandle = roomHandle
	}
	r.rooms[roomHandle] = taskID
}

// DetachRoom drops the room index entry; the handle stays on the task for
// history queries.
func (r *Registry) DetachRoom(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, exists := r.tasks[taskID]; exists && t.RoomHandle != "" {
		delete(r.rooms, t.RoomHandle)
	}
}

// Counts returns a census of task statuses.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c Counts
	for _, t := range r.tasks {
		switch {
		case t.Status == StatusQueued:
			c.Queued++
		case t.Status == StatusRunning:
			c.Running++
		case t.Status == StatusPaused:
			c.Paused++
		case t.Status.IsTerminal():
			c.Terminal++
		}
	}
	return c
}

// Sweep removes terminal tasks whose completion time predates the
// idempotency window, together with their idempotency and room records.
// It returns the number of removed tasks.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, t := range r.tasks {
		if !t.Status.IsTerminal() || t.CompletedAt == nil || t.CompletedAt.After(cutoff) {
			continue
		}
		delete(r.tasks, id)
		if t.IdempotencyKey != "" {
			delete(r.idempotency, idempotencyIndex(t.CallerID, t.IdempotencyKey))
		}
		if t.RoomHandle != "" {
			delete(r.rooms, t.RoomHandle)
		}
		removed++
	}
	return removed
}

// StartSweeper runs the periodic expiry sweep until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context) {
	async.Go(r.logger, "task.sweeper", func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if removed := r.Sweep(now); removed > 0 {
					r.logger.Info("swept %d expired tasks", removed)
				}
			}
		}
	})
}

func copyTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		clone.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}
