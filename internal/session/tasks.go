package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Task statuses. A task is created active and moves exactly once to a
// terminal status; paused is the only non-terminal detour.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskPaused    TaskStatus = "paused"
	TaskCancelled TaskStatus = "cancelled"
)

// ErrTaskActive is returned when a user already has an active task.
var ErrTaskActive = fmt.Errorf("user already has an active task")

// PlanStep is one step of a task plan.
type PlanStep struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
}

// Plan is the state a task carries between iterations in place of
// conversation history.
type Plan struct {
	Goal        string     `json:"goal"`
	Steps       []PlanStep `json:"steps,omitempty"`
	Assumptions []string   `json:"assumptions,omitempty"`
	Log         []string   `json:"log,omitempty"`
}

// TaskSession is one multi-iteration task. Mutated only through the store;
// readers take Snapshot.
type TaskSession struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	OriginalRequest string     `json:"originalRequest"`
	Status          TaskStatus `json:"status"`
	Iteration       int        `json:"iteration"`
	MaxIterations   int        `json:"maxIterations"`
	Plan            Plan       `json:"plan"`
	FailReason      string     `json:"failReason,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`

	cancel     chan struct{}
	cancelOnce sync.Once
}

// Cancelled is closed when a stop has been requested for this task. The
// close is edge-triggered and happens at most once.
func (t *TaskSession) Cancelled() <-chan struct{} { return t.cancel }

// TaskStore tracks task sessions in memory. At most one active task per
// user; terminal tasks are kept for inspection until Prune.
type TaskStore struct {
	mu           sync.RWMutex
	byID         map[string]*TaskSession
	activeByUser map[string]string // userID -> task id

	log *zap.Logger
}

// NewTaskStore creates an empty task store.
func NewTaskStore(log *zap.Logger) *TaskStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &TaskStore{
		byID:         make(map[string]*TaskSession),
		activeByUser: make(map[string]string),
		log:          log.Named("tasks"),
	}
}

// Create starts a new active task for the user. Fails with ErrTaskActive if
// one is already running.
func (s *TaskStore) Create(userID, originalRequest string, maxIterations int) (*TaskSession, error) {
	if maxIterations <= 0 {
		maxIterations = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.activeByUser[userID]; busy {
		return nil, ErrTaskActive
	}
	now := time.Now()
	task := &TaskSession{
		ID:              uuid.NewString(),
		UserID:          userID,
		OriginalRequest: originalRequest,
		Status:          TaskActive,
		MaxIterations:   maxIterations,
		CreatedAt:       now,
		UpdatedAt:       now,
		cancel:          make(chan struct{}),
	}
	s.byID[task.ID] = task
	s.activeByUser[userID] = task.ID
	return task, nil
}

// Get returns the task with the given id.
func (s *TaskStore) Get(id string) (*TaskSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.byID[id]
	return task, ok
}

// Active returns the user's running task, if any.
func (s *TaskStore) Active(userID string) (*TaskSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeByUser[userID]
	if !ok {
		return nil, false
	}
	return s.byID[id], true
}

// Snapshot returns a copy of the task safe to read without the store lock.
func (s *TaskStore) Snapshot(id string) (TaskSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.byID[id]
	if !ok {
		return TaskSession{}, false
	}
	copied := *task
	copied.Plan.Steps = append([]PlanStep(nil), task.Plan.Steps...)
	copied.Plan.Assumptions = append([]string(nil), task.Plan.Assumptions...)
	copied.Plan.Log = append([]string(nil), task.Plan.Log...)
	return copied, true
}

// Advance records one finished iteration and the plan it produced.
func (s *TaskStore) Advance(id string, plan Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.byID[id]
	if !ok {
		return
	}
	task.Iteration++
	task.Plan = plan
	task.UpdatedAt = time.Now()
}

// Finish moves the task to a terminal status and frees the user's active
// slot. reason is recorded for failed tasks.
func (s *TaskStore) Finish(id string, status TaskStatus, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.byID[id]
	if !ok {
		return
	}
	task.Status = status
	task.FailReason = reason
	task.UpdatedAt = time.Now()
	if s.activeByUser[task.UserID] == id {
		delete(s.activeByUser, task.UserID)
	}
	s.log.Info("task finished",
		zap.String("taskId", id),
		zap.String("status", string(status)),
		zap.Int("iterations", task.Iteration))
}

// Cancel requests cancellation of the user's active task. The task loop
// observes the signal at its next suspension point and moves the task to
// cancelled itself. Returns false when no task is running.
func (s *TaskStore) Cancel(userID string) bool {
	s.mu.RLock()
	id, ok := s.activeByUser[userID]
	var task *TaskSession
	if ok {
		task = s.byID[id]
	}
	s.mu.RUnlock()
	if task == nil {
		return false
	}
	task.cancelOnce.Do(func() { close(task.cancel) })
	s.log.Info("task cancellation requested", zap.String("taskId", task.ID), zap.String("userId", userID))
	return true
}

// List returns snapshots of all tasks, most recently updated first.
func (s *TaskStore) List() []TaskSession {
	s.mu.RLock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	tasks := make([]TaskSession, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.Snapshot(id); ok {
			tasks = append(tasks, snap)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt) })
	return tasks
}

// Prune drops terminal tasks older than maxAge. Active and paused tasks are
// never pruned.
func (s *TaskStore) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, task := range s.byID {
		if task.Status == TaskActive || task.Status == TaskPaused {
			continue
		}
		if task.UpdatedAt.Before(cutoff) {
			delete(s.byID, id)
			pruned++
		}
	}
	return pruned
}
