package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kelsos/crawl-sync/internal/models"
)

// allowedTransitions lists, per target state, the states a task may come from
var allowedTransitions = map[models.TaskState][]models.TaskState{
	models.TaskStateRunning:   {models.TaskStatePending},
	models.TaskStateSucceeded: {models.TaskStateRunning},
	models.TaskStateFailed:    {models.TaskStateRunning},
}

// Update carries the optional fields applied together with a state transition
type Update struct {
	Progress *int
	Result   *models.RunResult
	Error    string
}

// Registry owns every task record and the single active-task slot.
// All methods are safe for concurrent use; the lock is only held for map updates.
type Registry struct {
	mu           sync.Mutex
	tasks        map[models.TaskID]*models.Task
	order        []models.TaskID
	activeID     models.TaskID
	historyLimit int
	newID        func() models.TaskID
	now          func() time.Time
}

// Option customises a Registry
type Option func(*Registry)

// WithHistoryLimit keeps at most n terminal tasks, evicting the oldest first. Zero keeps everything.
func WithHistoryLimit(n int) Option {
	return func(r *Registry) {
		r.historyLimit = n
	}
}

// WithIDGenerator overrides how task ids are allocated
func WithIDGenerator(fn func() models.TaskID) Option {
	return func(r *Registry) {
		r.newID = fn
	}
}

// WithClock overrides the time source used for task timestamps
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		r.now = fn
	}
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		tasks: make(map[models.TaskID]*models.Task),
		newID: func() models.TaskID { return models.TaskID(uuid.NewString()) },
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a pending task for targets and makes it the active task.
// It fails with ErrAlreadyActive while another task is pending or running.
func (r *Registry) Create(targets []string) (models.TaskID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if active, ok := r.activeLocked(); ok {
		return "", fmt.Errorf("%w: %s", models.ErrAlreadyActive, active.ID)
	}

	id := r.newID()
	for {
		if _, exists := r.tasks[id]; !exists {
			break
		}
		id = r.newID()
	}

	r.tasks[id] = &models.Task{
		ID:        id,
		State:     models.TaskStatePending,
		Progress:  0,
		Targets:   append([]string(nil), targets...),
		CreatedAt: r.now(),
	}
	r.order = append(r.order, id)
	r.activeID = id
	r.evictLocked()

	return id, nil
}

// Get returns a snapshot of the task with the given id
func (r *Registry) Get(id models.TaskID) (models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return task.Clone(), nil
}

// Active returns the task occupying the active slot, if it is still non-terminal
func (r *Registry) Active() (models.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.activeLocked()
	if !ok {
		return models.Task{}, false
	}
	return task.Clone(), true
}

func (r *Registry) activeLocked() (*models.Task, bool) {
	if r.activeID == "" {
		return nil, false
	}
	task, ok := r.tasks[r.activeID]
	if !ok || task.State.IsTerminal() {
		return nil, false
	}
	return task, true
}

// Transition moves a task to state and applies the fields in u.
// Reaching a terminal state releases the active slot.
func (r *Registry) Transition(id models.TaskID, state models.TaskState, u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}

	if !canTransition(task.State, state) {
		return fmt.Errorf("%w: task %s from %s to %s", models.ErrInvalidTransition, id, task.State, state)
	}

	now := r.now()
	task.State = state
	if u.Progress != nil {
		task.Progress = clamp(*u.Progress)
	}

	switch state {
	case models.TaskStateRunning:
		task.StartedAt = &now
	case models.TaskStateSucceeded:
		if u.Result != nil {
			result := *u.Result
			result.Targets = append([]string(nil), u.Result.Targets...)
			task.Result = &result
		}
		task.FinishedAt = &now
	case models.TaskStateFailed:
		task.Error = u.Error
		task.FinishedAt = &now
	}

	if state.IsTerminal() && r.activeID == id {
		r.activeID = ""
		r.evictLocked()
	}

	return nil
}

// SetProgress records progress for a running task. Values lower than the current progress are ignored.
func (r *Registry) SetProgress(id models.TaskID, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if task.State != models.TaskStateRunning {
		return fmt.Errorf("%w: progress update for %s task %s", models.ErrInvalidTransition, task.State, id)
	}

	if p := clamp(progress); p > task.Progress {
		task.Progress = p
	}
	return nil
}

// List returns up to limit task snapshots, newest first. A limit <= 0 returns all tasks.
func (r *Registry) List(limit int) []models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.order)
	if limit > 0 && limit < n {
		n = limit
	}

	tasks := make([]models.Task, 0, n)
	for i := len(r.order) - 1; i >= 0 && len(tasks) < n; i-- {
		tasks = append(tasks, r.tasks[r.order[i]].Clone())
	}
	return tasks
}

// Len returns the number of retained tasks
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// evictLocked drops the oldest terminal tasks beyond the history limit
func (r *Registry) evictLocked() {
	if r.historyLimit <= 0 {
		return
	}

	terminal := 0
	for _, id := range r.order {
		if r.tasks[id].State.IsTerminal() {
			terminal++
		}
	}

	kept := r.order[:0]
	for _, id := range r.order {
		if terminal > r.historyLimit && r.tasks[id].State.IsTerminal() {
			delete(r.tasks, id)
			terminal--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

func canTransition(from, to models.TaskState) bool {
	for _, allowed := range allowedTransitions[to] {
		if from == allowed {
			return true
		}
	}
	return false
}

func clamp(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}
