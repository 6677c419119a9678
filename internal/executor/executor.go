package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kelsos/crawl-sync/internal/logger"
	"github.com/kelsos/crawl-sync/internal/models"
	"github.com/kelsos/crawl-sync/internal/registry"
)

// SettingsStore is the part of the settings store a run needs
type SettingsStore interface {
	Targets() ([]string, error)
	MergeTargets(targets []string) error
	Snapshot() (map[string]any, error)
}

// Worker performs the actual crawl. Run may block for a long time and must honour ctx cancellation
// to make run timeouts effective.
type Worker interface {
	Run(ctx context.Context, targets []string, settings map[string]any) (*models.RunResult, error)
}

// Notifier receives the final snapshot of every finished task
type Notifier interface {
	Publish(ctx context.Context, task models.Task) error
}

// ErrClosed is returned by Submit after Shutdown
var ErrClosed = errors.New("executor is shut down")

type taskIDKey struct{}

// TaskIDFromContext returns the id of the task a Worker is running for
func TaskIDFromContext(ctx context.Context) (models.TaskID, bool) {
	id, ok := ctx.Value(taskIDKey{}).(models.TaskID)
	return id, ok
}

const (
	progressStarted  = 0
	progressCrawling = 50
	progressDone     = 100

	notifyTimeout = 10 * time.Second
)

// Executor turns submissions into exclusive background runs. The registry's active slot rejects
// overlapping submissions; a pool of one worker slot keeps the Worker itself single-threaded.
type Executor struct {
	registry *registry.Registry
	settings SettingsStore
	worker   Worker
	notifier Notifier
	timeout  time.Duration

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// Option customises an Executor
type Option func(*Executor)

// WithRunTimeout fails a run that takes longer than d. Zero disables the deadline.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithNotifier publishes every terminal task snapshot to n
func WithNotifier(n Notifier) Option {
	return func(e *Executor) {
		e.notifier = n
	}
}

// New creates an executor backed by reg
func New(reg *registry.Registry, settings SettingsStore, worker Worker, opts ...Option) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		registry: reg,
		settings: settings,
		worker:   worker,
		sem:      make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit registers a run for targets and schedules it in the background.
// It returns models.ErrAlreadyActive when another run is pending or running.
func (e *Executor) Submit(targets []string) (models.TaskID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", ErrClosed
	}

	id, err := e.registry.Create(targets)
	if err != nil {
		return "", err
	}

	logger.Task(string(id), "Task submitted for %d users", len(targets))

	e.wg.Add(1)
	go e.execute(id, append([]string(nil), targets...))

	return id, nil
}

// Status returns a snapshot of the task with the given id
func (e *Executor) Status(id models.TaskID) (models.Task, error) {
	return e.registry.Get(id)
}

// Active returns the pending or running task, if any
func (e *Executor) Active() (models.Task, bool) {
	return e.registry.Active()
}

// List returns the most recent tasks, newest first
func (e *Executor) List(limit int) []models.Task {
	return e.registry.List(limit)
}

// Shutdown rejects new submissions, cancels the in-flight run and waits for it to finish
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running task: %w", ctx.Err())
	}
}

type outcome struct {
	result *models.RunResult
	err    error
}

func (e *Executor) execute(id models.TaskID, targets []string) {
	defer e.wg.Done()

	// A timed-out worker may still hold the permit; the new task stays pending until it unwinds.
	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	started := time.Now()
	finished := false
	defer func() {
		if r := recover(); r != nil {
			logger.TaskError(string(id), "Task execution panicked: %v", r)
			if !finished {
				e.fail(id, fmt.Errorf("task execution panicked: %v", r))
			}
		}
	}()

	if err := e.registry.Transition(id, models.TaskStateRunning, registry.Update{Progress: intPtr(progressStarted)}); err != nil {
		logger.TaskError(string(id), "Failed to start task: %v", err)
		return
	}
	logger.Task(string(id), "Task started")

	if err := e.settings.MergeTargets(targets); err != nil {
		logger.Warn("Failed to merge targets into settings for task %s: %v", id, err)
	}

	settings, err := e.settings.Snapshot()
	if err != nil {
		logger.Warn("Failed to read settings for task %s, using empty settings: %v", id, err)
		settings = map[string]any{}
	}

	ctx, cancel := e.runContext()
	defer cancel()
	ctx = context.WithValue(ctx, taskIDKey{}, id)

	if err := ctx.Err(); err != nil {
		finished = true
		e.fail(id, contextError(err, e.timeout))
		return
	}

	if err := e.registry.SetProgress(id, progressCrawling); err != nil {
		logger.Debug("Failed to update progress for task %s: %v", id, err)
	}

	done := e.startWorker(ctx, targets, settings)

	select {
	case o := <-done:
		finished = true
		e.finish(ctx, id, targets, started, o)
	case <-ctx.Done():
		select {
		case o := <-done:
			finished = true
			e.finish(ctx, id, targets, started, o)
			return
		default:
		}
		finished = true
		e.fail(id, contextError(ctx.Err(), e.timeout))
		<-done
		logger.Task(string(id), "Worker returned after task was abandoned")
	}
}

// startWorker runs the worker on its own goroutine so a deadline can be observed while it blocks
func (e *Executor) startWorker(ctx context.Context, targets []string, settings map[string]any) <-chan outcome {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("worker panicked: %v", r)}
			}
		}()
		result, err := e.worker.Run(ctx, targets, settings)
		done <- outcome{result: result, err: err}
	}()
	return done
}

func (e *Executor) runContext() (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(e.ctx, e.timeout)
	}
	return context.WithCancel(e.ctx)
}

func (e *Executor) finish(ctx context.Context, id models.TaskID, targets []string, started time.Time, o outcome) {
	if o.err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.fail(id, contextError(ctxErr, e.timeout))
			return
		}
		e.fail(id, o.err)
		return
	}

	result := o.result
	if result == nil {
		result = &models.RunResult{}
	}
	if result.Message == "" {
		result.Message = fmt.Sprintf("successfully crawled %d users", len(targets))
	}
	if result.Targets == nil {
		result.Targets = targets
	}
	if result.Duration == 0 {
		result.Duration = time.Since(started)
	}

	if err := e.registry.Transition(id, models.TaskStateSucceeded, registry.Update{
		Progress: intPtr(progressDone),
		Result:   result,
	}); err != nil {
		logger.TaskError(string(id), "Failed to complete task: %v", err)
		return
	}

	logger.Task(string(id), "Task completed in %s", result.Duration.Round(time.Millisecond))
	e.notify(id)
}

func (e *Executor) fail(id models.TaskID, cause error) {
	if err := e.registry.Transition(id, models.TaskStateFailed, registry.Update{Error: cause.Error()}); err != nil {
		logger.TaskError(string(id), "Failed to mark task as failed: %v", err)
		return
	}

	logger.TaskError(string(id), "Task failed: %v", cause)
	e.notify(id)
}

func (e *Executor) notify(id models.TaskID) {
	if e.notifier == nil {
		return
	}

	task, err := e.registry.Get(id)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := e.notifier.Publish(ctx, task); err != nil {
		logger.Warn("Failed to publish task %s event: %v", id, err)
	}
}

func contextError(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", models.ErrRunTimeout, timeout)
	}
	return fmt.Errorf("run cancelled: coordinator is shutting down")
}

func intPtr(v int) *int {
	return &v
}
