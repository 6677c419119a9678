package trigger

import (
	"errors"
	"sync"
	"time"

	"github.com/kelsos/crawl-sync/internal/logger"
	"github.com/kelsos/crawl-sync/internal/models"
)

// DefaultInterval is used when Start or Reschedule receive a non-positive interval
const DefaultInterval = 30 * time.Minute

// Submitter is the executor surface a tick needs
type Submitter interface {
	Active() (models.Task, bool)
	Submit(targets []string) (models.TaskID, error)
}

// TargetSource provides the full set of configured targets
type TargetSource interface {
	Targets() ([]string, error)
}

// Trigger submits a crawl of every configured target on a fixed interval. Ticks are best-effort:
// when a run is already active the tick is skipped without error.
type Trigger struct {
	submitter Submitter
	targets   TargetSource

	mu       sync.Mutex
	interval time.Duration
	running  bool
	stop     chan struct{}
	done     chan struct{}
	ticks    sync.WaitGroup
}

// New creates a stopped trigger
func New(submitter Submitter, targets TargetSource) *Trigger {
	return &Trigger{
		submitter: submitter,
		targets:   targets,
		interval:  DefaultInterval,
	}
}

// Start begins ticking every interval. Calling Start on a running trigger has no effect.
func (t *Trigger) Start(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		logger.Debug("Scheduler already running, ignoring start")
		return
	}

	if interval <= 0 {
		interval = DefaultInterval
	}
	t.interval = interval
	t.running = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	go t.loop(t.stop, t.done)

	logger.Info("Scheduler started, crawl interval: %s", interval)
}

// Stop cancels future ticks and waits for the scheduling loop to exit.
// Runs submitted by earlier ticks keep going; the executor owns them.
func (t *Trigger) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stop)
	done := t.done
	t.mu.Unlock()

	<-done
	logger.Info("Scheduler stopped")
}

// Reschedule changes the interval used for every wait that starts after this call.
// A wait already in progress keeps its original deadline.
func (t *Trigger) Reschedule(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	t.mu.Lock()
	t.interval = interval
	running := t.running
	t.mu.Unlock()

	if running {
		logger.Info("Crawl interval updated to %s", interval)
	}
}

// Running reports whether the trigger is ticking
func (t *Trigger) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Interval returns the interval for the next wait
func (t *Trigger) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// TickNow runs one tick immediately on its own goroutine
func (t *Trigger) TickNow() {
	t.ticks.Add(1)
	go func() {
		defer t.ticks.Done()
		t.tick()
	}()
}

// Wait blocks until all ticks dispatched so far have returned
func (t *Trigger) Wait() {
	t.ticks.Wait()
}

func (t *Trigger) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		timer := time.NewTimer(t.Interval())

		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			// dispatch and go straight back to waiting; a slow tick never delays the next one
			t.TickNow()
		}
	}
}

// tick submits a crawl of every configured target unless a run is already active
func (t *Trigger) tick() {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Scheduled crawl panicked: %v", r)
		}
	}()

	if active, ok := t.submitter.Active(); ok {
		logger.Info("Task %s is already running, skipping scheduled crawl", active.ID)
		return
	}

	targets, err := t.targets.Targets()
	if err != nil {
		logger.Error("Failed to read users for scheduled crawl: %v", err)
		return
	}

	if len(targets) == 0 {
		logger.Info("No users configured, nothing to crawl")
		return
	}

	logger.Info("Scheduled crawl starting for %d users", len(targets))

	id, err := t.submitter.Submit(targets)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyActive) {
			logger.Info("Another task started first, skipping scheduled crawl")
			return
		}
		logger.Error("Failed to submit scheduled crawl: %v", err)
		return
	}

	logger.Info("Scheduled crawl submitted, task ID: %s", id)
}
