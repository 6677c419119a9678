package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelsos/crawl-sync/internal/models"
	"github.com/kelsos/crawl-sync/internal/registry"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeSettings struct {
	mu       sync.Mutex
	merged   [][]string
	mergeErr error
}

func (s *fakeSettings) Targets() ([]string, error) { return nil, nil }

func (s *fakeSettings) MergeTargets(targets []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merged = append(s.merged, targets)
	return s.mergeErr
}

func (s *fakeSettings) Snapshot() (map[string]any, error) {
	return map[string]any{"cookie": "c"}, nil
}

func (s *fakeSettings) mergeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.merged)
}

// blockingWorker blocks every run until release is closed or a value is sent on it
type blockingWorker struct {
	release  chan outcome
	calls    chan []string
	inFlight int32
	mu       sync.Mutex
	maxSeen  int32
	honorCtx bool
}

func newBlockingWorker() *blockingWorker {
	return &blockingWorker{
		release: make(chan outcome, 8),
		calls:   make(chan []string, 8),
	}
}

func (w *blockingWorker) Run(ctx context.Context, targets []string, _ map[string]any) (*models.RunResult, error) {
	w.mu.Lock()
	w.inFlight++
	if w.inFlight > w.maxSeen {
		w.maxSeen = w.inFlight
	}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.inFlight--
		w.mu.Unlock()
	}()

	w.calls <- targets

	if w.honorCtx {
		select {
		case o := <-w.release:
			return o.result, o.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	o := <-w.release
	return o.result, o.err
}

type workerFunc func(ctx context.Context, targets []string, settings map[string]any) (*models.RunResult, error)

func (f workerFunc) Run(ctx context.Context, targets []string, settings map[string]any) (*models.RunResult, error) {
	return f(ctx, targets, settings)
}

type recordingNotifier struct {
	mu    sync.Mutex
	tasks []models.Task
}

func (n *recordingNotifier) Publish(_ context.Context, task models.Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, task)
	return nil
}

func (n *recordingNotifier) published() []models.Task {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Task(nil), n.tasks...)
}

func waitState(t *testing.T, e *Executor, id models.TaskID, state models.TaskState) models.Task {
	t.Helper()
	var task models.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = e.Status(id)
		return err == nil && task.State == state
	}, waitFor, tick, "task %s never reached %s", id, state)
	return task
}

func TestSubmitSucceeds(t *testing.T) {
	settings := &fakeSettings{}
	worker := newBlockingWorker()
	e := New(registry.New(), settings, worker)

	id, err := e.Submit([]string{"u1", "u2"})
	require.NoError(t, err)

	task, err := e.Status(id)
	require.NoError(t, err)
	assert.Contains(t, []models.TaskState{models.TaskStatePending, models.TaskStateRunning}, task.State)

	assert.Equal(t, []string{"u1", "u2"}, <-worker.calls)
	running := waitState(t, e, id, models.TaskStateRunning)
	assert.Equal(t, 50, running.Progress)

	worker.release <- outcome{result: &models.RunResult{Message: "crawled", Output: "ok"}}

	done := waitState(t, e, id, models.TaskStateSucceeded)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.Result)
	assert.Equal(t, "crawled", done.Result.Message)
	assert.Equal(t, []string{"u1", "u2"}, done.Result.Targets)
	assert.Equal(t, 1, settings.mergeCalls())

	_, active := e.Active()
	assert.False(t, active)
}

func TestSubmitFillsDefaultResult(t *testing.T) {
	e := New(registry.New(), &fakeSettings{}, workerFunc(func(context.Context, []string, map[string]any) (*models.RunResult, error) {
		return nil, nil
	}))

	id, err := e.Submit([]string{"u1"})
	require.NoError(t, err)

	done := waitState(t, e, id, models.TaskStateSucceeded)
	require.NotNil(t, done.Result)
	assert.Equal(t, "successfully crawled 1 users", done.Result.Message)
	assert.Equal(t, []string{"u1"}, done.Result.Targets)
}

func TestSecondSubmitIsRejectedWhileActive(t *testing.T) {
	worker := newBlockingWorker()
	e := New(registry.New(), &fakeSettings{}, worker)

	first, err := e.Submit([]string{"u1"})
	require.NoError(t, err)

	_, err = e.Submit([]string{"u2"})
	assert.ErrorIs(t, err, models.ErrAlreadyActive)

	active, ok := e.Active()
	require.True(t, ok)
	assert.Equal(t, first, active.ID)
	assert.Len(t, e.List(0), 1)

	worker.release <- outcome{}
	waitState(t, e, first, models.TaskStateSucceeded)
}

func TestWorkerFailureMarksTaskFailedAndReleasesSlot(t *testing.T) {
	worker := newBlockingWorker()
	e := New(registry.New(), &fakeSettings{}, worker)

	id, err := e.Submit([]string{"u1"})
	require.NoError(t, err)
	worker.release <- outcome{err: errors.New("network unreachable")}

	failed := waitState(t, e, id, models.TaskStateFailed)
	assert.Equal(t, "network unreachable", failed.Error)
	assert.Nil(t, failed.Result)

	next, err := e.Submit([]string{"u1"})
	require.NoError(t, err)
	assert.NotEqual(t, id, next)

	worker.release <- outcome{}
	waitState(t, e, next, models.TaskStateSucceeded)
}

func TestWorkerPanicIsContained(t *testing.T) {
	e := New(registry.New(), &fakeSettings{}, workerFunc(func(context.Context, []string, map[string]any) (*models.RunResult, error) {
		panic("parser exploded")
	}))

	id, err := e.Submit([]string{"u1"})
	require.NoError(t, err)

	failed := waitState(t, e, id, models.TaskStateFailed)
	assert.Contains(t, failed.Error, "parser exploded")

	_, err = e.Submit([]string{"u1"})
	assert.NoError(t, err)
}

func TestMergeFailureDoesNotAbortRun(t *testing.T) {
	settings := &fakeSettings{mergeErr: errors.New("disk full")}
	worker := newBlockingWorker()
	e := New(registry.New(), settings, worker)

	id, err := e.Submit([]string{"u1"})
	require.NoError(t, err)
	worker.release <- outcome{}

	waitState(t, e, id, models.TaskStateSucceeded)
	assert.Equal(t, 1, settings.mergeCalls())
}

func TestStatusUnknownTask(t *testing.T) {
	e := New(registry.New(), &fakeSettings{}, newBlockingWorker())
	_, err := e.Status("nonexistent")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConcurrentSubmitsHaveOneWinner(t *testing.T) {
	worker := newBlockingWorker()
	e := New(registry.New(), &fakeSettings{}, worker)

	const callers = 32
	var wg sync.WaitGroup
	results := make(chan error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.Submit([]string{"u"})
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, models.ErrAlreadyActive)
	}
	assert.Equal(t, 1, wins)

	worker.release <- outcome{}
	require.Eventually(t, func() bool {
		_, ok := e.Active()
		return !ok
	}, waitFor, tick)
}

func TestObservedStatesFollowLifecycle(t *testing.T) {
	worker := newBlockingWorker()
	e := New(registry.New(), &fakeSettings{}, worker)

	rank := map[models.TaskState]int{
		models.TaskStatePending:   0,
		models.TaskStateRunning:   1,
		models.TaskStateSucceeded: 2,
		models.TaskStateFailed:    2,
	}

	id, err := e.Submit([]string{"u1"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		worker.release <- outcome{}
	}()

	last := -1
	lastProgress := 0
	for {
		task, err := e.Status(id)
		require.NoError(t, err)
		r := rank[task.State]
		require.GreaterOrEqual(t, r, last, "state went backwards to %s", task.State)
		require.GreaterOrEqual(t, task.Progress, lastProgress)
		last, lastProgress = r, task.Progress
		if task.State.IsTerminal() {
			assert.Equal(t, models.TaskStateSucceeded, task.State)
			break
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWorkerNeverRunsConcurrently(t *testing.T) {
	worker := newBlockingWorker()
	worker.honorCtx = true
	e := New(registry.New(), &fakeSettings{}, worker, WithRunTimeout(20*time.Millisecond))

	for i := 0; i < 3; i++ {
		id, err := e.Submit([]string{"u"})
		require.NoError(t, err)
		<-worker.calls
		waitState(t, e, id, models.TaskStateFailed)
	}

	worker.mu.Lock()
	defer worker.mu.Unlock()
	assert.Equal(t, int32(1), worker.maxSeen)
}

func TestRunTimeoutFailsTaskAndHoldsPoolUntilWorkerReturns(t *testing.T) {
	worker := newBlockingWorker()
	e := New(registry.New(), &fakeSettings{}, worker, WithRunTimeout(30*time.Millisecond))

	first, err := e.Submit([]string{"u1"})
	require.NoError(t, err)
	<-worker.calls

	failed := waitState(t, e, first, models.TaskStateFailed)
	assert.Contains(t, failed.Error, models.ErrRunTimeout.Error())

	second, err := e.Submit([]string{"u2"})
	require.NoError(t, err)

	// the first worker ignores its context and still holds the only pool slot
	time.Sleep(50 * time.Millisecond)
	task, err := e.Status(second)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatePending, task.State)

	worker.release <- outcome{}
	assert.Equal(t, []string{"u2"}, <-worker.calls)
	worker.release <- outcome{}
	waitState(t, e, second, models.TaskStateSucceeded)

	again, err := e.Status(first)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFailed, again.State)
}

func TestNotifierReceivesTerminalSnapshots(t *testing.T) {
	worker := newBlockingWorker()
	notifier := &recordingNotifier{}
	e := New(registry.New(), &fakeSettings{}, worker, WithNotifier(notifier))

	ok, err := e.Submit([]string{"u1"})
	require.NoError(t, err)
	worker.release <- outcome{}
	waitState(t, e, ok, models.TaskStateSucceeded)

	bad, err := e.Submit([]string{"u2"})
	require.NoError(t, err)
	worker.release <- outcome{err: errors.New("banned")}
	waitState(t, e, bad, models.TaskStateFailed)

	require.Eventually(t, func() bool { return len(notifier.published()) == 2 }, waitFor, tick)
	published := notifier.published()
	assert.Equal(t, models.TaskStateSucceeded, published[0].State)
	assert.Equal(t, models.TaskStateFailed, published[1].State)
	assert.Equal(t, "banned", published[1].Error)
}

func TestShutdownCancelsRunAndRejectsSubmissions(t *testing.T) {
	worker := newBlockingWorker()
	worker.honorCtx = true
	e := New(registry.New(), &fakeSettings{}, worker)

	id, err := e.Submit([]string{"u1"})
	require.NoError(t, err)
	<-worker.calls

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	task, err := e.Status(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateFailed, task.State)
	assert.Contains(t, task.Error, "shutting down")

	_, err = e.Submit([]string{"u2"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWorkerContextCarriesTaskID(t *testing.T) {
	seen := make(chan models.TaskID, 1)
	e := New(registry.New(), &fakeSettings{}, workerFunc(func(ctx context.Context, _ []string, _ map[string]any) (*models.RunResult, error) {
		id, _ := TaskIDFromContext(ctx)
		seen <- id
		return nil, nil
	}))

	id, err := e.Submit([]string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, id, <-seen)

	_, ok := TaskIDFromContext(context.Background())
	assert.False(t, ok)
}
