package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelsos/crawl-sync/internal/models"
)

func intPtr(v int) *int { return &v }

func sequentialIDs() func() models.TaskID {
	n := 0
	return func() models.TaskID {
		n++
		return models.TaskID(fmt.Sprintf("task-%d", n))
	}
}

func TestCreateOccupiesActiveSlot(t *testing.T) {
	r := New()

	id, err := r.Create([]string{"u1", "u2"})
	require.NoError(t, err)

	task, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatePending, task.State)
	assert.Equal(t, 0, task.Progress)
	assert.Equal(t, []string{"u1", "u2"}, task.Targets)

	active, ok := r.Active()
	require.True(t, ok)
	assert.Equal(t, id, active.ID)

	_, err = r.Create([]string{"u3"})
	assert.ErrorIs(t, err, models.ErrAlreadyActive)
	assert.Equal(t, 1, r.Len())
}

func TestCreateCopiesTargets(t *testing.T) {
	r := New()
	targets := []string{"u1"}

	id, err := r.Create(targets)
	require.NoError(t, err)
	targets[0] = "mutated"

	task, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, task.Targets)

	task.Targets[0] = "mutated-snapshot"
	again, _ := r.Get(id)
	assert.Equal(t, []string{"u1"}, again.Targets)
}

func TestGetUnknownTask(t *testing.T) {
	r := New()
	_, err := r.Get("nonexistent")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTransitionLifecycleReleasesSlot(t *testing.T) {
	r := New()
	id, err := r.Create([]string{"u1"})
	require.NoError(t, err)

	require.NoError(t, r.Transition(id, models.TaskStateRunning, Update{Progress: intPtr(0)}))
	require.NoError(t, r.SetProgress(id, 50))

	result := &models.RunResult{Message: "done", Targets: []string{"u1"}}
	require.NoError(t, r.Transition(id, models.TaskStateSucceeded, Update{Progress: intPtr(100), Result: result}))

	task, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateSucceeded, task.State)
	assert.Equal(t, 100, task.Progress)
	require.NotNil(t, task.Result)
	assert.Equal(t, "done", task.Result.Message)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.FinishedAt)
	assert.Empty(t, task.Error)

	_, ok := r.Active()
	assert.False(t, ok)

	next, err := r.Create([]string{"u2"})
	require.NoError(t, err)
	assert.NotEqual(t, id, next)
}

func TestTransitionFailedRecordsError(t *testing.T) {
	r := New()
	id, _ := r.Create([]string{"u1"})
	require.NoError(t, r.Transition(id, models.TaskStateRunning, Update{}))
	require.NoError(t, r.Transition(id, models.TaskStateFailed, Update{Error: "network unreachable"}))

	task, _ := r.Get(id)
	assert.Equal(t, models.TaskStateFailed, task.State)
	assert.Equal(t, "network unreachable", task.Error)
	assert.Nil(t, task.Result)

	_, ok := r.Active()
	assert.False(t, ok)
}

func TestTransitionRejectsInvalidOrder(t *testing.T) {
	tests := []struct {
		name  string
		setup []models.TaskState
		next  models.TaskState
	}{
		{"pending to succeeded skips running", nil, models.TaskStateSucceeded},
		{"pending to failed skips running", nil, models.TaskStateFailed},
		{"pending to pending", nil, models.TaskStatePending},
		{"running to running", []models.TaskState{models.TaskStateRunning}, models.TaskStateRunning},
		{"succeeded is terminal", []models.TaskState{models.TaskStateRunning, models.TaskStateSucceeded}, models.TaskStateFailed},
		{"failed is terminal", []models.TaskState{models.TaskStateRunning, models.TaskStateFailed}, models.TaskStateRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			id, err := r.Create(nil)
			require.NoError(t, err)
			for _, s := range tt.setup {
				require.NoError(t, r.Transition(id, s, Update{}))
			}
			before, _ := r.Get(id)

			err = r.Transition(id, tt.next, Update{})
			assert.ErrorIs(t, err, models.ErrInvalidTransition)

			after, _ := r.Get(id)
			assert.Equal(t, before.State, after.State)
		})
	}
}

func TestTransitionUnknownTask(t *testing.T) {
	r := New()
	err := r.Transition("missing", models.TaskStateRunning, Update{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSetProgressIsMonotonic(t *testing.T) {
	r := New()
	id, _ := r.Create(nil)

	assert.ErrorIs(t, r.SetProgress(id, 10), models.ErrInvalidTransition)

	require.NoError(t, r.Transition(id, models.TaskStateRunning, Update{}))
	require.NoError(t, r.SetProgress(id, 40))
	require.NoError(t, r.SetProgress(id, 20))
	task, _ := r.Get(id)
	assert.Equal(t, 40, task.Progress)

	require.NoError(t, r.SetProgress(id, 250))
	task, _ = r.Get(id)
	assert.Equal(t, 100, task.Progress)
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	r := New()

	const callers = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, rejections := 0, 0

	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := r.Create([]string{fmt.Sprintf("u%d", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, models.ErrAlreadyActive):
				rejections++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, rejections)
	assert.Equal(t, 1, r.Len())
}

func TestListNewestFirst(t *testing.T) {
	r := New(WithIDGenerator(sequentialIDs()))
	for i := 0; i < 3; i++ {
		id, err := r.Create(nil)
		require.NoError(t, err)
		require.NoError(t, r.Transition(id, models.TaskStateRunning, Update{}))
		require.NoError(t, r.Transition(id, models.TaskStateSucceeded, Update{}))
	}

	all := r.List(0)
	require.Len(t, all, 3)
	assert.Equal(t, models.TaskID("task-3"), all[0].ID)
	assert.Equal(t, models.TaskID("task-1"), all[2].ID)

	assert.Len(t, r.List(2), 2)
}

func TestHistoryLimitEvictsOldestTerminalTasks(t *testing.T) {
	r := New(WithHistoryLimit(2), WithIDGenerator(sequentialIDs()))

	for i := 0; i < 4; i++ {
		id, err := r.Create(nil)
		require.NoError(t, err)
		require.NoError(t, r.Transition(id, models.TaskStateRunning, Update{}))
		require.NoError(t, r.Transition(id, models.TaskStateFailed, Update{Error: "boom"}))
	}

	active, err := r.Create(nil)
	require.NoError(t, err)

	assert.Equal(t, 3, r.Len())
	_, err = r.Get("task-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = r.Get("task-2")
	assert.ErrorIs(t, err, models.ErrNotFound)

	got, err := r.Get(active)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatePending, got.State)
}

func TestDuplicateGeneratedIDIsSkipped(t *testing.T) {
	ids := []models.TaskID{"same", "same", "other"}
	i := 0
	r := New(WithIDGenerator(func() models.TaskID {
		id := ids[i]
		i++
		return id
	}))

	first, err := r.Create(nil)
	require.NoError(t, err)
	require.NoError(t, r.Transition(first, models.TaskStateRunning, Update{}))
	require.NoError(t, r.Transition(first, models.TaskStateSucceeded, Update{}))

	second, err := r.Create(nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskID("other"), second)
}
