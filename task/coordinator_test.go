package task

import (
	"sync"
	"testing"

	"github.com/RuiFG/streaming/streaming-runner/common/safe"
	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/operator"
	"github.com/RuiFG/streaming/streaming-runner/sideinput"
	"github.com/RuiFG/streaming/streaming-runner/store"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_checkpointThenExitpoint(t *testing.T) {
	var (
		mutex     sync.Mutex
		finalized []string
	)
	doFn := operator.ProcessFunc(func(ctx operator.ProcessContext, elem element.WindowedElement) error {
		value := elem.Value.(string)
		ctx.RegisterFinalization(func() error {
			mutex.Lock()
			defer mutex.Unlock()
			finalized = append(finalized, value)
			return nil
		})
		return ctx.Output(elem)
	})
	finalizedValues := func() []string {
		mutex.Lock()
		defer mutex.Unlock()
		return append([]string{}, finalized...)
	}
	backend := store.NewMemoryBackend()
	_task, output := newTask(t, "exit", doFn, nil)
	coordinator, err := NewCoordinator([]*Task{_task}, backend, CoordinatorOptions{Clock: clock.NewMock()})
	require.NoError(t, err)
	assert.Equal(t, backend, _task.Backend)

	errCh := safe.Go(_task.Daemon)
	coordinator.Activate()
	require.Eventually(t, _task.Running, waitFor, tick)

	require.NoError(t, _task.Emit(element.Of("k", "a", 10)))
	coordinator.TriggerCheckpoint()
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"a"}, finalizedValues())
	}, waitFor, tick)

	require.NoError(t, _task.Emit(element.Of("k", "b", 20)))
	coordinator.Deactivate()
	require.NoError(t, coordinator.Wait())
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{"a", "b"}, finalizedValues())
	assert.Equal(t, []any{"a", "b"}, output.values())
	assert.Equal(t, element.MaxTimestamp, output.lastWatermark())
	state, err := backend.Get("exit")
	require.NoError(t, err)
	assert.NotEmpty(t, state)
}

func TestNewCoordinator_rejectsCoordinatedTask(t *testing.T) {
	_task, _ := newTask(t, "twice", operator.ProcessFunc(func(operator.ProcessContext, element.WindowedElement) error {
		return nil
	}), nil)
	_, err := NewCoordinator([]*Task{_task}, nil, CoordinatorOptions{})
	assert.Error(t, err)
	_, err = NewCoordinator([]*Task{_task}, store.NewMemoryBackend(), CoordinatorOptions{})
	require.NoError(t, err)
	_, err = NewCoordinator([]*Task{_task}, store.NewMemoryBackend(), CoordinatorOptions{})
	assert.Error(t, err)
}

// failingOperator declines every snapshot.
type failingOperator struct {
	mutex   sync.Mutex
	aborted []int64
}

func (f *failingOperator) Open(operator.Context) error { return nil }

func (f *failingOperator) Close() error { return nil }

func (f *failingOperator) PrepareSnapshot(int64) error { return nil }

func (f *failingOperator) Snapshot(int64) ([]byte, error) {
	return nil, errors.New("disk full")
}

func (f *failingOperator) NotifyAcknowledged(int64) error { return nil }

func (f *failingOperator) NotifyAborted(checkpointId int64) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.aborted = append(f.aborted, checkpointId)
}

func (f *failingOperator) abortedIds() []int64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]int64{}, f.aborted...)
}

func (f *failingOperator) OnElement(element.WindowedElement) error { return nil }

func (f *failingOperator) OnWatermark(element.Time) error { return nil }

func (f *failingOperator) OnSideInputElement(sideinput.View, element.WindowedElement) error {
	return nil
}

func (f *failingOperator) OnSideInputWatermark(int, element.Time) error { return nil }

func (f *failingOperator) Restore([]byte) error { return nil }

func (f *failingOperator) Drain() error { return nil }

func TestCoordinator_tooManyFailures(t *testing.T) {
	op := &failingOperator{}
	_task, err := New(Options{Name: "declining", Operator: op})
	require.NoError(t, err)
	coordinator, err := NewCoordinator([]*Task{_task}, store.NewMemoryBackend(), CoordinatorOptions{
		MaxConcurrentCheckpoints:         1,
		TolerableCheckpointFailureNumber: 1,
		Clock:                            clock.NewMock(),
	})
	require.NoError(t, err)
	errCh := safe.Go(_task.Daemon)
	coordinator.Activate()
	require.Eventually(t, _task.Running, waitFor, tick)

	coordinator.TriggerCheckpoint()
	require.Eventually(t, func() bool { return len(op.abortedIds()) == 1 }, waitFor, tick)
	coordinator.TriggerCheckpoint()
	assert.ErrorIs(t, coordinator.Wait(), ErrTooManyCheckpointFailures)
	assert.Eventually(t, func() bool { return len(op.abortedIds()) == 2 }, waitFor, tick)
	assert.Equal(t, []int64{1, 2}, op.abortedIds())

	_task.Stop()
	require.NoError(t, <-errCh)
}
