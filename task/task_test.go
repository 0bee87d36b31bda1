package task

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RuiFG/streaming/streaming-runner/common/safe"
	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/operator"
	"github.com/RuiFG/streaming/streaming-runner/sideinput"
	"github.com/RuiFG/streaming/streaming-runner/store"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type syncOutput struct {
	mutex      sync.Mutex
	elements   []element.WindowedElement
	watermarks []element.Time
}

func (s *syncOutput) Emit(_ element.Tag, elem element.WindowedElement) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.elements = append(s.elements, elem)
	return nil
}

func (s *syncOutput) EmitWatermark(watermark element.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.watermarks = append(s.watermarks, watermark)
	return nil
}

func (s *syncOutput) values() []any {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var values []any
	for _, e := range s.elements {
		values = append(values, e.Value)
	}
	return values
}

func (s *syncOutput) lastWatermark() element.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(s.watermarks) == 0 {
		return element.MinTimestamp
	}
	return s.watermarks[len(s.watermarks)-1]
}

func newTask(t *testing.T, name string, doFn operator.DoFn, backend store.Backend, withOptions ...operator.WithOptions) (*Task, *syncOutput) {
	output := &syncOutput{}
	base := []operator.WithOptions{operator.WithName(name), operator.WithOutput(output)}
	op, err := operator.New(doFn, append(base, withOptions...)...)
	require.NoError(t, err)
	_task, err := New(Options{Name: name, Operator: op, ChannelSize: 16, Backend: backend})
	require.NoError(t, err)
	return _task, output
}

func TestNew_invalidOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Name: "no-operator"})
	assert.Error(t, err)
}

func TestTask_processesInput(t *testing.T) {
	handler := sideinput.NewMemoryHandler("rates")
	doFn := operator.ProcessFunc(func(ctx operator.ProcessContext, elem element.WindowedElement) error {
		return ctx.Output(elem.WithValue(len(ctx.SideInput("rates"))))
	})
	_task, output := newTask(t, "process", doFn, nil, operator.WithSideInputs(handler, 1), operator.WithMaxBundleSize(1))
	errCh := safe.Go(_task.Daemon)

	require.NoError(t, _task.Emit(element.Of("k", "a", 10)))
	require.NoError(t, _task.Emit(SideInput{View: "rates", Element: element.Of("", 1.5, 0)}))
	require.NoError(t, _task.Emit(SideInputWatermark{Input: 1, Watermark: element.MaxTimestamp}))
	require.NoError(t, _task.Emit(Watermark(100)))

	assert.Eventually(t, func() bool {
		return output.lastWatermark() == 100
	}, waitFor, tick)
	assert.Equal(t, []any{1}, output.values())
	assert.True(t, _task.Running())

	_task.Stop()
	require.NoError(t, <-errCh)
	assert.False(t, _task.Running())
	assert.ErrorIs(t, _task.Emit(Watermark(200)), ErrTaskStopped)
}

func TestTask_processErrorStopsTask(t *testing.T) {
	doFn := operator.ProcessFunc(func(ctx operator.ProcessContext, elem element.WindowedElement) error {
		return errors.New("bad record")
	})
	_task, _ := newTask(t, "failing", doFn, nil)
	errCh := safe.Go(_task.Daemon)
	require.NoError(t, _task.Emit(element.Of("k", "a", 10)))
	err := <-errCh
	assert.ErrorContains(t, err, "bad record")
	assert.ErrorContains(t, _task.Err(), "bad record")
}

func TestTask_unsupportedInput(t *testing.T) {
	_task, _ := newTask(t, "unsupported", operator.ProcessFunc(func(operator.ProcessContext, element.WindowedElement) error {
		return nil
	}), nil)
	errCh := safe.Go(_task.Daemon)
	require.NoError(t, _task.Emit("text"))
	assert.ErrorContains(t, <-errCh, "unsupported input string")
}

func TestTask_restoresLatestCheckpoint(t *testing.T) {
	backend := store.NewMemoryBackend()
	window := element.IntervalWindow{Start: 0, End: 1000}
	doFn := operator.ProcessFunc(func(ctx operator.ProcessContext, elem element.WindowedElement) error {
		previous, _, err := ctx.State().Get("last")
		if err != nil {
			return err
		}
		if err = ctx.State().Put("last", []byte(elem.Value.(string))); err != nil {
			return err
		}
		return ctx.Output(elem.WithValue(string(previous)))
	})

	first, _ := newTask(t, "restore", doFn, backend)
	coordinator, err := NewCoordinator([]*Task{first}, backend, CoordinatorOptions{Clock: clock.NewMock()})
	require.NoError(t, err)
	errCh := safe.Go(first.Daemon)
	coordinator.Activate()
	require.NoError(t, first.Emit(element.Of("k", "a", 10, window)))
	require.Eventually(t, first.Running, waitFor, tick)
	coordinator.TriggerCheckpoint()
	require.Eventually(t, func() bool {
		state, err := backend.Get("restore")
		return err == nil && len(state) > 0
	}, waitFor, tick)
	first.Stop()
	require.NoError(t, <-errCh)
	coordinator.Stop()
	require.NoError(t, coordinator.Wait())

	second, output := newTask(t, "restore", doFn, backend, operator.WithMaxBundleSize(1))
	errCh = safe.Go(second.Daemon)
	require.NoError(t, second.Emit(element.Of("k", "b", 20, window)))
	require.NoError(t, second.Emit(Watermark(30)))
	assert.Eventually(t, func() bool {
		return output.lastWatermark() == 30
	}, waitFor, tick)
	assert.Equal(t, []any{"a"}, output.values())
	second.Stop()
	require.NoError(t, <-errCh)
}

// eventLog records the barriers a task forwards together with its operator output.
type eventLog struct {
	mutex  sync.Mutex
	events []string
}

func (l *eventLog) append(event string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) take() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]string{}, l.events...)
}

func (l *eventLog) Emit(_ element.Tag, elem element.WindowedElement) error {
	l.append(fmt.Sprintf("element:%v", elem.Value))
	return nil
}

func (l *eventLog) EmitWatermark(watermark element.Time) error {
	l.append(fmt.Sprintf("watermark:%d", watermark))
	return nil
}

type flushingDoFn struct {
	operator.BaseDoFn
}

func (flushingDoFn) ProcessElement(ctx operator.ProcessContext, elem element.WindowedElement) error {
	return ctx.Output(elem)
}

func (flushingDoFn) FinishBundle(ctx operator.BundleContext) error {
	return ctx.OutputTo(element.MainTag, element.Of("k", "flushed", 60))
}

func TestTask_forwardsBarrierBeforeBufferedOutput(t *testing.T) {
	events := &eventLog{}
	op, err := operator.New(flushingDoFn{}, operator.WithName("ordered"), operator.WithOutput(events),
		operator.WithMaxBundleTime(time.Minute))
	require.NoError(t, err)
	_task, err := New(Options{Name: "ordered", Operator: op, ChannelSize: 16, DataEmit: func(data Data) {
		events.append(fmt.Sprintf("barrier:%d", data.(Barrier).Id))
	}})
	require.NoError(t, err)
	errCh := safe.Go(_task.Daemon)

	require.NoError(t, _task.Emit(element.Of("k", "a", 10)))
	// held back by the open bundle
	require.NoError(t, _task.Emit(Watermark(50)))
	require.NoError(t, _task.Emit(Barrier{Id: 1, BarrierType: CheckpointBarrier}))

	assert.Eventually(t, func() bool {
		return len(events.take()) == 4
	}, waitFor, tick)
	assert.Equal(t, []string{"element:a", "barrier:1", "element:flushed", "watermark:50"}, events.take())

	_task.Stop()
	require.NoError(t, <-errCh)
}
