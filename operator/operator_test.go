package operator

import (
	"testing"
	"time"

	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/sideinput"
	"github.com/RuiFG/streaming/streaming-runner/timer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"
)

func TestNew_invalidConfig(t *testing.T) {
	doFn := &testDoFn{}
	output := &recordingOutput{}
	cases := map[string][]WithOptions{
		"missing output":       nil,
		"zero bundle size":     {WithOutput(output), WithMaxBundleSize(0)},
		"negative bundle time": {WithOutput(output), WithMaxBundleTime(-time.Second)},
		"stable at least once": {WithOutput(output), WithStableInput(true, false), WithCheckpointingMode(AtLeastOnce)},
		"node out of range":    {WithOutput(output), WithNodeId(2048)},
		"no side channels":     {WithOutput(output), WithSideInputs(sideinput.NewMemoryHandler("v"), 0)},
	}
	for name, withOptions := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(doFn, withOptions...)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
	_, err := New(nil, WithOutput(output))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDoFnOperator_bundleBySize(t *testing.T) {
	doFn := &testDoFn{}
	h := newHarness(t, doFn, WithMaxBundleSize(2))

	for _, ts := range []element.Time{100, 200, 50} {
		require.NoError(t, h.op.OnElement(element.Of("k", "v", ts)))
	}
	assert.Equal(t, []string{"start", "process:100", "process:200", "finish", "start", "process:50"}, doFn.events)
	assert.Equal(t, []element.Time{100, 200, 50}, h.output.timestamps())
	assert.True(t, h.op.bundle.Started())
	assert.Equal(t, int64(1), h.op.bundle.ElementCount())

	// the watermark waits for the open bundle
	require.NoError(t, h.op.OnWatermark(300))
	assert.Empty(t, h.output.watermarks)
	require.NoError(t, h.op.bundle.ForceFinish())
	assert.Equal(t, []element.Time{300}, h.output.watermarks)
}

func TestDoFnOperator_bundleByTime(t *testing.T) {
	doFn := &testDoFn{}
	h := newHarness(t, doFn, WithMaxBundleTime(time.Second))

	require.NoError(t, h.op.OnElement(element.Of("k", "v", 10)))
	require.NoError(t, h.op.OnWatermark(20))
	assert.True(t, h.op.bundle.Started())

	h.clock.Add(time.Second)
	assert.Eventually(t, func() bool { return h.ctx.Pending() > 0 }, time.Second, time.Millisecond)
	require.NoError(t, h.ctx.RunPending())
	assert.False(t, h.op.bundle.Started())
	assert.Equal(t, []string{"start", "process:10", "finish"}, doFn.events)
	assert.Equal(t, []element.Time{20}, h.output.watermarks)
}

func TestDoFnOperator_monotonicOutputWatermark(t *testing.T) {
	h := newHarness(t, &testDoFn{})
	for _, wm := range []element.Time{100, 50, 100, 200} {
		require.NoError(t, h.op.OnWatermark(wm))
	}
	assert.Equal(t, []element.Time{100, 200}, h.output.watermarks)
	assert.Equal(t, element.Time(200), h.op.OutputWatermark())
	assert.Equal(t, element.Time(200), h.op.InputWatermark())
}

func TestDoFnOperator_terminalWatermarkFinishesBundle(t *testing.T) {
	doFn := &testDoFn{}
	h := newHarness(t, doFn)
	require.NoError(t, h.op.OnElement(element.Of("k", "v", 10)))
	require.NoError(t, h.op.OnWatermark(element.MaxTimestamp))
	assert.Equal(t, []string{"start", "process:10", "finish"}, doFn.events)
	assert.Equal(t, []element.Time{element.MaxTimestamp}, h.output.watermarks)
}

func TestDoFnOperator_outputTags(t *testing.T) {
	var outputErr error
	doFn := &testDoFn{process: func(ctx ProcessContext, elem element.WindowedElement) error {
		if err := ctx.OutputTo("errors", elem); err != nil {
			return err
		}
		outputErr = ctx.OutputTo("unknown", elem)
		return nil
	}}
	h := newHarness(t, doFn, WithOutputTags("errors"))
	require.NoError(t, h.op.OnElement(element.Of("k", "v", 10)))
	assert.Equal(t, []element.Tag{"errors"}, h.output.tags)
	assert.ErrorIs(t, outputErr, ErrUnknownTag)
}

func TestDoFnOperator_processErrorAndPanic(t *testing.T) {
	boom := errors.New("boom")
	doFn := &testDoFn{process: func(ctx ProcessContext, elem element.WindowedElement) error {
		if elem.Timestamp == 1 {
			return boom
		}
		panic("bad element")
	}}
	h := newHarness(t, doFn)
	assert.ErrorIs(t, h.op.OnElement(element.Of("k", "v", 1)), boom)
	err := h.op.OnElement(element.Of("k", "v", 2))
	assert.ErrorContains(t, err, "bad element")
	assert.False(t, IsFatal(err))
}

func TestDoFnOperator_timerResetIsIdempotent(t *testing.T) {
	doFn := &testDoFn{process: func(ctx ProcessContext, elem element.WindowedElement) error {
		return ctx.SetTimer("flush", "", 1000, 1000, timer.EventTime)
	}}
	h := newHarness(t, doFn)

	require.NoError(t, h.op.OnElement(element.Of("k", "a", 10)))
	require.NoError(t, h.op.OnElement(element.Of("k", "b", 20)))
	assert.Equal(t, 1, h.timers.registered)
	assert.Equal(t, 0, h.timers.deleted)
	assert.Equal(t, 1, h.timers.NumEventTimeTimers())
	assert.Equal(t, element.Time(1000), h.op.holds.Min())

	// fires only once the watermark passes the target
	require.NoError(t, h.op.OnWatermark(1000))
	assert.NotContains(t, doFn.events, "timer:flush")
	require.NoError(t, h.op.OnWatermark(1001))
	assert.Equal(t, []string{"start", "process:10", "process:20", "timer:flush"}, doFn.events)
	assert.Equal(t, element.MaxTimestamp, h.op.holds.Min())
	require.NoError(t, h.op.bundle.ForceFinish())
	assert.Equal(t, []element.Time{1001}, h.output.watermarks)
}

func TestDoFnOperator_timerResetReplaces(t *testing.T) {
	doFn := &testDoFn{process: func(ctx ProcessContext, elem element.WindowedElement) error {
		return ctx.SetTimer("flush", "", elem.Timestamp+100, elem.Timestamp, timer.EventTime)
	}}
	h := newHarness(t, doFn)
	require.NoError(t, h.op.OnElement(element.Of("k", "a", 10)))
	require.NoError(t, h.op.OnElement(element.Of("k", "b", 20)))
	assert.Equal(t, 2, h.timers.registered)
	assert.Equal(t, 1, h.timers.deleted)
	assert.Equal(t, 1, h.timers.NumEventTimeTimers())
	assert.Equal(t, element.Time(20), h.op.holds.Min())

	record, ok, err := h.op.timers.Pending("k", TimerRecord{TimerId: "flush", Namespace: "global"}.Identity())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, element.Time(120), record.Target)
}

func TestDoFnOperator_holdKeepsOutputWatermark(t *testing.T) {
	doFn := &testDoFn{process: func(ctx ProcessContext, elem element.WindowedElement) error {
		return ctx.SetTimer("flush", "", 500, 50, timer.EventTime)
	}}
	h := newHarness(t, doFn)
	require.NoError(t, h.op.OnElement(element.Of("k", "a", 10)))
	require.NoError(t, h.op.bundle.ForceFinish())
	require.NoError(t, h.op.OnWatermark(300))
	assert.Equal(t, []element.Time{50}, h.output.watermarks)
	require.NoError(t, h.op.OnWatermark(600))
	require.NoError(t, h.op.bundle.ForceFinish())
	assert.Equal(t, []element.Time{50, 600}, h.output.watermarks)
}

func TestDoFnOperator_deleteTimer(t *testing.T) {
	var byIdErr error
	doFn := &testDoFn{process: func(ctx ProcessContext, elem element.WindowedElement) error {
		if elem.Value == "set" {
			return ctx.SetTimer("t", "f", 100, 100, timer.EventTime)
		}
		byIdErr = ctx.DeleteTimerById("t")
		return ctx.DeleteTimer("t", "f", timer.EventTime)
	}}
	h := newHarness(t, doFn)
	require.NoError(t, h.op.OnElement(element.Of("k", "set", 10)))
	require.NoError(t, h.op.OnElement(element.Of("k", "delete", 10)))
	assert.ErrorIs(t, byIdErr, ErrUnsupported)
	assert.Equal(t, 0, h.timers.NumEventTimeTimers())
	assert.Equal(t, element.MaxTimestamp, h.op.holds.Min())
}

func TestDoFnOperator_processingTimeTimer(t *testing.T) {
	doFn := &testDoFn{process: func(ctx ProcessContext, elem element.WindowedElement) error {
		return ctx.SetTimer("ping", "", ctx.CurrentProcessingTime()+100, elem.Timestamp, timer.ProcessingTime)
	}}
	h := newHarness(t, doFn)
	require.NoError(t, h.op.OnElement(element.Of("k", "a", 10)))

	h.clock.Add(101 * time.Millisecond)
	assert.Eventually(t, func() bool { return h.ctx.Pending() > 0 }, time.Second, time.Millisecond)
	require.NoError(t, h.ctx.RunPending())
	assert.Contains(t, doFn.events, "timer:ping")
	assert.Equal(t, 0, h.timers.NumProcessingTimeTimers())
}

func TestDoFnOperator_timerContext(t *testing.T) {
	window := element.IntervalWindow{Start: 0, End: 100}
	var (
		firedWindow element.Window
		firedKey    string
		firedTs     element.Time
	)
	doFn := &testDoFn{
		process: func(ctx ProcessContext, elem element.WindowedElement) error {
			return ctx.SetTimer("end", "", ctx.Window().MaxTimestamp(), 42, timer.EventTime)
		},
		onTimer: func(ctx ProcessContext, record TimerRecord) error {
			firedWindow, firedKey, firedTs = ctx.Window(), ctx.Key(), ctx.Timestamp()
			return nil
		},
	}
	h := newHarness(t, doFn)
	require.NoError(t, h.op.OnElement(element.Of("user", "a", 10, window)))
	require.NoError(t, h.op.OnWatermark(100))
	assert.Equal(t, window, firedWindow)
	assert.Equal(t, "user", firedKey)
	assert.Equal(t, element.Time(42), firedTs)
}

func TestDoFnOperator_pushbackUntilSideInputFinishes(t *testing.T) {
	handler := sideinput.NewMemoryHandler("rates")
	doFn := &testDoFn{}
	h := newHarness(t, doFn, WithSideInputs(handler, 1))

	require.NoError(t, h.op.OnElement(element.Of("k", "v", 10)))
	assert.Equal(t, 1, h.op.pushback.Len())
	assert.Equal(t, element.Time(10), h.op.PushbackWatermark())
	assert.Empty(t, h.output.elements)

	require.NoError(t, h.op.OnWatermark(100))
	require.NoError(t, h.op.bundle.ForceFinish())
	assert.Equal(t, []element.Time{10}, h.output.watermarks)

	require.NoError(t, h.op.OnSideInputWatermark(1, element.MaxTimestamp))
	assert.Equal(t, 0, h.op.pushback.Len())
	assert.Equal(t, element.MaxTimestamp, h.op.PushbackWatermark())
	assert.Equal(t, []element.Time{10}, h.output.timestamps())
	require.NoError(t, h.op.bundle.ForceFinish())
	assert.Equal(t, []element.Time{10, 100}, h.output.watermarks)

	processed := 0
	for _, event := range doFn.events {
		if event == "process:10" {
			processed++
		}
	}
	assert.Equal(t, 1, processed)
}

func TestDoFnOperator_sideInputArrivalReplays(t *testing.T) {
	handler := sideinput.NewMemoryHandler("rates")
	var seen []any
	doFn := &testDoFn{process: func(ctx ProcessContext, elem element.WindowedElement) error {
		seen = append(seen, ctx.SideInput("rates")...)
		return ctx.Output(elem)
	}}
	h := newHarness(t, doFn, WithSideInputs(handler, 1))
	window := element.IntervalWindow{Start: 0, End: 100}
	other := element.IntervalWindow{Start: 100, End: 200}

	require.NoError(t, h.op.OnElement(element.Of("a", "x", 10, window)))
	require.NoError(t, h.op.OnElement(element.Of("b", "y", 110, other)))
	require.NoError(t, h.op.OnElement(element.Of("c", "z", 20, window)))
	assert.Equal(t, 3, h.op.pushback.Len())

	require.NoError(t, h.op.OnSideInputElement("rates", element.Of("", 1.5, 50, window)))
	assert.Equal(t, []element.Time{10, 20}, h.output.timestamps())
	assert.Equal(t, []any{1.5, 1.5}, seen)
	assert.Equal(t, 1, h.op.pushback.Len())
	assert.Equal(t, element.Time(110), h.op.PushbackWatermark())

	require.NoError(t, h.op.OnSideInputWatermark(1, element.MaxTimestamp))
	assert.Equal(t, 0, h.op.pushback.Len())
	assert.Error(t, h.op.OnSideInputWatermark(2, element.MaxTimestamp))
}

func TestDoFnOperator_sideInputWatermarkCombinesChannels(t *testing.T) {
	h := newHarness(t, &testDoFn{}, WithSideInputs(sideinput.NewMemoryHandler("a", "b"), 2))
	require.NoError(t, h.op.OnElement(element.Of("k", "v", 10)))
	require.NoError(t, h.op.OnSideInputWatermark(1, element.MaxTimestamp))
	assert.Equal(t, 1, h.op.pushback.Len())
	require.NoError(t, h.op.OnSideInputWatermark(2, 50))
	assert.Equal(t, element.Time(50), h.op.SideInputWatermark())
	require.NoError(t, h.op.OnSideInputWatermark(2, element.MaxTimestamp))
	assert.Equal(t, 0, h.op.pushback.Len())
}

func TestDoFnOperator_clearsGlobalState(t *testing.T) {
	doFn := &testDoFn{process: func(ctx ProcessContext, elem element.WindowedElement) error {
		return ctx.State().Put("count", []byte{1})
	}}
	h := newHarness(t, doFn)
	require.NoError(t, h.op.OnElement(element.Of("k", "v", 10)))
	_, ok, err := h.op.keyedStore.Get("k", "global", "count")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.op.OnWatermark(element.MaxTimestamp))
	assert.True(t, h.op.globalStateCleared)
	_, ok, err = h.op.keyedStore.Get("k", "global", "count")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDoFnOperator_metrics(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	h := newHarness(t, &testDoFn{}, WithMetricsScope(scope), WithName("counter"))
	require.NoError(t, h.op.OnElement(element.Of("k", "v", 10)))
	require.NoError(t, h.op.OnWatermark(element.MaxTimestamp))

	counters := scope.Snapshot().Counters()
	assert.Equal(t, int64(1), counters["elements_processed+operator=counter"].Value())
	assert.Equal(t, int64(1), counters["bundles_finished+operator=counter"].Value())
}

func TestDoFnOperator_closeOnce(t *testing.T) {
	closed := 0
	h := newHarness(t, &richDoFn{closed: &closed})
	require.NoError(t, h.op.Close())
	require.NoError(t, h.op.Close())
	assert.Equal(t, 1, closed)
	assert.ErrorIs(t, h.op.OnElement(element.Of("k", "v", 1)), ErrNotRunning)
}

type richDoFn struct {
	BaseDoFn
	closed *int
}

func (r *richDoFn) ProcessElement(ctx ProcessContext, elem element.WindowedElement) error { return nil }

func (r *richDoFn) Open(Context) error { return nil }

func (r *richDoFn) Close() error {
	*r.closed++
	return nil
}
