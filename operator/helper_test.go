package operator

import (
	"fmt"
	"testing"

	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/RuiFG/streaming/streaming-runner/timer"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoFn struct {
	events       []string
	process      func(ctx ProcessContext, elem element.WindowedElement) error
	onTimer      func(ctx ProcessContext, record TimerRecord) error
	finishBundle func(ctx BundleContext) error
}

func (f *testDoFn) StartBundle(BundleContext) error {
	f.events = append(f.events, "start")
	return nil
}

func (f *testDoFn) ProcessElement(ctx ProcessContext, elem element.WindowedElement) error {
	f.events = append(f.events, fmt.Sprintf("process:%d", elem.Timestamp))
	if f.process != nil {
		return f.process(ctx, elem)
	}
	return ctx.Output(elem)
}

func (f *testDoFn) OnTimer(ctx ProcessContext, record TimerRecord) error {
	f.events = append(f.events, "timer:"+record.TimerId)
	if f.onTimer != nil {
		return f.onTimer(ctx, record)
	}
	return nil
}

func (f *testDoFn) FinishBundle(ctx BundleContext) error {
	f.events = append(f.events, "finish")
	if f.finishBundle != nil {
		return f.finishBundle(ctx)
	}
	return nil
}

type recordingOutput struct {
	elements   []element.WindowedElement
	tags       []element.Tag
	watermarks []element.Time
}

func (r *recordingOutput) Emit(tag element.Tag, elem element.WindowedElement) error {
	r.tags = append(r.tags, tag)
	r.elements = append(r.elements, elem)
	return nil
}

func (r *recordingOutput) EmitWatermark(watermark element.Time) error {
	r.watermarks = append(r.watermarks, watermark)
	return nil
}

func (r *recordingOutput) timestamps() []element.Time {
	var ts []element.Time
	for _, e := range r.elements {
		ts = append(ts, e.Timestamp)
	}
	return ts
}

type countingService struct {
	timer.Service
	registered int
	deleted    int
}

func (c *countingService) Register(domain timer.Domain, registration timer.Registration) {
	c.registered++
	c.Service.Register(domain, registration)
}

func (c *countingService) Delete(domain timer.Domain, registration timer.Registration) {
	c.deleted++
	c.Service.Delete(domain, registration)
}

type testHarness struct {
	op     *DoFnOperator
	output *recordingOutput
	ctx    *LocalContext
	clock  *clock.Mock
	timers *countingService
}

func newHarness(t *testing.T, doFn DoFn, withOptions ...WithOptions) *testHarness {
	h := newClosedHarness(t, doFn, withOptions...)
	require.NoError(t, h.op.Open(h.ctx))
	return h
}

// newClosedHarness builds the operator without opening it.
func newClosedHarness(t *testing.T, doFn DoFn, withOptions ...WithOptions) *testHarness {
	h := &testHarness{
		output: &recordingOutput{},
		ctx:    NewLocalContext(log.Nop()),
		clock:  clock.NewMock(),
	}
	factory := func(logger log.Logger, clk clock.Clock, scheduler timer.Scheduler, trigger timer.Trigger) timer.Service {
		h.timers = &countingService{Service: timer.NewHeapService(logger, clk, scheduler, trigger)}
		return h.timers
	}
	base := []WithOptions{WithOutput(h.output), WithClock(h.clock), WithTimerServiceFactory(factory)}
	op, err := New(doFn, append(base, withOptions...)...)
	require.NoError(t, err)
	h.op = op
	t.Cleanup(func() { assert.NoError(t, op.Close()) })
	return h
}
