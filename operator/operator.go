package operator

import (
	"sync"
	"time"

	"github.com/RuiFG/streaming/streaming-runner/common/safe"
	"github.com/RuiFG/streaming/streaming-runner/common/status"
	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/RuiFG/streaming/streaming-runner/sideinput"
	"github.com/RuiFG/streaming/streaming-runner/store"
	"github.com/RuiFG/streaming/streaming-runner/timer"
	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// DoFnOperator hosts a DoFn inside a task. Every method except the watermark
// accessors must be called from the task loop.
type DoFnOperator struct {
	doFn    DoFn
	options *options
	logger  log.Logger
	metrics *metrics
	clock   clock.Clock
	coder   element.Coder
	status  *status.Cell

	ctx          Context
	keyedStore   store.KeyedStore
	timerService timer.Service

	bundle      *bundleController
	output      *outputManager
	pushback    *pushbackQueue
	holds       *keyedHolds
	timers      *timerAdapter
	checkpoints *checkpointRecords
	stable      *stableInputBuffer

	// written by the task loop only, atomics make them readable from any goroutine.
	inputWatermark     *atomic.Int64
	sideInputWatermark *atomic.Int64
	outputWatermark    *atomic.Int64
	pushbackWatermark  *atomic.Int64

	sideInputCombine     *CombineWatermark
	globalStateCleared   bool
	replayingStable      bool
	finalizations        []Finalization
	pendingCheckpoints   map[int64]time.Time
	pendingCheckpointIds []int64

	tickerDone chan struct{}
	tickerWg   *sync.WaitGroup
	closeOnce  *sync.Once
	closeErr   error
}

func New(doFn DoFn, withOptions ...WithOptions) (*DoFnOperator, error) {
	if doFn == nil {
		return nil, invalidConfigf("dofn can't be nil")
	}
	opts := defaultOptions()
	for _, withOptionsFn := range withOptions {
		if err := withOptionsFn(opts); err != nil {
			return nil, err
		}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	node, err := snowflake.NewNode(opts.nodeId)
	if err != nil {
		return nil, errors.WithMessage(ErrInvalidConfig, err.Error())
	}
	logger := log.Global().Named(opts.name)
	o := &DoFnOperator{
		doFn:               doFn,
		options:            opts,
		logger:             logger,
		metrics:            newMetrics(opts.scope, opts.name),
		clock:              opts.clock,
		coder:              opts.coder,
		status:             status.NewCell(),
		keyedStore:         opts.keyedStore,
		output:             newOutputManager(opts.output, opts.outputTags),
		checkpoints:        newCheckpointRecords(maxCheckpointRecords),
		inputWatermark:     atomic.NewInt64(int64(element.MinTimestamp)),
		sideInputWatermark: atomic.NewInt64(int64(element.MinTimestamp)),
		outputWatermark:    atomic.NewInt64(int64(element.MinTimestamp)),
		pushbackWatermark:  atomic.NewInt64(int64(element.MaxTimestamp)),
		pendingCheckpoints: map[int64]time.Time{},
		tickerDone:         make(chan struct{}),
		tickerWg:           &sync.WaitGroup{},
		closeOnce:          &sync.Once{},
	}
	o.holds = newKeyedHolds(o.keyedStore)
	o.timers = newTimerAdapter(logger.Named("timers"), o.keyedStore, o.holds)
	if opts.sideInputs != nil {
		if o.pushback, err = newPushbackQueue(opts.sideInputs, opts.notReadyCacheSize, o.metrics); err != nil {
			return nil, errors.WithMessage(ErrInvalidConfig, err.Error())
		}
		o.sideInputCombine = NewActiveCombineWatermark(opts.sideInputChannels, element.MinTimestamp)
	}
	if opts.requiresStableInput {
		o.stable = newStableInputBuffer()
	}
	o.bundle = newBundleController(logger.Named("bundle"), o.metrics, o.clock, opts.bundlePolicy, node, bundleHooks{
		preStart:   o.preBundleStart,
		start:      func() error { return safe.Run(func() error { return o.doFn.StartBundle(o.bundleContext()) }) },
		finish:     func() error { return safe.Run(func() error { return o.doFn.FinishBundle(o.bundleContext()) }) },
		postFinish: o.updateOutputWatermark,
	})
	return o, nil
}

func (o *DoFnOperator) Name() string {
	return o.options.name
}

func (o *DoFnOperator) bundleContext() BundleContext {
	return &invocation{op: o, window: element.GlobalWindow{}, timestamp: o.effectiveInputWatermark()}
}

func (o *DoFnOperator) preBundleStart() error {
	if err := o.output.Flush(); err != nil {
		return err
	}
	if o.pushback != nil {
		o.pushback.ResetCache()
	}
	return nil
}

// Open sets up timers from the keyed store and starts the bundle-timeout check.
func (o *DoFnOperator) Open(ctx Context) (err error) {
	if !o.status.CAS(status.Ready, status.Running) {
		return errors.New("operator can only be opened once")
	}
	o.ctx = ctx
	o.logger = ctx.Logger().Named(o.options.name)
	o.timerService = o.options.timerServiceFactory(o.logger.Named("timer-service"), o.clock, ctx, o.onTimerDue)
	o.timers.service = o.timerService
	keys, err := o.keyedStore.Keys()
	if err != nil {
		return errors.WithMessage(err, "failed to list keys of keyed store")
	}
	if err = o.holds.rebuild(keys); err != nil {
		return errors.WithMessage(err, "failed to rebuild watermark holds")
	}
	if err = o.timers.rebuild(keys); err != nil {
		return errors.WithMessage(err, "failed to rebuild timers")
	}
	if rich, ok := o.doFn.(Rich); ok {
		if err = safe.Run(func() error { return rich.Open(ctx) }); err != nil {
			return errors.WithMessage(err, "failed to open dofn")
		}
	}
	o.startBundleCheck()
	o.logger.Infow("operator opened.", "keys", len(keys), "holds", o.holds.tracker.Len())
	return nil
}

func (o *DoFnOperator) bundleCheckPeriod() time.Duration {
	period := o.options.maxBundleTime / 2
	if period < time.Millisecond {
		period = time.Millisecond
	}
	return period
}

func (o *DoFnOperator) startBundleCheck() {
	ticker := o.clock.Ticker(o.bundleCheckPeriod())
	o.tickerWg.Add(1)
	go func() {
		defer o.tickerWg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-o.tickerDone:
				return
			case <-ticker.C:
				o.ctx.Exec(o.CheckBundleTimeout)
			}
		}
	}()
}

// CheckBundleTimeout finishes the open bundle once it has been open for too long.
// Without an open bundle it hands over output a checkpoint left buffered.
func (o *DoFnOperator) CheckBundleTimeout() error {
	if !o.status.Load().Running() {
		return nil
	}
	if o.bundle.Started() {
		return o.bundle.MaybeFinishByTime()
	}
	if err := o.output.Flush(); err != nil {
		return err
	}
	return o.updateOutputWatermark()
}

func (o *DoFnOperator) OnElement(elem element.WindowedElement) error {
	if !o.status.Load().Running() {
		return ErrNotRunning
	}
	if err := o.bundle.EnsureStarted(); err != nil {
		return err
	}
	if o.pushback == nil {
		oldHold := o.holds.Min()
		if err := o.invokeProcessElement(elem); err != nil {
			return err
		}
		if err := o.bundle.MaybeFinishByCount(); err != nil {
			return err
		}
		return o.emitWatermarkIfHoldChanged(oldHold)
	}
	notReady, err := o.processElementInReadyWindows(elem)
	if err != nil {
		return err
	}
	if len(notReady) > 0 {
		o.pushback.Push(notReady...)
		o.pushbackWatermark.Store(int64(o.pushback.Min()))
	}
	return o.bundle.MaybeFinishByCount()
}

// processElementInReadyWindows processes elem in every window whose side inputs
// are ready and returns it exploded into the remaining windows.
func (o *DoFnOperator) processElementInReadyWindows(elem element.WindowedElement) ([]element.WindowedElement, error) {
	var notReady []element.WindowedElement
	for _, exploded := range elem.Explode() {
		if !o.pushback.Ready(exploded.Window()) {
			notReady = append(notReady, exploded)
			continue
		}
		if err := o.invokeProcessElement(exploded); err != nil {
			return nil, err
		}
	}
	return notReady, nil
}

// invokeProcessElement hands elem to the stable-input buffer when enabled,
// otherwise to the DoFn once per window.
func (o *DoFnOperator) invokeProcessElement(elem element.WindowedElement) error {
	if o.stable != nil && !o.replayingStable {
		o.stable.Add(elem)
		return nil
	}
	for _, exploded := range elem.Explode() {
		ctx := &invocation{op: o, key: exploded.Key, window: exploded.Window(), timestamp: exploded.Timestamp}
		if err := safe.Run(func() error { return o.doFn.ProcessElement(ctx, exploded) }); err != nil {
			return errors.WithMessagef(err, "failed to process element of key %s at %s", exploded.Key, exploded.Timestamp)
		}
		o.metrics.elementsProcessed.Inc(1)
	}
	return nil
}

func (o *DoFnOperator) OnSideInputElement(view sideinput.View, elem element.WindowedElement) error {
	if !o.status.Load().Running() {
		return ErrNotRunning
	}
	if o.pushback == nil {
		return errors.WithMessage(ErrUnsupported, "operator has no side inputs")
	}
	if err := o.bundle.ForceFinish(); err != nil {
		return err
	}
	if err := o.bundle.EnsureStarted(); err != nil {
		return err
	}
	if err := o.options.sideInputs.AddValue(view, elem); err != nil {
		return errors.WithMessagef(err, "failed to add side input %s", view)
	}
	o.pushback.ResetCache()
	var stillNotReady []element.WindowedElement
	for _, pushed := range o.pushback.Take() {
		notReady, err := o.processElementInReadyWindows(pushed)
		if err != nil {
			return err
		}
		stillNotReady = append(stillNotReady, notReady...)
	}
	o.pushback.restore(stillNotReady)
	o.pushbackWatermark.Store(int64(o.pushback.Min()))
	if err := o.bundle.MaybeFinishByCount(); err != nil {
		return err
	}
	return o.processWatermark1(o.InputWatermark())
}

func (o *DoFnOperator) OnWatermark(watermark element.Time) error {
	if !o.status.Load().Running() {
		return ErrNotRunning
	}
	return o.processWatermark1(watermark)
}

// OnSideInputWatermark takes the watermark of side-input channel input, counted from 1.
func (o *DoFnOperator) OnSideInputWatermark(input int, watermark element.Time) error {
	if !o.status.Load().Running() {
		return ErrNotRunning
	}
	if o.sideInputCombine == nil {
		return errors.WithMessage(ErrUnsupported, "operator has no side inputs")
	}
	if input < 1 || input > o.sideInputCombine.Inputs() {
		return errors.Errorf("side input channel %d out of range [1, %d]", input, o.sideInputCombine.Inputs())
	}
	if !o.sideInputCombine.UpdateWatermark(watermark, input) {
		return nil
	}
	o.sideInputWatermark.Store(int64(o.sideInputCombine.CombinedWatermark()))
	if !o.SideInputWatermark().IsTerminal() {
		return nil
	}
	if err := o.emitAllPushedBackData(); err != nil {
		return err
	}
	if o.pushback.Len() > 0 {
		return fatalf(nil, "%d pushed back elements left after side inputs finished", o.pushback.Len())
	}
	return o.processWatermark1(o.InputWatermark())
}

// emitAllPushedBackData processes every pushed back element without checking
// side-input readiness.
func (o *DoFnOperator) emitAllPushedBackData() error {
	if o.pushback == nil || o.pushback.Len() == 0 {
		return nil
	}
	pushed := o.pushback.Take()
	o.pushbackWatermark.Store(int64(element.MaxTimestamp))
	for i, elem := range pushed {
		if err := o.bundle.EnsureStarted(); err != nil {
			o.pushback.restore(pushed[i:])
			return err
		}
		if err := o.invokeProcessElement(elem); err != nil {
			o.pushback.restore(pushed[i+1:])
			return err
		}
	}
	o.logger.Debugw("replayed pushed back elements.", "elements", len(pushed))
	return nil
}

func (o *DoFnOperator) processWatermark1(watermark element.Time) error {
	if err := o.output.Flush(); err != nil {
		return err
	}
	if o.SideInputWatermark().IsTerminal() {
		if err := o.emitAllPushedBackData(); err != nil {
			return err
		}
	}
	if watermark > o.InputWatermark() {
		o.inputWatermark.Store(int64(watermark))
	}
	return o.processInputWatermark(true)
}

func (o *DoFnOperator) effectiveInputWatermark() element.Time {
	effective := element.Min(o.InputWatermark(), element.Time(o.pushbackWatermark.Load()))
	if o.stable != nil {
		effective = element.Min(effective, o.stable.Hold())
	}
	return effective
}

// processInputWatermark fires due event-time timers when advance is set and
// emits the output watermark the holds allow.
func (o *DoFnOperator) processInputWatermark(advance bool) error {
	inputHold := o.options.holdPolicy.ApplyInputHold(o.effectiveInputWatermark())
	if advance {
		if err := o.timerService.AdvanceWatermark(inputHold); err != nil {
			return err
		}
	}
	candidate := element.Min(o.holds.Min(), inputHold)
	return o.maybeEmitWatermark(o.options.holdPolicy.ApplyOutputHold(o.OutputWatermark(), candidate))
}

func (o *DoFnOperator) updateOutputWatermark() error {
	return o.processInputWatermark(false)
}

func (o *DoFnOperator) emitWatermarkIfHoldChanged(oldHold element.Time) error {
	if o.holds.Min() > oldHold {
		return o.processInputWatermark(false)
	}
	return nil
}

// maybeEmitWatermark emits watermark when it advances the output watermark and no
// bundle is open. A terminal watermark finishes the open bundle first.
func (o *DoFnOperator) maybeEmitWatermark(watermark element.Time) error {
	if watermark <= o.OutputWatermark() {
		return nil
	}
	if watermark.IsTerminal() {
		if err := o.bundle.ForceFinish(); err != nil {
			return err
		}
	}
	// re-evaluated when the bundle finishes or the snapshot buffer closes
	if o.bundle.Started() || o.output.Buffering() {
		return nil
	}
	if watermark <= o.OutputWatermark() {
		return nil
	}
	if err := o.output.Flush(); err != nil {
		return err
	}
	o.outputWatermark.Store(int64(watermark))
	if err := o.output.EmitWatermark(watermark); err != nil {
		return errors.WithMessagef(err, "failed to emit watermark %s", watermark)
	}
	o.metrics.outputWatermark.Update(float64(watermark))
	if o.options.sideInputs != nil {
		o.options.sideInputs.Collect(watermark)
	}
	if !o.globalStateCleared && watermark > element.EndOfGlobalWindow+1 {
		if err := o.clearGlobalState(); err != nil {
			return err
		}
		o.globalStateCleared = true
	}
	return nil
}

// clearGlobalState removes the DoFn state of the global window, which has expired.
func (o *DoFnOperator) clearGlobalState() error {
	keys, err := o.keyedStore.Keys()
	if err != nil {
		return errors.WithMessage(err, "failed to list keys for global state cleanup")
	}
	namespace := element.GlobalWindow{}.String()
	removed := 0
	for _, key := range keys {
		var fields []string
		if err = o.keyedStore.Iterate(key, func(ns, field string, _ []byte) bool {
			if ns == namespace {
				fields = append(fields, field)
			}
			return true
		}); err != nil {
			return errors.WithMessagef(err, "failed to scan global state of key %s", key)
		}
		for _, field := range fields {
			if err = o.keyedStore.Remove(key, namespace, field); err != nil {
				return errors.WithMessagef(err, "failed to clear global state of key %s", key)
			}
			removed++
		}
	}
	o.logger.Infow("cleared global window state.", "entries", removed)
	return nil
}

// onTimerDue is the trigger of the timer service.
func (o *DoFnOperator) onTimerDue(_ timer.Domain, registration timer.Registration) error {
	record, ok, err := o.timers.due(registration)
	if err != nil {
		return errors.WithMessagef(err, "failed to resolve timer %s", registration.Id)
	}
	if !ok {
		o.logger.Debugw("skip stale timer registration.", "key", registration.Key, "timer", registration.Id)
		return nil
	}
	return o.OnTimerDue(registration.Key, record)
}

// OnTimerDue fires record for key, starting a bundle when none is open.
func (o *DoFnOperator) OnTimerDue(key string, record TimerRecord) error {
	if !o.status.Load().Running() {
		return ErrNotRunning
	}
	window, err := record.Window()
	if err != nil {
		return errors.WithMessagef(err, "timer %s has a malformed window", record.Identity())
	}
	if err = o.bundle.EnsureStarted(); err != nil {
		return err
	}
	oldHold := o.holds.Min()
	if err = o.timers.fired(key, record); err != nil {
		return err
	}
	ctx := &invocation{op: o, key: key, window: window, timestamp: record.OutputTimestamp}
	if err = safe.Run(func() error { return o.options.timerFiring.Fire(o.doFn, ctx, record) }); err != nil {
		return errors.WithMessagef(err, "failed to fire timer %s of key %s", record.Identity(), key)
	}
	o.metrics.timersFired.Inc(1)
	return o.emitWatermarkIfHoldChanged(oldHold)
}

func (o *DoFnOperator) InputWatermark() element.Time {
	return element.Time(o.inputWatermark.Load())
}

func (o *DoFnOperator) SideInputWatermark() element.Time {
	return element.Time(o.sideInputWatermark.Load())
}

func (o *DoFnOperator) OutputWatermark() element.Time {
	return element.Time(o.outputWatermark.Load())
}

func (o *DoFnOperator) PushbackWatermark() element.Time {
	return element.Time(o.pushbackWatermark.Load())
}

// Close tears the operator down, only the first call does anything.
func (o *DoFnOperator) Close() error {
	o.closeOnce.Do(func() {
		previous := o.status.Load()
		if !o.status.CAS(previous, status.Closed) {
			return
		}
		var err error
		if previous.Running() {
			close(o.tickerDone)
			o.tickerWg.Wait()
			err = multierr.Append(err, o.timerService.Close())
			if rich, ok := o.doFn.(Rich); ok {
				err = multierr.Append(err, safe.Run(rich.Close))
			}
		}
		err = multierr.Append(err, o.keyedStore.Close())
		o.closeErr = err
		o.logger.Infow("operator closed.", "error", err)
	})
	return o.closeErr
}
