package task

import (
	_c "context"
	"sync"

	"github.com/RuiFG/streaming/streaming-runner/common/executor"
	"github.com/RuiFG/streaming/streaming-runner/common/safe"
	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/RuiFG/streaming/streaming-runner/operator"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// Task owns the goroutine every operator callback runs on. Input, executors
// handed over by the operator and checkpoint notifications are serialised
// through one select loop.
type Task struct {
	ctx        _c.Context
	cancelFunc _c.CancelFunc
	logger     log.Logger
	Options

	running *atomic.Bool

	inputChan  chan Data
	callerChan chan *executor.Executor

	mutex         *sync.Mutex
	err           error
	notifications []func() error
	notifyChan    chan struct{}
}

func (t *Task) Name() string {
	return t.Options.Name
}

func (t *Task) Daemon() error {
	t.logger.Info("starting...")
	operatorCtx := operator.NewContext(t.logger.Named("operator"), t.callerChan, t.ctx.Done(), t.fail)
	if err := safe.Run(func() error {
		if err := t.restore(); err != nil {
			return err
		}
		return t.Operator.Open(operatorCtx)
	}); err != nil {
		t.cancelFunc()
		return multierr.Append(errors.WithMessage(err, "failed to start task"), t.Operator.Close())
	}
	t.running.Store(true)
	t.logger.Info("started.")
	for {
		select {
		case <-t.ctx.Done():
			t.running.Store(false)
			err := multierr.Append(t.Err(), t.Operator.Close())
			t.logger.Infow("stopped.", "err", err)
			return err
		case caller := <-t.callerChan:
			caller.Exec()
		case <-t.notifyChan:
			for _, notification := range t.takeNotifications() {
				if err := safe.Run(notification); err != nil {
					t.fail(err)
				}
			}
		case data := <-t.inputChan:
			t.process(data)
			bufferSize := len(t.inputChan)
			for i := 0; i < bufferSize && t.ctx.Err() == nil; i++ {
				t.process(<-t.inputChan)
			}
		}
	}
}

func (t *Task) restore() error {
	if t.Backend == nil {
		return nil
	}
	state, err := t.Backend.Get(t.Name())
	if err != nil {
		return errors.WithMessage(err, "failed to load latest checkpoint")
	}
	if len(state) == 0 {
		return nil
	}
	t.logger.Infow("restoring from latest checkpoint.", "bytes", len(state))
	return t.Operator.Restore(state)
}

func (t *Task) Running() bool {
	return t.running.Load()
}

// Err is the error that stopped the task.
func (t *Task) Err() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.err
}

func (t *Task) Stop() {
	t.cancelFunc()
}

func (t *Task) fail(err error) {
	t.mutex.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mutex.Unlock()
	t.logger.Errorw("task failed, stopping.", "fatal", operator.IsFatal(err), "err", err)
	t.cancelFunc()
}

// Emit queues data for the task loop, it blocks while the input channel is full.
func (t *Task) Emit(data Data) error {
	select {
	case t.inputChan <- data:
		return nil
	case <-t.ctx.Done():
		return ErrTaskStopped
	}
}

// -------------------------------------Processor---------------------------------------------

func (t *Task) process(data Data) {
	if err := safe.Run(func() error {
		switch d := data.(type) {
		case element.WindowedElement:
			return t.Operator.OnElement(d)
		case Watermark:
			return t.Operator.OnWatermark(element.Time(d))
		case SideInput:
			return t.Operator.OnSideInputElement(d.View, d.Element)
		case SideInputWatermark:
			return t.Operator.OnSideInputWatermark(d.Input, d.Watermark)
		case Barrier:
			t.TriggerBarrier(d)
			return nil
		default:
			return errors.Errorf("unsupported input %T", data)
		}
	}); err != nil {
		t.fail(err)
	}
}

// -------------------------------------BarrierTrigger---------------------------------------------

// TriggerBarrier forwards the barrier once the operator is prepared, then snapshots
// it into the backend and answers the coordinator. It runs on the task loop.
func (t *Task) TriggerBarrier(barrier Barrier) {
	message := ACK
	if err := t.snapshot(barrier); err != nil {
		message = DEC
		t.logger.Warnw("failed to snapshot.", "barrier", barrier.Id, "type", barrier.BarrierType, "err", err)
		if operator.IsFatal(err) {
			t.fail(err)
		}
	}
	if t.BarrierSignalChan == nil {
		return
	}
	select {
	case t.BarrierSignalChan <- Signal{Name: t.Name(), Message: message, Barrier: barrier}:
	case <-t.ctx.Done():
	}
}

// snapshot always forwards the barrier, output of the finishing bundle is buffered
// by Snapshot and only handed downstream after it.
func (t *Task) snapshot(barrier Barrier) (err error) {
	forwarded := false
	forward := func() {
		if !forwarded && t.DataEmit != nil {
			t.DataEmit(barrier)
		}
		forwarded = true
	}
	defer forward()
	if barrier.BarrierType == ExitpointBarrier {
		if err = t.Operator.Drain(); err != nil {
			return err
		}
	}
	if err = t.Operator.PrepareSnapshot(barrier.Id); err != nil {
		return err
	}
	forward()
	state, err := t.Operator.Snapshot(barrier.Id)
	if err != nil {
		return err
	}
	if t.Backend == nil {
		return nil
	}
	return t.Backend.Save(barrier.Id, t.Name(), state)
}

// -------------------------------------BarrierListener-------------------------------------

func (t *Task) NotifyBarrierComplete(barrier Barrier) {
	t.notify(func() error {
		if err := t.Operator.NotifyAcknowledged(barrier.Id); err != nil {
			return err
		}
		if barrier.BarrierType == ExitpointBarrier {
			t.logger.Infow("exitpoint completed, exiting.", "barrier", barrier.Id)
			t.cancelFunc()
		}
		return nil
	})
}

func (t *Task) NotifyBarrierCancel(barrier Barrier) {
	t.notify(func() error {
		t.Operator.NotifyAborted(barrier.Id)
		return nil
	})
}

// notify never blocks the caller, the loop runs queued notifications in order.
func (t *Task) notify(fn func() error) {
	t.mutex.Lock()
	t.notifications = append(t.notifications, fn)
	t.mutex.Unlock()
	select {
	case t.notifyChan <- struct{}{}:
	default:
	}
}

func (t *Task) takeNotifications() []func() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	notifications := t.notifications
	t.notifications = nil
	return notifications
}

func New(options Options) (*Task, error) {
	if options.Name == "" {
		return nil, errors.New("task name can't be empty")
	}
	if options.Operator == nil {
		return nil, errors.Errorf("task %s has no operator", options.Name)
	}
	ctx, cancelFunc := _c.WithCancel(_c.Background())
	return &Task{
		ctx:        ctx,
		cancelFunc: cancelFunc,
		logger:     log.Global().Named(options.Name + ".task"),
		Options:    options,
		running:    atomic.NewBool(false),
		inputChan:  make(chan Data, options.ChannelSize),
		callerChan: make(chan *executor.Executor),
		mutex:      &sync.Mutex{},
		notifyChan: make(chan struct{}, 1),
	}, nil
}
