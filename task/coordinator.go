package task

import (
	_c "context"
	"time"

	"github.com/RuiFG/streaming/streaming-runner/common/safe"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/RuiFG/streaming/streaming-runner/store"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

var ErrTooManyCheckpointFailures = errors.New("the number of failed checkpoints exceeds the tolerable number")

type pendingBarrier struct {
	Barrier
	notYetAckTasks map[string]bool
}

func newPendingBarrier(barrier Barrier, tasksToWaitFor []*Task) *pendingBarrier {
	pb := &pendingBarrier{Barrier: barrier, notYetAckTasks: map[string]bool{}}
	for _, _task := range tasksToWaitFor {
		pb.notYetAckTasks[_task.Name()] = true
	}
	return pb
}

func (p *pendingBarrier) ack(task string) {
	delete(p.notYetAckTasks, task)
}

func (p *pendingBarrier) isFullyAck() bool {
	return len(p.notYetAckTasks) == 0
}

type CoordinatorOptions struct {
	MaxConcurrentCheckpoints         int
	MinPauseBetweenCheckpoints       time.Duration
	TolerableCheckpointFailureNumber int
	Clock                            clock.Clock
}

// Coordinator injects barriers into its tasks, waits for every task to
// acknowledge and persists the checkpoint before notifying them.
type Coordinator struct {
	ctx        _c.Context
	cancelFunc _c.CancelFunc
	logger     log.Logger
	CoordinatorOptions

	tasks              []*Task
	pendingBarriers    map[int64]*pendingBarrier
	lastBarrierId      int64
	stopping           bool
	barrierSignalChan  chan Signal
	triggerBarrierChan chan BarrierType
	storeBackend       store.Backend

	checkpointFailureNumber int
	err                     error
}

func (c *Coordinator) Activate() {
	go func() {
		for {
			select {
			case barrierType := <-c.triggerBarrierChan:
				c.trigger(barrierType)
			case signal := <-c.barrierSignalChan:
				c.onSignal(signal)
			case <-c.ctx.Done():
				c.logger.Info("coordinator stopped.")
				return
			}
		}
	}()
	c.logger.Info("started.")
}

func (c *Coordinator) trigger(barrierType BarrierType) {
	now := c.Clock.Now().UnixMilli()
	if barrierType == CheckpointBarrier {
		if c.stopping {
			c.logger.Warn("the coordinator is stopping, cancel checkpoint.")
			return
		}
		if c.lastBarrierId != 0 && now < c.lastBarrierId+c.MinPauseBetweenCheckpoints.Milliseconds() {
			c.logger.Warn("the time to trigger a checkpoint is less than the min pause time between two checkpoints, cancel checkpoint.")
			return
		}
		if len(c.pendingBarriers) >= c.MaxConcurrentCheckpoints {
			c.logger.Warnf("pending barriers reach the maximum number %d, cancel checkpoint.", c.MaxConcurrentCheckpoints)
			return
		}
	} else {
		c.stopping = true
	}
	for _, _task := range c.tasks {
		if !_task.Running() {
			c.logger.Warnw("task is not running, cancel barrier.", "task", _task.Name(), "type", barrierType)
			return
		}
	}
	id := now
	if id <= c.lastBarrierId {
		id = c.lastBarrierId + 1
	}
	barrier := Barrier{Id: id, BarrierType: barrierType}
	c.pendingBarriers[id] = newPendingBarrier(barrier, c.tasks)
	c.lastBarrierId = id
	c.logger.Debugw("create pending barrier.", "barrier", id, "type", barrierType)
	for _, _task := range c.tasks {
		go func(_task *Task) {
			if err := _task.Emit(barrier); err != nil {
				c.logger.Warnw("failed to inject barrier.", "task", _task.Name(), "barrier", barrier.Id, "err", err)
			}
		}(_task)
	}
}

func (c *Coordinator) onSignal(signal Signal) {
	pb, ok := c.pendingBarriers[signal.Id]
	if !ok {
		c.logger.Debugw("receive signal for non existing barrier.", "task", signal.Name, "barrier", signal.Id)
		return
	}
	switch signal.Message {
	case ACK:
		pb.ack(signal.Name)
		if pb.isFullyAck() {
			c.complete(pb)
		}
	case DEC:
		c.fail(pb)
	}
}

func (c *Coordinator) fail(pb *pendingBarrier) {
	c.cancel(pb)
	c.checkpointFailureNumber++
	if c.checkpointFailureNumber > c.TolerableCheckpointFailureNumber {
		c.logger.Error("the current number of failed checkpoints has exceeded the maximum tolerable number.")
		c.err = ErrTooManyCheckpointFailures
		c.cancelFunc()
		return
	}
	if pb.BarrierType == ExitpointBarrier {
		c.logger.Warn("the coordinator is stopping, but the exitpoint failed, so trigger again.")
		c.trigger(ExitpointBarrier)
	}
}

// Deactivate triggers an exitpoint, the coordinator stops once it completes.
func (c *Coordinator) Deactivate() {
	select {
	case c.triggerBarrierChan <- ExitpointBarrier:
	case <-c.ctx.Done():
	}
}

// Stop abandons pending barriers without notifying the tasks.
func (c *Coordinator) Stop() {
	c.cancelFunc()
}

func (c *Coordinator) Wait() error {
	<-c.ctx.Done()
	return c.err
}

func (c *Coordinator) TriggerCheckpoint() {
	select {
	case c.triggerBarrierChan <- CheckpointBarrier:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator) cancel(pb *pendingBarrier) {
	delete(c.pendingBarriers, pb.Id)
	c.notifyCancel(pb.Barrier)
}

func (c *Coordinator) complete(pb *pendingBarrier) {
	if err := c.storeBackend.Persist(pb.Id); err != nil {
		c.logger.Errorw("cannot persist checkpoint due to store error.", "barrier", pb.Id, "err", err)
		c.fail(pb)
		return
	}
	delete(c.pendingBarriers, pb.Id)
	//drop the previous pendingBarriers
	for id := range c.pendingBarriers {
		if id < pb.Id {
			delete(c.pendingBarriers, id)
		}
	}
	c.checkpointFailureNumber = 0
	c.notifyComplete(pb.Barrier)
	c.logger.Debugw("totally complete barrier.", "barrier", pb.Id)
	if pb.BarrierType == ExitpointBarrier {
		c.cancelFunc()
	}
}

func (c *Coordinator) notifyComplete(barrier Barrier) {
	for _, _task := range c.tasks {
		if err := safe.Run(func() error {
			_task.NotifyBarrierComplete(barrier)
			return nil
		}); err != nil {
			c.logger.Warnw("failed to notify checkpoint complete.", "task", _task.Name(), "err", err)
		}
	}
}

func (c *Coordinator) notifyCancel(barrier Barrier) {
	for _, _task := range c.tasks {
		if err := safe.Run(func() error {
			_task.NotifyBarrierCancel(barrier)
			return nil
		}); err != nil {
			c.logger.Warnw("failed to notify checkpoint cancel.", "task", _task.Name(), "err", err)
		}
	}
}

// NewCoordinator wires itself into the tasks' BarrierSignalChan.
func NewCoordinator(tasks []*Task, storeBackend store.Backend, options CoordinatorOptions) (*Coordinator, error) {
	if storeBackend == nil {
		return nil, errors.New("coordinator needs a store backend")
	}
	if options.MaxConcurrentCheckpoints <= 0 {
		options.MaxConcurrentCheckpoints = 1
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	barrierSignalChan := make(chan Signal, len(tasks))
	for _, _task := range tasks {
		if _task.BarrierSignalChan != nil {
			return nil, errors.Errorf("task %s is already coordinated", _task.Name())
		}
		_task.BarrierSignalChan = barrierSignalChan
		if _task.Backend == nil {
			_task.Backend = storeBackend
		}
	}
	ctx, cancelFunc := _c.WithCancel(_c.Background())
	return &Coordinator{
		ctx:                ctx,
		cancelFunc:         cancelFunc,
		logger:             log.Global().Named("coordinator"),
		CoordinatorOptions: options,
		tasks:              tasks,
		pendingBarriers:    map[int64]*pendingBarrier{},
		barrierSignalChan:  barrierSignalChan,
		triggerBarrierChan: make(chan BarrierType),
		storeBackend:       storeBackend,
	}, nil
}
