package operator

import (
	"sync"

	"github.com/RuiFG/streaming/streaming-runner/common/executor"
	"github.com/RuiFG/streaming/streaming-runner/log"
)

type context struct {
	logger     log.Logger
	callerChan chan<- *executor.Executor
	done       <-chan struct{}
	onError    func(err error)
}

func (c *context) Logger() log.Logger {
	return c.logger
}

// Exec hands fn to the task loop, the executor is canceled once done is closed.
func (c *context) Exec(fn func() error) *executor.Executor {
	newExecutor := executor.NewExecutor(func() {
		if err := fn(); err != nil {
			c.onError(err)
		}
	})
	select {
	case c.callerChan <- newExecutor:
	case <-c.done:
		newExecutor.Cancel()
	}
	return newExecutor
}

func NewContext(
	logger log.Logger,
	callerChan chan<- *executor.Executor,
	done <-chan struct{},
	onError func(err error),
) Context {
	return &context{
		logger:     logger,
		callerChan: callerChan,
		done:       done,
		onError:    onError,
	}
}

// LocalContext queues executors until the owner drains them with RunPending.
type LocalContext struct {
	logger  log.Logger
	mutex   *sync.Mutex
	pending []*executor.Executor
	err     error
}

func NewLocalContext(logger log.Logger) *LocalContext {
	return &LocalContext{logger: logger, mutex: &sync.Mutex{}}
}

func (c *LocalContext) Logger() log.Logger {
	return c.logger
}

func (c *LocalContext) Exec(fn func() error) *executor.Executor {
	newExecutor := executor.NewExecutor(func() {
		if err := fn(); err != nil {
			c.mutex.Lock()
			if c.err == nil {
				c.err = err
			}
			c.mutex.Unlock()
		}
	})
	c.mutex.Lock()
	c.pending = append(c.pending, newExecutor)
	c.mutex.Unlock()
	return newExecutor
}

// RunPending executes queued closures, including ones queued meanwhile, and
// returns the first error any of them produced.
func (c *LocalContext) RunPending() error {
	for {
		c.mutex.Lock()
		pending := c.pending
		c.pending = nil
		c.mutex.Unlock()
		if len(pending) == 0 {
			break
		}
		for _, e := range pending {
			e.Exec()
		}
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	err := c.err
	c.err = nil
	return err
}

// Pending reports how many closures wait for RunPending.
func (c *LocalContext) Pending() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.pending)
}
