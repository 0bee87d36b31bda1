package executor

import "go.uber.org/atomic"

const (
	pending uint32 = iota
	executed
	canceled
)

// Executor is a closure handed to the task loop, it runs at most once or is canceled.
type Executor struct {
	exec   func()
	status *atomic.Uint32
	done   chan struct{}
}

func (e *Executor) Cancel() bool {
	if e.status.CAS(pending, canceled) {
		close(e.done)
		return true
	}
	return false
}

func (e *Executor) Canceled() bool {
	return e.status.Load() == canceled
}

func (e *Executor) Executed() bool {
	return e.status.Load() == executed
}

func (e *Executor) Exec() bool {
	if e.status.CAS(pending, executed) {
		defer close(e.done)
		e.exec()
		return true
	}
	return false
}

func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func NewExecutor(exec func()) *Executor {
	return &Executor{
		exec:   exec,
		status: atomic.NewUint32(pending),
		done:   make(chan struct{}),
	}
}
