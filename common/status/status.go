package status

import "go.uber.org/atomic"

type Status int64

const (
	Ready Status = iota
	Running
	Closed
)

func (s Status) Ready() bool {
	return s == Ready
}
func (s Status) Running() bool {
	return s == Running
}
func (s Status) Closed() bool {
	return s == Closed
}

// Cell is an atomically updated lifecycle status.
type Cell struct {
	v *atomic.Int64
}

func NewCell() *Cell {
	return &Cell{v: atomic.NewInt64(int64(Ready))}
}

func (c *Cell) Load() Status {
	return Status(c.v.Load())
}

// CAS moves the status from one state to another, false when it was not in from.
func (c *Cell) CAS(from, to Status) bool {
	return c.v.CAS(int64(from), int64(to))
}
