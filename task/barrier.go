package task

type BarrierType uint

const (
	CheckpointBarrier BarrierType = iota
	// ExitpointBarrier drains the operator before its final snapshot and stops the task once acknowledged.
	ExitpointBarrier
)

func (b BarrierType) String() string {
	switch b {
	case CheckpointBarrier:
		return "checkpoint"
	case ExitpointBarrier:
		return "exitpoint"
	}
	return "unknown"
}

type Message uint

const (
	ACK Message = iota
	DEC
)

type Signal struct {
	Name string
	Message
	Barrier
}

type Barrier struct {
	Id int64
	BarrierType
}

type BarrierTrigger interface {
	TriggerBarrier(barrier Barrier)
}

type BarrierListener interface {
	NotifyBarrierComplete(barrier Barrier)
	NotifyBarrierCancel(barrier Barrier)
}
