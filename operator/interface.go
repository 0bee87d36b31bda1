package operator

import (
	"github.com/RuiFG/streaming/streaming-runner/common/executor"
	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/RuiFG/streaming/streaming-runner/sideinput"
	"github.com/RuiFG/streaming/streaming-runner/timer"
)

type Context interface {
	Logger() log.Logger
	//Exec will call func that are mutually exclusive
	Exec(fn func() error) *executor.Executor
}

type CheckpointListener interface {
	PrepareSnapshot(checkpointId int64) error
	Snapshot(checkpointId int64) ([]byte, error)
	NotifyAcknowledged(checkpointId int64) error
	NotifyAborted(checkpointId int64)
}

// Rich is implemented by a DoFn that needs setup and teardown around its lifetime.
type Rich interface {
	Open(ctx Context) error
	Close() error
}

// Finalization runs once the checkpoint that covered its bundle is acknowledged.
type Finalization func() error

// Output receives everything the operator emits downstream.
type Output interface {
	Emit(tag element.Tag, elem element.WindowedElement) error
	EmitWatermark(watermark element.Time) error
}

// State is the keyed state of the current key, scoped to the current window.
type State interface {
	Get(field string) ([]byte, bool, error)
	Put(field string, value []byte) error
	Remove(field string) error
}

type BundleContext interface {
	OutputTo(tag element.Tag, elem element.WindowedElement) error
	RegisterFinalization(fn Finalization)
	CurrentProcessingTime() element.Time
}

type ProcessContext interface {
	BundleContext
	Key() string
	Window() element.Window
	// Timestamp is the element timestamp, or the output timestamp of a firing timer.
	Timestamp() element.Time
	Output(elem element.WindowedElement) error
	SideInput(view sideinput.View) []any
	SetTimer(timerId, timerFamilyId string, target, outputTimestamp element.Time, domain timer.Domain) error
	DeleteTimer(timerId, timerFamilyId string, domain timer.Domain) error
	// DeleteTimerById always fails, a timer is only addressable together with its window.
	DeleteTimerById(timerId string) error
	HasPendingEventTimeTimers(maxTimestamp element.Time) (bool, error)
	SetWatermarkHold(holdId string, timestamp element.Time) error
	ClearWatermarkHold(holdId string) error
	State() State
	CurrentInputWatermark() element.Time
	CurrentOutputWatermark() element.Time
}

// DoFn is the user transform hosted by the operator.
type DoFn interface {
	StartBundle(ctx BundleContext) error
	ProcessElement(ctx ProcessContext, elem element.WindowedElement) error
	OnTimer(ctx ProcessContext, record TimerRecord) error
	FinishBundle(ctx BundleContext) error
}
