package task

import (
	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/operator"
	"github.com/RuiFG/streaming/streaming-runner/sideinput"
	"github.com/RuiFG/streaming/streaming-runner/store"
	"github.com/pkg/errors"
)

var ErrTaskStopped = errors.New("task is stopped")

// Data is one of element.WindowedElement, Watermark, SideInput, SideInputWatermark or Barrier.
type Data any

type Emit func(Data)

type Watermark element.Time

type SideInput struct {
	View    sideinput.View
	Element element.WindowedElement
}

// SideInputWatermark advances side channel Input, counted from 1.
type SideInputWatermark struct {
	Input     int
	Watermark element.Time
}

// Operator is what a task drives, *operator.DoFnOperator implements it.
type Operator interface {
	operator.Rich
	operator.CheckpointListener
	OnElement(elem element.WindowedElement) error
	OnWatermark(watermark element.Time) error
	OnSideInputElement(view sideinput.View, elem element.WindowedElement) error
	OnSideInputWatermark(input int, watermark element.Time) error
	Restore(snapshot []byte) error
	Drain() error
}

type Options struct {
	Name              string
	Operator          Operator
	BarrierSignalChan chan Signal

	// DataEmit forwards barriers downstream, nil for the last task.
	DataEmit Emit

	ChannelSize int
	// Backend receives snapshots and restores the latest one on start, nil disables both.
	Backend store.Backend
}
