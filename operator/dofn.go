package operator

import (
	"github.com/RuiFG/streaming/streaming-runner/element"
)

// BaseDoFn has no-op bundle and timer callbacks, embed it and implement ProcessElement.
type BaseDoFn struct{}

func (BaseDoFn) StartBundle(BundleContext) error { return nil }

func (BaseDoFn) OnTimer(ProcessContext, TimerRecord) error { return nil }

func (BaseDoFn) FinishBundle(BundleContext) error { return nil }

// ProcessFunc is a DoFn without bundle or timer callbacks.
type ProcessFunc func(ctx ProcessContext, elem element.WindowedElement) error

func (f ProcessFunc) StartBundle(BundleContext) error { return nil }

func (f ProcessFunc) ProcessElement(ctx ProcessContext, elem element.WindowedElement) error {
	return f(ctx, elem)
}

func (f ProcessFunc) OnTimer(ProcessContext, TimerRecord) error { return nil }

func (f ProcessFunc) FinishBundle(BundleContext) error { return nil }
