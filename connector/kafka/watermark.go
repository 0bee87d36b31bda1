package kafka

import (
	"sync"
	"time"

	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/task"
)

// WatermarkGenerator derives watermarks from the timestamps of consumed records.
// OnEvent is called concurrently by every claim.
type WatermarkGenerator interface {
	OnEvent(timestamp element.Time)
	// OnPeriodicEmit returns the current watermark, false when none is known yet.
	OnPeriodicEmit() (element.Time, bool)
}

type boundedOutOfOrdernessGenerator struct {
	mutex          sync.Mutex
	seen           bool
	maxTimestamp   element.Time
	outOfOrderness element.Time
}

// NewBoundedOutOfOrdernessGenerator trails the max seen timestamp by outOfOrderness.
func NewBoundedOutOfOrdernessGenerator(outOfOrderness time.Duration) WatermarkGenerator {
	return &boundedOutOfOrdernessGenerator{outOfOrderness: element.Time(outOfOrderness.Milliseconds())}
}

func (b *boundedOutOfOrdernessGenerator) OnEvent(timestamp element.Time) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if !b.seen || timestamp > b.maxTimestamp {
		b.maxTimestamp = timestamp
	}
	b.seen = true
}

func (b *boundedOutOfOrdernessGenerator) OnPeriodicEmit() (element.Time, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if !b.seen {
		return 0, false
	}
	return b.maxTimestamp - b.outOfOrderness - 1, true
}

type noWatermarksGenerator struct{}

// NoWatermarks never advances the watermark, the task relies on its drain.
func NoWatermarks() WatermarkGenerator { return noWatermarksGenerator{} }

func (noWatermarksGenerator) OnEvent(element.Time) {}

func (noWatermarksGenerator) OnPeriodicEmit() (element.Time, bool) { return 0, false }

// watermarkEmitter forwards only advancing watermarks.
type watermarkEmitter struct {
	generator WatermarkGenerator
	emitted   bool
	current   element.Time
}

func (w *watermarkEmitter) emit(emitter Emitter) error {
	watermark, ok := w.generator.OnPeriodicEmit()
	if !ok || (w.emitted && watermark <= w.current) {
		return nil
	}
	w.emitted, w.current = true, watermark
	return emitter.Emit(task.Watermark(watermark))
}
