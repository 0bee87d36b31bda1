package operator

import (
	"time"

	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

type checkpointRecord struct {
	checkpointId  int64
	finalizations []Finalization
}

// checkpointRecords maps checkpoint ids to the finalizations registered by the
// bundles they cover, oldest first, keeping at most capacity entries.
type checkpointRecords struct {
	capacity int
	records  []checkpointRecord
}

func newCheckpointRecords(capacity int) *checkpointRecords {
	return &checkpointRecords{capacity: capacity}
}

// Put evicts the oldest records until there is room, then stores finalizations under checkpointId.
func (c *checkpointRecords) Put(checkpointId int64, finalizations []Finalization) (evicted []int64) {
	for len(c.records) >= c.capacity {
		evicted = append(evicted, c.records[0].checkpointId)
		c.records = c.records[1:]
	}
	c.records = append(c.records, checkpointRecord{checkpointId: checkpointId, finalizations: finalizations})
	return evicted
}

func (c *checkpointRecords) Take(checkpointId int64) ([]Finalization, bool) {
	for i, record := range c.records {
		if record.checkpointId == checkpointId {
			c.records = append(c.records[:i:i], c.records[i+1:]...)
			return record.finalizations, true
		}
	}
	return nil, false
}

func (c *checkpointRecords) Len() int {
	return len(c.records)
}

func (c *checkpointRecords) Ids() []int64 {
	ids := make([]int64, 0, len(c.records))
	for _, record := range c.records {
		ids = append(ids, record.checkpointId)
	}
	return ids
}

func (o *DoFnOperator) PrepareSnapshot(checkpointId int64) error {
	if !o.status.Load().Running() {
		return ErrNotRunning
	}
	if !o.options.finishBundleBeforeCheckpointing {
		return nil
	}
	if err := o.bundle.ForceFinish(); err != nil {
		return errors.WithMessagef(err, "failed to finish bundle before checkpoint %d", checkpointId)
	}
	return o.updateOutputWatermark()
}

// Snapshot finishes the open bundle into the output buffer and returns the
// operator state of checkpointId. Any failure is fatal.
func (o *DoFnOperator) Snapshot(checkpointId int64) ([]byte, error) {
	if !o.status.Load().Running() {
		return nil, ErrNotRunning
	}
	o.trackCheckpoint(checkpointId)
	if o.stable != nil {
		o.stable.Checkpoint(checkpointId)
	}
	o.output.OpenBuffer()
	err := o.bundle.ForceFinish()
	if evicted := o.checkpoints.Put(checkpointId, o.finalizations); len(evicted) > 0 {
		o.logger.Warnw("dropped finalizations of checkpoints never acknowledged.", "checkpoints", evicted)
	}
	o.finalizations = nil
	o.output.CloseBuffer()
	if err != nil {
		return nil, fatalf(err, "failed to finish bundle for checkpoint %d", checkpointId)
	}
	snapshot, err := o.encodeSnapshot()
	if err != nil {
		return nil, fatalf(err, "failed to snapshot checkpoint %d", checkpointId)
	}
	o.logger.Debugw("snapshot taken.", "checkpoint", checkpointId, "bytes", len(snapshot),
		"buffered", len(o.output.Buffered()))
	// the finish above ran with the buffer open, so its watermark update was deferred
	if err = o.updateOutputWatermark(); err != nil {
		return nil, fatalf(err, "failed to update watermark after checkpoint %d", checkpointId)
	}
	return snapshot, nil
}

func (o *DoFnOperator) trackCheckpoint(checkpointId int64) {
	for len(o.pendingCheckpoints) >= o.options.numConcurrentCheckpoints {
		oldest := o.pendingCheckpointIds[0]
		o.pendingCheckpointIds = o.pendingCheckpointIds[1:]
		delete(o.pendingCheckpoints, oldest)
	}
	o.pendingCheckpoints[checkpointId] = o.clock.Now()
	o.pendingCheckpointIds = append(o.pendingCheckpointIds, checkpointId)
}

func (o *DoFnOperator) untrackCheckpoint(checkpointId int64) (time.Time, bool) {
	start, ok := o.pendingCheckpoints[checkpointId]
	if !ok {
		return time.Time{}, false
	}
	delete(o.pendingCheckpoints, checkpointId)
	for i, id := range o.pendingCheckpointIds {
		if id == checkpointId {
			o.pendingCheckpointIds = append(o.pendingCheckpointIds[:i:i], o.pendingCheckpointIds[i+1:]...)
			break
		}
	}
	return start, true
}

// NotifyAcknowledged releases stable input covered by checkpointId and runs
// its finalizations. A failing finalization is fatal.
func (o *DoFnOperator) NotifyAcknowledged(checkpointId int64) error {
	if !o.status.Load().Running() {
		return ErrNotRunning
	}
	if start, ok := o.untrackCheckpoint(checkpointId); ok {
		o.metrics.checkpointDuration.Record(o.clock.Since(start))
	}
	if o.stable != nil {
		if err := o.stable.Release(checkpointId, o.replayStable); err != nil {
			return errors.WithMessagef(err, "failed to release stable input of checkpoint %d", checkpointId)
		}
		if err := o.bundle.ForceFinish(); err != nil {
			return err
		}
		if err := o.updateOutputWatermark(); err != nil {
			return err
		}
	}
	finalizations, ok := o.checkpoints.Take(checkpointId)
	if !ok {
		return nil
	}
	var err error
	for _, finalization := range finalizations {
		o.metrics.finalizationsInvoked.Inc(1)
		err = multierr.Append(err, finalization())
	}
	if err != nil {
		return fatalf(err, "failed to finalize checkpoint %d", checkpointId)
	}
	o.logger.Debugw("checkpoint acknowledged.", "checkpoint", checkpointId, "finalizations", len(finalizations))
	return nil
}

func (o *DoFnOperator) NotifyAborted(checkpointId int64) {
	o.untrackCheckpoint(checkpointId)
	o.logger.Infow("checkpoint aborted.", "checkpoint", checkpointId)
}

func (o *DoFnOperator) replayStable(elem element.WindowedElement) error {
	if err := o.bundle.EnsureStarted(); err != nil {
		return err
	}
	o.replayingStable = true
	err := o.invokeProcessElement(elem)
	o.replayingStable = false
	if err != nil {
		return err
	}
	return o.bundle.MaybeFinishByCount()
}

// Drain flushes everything the operator holds before a final shutdown.
func (o *DoFnOperator) Drain() error {
	if !o.status.Load().Running() {
		return ErrNotRunning
	}
	if o.timers.NumProcessingTimeTimers() > 0 {
		if err := o.timerService.AdvanceProcessingTime(element.MaxTimestamp); err != nil {
			return errors.WithMessage(err, "failed to drain processing-time timers")
		}
		if n := o.timers.NumProcessingTimeTimers(); n > 0 {
			return fatalf(nil, "%d processing-time timers left after drain", n)
		}
	}
	if err := o.processWatermark1(element.MaxTimestamp); err != nil {
		return err
	}
	if err := o.bundle.ForceFinish(); err != nil {
		return err
	}
	if o.stable != nil && o.options.enableStableInputDrain {
		o.logger.Warnw("releasing stable input without checkpoint acknowledgment.", "elements", o.stable.Len())
		if err := o.stable.ReleaseAll(o.replayStable); err != nil {
			return errors.WithMessage(err, "failed to release stable input on drain")
		}
		if err := o.bundle.ForceFinish(); err != nil {
			return err
		}
		if err := o.updateOutputWatermark(); err != nil {
			return err
		}
	}
	if wm := o.OutputWatermark(); !wm.IsTerminal() {
		return fatalf(nil, "output watermark %s is not terminal after drain, holds left at %s", wm, o.holds.Min())
	}
	if o.pushback != nil && o.pushback.Len() > 0 {
		return fatalf(nil, "%d pushed back elements left after drain", o.pushback.Len())
	}
	return nil
}
