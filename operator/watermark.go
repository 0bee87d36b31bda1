package operator

import (
	"container/heap"

	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/store"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// HoldPolicy adjusts the input watermark before timers see it, and the output
// watermark candidate before it is emitted.
type HoldPolicy interface {
	ApplyInputHold(input element.Time) element.Time
	ApplyOutputHold(current, candidate element.Time) element.Time
}

type passThroughHoldPolicy struct{}

func (passThroughHoldPolicy) ApplyInputHold(input element.Time) element.Time { return input }

func (passThroughHoldPolicy) ApplyOutputHold(_, candidate element.Time) element.Time {
	return candidate
}

type PartialWatermark struct {
	idle      bool
	watermark element.Time
}

func (p *PartialWatermark) SetIdle(idle bool) {
	p.idle = idle
}

func (p *PartialWatermark) IsIdle() bool {
	return p.idle
}

func (p *PartialWatermark) Watermark() element.Time {
	return p.watermark
}

func (p *PartialWatermark) UpdateWatermark(watermark element.Time) {
	p.idle = false
	p.watermark = watermark
}

// CombineWatermark is the minimum over the non-idle partial watermarks, it never goes back.
type CombineWatermark struct {
	idle              bool
	combinedWatermark element.Time
	partialWatermarks []*PartialWatermark
}

func (c *CombineWatermark) IsIdle() bool {
	return c.idle
}

func (c *CombineWatermark) CombinedWatermark() element.Time {
	return c.combinedWatermark
}

func (c *CombineWatermark) updateCombinedWatermark() bool {
	minimumOverAllInputs := element.MaxTimestamp
	if len(c.partialWatermarks) == 0 {
		return false
	}
	allIdle := true
	for _, pw := range c.partialWatermarks {
		if !pw.IsIdle() {
			minimumOverAllInputs = element.Min(minimumOverAllInputs, pw.Watermark())
			allIdle = false
		}
	}
	c.idle = allIdle
	if !allIdle && minimumOverAllInputs > c.combinedWatermark {
		c.combinedWatermark = minimumOverAllInputs
		return true
	}
	return false
}

// UpdateWatermark sets the watermark of input, counted from 1, and reports
// whether the combined watermark advanced.
func (c *CombineWatermark) UpdateWatermark(watermark element.Time, input int) bool {
	c.partialWatermarks[input-1].UpdateWatermark(watermark)
	return c.updateCombinedWatermark()
}

func (c *CombineWatermark) UpdateIdle(idle bool, input int) bool {
	c.partialWatermarks[input-1].SetIdle(idle)
	return c.updateCombinedWatermark()
}

func (c *CombineWatermark) Inputs() int {
	return len(c.partialWatermarks)
}

func NewCombineWatermark(inputs int) *CombineWatermark {
	var partialWatermarks []*PartialWatermark
	for p := 0; p < inputs; p++ {
		partialWatermarks = append(partialWatermarks, &PartialWatermark{idle: true, watermark: element.MaxTimestamp})
	}
	return &CombineWatermark{
		idle:              true,
		combinedWatermark: element.MinTimestamp,
		partialWatermarks: partialWatermarks,
	}
}

// NewActiveCombineWatermark starts every input active at watermark, so an input
// that never reported holds the combined watermark back.
func NewActiveCombineWatermark(inputs int, watermark element.Time) *CombineWatermark {
	c := NewCombineWatermark(inputs)
	for _, pw := range c.partialWatermarks {
		pw.UpdateWatermark(watermark)
	}
	c.idle = false
	c.combinedWatermark = watermark
	return c
}

type timeHeap []element.Time

func (h timeHeap) Len() int { return len(h) }

func (h timeHeap) Less(i, j int) bool { return h[i] < h[j] }

func (h timeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timeHeap) Push(x any) {
	*h = append(*h, x.(element.Time))
}

func (h *timeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

func (h *timeHeap) Remove(toRemove element.Time) {
	for i, v := range *h {
		if v == toRemove {
			heap.Remove(h, i)
			return
		}
	}
}

// holdTracker counts the holds set at each time. A min-heap of the distinct
// times gives the earliest one.
type holdTracker struct {
	heap   timeHeap
	counts map[element.Time]int
}

func newHoldTracker() *holdTracker {
	return &holdTracker{counts: map[element.Time]int{}}
}

func (ht *holdTracker) Add(hold element.Time) {
	ht.counts[hold]++
	if len(ht.counts) != len(ht.heap) {
		heap.Push(&ht.heap, hold)
	}
}

// Drop fails fatally when it would make a count negative, the tracker is left unchanged.
func (ht *holdTracker) Drop(hold element.Time) error {
	n := ht.counts[hold] - 1
	if n > 0 {
		ht.counts[hold] = n
		return nil
	} else if n < 0 {
		return fatalf(nil, "negative watermark hold count %d for time %s", n, hold)
	}
	delete(ht.counts, hold)
	ht.heap.Remove(hold)
	return nil
}

// Min is MaxTimestamp without holds.
func (ht *holdTracker) Min() element.Time {
	if len(ht.heap) > 0 {
		return ht.heap[0]
	}
	return element.MaxTimestamp
}

func (ht *holdTracker) Len() int {
	return len(ht.counts)
}

const holdsNamespace = "__holds"

// keyedHolds persists watermark holds in the keyed store and mirrors them in a holdTracker.
type keyedHolds struct {
	store   store.KeyedStore
	tracker *holdTracker
}

func newKeyedHolds(keyedStore store.KeyedStore) *keyedHolds {
	return &keyedHolds{store: keyedStore, tracker: newHoldTracker()}
}

func encodeTime(t element.Time) []byte {
	return protowire.AppendVarint(nil, protowire.EncodeZigZag(int64(t)))
}

func decodeTime(b []byte) (element.Time, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, errors.WithMessage(protowire.ParseError(n), "malformed hold")
	}
	return element.Time(protowire.DecodeZigZag(v)), nil
}

func (h *keyedHolds) load(key, id string) (element.Time, bool, error) {
	raw, ok, err := h.store.Get(key, holdsNamespace, id)
	if err != nil || !ok {
		return 0, false, err
	}
	t, err := decodeTime(raw)
	return t, err == nil, err
}

// Add sets hold id of key at timestamp, replacing an earlier one with the same id.
func (h *keyedHolds) Add(key, id string, timestamp element.Time) error {
	old, ok, err := h.load(key, id)
	if err != nil {
		return errors.WithMessagef(err, "failed to load hold %s", id)
	}
	if ok && old == timestamp {
		return nil
	}
	if err = h.store.Put(key, holdsNamespace, id, encodeTime(timestamp)); err != nil {
		return errors.WithMessagef(err, "failed to put hold %s", id)
	}
	if ok {
		if err = h.tracker.Drop(old); err != nil {
			return err
		}
	}
	h.tracker.Add(timestamp)
	return nil
}

func (h *keyedHolds) Remove(key, id string) error {
	old, ok, err := h.load(key, id)
	if err != nil {
		return errors.WithMessagef(err, "failed to load hold %s", id)
	}
	if !ok {
		return nil
	}
	if err = h.store.Remove(key, holdsNamespace, id); err != nil {
		return errors.WithMessagef(err, "failed to remove hold %s", id)
	}
	return h.tracker.Drop(old)
}

func (h *keyedHolds) Min() element.Time {
	return h.tracker.Min()
}

// rebuild reloads the tracker from the keyed store, after a restore.
func (h *keyedHolds) rebuild(keys []string) error {
	h.tracker = newHoldTracker()
	for _, key := range keys {
		var decodeErr error
		if err := h.store.Iterate(key, func(namespace, field string, value []byte) bool {
			if namespace != holdsNamespace {
				return true
			}
			t, err := decodeTime(value)
			if err != nil {
				decodeErr = errors.WithMessagef(err, "hold %s of key %s", field, key)
				return false
			}
			h.tracker.Add(t)
			return true
		}); err != nil {
			return err
		}
		if decodeErr != nil {
			return decodeErr
		}
	}
	return nil
}
