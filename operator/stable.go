package operator

import (
	"math"

	"github.com/RuiFG/streaming/streaming-runner/element"
)

type stableBatch struct {
	checkpointId int64
	elements     []element.WindowedElement
}

// stableInputBuffer keeps input away from the DoFn until the checkpoint that
// covers it is acknowledged, so a replay after failure sees the same input.
type stableInputBuffer struct {
	current []element.WindowedElement
	batches []stableBatch
}

func newStableInputBuffer() *stableInputBuffer {
	return &stableInputBuffer{}
}

func (s *stableInputBuffer) Add(elem element.WindowedElement) {
	s.current = append(s.current, elem)
}

// Checkpoint tags the in-flight batch with checkpointId.
func (s *stableInputBuffer) Checkpoint(checkpointId int64) {
	if len(s.current) == 0 {
		return
	}
	s.batches = append(s.batches, stableBatch{checkpointId: checkpointId, elements: s.current})
	s.current = nil
}

// Release feeds every batch tagged at or below checkpointId to fn in order.
// A batch leaves the buffer only once all of it went through fn.
func (s *stableInputBuffer) Release(checkpointId int64, fn func(element.WindowedElement) error) error {
	for len(s.batches) > 0 && s.batches[0].checkpointId <= checkpointId {
		batch := &s.batches[0]
		for len(batch.elements) > 0 {
			if err := fn(batch.elements[0]); err != nil {
				return err
			}
			batch.elements = batch.elements[1:]
		}
		s.batches = s.batches[1:]
	}
	return nil
}

// ReleaseAll feeds every batch and the untagged in-flight elements to fn.
func (s *stableInputBuffer) ReleaseAll(fn func(element.WindowedElement) error) error {
	s.Checkpoint(math.MaxInt64)
	return s.Release(math.MaxInt64, fn)
}

// Hold is the earliest buffered timestamp, MaxTimestamp when empty.
func (s *stableInputBuffer) Hold() element.Time {
	min := element.MaxTimestamp
	for _, e := range s.current {
		min = element.Min(min, e.Timestamp)
	}
	for _, batch := range s.batches {
		for _, e := range batch.elements {
			min = element.Min(min, e.Timestamp)
		}
	}
	return min
}

func (s *stableInputBuffer) Len() int {
	n := len(s.current)
	for _, batch := range s.batches {
		n += len(batch.elements)
	}
	return n
}
