package timer

import (
	"container/heap"

	"github.com/RuiFG/streaming/streaming-runner/element"
)

// Timer is a structure that contains triggering events
type Timer[T comparable] struct {
	Payload   T
	Timestamp element.Time
}

// timerQueue[T] is a priority queue,
// sorted from smallest to largest according to Timer.Timestamp,
// and use dedupeMap to prevent the same Timer from being inserted.
// If timestamps are inserted in this order
// +---+     +---+     +---+     +---+     +-------------+     +---+
// | 2 | --> | 5 | --> | 3 | --> | 1 | --> | duplicate:3 | --> | 7 |
// +---+     +---+     +---+     +---+     +-------------+     +---+
// items:
// +---+     +---+     +---+     +---+     +---+
// | 1 | --> | 2 | --> | 3 | --> | 5 | --> | 7 |
// +---+     +---+     +---+     +---+     +---+
type timerQueue[T comparable] struct {
	items     []Timer[T]
	dedupeMap map[Timer[T]]struct{}
	// seq keeps insertion order among equal timestamps
	seq map[Timer[T]]uint64
	n   uint64
}

func newTimerQueue[T comparable]() *timerQueue[T] {
	return &timerQueue[T]{dedupeMap: map[Timer[T]]struct{}{}, seq: map[Timer[T]]uint64{}}
}

//---------------------------------------------------------------------------------
//Warning: Do not call directly, expose the function only for the heap package to use
//---------------------------------------------------------------------------------

func (t *timerQueue[T]) Less(i, j int) bool {
	if t.items[i].Timestamp != t.items[j].Timestamp {
		return t.items[i].Timestamp < t.items[j].Timestamp
	}
	return t.seq[t.items[i]] < t.seq[t.items[j]]
}

func (t *timerQueue[T]) Swap(i, j int) {
	t.items[i], t.items[j] = t.items[j], t.items[i]
}

func (t *timerQueue[T]) Push(x any) {
	t.items = append(t.items, x.(Timer[T]))
}

func (t *timerQueue[T]) Pop() any {
	old := t.items
	n := len(old)
	x := old[n-1]
	t.items = old[0 : n-1]
	return x
}

//---------------------------------------------------------------------------------

func (t *timerQueue[T]) Len() int {
	return len(t.items)
}

func (t *timerQueue[T]) PushTimer(item Timer[T]) bool {
	if _, ok := t.dedupeMap[item]; ok {
		return false
	}
	t.dedupeMap[item] = struct{}{}
	t.n++
	t.seq[item] = t.n
	heap.Push(t, item)
	return true
}

func (t *timerQueue[T]) PopTimer() (Timer[T], bool) {
	if len(t.items) == 0 {
		return Timer[T]{}, false
	}
	item := heap.Pop(t).(Timer[T])
	delete(t.dedupeMap, item)
	delete(t.seq, item)
	return item, true
}

func (t *timerQueue[T]) PeekTimer() (Timer[T], bool) {
	if len(t.items) == 0 {
		return Timer[T]{}, false
	}
	return t.items[0], true
}

// Remove reports whether the head of the queue was removed.
func (t *timerQueue[T]) Remove(timer Timer[T]) bool {
	index := t.Index(timer)
	if index == -1 {
		return false
	}
	delete(t.dedupeMap, timer)
	heap.Remove(t, index)
	delete(t.seq, timer)
	return index == 0
}

func (t *timerQueue[T]) Index(timer Timer[T]) int {
	if _, ok := t.dedupeMap[timer]; !ok {
		return -1
	}
	for index, item := range t.items {
		if item == timer {
			return index
		}
	}
	return -1
}
