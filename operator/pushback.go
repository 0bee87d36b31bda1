package operator

import (
	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/sideinput"
	lru "github.com/hashicorp/golang-lru/v2"
)

// pushbackQueue holds elements whose side inputs are not ready yet, in arrival order.
type pushbackQueue struct {
	handler  sideinput.Handler
	views    []sideinput.View
	notReady *lru.Cache[string, struct{}]
	elements []element.WindowedElement
	metrics  *metrics
}

func newPushbackQueue(handler sideinput.Handler, cacheSize int, metrics *metrics) (*pushbackQueue, error) {
	notReady, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, err
	}
	return &pushbackQueue{
		handler:  handler,
		views:    handler.Views(),
		notReady: notReady,
		metrics:  metrics,
	}, nil
}

// Ready reports whether every side input of w has data. Not-ready windows are
// cached until ResetCache.
func (q *pushbackQueue) Ready(w element.Window) bool {
	name := w.String()
	if q.notReady.Contains(name) {
		return false
	}
	for _, view := range q.views {
		if !q.handler.IsReady(view, w) {
			q.notReady.Add(name, struct{}{})
			return false
		}
	}
	return true
}

func (q *pushbackQueue) ResetCache() {
	q.notReady.Purge()
}

func (q *pushbackQueue) Push(elems ...element.WindowedElement) {
	q.elements = append(q.elements, elems...)
	q.metrics.elementsPushedBack.Inc(int64(len(elems)))
	q.metrics.pushbackSize.Update(float64(len(q.elements)))
}

// Take empties the queue and returns what it held.
func (q *pushbackQueue) Take() []element.WindowedElement {
	elems := q.elements
	q.elements = nil
	q.metrics.pushbackSize.Update(0)
	return elems
}

func (q *pushbackQueue) Len() int {
	return len(q.elements)
}

// Min is the earliest pushed-back timestamp, MaxTimestamp when empty.
func (q *pushbackQueue) Min() element.Time {
	min := element.MaxTimestamp
	for _, e := range q.elements {
		min = element.Min(min, e.Timestamp)
	}
	return min
}

func (q *pushbackQueue) restore(elems []element.WindowedElement) {
	q.elements = elems
	q.metrics.pushbackSize.Update(float64(len(q.elements)))
}
