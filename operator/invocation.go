package operator

import (
	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/sideinput"
	"github.com/RuiFG/streaming/streaming-runner/timer"
)

// invocation is the ProcessContext of a single DoFn call.
type invocation struct {
	op        *DoFnOperator
	key       string
	window    element.Window
	timestamp element.Time
}

func (i *invocation) Key() string { return i.key }

func (i *invocation) Window() element.Window { return i.window }

func (i *invocation) Timestamp() element.Time { return i.timestamp }

func (i *invocation) Output(elem element.WindowedElement) error {
	return i.OutputTo(element.MainTag, elem)
}

func (i *invocation) OutputTo(tag element.Tag, elem element.WindowedElement) error {
	return i.op.output.Emit(tag, elem)
}

func (i *invocation) RegisterFinalization(fn Finalization) {
	i.op.finalizations = append(i.op.finalizations, fn)
}

func (i *invocation) CurrentProcessingTime() element.Time {
	return element.FromTime(i.op.clock.Now())
}

func (i *invocation) SideInput(view sideinput.View) []any {
	if i.op.options.sideInputs == nil {
		return nil
	}
	return i.op.options.sideInputs.Get(view, i.window)
}

func (i *invocation) SetTimer(timerId, timerFamilyId string, target, outputTimestamp element.Time, domain timer.Domain) error {
	return i.op.timers.SetTimer(i.key, TimerRecord{
		TimerId:         timerId,
		TimerFamilyId:   timerFamilyId,
		Namespace:       i.window.String(),
		Target:          target,
		OutputTimestamp: outputTimestamp,
		Domain:          domain,
	})
}

func (i *invocation) DeleteTimer(timerId, timerFamilyId string, domain timer.Domain) error {
	return i.op.timers.DeleteTimer(i.key, i.window.String(), timerId, timerFamilyId, domain)
}

func (i *invocation) DeleteTimerById(timerId string) error {
	return i.op.timers.DeleteTimerById(timerId)
}

func (i *invocation) HasPendingEventTimeTimers(maxTimestamp element.Time) (bool, error) {
	return i.op.timers.HasPendingEventTimeTimers(i.key, maxTimestamp)
}

func (i *invocation) SetWatermarkHold(holdId string, timestamp element.Time) error {
	return i.op.holds.Add(i.key, userHoldId(holdId, i.window), timestamp)
}

func (i *invocation) ClearWatermarkHold(holdId string) error {
	return i.op.holds.Remove(i.key, userHoldId(holdId, i.window))
}

func userHoldId(holdId string, w element.Window) string {
	return "user/" + holdId + w.String()
}

func (i *invocation) State() State {
	return &windowState{op: i.op, key: i.key, namespace: i.window.String()}
}

func (i *invocation) CurrentInputWatermark() element.Time {
	return i.op.effectiveInputWatermark()
}

func (i *invocation) CurrentOutputWatermark() element.Time {
	return i.op.OutputWatermark()
}

type windowState struct {
	op        *DoFnOperator
	key       string
	namespace string
}

func (s *windowState) Get(field string) ([]byte, bool, error) {
	return s.op.keyedStore.Get(s.key, s.namespace, field)
}

func (s *windowState) Put(field string, value []byte) error {
	return s.op.keyedStore.Put(s.key, s.namespace, field, value)
}

func (s *windowState) Remove(field string) error {
	return s.op.keyedStore.Remove(s.key, s.namespace, field)
}
