package timer

import (
	"math"
	"time"

	"github.com/RuiFG/streaming/streaming-runner/common/executor"
	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/benbjohnson/clock"
)

type Domain uint8

const (
	EventTime Domain = iota
	ProcessingTime
)

func (d Domain) String() string {
	switch d {
	case EventTime:
		return "event-time"
	case ProcessingTime:
		return "processing-time"
	default:
		return "unknown"
	}
}

// Registration is a timer as the store sees it: an opaque id scoped by key, due at Time.
type Registration struct {
	Key  string
	Id   string
	Time element.Time
}

type registrationId struct {
	key string
	id  string
}

func (r Registration) timer() Timer[registrationId] {
	return Timer[registrationId]{Payload: registrationId{r.Key, r.Id}, Timestamp: r.Time}
}

func fromTimer(t Timer[registrationId]) Registration {
	return Registration{Key: t.Payload.key, Id: t.Payload.id, Time: t.Timestamp}
}

// Trigger is called with every due registration, always from the task loop.
type Trigger func(domain Domain, registration Registration) error

// Scheduler runs fn inside the task loop.
type Scheduler interface {
	Exec(fn func() error) *executor.Executor
}

// Service is the timer store the operator registers timers against.
type Service interface {
	Register(domain Domain, registration Registration)
	Delete(domain Domain, registration Registration)
	// AdvanceWatermark fires every event-time registration whose time is reached.
	AdvanceWatermark(watermark element.Time) error
	// AdvanceProcessingTime fires every processing-time registration whose time is reached.
	AdvanceProcessingTime(now element.Time) error
	CurrentWatermark() element.Time
	CurrentProcessingTime() element.Time
	NumEventTimeTimers() int
	NumProcessingTimeTimers() int
	// FiresInclusive reports whether a registration fires once time reaches it
	// rather than once time has passed it.
	FiresInclusive() bool
	Close() error
}

const maxDelayMillis = element.Time(math.MaxInt64 / int64(time.Millisecond))

type Factory func(logger log.Logger, clock clock.Clock, scheduler Scheduler, trigger Trigger) Service

// HeapService keeps registrations in two timer queues. Event-time registrations
// fire when the watermark reaches them, processing-time ones are scheduled on the
// clock and handed back to the task loop through the Scheduler.
type HeapService struct {
	logger    log.Logger
	clock     clock.Clock
	scheduler Scheduler
	trigger   Trigger

	watermark                element.Time
	eventTimeCallbackQueue   *timerQueue[registrationId]
	processTimeCallbackQueue *timerQueue[registrationId]
	nextTimer                *clock.Timer
	nextTimestamp            element.Time
	closed                   bool
}

func NewHeapService(logger log.Logger, clk clock.Clock, scheduler Scheduler, trigger Trigger) Service {
	return &HeapService{
		logger:                   logger,
		clock:                    clk,
		scheduler:                scheduler,
		trigger:                  trigger,
		watermark:                element.MinTimestamp,
		eventTimeCallbackQueue:   newTimerQueue[registrationId](),
		processTimeCallbackQueue: newTimerQueue[registrationId](),
	}
}

func (s *HeapService) FiresInclusive() bool { return true }

func (s *HeapService) CurrentWatermark() element.Time { return s.watermark }

func (s *HeapService) CurrentProcessingTime() element.Time {
	return element.FromTime(s.clock.Now())
}

func (s *HeapService) NumEventTimeTimers() int { return s.eventTimeCallbackQueue.Len() }

func (s *HeapService) NumProcessingTimeTimers() int { return s.processTimeCallbackQueue.Len() }

func (s *HeapService) Register(domain Domain, registration Registration) {
	switch domain {
	case EventTime:
		s.eventTimeCallbackQueue.PushTimer(registration.timer())
	case ProcessingTime:
		if s.processTimeCallbackQueue.PushTimer(registration.timer()) {
			s.scheduleNext()
		}
	}
}

func (s *HeapService) Delete(domain Domain, registration Registration) {
	switch domain {
	case EventTime:
		s.eventTimeCallbackQueue.Remove(registration.timer())
	case ProcessingTime:
		if s.processTimeCallbackQueue.Remove(registration.timer()) {
			s.scheduleNext()
		}
	}
}

func (s *HeapService) AdvanceWatermark(watermark element.Time) error {
	if watermark > s.watermark {
		s.watermark = watermark
	}
	for {
		head, ok := s.eventTimeCallbackQueue.PeekTimer()
		if !ok || head.Timestamp > s.watermark {
			return nil
		}
		s.eventTimeCallbackQueue.PopTimer()
		if err := s.trigger(EventTime, fromTimer(head)); err != nil {
			return err
		}
	}
}

func (s *HeapService) AdvanceProcessingTime(now element.Time) error {
	defer s.scheduleNext()
	for {
		head, ok := s.processTimeCallbackQueue.PeekTimer()
		if !ok || head.Timestamp > now {
			return nil
		}
		s.processTimeCallbackQueue.PopTimer()
		if err := s.trigger(ProcessingTime, fromTimer(head)); err != nil {
			return err
		}
	}
}

// scheduleNext arms the clock for the head of the processing-time queue.
func (s *HeapService) scheduleNext() {
	if s.closed {
		return
	}
	head, ok := s.processTimeCallbackQueue.PeekTimer()
	if !ok {
		s.stopNext()
		return
	}
	if s.nextTimer != nil && s.nextTimestamp == head.Timestamp {
		return
	}
	s.stopNext()
	delay := time.Duration(0)
	if remaining := head.Timestamp - s.CurrentProcessingTime(); remaining > maxDelayMillis {
		delay = time.Duration(maxDelayMillis) * time.Millisecond
	} else if remaining > 0 {
		delay = time.Duration(remaining) * time.Millisecond
	}
	timestamp := head.Timestamp
	s.nextTimestamp = timestamp
	s.nextTimer = s.clock.AfterFunc(delay, func() {
		//if processing timestamp, the agent gives it to task to execute
		s.scheduler.Exec(func() error {
			if s.closed {
				return nil
			}
			if s.nextTimestamp == timestamp {
				s.nextTimer = nil
			}
			return s.AdvanceProcessingTime(s.CurrentProcessingTime())
		})
	})
}

func (s *HeapService) stopNext() {
	if s.nextTimer != nil {
		if !s.nextTimer.Stop() {
			s.logger.Debugw("processing timer has been triggered.", "timestamp", s.nextTimestamp)
		}
		s.nextTimer = nil
	}
}

func (s *HeapService) Close() error {
	s.stopNext()
	s.closed = true
	return nil
}
