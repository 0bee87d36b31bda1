package operator

import (
	"bytes"
	"encoding/gob"

	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/RuiFG/streaming/streaming-runner/store"
	"github.com/RuiFG/streaming/streaming-runner/timer"
	"github.com/pkg/errors"
)

const pendingTimersNamespace = "__pending-timers"

// TimerRecord is a timer set by the DoFn. Namespace is the window the timer belongs to.
type TimerRecord struct {
	TimerId         string
	TimerFamilyId   string
	Namespace       string
	Target          element.Time
	OutputTimestamp element.Time
	Domain          timer.Domain
}

// Identity addresses the pending timer, a second timer with the same identity replaces it.
func (r TimerRecord) Identity() string {
	return r.TimerFamilyId + "+" + r.TimerId + r.Namespace
}

func (r TimerRecord) Window() (element.Window, error) {
	return element.ParseWindow(r.Namespace)
}

func (r TimerRecord) holdId() string {
	return "timer/" + r.Identity()
}

func encodeTimerRecord(record TimerRecord) ([]byte, error) {
	var buffer bytes.Buffer
	if err := gob.NewEncoder(&buffer).Encode(record); err != nil {
		return nil, errors.WithMessage(err, "failed to encode timer record to gob bytes")
	}
	return buffer.Bytes(), nil
}

func decodeTimerRecord(raw []byte) (TimerRecord, error) {
	var record TimerRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&record); err != nil {
		return TimerRecord{}, errors.WithMessage(err, "failed to decode timer record from gob bytes")
	}
	return record, nil
}

// TimerFiring delivers a due timer to the DoFn.
type TimerFiring interface {
	Fire(doFn DoFn, ctx ProcessContext, record TimerRecord) error
}

type defaultTimerFiring struct{}

func (defaultTimerFiring) Fire(doFn DoFn, ctx ProcessContext, record TimerRecord) error {
	return doFn.OnTimer(ctx, record)
}

// timerAdapter keeps at most one registration per timer identity in the timer
// service, indexed in the keyed store so it survives snapshots.
type timerAdapter struct {
	logger  log.Logger
	store   store.KeyedStore
	holds   *keyedHolds
	service timer.Service
}

func newTimerAdapter(logger log.Logger, keyedStore store.KeyedStore, holds *keyedHolds) *timerAdapter {
	return &timerAdapter{logger: logger, store: keyedStore, holds: holds}
}

// registrationTime shifts a timer by one unit when the service fires once time
// reaches a registration, so the timer fires only after time has passed its target.
func (a *timerAdapter) registrationTime(target element.Time) element.Time {
	if !a.service.FiresInclusive() || target >= element.MaxTimestamp {
		return target
	}
	return target + 1
}

func (a *timerAdapter) registration(key string, record TimerRecord) timer.Registration {
	return timer.Registration{Key: key, Id: record.Identity(), Time: a.registrationTime(record.Target)}
}

func (a *timerAdapter) Pending(key, identity string) (TimerRecord, bool, error) {
	raw, ok, err := a.store.Get(key, pendingTimersNamespace, identity)
	if err != nil || !ok {
		return TimerRecord{}, false, err
	}
	record, err := decodeTimerRecord(raw)
	if err != nil {
		return TimerRecord{}, false, err
	}
	return record, true, nil
}

func (a *timerAdapter) SetTimer(key string, record TimerRecord) error {
	identity := record.Identity()
	old, ok, err := a.Pending(key, identity)
	if err != nil {
		return errors.WithMessagef(err, "failed to look up timer %s", identity)
	}
	if ok && old == record {
		return nil
	}
	if ok {
		if err = a.cancel(key, old); err != nil {
			return err
		}
	}
	raw, err := encodeTimerRecord(record)
	if err != nil {
		return err
	}
	if err = a.store.Put(key, pendingTimersNamespace, identity, raw); err != nil {
		return errors.WithMessagef(err, "failed to index timer %s", identity)
	}
	if err = a.holds.Add(key, record.holdId(), record.OutputTimestamp); err != nil {
		return err
	}
	a.service.Register(record.Domain, a.registration(key, record))
	return nil
}

func (a *timerAdapter) cancel(key string, record TimerRecord) error {
	a.service.Delete(record.Domain, a.registration(key, record))
	if err := a.store.Remove(key, pendingTimersNamespace, record.Identity()); err != nil {
		return errors.WithMessagef(err, "failed to unindex timer %s", record.Identity())
	}
	return a.holds.Remove(key, record.holdId())
}

func (a *timerAdapter) DeleteTimer(key, namespace, timerId, timerFamilyId string, domain timer.Domain) error {
	identity := TimerRecord{TimerId: timerId, TimerFamilyId: timerFamilyId, Namespace: namespace}.Identity()
	record, ok, err := a.Pending(key, identity)
	if err != nil {
		return errors.WithMessagef(err, "failed to look up timer %s", identity)
	}
	if !ok {
		return nil
	}
	if record.Domain != domain {
		a.logger.Warnw("timer deleted with a different domain than it was set with.",
			"timer", identity, "set", record.Domain, "deleted", domain)
	}
	return a.cancel(key, record)
}

func (a *timerAdapter) DeleteTimerById(timerId string) error {
	return errors.WithMessagef(ErrUnsupported, "can't delete timer %s without its window", timerId)
}

// fired forgets a timer the service has just released.
func (a *timerAdapter) fired(key string, record TimerRecord) error {
	if err := a.store.Remove(key, pendingTimersNamespace, record.Identity()); err != nil {
		return errors.WithMessagef(err, "failed to unindex timer %s", record.Identity())
	}
	return a.holds.Remove(key, record.holdId())
}

// due resolves a registration released by the service, false when it is stale.
func (a *timerAdapter) due(registration timer.Registration) (TimerRecord, bool, error) {
	record, ok, err := a.Pending(registration.Key, registration.Id)
	if err != nil || !ok {
		return TimerRecord{}, false, err
	}
	if a.registrationTime(record.Target) != registration.Time {
		return TimerRecord{}, false, nil
	}
	return record, true, nil
}

func (a *timerAdapter) HasPendingEventTimeTimers(key string, maxTimestamp element.Time) (bool, error) {
	var (
		found     bool
		decodeErr error
	)
	err := a.store.Iterate(key, func(namespace, field string, value []byte) bool {
		if namespace != pendingTimersNamespace {
			return true
		}
		record, err := decodeTimerRecord(value)
		if err != nil {
			decodeErr = err
			return false
		}
		if record.Domain == timer.EventTime && record.Target <= maxTimestamp {
			found = true
			return false
		}
		return true
	})
	if err != nil {
		return false, err
	}
	return found, decodeErr
}

func (a *timerAdapter) NumProcessingTimeTimers() int {
	return a.service.NumProcessingTimeTimers()
}

// rebuild registers every indexed timer with a fresh service.
func (a *timerAdapter) rebuild(keys []string) error {
	for _, key := range keys {
		var records []TimerRecord
		var decodeErr error
		if err := a.store.Iterate(key, func(namespace, field string, value []byte) bool {
			if namespace != pendingTimersNamespace {
				return true
			}
			record, err := decodeTimerRecord(value)
			if err != nil {
				decodeErr = errors.WithMessagef(err, "timer %s of key %s", field, key)
				return false
			}
			records = append(records, record)
			return true
		}); err != nil {
			return err
		}
		if decodeErr != nil {
			return decodeErr
		}
		for _, record := range records {
			a.service.Register(record.Domain, a.registration(key, record))
		}
	}
	return nil
}
