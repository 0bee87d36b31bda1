package store

import (
	"sort"

	"github.com/pkg/errors"
)

type slot struct {
	namespace string
	field     string
}

// MemoryKeyedStore keeps all entries on the heap and snapshots them with the operator.
type MemoryKeyedStore struct {
	entries map[string]map[slot][]byte
	closed  bool
}

func NewMemoryKeyedStore() *MemoryKeyedStore {
	return &MemoryKeyedStore{entries: map[string]map[slot][]byte{}}
}

func (m *MemoryKeyedStore) Get(key, namespace, field string) ([]byte, bool, error) {
	if m.closed {
		return nil, false, ErrStoreClosed
	}
	value, ok := m.entries[key][slot{namespace, field}]
	return value, ok, nil
}

func (m *MemoryKeyedStore) Put(key, namespace, field string, value []byte) error {
	if m.closed {
		return ErrStoreClosed
	}
	slots, ok := m.entries[key]
	if !ok {
		slots = map[slot][]byte{}
		m.entries[key] = slots
	}
	slots[slot{namespace, field}] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKeyedStore) Remove(key, namespace, field string) error {
	if m.closed {
		return ErrStoreClosed
	}
	if slots, ok := m.entries[key]; ok {
		delete(slots, slot{namespace, field})
		if len(slots) == 0 {
			delete(m.entries, key)
		}
	}
	return nil
}

// Iterate walks namespace then field order so callers see a stable sequence.
func (m *MemoryKeyedStore) Iterate(key string, fn func(namespace, field string, value []byte) bool) error {
	if m.closed {
		return ErrStoreClosed
	}
	slots := m.entries[key]
	ordered := make([]slot, 0, len(slots))
	for s := range slots {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].namespace != ordered[j].namespace {
			return ordered[i].namespace < ordered[j].namespace
		}
		return ordered[i].field < ordered[j].field
	})
	for _, s := range ordered {
		value, ok := slots[s]
		if !ok {
			// removed by fn
			continue
		}
		if !fn(s.namespace, s.field, value) {
			return nil
		}
	}
	return nil
}

func (m *MemoryKeyedStore) Keys() ([]string, error) {
	if m.closed {
		return nil, ErrStoreClosed
	}
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryKeyedStore) Snapshot() ([]byte, error) {
	var entries []Entry
	keys, err := m.Keys()
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := m.Iterate(key, func(namespace, field string, value []byte) bool {
			entries = append(entries, Entry{Key: key, Namespace: namespace, Field: field, Value: value})
			return true
		}); err != nil {
			return nil, err
		}
	}
	return marshalEntries(entries), nil
}

func (m *MemoryKeyedStore) Restore(snapshot []byte) error {
	entries, err := unmarshalEntries(snapshot)
	if err != nil {
		return errors.WithMessage(err, "failed to restore memory keyed store")
	}
	m.entries = map[string]map[slot][]byte{}
	for _, entry := range entries {
		if err := m.Put(entry.Key, entry.Namespace, entry.Field, entry.Value); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryKeyedStore) Close() error {
	m.closed = true
	m.entries = nil
	return nil
}
