package store

import "github.com/pkg/errors"

var (
	ErrStoreClosed = errors.New("store is closed")
)

// KeyedStore is the keyed state shared by the operator and the user function.
// Entries are addressed by key, namespace and field. Implementations are not
// safe for concurrent use, callers serialise access through the task loop.
type KeyedStore interface {
	Get(key, namespace, field string) ([]byte, bool, error)
	Put(key, namespace, field string, value []byte) error
	Remove(key, namespace, field string) error
	// Iterate walks every entry of key until fn returns false.
	Iterate(key string, fn func(namespace, field string, value []byte) bool) error
	// Keys lists every key holding at least one entry.
	Keys() ([]string, error)
	Close() error
}

// Snapshotter is implemented by keyed stores whose content travels inside operator snapshots.
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(snapshot []byte) error
}

// Backend persists checkpoint state by checkpoint id and state name.
type Backend interface {
	Save(id int64, name string, state []byte) error
	Persist(checkpointId int64) error //Save the whole checkpoint state into storage
	Get(name string) ([]byte, error)
	Close() error
}

type Entry struct {
	Key       string
	Namespace string
	Field     string
	Value     []byte
}
