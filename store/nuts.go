package store

import (
	"bytes"
	"sort"
	"strings"

	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/pkg/errors"
	"github.com/xujiajun/nutsdb"
)

// NutsKeyedStore keeps keyed state in nutsdb, one bucket per key group.
type NutsKeyedStore struct {
	logger    log.Logger
	db        *nutsdb.DB
	keyGroups int
}

func NewNutsKeyedStore(logger log.Logger, dir string, keyGroups int) (*NutsKeyedStore, error) {
	if keyGroups <= 0 {
		keyGroups = DefaultKeyGroups
	}
	opts := nutsdb.DefaultOptions
	opts.SegmentSize = 64 * nutsdb.MB
	opts.Dir = dir
	db, err := nutsdb.Open(opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to open keyed store in %s", dir)
	}
	return &NutsKeyedStore{logger: logger, db: db, keyGroups: keyGroups}, nil
}

func (n *NutsKeyedStore) bucket(key string) string {
	return keyGroupBucket(KeyGroup(key, n.keyGroups))
}

// Get treats every lookup error as absence: nutsdb reports a missing bucket and
// a missing key through different errors.
func (n *NutsKeyedStore) Get(key, namespace, field string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := n.db.View(func(tx *nutsdb.Tx) error {
		entry, err := tx.Get(n.bucket(key), encodeSlot(key, namespace, field))
		if err != nil || entry == nil {
			return nil
		}
		value, found = append([]byte{}, entry.Value...), true
		return nil
	})
	return value, found, err
}

func (n *NutsKeyedStore) Put(key, namespace, field string, value []byte) error {
	if err := n.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(n.bucket(key), encodeSlot(key, namespace, field), value, 0)
	}); err != nil {
		return errors.WithMessagef(err, "failed to put %s/%s of key %s", namespace, field, key)
	}
	return nil
}

func (n *NutsKeyedStore) Remove(key, namespace, field string) error {
	if _, ok, err := n.Get(key, namespace, field); err != nil || !ok {
		return err
	}
	if err := n.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Delete(n.bucket(key), encodeSlot(key, namespace, field))
	}); err != nil {
		return errors.WithMessagef(err, "failed to remove %s/%s of key %s", namespace, field, key)
	}
	return nil
}

func (n *NutsKeyedStore) scan(bucket string, prefix []byte) ([]Entry, error) {
	var entries []Entry
	err := n.db.View(func(tx *nutsdb.Tx) error {
		all, err := tx.GetAll(bucket)
		if err != nil {
			// empty or unknown bucket
			return nil
		}
		for _, e := range all {
			if !bytes.HasPrefix(e.Key, prefix) {
				continue
			}
			key, namespace, field, err := decodeSlot(e.Key)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Key: key, Namespace: namespace, Field: field, Value: append([]byte{}, e.Value...)})
		}
		return nil
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Namespace != entries[j].Namespace {
			return entries[i].Namespace < entries[j].Namespace
		}
		return entries[i].Field < entries[j].Field
	})
	return entries, err
}

func (n *NutsKeyedStore) Iterate(key string, fn func(namespace, field string, value []byte) bool) error {
	entries, err := n.scan(n.bucket(key), []byte(key+separator))
	if err != nil {
		return errors.WithMessagef(err, "failed to iterate key %s", key)
	}
	for _, entry := range entries {
		if !fn(entry.Namespace, entry.Field, entry.Value) {
			return nil
		}
	}
	return nil
}

func (n *NutsKeyedStore) buckets() ([]string, error) {
	var buckets []string
	err := n.db.View(func(tx *nutsdb.Tx) error {
		return tx.IterateBuckets(nutsdb.DataStructureBPTree, "*", func(bucket string) bool {
			if strings.HasPrefix(bucket, "kg-") {
				buckets = append(buckets, bucket)
			}
			return true
		})
	})
	return buckets, err
}

func (n *NutsKeyedStore) all() ([]Entry, error) {
	buckets, err := n.buckets()
	if err != nil {
		return nil, errors.WithMessage(err, "unable to iterate key groups, the state maybe corrupted")
	}
	var entries []Entry
	for _, bucket := range buckets {
		bucketEntries, err := n.scan(bucket, nil)
		if err != nil {
			return nil, err
		}
		entries = append(entries, bucketEntries...)
	}
	return entries, nil
}

func (n *NutsKeyedStore) Keys() ([]string, error) {
	entries, err := n.all()
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var keys []string
	for _, entry := range entries {
		if _, ok := seen[entry.Key]; !ok {
			seen[entry.Key] = struct{}{}
			keys = append(keys, entry.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (n *NutsKeyedStore) Snapshot() ([]byte, error) {
	entries, err := n.all()
	if err != nil {
		return nil, err
	}
	return marshalEntries(entries), nil
}

// Restore drops every key group and writes the snapshot entries back.
func (n *NutsKeyedStore) Restore(snapshot []byte) error {
	entries, err := unmarshalEntries(snapshot)
	if err != nil {
		return errors.WithMessage(err, "failed to restore nutsdb keyed store")
	}
	buckets, err := n.buckets()
	if err != nil {
		return err
	}
	if err := n.db.Update(func(tx *nutsdb.Tx) error {
		for _, bucket := range buckets {
			if err := tx.DeleteBucket(nutsdb.DataStructureBPTree, bucket); err != nil {
				return errors.WithMessagef(err, "failed to drop key group %s", bucket)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	return n.db.Update(func(tx *nutsdb.Tx) error {
		for _, entry := range entries {
			if err := tx.Put(n.bucket(entry.Key), encodeSlot(entry.Key, entry.Namespace, entry.Field), entry.Value, 0); err != nil {
				return err
			}
		}
		return nil
	})
}

func (n *NutsKeyedStore) Close() error {
	if err := n.db.Merge(); err != nil {
		n.logger.Debugw("skip merging keyed store.", "err", err)
	}
	return n.db.Close()
}
