package store

import (
	"sort"
	"strconv"
	"sync"

	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/pkg/errors"
	"github.com/xujiajun/nutsdb"
)

func formatCheckpointId(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseCheckpointId(idStr string) (int64, error) {
	return strconv.ParseInt(idStr, 10, 64)
}

// checkpointStates keeps saved but not yet persisted state per checkpoint.
type checkpointStates struct {
	mutex   *sync.Mutex
	pending map[int64]map[string][]byte
}

func (c *checkpointStates) save(id int64, name string, state []byte) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	states, ok := c.pending[id]
	if !ok {
		states = map[string][]byte{}
		c.pending[id] = states
	}
	states[name] = append([]byte{}, state...)
}

func (c *checkpointStates) take(id int64) (map[string][]byte, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	states, ok := c.pending[id]
	delete(c.pending, id)
	// older pending checkpoints can never complete anymore
	for pendingId := range c.pending {
		if pendingId < id {
			delete(c.pending, pendingId)
		}
	}
	return states, ok
}

// memory only for test
type memory struct {
	*checkpointStates
	latest map[string][]byte
}

func (m *memory) Save(id int64, name string, state []byte) error {
	m.save(id, name, state)
	return nil
}

func (m *memory) Persist(checkpointId int64) error {
	states, ok := m.take(checkpointId)
	if !ok {
		return errors.Errorf("checkpoint %d not found", checkpointId)
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.latest = states
	return nil
}

func (m *memory) Get(name string) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.latest[name], nil
}

func (m *memory) Close() error { return nil }

func NewMemoryBackend() Backend {
	return &memory{checkpointStates: &checkpointStates{mutex: &sync.Mutex{}, pending: map[int64]map[string][]byte{}}}
}

type fs struct {
	*checkpointStates
	logger log.Logger
	db     *nutsdb.DB
	//storage stores all persisted checkpoint state
	storage *sync.Map
	//checkpoints are currently completed checkpoint id sorted slice
	checkpoints []int64
	//checkpointsTotalNum
	checkpointsTotalNum    int
	checkpointsNumMerged   int
	checkpointsNumRetained int
}

func (r *fs) init() error {
	return r.db.View(func(tx *nutsdb.Tx) error {
		if err := tx.IterateBuckets(nutsdb.DataStructureBPTree, "*", func(key string) bool {
			if id, err := parseCheckpointId(key); err == nil {
				r.checkpoints = append(r.checkpoints, id)
			}
			return true
		}); err != nil {
			return errors.WithMessage(err, "unable to iterate checkpoint, the state maybe corrupted")
		}
		sort.Slice(r.checkpoints, func(i, j int) bool {
			return r.checkpoints[i] < r.checkpoints[j]
		})
		for _, checkpointId := range r.checkpoints {
			if entries, err := tx.GetAll(formatCheckpointId(checkpointId)); err != nil {
				return errors.WithMessagef(err, "failed to get %d checkpoint state", checkpointId)
			} else if len(entries) > 0 {
				checkpointState := map[string][]byte{}
				for _, entry := range entries {
					checkpointState[string(entry.Key)] = entry.Value
				}
				r.storage.Store(checkpointId, checkpointState)
			}
		}
		return nil
	})
}

// Save state according to checkpoint and operator name
// if the checkpoint does not exist, will create
func (r *fs) Save(checkpointId int64, name string, state []byte) error {
	r.save(checkpointId, name, state)
	return nil
}

// Persist checkpoint to db file
func (r *fs) Persist(checkpointId int64) error {
	states, ok := r.take(checkpointId)
	if !ok {
		return errors.Errorf("checkpoint %d not found", checkpointId)
	}
	//1. persist checkpoint state into db
	if err := r.db.Update(func(tx *nutsdb.Tx) error {
		for name, state := range states {
			if err := tx.Put(formatCheckpointId(checkpointId), []byte(name), state, 0); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return errors.WithMessagef(err, "failed to persist %d checkpoint state", checkpointId)
	}
	r.storage.Store(checkpointId, states)
	r.checkpoints = append(r.checkpoints, checkpointId)
	r.checkpointsTotalNum += 1
	//2.clean up expired checkpoint status in db
	//3.clean up checkpoint status in memory
	if len(r.checkpoints) > r.checkpointsNumRetained {
		deletedCheckpointIds := r.checkpoints[:len(r.checkpoints)-r.checkpointsNumRetained]
		if err := r.db.Update(func(tx *nutsdb.Tx) error {
			for _, deletedCheckpointId := range deletedCheckpointIds {
				if err := tx.DeleteBucket(nutsdb.DataStructureBPTree, formatCheckpointId(deletedCheckpointId)); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			r.logger.Warnw("failed to clear up expired checkpoint data.", "err", err)
		} else {
			for _, deletedCheckpointId := range deletedCheckpointIds {
				r.storage.Delete(deletedCheckpointId)
			}
			r.checkpoints = append([]int64{}, r.checkpoints[len(r.checkpoints)-r.checkpointsNumRetained:]...)
		}
	}
	if r.checkpointsNumMerged > 0 && r.checkpointsTotalNum%r.checkpointsNumMerged == 0 {
		//4.merge fs state
		if err := r.db.Merge(); err != nil {
			r.logger.Warnw("failed to merge fs state.", "err", err)
		}
	}
	return nil
}

func (r *fs) Get(name string) ([]byte, error) {
	if len(r.checkpoints) == 0 {
		return nil, nil
	}
	latest := r.checkpoints[len(r.checkpoints)-1]
	v, ok := r.storage.Load(latest)
	if !ok {
		return nil, errors.Errorf("state backend for checkpoint %d not found", latest)
	}
	checkpointState, ok := v.(map[string][]byte)
	if !ok {
		return nil, errors.Errorf("invalid state %v stored for %s: checkpoint state type is not map", v, name)
	}
	return checkpointState[name], nil
}

func (r *fs) Close() error {
	return r.db.Close()
}

func NewFSBackend(logger log.Logger, checkpointsDir string, checkpointsNumRetained int, checkpointsNumMerged int) (Backend, error) {
	if checkpointsNumRetained <= 0 {
		return nil, errors.Errorf("checkpoints num retained must be positive, got %d", checkpointsNumRetained)
	}
	opts := nutsdb.DefaultOptions
	opts.SegmentSize = 64 * nutsdb.MB
	opts.Dir = checkpointsDir
	db, err := nutsdb.Open(opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to open checkpoint dir %s", checkpointsDir)
	}
	store := &fs{
		checkpointStates:       &checkpointStates{mutex: &sync.Mutex{}, pending: map[int64]map[string][]byte{}},
		logger:                 logger,
		db:                     db,
		storage:                &sync.Map{},
		checkpoints:            []int64{},
		checkpointsNumRetained: checkpointsNumRetained,
		checkpointsNumMerged:   checkpointsNumMerged,
	}
	return store, store.init()
}
