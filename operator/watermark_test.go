package operator

import (
	"testing"

	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineWatermark(t *testing.T) {
	c := NewCombineWatermark(2)
	assert.True(t, c.IsIdle())
	assert.True(t, c.UpdateWatermark(10, 1))
	assert.Equal(t, element.Time(10), c.CombinedWatermark())
	assert.False(t, c.UpdateWatermark(20, 2))
	assert.True(t, c.UpdateWatermark(30, 1))
	assert.Equal(t, element.Time(20), c.CombinedWatermark())
	assert.True(t, c.UpdateIdle(true, 2))
	assert.Equal(t, element.Time(30), c.CombinedWatermark())
	assert.False(t, c.UpdateWatermark(5, 1))
	assert.Equal(t, element.Time(30), c.CombinedWatermark())
}

func TestNewActiveCombineWatermark(t *testing.T) {
	c := NewActiveCombineWatermark(2, element.MinTimestamp)
	assert.False(t, c.IsIdle())
	assert.False(t, c.UpdateWatermark(element.MaxTimestamp, 1))
	assert.True(t, c.UpdateWatermark(element.MaxTimestamp, 2))
	assert.True(t, c.CombinedWatermark().IsTerminal())
}

func TestHoldTracker(t *testing.T) {
	ht := newHoldTracker()
	assert.Equal(t, element.MaxTimestamp, ht.Min())
	ht.Add(30)
	ht.Add(10)
	ht.Add(10)
	assert.Equal(t, element.Time(10), ht.Min())
	require.NoError(t, ht.Drop(10))
	assert.Equal(t, element.Time(10), ht.Min())
	require.NoError(t, ht.Drop(10))
	assert.Equal(t, element.Time(30), ht.Min())

	// an extra drop fails instead of crashing the host
	err := ht.Drop(10)
	assert.True(t, IsFatal(err))
	assert.ErrorContains(t, err, "negative watermark hold count")
	assert.True(t, IsFatal(ht.Drop(20)))
	assert.Equal(t, element.Time(30), ht.Min())
	assert.Equal(t, 1, ht.Len())
}

func TestKeyedHolds_trackerOutOfSync(t *testing.T) {
	keyedStore := store.NewMemoryKeyedStore()
	holds := newKeyedHolds(keyedStore)
	require.NoError(t, holds.Add("a", "h1", 50))
	// a tracker that lost the hold still held by the store
	holds.tracker = newHoldTracker()
	assert.True(t, IsFatal(holds.Remove("a", "h1")))
	require.NoError(t, holds.Add("a", "h2", 50))
	holds.tracker = newHoldTracker()
	assert.True(t, IsFatal(holds.Add("a", "h2", 60)))
}

func TestKeyedHolds(t *testing.T) {
	keyedStore := store.NewMemoryKeyedStore()
	holds := newKeyedHolds(keyedStore)
	require.NoError(t, holds.Add("a", "h1", 50))
	require.NoError(t, holds.Add("b", "h1", 20))
	require.NoError(t, holds.Add("a", "h1", 40))
	assert.Equal(t, element.Time(20), holds.Min())
	require.NoError(t, holds.Remove("b", "h1"))
	require.NoError(t, holds.Remove("b", "missing"))
	assert.Equal(t, element.Time(40), holds.Min())

	rebuilt := newKeyedHolds(keyedStore)
	keys, err := keyedStore.Keys()
	require.NoError(t, err)
	require.NoError(t, rebuilt.rebuild(keys))
	assert.Equal(t, element.Time(40), rebuilt.Min())
	assert.Equal(t, 1, rebuilt.tracker.Len())
}

func TestStableInputBuffer(t *testing.T) {
	s := newStableInputBuffer()
	s.Add(element.Of("k", "a", 30))
	s.Checkpoint(1)
	s.Add(element.Of("k", "b", 10))
	s.Checkpoint(2)
	s.Add(element.Of("k", "c", 20))
	assert.Equal(t, element.Time(10), s.Hold())

	var released []element.Time
	collect := func(e element.WindowedElement) error {
		released = append(released, e.Timestamp)
		return nil
	}
	require.NoError(t, s.Release(1, collect))
	assert.Equal(t, []element.Time{30}, released)
	assert.Equal(t, 2, s.Len())
	require.NoError(t, s.ReleaseAll(collect))
	assert.Equal(t, []element.Time{30, 10, 20}, released)
	assert.Equal(t, element.MaxTimestamp, s.Hold())
}

func TestOutputManager(t *testing.T) {
	out := &recordingOutput{}
	m := newOutputManager(out, []element.Tag{"late"})
	require.NoError(t, m.Emit(element.MainTag, element.Of("k", "a", 1)))
	m.OpenBuffer()
	require.NoError(t, m.Emit("late", element.Of("k", "b", 2)))
	require.NoError(t, m.Flush())
	assert.Equal(t, []element.Time{1}, out.timestamps())
	m.CloseBuffer()
	require.NoError(t, m.Flush())
	assert.Equal(t, []element.Time{1, 2}, out.timestamps())
	assert.Equal(t, []element.Tag{element.MainTag, "late"}, out.tags)
	assert.ErrorIs(t, m.Emit("other", element.Of("k", "c", 3)), ErrUnknownTag)
}

func TestTimerRecord_Identity(t *testing.T) {
	record := TimerRecord{TimerId: "id", TimerFamilyId: "family", Namespace: "[0,10)"}
	assert.Equal(t, "family+id[0,10)", record.Identity())
	w, err := record.Window()
	require.NoError(t, err)
	assert.Equal(t, element.IntervalWindow{Start: 0, End: 10}, w)

	raw, err := encodeTimerRecord(record)
	require.NoError(t, err)
	decoded, err := decodeTimerRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, record, decoded)
}

func TestLocalContext(t *testing.T) {
	ctx := NewLocalContext(nil)
	var ran []int
	ctx.Exec(func() error {
		ran = append(ran, 1)
		ctx.Exec(func() error {
			ran = append(ran, 2)
			return nil
		})
		return assert.AnError
	})
	canceled := ctx.Exec(func() error {
		ran = append(ran, 3)
		return nil
	})
	canceled.Cancel()
	assert.Equal(t, 2, ctx.Pending())
	assert.ErrorIs(t, ctx.RunPending(), assert.AnError)
	assert.Equal(t, []int{1, 2}, ran)
	assert.NoError(t, ctx.RunPending())
}
