package kafka

import (
	_c "context"
	"sync"
	"testing"
	"time"

	"github.com/RuiFG/streaming/streaming-runner/common/safe"
	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/RuiFG/streaming/streaming-runner/operator"
	"github.com/RuiFG/streaming/streaming-runner/task"
	"github.com/Shopify/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	ctx     _c.Context
	mutex   sync.Mutex
	marked  map[string]int64
	commits int
}

func (f *fakeSession) Claims() map[string][]int32 { return map[string][]int32{"events": {0}} }

func (f *fakeSession) MemberID() string { return "member" }

func (f *fakeSession) GenerationID() int32 { return 1 }

func (f *fakeSession) MarkOffset(topic string, partition int32, offset int64, _ string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.marked[topic] = offset
}

func (f *fakeSession) Commit() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.commits++
}

func (f *fakeSession) ResetOffset(string, int32, int64, string) {}

func (f *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	f.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, metadata)
}

func (f *fakeSession) Context() _c.Context { return f.ctx }

func (f *fakeSession) committed() (int64, int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.marked["events"], f.commits
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (f *fakeClaim) Topic() string { return "events" }

func (f *fakeClaim) Partition() int32 { return 0 }

func (f *fakeClaim) InitialOffset() int64 { return 0 }

func (f *fakeClaim) HighWaterMarkOffset() int64 { return 0 }

func (f *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return f.messages }

type collectingEmitter struct {
	mutex    sync.Mutex
	elements []element.WindowedElement
}

func (c *collectingEmitter) Emit(data task.Data) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.elements = append(c.elements, data.(element.WindowedElement))
	return nil
}

func (c *collectingEmitter) take() []element.WindowedElement {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]element.WindowedElement{}, c.elements...)
}

type nopOutput struct{}

func (nopOutput) Emit(element.Tag, element.WindowedElement) error { return nil }

func (nopOutput) EmitWatermark(element.Time) error { return nil }

func TestNewSource(t *testing.T) {
	_, err := NewSource(Config{}, &collectingEmitter{})
	assert.Error(t, err)
	source, err := NewSource(Config{Topics: []string{"events"}}, &collectingEmitter{})
	require.NoError(t, err)
	assert.False(t, source.config.SaramaConfig.Consumer.Offsets.AutoCommit.Enable)
}

func TestSource_commitsAfterCheckpointAcknowledged(t *testing.T) {
	emitter := &collectingEmitter{}
	source, err := NewSource(Config{Topics: []string{"events"}}, emitter)
	require.NoError(t, err)
	ctx, cancel := _c.WithCancel(_c.Background())
	session := &fakeSession{ctx: ctx, marked: map[string]int64{}}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2)}
	produced := time.UnixMilli(1_000)
	claim.messages <- &sarama.ConsumerMessage{Topic: "events", Partition: 0, Offset: 5, Key: []byte("k"), Value: []byte("a"), Timestamp: produced}
	claim.messages <- &sarama.ConsumerMessage{Topic: "events", Partition: 0, Offset: 6, Key: []byte("k"), Value: []byte("b"), Timestamp: produced}
	consumeErr := safe.Go(func() error { return source.ConsumeClaim(session, claim) })

	require.Eventually(t, func() bool { return len(emitter.take()) == 2 }, 5*time.Second, 5*time.Millisecond)
	elements := emitter.take()
	assert.Equal(t, "k", elements[0].Key)
	assert.Equal(t, element.Time(1_000), elements[0].Timestamp)
	assert.Equal(t, []byte("a"), elements[0].Value.(Message).Value)

	doFn := CommitOnFinalize(operator.ProcessFunc(func(operator.ProcessContext, element.WindowedElement) error {
		return nil
	}), source)
	op, err := operator.New(doFn, operator.WithOutput(nopOutput{}))
	require.NoError(t, err)
	require.NoError(t, op.Open(operator.NewLocalContext(log.Nop())))
	for _, elem := range elements {
		require.NoError(t, op.OnElement(elem))
	}
	_, err = op.Snapshot(1)
	require.NoError(t, err)
	offset, commits := session.committed()
	assert.Zero(t, offset)
	assert.Zero(t, commits)

	require.NoError(t, op.NotifyAcknowledged(1))
	assert.Eventually(t, func() bool {
		offset, commits := session.committed()
		return offset == 7 && commits >= 1
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-consumeErr)
	require.NoError(t, op.Close())
}

func TestSource_cleanupCommitsPending(t *testing.T) {
	source, err := NewSource(Config{Topics: []string{"events"}}, &collectingEmitter{})
	require.NoError(t, err)
	session := &fakeSession{ctx: _c.Background(), marked: map[string]int64{}}
	source.Commit("events", 0, 3)
	source.Commit("events", 0, 2)
	require.NoError(t, source.Cleanup(session))
	offset, commits := session.committed()
	assert.Equal(t, int64(3), offset)
	assert.Equal(t, 1, commits)

	require.NoError(t, source.Cleanup(session))
	_, commits = session.committed()
	assert.Equal(t, 1, commits)
}

func TestWatermarkEmitter(t *testing.T) {
	emitter := &watermarkCollector{}
	generator := NewBoundedOutOfOrdernessGenerator(10 * time.Millisecond)
	w := &watermarkEmitter{generator: generator}
	require.NoError(t, w.emit(emitter))
	assert.Empty(t, emitter.watermarks)

	generator.OnEvent(100)
	generator.OnEvent(50)
	require.NoError(t, w.emit(emitter))
	// unchanged watermarks are not forwarded again
	require.NoError(t, w.emit(emitter))
	generator.OnEvent(120)
	require.NoError(t, w.emit(emitter))
	assert.Equal(t, []task.Watermark{89, 109}, emitter.watermarks)

	none := &watermarkEmitter{generator: NoWatermarks()}
	none.generator.OnEvent(100)
	require.NoError(t, none.emit(emitter))
	assert.Len(t, emitter.watermarks, 2)
}

type watermarkCollector struct {
	watermarks []task.Watermark
}

func (w *watermarkCollector) Emit(data task.Data) error {
	w.watermarks = append(w.watermarks, data.(task.Watermark))
	return nil
}
