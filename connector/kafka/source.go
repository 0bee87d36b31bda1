package kafka

import (
	_c "context"
	"encoding/gob"
	"sync"
	"time"

	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/RuiFG/streaming/streaming-runner/operator"
	"github.com/RuiFG/streaming/streaming-runner/task"
	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Message is the element value of every consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

type Config struct {
	SaramaConfig *sarama.Config
	Addresses    []string
	Topics       []string
	GroupId      string

	// WatermarkGenerator defaults to NoWatermarks.
	WatermarkGenerator    WatermarkGenerator
	AutoWatermarkInterval time.Duration
}

// Emitter receives consumed elements, *task.Task implements it.
type Emitter interface {
	Emit(data task.Data) error
}

type topicAndPartition struct {
	Topic     string
	Partition int32
}

// Source consumes a consumer group into an Emitter. Offsets are only committed
// through Commit, which CommitOnFinalize calls once a checkpoint is acknowledged.
type Source struct {
	logger    log.Logger
	config    Config
	emitter   Emitter
	watermark *watermarkEmitter

	mutex   *sync.Mutex
	pending map[topicAndPartition]int64
	// commitChan wakes a claim loop to mark and commit pending offsets
	commitChan chan struct{}
}

func NewSource(config Config, emitter Emitter) (*Source, error) {
	if len(config.Topics) == 0 {
		return nil, errors.New("kafka source needs at least one topic")
	}
	if config.SaramaConfig == nil {
		config.SaramaConfig = sarama.NewConfig()
	}
	if config.WatermarkGenerator == nil {
		config.WatermarkGenerator = NoWatermarks()
	}
	if config.AutoWatermarkInterval <= 0 {
		config.AutoWatermarkInterval = time.Second
	}
	// offsets are committed after checkpoints, never on a timer
	config.SaramaConfig.Consumer.Offsets.AutoCommit.Enable = false
	return &Source{
		logger:     log.Global().Named("kafka.source"),
		config:     config,
		emitter:    emitter,
		watermark:  &watermarkEmitter{generator: config.WatermarkGenerator},
		mutex:      &sync.Mutex{},
		pending:    map[topicAndPartition]int64{},
		commitChan: make(chan struct{}, 1),
	}, nil
}

// Run consumes until ctx is done, rejoining the group after every rebalance.
func (s *Source) Run(ctx _c.Context) error {
	consumerGroup, err := sarama.NewConsumerGroup(s.config.Addresses, s.config.GroupId, s.config.SaramaConfig)
	if err != nil {
		return errors.WithMessage(err, "failed to create consumer group")
	}
	defer func() {
		if closeErr := consumerGroup.Close(); closeErr != nil {
			s.logger.Warnw("failed to close consumer group.", "err", closeErr)
		}
	}()
	ctx, cancel := _c.WithCancel(ctx)
	defer cancel()
	go s.emitWatermarks(ctx)
	for ctx.Err() == nil {
		if err = consumerGroup.Consume(ctx, s.config.Topics, s); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			s.logger.Warnw("can't consume kafka.", "err", err)
		}
	}
	return nil
}

func (s *Source) emitWatermarks(ctx _c.Context) {
	ticker := time.NewTicker(s.config.AutoWatermarkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.watermark.emit(s.emitter); err != nil {
				s.logger.Warnw("failed to emit watermark.", "err", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Commit marks offset as the next one to consume of topic and partition.
func (s *Source) Commit(topic string, partition int32, offset int64) {
	tp := topicAndPartition{Topic: topic, Partition: partition}
	s.mutex.Lock()
	if offset > s.pending[tp] {
		s.pending[tp] = offset
	}
	s.mutex.Unlock()
	select {
	case s.commitChan <- struct{}{}:
	default:
	}
}

func (s *Source) takePending() map[topicAndPartition]int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	pending := s.pending
	s.pending = map[topicAndPartition]int64{}
	return pending
}

func (s *Source) commit(session sarama.ConsumerGroupSession) {
	pending := s.takePending()
	if len(pending) == 0 {
		return
	}
	for tp, offset := range pending {
		session.MarkOffset(tp.Topic, tp.Partition, offset, "")
	}
	session.Commit()
	s.logger.Debugw("committed offsets.", "partitions", len(pending))
}

// Flush commits offsets left pending after Run returned, the finalizations of
// the last exitpoint run once the consumer group is already closed.
func (s *Source) Flush() (err error) {
	pending := s.takePending()
	if len(pending) == 0 {
		return nil
	}
	client, err := sarama.NewClient(s.config.Addresses, s.config.SaramaConfig)
	if err != nil {
		return errors.WithMessage(err, "failed to create kafka client")
	}
	defer func() { err = multierr.Append(err, client.Close()) }()
	offsetManager, err := sarama.NewOffsetManagerFromClient(s.config.GroupId, client)
	if err != nil {
		return errors.WithMessage(err, "failed to create offset manager")
	}
	defer func() { err = multierr.Append(err, offsetManager.Close()) }()
	for tp, offset := range pending {
		partitionManager, err := offsetManager.ManagePartition(tp.Topic, tp.Partition)
		if err != nil {
			return errors.WithMessagef(err, "failed to manage %s/%d", tp.Topic, tp.Partition)
		}
		partitionManager.MarkOffset(offset, "")
		defer partitionManager.AsyncClose()
	}
	offsetManager.Commit()
	s.logger.Infow("flushed offsets.", "partitions", len(pending))
	return nil
}

// ----------------------------------ConsumerGroupHandler----------------------------------

func (s *Source) Setup(_ sarama.ConsumerGroupSession) error { return nil }

func (s *Source) Cleanup(session sarama.ConsumerGroupSession) error {
	s.commit(session)
	return nil
}

func (s *Source) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			elem := element.Of(string(message.Key), Message{
				Topic:     message.Topic,
				Partition: message.Partition,
				Offset:    message.Offset,
				Key:       message.Key,
				Value:     message.Value,
			}, element.FromTime(message.Timestamp))
			if err := s.emitter.Emit(elem); err != nil {
				return err
			}
			s.config.WatermarkGenerator.OnEvent(elem.Timestamp)
		case <-s.commitChan:
			s.commit(session)
		case <-session.Context().Done():
			return nil
		}
	}
}

type commitOnFinalize struct {
	operator.DoFn
	source *Source
}

// CommitOnFinalize wraps doFn so that the offset of every processed Message is
// committed once the checkpoint holding its bundle is acknowledged.
func CommitOnFinalize(doFn operator.DoFn, source *Source) operator.DoFn {
	return &commitOnFinalize{DoFn: doFn, source: source}
}

func (c *commitOnFinalize) ProcessElement(ctx operator.ProcessContext, elem element.WindowedElement) error {
	if message, ok := elem.Value.(Message); ok {
		ctx.RegisterFinalization(func() error {
			c.source.Commit(message.Topic, message.Partition, message.Offset+1)
			return nil
		})
	}
	return c.DoFn.ProcessElement(ctx, elem)
}

func init() {
	gob.Register(Message{})
}
