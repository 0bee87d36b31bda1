package operator

import (
	"time"

	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/sideinput"
	"github.com/RuiFG/streaming/streaming-runner/store"
	"github.com/RuiFG/streaming/streaming-runner/timer"
	"github.com/benbjohnson/clock"
	"github.com/uber-go/tally/v4"
)

type CheckpointingMode int

const (
	AtLeastOnce CheckpointingMode = iota
	ExactlyOnce
)

const (
	DefaultMaxBundleSize            int64 = 1000
	DefaultMaxBundleTime                  = time.Second
	DefaultNumConcurrentCheckpoints       = 1
	DefaultNotReadyCacheSize              = 1000
	maxCheckpointRecords                  = 32
)

type options struct {
	name                            string
	nodeId                          int64
	maxBundleSize                   int64
	maxBundleTime                   time.Duration
	finishBundleBeforeCheckpointing bool
	checkpointingMode               CheckpointingMode
	requiresStableInput             bool
	enableStableInputDrain          bool
	numConcurrentCheckpoints        int
	notReadyCacheSize               int

	bundlePolicy BundlePolicy
	holdPolicy   HoldPolicy
	timerFiring  TimerFiring

	keyedStore          store.KeyedStore
	timerServiceFactory timer.Factory
	sideInputs          sideinput.Handler
	sideInputChannels   int

	output     Output
	outputTags []element.Tag

	clock clock.Clock
	scope tally.Scope
	coder element.Coder
}

type WithOptions func(opts *options) error

func defaultOptions() *options {
	return &options{
		name:                     "dofn",
		nodeId:                   1,
		maxBundleSize:            DefaultMaxBundleSize,
		maxBundleTime:            DefaultMaxBundleTime,
		checkpointingMode:        ExactlyOnce,
		numConcurrentCheckpoints: DefaultNumConcurrentCheckpoints,
		notReadyCacheSize:        DefaultNotReadyCacheSize,
		holdPolicy:               passThroughHoldPolicy{},
		timerFiring:              defaultTimerFiring{},
		timerServiceFactory:      timer.NewHeapService,
		sideInputChannels:        1,
		clock:                    clock.New(),
		scope:                    tally.NoopScope,
		coder:                    element.GobCoder{},
	}
}

func WithName(name string) WithOptions {
	return func(opts *options) error {
		if name == "" {
			return invalidConfigf("name can't be empty")
		}
		opts.name = name
		return nil
	}
}

// WithNodeId sets the snowflake node that generates bundle ids, 0 to 1023.
func WithNodeId(nodeId int64) WithOptions {
	return func(opts *options) error {
		opts.nodeId = nodeId
		return nil
	}
}

func WithMaxBundleSize(size int64) WithOptions {
	return func(opts *options) error {
		if size <= 0 {
			return invalidConfigf("max bundle size must be positive, got %d", size)
		}
		opts.maxBundleSize = size
		return nil
	}
}

func WithMaxBundleTime(d time.Duration) WithOptions {
	return func(opts *options) error {
		if d <= 0 {
			return invalidConfigf("max bundle time must be positive, got %s", d)
		}
		opts.maxBundleTime = d
		return nil
	}
}

func WithFinishBundleBeforeCheckpointing(enabled bool) WithOptions {
	return func(opts *options) error {
		opts.finishBundleBeforeCheckpointing = enabled
		return nil
	}
}

func WithCheckpointingMode(mode CheckpointingMode) WithOptions {
	return func(opts *options) error {
		opts.checkpointingMode = mode
		return nil
	}
}

// WithStableInput buffers processed elements until the checkpoint covering them is
// acknowledged. drainFlush releases the buffer on drain without waiting for one.
func WithStableInput(enabled bool, drainFlush bool) WithOptions {
	return func(opts *options) error {
		opts.requiresStableInput = enabled
		opts.enableStableInputDrain = drainFlush
		return nil
	}
}

func WithNumConcurrentCheckpoints(n int) WithOptions {
	return func(opts *options) error {
		if n <= 0 {
			return invalidConfigf("number of concurrent checkpoints must be positive, got %d", n)
		}
		opts.numConcurrentCheckpoints = n
		return nil
	}
}

func WithNotReadyCacheSize(size int) WithOptions {
	return func(opts *options) error {
		if size <= 0 {
			return invalidConfigf("not ready cache size must be positive, got %d", size)
		}
		opts.notReadyCacheSize = size
		return nil
	}
}

func WithBundlePolicy(policy BundlePolicy) WithOptions {
	return func(opts *options) error {
		opts.bundlePolicy = policy
		return nil
	}
}

func WithHoldPolicy(policy HoldPolicy) WithOptions {
	return func(opts *options) error {
		opts.holdPolicy = policy
		return nil
	}
}

func WithTimerFiring(firing TimerFiring) WithOptions {
	return func(opts *options) error {
		opts.timerFiring = firing
		return nil
	}
}

func WithKeyedStore(keyedStore store.KeyedStore) WithOptions {
	return func(opts *options) error {
		opts.keyedStore = keyedStore
		return nil
	}
}

func WithTimerServiceFactory(factory timer.Factory) WithOptions {
	return func(opts *options) error {
		opts.timerServiceFactory = factory
		return nil
	}
}

// WithSideInputs enables push-back, channels is the number of upstream side-input
// watermark channels.
func WithSideInputs(handler sideinput.Handler, channels int) WithOptions {
	return func(opts *options) error {
		if channels <= 0 {
			return invalidConfigf("side input channels must be positive, got %d", channels)
		}
		opts.sideInputs = handler
		opts.sideInputChannels = channels
		return nil
	}
}

func WithOutput(output Output) WithOptions {
	return func(opts *options) error {
		opts.output = output
		return nil
	}
}

// WithOutputTags declares additional tags the DoFn may output to.
func WithOutputTags(tags ...element.Tag) WithOptions {
	return func(opts *options) error {
		opts.outputTags = append(opts.outputTags, tags...)
		return nil
	}
}

func WithClock(clk clock.Clock) WithOptions {
	return func(opts *options) error {
		opts.clock = clk
		return nil
	}
}

func WithMetricsScope(scope tally.Scope) WithOptions {
	return func(opts *options) error {
		opts.scope = scope
		return nil
	}
}

// WithValueCoder sets the coder used for element values inside snapshots.
func WithValueCoder(coder element.Coder) WithOptions {
	return func(opts *options) error {
		opts.coder = coder
		return nil
	}
}

func (o *options) validate() error {
	if o.output == nil {
		return invalidConfigf("output is required")
	}
	if o.requiresStableInput && o.checkpointingMode != ExactlyOnce {
		return invalidConfigf("stable input requires exactly-once checkpointing")
	}
	if o.nodeId < 0 || o.nodeId > 1023 {
		return invalidConfigf("node id must be between 0 and 1023, got %d", o.nodeId)
	}
	if o.holdPolicy == nil || o.timerFiring == nil || o.timerServiceFactory == nil {
		return invalidConfigf("hold policy, timer firing and timer service factory can't be nil")
	}
	if o.clock == nil || o.scope == nil || o.coder == nil {
		return invalidConfigf("clock, metrics scope and coder can't be nil")
	}
	if o.bundlePolicy == nil {
		o.bundlePolicy = NewSizeTimeBundlePolicy(o.maxBundleSize, o.maxBundleTime)
	}
	if o.keyedStore == nil {
		o.keyedStore = store.NewMemoryKeyedStore()
	}
	return nil
}
