package operator

import (
	"time"

	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// BundleStats is what a BundlePolicy decides on.
type BundleStats struct {
	ElementCount    int64
	SinceLastFinish time.Duration
}

// BundlePolicy decides when an open bundle is finished.
type BundlePolicy interface {
	FinishByCount(stats BundleStats) bool
	FinishByTime(stats BundleStats) bool
}

type sizeTimeBundlePolicy struct {
	maxSize int64
	maxTime time.Duration
}

func (p sizeTimeBundlePolicy) FinishByCount(stats BundleStats) bool {
	return stats.ElementCount >= p.maxSize
}

func (p sizeTimeBundlePolicy) FinishByTime(stats BundleStats) bool {
	return stats.SinceLastFinish >= p.maxTime
}

func NewSizeTimeBundlePolicy(maxSize int64, maxTime time.Duration) BundlePolicy {
	return sizeTimeBundlePolicy{maxSize: maxSize, maxTime: maxTime}
}

type bundleHooks struct {
	// preStart runs before StartBundle, it flushes buffered output and resets per-bundle caches.
	preStart func() error
	start    func() error
	finish   func() error
	// postFinish re-evaluates the output watermark held back while the bundle was open.
	postFinish func() error
}

type bundleController struct {
	logger  log.Logger
	metrics *metrics
	clock   clock.Clock
	policy  BundlePolicy
	node    *snowflake.Node
	hooks   bundleHooks

	// started, elementCount and lastFinishTime are written by the task loop only,
	// atomics make them readable from accessors on other goroutines.
	started        *atomic.Bool
	elementCount   *atomic.Int64
	lastFinishTime *atomic.Int64
	id             snowflake.ID
}

func newBundleController(logger log.Logger, metrics *metrics, clk clock.Clock, policy BundlePolicy, node *snowflake.Node, hooks bundleHooks) *bundleController {
	return &bundleController{
		logger:         logger,
		metrics:        metrics,
		clock:          clk,
		policy:         policy,
		node:           node,
		hooks:          hooks,
		started:        atomic.NewBool(false),
		elementCount:   atomic.NewInt64(0),
		lastFinishTime: atomic.NewInt64(clk.Now().UnixNano()),
	}
}

func (b *bundleController) Started() bool {
	return b.started.Load()
}

func (b *bundleController) ElementCount() int64 {
	return b.elementCount.Load()
}

func (b *bundleController) EnsureStarted() error {
	if b.started.Load() {
		return nil
	}
	if err := b.hooks.preStart(); err != nil {
		return err
	}
	b.id = b.node.Generate()
	if err := b.hooks.start(); err != nil {
		return errors.WithMessagef(err, "failed to start bundle %s", b.id)
	}
	b.started.Store(true)
	b.metrics.bundlesStarted.Inc(1)
	b.logger.Debugw("bundle started.", "bundle", b.id)
	return nil
}

// MaybeFinishByCount counts one processed element and finishes the bundle once
// the policy says it is full.
func (b *bundleController) MaybeFinishByCount() error {
	count := b.elementCount.Inc()
	if b.policy.FinishByCount(BundleStats{ElementCount: count, SinceLastFinish: b.sinceLastFinish()}) {
		return b.finish()
	}
	return nil
}

func (b *bundleController) MaybeFinishByTime() error {
	if b.policy.FinishByTime(BundleStats{ElementCount: b.elementCount.Load(), SinceLastFinish: b.sinceLastFinish()}) {
		return b.finish()
	}
	return nil
}

// ForceFinish finishes the open bundle, if any.
func (b *bundleController) ForceFinish() error {
	for b.started.Load() {
		if err := b.finish(); err != nil {
			return err
		}
	}
	return nil
}

func (b *bundleController) sinceLastFinish() time.Duration {
	return b.clock.Now().Sub(time.Unix(0, b.lastFinishTime.Load()))
}

func (b *bundleController) finish() error {
	if !b.started.Load() {
		return nil
	}
	if err := b.hooks.finish(); err != nil {
		return errors.WithMessagef(err, "failed to finish bundle %s", b.id)
	}
	count := b.elementCount.Load()
	b.elementCount.Store(0)
	b.lastFinishTime.Store(b.clock.Now().UnixNano())
	b.started.Store(false)
	b.metrics.bundlesFinished.Inc(1)
	b.logger.Debugw("bundle finished.", "bundle", b.id, "elements", count)
	return b.hooks.postFinish()
}
