package operator

import (
	"github.com/uber-go/tally/v4"
)

type metrics struct {
	bundlesStarted       tally.Counter
	bundlesFinished      tally.Counter
	elementsProcessed    tally.Counter
	elementsPushedBack   tally.Counter
	timersFired          tally.Counter
	finalizationsInvoked tally.Counter
	outputWatermark      tally.Gauge
	pushbackSize         tally.Gauge
	checkpointDuration   tally.Timer
}

func newMetrics(scope tally.Scope, name string) *metrics {
	scope = scope.Tagged(map[string]string{"operator": name})
	return &metrics{
		bundlesStarted:       scope.Counter("bundles_started"),
		bundlesFinished:      scope.Counter("bundles_finished"),
		elementsProcessed:    scope.Counter("elements_processed"),
		elementsPushedBack:   scope.Counter("elements_pushed_back"),
		timersFired:          scope.Counter("timers_fired"),
		finalizationsInvoked: scope.Counter("finalizations_invoked"),
		outputWatermark:      scope.Gauge("output_watermark"),
		pushbackSize:         scope.Gauge("pushback_size"),
		checkpointDuration:   scope.Timer("checkpoint_duration"),
	}
}
