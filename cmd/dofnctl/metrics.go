package main

import (
	_c "context"
	"net/http"
	"time"

	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/RuiFG/streaming/streaming-runner/operator"
	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"
	"go.uber.org/multierr"
)

// serveMetrics exposes the operator metrics on metrics.address, it returns a
// no-op scope when no address is configured.
func serveMetrics(logger log.Logger) (operator.WithOptions, func() error) {
	if application.Metrics.Address == "" {
		return operator.WithMetricsScope(tally.NoopScope), func() error { return nil }
	}
	scope, closer, handler := application.Metrics.Scope()
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{Addr: application.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnw("metrics server stopped.", "address", server.Addr, "err", err)
		}
	}()
	logger.Infow("serving metrics.", "address", server.Addr)
	return operator.WithMetricsScope(scope), func() error {
		ctx, cancel := _c.WithTimeout(_c.Background(), 5*time.Second)
		defer cancel()
		return multierr.Append(closer.Close(), server.Shutdown(ctx))
	}
}
