package main

import (
	_c "context"
	"io"
	"time"

	"github.com/RuiFG/streaming/streaming-runner/common/safe"
	"github.com/RuiFG/streaming/streaming-runner/internal/replay"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/RuiFG/streaming/streaming-runner/operator"
	"github.com/RuiFG/streaming/streaming-runner/sideinput"
	"github.com/RuiFG/streaming/streaming-runner/store"
	"github.com/RuiFG/streaming/streaming-runner/task"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// feed streams the script into t, it stops at the first malformed event.
func feed(t *task.Task, script io.Reader) error {
	decoder := json.NewDecoder(script)
	for line := 1; ; line++ {
		var event replay.Event
		if err := decoder.Decode(&event); err == io.EOF {
			return nil
		} else if err != nil {
			return errors.WithMessagef(err, "malformed event %d", line)
		}
		data, err := event.Data()
		if err != nil {
			return errors.WithMessagef(err, "event %d", line)
		}
		if err = t.Emit(data); err != nil {
			return err
		}
	}
}

// pipeline is a single task under a coordinator.
type pipeline struct {
	logger      log.Logger
	task        *task.Task
	coordinator *task.Coordinator
	backend     store.Backend
}

func newPipeline(logger log.Logger, op *operator.DoFnOperator, channelSize int) (*pipeline, error) {
	backend, err := application.Store.Backend(logger.Named("backend"))
	if err != nil {
		return nil, err
	}
	_task, err := task.New(task.Options{Name: op.Name(), Operator: op, ChannelSize: channelSize})
	if err != nil {
		return nil, multierr.Append(err, backend.Close())
	}
	coordinator, err := task.NewCoordinator([]*task.Task{_task}, backend, task.CoordinatorOptions{
		MaxConcurrentCheckpoints:         application.Coordinator.MaxConcurrentCheckpoints,
		MinPauseBetweenCheckpoints:       application.Coordinator.MinPauseBetweenCheckpoints,
		TolerableCheckpointFailureNumber: application.Coordinator.TolerableCheckpointFailureNumber,
	})
	if err != nil {
		return nil, multierr.Append(err, backend.Close())
	}
	return &pipeline{logger: logger, task: _task, coordinator: coordinator, backend: backend}, nil
}

// drive runs the task, triggers periodic checkpoints while source feeds it and
// exits through a final exitpoint once source returns without error.
func (p *pipeline) drive(ctx _c.Context, source func(ctx _c.Context) error) (err error) {
	defer func() { err = multierr.Append(err, p.backend.Close()) }()
	taskErr := safe.Go(p.task.Daemon)
	p.coordinator.Activate()
	defer p.coordinator.Stop()
	for !p.task.Running() {
		select {
		case err = <-taskErr:
			return multierr.Append(err, errors.New("task stopped before running"))
		case <-time.After(10 * time.Millisecond):
		}
	}
	sourceCtx, cancel := _c.WithCancel(ctx)
	defer cancel()
	sourceErr := safe.Go(func() error { return source(sourceCtx) })
	interval := application.Coordinator.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.coordinator.TriggerCheckpoint()
		case err = <-sourceErr:
			if err != nil {
				p.task.Stop()
				return multierr.Combine(err, <-taskErr)
			}
			p.logger.Info("source finished, trigger exitpoint.")
			p.coordinator.Deactivate()
			if err = p.coordinator.Wait(); err != nil {
				p.task.Stop()
			}
			return multierr.Combine(err, <-taskErr)
		case err = <-taskErr:
			cancel()
			if feedErr := <-sourceErr; !errors.Is(feedErr, task.ErrTaskStopped) {
				err = multierr.Append(err, feedErr)
			}
			return err
		}
	}
}

func NewRunCommand() *cobra.Command {
	var (
		fn          fnFlags
		script      string
		channelSize int
	)
	command := &cobra.Command{
		Use:   "run",
		Short: "Stream an event script through a task with periodic checkpoints, then exit through a final drain",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			logger := log.Global().Named("run")
			doFn, err := replay.Lookup(fn.name, fn.delay, sideinput.View(fn.view))
			if err != nil {
				return err
			}
			withOptions, err := operatorOptions(logger)
			if err != nil {
				return err
			}
			withMetrics, stopMetrics := serveMetrics(logger)
			defer func() { err = multierr.Append(err, stopMetrics()) }()
			withOptions = append(withOptions, withMetrics,
				operator.WithOutput(replay.NewRecordOutput(cmd.OutOrStdout())),
				operator.WithValueCoder(replay.JSONCoder{}))
			if views := fn.views(); len(views) > 0 {
				withOptions = append(withOptions, operator.WithSideInputs(sideinput.NewMemoryHandler(views...), 1))
			}
			op, err := operator.New(doFn, withOptions...)
			if err != nil {
				return err
			}
			reader, err := openScript(script)
			if err != nil {
				return multierr.Append(err, op.Close())
			}
			defer func() { _ = reader.Close() }()
			p, err := newPipeline(logger, op, channelSize)
			if err != nil {
				return multierr.Append(err, op.Close())
			}
			return p.drive(cmd.Context(), func(_c.Context) error { return feed(p.task, reader) })
		},
	}
	fn.register(command)
	command.Flags().StringVarP(&script, "script", "s", "-", "event script, - reads stdin")
	command.Flags().IntVar(&channelSize, "channel-size", 1024, "input channel size of the task")
	return command
}
