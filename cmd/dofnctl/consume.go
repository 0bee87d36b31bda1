package main

import (
	_c "context"
	"os"
	"os/signal"
	"syscall"

	"github.com/RuiFG/streaming/streaming-runner/connector/kafka"
	"github.com/RuiFG/streaming/streaming-runner/internal/replay"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/RuiFG/streaming/streaming-runner/operator"
	"github.com/RuiFG/streaming/streaming-runner/task"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// pipelineEmitter defers to the task of a pipeline built after the source.
type pipelineEmitter struct {
	p *pipeline
}

func (e *pipelineEmitter) Emit(data task.Data) error {
	return e.p.task.Emit(data)
}

func NewConsumeCommand() *cobra.Command {
	var (
		fn          fnFlags
		channelSize int
	)
	command := &cobra.Command{
		Use:   "consume",
		Short: "Consume kafka topics through a task, committing offsets once checkpoints complete",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			logger := log.Global().Named("consume")
			if fn.name == "enrich" {
				return errors.New("consume reads no side inputs, enrich can't run")
			}
			doFn, err := replay.Lookup(fn.name, fn.delay, "")
			if err != nil {
				return err
			}
			kafkaConfig, err := application.Kafka.Config()
			if err != nil {
				return err
			}
			emitter := &pipelineEmitter{}
			source, err := kafka.NewSource(kafkaConfig, emitter)
			if err != nil {
				return err
			}
			withOptions, err := operatorOptions(logger)
			if err != nil {
				return err
			}
			withMetrics, stopMetrics := serveMetrics(logger)
			defer func() { err = multierr.Append(err, stopMetrics()) }()
			withOptions = append(withOptions, withMetrics, operator.WithOutput(replay.NewRecordOutput(cmd.OutOrStdout())))
			op, err := operator.New(kafka.CommitOnFinalize(doFn, source), withOptions...)
			if err != nil {
				return err
			}
			if emitter.p, err = newPipeline(logger, op, channelSize); err != nil {
				return multierr.Append(err, op.Close())
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = emitter.p.drive(ctx, func(ctx _c.Context) error { return source.Run(ctx) })
			return multierr.Append(err, source.Flush())
		},
	}
	fn.register(command)
	command.Flags().IntVar(&channelSize, "channel-size", 1024, "input channel size of the task")
	return command
}
