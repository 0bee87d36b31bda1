package main

import (
	"io"
	"os"
	"time"

	"github.com/RuiFG/streaming/streaming-runner/internal/replay"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/RuiFG/streaming/streaming-runner/operator"
	"github.com/RuiFG/streaming/streaming-runner/sideinput"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

type fnFlags struct {
	name  string
	delay time.Duration
	view  string
}

func (f *fnFlags) register(command *cobra.Command) {
	command.Flags().StringVar(&f.name, "fn", "identity", "built-in DoFn: identity, buffer or enrich")
	command.Flags().DurationVar(&f.delay, "delay", time.Second, "event-time delay of the buffer DoFn")
	command.Flags().StringVar(&f.view, "view", "", "side input view read by the enrich DoFn")
}

func (f *fnFlags) views() []sideinput.View {
	if f.view == "" {
		return nil
	}
	return []sideinput.View{sideinput.View(f.view)}
}

func openScript(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	return f, errors.WithMessagef(err, "failed to open script %s", path)
}

// operatorOptions builds the operator options of the loaded config, the keyed store included.
func operatorOptions(logger log.Logger) ([]operator.WithOptions, error) {
	withOptions, err := application.Operator.Options()
	if err != nil {
		return nil, err
	}
	keyedStore, err := application.Store.KeyedStore(logger.Named("store"))
	if err != nil {
		return nil, err
	}
	return append(withOptions, operator.WithKeyedStore(keyedStore)), nil
}

func NewReplayCommand() *cobra.Command {
	var (
		fn     fnFlags
		script string
	)
	command := &cobra.Command{
		Use:   "replay",
		Short: "Replay a JSON-lines event script on a mock clock and print the operator output",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			logger := log.Global().Named("replay")
			doFn, err := replay.Lookup(fn.name, fn.delay, sideinput.View(fn.view))
			if err != nil {
				return err
			}
			withOptions, err := operatorOptions(logger)
			if err != nil {
				return err
			}
			backend, err := application.Store.Backend(logger.Named("backend"))
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, backend.Close()) }()
			reader, err := openScript(script)
			if err != nil {
				return err
			}
			defer func() { _ = reader.Close() }()
			replayer, err := replay.New(doFn, cmd.OutOrStdout(), replay.Options{Views: fn.views(), Backend: backend}, withOptions...)
			if err != nil {
				return err
			}
			return multierr.Append(replayer.Run(reader), replayer.Close())
		},
	}
	fn.register(command)
	command.Flags().StringVarP(&script, "script", "s", "-", "event script, - reads stdin")
	return command
}
