package main

import (
	"os"

	"github.com/RuiFG/streaming/streaming-runner/config"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"
)

var application config.Application

func NewRootCommand() *cobra.Command {
	var (
		configPath  string
		profileMode string
		profiler    interface{ Stop() }
	)
	command := &cobra.Command{
		Use:           "dofnctl",
		Short:         "Drive a bundled DoFn operator from event scripts",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if application, err = config.Load(configPath); err != nil {
				return err
			}
			options, err := application.Log.Options()
			if err != nil {
				return err
			}
			log.Setup(options.WithWriter(os.Stderr))
			switch profileMode {
			case "":
			case "cpu":
				profiler = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook, profile.Quiet)
			case "mem":
				profiler = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook, profile.Quiet)
			default:
				return errors.Errorf("unknown profile %s", profileMode)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if profiler != nil {
				profiler.Stop()
			}
		},
	}
	command.PersistentFlags().StringVar(&profileMode, "profile", "", "write a cpu or mem profile to the working dir")
	command.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file, defaults only when empty")
	command.AddCommand(NewVersionCommand(), NewReplayCommand(), NewRunCommand(), NewConsumeCommand())
	return command
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
