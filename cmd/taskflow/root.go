package main

import (
	"github.com/spf13/cobra"
)

// Exit codes beyond the generic failure.
const (
	exitTaskFailures = 2
	exitInterrupted  = 130
)

// ExitCodeError wraps an error with a specific process exit code.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type globalOptions struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "taskflow",
		Short:         "Run chat and agent tasks defined in a YAML file",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Config file (default: taskflow.yaml in . or $HOME)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "Append logs to this file as well as stderr")
	rootCmd.PersistentFlags().String("api-key", "", "Model API key (default: $OPENAI_API_KEY)")
	rootCmd.PersistentFlags().String("base-url", "", "OpenAI-compatible endpoint base URL")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newToolsCommand(opts))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}
