package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"taskflow/internal/agent"
	"taskflow/internal/console"
	tferrors "taskflow/internal/errors"
	"taskflow/internal/task"
)

type runOptions struct {
	only  []string
	quiet bool
}

func newRunCommand(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <tasks.yaml>",
		Short: "Run the tasks of a task file in order",
		Long: `Run executes every task in the file's run list in order (all tasks in
declaration order when the file has no run list). Agent tasks may call MCP
provider tools and invoke other tasks of the same file as sub-tasks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd, global, opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringP("model", "m", "", "Default model for tasks without an override")
	flags.String("tool-model", "", "Model used by tasks that use tools")
	flags.Int("max-iterations", 0, "Maximum model calls per agent task")
	flags.Int("max-depth", 0, "Maximum invoke_task nesting depth")
	flags.Bool("continue-on-error", true, "Keep running after a task fails")
	flags.Bool("no-invoke-task", false, "Do not offer invoke_task to agent tasks")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (enables metrics)")
	flags.StringSliceVar(&opts.only, "task", nil, "Run only these task ids, in the given order")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Do not echo streamed model output")
	return cmd
}

func runTasks(cmd *cobra.Command, global *globalOptions, opts *runOptions, path string) error {
	file, err := task.LoadFile(path)
	if err != nil {
		return err
	}
	if len(opts.only) > 0 {
		if file, err = task.NewFile(file.DefaultModel, file.Tasks, opts.only); err != nil {
			return err
		}
	}

	a, err := newApp(global, cmd.Flags())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("Cleanup failed: %v", err)
		}
	}()
	if err := a.serveMetrics(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := console.NewPrinter(cmd.OutOrStdout(), console.WithQuiet(opts.quiet))
	rt, err := a.newRuntime(ctx, printer)
	if err != nil {
		return err
	}
	defer rt.Close()

	report, runErr := agent.NewRunner(rt).RunAll(rt.Context(), file)
	printer.PrintReport(report)

	switch {
	case runErr != nil && tferrors.IsCancellation(runErr):
		return &ExitCodeError{Code: exitInterrupted, Err: fmt.Errorf("run interrupted: %w", runErr)}
	case runErr != nil:
		return &ExitCodeError{Code: exitTaskFailures, Err: runErr}
	case report.Failed() > 0:
		return &ExitCodeError{Code: exitTaskFailures, Err: errors.New(pluralTasks(report.Failed()) + " failed")}
	}
	return nil
}

func pluralTasks(n int) string {
	if n == 1 {
		return "1 task"
	}
	return fmt.Sprintf("%d tasks", n)
}
