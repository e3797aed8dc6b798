package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"taskflow/internal/task"
)

func newToolsCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools <tasks.yaml> <task-id>",
		Short: "List the tools a task would be offered",
		Long: `Tools resolves the tool set of one task the way a run would: its explicit
tool, the tools of every allow-listed MCP provider, then invoke_task. Providers
are started to list their tools, reported by name, and stopped before the
command exits.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listTools(cmd, global, args[0], args[1])
		},
	}
	cmd.Flags().Bool("no-invoke-task", false, "Resolve as if invoke_task were disabled")
	return cmd
}

func listTools(cmd *cobra.Command, global *globalOptions, path, id string) error {
	file, err := task.LoadFile(path)
	if err != nil {
		return err
	}
	t, ok := file.Lookup(id)
	if !ok {
		return fmt.Errorf("task not found: %s", id)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	toolset, err := a.dispatcher.Resolve(ctx, t)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	defs := toolset.Definitions()
	if len(defs) == 0 {
		fmt.Fprintf(out, "Task %s has no tools.\n", id)
	} else {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPROVIDER\tDESCRIPTION")
		for _, def := range defs {
			provider := def.Provider
			if provider == "" {
				provider = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", def.Name, provider, firstLine(def.Description))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	started := "none"
	if names := a.registry.Providers(); len(names) > 0 {
		started = strings.Join(names, ", ")
	}
	fmt.Fprintf(out, "\nProviders started: %s\n", started)
	return nil
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return line
}
