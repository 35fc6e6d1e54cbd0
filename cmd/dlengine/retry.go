package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ligustah/dlengine/internal/ids"
	"github.com/ligustah/dlengine/internal/model"
	"github.com/ligustah/dlengine/internal/progress"
)

func runRetry(args []string) int {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: dlengine retry [options] <task-id>

Reset a failed task to Queued and re-run it from scratch, blocking until
it completes, fails again, or is interrupted.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: exactly one <task-id> is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	id, err := ids.ParseTaskId(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid task id: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, cleanup, err := openManager(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	defer cleanup()

	tk, ok := m.Get(id)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown task %s\n", id)
		return ExitNotFound
	}

	if err := m.Retry(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	reporter := progress.NewReporter(m.Events(), progress.Options{Output: os.Stderr})
	reporter.Start()
	defer reporter.Stop()

	paused := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\n[dlengine] received interrupt, pausing...")
		if err := m.Pause(id); err != nil {
			fmt.Fprintf(os.Stderr, "[dlengine] pause failed: %v\n", err)
		}
		close(paused)
	}()

	select {
	case <-tk.Done():
	case <-paused:
	case <-ctx.Done():
	}

	switch tk.State() {
	case model.StateCompleted:
		fmt.Fprintf(os.Stderr, "[dlengine] completed: %s\n", tk.FilePath())
		return ExitSuccess
	case model.StatePaused:
		fmt.Fprintf(os.Stderr, "[dlengine] paused, resume with: dlengine resume %s\n", id)
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "[dlengine] failed: %v\n", tk.LastError())
		return ExitDownloadFailed
	}
}
