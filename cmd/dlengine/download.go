package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ligustah/dlengine/internal/model"
	"github.com/ligustah/dlengine/internal/progress"
)

func runDownload(args []string) int {
	fs := flag.NewFlagSet("download", flag.ExitOnError)

	dir := fs.String("dir", ".", "Destination directory")
	name := fs.String("name", "", "Override the destination file name")
	priority := fs.Int("priority", 0, "Queue priority, higher runs first")
	configPath := fs.String("config", "", "Path to a YAML config file")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: dlengine download [options] <url>

Add a URL to the queue and download it immediately, blocking until it
completes, fails, or is interrupted. SIGINT pauses the task (its progress
is checkpointed) instead of discarding it; resume it later with
'dlengine resume <id>'.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: exactly one <url> is required")
		fs.Usage()
		return ExitInvalidArgs
	}
	url := fs.Arg(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, cleanup, err := openManager(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	defer cleanup()

	id, err := m.Add(ctx, url, *dir, *name, *priority, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	tk, _ := m.Get(id)
	fmt.Fprintf(os.Stderr, "[dlengine] queued %s -> %s\n", id, *dir)

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
