package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ligustah/dlengine/internal/progress"
)

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: dlengine list [options]

List every task known to the persistence store, one line each.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	m, cleanup, err := openManager(context.Background(), *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	defer cleanup()

	tasks := m.List()
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return ExitSuccess
	}
	for _, t := range tasks {
		name := t.FileName()
		if name == "" {
			name = t.URL()
		}
		fmt.Printf("%-38s %-12s %8s / %8s  %s\n",
			t.Id(), t.State(), progress.FormatBytes(t.DownloadedBytes()), progress.FormatBytes(t.TotalSize()), name)
	}
	return ExitSuccess
}
