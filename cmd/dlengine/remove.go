package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ligustah/dlengine/internal/ids"
)

func runRemove(args []string) int {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")
	deleteFile := fs.Bool("delete-file", false, "Also delete the downloaded/partial file")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: dlengine remove [options] <task-id>

Cancel a task if active and remove it from the persistence store.

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

	m, cleanup, err := openManager(context.Background(), *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	defer cleanup()

	if err := m.Remove(id, *deleteFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitNotFound
	}
	fmt.Fprintf(os.Stderr, "[dlengine] removed %s\n", id)
	return ExitSuccess
}
