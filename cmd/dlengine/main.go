// Command dlengine is a CLI shell over the download engine core, per spec
// §6: it never reaches past the manager's public surface, driving
// downloads through internal/manager and rendering progress through
// internal/progress.
package main

import (
	"fmt"
	"os"
)

// Exit codes returned by the dlengine commands.
const (
	ExitSuccess        = 0
	ExitGeneralError   = 1
	ExitInvalidArgs    = 2
	ExitNotFound       = 3
	ExitDownloadFailed = 4
	ExitConfigError    = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "download":
		return runDownload(cmdArgs)
	case "list":
		return runList(cmdArgs)
	case "resume":
		return runResume(cmdArgs)
	case "retry":
		return runRetry(cmdArgs)
	case "remove":
		return runRemove(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: dlengine <command> [options]

Commands:
  download  Add a URL to the queue and download it, showing progress
  list      List every task known to the persistence store
  resume    Resume a paused or interrupted task by id
  retry     Retry a failed task by id
  remove    Remove a task from the store, optionally deleting its file

Run 'dlengine <command> -h' for command-specific help.`)
}
