// Package main is the kiln binary. One executable serves three roles:
//
//	kiln [server]      the build supervisor and its HTTP surface
//	kiln taskrunner    the in-container run driver
//	kiln semaphore     the queue helper, also shipped to remote hosts
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kilnci/kiln/internal/cancel"
	"github.com/kilnci/kiln/internal/common/logger"
	"github.com/kilnci/kiln/internal/executor"
	"github.com/kilnci/kiln/internal/semaphore"
	"github.com/kilnci/kiln/internal/taskrunner"
)

func main() {
	args := os.Args[1:]
	command := "server"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "server":
		runServer()
	case "taskrunner":
		runTaskrunner(args)
	case "semaphore":
		runSemaphore(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want server, taskrunner or semaphore)\n", command)
		os.Exit(2)
	}
}

// runTaskrunner drives one run inside its container. Exit code 0 on
// completion regardless of task success; non-zero only on internal crash.
func runTaskrunner(args []string) {
	fs := flag.NewFlagSet("taskrunner", flag.ExitOnError)
	var params taskrunner.Params
	fs.StringVar(&params.Commit, "commit", "", "commit sha under test")
	fs.StringVar(&params.Branch, "branch", "", "branch name")
	fs.StringVar(&params.Identifier, "identifier", "", "run identifier")
	fs.StringVar(&params.RepoName, "repo-name", "", "repository display name")
	fs.StringVar(&params.LogURL, "log-url", "", "external url of this run's log page")
	fs.StringVar(&params.LogDir, "logdir", "", "log directory (state.json, output.log)")
	fs.StringVar(&params.File, "file", "", "task file path")
	_ = fs.Parse(args)
	if err := params.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "info", Format: "text", OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	kill := cancel.New()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		kill.Cancel()
	}()

	defer executor.CleanupStashes()
	if err := taskrunner.Run(params, kill, log); err != nil {
		log.WithError(err).Error("taskrunner crashed")
		os.Exit(1)
	}
}

// runSemaphore is the queue helper: local semaphores run it as a child,
// remote ones receive the binary over scp and run it over ssh.
func runSemaphore(args []string) {
	fs := flag.NewFlagSet("semaphore", flag.ExitOnError)
	selfDescription := fs.String("self-description", "", "description recorded next to this pid in the queue")
	read := fs.Bool("read", false, "print [concurrency, queue] as JSON and exit")
	// flag stops at the first positional argument; keep parsing after it so
	// flags may follow the queue file.
	var positional []string
	for {
		_ = fs.Parse(args)
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "usage: kiln semaphore <queue-file> [--self-description=S] [--read]")
		os.Exit(2)
	}
	if err := semaphore.RunHelper(positional[0], *selfDescription, *read, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
