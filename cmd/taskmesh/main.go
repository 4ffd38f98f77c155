package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/taskmesh/taskmesh/internal/cli"
	"github.com/taskmesh/taskmesh/internal/logging"
)

// main is a deterministic boundary: it canonicalizes all CLI inputs into a
// CLIInvocation before any engine logic is invoked. A "janitor" subcommand
// runs the periodic cache-sweep sidecar instead of executing a graph.
func main() {
	log := logging.New(os.Stderr, logrus.InfoLevel)

	if len(os.Args) > 1 && os.Args[1] == "janitor" {
		os.Exit(runJanitorCommand(os.Args[2:], log))
	}

	inv, err := cli.ParseInvocation(os.Args[1:])
	if err != nil {
		var invErr *cli.InvocationError
		if errors.As(err, &invErr) {
			fmt.Fprintln(os.Stderr, invErr.Message)
			os.Exit(invErr.ExitCode)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitInternalError)
	}

	result, execErr := cli.Execute(context.Background(), inv, log)
	if execErr != nil {
		fmt.Fprintln(os.Stderr, execErr)
	}
	os.Exit(result.ExitCode)
}

func runJanitorCommand(args []string, log *logrus.Logger) int {
	fs := flag.NewFlagSet("taskmesh janitor", flag.ContinueOnError)
	cacheDir := fs.String("cache-dir", "", "Cache base directory. Required.")
	schedule := fs.String("schedule", "@hourly", "Cron schedule for the sweep.")
	if err := fs.Parse(args); err != nil {
		return cli.ExitInvalidInvocation
	}
	if *cacheDir == "" {
		fmt.Fprintln(os.Stderr, "janitor: --cache-dir is required")
		return cli.ExitInvalidInvocation
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.RunJanitor(ctx, cli.JanitorConfig{CacheDir: *cacheDir, Schedule: *schedule}, log); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitInternalError
	}
	return cli.ExitSuccess
}
