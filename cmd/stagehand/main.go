package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/codex-k8s/stagehand/internal/cli"
	"github.com/codex-k8s/stagehand/internal/logging"
)

// main is the entry point for the stagehand CLI binary.
func main() {
	logger := logging.NewLogger(os.Stderr, logging.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx, os.Args[1:], logger)
	stop()
	if err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
