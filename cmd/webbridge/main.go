// Package main is the entry point for the webbridge MCP bridge.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/webbridge/webbridge/cmd/webbridge/app"
	"github.com/webbridge/webbridge/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
