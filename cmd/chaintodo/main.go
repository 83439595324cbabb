// Package main is the entry point for the chaintodo CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"chaintodo/internal/cli"
	"chaintodo/internal/commands"
)

func main() {
	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	dispatcher := cli.NewDispatcher(commands.DefaultRegistry, cli.NewBackend)
	dispatcher.Stdin = os.Stdin

	code := dispatcher.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}
