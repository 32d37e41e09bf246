// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/coachmark-ai/coachmark-cli/cmd"
	"github.com/coachmark-ai/coachmark-cli/internal/observability"
)

// main is the entry point for the coachmark CLI application.
func main() {
	// Interrupts cancel the run context; the engine reports a cancelled
	// outcome and components shut down in order.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
