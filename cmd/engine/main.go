package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/meridian-pay/settlex/app/engine"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := engine.Initialize(ctx)
	if err != nil {
		panic(err)
	}

	// Start the confirmation and watch loops
	app.StartCron()

	// Setup server
	app.SetupServer()

	// Start server
	app.Start(ctx)
}
