package main

import (
	"context"
	"log"
	"os"

	"github.com/wpfleet/mailvault/internal/logging"
	"github.com/wpfleet/mailvault/internal/server"
	"github.com/wpfleet/mailvault/internal/server/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "startup failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		logger.Error(ctx, "server stopped with error", "error", err)
		app.Close()
		os.Exit(1)
	}
}
