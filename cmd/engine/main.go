package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lei/flowci/pkg/engine"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	// Load .env file (ignore error if file doesn't exist - env vars might be set externally)
	_ = godotenv.Load()

	// Prefer a config file when one is provided
	var (
		eng *engine.Engine
		err error
	)
	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		eng, err = engine.NewFromConfigFile(configFile)
	} else {
		eng, err = engine.NewFromEnv()
	}
	if err != nil {
		return err
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Start the engine (blocks until shutdown)
	return eng.Start(ctx)
}
