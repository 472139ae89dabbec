package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/cratefm/crate/internal"
	"github.com/cratefm/crate/pkg/logger"
)

var log = logger.Get("Bootstrap")

// main is the entry point to Crate. Configuration is read from the YAML file
// given by the -config flag (or CRATE_CONFIG), with environment variables
// overriding any values found in the file.
func main() {
	configPath := flag.String("config", os.Getenv("CRATE_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	config := internal.CrateConfig{}
	if err := config.LoadFromFile(*configPath); err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.SetMinLoggingLevel(logger.ParseLevel(config.LogLevel).Level())

	crate, err := internal.New(config)
	if err != nil {
		log.Emit(logger.FATAL, "Failed to initialise Crate: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := crate.Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Crate exited with error: %v\n", err)
		stop()
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Crate shutdown complete\n")
}
