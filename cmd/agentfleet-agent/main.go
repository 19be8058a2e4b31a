package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/agentfleet/agentfleet/internal/agent"
)

const (
	exitConfig = 2
	exitUsage  = 64
	exitSignal = 130
)

func main() {
	fs := flag.NewFlagSet("agentfleet-agent", flag.ContinueOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(exitUsage)
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unsupported argument: %s\n", fs.Arg(0))
		os.Exit(exitUsage)
	}
	if *showVersion {
		fmt.Println("agentfleet-agent " + agent.Version)
		return
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := agent.LoadFromEnv()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(exitConfig)
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("agent", cfg.AgentID).Str("server", cfg.ServerURL).Msg("starting agent")
	agent.New(cfg, log).Run(ctx)

	if ctx.Err() != nil {
		log.Info().Msg("shutting down...")
		os.Exit(exitSignal)
	}
}
