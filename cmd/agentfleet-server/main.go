package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentfleet/agentfleet/internal/audit"
	"github.com/agentfleet/agentfleet/internal/auth"
	"github.com/agentfleet/agentfleet/internal/server"
)

// version is stamped at build time.
var version = "dev"

// Exit codes: 0 normal, 2 config error, 64 usage error, 130 terminated
// by signal.
const (
	exitConfig = 2
	exitUsage  = 64
	exitSignal = 130
)

func main() {
	fs := flag.NewFlagSet("agentfleet-server", flag.ContinueOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(exitUsage)
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unsupported argument: %s\n", fs.Arg(0))
		os.Exit(exitUsage)
	}
	if *showVersion {
		fmt.Println("agentfleet-server " + version)
		return
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := server.LoadFromEnv()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(exitConfig)
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	if ctx.Err() != nil {
		log.Info().Msg("shutting down...")
		os.Exit(exitSignal)
	}
}

func run(ctx context.Context, cfg *server.Config, log zerolog.Logger) error {
	// Initialize audit storage
	store, err := audit.OpenStore(cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer func() { _ = store.Close() }()

	sink := audit.NewSink(log, store, 0)
	defer sink.Close()

	// Local verification first, remote identity service as fallback when
	// configured. The remote client also serves token refreshes.
	var verifier auth.Verifier = auth.NewHMACVerifier([]byte(cfg.JWTSecret))
	var refresher auth.Refresher
	if cfg.IdentityURL != "" {
		remote := auth.NewRemoteClient(auth.RemoteConfig{BaseURL: cfg.IdentityURL})
		verifier = auth.ChainVerifier{verifier, remote}
		refresher = remote
	}

	srv := server.New(cfg, log, sink, verifier, refresher)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.Run(ctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Str("version", version).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
