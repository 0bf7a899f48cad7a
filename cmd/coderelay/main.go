// coderelay server — the local-first control plane for remote coding
// agents: bridge hub, dispatch routing, live event streams, and the
// tick-based multi-agent simulation.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/coderelay/coderelay/pkg/api"
	"github.com/coderelay/coderelay/pkg/audit"
	"github.com/coderelay/coderelay/pkg/auth"
	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/control"
	"github.com/coderelay/coderelay/pkg/dispatch"
	"github.com/coderelay/coderelay/pkg/events"
	"github.com/coderelay/coderelay/pkg/governor"
	"github.com/coderelay/coderelay/pkg/hub"
	"github.com/coderelay/coderelay/pkg/masking"
	"github.com/coderelay/coderelay/pkg/notify"
	"github.com/coderelay/coderelay/pkg/sim"
	"github.com/coderelay/coderelay/pkg/version"
)

// shutdownGrace bounds how long a graceful shutdown may take.
const shutdownGrace = 10 * time.Second

func main() {
	envFile := flag.String("env-file", ".env", "Path to an optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Could not load env file, continuing with process environment",
				"path", *envFile, "error", err)
		}
	}

	cfg, err := config.Initialize()
	if err != nil {
		slog.Error("Configuration invalid", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log)
	slog.Info("Starting coderelay", "version", version.Full(), "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Leaves first: audit, masking, governor, bus.
	sink := audit.NewSink(cfg.Audit)
	defer sink.Close()
	masker := masking.NewService()
	validator := auth.NewValidator(cfg.Auth, sink)
	limiter := governor.NewRateLimiter(cfg.Rate)
	costs := governor.NewCostTracker(cfg.Cost)
	bus := events.NewBus(cfg.Events)

	// Control context, hub, router. The hub and router reference each
	// other through narrow interfaces set after construction.
	ctrl := control.NewContext(bus, costs)
	bridgeHub := hub.New(cfg.Hub, validator, sink, bus, ctrl)
	router := dispatch.NewRouter(cfg.Dispatch, bridgeHub, ctrl, bus, limiter, costs, sink, masker)
	bridgeHub.SetHandler(router)
	ctrl.SetTaskResetter(router)

	// Simulation engine; real-model generation only when configured.
	var gen sim.Generator
	if cfg.Sim.UseRealLLM {
		gen = sim.NewLLMGenerator(ctx, cfg.Sim.DefaultProvider, cfg.Sim.DefaultModel, cfg.Sim.DefaultTemperature)
	}
	engine := sim.NewEngine(cfg.Sim, bus, costs, gen)

	server := api.NewServer(cfg, ctrl, validator, sink, bridgeHub, router, engine)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		notifier := notify.NewService(cfg.Slack)
		notifier.Watch(gctx, bus)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		bridgeHub.Shutdown()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

// setupLogging installs the process-wide slog handler: a tint console
// handler for interactive use, plain JSON when LOG_FORMAT=json.
func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	}
	slog.SetDefault(slog.New(handler))
}
