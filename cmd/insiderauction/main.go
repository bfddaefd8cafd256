package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Scandie/openprocurement.auction.dutch/internal/api"
	"github.com/Scandie/openprocurement.auction.dutch/internal/auction"
	"github.com/Scandie/openprocurement.auction.dutch/internal/clock"
	"github.com/Scandie/openprocurement.auction.dutch/internal/config"
	"github.com/Scandie/openprocurement.auction.dutch/internal/document"
	"github.com/Scandie/openprocurement.auction.dutch/internal/health"
	"github.com/Scandie/openprocurement.auction.dutch/internal/leader"
	"github.com/Scandie/openprocurement.auction.dutch/internal/notify"
	"github.com/Scandie/openprocurement.auction.dutch/internal/plan"
	"github.com/Scandie/openprocurement.auction.dutch/internal/resource"
	"github.com/Scandie/openprocurement.auction.dutch/internal/scheduler"
	"github.com/Scandie/openprocurement.auction.dutch/internal/store"
	"github.com/Scandie/openprocurement.auction.dutch/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/Scandie/openprocurement.auction.dutch/internal/store/memory"
	_ "github.com/Scandie/openprocurement.auction.dutch/internal/store/postgres"
)

var version = "dev"

const usage = `usage: insiderauction [flags] [run|prepare|cancel]

  run      prepare the auction document and drive the auction (default)
  prepare  check the tender upstream and store a fresh auction document
  cancel   mark the stored auction document cancelled
`

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	command := flag.Arg(0)
	if command == "" {
		command = "run"
	}

	if err := run(*configPath, command); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath, command string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.Auction.TenderID)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	backend, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer backend.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	gateway := store.NewGateway(backend.Documents, logger, tp.TracerProvider)
	source := resource.NewClient(cfg.ResourceAPI, cfg.Auction.TenderID, logger, tp.TracerProvider)

	publisher, err := notify.New(ctx, cfg.Notify)
	if err != nil {
		return fmt.Errorf("connecting notifier: %w", err)
	}
	defer publisher.Close()

	ctrl := auction.NewController(controllerOptions(cfg, publisher, tp), source, gateway, logger, tp.TracerProvider, clk)

	switch command {
	case "run":
	case "prepare":
		return ctrl.PrepareAuction(ctx)
	case "cancel":
		if err := ctrl.PrepareAuctionDocument(ctx); err != nil {
			return fmt.Errorf("loading auction document: %w", err)
		}
		err := ctrl.CancelAuction(ctx)
		if errors.Is(err, scheduler.ErrFinished) {
			logger.WarnContext(ctx, "auction already finished, nothing to cancel")
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown command %q", command)
	}

	healthHandler := health.NewHandler(clk,
		health.Ping("database", backend.Ping),
		health.AuctionChecker(ctrl.Document),
	)
	healthHandler.SetAuction(ctrl.Document)

	// Health runs on all replicas; the API answers 503 until this replica
	// has prepared the document.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())
	mux.Handle("/api/", api.NewHandler(ctrl, logger, tp.TracerProvider))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	// runAuction is the core work that only the leader should run.
	runAuction := func(ctx context.Context) error {
		healthHandler.SetReady(true)
		defer healthHandler.SetReady(false)
		logger.InfoContext(ctx, "insiderauction is running", slog.String("version", version))
		return ctrl.Run(ctx)
	}

	var runErr error
	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		lease := leader.LeaseName(cfg.LeaderElection, cfg.Auction.TenderID)
		if leaderErr := leader.Run(ctx, cfg.LeaderElection, lease, logger,
			func(ctx context.Context) {
				if err := runAuction(ctx); err != nil {
					logger.ErrorContext(ctx, "auction failed", slog.Any("error", err))
				}
				cancel()
			},
			func() {
				logger.Info("lost leadership, shutting down...")
				cancel()
			},
		); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		runErr = runAuction(ctx)
	}

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return runErr
}

func controllerOptions(cfg *config.Config, publisher notify.Publisher, tp *telemetry.Provider) auction.Options {
	opts := auction.Options{
		AuctionID: cfg.Auction.TenderID,
		Sandbox:   cfg.Auction.Sandbox,
		SchedulerOptions: []scheduler.Option{
			scheduler.WithPublisher(publisher),
			scheduler.WithMeterProvider(tp.MeterProvider),
		},
	}
	if cfg.Auction.SaveTimeout > 0 {
		opts.SchedulerOptions = append(opts.SchedulerOptions, scheduler.WithSaveTimeout(cfg.Auction.SaveTimeout))
	}
	if cfg.Auction.DutchSteps > 0 {
		mode := document.ModeProduction
		if cfg.Auction.Sandbox {
			mode = document.ModeSandbox
		}
		p := plan.For(mode)
		p.DutchSteps = cfg.Auction.DutchSteps
		opts.Plan = &p
	}
	return opts
}
