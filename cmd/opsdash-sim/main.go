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

	"opsdash/internal/config"
	"opsdash/internal/middleware"
	"opsdash/internal/simulator"
	"opsdash/internal/telemetry"
	"opsdash/internal/utils"
	"opsdash/internal/version"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (default: search ./, ./config, /etc/opsdash)")
	stdout := flag.Bool("stdout", false, "Log to stdout instead of the data directory")
	flag.Parse()

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	var logger *utils.Logger
	if *stdout {
		logger = utils.NewStdoutLogger()
	} else {
		logger = utils.NewLogger(utils.NewPaths(cfg.DataDir).SimulatorLogFile())
	}
	defer logger.Close()
	logger.Writef("opsdash-sim %s starting", version.String())

	if err := run(cfg, logger); err != nil {
		logger.Writef("opsdash-sim exited with error: %v", err)
		fmt.Fprintf(os.Stderr, "opsdash-sim: %v\n", err)
		os.Exit(1)
	}
	logger.Write("opsdash-sim exited")
}

func run(cfg *config.Config, logger *utils.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sampler := telemetry.NewSampler(cfg.DataDir, cfg.Simulator.HistorySize, logger.With("telemetry"))
	sampler.Start(cfg.Simulator.SampleEvery)
	defer sampler.Stop()

	sim := simulator.NewServer(simulator.Options{
		PushInterval: cfg.Simulator.PushInterval,
		AuthTimeout:  cfg.Socket.AuthTimeout,
		Latency:      cfg.Simulator.Latency,
		AlertRate:    cfg.Simulator.AlertRate,
		ErrorRate:    cfg.Simulator.ErrorRate,
		Devices:      cfg.Simulator.Devices,
		RateLimit:    cfg.Server.RateLimit,
		Burst:        cfg.Server.Burst,
	}, middleware.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry), sampler, logger.With("sim"))

	srv := &http.Server{
		Addr:           cfg.Simulator.Listen,
		Handler:        sim.Handler(),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Writef("Simulator listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("simulator server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Write("Shutting down simulator...")
		sim.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
