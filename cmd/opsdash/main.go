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

	"opsdash/internal/app"
	"opsdash/internal/config"
	"opsdash/internal/handlers"
	"opsdash/internal/middleware"
	"opsdash/internal/monitoring"
	"opsdash/internal/session"
	"opsdash/internal/storage"
	"opsdash/internal/utils"
	"opsdash/internal/version"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// agent bundles the long-lived pieces of the dashboard process.
type agent struct {
	cfg         *config.Config
	logger      *utils.Logger
	app         *app.App
	wsHub       *middleware.Hub
	rateLimiter *middleware.RateLimiter
	metrics     *monitoring.Metrics
}

func newAgent(cfg *config.Config, logger *utils.Logger) *agent {
	paths := utils.NewPaths(cfg.DataDir)
	if !paths.CheckRoot() {
		paths.DeployRoot(logger)
	}

	hub := middleware.NewHub(logger.With("hub"), cfg.Server.AllowedOrigins...)
	a := app.New(app.Options{
		Config:    cfg,
		KV:        storage.NewFileStore(paths.StoreDir()),
		Logger:    logger,
		Publisher: sessionPublisher{hub: hub},
	})
	ag := &agent{
		cfg:         cfg,
		logger:      logger,
		app:         a,
		wsHub:       hub,
		rateLimiter: middleware.NewRateLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.Burst),
	}
	ag.metrics = monitoring.New(monitoring.SourceFunc(func() monitoring.Snapshot {
		snap := a.MonitoringSnapshot()
		snap.UIClients = hub.GetClientCount()
		return snap
	}))
	return ag
}

// sessionPublisher forwards events to the hub and, on session changes, drops
// browsers that belong to anyone but the new session owner.
type sessionPublisher struct {
	hub *middleware.Hub
}

func (p sessionPublisher) Publish(eventType string, data interface{}) bool {
	if eventType == app.EventSession {
		if st, ok := data.(session.State); ok {
			p.hub.RetainUser(st.User)
		}
	}
	return p.hub.Publish(eventType, data)
}

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (default: search ./, ./config, /etc/opsdash)")
	flag.Parse()

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := utils.NewLogger(utils.NewPaths(cfg.DataDir).LogFile())
	defer logger.Close()
	logger.Writef("opsdash %s starting", version.String())

	ag := newAgent(cfg, logger)
	if err := ag.run(); err != nil {
		logger.Writef("opsdash exited with error: %v", err)
		fmt.Fprintf(os.Stderr, "opsdash: %v\n", err)
		os.Exit(1)
	}
	logger.Write("opsdash exited")
}

func (ag *agent) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if s, ok := ag.app.Restore(); ok {
		ag.logger.Writef("Resumed session for %s", s.User)
	}

	srv := &http.Server{
		Addr:           ag.cfg.Server.Listen,
		Handler:        ag.setupRouter(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ag.wsHub.Run(gctx) })
	g.Go(func() error {
		ag.logger.Writef("Dashboard API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("dashboard server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ag.logger.Write("Shutting down dashboard...")
		ag.app.Shutdown()
		ag.rateLimiter.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (ag *agent) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ag.metrics.Middleware())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())
	r.Use(ag.rateLimiter.Middleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, version.Get())
	})
	r.GET("/metrics", gin.WrapH(ag.metrics.Handler()))

	requireAuth := ag.app.Auth().RequireAPIAuth()
	dashboard := handlers.NewDashboardHandlers(ag.app)
	api := r.Group("/api")
	dashboard.Register(api, requireAuth)
	api.GET("/logs", requireAuth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"log": ag.logger.Tail(16 * 1024)})
	})

	r.GET("/ws", ag.app.Auth().RequireSocketAuth(), dashboard.RequireSession(), ag.wsHub.HandleWebSocket())
	return r
}
