package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/remote-agent-terminal/ttysim/api/handlers"
	"github.com/remote-agent-terminal/ttysim/internal/config"
	"github.com/remote-agent-terminal/ttysim/internal/db"
	"github.com/remote-agent-terminal/ttysim/internal/logging"
	"github.com/remote-agent-terminal/ttysim/internal/model"
	"github.com/remote-agent-terminal/ttysim/internal/pty"
	"github.com/remote-agent-terminal/ttysim/internal/repository"
	"github.com/remote-agent-terminal/ttysim/internal/session"
	"github.com/remote-agent-terminal/ttysim/internal/ws"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var port int
	var logLevel string
	var noProcess bool

	flagSet := pflag.NewFlagSet("ttysim-server", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("TTYSIM_CONFIG"), "path to YAML config file")
	flagSet.IntVarP(&port, "port", "p", 0, "listen port (overrides config and PORT)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.BoolVar(&noProcess, "no-process", false, "run sessions without a backing shell")
	flagSet.BoolP("version", "v", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if v, _ := flagSet.GetBool("version"); v {
		fmt.Println("ttysim-server", version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if noProcess {
		cfg.Sessions.DisableProcess = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	// Initialize database
	database, err := db.InitDB(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.CloseDB()
	historyRepo := repository.NewHistoryRepository(database)

	// The session manager sees a nil ProcessManager when processes are off.
	var processes session.ProcessManager
	var ptyManager *pty.Manager
	if !cfg.Sessions.DisableProcess {
		ptyManager = pty.NewManager(pty.Config{
			Shell:       cfg.Shell.Command,
			Args:        cfg.Shell.Args,
			Dir:         cfg.Shell.Dir,
			Env:         cfg.Shell.Env,
			LogDir:      cfg.Storage.LogDir,
			HistorySize: cfg.Sessions.HistorySize,
		})
		defer ptyManager.Close()
		processes = ptyManager
	}

	sessionManager := session.NewManager(processes, historyRepo, session.Config{
		MaxSessions:       cfg.Sessions.MaxSessions,
		DefaultResolution: model.Resolution{Cols: cfg.Sessions.DefaultCols, Rows: cfg.Sessions.DefaultRows},
		SessionTimeout:    cfg.Sessions.Timeout,
		SweepInterval:     cfg.Sessions.SweepInterval,
	})

	origins := handlers.NewOriginChecker(cfg.Server.CORSOrigins)
	wsConfig := ws.Config{
		InputRate:  cfg.Sessions.InputRate,
		InputBurst: cfg.Sessions.InputBurst,
	}
	if cfg.Server.EnableCORS {
		wsConfig.CheckOrigin = origins.CheckRequest
	}
	wsService := ws.NewService(sessionManager, wsConfig)

	if ptyManager != nil {
		ptyManager.SetOutputCallback(wsService.HandleOutput)
		ptyManager.SetExitCallback(wsService.HandleProcessExit)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sessionManager.Run(ctx)

	// Initialize Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinLogger(logger))
	if cfg.Server.EnableCORS {
		r.Use(handlers.CORSMiddleware(origins))
	}

	handlers.NewSystemHandler("ttysim", version, sessionManager).RegisterRoutes(r)
	handlers.NewWebSocketHandler(wsService).RegisterRoutes(r)
	api := r.Group("/api")
	{
		handlers.NewSessionHandler(sessionManager, historyRepo).RegisterRoutes(api)
		handlers.NewHistoryHandler(historyRepo).RegisterRoutes(api)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server", "addr", srv.Addr, "version", version, "maxSessions", cfg.Sessions.MaxSessions, "processes", processes != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; evicting
	// every session closes them.
	if err := sessionManager.Close(); err != nil {
		log.Warn("Failed to close sessions", "error", err)
	}
	wsService.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Failed to shut down HTTP server", "error", err)
	}
	return nil
}
