package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"

	"almacen/internal/config"
	"almacen/internal/events"
	httpapi "almacen/internal/http"
	"almacen/internal/repository"
	"almacen/internal/service"

	_ "almacen/docs"
)

// @title       Almacen API
// @version     1.0
// @description Tool warehouse: products, withdrawal tickets, deliveries and returns.
// @BasePath    /api
func main() {
	app := &cli.App{
		Name:  "almacen",
		Usage: "tool warehouse: ticket service and scan intake client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to YAML config", EnvVars: []string{"ALMACEN_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn, error", EnvVars: []string{"ALMACEN_LOG_LEVEL"}},
			&cli.StringFlag{Name: "log-format", Usage: "text or json", EnvVars: []string{"ALMACEN_LOG_FORMAT"}},
		},
		Commands: []*cli.Command{
			serveCommand(),
			ticketsCommand(),
			requestCommand(),
			returnCommand(),
			deliverCommand(),
			cancelCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig: файл, затем флаги и переменные окружения
func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	for _, name := range []string{"addr", "redis-url", "base-url", "token"} {
		if !c.IsSet(name) {
			continue
		}
		v := c.String(name)
		switch name {
		case "addr":
			cfg.HTTP.Addr = v
		case "redis-url":
			cfg.Redis.URL = v
		case "base-url":
			cfg.Client.BaseURL = v
		case "token":
			cfg.Client.Token = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfg.Log.NewLogger(os.Stderr), nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address", EnvVars: []string{"ALMACEN_ADDR"}},
			&cli.StringFlag{Name: "redis-url", Usage: "redis:// URL for the ticket event stream", EnvVars: []string{"ALMACEN_REDIS_URL"}},
		},
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	slog.SetDefault(log)
	gin.SetMode(gin.ReleaseMode)
	ctx := c.Context

	store := repository.NewMemoryStore()
	history := repository.NewMemoryHistory(store)
	tx := repository.NewMemoryTx(store)

	var pub events.Publisher = events.NewLogPublisher(log)
	if cfg.Redis.URL != "" {
		rdb, err := events.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		pub = events.NewRedisPublisher(rdb, cfg.Redis.Stream)
		log.Info("ticket events go to redis stream", "stream", cfg.Redis.Stream)
	}

	productsSvc := service.NewProductService(store, history, tx, cfg.Cache.StatsTTL)
	ticketsSvc := service.NewTicketService(store, repository.NewMemoryTickets(store), history, tx, pub, log,
		service.WithStockObserver(productsSvc))

	if len(cfg.Users) == 0 {
		log.Warn("no users configured, every /api request will be rejected")
	}
	srv := httpapi.NewServer(productsSvc, ticketsSvc, httpapi.NewSessions(cfg.SessionTable()), log,
		httpapi.Options{RateLimit: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	log.Info("server stopped")
	return nil
}
