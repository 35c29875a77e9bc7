// Command hellofed corre el servicio de federación: inbox firmado, key
// documents, cola de delivery y métricas.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dropDatabas3/hellofed/internal/app"
	"github.com/dropDatabas3/hellofed/internal/config"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// version se setea con -ldflags "-X main.version=..."
var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath())
	if err != nil {
		// el logger todavía no existe
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}
	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.App.LogLevel,
		ServiceName: cfg.App.ServiceName,
		Version:     version,
	})
	defer func() { _ = logger.Sync() }()
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.WithVersion(version))
	if err != nil {
		log.Fatal("wiring failed", logger.Err(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close", logger.Err(err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error {
		log.Info("listening", logger.String("addr", cfg.Server.Addr),
			logger.String("storage", cfg.Storage.Driver), logger.String("queue", cfg.Delivery.Queue))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", logger.Err(err))
		os.Exit(1)
	}
}

// configPath: CONFIG_PATH, o config/config.yaml si existe, o solo defaults+env.
func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	if _, err := os.Stat("config/config.yaml"); err == nil {
		return "config/config.yaml"
	}
	return ""
}
