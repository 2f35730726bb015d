package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inkbrow/capi-relay/internal/bootstrap"
	"github.com/inkbrow/capi-relay/internal/config"
	"github.com/inkbrow/capi-relay/internal/event"
	"github.com/inkbrow/capi-relay/internal/identity"
	"github.com/inkbrow/capi-relay/internal/tracking"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	bootstrap.ConfigureLogger(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipeline, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer pipeline.Close()

	pipeline.Dispatcher.Start()
	go pipeline.Retry.Start(ctx)

	svc := tracking.NewService(
		identity.NewResolver(cfg.Cookies),
		event.NewBuilder(cfg.Meta),
		pipeline.Dispatcher,
		cfg,
	)
	handler := tracking.NewHandler(svc, pipeline.Recorder, pipeline.Dispatcher.Queue(), cfg.Server.AllowedOrigins)
	if pipeline.Ledger != nil {
		handler.SetLedger(pipeline.Ledger)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("tracking service listening on %s (pixel %s)", addr, cfg.Meta.PixelID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down tracking service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Delivery.ShutdownGrace())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	cancel()
	if err := pipeline.Dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Printf("dispatcher shutdown: %v", err)
	}
	log.Println("tracking service stopped")
}
