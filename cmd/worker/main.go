package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/inkbrow/capi-relay/internal/bootstrap"
	"github.com/inkbrow/capi-relay/internal/config"
	"github.com/inkbrow/capi-relay/internal/tracking"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config (optional)")
	redrive := flag.Bool("redrive", false, "also drain the SQS dead-letter queue back into delivery")
	flag.Parse()

	log.Println("Starting CAPI retry worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if !cfg.Redis.Enabled() {
		log.Fatal("REDIS_URL or REDIS_ADDR is required: the standalone worker shares the retry queue with the tracking service")
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
	log.Printf("Retry worker polling every %s (batch %d)", cfg.Delivery.PollInterval(), cfg.Delivery.ClaimBatch)

	var redriver *tracking.Redriver
	if *redrive {
		if pipeline.SQS == nil {
			log.Fatal("-redrive needs DEAD_LETTER_SQS_URL")
		}
		redriver = tracking.NewRedriver(pipeline.SQS, cfg.DeadLetter.SQSQueueURL, pipeline.Dispatcher)
		redriver.Start(ctx)
		log.Println("Dead-letter redrive enabled")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down retry worker...")

	if redriver != nil {
		redriver.Stop()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Delivery.ShutdownGrace())
	defer shutdownCancel()
	if err := pipeline.Dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Printf("dispatcher shutdown: %v", err)
	}
	log.Println("Retry worker stopped")
}
