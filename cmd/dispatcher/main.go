package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/parlor/chat-core/internal/messaging"
	"github.com/parlor/chat-core/internal/metrics"
	"github.com/parlor/chat-core/internal/outbox"
	"github.com/parlor/chat-core/internal/postgres"
)

func main() {
	postgresDSN := "postgres://localhost:5432/chatcore?sslmode=disable"
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		postgresDSN = v
	}
	metricsAddr := ":9092"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	config := outbox.DefaultDispatcherConfig()
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.PollInterval = d
		}
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.BatchSize = n
		}
	}
	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxAttempts = n
		}
	}

	// --- Postgres ---
	db, err := postgres.Open(postgresDSN)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := postgres.Migrate(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	store := postgres.NewStore(db)

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "chat-dispatcher"
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	log.Printf("outbox dispatcher starting")
	log.Printf("  postgres_dsn:  %s", postgresDSN)
	log.Printf("  nats_url:      %s", natsConfig.URL)
	log.Printf("  metrics_addr:  %s", metricsAddr)
	log.Printf("  poll_interval: %s", config.PollInterval)
	log.Printf("  batch_size:    %d", config.BatchSize)
	log.Printf("  max_attempts:  %d", config.MaxAttempts)

	dispatcher := outbox.NewDispatcher(store, natsClient, config)
	dispatcher.Start()

	// Metrics endpoint.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	dispatcher.Stop()
	natsClient.Close()
	if err := db.Close(); err != nil {
		log.Printf("postgres close: %v", err)
	}
}
