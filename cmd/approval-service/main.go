package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/scholaris/approval-engine/internal/approver"
	"github.com/scholaris/approval-engine/internal/config"
	"github.com/scholaris/approval-engine/internal/engine"
	"github.com/scholaris/approval-engine/internal/events"
	"github.com/scholaris/approval-engine/internal/httpserver"
	"github.com/scholaris/approval-engine/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.LoadFromEnv()

	// Database (optional; in-memory store for dev without one)
	var db *sql.DB
	var st store.Store
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("connected to postgres")
		st = store.NewPGStore(db)
	} else {
		log.Println("no postgres configured; using in-memory store (dev only)")
		st = store.NewMemoryStore()
	}

	// Approver directory: remote HTTP resolver when configured, otherwise a
	// static in-process one (dev).
	var dir approver.Directory
	if cfg.DirectoryURL != "" {
		d, err := approver.NewHTTPDirectory(approver.HTTPDirectoryConfig{BaseURL: cfg.DirectoryURL})
		if err != nil {
			log.Fatalf("failed to initialize approver directory: %v", err)
		}
		dir = d
		log.Printf("http approver directory configured (url=%s)", cfg.DirectoryURL)
	} else {
		log.Println("DIRECTORY_URL not configured; using static directory (dev only)")
		dir = approver.NewStaticDirectory()
	}

	eng := engine.New(st, dir, engine.WithAtRiskWindow(cfg.AtRiskWindow))

	// Background sweeper: SLA refresh, escalations, delegation expiry.
	sweeperCtx, sweeperCancel := context.WithCancel(context.Background())
	sweeper := engine.NewSweeper(eng, engine.SweeperConfig{
		Interval:    cfg.SweepInterval,
		BatchSize:   cfg.SweepBatchSize,
		ExpiryGrace: cfg.ExpiryGraceHours,
	})
	go func() {
		if err := sweeper.Run(sweeperCtx); err != nil && err != context.Canceled {
			log.Printf("[sweeper] exited with error: %v", err)
		}
	}()

	// Outbox dispatcher: requires Kafka; S3 archiving is optional on top.
	var dispatcherCancel context.CancelFunc
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewKafkaProducer(events.KafkaProducerConfig{
			Brokers:     cfg.KafkaBrokers,
			MaxAttempts: 3,
		})
		if err != nil {
			log.Fatalf("failed to initialize kafka producer: %v", err)
		}
		log.Printf("kafka producer initialized (brokers=%v)", cfg.KafkaBrokers)

		var archiver events.Archiver
		if cfg.S3Bucket != "" {
			a, err := events.NewS3Archiver(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
			if err != nil {
				log.Fatalf("failed to initialize s3 archiver: %v", err)
			}
			archiver = a
			log.Printf("s3 archiver initialized (bucket=%s prefix=%s)", cfg.S3Bucket, cfg.S3Prefix)
		}

		dispatcher := events.NewDispatcher(st, producer, archiver, events.DispatcherConfig{
			DecisionsTopic:     cfg.DecisionsTopic,
			NotificationsTopic: cfg.NotificationsTopic,
		})
		ctxDisp, cancel := context.WithCancel(context.Background())
		dispatcherCancel = cancel
		go func() {
			if err := dispatcher.Run(ctxDisp); err != nil && err != context.Canceled {
				log.Printf("[events.dispatcher] exited with error: %v", err)
			}
		}()
	} else {
		log.Println("outbox dispatcher not started: KAFKA_BROKERS must be set to enable")
	}

	// HTTP server
	server := httpserver.New(eng, cfg.AuthSecret)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("starting approval service on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}

	sweeperCancel()
	if dispatcherCancel != nil {
		dispatcherCancel()
		// give the dispatcher a grace period to drain in-flight work; it
		// also closes the producer.
		<-time.After(5 * time.Second)
	}

	if db != nil {
		_ = db.Close()
	}
	log.Println("server stopped")
}
