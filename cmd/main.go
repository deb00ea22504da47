package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amirphl/margin-trader/internal/asset"
	"github.com/amirphl/margin-trader/internal/config"
	"github.com/amirphl/margin-trader/internal/db"
	"github.com/amirphl/margin-trader/internal/db/conf"
	"github.com/amirphl/margin-trader/internal/engine"
	"github.com/amirphl/margin-trader/internal/feed"
	"github.com/amirphl/margin-trader/internal/ingest"
	"github.com/amirphl/margin-trader/internal/liquidation"
	"github.com/amirphl/margin-trader/internal/notifier"
	"github.com/amirphl/margin-trader/internal/pricecache"
	"github.com/lib/pq"
)

func main() {
	// Load configuration
	cfg := config.MustLoadConfig()
	log.Println("Starting Margin Trader with symbols:", strings.Join(cfg.Symbols, ","))

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Run migrations if enabled
	if cfg.RunMigration {
		if err := runMigrations(ctx, cfg.DBConnStr); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	// Initialize database connection
	dbConfig, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		log.Fatalf("Failed to create DB config: %v", err)
	}

	storage, err := db.New(*dbConfig)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	log.Println("Connected to Postgres")

	// Set up notification system
	var n notifier.Notifier = notifier.Noop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		n = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.NotificationRetries, cfg.NotificationDelay)
	}

	// Core components: price cache, asset registry, margin engine,
	// liquidation watcher.
	cache := pricecache.New()
	registry := asset.NewRegistry(storage)

	engCfg := engine.DefaultConfig()
	engCfg.SettlementAsset = cfg.SettlementAsset
	if len(cfg.AllowedLeverage) > 0 {
		engCfg.AllowedLeverage = cfg.AllowedLeverage
	}
	engCfg.MaxTickAge = cfg.MaxTickAge
	engCfg.SpreadBps = cfg.SpreadBps
	engCfg.DefaultSpreadBps = cfg.DefaultSpreadBps
	eng := engine.New(engCfg, storage, cache)

	watcher := liquidation.NewWatcher(
		liquidation.Config{MaintenanceRatioBps: cfg.MaintenanceRatioBps},
		storage, eng, n)

	// Upstream feeds: Binance websocket always, Wallex polling when an API
	// key is configured.
	feeds := []feed.Feed{feed.NewBinanceFeed(cfg.BinanceWSURL, cfg.Symbols)}
	if cfg.WallexAPIKey != "" {
		feeds = append(feeds, feed.NewWallexFeed(cfg.WallexAPIKey, cfg.Symbols, cfg.WallexPollInterval))
	}

	// Create and start the tick ingestion service
	ingestCfg := ingest.DefaultConfig()
	ingestCfg.FlushInterval = cfg.FlushInterval
	svc := ingest.New(ctx, ingestCfg, storage, registry, cache, watcher, feeds...)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v", r)
			n.Send(fmt.Sprintf("PANIC in margin trader: %v", r))
			svc.Stop()
		}
	}()

	if err := svc.Start(); err != nil {
		log.Fatalf("Failed to start tick ingestion service: %v", err)
	}
	log.Println("Tick ingestion service started")

	// Monitor and report stats periodically
	go monitorIngestionStats(ctx, svc, 3*time.Minute)

	// Wait for shutdown signal
	<-ctx.Done()
	log.Println("Graceful shutdown initiated...")

	svc.Stop()
	log.Println("Shutdown complete")
}

// monitorIngestionStats periodically prints ingestion statistics
func monitorIngestionStats(ctx context.Context, svc *ingest.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, stats := range svc.Stats() {
				log.Printf("Ingest | [%s] stats: %v", name, stats)
			}
		}
	}
}

// runMigrations creates the database if it doesn't exist and runs the schema.sql script
func runMigrations(ctx context.Context, connStr string) error {
	log.Println("Running database migrations...")

	// Parse connection string to extract database name
	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	// Create a connection string to the postgres database to create our database
	baseConnStr := fmt.Sprintf("postgres://%s:%s@%s/postgres%s",
		u.User.Username(),
		func() string {
			p, _ := u.User.Password()
			return p
		}(),
		u.Host,
		func() string {
			if u.RawQuery != "" {
				return "?" + u.RawQuery
			}
			return ""
		}())

	// Connect to the postgres database
	baseDB, err := sql.Open("postgres", baseConnStr)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	// Check if our database exists
	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	// Create the database if it doesn't exist
	if !exists {
		log.Printf("Creating database %s...", dbName)
		_, err = baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	// Connect to our database
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// Read the schema.sql file
	schemaSQL, err := os.ReadFile("scripts/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}

	// Execute the schema.sql script
	_, err = db.ExecContext(ctx, string(schemaSQL))
	if err != nil {
		return fmt.Errorf("failed to execute schema.sql: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}
