package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/bivex/pgupkeep/src/analyzer"
	"github.com/bivex/pgupkeep/src/api"
	"github.com/bivex/pgupkeep/src/config"
	"github.com/bivex/pgupkeep/src/db"
	"github.com/bivex/pgupkeep/src/guard"
	"github.com/bivex/pgupkeep/src/monitor"
	"github.com/bivex/pgupkeep/src/optimizer"
	"github.com/bivex/pgupkeep/src/upholder"
)

func main() {
	// Initialize logger
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)

	log.Info("Starting PostgreSQL Performance Upholder...")

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level and format
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err == nil {
		log.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{})
	}

	// Connect to the monitored database
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, db.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxConnections:  cfg.Database.MaxConnections,
		MinConnections:  cfg.Database.MinConnections,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, log)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	log.Infof("Connected to database %s at %s:%d", cfg.Database.Database, cfg.Database.Host, cfg.Database.Port)

	// Initialize components
	poolOptimizer := optimizer.New(pool, log, cfg.Upholder.PoolSampleInterval(), cfg.Upholder.AlertCooldown())
	statusGuard := guard.New(guard.StatusFromStats(pool), log)

	queryAnalyzer := analyzer.NewQueryAnalyzer(pool.DB(), log, cfg.Upholder.SlowQueryThresholdMs, cfg.Upholder.SlowQueryMinCalls)
	indexAuditor := analyzer.NewIndexAuditor(pool.DB(), log, queryAnalyzer, cfg.Upholder.UnusedIndexAgeDays, cfg.Upholder.UnusedIndexMaxSizeMB)

	cacheMonitor := monitor.NewCacheMonitor(pool.DB(), log, cfg.Upholder.CacheMonitoringInterval(), cfg.Upholder.EnableAlerts).
		WithThresholds(monitor.ThresholdsFor(cfg.Upholder.CacheHitRatioMinimum)).
		WithSlowQuerySource(queryAnalyzer)

	log.Info("Initialized analyzers and monitors")

	// Initialize the orchestrator
	uph := upholder.New(cfg.Upholder, poolOptimizer, statusGuard, cacheMonitor, queryAnalyzer, indexAuditor, pool.DB(), log)
	uph.AddAlertHandler(func(alertType, message string) {
		log.Warnf("ALERT [%s]: %s", alertType, message)
	})

	uph.Start()
	defer uph.Stop()

	// Initialize API handler
	handler := api.NewHandler(pool, uph, poolOptimizer, statusGuard, cacheMonitor, queryAnalyzer, indexAuditor, log)

	// Setup HTTP router
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	// Setup HTTP server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Infof("Starting HTTP server on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Info("Performance upholder is ready")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")

	uph.Stop()
	cancel()

	// Shutdown HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown error: %v", err)
	}

	log.Info("PostgreSQL Performance Upholder stopped")
}
