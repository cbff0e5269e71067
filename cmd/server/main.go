// Package main is the entry point for the scstat server.
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

	"github.com/hhaiyu/singleCellSeq/internal/api"
	"github.com/hhaiyu/singleCellSeq/internal/cache"
	"github.com/hhaiyu/singleCellSeq/internal/config"
	"github.com/hhaiyu/singleCellSeq/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	preload := flag.Bool("preload", false, "Load every dataset before serving")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting scstat server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		ResultCacheSizeMB: cfg.Cache.ResultSizeMB,
		ResultTTL:         time.Duration(cfg.Cache.ResultTTLMinutes) * time.Minute,
		QueryCacheSize:    cfg.Cache.QueryCacheEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	log.Printf("Registering %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)
	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]
		registry.Register(datasetID, ds)
		log.Printf("  [%s] counts: %s", datasetID, ds.Counts)
		if ds.Annotation != "" {
			log.Printf("  [%s] annotation: %s (group by %q)", datasetID, ds.Annotation, ds.GroupBy)
		}
		if ds.GeneSets != "" {
			log.Printf("  [%s] gene sets: %s", datasetID, ds.GeneSets)
		}
	}

	if *preload {
		for _, datasetID := range datasetIDs {
			if _, err := registry.Dataset(ctx, datasetID); err != nil {
				log.Fatalf("Failed to load dataset %q: %v", datasetID, err)
			}
		}
	}

	analysis := service.NewAnalysisService(service.AnalysisServiceConfig{
		Datasets: registry,
		Cache:    cacheManager,
		Analysis: cfg.Analysis,
	})

	// Initialize job manager for CV jobs
	jobManager := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	log.Printf("CV job manager: max_concurrent=%d, retention_days=%d, iterations=%d, sample_size=%d",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Analysis.CV.Iterations, cfg.Analysis.CV.SampleSize)

	jobManager.Executor = analysis.ExecuteCVJob
	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Analysis:    analysis,
		Cache:       cacheManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
