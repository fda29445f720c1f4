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

	"github.com/NaamaFrank/sqope/internal/api"
	"github.com/NaamaFrank/sqope/internal/config"
	"github.com/NaamaFrank/sqope/internal/core"
	"github.com/NaamaFrank/sqope/internal/store"
)

func main() {
	// Load configuration
	config.LoadConfig()

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if config.AppConfig.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}

	// Command line flag for document ingestion
	ingestManifest := flag.String("ingest", "", "Ingest documents from the given manifest JSON file and exit")
	flag.Parse()

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// Initialize LLM service
	llmService := core.NewLLMService()
	defer llmService.Close()

	llmTimeout := time.Duration(config.AppConfig.LLMTimeoutSeconds) * time.Second

	// Handle document ingestion if flag is set
	if *ingestManifest != "" {
		log.Printf("Starting ingestion from %s...", *ingestManifest)
		embedder := func(text string) ([]float32, error) {
			ctx, cancel := context.WithTimeout(context.Background(), llmTimeout)
			defer cancel()
			return llmService.GetEmbedding(ctx, text)
		}
		numIngested, err := dbStore.IngestManifest(*ingestManifest, embedder)
		if err != nil {
			log.Fatalf("Ingestion failed: %v", err)
		}
		log.Printf("Ingestion complete. Ingested %d documents. Exiting.", numIngested)
		return
	}

	// Initialize the query pipeline
	retrievalEngine, err := core.NewRetrievalEngine(dbStore)
	if err != nil {
		log.Fatalf("Failed to initialize retrieval engine: %v", err)
	}

	planner := core.NewPlanner(dbStore, llmService, llmTimeout)
	executor := core.NewExecutor(dbStore)
	synthesizer := core.NewSynthesizer(llmService, llmTimeout, config.AppConfig.HybridOrder)
	coordinator := core.NewCoordinator(llmService, retrievalEngine, planner, executor, synthesizer,
		config.AppConfig.RetrievalTopK, llmTimeout)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(coordinator, dbStore)
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // LLM calls can take time
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give active connections time to finish.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}
