package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"aoer-pipeline/internal/alert"
	"aoer-pipeline/internal/budget"
	"aoer-pipeline/internal/cache"
	"aoer-pipeline/internal/config"
	"aoer-pipeline/internal/handler"
	"aoer-pipeline/internal/metrics"
	"aoer-pipeline/internal/orchestrator"
	"aoer-pipeline/internal/queue"
	"aoer-pipeline/internal/repository"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	port := flag.String("port", "", "HTTP server port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *port != "" {
		cfg.API.Port = *port
	}

	// Initialize store
	store, err := repository.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	// Initialize Redis-backed collaborators
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	metricsInstance := metrics.NewMetrics()
	jobQueue := queue.New(client)

	var sink alert.Sink = alert.LogSink{}
	if cfg.Budget.AlertWebhookURL != "" {
		sink = alert.NewWebhookSink(cfg.Budget.AlertWebhookURL)
	}
	ledger := budget.NewLedger(client, cfg.Budget.DailyQueryLimit, cfg.Budget.MonthlyQueryLimit,
		budget.WithDefaultCost(cfg.Budget.DefaultQueryCost),
		budget.WithAlertThreshold(cfg.Budget.AlertThreshold),
		budget.WithSink(sink),
		budget.WithMetrics(metricsInstance),
	)

	valueCache := cache.New(client,
		cache.WithDefaultTTL(cfg.CacheTTL()),
		cache.WithJitter(cfg.Cache.JitterPct),
		cache.WithMaxPoolItems(cfg.Cache.MaxPoolItems),
		cache.WithMetrics(metricsInstance),
	)

	// The api process never runs the worker loop; it shares the queue
	// for enqueue and depth reads only.
	orch := orchestrator.New(jobQueue, store, metricsInstance,
		orchestrator.WithLedger(ledger),
		orchestrator.WithCache(valueCache),
	)

	pipelineHandler := handler.NewPipelineHandler(orch, ledger, store, valueCache, metricsInstance)

	// CORS middleware - sets headers for all responses
	corsMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next(w, r)
		}
	}

	// Setup routes with CORS
	mux := http.NewServeMux()
	mux.HandleFunc("/recompute", corsMiddleware(pipelineHandler.Enqueue))
	mux.HandleFunc("/queue", corsMiddleware(pipelineHandler.QueueDepth))
	mux.HandleFunc("/results/", corsMiddleware(pipelineHandler.GetResult))
	mux.HandleFunc("/budget", corsMiddleware(pipelineHandler.BudgetStatus))
	mux.HandleFunc("/budget/reset", corsMiddleware(pipelineHandler.ResetBudget))
	mux.HandleFunc("/deadletters", corsMiddleware(pipelineHandler.DeadLetters))
	mux.HandleFunc("/metrics", corsMiddleware(pipelineHandler.GetMetrics))

	// Start server
	server := &http.Server{
		Addr:    ":" + cfg.API.Port,
		Handler: mux,
	}

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("API server starting on port %s", cfg.API.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-sigChan
	log.Println("shutting down server...")
	if err := server.Close(); err != nil {
		log.Printf("error closing server: %v", err)
	}
	log.Println("server stopped")
}
