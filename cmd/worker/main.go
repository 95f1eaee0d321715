package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"aoer-pipeline/internal/alert"
	"aoer-pipeline/internal/budget"
	"aoer-pipeline/internal/cache"
	"aoer-pipeline/internal/config"
	"aoer-pipeline/internal/metrics"
	"aoer-pipeline/internal/models"
	"aoer-pipeline/internal/orchestrator"
	"aoer-pipeline/internal/queue"
	"aoer-pipeline/internal/repository"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides config)")
	enqueueTenant := flag.String("enqueue", "", "enqueue a single tenant and exit")
	enqueuePriority := flag.String("priority", "high", "priority for -enqueue")
	withScheduler := flag.Bool("scheduler", true, "run the hourly bulk recompute scheduler")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
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

	orch := orchestrator.New(jobQueue, store, metricsInstance,
		orchestrator.WithWindowDays(cfg.Worker.WindowDays),
		orchestrator.WithPollInterval(cfg.PollInterval()),
		orchestrator.WithErrorInterval(cfg.ErrorInterval()),
		orchestrator.WithJobTimeout(cfg.JobTimeout()),
		orchestrator.WithLedger(ledger),
		orchestrator.WithCache(valueCache),
	)

	// One-shot manual enqueue for testing/ops
	if *enqueueTenant != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		job, err := orch.Enqueue(ctx, *enqueueTenant, models.Priority(*enqueuePriority))
		if err != nil {
			log.Fatalf("failed to enqueue tenant: %v", err)
		}
		log.Printf("enqueued job %s for tenant %s", job.ID, job.TenantID)
		return
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown: finish the in-flight job, then exit
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("shutting down worker...")
		cancel()
	}()

	// Hourly bulk scheduler, independent of the worker loop
	if *withScheduler && cfg.Scheduler.Enabled {
		go func() {
			ticker := time.NewTicker(cfg.SchedulerInterval())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := orch.ScheduleBulkRecompute(ctx); err != nil {
						log.Printf("error scheduling bulk recompute: %v", err)
					}
				}
			}
		}()
		log.Printf("bulk scheduler started, interval=%s", cfg.SchedulerInterval())
	}

	log.Println("worker started, polling for jobs...")

	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker error: %v", err)
	}

	log.Println("worker stopped")
}
