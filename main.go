// Package main provides the main entry point for the Susanoo link replacement service
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/Susanoo/app/handlers"
	"github.com/amirphl/Susanoo/app/middleware"
	"github.com/amirphl/Susanoo/app/router"
	"github.com/amirphl/Susanoo/app/scheduler"
	"github.com/amirphl/Susanoo/app/services"
	"github.com/amirphl/Susanoo/config"
	"github.com/amirphl/Susanoo/queue"
	"github.com/amirphl/Susanoo/repository"
	"github.com/amirphl/Susanoo/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Application represents the main application structure
type Application struct {
	router    *router.FiberRouter
	config    *config.ProductionConfig
	server    *fiber.App
	stopFuncs []func()
}

func main() {
	log.Println("Starting Susanoo application...")

	// Load production configuration
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	app, err := initializeApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	app.router.SetupRoutes()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		address := cfg.GetServerAddress()
		log.Printf("Server starting on %s", address)

		if err := app.server.Listen(address); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-sigChan
	log.Println("Shutting down gracefully...")

	// Stop background workers
	for _, fn := range app.stopFuncs {
		fn()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.server.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB for connection pooling configuration
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("Database connection established with %d max open connections, %d max idle connections",
		cfg.MaxOpenConns, cfg.MaxIdleConns)

	return db, nil
}

// initializeRedis initializes the redis client and verifies connectivity
func initializeRedis(cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.DB
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Printf("Redis connection established to %s (db=%d)", cfg.URL, cfg.DB)
	return rc, nil
}

// startRedisHealthMonitor periodically pings redis to surface connectivity
// issues. The returned cancel function stops the monitor.
func startRedisHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(context.Background(), 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					log.Printf("Redis healthcheck failed: %v", err)
				}
				c()
			}
		}
	}()
	return cancel
}

// initializeApplication initializes the main application components
func initializeApplication(cfg *config.ProductionConfig) (*Application, error) {
	var stopFuncs []func()

	db, err := initializeDatabase(cfg.Database, cfg.GetDatabaseURL())
	if err != nil {
		return nil, err
	}

	rc, err := initializeRedis(cfg.Redis)
	if err != nil {
		return nil, err
	}
	stopFuncs = append(stopFuncs, startRedisHealthMonitor(context.Background(), rc, 30*time.Second))

	pipelineLogger := utils.NewRotatingLogger("pipeline ", cfg.Logging.Dir, "pipeline.log")

	// Initialize repositories
	campaignRepo := repository.NewCampaignRepository(db)
	providerRepo := repository.NewEgressProviderRepository(db)
	usedEgressRepo := repository.NewUsedEgressRecordRepository(db)
	scheduleRepo := repository.NewTenantScheduleRepository(db)
	batchRepo := repository.NewBatchExecutionRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)

	// Initialize services
	adsClient := services.NewAdsClient(services.AdsClientConfig{
		BaseURL:        cfg.AdsAPI.BaseURL,
		TokenURL:       cfg.AdsAPI.TokenURL,
		ClientID:       cfg.AdsAPI.ClientID,
		ClientSecret:   cfg.AdsAPI.ClientSecret,
		RefreshToken:   cfg.AdsAPI.RefreshToken,
		RequestTimeout: cfg.AdsAPI.RequestTimeout,
		RetryBackoff:   cfg.AdsAPI.RetryBackoff,
		QuotaCacheTTL:  cfg.AdsAPI.QuotaCacheTTL,
		OnRetry:        middleware.RecordGatewayRetry,
		OnThrottleWait: middleware.ObserveThrottleWait,
	}, services.NewFIFOThrottle(cfg.AdsAPI.InterRequestDelay), pipelineLogger)

	proxyPool := services.NewProxyPool(providerRepo, usedEgressRepo, services.ProxyPoolConfig{
		DedupWindow:     cfg.Proxy.DedupWindow,
		IPCheckURLs:     cfg.Proxy.IPCheckURLs,
		IPCheckTimeout:  cfg.Proxy.IPCheckTimeout,
		ConnectTimeout:  cfg.Proxy.ConnectTimeout,
		RetryBackoff:    cfg.Proxy.RetryBackoff,
		MaxRetryBackoff: cfg.Proxy.MaxRetryBackoff,
	}, pipelineLogger)

	tracer := services.NewRedirectTracer(cfg.Tracer.HopTimeout)

	// Initialize the pipeline
	orchestrator := scheduler.NewOrchestrator(
		db,
		campaignRepo,
		batchRepo,
		auditRepo,
		adsClient,
		proxyPool,
		tracer,
		scheduler.OrchestratorConfig{
			QueryConcurrency: cfg.Scheduler.QueryConcurrency,
			WorkerPoolSize:   cfg.Scheduler.WorkerPoolSize,
			CampaignTimeout:  cfg.Scheduler.CampaignTimeout,
		},
		pipelineLogger,
	)

	runQueue := queue.NewRedisRunQueue(rc)

	dispatcher := scheduler.NewDispatcher(scheduleRepo, runQueue, scheduler.DispatcherConfig{
		PollInterval: cfg.Scheduler.PollInterval,
		LockTTL:      cfg.Scheduler.LockTTL,
		BatchSize:    cfg.Scheduler.DispatchBatch,
	}, pipelineLogger)

	worker := scheduler.NewWorker(runQueue, scheduleRepo, usedEgressRepo, orchestrator, scheduler.WorkerConfig{
		DequeueTimeout:  cfg.Scheduler.DequeueTimeout,
		DefaultInterval: cfg.Scheduler.DefaultInterval,
		PurgeInterval:   cfg.Scheduler.PurgeInterval,
		DedupWindow:     cfg.Proxy.DedupWindow,
	}, pipelineLogger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	go dispatcher.Start(bgCtx)
	go worker.Run(bgCtx)
	go worker.StartPurge(bgCtx)
	stopFuncs = append(stopFuncs, bgCancel)

	// Initialize handlers and router
	monitorHandler := handlers.NewMonitorHandler(scheduleRepo, batchRepo, campaignRepo, auditRepo, pipelineLogger)
	appRouter := router.NewFiberRouter(monitorHandler)

	fiberRouter := appRouter.(*router.FiberRouter)
	application := &Application{
		router:    fiberRouter,
		config:    cfg,
		server:    fiberRouter.GetApp(),
		stopFuncs: stopFuncs,
	}

	return application, nil
}
