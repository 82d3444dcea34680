// asr-server is the transcription service daemon. It connects the task
// store, model pool, media fetcher, task processor, callback dispatcher,
// transcript index and HTTP API, then serves until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mozenebula/mini-asr-backend/pkg/api"
	"github.com/mozenebula/mini-asr-backend/pkg/callback"
	"github.com/mozenebula/mini-asr-backend/pkg/engine"
	"github.com/mozenebula/mini-asr-backend/pkg/events"
	"github.com/mozenebula/mini-asr-backend/pkg/fetch"
	"github.com/mozenebula/mini-asr-backend/pkg/infrastructure/config"
	"github.com/mozenebula/mini-asr-backend/pkg/logging"
	"github.com/mozenebula/mini-asr-backend/pkg/metrics"
	"github.com/mozenebula/mini-asr-backend/pkg/pool"
	"github.com/mozenebula/mini-asr-backend/pkg/processor"
	"github.com/mozenebula/mini-asr-backend/pkg/search"
	"github.com/mozenebula/mini-asr-backend/pkg/storage/postgres"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path (empty = defaults + MINIASR_* env)")
		quiet      = flag.Bool("quiet", false, "Suppress the startup banner")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewFromSettings(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logging.SetGlobalLogger(logger)
	mainLog := logger.WithComponent("main")

	if !*quiet {
		fmt.Printf("Mini ASR Backend\n")
		fmt.Printf("================\n")
		fmt.Printf("Engine: %s (model %s)\n", cfg.Pool.Engine, cfg.Engine.Model)
		fmt.Printf("Listen: %s\n", cfg.Server.Addr())
		fmt.Printf("\n")
	}

	// Task store.
	connectCtx, cancelConnect := context.WithTimeout(context.Background(),
		time.Duration(cfg.Database.ConnectTimeoutSeconds)*time.Second)
	store, err := postgres.NewTaskDatabase(connectCtx, &postgres.DatabaseConfig{
		ConnectionString: cfg.Database.URL,
		MaxConnections:   int32(cfg.Database.MaxConnections),
		ConnectTimeout:   time.Duration(cfg.Database.ConnectTimeoutSeconds) * time.Second,
		MigrationsPath:   cfg.Database.MigrationsPath,
	})
	cancelConnect()
	if err != nil {
		log.Fatalf("Failed to connect to task database: %v", err)
	}
	defer store.Close()

	if cfg.Database.AutoMigrate {
		if err := store.MigrateToLatest(context.Background()); err != nil {
			log.Fatalf("Failed to migrate task database: %v", err)
		}
		mainLog.Info("Database schema up to date")
	}

	// Model pool. Every instance runs the same engine backend; the pool
	// decides its device placement.
	engineName := cfg.Pool.Engine
	factory := func(ctx context.Context, device pool.Device) (engine.Transcriber, error) {
		return engine.New(ctx, engineName, engine.Params{
			Model:        cfg.Engine.Model,
			DownloadRoot: cfg.Engine.DownloadRoot,
			Command:      cfg.Engine.Command,
			Threads:      cfg.Engine.Threads,
			Device:       string(device.Type),
			DeviceIndex:  device.Index,
			ComputeType:  device.ComputeType,
		})
	}
	modelPool, err := pool.New(context.Background(), pool.Config{
		MinSize:            cfg.Pool.MinSize,
		MaxSize:            cfg.Pool.MaxSize,
		MaxInstancesPerGPU: cfg.Pool.MaxInstancesPerGPU,
		InitWithMaxSize:    cfg.Pool.InitWithMaxSize,
		GPUCount:           cfg.Pool.GPUCount,
		CPUThreads:         cfg.Pool.CPUThreads,
		HealthCheck:        cfg.Pool.HealthCheck,
	}, factory)
	if err != nil {
		log.Fatalf("Failed to create model pool: %v", err)
	}
	defer modelPool.Close()
	mainLog.Info("Model pool ready", map[string]interface{}{
		"engine":   engineName,
		"max_size": modelPool.MaxSize(),
	})

	// Media fetcher.
	headerRules := make([]fetch.HeaderRule, 0, len(cfg.Fetch.PlatformHeaders))
	for _, ph := range cfg.Fetch.PlatformHeaders {
		headerRules = append(headerRules, fetch.HeaderRule{Match: ph.Match, Headers: ph.Headers})
	}
	fetcher, err := fetch.New(fetch.Config{
		TempDir:          cfg.Fetch.TempDir,
		MaxFileSizeBytes: cfg.Fetch.MaxFileSizeBytes,
		ChunkSizeBytes:   cfg.Fetch.ChunkSizeBytes,
		RequestTimeout:   time.Duration(cfg.Fetch.RequestTimeoutSeconds) * time.Second,
		Retries:          cfg.Fetch.Retries,
		FFprobePath:      cfg.Fetch.FFprobePath,
		HeaderRules:      headerRules,
	})
	if err != nil {
		log.Fatalf("Failed to prepare media fetcher: %v", err)
	}

	// Callback dispatcher.
	notifier := callback.New(store, callback.Config{
		Timeout:   time.Duration(cfg.Callback.TimeoutSeconds) * time.Second,
		Retries:   cfg.Callback.Retries,
		RetryWait: time.Duration(cfg.Callback.RetryWaitSeconds) * time.Second,
	})

	// Status event hub and Prometheus metrics.
	hub := events.NewHub()
	promMetrics := metrics.New()

	// Transcript search index.
	index := search.New(search.Config{
		Enabled:   cfg.Search.Enabled,
		IndexPath: cfg.Search.IndexPath,
		QueueSize: cfg.Search.QueueSize,
	})
	if err := index.Start(); err != nil {
		log.Fatalf("Failed to open transcript index: %v", err)
	}

	// Task processor.
	proc, err := processor.New(processor.Deps{
		Store:    store,
		Pool:     modelPool,
		Fetcher:  fetcher,
		Notifier: notifier,
		Hub:      hub,
		Metrics:  promMetrics,
		Search:   index,
	}, processor.Config{
		MaxConcurrent:       cfg.Processor.MaxConcurrentTasks,
		StatusCheckInterval: time.Duration(cfg.Processor.StatusCheckIntervalSeconds) * time.Second,
		DeleteTempFiles:     cfg.Processor.DeleteTempFiles,
		QueueSize:           cfg.Processor.QueueSize,
		AcquireTimeout:      time.Duration(cfg.Pool.AcquireTimeoutSecs) * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to create task processor: %v", err)
	}
	proc.Start()

	// HTTP API.
	apiServer, err := api.NewServer(api.Options{
		Store:   store,
		Media:   fetcher,
		Hub:     hub,
		Pool:    modelPool,
		Index:   index,
		Metrics: promMetrics,
		Engine:  engineName,
		BaseURL: cfg.Server.BaseURL,
	})
	if err != nil {
		log.Fatalf("Failed to create API server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		mainLog.Info("HTTP server listening", map[string]interface{}{"addr": cfg.Server.Addr()})
		serveErr <- httpServer.ListenAndServe()
	}()

	// Hot-reload: log level and search availability can change without a
	// restart. Everything else requires one.
	var watcher *config.Watcher
	if *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, func(next *config.Config) {
			applyReload(logger, index, next)
		})
		if err != nil {
			mainLog.Warn("Config hot-reload unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			go func() {
				for werr := range watcher.Errors() {
					mainLog.Warn("Config reload failed", map[string]interface{}{"error": werr.Error()})
				}
			}()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		mainLog.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}

	if watcher != nil {
		watcher.Stop()
	}

	// Stop ingress first so no new tasks arrive, then drain the
	// processor, then release everything it depended on.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		mainLog.Warn("HTTP shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	cancelShutdown()

	proc.Stop()
	if err := index.Close(); err != nil {
		mainLog.Warn("Transcript index close failed", map[string]interface{}{"error": err.Error()})
	}
	hub.Close()

	mainLog.Info("Shutdown complete")
}

// applyReload applies the reloadable subset of a changed configuration.
func applyReload(logger *logging.Logger, index *search.Index, next *config.Config) {
	mainLog := logger.WithComponent("main")

	if level, err := logging.ParseLogLevel(next.Log.Level); err == nil && level != logger.Level() {
		logger.SetLevel(level)
		mainLog.Info("Log level changed", map[string]interface{}{"level": next.Log.Level})
	}

	if next.Search.Enabled != index.Enabled() {
		if err := index.SetEnabled(next.Search.Enabled); err != nil {
			mainLog.Warn("Search toggle failed", map[string]interface{}{"error": err.Error()})
			return
		}
		mainLog.Info("Search availability changed", map[string]interface{}{"enabled": next.Search.Enabled})
	}
}
