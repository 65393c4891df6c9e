// -----------------------------------------------------------------------
// App - Dependency wiring and lifecycle
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/common"
	"github.com/ternarybob/lectern/internal/gateway"
	"github.com/ternarybob/lectern/internal/handlers"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/pipeline"
	"github.com/ternarybob/lectern/internal/queue"
	"github.com/ternarybob/lectern/internal/services/export"
	"github.com/ternarybob/lectern/internal/services/ingest"
	"github.com/ternarybob/lectern/internal/services/scheduler"
	storagebadger "github.com/ternarybob/lectern/internal/storage/badger"
	"github.com/ternarybob/lectern/internal/storage/files"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	ObjectStore    interfaces.ObjectStorage

	classifyQueue *queue.Manager
	extractQueue  *queue.Manager
	batchQueue    *queue.Manager

	classifyPool *queue.WorkerPool
	extractPool  *queue.WorkerPool
	batchPool    *queue.WorkerPool

	Gateway    interfaces.InferenceGateway
	Controller *pipeline.Controller

	IngestService    *ingest.Service
	ExportService    *export.Service
	SchedulerService *scheduler.Service

	APIHandler    *handlers.APIHandler
	UploadHandler *handlers.UploadHandler
	LotHandler    *handlers.LotHandler
}

// New wires every component together. Nothing is running yet; call Start.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: config,
		Logger: logger,
	}

	// Storage
	storageManager, err := storagebadger.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.StorageManager = storageManager

	objectStore, err := files.NewObjectStore(config.Storage.Filesystem.Objects, logger)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}
	a.ObjectStore = objectStore

	// Queues share the storage manager's badger instance.
	badgerMgr, ok := storageManager.(*storagebadger.Manager)
	if !ok {
		storageManager.Close()
		return nil, fmt.Errorf("storage manager does not expose a badger database")
	}
	db := badgerMgr.Badger()

	visibilityTimeout := parseDurationOr(config.Queue.VisibilityTimeout, 5*time.Minute)
	pollInterval := parseDurationOr(config.Queue.PollInterval, time.Second)
	retryDelay := parseDurationOr(config.Queue.RetryDelay, time.Minute)

	for _, q := range []struct {
		name string
		dst  **queue.Manager
	}{
		{"classify", &a.classifyQueue},
		{"extract", &a.extractQueue},
		{"batch", &a.batchQueue},
	} {
		mgr, err := queue.NewManager(db, q.name, visibilityTimeout, config.Queue.MaxReceive)
		if err != nil {
			storageManager.Close()
			return nil, fmt.Errorf("failed to create %s queue: %w", q.name, err)
		}
		*q.dst = mgr
	}

	// Inference gateway
	geminiGateway, err := gateway.NewGeminiGateway(&config.Gemini, logger)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize Gemini gateway: %w", err)
	}
	a.Gateway = geminiGateway

	// Pipeline
	lots := storageManager.LotStorage()
	sources := storageManager.SourceStorage()
	pages := storageManager.PageStorage()

	a.Controller = pipeline.NewController(lots, pages, a.classifyQueue, a.extractQueue, a.batchQueue, config, logger)
	classifier := pipeline.NewClassifier(pages, objectStore, a.Gateway, config, logger)
	extractor := pipeline.NewExtractor(pages, objectStore, a.Gateway, config, logger)
	coordinator, err := pipeline.NewBatchCoordinator(pages, objectStore, a.Gateway, a.Controller, a.batchQueue, config, logger)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to initialize batch coordinator: %w", err)
	}

	a.classifyPool = queue.NewWorkerPool(a.classifyQueue, config.Queue.Classify, pollInterval, retryDelay, logger)
	a.extractPool = queue.NewWorkerPool(a.extractQueue, config.Queue.Extract, pollInterval, retryDelay, logger)
	a.batchPool = queue.NewWorkerPool(a.batchQueue, config.Queue.Batch, pollInterval, retryDelay, logger)

	pipelineHandlers := pipeline.NewHandlers(classifier, extractor, coordinator, a.Controller, pages, logger)
	pipelineHandlers.Register(a.classifyPool, a.extractPool, a.batchPool)

	// Messages removed with their delivery attempts exhausted still settle
	// their pages, otherwise a worker crash on the final attempt leaves the
	// lot stuck mid-stage.
	a.classifyQueue.SetDropHandler(pipelineHandlers.HandleDrop)
	a.extractQueue.SetDropHandler(pipelineHandlers.HandleDrop)
	a.batchQueue.SetDropHandler(pipelineHandlers.HandleDrop)

	// Services
	a.IngestService = ingest.NewService(lots, sources, pages, objectStore, a.Controller, logger)
	a.ExportService = export.NewService(lots, sources, pages, logger)
	a.SchedulerService = scheduler.NewService(lots, a.Controller, &config.Scheduler, logger)

	// HTTP handlers
	a.APIHandler = handlers.NewAPIHandler()
	a.UploadHandler = handlers.NewUploadHandler(a.IngestService, logger)
	a.LotHandler = handlers.NewLotHandler(lots, sources, pages, a.ExportService, logger)

	return a, nil
}

// Start launches the worker pools and the stale-lot sweep.
func (a *App) Start() error {
	for _, pool := range []*queue.WorkerPool{a.classifyPool, a.extractPool, a.batchPool} {
		if err := pool.Start(); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
	}

	if a.Config.Scheduler.Enabled {
		if err := a.SchedulerService.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	a.Logger.Info().Msg("Application started")
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (a *App) Stop(ctx context.Context) error {
	if a.SchedulerService != nil {
		a.SchedulerService.Stop()
	}

	for _, pool := range []*queue.WorkerPool{a.batchPool, a.extractPool, a.classifyPool} {
		if pool != nil {
			pool.Stop()
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
		}
	}

	a.Logger.Info().Msg("Application stopped")
	return nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
