package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/common"
	"github.com/ternarybob/lectern/internal/models"
	"golang.org/x/time/rate"
)

// Handler processes a single queue message. A returned error releases the
// message for redelivery with backoff; on the final delivery, lastAttempt is
// true so the handler can settle its pages as failed before the message is
// dropped.
type Handler func(ctx context.Context, msg models.QueueMessage, lastAttempt bool) error

// WorkerPool manages a pool of workers that process one queue's messages.
// Handler dispatch is by message type; throughput is bounded by a shared
// rate limiter sized from the provider's request allowance.
type WorkerPool struct {
	queueMgr     *Manager
	handlers     map[string]Handler
	logger       arbor.ILogger
	concurrency  int
	pollInterval time.Duration
	retryDelay   time.Duration
	limiter      *rate.Limiter
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewWorkerPool creates a new worker pool for the given queue
func NewWorkerPool(queueMgr *Manager, workerCfg common.WorkerConfig, pollInterval, retryDelay time.Duration, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if workerCfg.RateLimit > 0 {
		window, err := time.ParseDuration(workerCfg.RateWindow)
		if err != nil || window <= 0 {
			window = time.Minute
		}
		limiter = rate.NewLimiter(rate.Limit(float64(workerCfg.RateLimit)/window.Seconds()), workerCfg.RateLimit)
	}

	concurrency := workerCfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if retryDelay <= 0 {
		retryDelay = time.Minute
	}

	return &WorkerPool{
		queueMgr:     queueMgr,
		handlers:     make(map[string]Handler),
		logger:       logger,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		retryDelay:   retryDelay,
		limiter:      limiter,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// RegisterHandler registers a message type handler
func (wp *WorkerPool) RegisterHandler(msgType string, handler Handler) {
	wp.handlers[msgType] = handler
	wp.logger.Debug().
		Str("queue", wp.queueMgr.Name()).
		Str("type", msgType).
		Msg("Queue handler registered")
}

// Start starts the worker pool
func (wp *WorkerPool) Start() error {
	wp.logger.Info().
		Str("queue", wp.queueMgr.Name()).
		Int("concurrency", wp.concurrency).
		Msg("Starting worker pool")

	for i := 0; i < wp.concurrency; i++ {
		go wp.worker(i)
	}

	return nil
}

// Stop gracefully stops the worker pool
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Str("queue", wp.queueMgr.Name()).Msg("Stopping worker pool")
	wp.cancel()
	return nil
}

// worker is the main worker loop that processes messages
func (wp *WorkerPool) worker(workerID int) {
	// Stagger worker starts to reduce database lock contention
	staggerDelay := (wp.pollInterval / time.Duration(wp.concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		select {
		case <-wp.ctx.Done():
			return
		case <-time.After(staggerDelay):
		}
	}

	wp.logger.Debug().
		Str("queue", wp.queueMgr.Name()).
		Int("worker_id", workerID).
		Msg("Worker started")

	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Str("queue", wp.queueMgr.Name()).
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			if err := wp.processMessage(workerID); err != nil && err != models.ErrNoMessage {
				wp.logger.Warn().
					Err(err).
					Str("queue", wp.queueMgr.Name()).
					Int("worker_id", workerID).
					Msg("Error processing message")
			}
		}
	}
}

// processMessage receives and processes a single message
func (wp *WorkerPool) processMessage(workerID int) error {
	delivery, err := wp.queueMgr.Receive(wp.ctx)
	if err != nil {
		return err
	}

	msg := delivery.Message

	handler, exists := wp.handlers[msg.Type]
	if !exists {
		wp.logger.Error().
			Str("queue", wp.queueMgr.Name()).
			Str("type", msg.Type).
			Msg("No handler registered for message type")
		if delErr := delivery.Ack(); delErr != nil {
			wp.logger.Warn().Err(delErr).Msg("Failed to delete unhandled message")
		}
		return fmt.Errorf("no handler for message type: %s", msg.Type)
	}

	if wp.limiter != nil {
		if err := wp.limiter.Wait(wp.ctx); err != nil {
			// Shutting down, put the message back untouched.
			if relErr := delivery.Release(0); relErr != nil {
				wp.logger.Warn().Err(relErr).Msg("Failed to release message during shutdown")
			}
			return err
		}
	}

	lastAttempt := delivery.ReceiveCount >= wp.queueMgr.MaxReceive()

	startTime := time.Now()
	handlerErr := handler(wp.ctx, msg, lastAttempt)
	duration := time.Since(startTime)

	if handlerErr != nil {
		wp.logger.Error().
			Err(handlerErr).
			Str("queue", wp.queueMgr.Name()).
			Str("type", msg.Type).
			Int("attempt", delivery.ReceiveCount).
			Bool("last_attempt", lastAttempt).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Message handler failed")

		if lastAttempt {
			// Retries exhausted, the handler has already settled its pages.
			if err := delivery.Ack(); err != nil {
				wp.logger.Warn().Err(err).Msg("Failed to delete exhausted message")
				return err
			}
			return handlerErr
		}

		// Exponential backoff: retryDelay * 2^(attempt-1)
		backoff := wp.retryDelay * time.Duration(1<<(delivery.ReceiveCount-1))
		if err := delivery.Release(backoff); err != nil {
			wp.logger.Warn().Err(err).Msg("Failed to release message for retry")
			return err
		}
		return handlerErr
	}

	wp.logger.Info().
		Str("queue", wp.queueMgr.Name()).
		Str("type", msg.Type).
		Dur("duration", duration).
		Int("worker_id", workerID).
		Msg("Message processed")

	if err := delivery.Ack(); err != nil {
		wp.logger.Warn().Err(err).Msg("Failed to delete message after successful processing")
		return err
	}

	return nil
}
