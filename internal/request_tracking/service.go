// Package request_tracking persists the audit trail of gateway operations.
// Every generation opens a row up front and finishes it exactly once with the
// outcome; finish writes run on a worker pool so the streaming path never
// blocks on the database.
package request_tracking

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/sora2api/sora-proxy/internal/config"
	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/metrics"
	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

type Service struct {
	queries      *pg.Queries
	logChan      chan finishRequest
	workerPool   sync.WaitGroup
	shutdown     chan struct{}
	closed       atomic.Bool
	log          *logger.Logger
	writeTimeout time.Duration
	capacity     int

	droppedTotal atomic.Int64
}

type finishRequest struct {
	ctx    context.Context
	params pg.FinishRequestLogParams
}

func NewService(queries *pg.Queries, log *logger.Logger, cfg *config.Config) *Service {
	s := &Service{
		queries:      queries,
		logChan:      make(chan finishRequest, cfg.RequestTrackingBufferSize),
		shutdown:     make(chan struct{}),
		log:          log.WithComponent("request_tracking"),
		writeTimeout: time.Duration(cfg.RequestTrackingTimeoutSeconds) * time.Second,
		capacity:     cfg.RequestTrackingBufferSize,
	}

	for i := 0; i < cfg.RequestTrackingWorkerPoolSize; i++ {
		s.workerPool.Add(1)
		go s.worker()
	}
	return s
}

func (s *Service) worker() {
	defer s.workerPool.Done()

	for {
		select {
		case fr := <-s.logChan:
			s.handleFinish(fr)
		case <-s.shutdown:
			// Drain queued writes before exiting.
			for {
				select {
				case fr := <-s.logChan:
					s.handleFinish(fr)
				default:
					return
				}
			}
		}
	}
}

// Open inserts the in-flight audit row and returns its ID. Audit failures
// never fail the operation being audited; on error this logs and returns 0,
// which FinishAsync treats as "nothing to finish".
func (s *Service) Open(ctx context.Context, params pg.CreateRequestLogParams) int64 {
	id, err := s.queries.CreateRequestLog(ctx, params)
	if err != nil {
		s.log.Error("failed to open request log",
			slog.String("operation", params.Operation),
			slog.String("error", err.Error()))
		return 0
	}
	return id
}

// FinishAsync queues the outcome write for an audit row. The write happens on
// the worker pool with its own timeout, so it completes even when the caller's
// request context is already cancelled.
func (s *Service) FinishAsync(ctx context.Context, params pg.FinishRequestLogParams) {
	if params.ID == 0 {
		return
	}
	if s.closed.Load() {
		s.log.Warn("request tracking shutting down, dropping finish write",
			slog.Int64("log_id", params.ID))
		return
	}

	select {
	case s.logChan <- finishRequest{ctx: ctx, params: params}:
	default:
		dropped := s.droppedTotal.Add(1)
		metrics.RequestLogDropped.Inc()
		s.log.Error("request log queue full, dropping finish write",
			slog.Int64("log_id", params.ID),
			slog.Int64("total_dropped", dropped),
			slog.Int("queue_capacity", s.capacity))
	}
}

// handleFinish gives each write a sane deadline before touching the database.
func (s *Service) handleFinish(fr finishRequest) {
	ctx := fr.ctx

	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); !ok || ctx.Err() != nil || time.Until(dl) < time.Second {
		ctx, cancel = context.WithTimeout(context.Background(), s.writeTimeout)
	}
	defer func() {
		if cancel != nil {
			cancel()
		}
	}()

	if err := s.queries.FinishRequestLog(ctx, fr.params); err != nil {
		s.log.Error("failed to finish request log",
			slog.Int64("log_id", fr.params.ID),
			slog.String("error", err.Error()))
	}
}

// Recent returns the newest audit rows for the admin surface.
func (s *Service) Recent(ctx context.Context, limit int32) ([]pg.RequestLog, error) {
	return s.queries.ListRecentRequestLogs(ctx, limit)
}

// Metrics reports queue diagnostics.
func (s *Service) Metrics() map[string]int64 {
	return map[string]int64{
		"dropped_writes_total": s.droppedTotal.Load(),
		"queue_size":           int64(len(s.logChan)),
		"queue_capacity":       int64(s.capacity),
	}
}

// Shutdown stops accepting writes and drains the queue.
func (s *Service) Shutdown() {
	s.closed.Store(true)
	close(s.shutdown)
	s.workerPool.Wait()
	close(s.logChan)
}
