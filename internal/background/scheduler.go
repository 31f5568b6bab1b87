package background

import (
	"fmt"
	"time"

	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/sora2api/sora-proxy/internal/logger"
)

// Scheduler owns the periodic maintenance sweeps: cache eviction, image
// lock expiry, token refresh kicks and quota cooldown re-checks. Jobs run
// on the cron's own goroutine pool; a job still running when its next tick
// arrives is skipped rather than stacked.
type Scheduler struct {
	log  *logger.Logger
	cron *cron.Cron
	jobs []registeredJob
}

type registeredJob struct {
	name string
	spec string
	id   cron.EntryID
}

func NewScheduler(log *logger.Logger) *Scheduler {
	s := &Scheduler{log: log.WithComponent("background")}
	cl := cronLogger{log: s.log}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	))
	return s
}

// Register adds a named job on the given cron spec. Jobs registered after
// Start still get scheduled; registration order is kept for Status.
func (s *Scheduler) Register(name, spec string, run func()) error {
	job := func() {
		start := time.Now()
		s.log.Debug("sweep started", slog.String("job", name))
		run()
		s.log.Debug("sweep finished",
			slog.String("job", name),
			slog.Duration("duration", time.Since(start)))
	}
	id, err := s.cron.AddFunc(spec, job)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.jobs = append(s.jobs, registeredJob{name: name, spec: spec, id: id})
	return nil
}

// Start begins dispatching registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("background scheduler started", slog.Int("jobs", len(s.jobs)))
}

// Status reports each registered job's next scheduled run. Useful for the
// admin debug surface.
func (s *Scheduler) Status() map[string]time.Time {
	status := make(map[string]time.Time, len(s.jobs))
	for _, job := range s.jobs {
		status[job.name] = s.cron.Entry(job.id).Next
	}
	return status
}

// Shutdown stops scheduling and waits for in-flight jobs to finish, up to
// 30 seconds.
func (s *Scheduler) Shutdown() error {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
		s.log.Info("background scheduler stopped")
		return nil
	case <-time.After(30 * time.Second):
		s.log.Warn("background scheduler shutdown timed out, a sweep may still be running")
		return fmt.Errorf("shutdown timeout after 30 seconds")
	}
}

// cronLogger adapts our slog-backed logger to the cron Logger interface.
// Routine cron chatter lands at debug so it stays out of production logs.
type cronLogger struct {
	log *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, slogArgs(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]any{slog.String("error", err.Error())}, slogArgs(keysAndValues)...)
	c.log.Error(msg, args...)
}

func slogArgs(kv []interface{}) []any {
	args := make([]any, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		args = append(args, slog.Any(key, kv[i+1]))
	}
	return args
}
