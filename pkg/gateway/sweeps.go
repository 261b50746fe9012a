package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"groundwave/pkg/metrics"
	"groundwave/pkg/ratelimit"
)

const (
	fragmentSweep = "@every 10s"
	sessionSweep  = "@every 1m"
	nodeSweep     = "@every 5m"
	boardSweep    = "@every 1h"
	providerCheck = "@every 30s"
)

// cronLogger routes cron's own logging into slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}

// startSweeps schedules the housekeeping jobs. Jobs never overlap themselves.
func (s *Service) startSweeps(ctx context.Context) error {
	logger := cronLogger{log: s.log.With("component", "gateway.sweeps")}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	jobs := []struct {
		spec string
		run  func(context.Context)
	}{
		{fragmentSweep, s.expireFragments},
		{sessionSweep, s.evictIdle},
		{nodeSweep, s.flushNodes},
		{boardSweep, s.purgeBoard},
		{providerCheck, s.pollProvider},
	}
	for _, job := range jobs {
		run := job.run
		if _, err := c.AddFunc(job.spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("schedule sweep %q: %w", job.spec, err)
		}
	}

	c.Start()
	s.cron = c
	return nil
}

func (s *Service) stopSweeps() {
	if s.cron == nil {
		return
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(shutdownFlushTimeout):
		s.log.Warn("Sweeps still running at shutdown")
	}
}

func (s *Service) expireFragments(ctx context.Context) {
	if n := s.dispatcher.ExpireFragments(ctx); n > 0 {
		s.log.Debug("Dropped incomplete messages", "count", n)
	}
	for name, sched := range s.schedulers {
		depth := sched.Depth()
		metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
		s.updateLinkState(name, func(st *linkState) { st.QueueDepth = depth })
	}
}

func (s *Service) evictIdle(context.Context) {
	if n := s.sessions.EvictIdle(); n > 0 {
		s.log.Debug("Evicted idle sessions", "count", n)
	}
	if mem, ok := s.limiter.(*ratelimit.Memory); ok {
		mem.Prune()
	}
}

func (s *Service) flushNodes(ctx context.Context) {
	if err := s.nodes.Flush(ctx, s.store); err != nil {
		s.log.Warn("Failed to persist nodes", "error", err)
	}
	if n := s.nodes.Evict(); n > 0 {
		s.log.Info("Evicted silent nodes", "count", n)
	}
}

func (s *Service) purgeBoard(ctx context.Context) {
	if s.board == nil {
		return
	}
	n, err := s.board.Purge(ctx)
	if err != nil {
		s.log.Warn("Failed to purge expired posts", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("Purged expired posts", "count", n)
	}
}

func (s *Service) pollProvider(ctx context.Context) {
	if s.completer == nil {
		return
	}
	if err := s.checkProviderHealth(ctx); err != nil {
		s.log.Warn("Completion service unhealthy", "error", err)
	}
}
