// Package jobs runs periodic maintenance work on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reindexer rebuilds the search index from the primary store.
type Reindexer interface {
	ReindexAllFromPG(ctx context.Context)
}

type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:  logger,
		timeout: 10 * time.Minute,
	}
}

// ScheduleReindex registers the search reindex. An empty spec disables it.
func (s *Scheduler) ScheduleReindex(spec string, r Reindexer) error {
	if spec == "" || r == nil {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		started := time.Now()
		r.ReindexAllFromPG(ctx)
		s.logger.Info("jobs: reindex finished", zap.Duration("took", time.Since(started)))
	})
	if err != nil {
		return fmt.Errorf("schedule reindex %q: %w", spec, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs or for ctx, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
