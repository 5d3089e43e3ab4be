// Package sweep runs the periodic maintenance jobs: stale-lease recovery and
// metric retention pruning.
//
// The stale sweep is the single source of truth for "this job was abandoned".
// Workers never decide that about each other; they just stop heartbeating and
// the sweep notices.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"imgfetchd/internal/store"
	logx "imgfetchd/pkg/logx"
)

type Config struct {
	// Spec is a cron expression or descriptor ("@every 30s") for the stale
	// sweep cadence.
	Spec string

	// MetricsRetention prunes job_metrics rows older than this; 0 keeps
	// everything.
	MetricsRetention time.Duration
}

type Service struct {
	cfg   Config
	store *store.Store
	log   logx.Logger

	parser cron.Parser
	c      *cron.Cron
}

func New(cfg Config, st *store.Store, log logx.Logger) *Service {
	if cfg.Spec == "" {
		cfg.Spec = "@every 30s"
	}
	return &Service{
		cfg:    cfg,
		store:  st,
		log:    log.With(logx.String("comp", "sweep")),
		parser: cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start schedules the sweeps and runs one recovery pass immediately so a
// restart after a crash reclaims abandoned jobs without waiting a full cycle.
func (s *Service) Start(ctx context.Context) error {
	sched, err := s.parser.Parse(s.cfg.Spec)
	if err != nil {
		return fmt.Errorf("sweep: bad spec %q: %w", s.cfg.Spec, err)
	}

	s.c = cron.New(cron.WithParser(s.parser))
	s.c.Schedule(sched, cron.FuncJob(func() { s.recoverStale(ctx) }))

	if s.cfg.MetricsRetention > 0 {
		if _, err := s.c.AddFunc("@daily", func() { s.pruneMetrics(ctx) }); err != nil {
			return fmt.Errorf("sweep: schedule prune: %w", err)
		}
	}

	s.recoverStale(ctx)
	s.c.Start()
	s.log.Info("sweep started", logx.String("spec", s.cfg.Spec))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Service) Stop() {
	if s.c == nil {
		return
	}
	stopCtx := s.c.Stop()
	<-stopCtx.Done()
	s.log.Info("sweep stopped")
}

func (s *Service) recoverStale(ctx context.Context) {
	requeued, failed, err := s.store.RecoverStale(ctx)
	if err != nil {
		s.log.Warn("stale recovery failed", logx.Err(err))
		return
	}
	if requeued > 0 || failed > 0 {
		s.log.Info("stale jobs reclaimed",
			logx.Int64("requeued", requeued),
			logx.Int64("failed", failed),
		)
	}
}

func (s *Service) pruneMetrics(ctx context.Context) {
	n, err := s.store.PruneMetrics(ctx, s.cfg.MetricsRetention)
	if err != nil {
		s.log.Warn("metric prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("old metrics pruned", logx.Int64("rows", n))
	}
}
