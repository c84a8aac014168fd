// Package maintenance runs periodic storage housekeeping.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"larsd/internal/storage"
	logx "larsd/pkg/logx"
)

const (
	defaultSchedule  = "0 3 * * *"
	defaultRetention = 90 * 24 * time.Hour
)

// Config controls the nightly job. Schedule is standard cron syntax;
// AuditRetention bounds how long audit rows are kept.
type Config struct {
	Enabled        bool
	Schedule       string
	AuditRetention time.Duration
}

// Service drives the configured store's housekeeping on a cron
// schedule. Stores without housekeeping work are skipped.
type Service struct {
	cfg   Config
	log   logx.Logger
	store storage.Store
	cron  *cron.Cron
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = defaultRetention
	}
	return &Service{cfg: cfg, log: log.With(logx.String("comp", "maintenance")), store: store}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if _, ok := s.store.(storage.Maintainer); !ok {
		s.log.Debug("store has no housekeeping, maintenance disabled")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, s.runOnce); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Info("maintenance scheduled", logx.String("schedule", s.cfg.Schedule))
	return nil
}

func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

func (s *Service) runOnce() {
	mt, ok := s.store.(storage.Maintainer)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	pruned, err := mt.PruneAudit(ctx, time.Now().Add(-s.cfg.AuditRetention))
	if err != nil {
		s.log.Warn("audit prune failed", logx.Err(err))
	}
	if err := mt.Checkpoint(ctx); err != nil {
		s.log.Warn("checkpoint failed", logx.Err(err))
	}
	s.log.Info("maintenance run complete",
		logx.Int64("audit_pruned", pruned),
		logx.Duration("took", time.Since(start)),
	)
}
