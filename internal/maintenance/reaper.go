// Package maintenance removes expired session rows from storage. Reaping is
// housekeeping only: every read path filters on expires_at itself, so a late
// or failed cleanup run can never change an admission decision.
package maintenance

import (
	"context"
	"log"
	"time"
)

const (
	DefaultReapInterval    = 10 * time.Minute
	DefaultDeleteBatchSize = 1000
	MaxDeleteBatchSize     = 10000
)

type ReaperStore interface {
	CountExpired(ctx context.Context, asOf time.Time) (int64, error)
	DeleteExpired(ctx context.Context, asOf time.Time, limit int) (int64, error)
}

type Logger interface {
	Printf(format string, v ...any)
}

type ReaperConfig struct {
	DeleteBatchSize int
	Logger          Logger
	Now             func() time.Time
}

type ReapRunResult struct {
	DryRun        bool
	BatchSize     int
	StartedAt     time.Time
	FinishedAt    time.Time
	Cutoff        time.Time
	EligibleCount int64
	DeletedCount  int64
	Batches       int
}

// RunSessionCleanup deletes every row whose expires_at has passed, active
// flag notwithstanding, in batches. With dryRun it only counts.
func RunSessionCleanup(ctx context.Context, store ReaperStore, cfg ReaperConfig, dryRun bool) (ReapRunResult, error) {
	cfg = normalizeReaperConfig(cfg)
	now := cfg.Now().UTC()
	logger := cfg.Logger

	result := ReapRunResult{
		DryRun:    dryRun,
		BatchSize: cfg.DeleteBatchSize,
		StartedAt: now,
		Cutoff:    now,
	}

	eligible, err := store.CountExpired(ctx, now)
	if err != nil {
		logger.Printf("reaper.cleanup.error cutoff=%s err=%v", now.Format(time.RFC3339), err)
		result.FinishedAt = cfg.Now().UTC()
		return result, err
	}
	result.EligibleCount = eligible

	logger.Printf("reaper.cleanup.start cutoff=%s dry_run=%t eligible=%d batch_size=%d", now.Format(time.RFC3339), dryRun, eligible, cfg.DeleteBatchSize)

	if !dryRun {
		for {
			deleted, err := store.DeleteExpired(ctx, now, cfg.DeleteBatchSize)
			if err != nil {
				logger.Printf("reaper.cleanup.error cutoff=%s err=%v", now.Format(time.RFC3339), err)
				result.FinishedAt = cfg.Now().UTC()
				return result, err
			}
			if deleted <= 0 {
				break
			}
			result.Batches++
			result.DeletedCount += deleted
			logger.Printf("reaper.cleanup.batch cutoff=%s batch=%d deleted=%d deleted_total=%d", now.Format(time.RFC3339), result.Batches, deleted, result.DeletedCount)
		}
	}

	result.FinishedAt = cfg.Now().UTC()
	logger.Printf("reaper.cleanup.done cutoff=%s dry_run=%t eligible=%d deleted=%d batches=%d", now.Format(time.RFC3339), dryRun, result.EligibleCount, result.DeletedCount, result.Batches)
	return result, nil
}

// Reaper runs RunSessionCleanup on a fixed interval until the context is
// cancelled. Failures are logged and the next tick tries again.
type Reaper struct {
	store    ReaperStore
	cfg      ReaperConfig
	interval time.Duration
}

func NewReaper(store ReaperStore, interval time.Duration, cfg ReaperConfig) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{store: store, cfg: normalizeReaperConfig(cfg), interval: interval}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := RunSessionCleanup(ctx, r.store, r.cfg, false); err != nil {
				r.cfg.Logger.Printf("reaper.run.failed err=%v", err)
			}
		}
	}
}

func normalizeReaperConfig(cfg ReaperConfig) ReaperConfig {
	if cfg.DeleteBatchSize <= 0 {
		cfg.DeleteBatchSize = DefaultDeleteBatchSize
	} else if cfg.DeleteBatchSize > MaxDeleteBatchSize {
		cfg.DeleteBatchSize = MaxDeleteBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}
