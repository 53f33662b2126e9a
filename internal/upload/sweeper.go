// sweeper.go - Periodic removal of abandoned uploads.
//
// A pending file whose session has expired can never complete. The sweeper
// deletes such rows once they are older than MaxAge, then every object under
// the row's content key, which covers the staged parts as well.
package upload

import (
	"context"
	"time"

	"dcss-portal/internal/logging"
)

// StaleStore finds and removes abandoned metadata. DeletePending reports
// false when the row completed or vanished in the meantime.
type StaleStore interface {
	StalePending(ctx context.Context, before time.Time, limit int) ([]File, error)
	DeletePending(ctx context.Context, id string) (bool, error)
}

// PrefixDeleter removes every object whose key starts with prefix.
type PrefixDeleter interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// SweeperConfig controls the cleanup cadence. MaxAge must exceed the
// session TTL so live uploads are never touched.
type SweeperConfig struct {
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

type Sweeper struct {
	meta    StaleStore
	objects PrefixDeleter
	cfg     SweeperConfig
	now     func() time.Time
}

func NewSweeper(meta StaleStore, objects PrefixDeleter, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 25 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{meta: meta, objects: objects, cfg: cfg, now: time.Now}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	logging.Info("sweeper_starting", map[string]any{"interval": s.cfg.Interval.String(), "max_age": s.cfg.MaxAge.String()})

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			logging.Error("sweep_failed", nil, err)
		}
		select {
		case <-ctx.Done():
			logging.Info("sweeper_stopped", nil)
			return
		case <-ticker.C:
		}
	}
}

// Sweep removes one batch of abandoned uploads and returns how many rows
// were deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	start := s.now()
	stale, err := s.meta.StalePending(ctx, start.Add(-s.cfg.MaxAge), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, f := range stale {
		ok, err := s.meta.DeletePending(ctx, f.ID)
		if err != nil {
			logging.Error("sweep_delete_failed", map[string]any{"file_id": f.ID}, err)
			continue
		}
		if !ok {
			continue
		}
		deleted++
		n, err := s.objects.DeletePrefix(ctx, f.ContentKey)
		if err != nil {
			// Row is gone; leftover objects are unreachable but harmless.
			logging.Warn("sweep_objects_failed", map[string]any{"file_id": f.ID, "error": err.Error()})
			continue
		}
		logging.Debug("sweep_file_removed", map[string]any{"file_id": f.ID, "objects": n})
	}

	if deleted > 0 {
		logging.Info("sweep_complete", map[string]any{"deleted": deleted, "duration_ms": s.now().Sub(start).Milliseconds()})
	}
	return deleted, nil
}
