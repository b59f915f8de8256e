package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/pkg/utils"
)

const reaperLockKey = "reaper:stale-meetings"

type ReaperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	LockTTL    time.Duration
	BatchSize  int
}

func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:   time.Hour,
		StaleAfter: 24 * time.Hour,
		LockTTL:    5 * time.Minute,
		BatchSize:  100,
	}
}

// StaleReaper ends persisted meetings that stayed active without activity
// for longer than StaleAfter. It only looks at the store; rooms still held in
// memory by a previous process are not reconciled.
type StaleReaper struct {
	repo      ports.MeetingRepository
	locker    ports.Locker
	publisher ports.EventPublisher
	metrics   ports.MetricsRecorder
	clock     utils.Clock
	cfg       ReaperConfig
	logger    *zap.SugaredLogger
}

// NewStaleReaper builds a reaper. locker and publisher may be nil.
func NewStaleReaper(
	repo ports.MeetingRepository,
	locker ports.Locker,
	publisher ports.EventPublisher,
	metrics ports.MetricsRecorder,
	clock utils.Clock,
	cfg ReaperConfig,
	logger *zap.SugaredLogger,
) *StaleReaper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &StaleReaper{
		repo:      repo,
		locker:    locker,
		publisher: publisher,
		metrics:   metrics,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run sweeps every Interval until ctx is done.
func (r *StaleReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Infow("stale meeting reaper started", "interval", r.cfg.Interval, "stale_after", r.cfg.StaleAfter)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Warnw("stale meeting sweep failed", "error", err)
			}
		}
	}
}

// Sweep ends every stale meeting once and returns how many it ended.
func (r *StaleReaper) Sweep(ctx context.Context) (int, error) {
	if r.locker == nil {
		return r.sweep(ctx)
	}

	var ended int
	acquired, err := r.locker.WithLock(ctx, reaperLockKey, r.cfg.LockTTL, func(ctx context.Context) error {
		var err error
		ended, err = r.sweep(ctx)
		return err
	})
	if !acquired && err == nil {
		r.logger.Debugw("stale meeting sweep skipped, another instance holds the lock")
	}
	return ended, err
}

func (r *StaleReaper) sweep(ctx context.Context) (int, error) {
	now := r.clock.Now()
	cutoff := now.Add(-r.cfg.StaleAfter)
	ended := 0

	for {
		stale, err := r.repo.ListStale(ctx, cutoff, r.cfg.BatchSize)
		if err != nil {
			return ended, err
		}

		progress := 0
		for _, m := range stale {
			room, changed, err := r.repo.UpdateStatus(ctx, m.MeetingID, domain.MeetingEnded, now)
			r.metrics.PersistenceOp("reap", err)
			if err != nil {
				r.logger.Warnw("failed to end stale meeting", "meeting_id", m.MeetingID, "error", err)
				continue
			}
			if !changed {
				continue
			}
			progress++
			r.logger.Infow("stale meeting ended",
				"meeting_id", m.MeetingID,
				"last_activity", m.LastActivity,
				"duration_seconds", room.Duration,
			)
			r.publish(ctx, domain.LifecycleEvent{
				Type:      domain.MeetingReapedEvent,
				MeetingID: m.MeetingID,
				GroupID:   room.GroupID,
				At:        now,
				Duration:  room.Duration,
			})
		}
		ended += progress

		if len(stale) < r.cfg.BatchSize || progress == 0 {
			break
		}
	}

	if ended > 0 {
		r.metrics.MeetingsReaped(ended)
	}
	return ended, nil
}

func (r *StaleReaper) publish(ctx context.Context, ev domain.LifecycleEvent) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishLifecycle(ctx, ev); err != nil {
		r.logger.Debugw("lifecycle event not published", "type", ev.Type, "meeting_id", ev.MeetingID, "error", err)
	}
}
