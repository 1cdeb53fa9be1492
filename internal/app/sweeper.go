package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hirelens/pipeline/internal/domain"
)

// StuckSessionSweeper fails sessions that stopped advancing: a session whose
// last update predates maxAge is marked Failed so GET /v1/jobs surfaces the
// stall instead of an eternal in-progress stage.
type StuckSessionSweeper struct {
	sessions domain.SessionRepository
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewStuckSessionSweeper constructs the sweeper. Zero durations fall back to
// conservative defaults.
func NewStuckSessionSweeper(sessions domain.SessionRepository, maxAge, interval time.Duration) *StuckSessionSweeper {
	if sessions == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckSessionSweeper{
		sessions: sessions,
		maxAge:   maxAge,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, used by tests.
func (s *StuckSessionSweeper) WithClock(now func() time.Time) *StuckSessionSweeper {
	s.now = now
	return s
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *StuckSessionSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck session sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce marks one batch of stale sessions as failed.
func (s *StuckSessionSweeper) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "StuckSessionSweeper.SweepOnce")
	defer span.End()

	const pageSize = 100
	cutoff := s.now().Add(-s.maxAge)
	stale, err := s.sessions.ListStale(ctx, cutoff, pageSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck session sweep failed to list sessions", slog.Any("error", err))
		return
	}
	failed := 0
	for _, sess := range stale {
		if sess.Stage.Terminal() {
			continue
		}
		sess.Stage = domain.StageFailed
		sess.LastError = fmt.Sprintf("session stalled for more than %v; failed by sweeper", s.maxAge)
		now := s.now()
		sess.TerminalAt = &now
		if err := s.sessions.Upsert(ctx, sess); err != nil {
			slog.Error("stuck session sweep failed to update session",
				slog.String("job_id", sess.JobID), slog.Any("error", err))
			continue
		}
		failed++
		slog.Warn("session failed by sweeper",
			slog.String("job_id", sess.JobID),
			slog.Duration("max_age", s.maxAge))
	}
	span.SetAttributes(
		attribute.Int("sessions.checked", len(stale)),
		attribute.Int("sessions.failed", failed),
	)
}

// sessionRetention is satisfied by the Postgres session repo.
type sessionRetention interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob deletes terminal sessions past the retention window.
type RetentionJob struct {
	repo      sessionRetention
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// NewRetentionJob constructs the retention job. retentionDays below 1 keeps
// sessions for 30 days.
func NewRetentionJob(repo sessionRetention, retentionDays int, interval time.Duration) *RetentionJob {
	if repo == nil {
		return nil
	}
	if retentionDays < 1 {
		retentionDays = 30
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionJob{
		repo:      repo,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run deletes expired sessions on every tick until ctx is cancelled.
func (j *RetentionJob) Run(ctx context.Context) {
	if j == nil {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("session retention job stopping")
			return
		case <-ticker.C:
			cutoff := j.now().Add(-j.retention)
			n, err := j.repo.DeleteOlderThan(ctx, cutoff)
			if err != nil {
				slog.Error("session retention sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("expired sessions deleted", slog.Int64("count", n))
			}
		}
	}
}
