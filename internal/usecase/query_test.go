package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirelens/pipeline/internal/domain"
	"github.com/hirelens/pipeline/internal/usecase"
)

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: map[string]domain.Session{}}
}

func (r *memSessionRepo) Get(_ context.Context, jobID string) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[jobID]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *memSessionRepo) Upsert(_ context.Context, s domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.JobID] = s
	return nil
}

func (r *memSessionRepo) ListStale(_ context.Context, _ time.Time, _ int) ([]domain.Session, error) {
	return nil, nil
}

func TestSnapshot_ReturnsSessionView(t *testing.T) {
	t.Parallel()
	repo := newMemSessionRepo()
	terminal := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Upsert(context.Background(), domain.Session{
		JobID:          "job-1",
		OrganizationID: "org-1",
		CreatedAt:      fixedNow(),
		Stage:          domain.StageReported,
		Resumes:        map[string]domain.ResumeState{"r1": domain.ResumeReported},
		Counts:         domain.SessionCounts{Submitted: 1, Parsed: 1, Scored: 1},
		Reported:       1,
		TerminalAt:     &terminal,
	}))
	svc := usecase.NewQueryService(repo)

	snap, err := svc.Snapshot(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", snap.JobID)
	assert.Equal(t, domain.StageReported, snap.Stage)
	assert.Equal(t, 1, snap.Counts.Submitted)
	assert.Equal(t, "2026-01-01T00:00:00Z", snap.CreatedAt)
	assert.Equal(t, "2026-01-02T00:00:00Z", snap.TerminalAt)
	assert.Equal(t, domain.ResumeReported, snap.Resumes["r1"])
}

func TestSnapshot_UnknownJobIsNotFound(t *testing.T) {
	t.Parallel()
	svc := usecase.NewQueryService(newMemSessionRepo())
	_, err := svc.Snapshot(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSnapshot_EmptyJobIDRejected(t *testing.T) {
	t.Parallel()
	svc := usecase.NewQueryService(newMemSessionRepo())
	_, err := svc.Snapshot(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
