package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/hirelens/pipeline/internal/domain"
)

// QueryService provides read-only session snapshots for the HTTP layer.
type QueryService struct {
	Sessions domain.SessionRepository
}

// NewQueryService constructs a QueryService.
func NewQueryService(sessions domain.SessionRepository) QueryService {
	return QueryService{Sessions: sessions}
}

// SessionSnapshot is the externally visible progress view of one job.
type SessionSnapshot struct {
	JobID          string                 `json:"job_id"`
	OrganizationID string                 `json:"organization_id"`
	Stage          domain.Stage           `json:"stage"`
	Counts         domain.SessionCounts   `json:"counts"`
	Reported       int                    `json:"reported"`
	Resumes        map[string]domain.ResumeState `json:"resumes"`
	LastError      string                 `json:"last_error,omitempty"`
	CreatedAt      string                 `json:"created_at"`
	TerminalAt     string                 `json:"terminal_at,omitempty"`
}

// Snapshot returns the current session state for jobID.
func (s QueryService) Snapshot(ctx context.Context, jobID string) (SessionSnapshot, error) {
	tracer := otel.Tracer("usecase.query")
	ctx, span := tracer.Start(ctx, "query.Snapshot")
	defer span.End()

	if jobID == "" {
		return SessionSnapshot{}, fmt.Errorf("%w: job id required", domain.ErrInvalidArgument)
	}
	sess, err := s.Sessions.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return SessionSnapshot{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		return SessionSnapshot{}, fmt.Errorf("op=query.snapshot job=%s: %w", jobID, err)
	}

	snap := SessionSnapshot{
		JobID:          sess.JobID,
		OrganizationID: sess.OrganizationID,
		Stage:          sess.Stage,
		Counts:         sess.Counts,
		Reported:       sess.Reported,
		Resumes:        sess.Resumes,
		LastError:      sess.LastError,
		CreatedAt:      sess.CreatedAt.Format(time.RFC3339),
	}
	if sess.TerminalAt != nil {
		snap.TerminalAt = sess.TerminalAt.Format(time.RFC3339)
	}
	return snap, nil
}
