package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/hirelens/pipeline/internal/domain"
)

// SessionRepo persists coordinator sessions as jsonb documents keyed by
// job id. The document is small and mutated as a whole by a single owner,
// so row-level jsonb replacement is simpler than a column per field.
type SessionRepo struct{ Pool PgxPool }

// NewSessionRepo constructs a SessionRepo with the given pool.
func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p} }

// Get loads a session by job id.
func (r *SessionRepo) Get(ctx context.Context, jobID string) (domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Get")
	defer span.End()
	q := `SELECT doc FROM sessions WHERE job_id=$1`
	var doc []byte
	if err := r.Pool.QueryRow(ctx, q, jobID).Scan(&doc); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Session{}, fmt.Errorf("op=session.get: %w", domain.ErrNotFound)
		}
		return domain.Session{}, fmt.Errorf("op=session.get: %w", err)
	}
	var s domain.Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return domain.Session{}, fmt.Errorf("op=session.get decode: %w", err)
	}
	return s, nil
}

// Upsert writes the full session document, replacing any previous version.
func (r *SessionRepo) Upsert(ctx context.Context, s domain.Session) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Upsert")
	defer span.End()
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("op=session.upsert encode: %w", err)
	}
	q := `INSERT INTO sessions (job_id, stage, doc, updated_at) VALUES ($1,$2,$3,$4)
	      ON CONFLICT (job_id) DO UPDATE SET stage=EXCLUDED.stage, doc=EXCLUDED.doc, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, s.JobID, string(s.Stage), doc, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=session.upsert: %w", err)
	}
	return nil
}

// ListStale returns non-terminal sessions untouched since olderThan, oldest
// first. Used by the stuck-session sweeper.
func (r *SessionRepo) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.ListStale")
	defer span.End()
	q := `SELECT doc FROM sessions WHERE updated_at < $1 AND stage NOT IN ('reported','failed') ORDER BY updated_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("op=session.list_stale: %w", err)
	}
	defer rows.Close()
	var out []domain.Session
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("op=session.list_stale scan: %w", err)
		}
		var s domain.Session
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("op=session.list_stale decode: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=session.list_stale rows: %w", err)
	}
	return out, nil
}

// DeleteOlderThan removes terminal sessions past the retention horizon and
// returns the number of rows removed.
func (r *SessionRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.DeleteOlderThan")
	defer span.End()
	q := `DELETE FROM sessions WHERE updated_at < $1 AND stage IN ('reported','failed')`
	tag, err := r.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=session.delete_old: %w", err)
	}
	return tag.RowsAffected(), nil
}
