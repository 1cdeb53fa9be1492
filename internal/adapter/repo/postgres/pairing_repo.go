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

// PairingRepo persists the scoring engine's pairing cache. Each row holds one
// job's region: the extracted JD plus resumes that arrived ahead of it.
type PairingRepo struct{ Pool PgxPool }

// NewPairingRepo constructs a PairingRepo with the given pool.
func NewPairingRepo(p PgxPool) *PairingRepo { return &PairingRepo{Pool: p} }

// Get loads the pairing state for a job id.
func (r *PairingRepo) Get(ctx context.Context, jobID string) (domain.PairingState, error) {
	tracer := otel.Tracer("repo.pairing")
	ctx, span := tracer.Start(ctx, "pairing.Get")
	defer span.End()
	q := `SELECT doc FROM pairing_states WHERE job_id=$1`
	var doc []byte
	if err := r.Pool.QueryRow(ctx, q, jobID).Scan(&doc); err != nil {
		if err == pgx.ErrNoRows {
			return domain.PairingState{}, fmt.Errorf("op=pairing.get: %w", domain.ErrNotFound)
		}
		return domain.PairingState{}, fmt.Errorf("op=pairing.get: %w", err)
	}
	var st domain.PairingState
	if err := json.Unmarshal(doc, &st); err != nil {
		return domain.PairingState{}, fmt.Errorf("op=pairing.get decode: %w", err)
	}
	return st, nil
}

// Put writes the full pairing state, replacing any previous version.
func (r *PairingRepo) Put(ctx context.Context, st domain.PairingState) error {
	tracer := otel.Tracer("repo.pairing")
	ctx, span := tracer.Start(ctx, "pairing.Put")
	defer span.End()
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=pairing.put encode: %w", err)
	}
	q := `INSERT INTO pairing_states (job_id, doc, updated_at) VALUES ($1,$2,$3)
	      ON CONFLICT (job_id) DO UPDATE SET doc=EXCLUDED.doc, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, st.JobID, doc, st.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("op=pairing.put: %w", err)
	}
	return nil
}

// ListExpired returns pairing states untouched since olderThan, oldest first.
// The sweeper dead-letters their pending resumes and deletes the rows.
func (r *PairingRepo) ListExpired(ctx context.Context, olderThan time.Time, limit int) ([]domain.PairingState, error) {
	tracer := otel.Tracer("repo.pairing")
	ctx, span := tracer.Start(ctx, "pairing.ListExpired")
	defer span.End()
	q := `SELECT doc FROM pairing_states WHERE updated_at < $1 ORDER BY updated_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("op=pairing.list_expired: %w", err)
	}
	defer rows.Close()
	var out []domain.PairingState
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("op=pairing.list_expired scan: %w", err)
		}
		var st domain.PairingState
		if err := json.Unmarshal(doc, &st); err != nil {
			return nil, fmt.Errorf("op=pairing.list_expired decode: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=pairing.list_expired rows: %w", err)
	}
	return out, nil
}

// Delete removes a job's pairing state. Missing rows are not an error.
func (r *PairingRepo) Delete(ctx context.Context, jobID string) error {
	tracer := otel.Tracer("repo.pairing")
	ctx, span := tracer.Start(ctx, "pairing.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM pairing_states WHERE job_id=$1`, jobID); err != nil {
		return fmt.Errorf("op=pairing.delete: %w", err)
	}
	return nil
}
