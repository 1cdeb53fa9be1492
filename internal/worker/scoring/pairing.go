package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hirelens/pipeline/internal/adapter/observability"
	"github.com/hirelens/pipeline/internal/domain"
)

// Group is the consumer group name shared by both input subjects.
const Group = "scoring-engines"

// idemTTL bounds how long published score envelopes are remembered for
// duplicate suppression.
const idemTTL = 48 * time.Hour

// Engine consumes analysis.jd.extracted and analysis.resume.parsed and emits
// analysis.match.scored. Resumes that arrive before their JD wait in the
// persisted pairing cache.
type Engine struct {
	repo domain.PairingRepository
	bus  domain.Bus
	idem domain.IdempotencyStore
	ttl  time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine constructs the scoring engine. ttl is how long a pending resume
// may wait for its JD.
func NewEngine(repo domain.PairingRepository, bus domain.Bus, idem domain.IdempotencyStore, ttl time.Duration) *Engine {
	return &Engine{repo: repo, bus: bus, idem: idem, ttl: ttl, locks: map[string]*sync.Mutex{}}
}

// lockJob returns the mutex for one jobId. Locks are per job so unrelated
// sessions never contend.
func (e *Engine) lockJob(jobID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[jobID] = l
	}
	return l
}

func (e *Engine) releaseJob(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, jobID)
}

// HandleJdExtracted stores the JD and drains any resumes queued ahead of it.
func (e *Engine) HandleJdExtracted(ctx context.Context, env domain.Envelope) error {
	var jd domain.JdDto
	if err := env.DecodePayload(&jd); err != nil {
		return err
	}
	if jd.JobID == "" {
		return fmt.Errorf("op=scoring.jd: empty jobId: %w", domain.ErrSchemaInvalid)
	}

	l := e.lockJob(jd.JobID)
	l.Lock()
	defer l.Unlock()

	st, err := e.loadState(ctx, jd.JobID)
	if err != nil {
		return err
	}
	st.Jd = &jd
	st.UpdatedAt = time.Now().UTC()
	if err := e.repo.Put(ctx, st); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}

	// Drain against the persisted pending list. A mid-drain failure nacks
	// with the list intact, so the redelivery re-drains it; the idempotency
	// cache replays scores that were already emitted.
	for _, resume := range st.Pending {
		if err := e.scoreAndPublish(ctx, env, jd, resume); err != nil {
			return err
		}
	}
	if len(st.Pending) > 0 {
		drained := len(st.Pending)
		st.Pending = nil
		st.Origins = nil
		st.UpdatedAt = time.Now().UTC()
		if err := e.repo.Put(ctx, st); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrTransient, err)
		}
		observability.PendingResumes.Sub(float64(drained))
	}
	return nil
}

// HandleResumeParsed scores immediately when the JD is known, otherwise
// buffers the resume.
func (e *Engine) HandleResumeParsed(ctx context.Context, env domain.Envelope) error {
	var resume domain.ResumeDto
	if err := env.DecodePayload(&resume); err != nil {
		return err
	}
	if resume.JobID == "" || resume.ResumeID == "" {
		return fmt.Errorf("op=scoring.resume: missing ids: %w", domain.ErrSchemaInvalid)
	}

	l := e.lockJob(resume.JobID)
	l.Lock()
	defer l.Unlock()

	st, err := e.loadState(ctx, resume.JobID)
	if err != nil {
		return err
	}
	if st.Jd != nil {
		return e.scoreAndPublish(ctx, env, *st.Jd, resume)
	}

	// Unknown JD so far; buffer until it shows up or the TTL sweeper gives
	// up. Redeliveries replace rather than duplicate.
	replaced := false
	for i := range st.Pending {
		if st.Pending[i].ResumeID == resume.ResumeID {
			st.Pending[i] = resume
			replaced = true
			break
		}
	}
	if !replaced {
		st.Pending = append(st.Pending, resume)
		observability.PendingResumes.Inc()
	}
	if st.Origins == nil {
		st.Origins = map[string]domain.Envelope{}
	}
	st.Origins[resume.ResumeID] = env
	st.JobID = resume.JobID
	st.UpdatedAt = time.Now().UTC()
	if err := e.repo.Put(ctx, st); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	return nil
}

func (e *Engine) loadState(ctx context.Context, jobID string) (domain.PairingState, error) {
	st, err := e.repo.Get(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PairingState{JobID: jobID}, nil
	}
	if err != nil {
		return domain.PairingState{}, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	return st, nil
}

// scoreAndPublish emits exactly one analysis.match.scored per (jobId,
// resumeId), replaying the recorded envelope on duplicates.
func (e *Engine) scoreAndPublish(ctx context.Context, cause domain.Envelope, jd domain.JdDto, resume domain.ResumeDto) error {
	key := "score:" + jd.JobID + ":" + resume.ResumeID
	if cached, ok, err := e.idem.Get(ctx, key); err == nil && ok {
		var prev domain.Envelope
		if err := json.Unmarshal(cached, &prev); err == nil {
			slog.Debug("duplicate scoring request, re-publishing recorded result",
				slog.String("job_id", jd.JobID),
				slog.String("resume_id", resume.ResumeID))
			return e.bus.Publish(ctx, domain.SubjectMatchScored, prev)
		}
	}

	score := Score(jd, resume)
	out, err := domain.NewEnvelope(domain.SubjectMatchScored, jd.JobID, cause.MessageID, cause.TenantID, score)
	if err != nil {
		return err
	}
	if err := e.bus.Publish(ctx, domain.SubjectMatchScored, out); err != nil {
		return err
	}
	observability.MatchOverallHistogram.Observe(score.Overall)

	if b, err := json.Marshal(out); err == nil {
		if err := e.idem.Put(ctx, key, b, idemTTL); err != nil {
			slog.Warn("idempotency record failed",
				slog.String("key", key),
				slog.Any("error", err))
		}
	}
	return nil
}

// ExpirePending dead-letters resumes whose JD never arrived within the TTL
// and drops their pairing rows. Returns how many resumes were expired.
func (e *Engine) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	stale, err := e.repo.ListExpired(ctx, now.Add(-e.ttl), 100)
	if err != nil {
		return 0, fmt.Errorf("op=scoring.expire: %w", err)
	}
	expired := 0
	for _, st := range stale {
		if st.Jd != nil {
			// Paired already; the row is just old. Clean it up.
			if err := e.repo.Delete(ctx, st.JobID); err != nil {
				return expired, fmt.Errorf("op=scoring.expire job=%s: %w", st.JobID, err)
			}
			e.releaseJob(st.JobID)
			continue
		}
		for _, resume := range st.Pending {
			// Re-publish the envelope that delivered the resume so the DLQ
			// entry keeps its messageId and tenant.
			orig, ok := st.Origins[resume.ResumeID]
			if !ok {
				var err error
				orig, err = domain.NewEnvelope(domain.SubjectResumeParsed, st.JobID, "", "", resume)
				if err != nil {
					return expired, err
				}
			}
			dead := orig.WithFailure("pairing ttl exceeded waiting for jd", "")
			if err := e.bus.Publish(ctx, domain.DLQSubject(domain.SubjectResumeParsed), dead); err != nil {
				return expired, err
			}
			observability.DLQTotal.WithLabelValues(domain.SubjectResumeParsed, "PAIRING_TTL").Inc()
			observability.PendingResumes.Dec()
			expired++
			slog.Warn("pending resume expired without jd",
				slog.String("job_id", st.JobID),
				slog.String("resume_id", resume.ResumeID))
		}
		if err := e.repo.Delete(ctx, st.JobID); err != nil {
			return expired, fmt.Errorf("op=scoring.expire job=%s: %w", st.JobID, err)
		}
		e.releaseJob(st.JobID)
	}
	return expired, nil
}

// RunSweeper expires pending resumes on a fixed interval until ctx ends.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.ExpirePending(ctx, time.Now().UTC()); err != nil {
				slog.Error("pairing sweep failed", slog.Any("error", err))
			} else if n > 0 {
				slog.Info("pairing sweep expired resumes", slog.Int("count", n))
			}
		}
	}
}
