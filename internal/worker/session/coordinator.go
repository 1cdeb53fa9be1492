// Package session owns the per-jobId session record. The coordinator observes
// every pipeline subject plus the DLQ twins and advances a monotonic,
// order-insensitive state machine; no other component mutates sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hirelens/pipeline/internal/adapter/observability"
	"github.com/hirelens/pipeline/internal/domain"
)

// Group is the consumer group name shared across all observed subjects.
const Group = "session-coordinator"

// Subjects returns everything the coordinator subscribes to: the six
// pipeline subjects and their dead-letter twins.
func Subjects() []string {
	out := make([]string, 0, 2*len(domain.PipelineSubjects))
	for _, s := range domain.PipelineSubjects {
		out = append(out, s, domain.DLQSubject(s))
	}
	return out
}

// Coordinator folds observed envelopes into session records.
type Coordinator struct {
	repo domain.SessionRepository
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs the coordinator.
func New(repo domain.SessionRepository) *Coordinator {
	return &Coordinator{
		repo:  repo,
		now:   func() time.Time { return time.Now().UTC() },
		locks: map[string]*sync.Mutex{},
	}
}

// WithClock overrides the time source, used by tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

func (c *Coordinator) lockJob(jobID string) *sync.Mutex {
	c.mu.Lock()
	m, ok := c.locks[jobID]
	if !ok {
		m = &sync.Mutex{}
		c.locks[jobID] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m
}

// releaseJob drops the per-job mutex once the session is terminal so the map
// does not grow for the worker's lifetime. Late stragglers recreate it.
func (c *Coordinator) releaseJob(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, jobID)
}

// Handle folds one envelope into the session for its correlation id. Folding
// is idempotent: re-delivering any event leaves the session unchanged.
func (c *Coordinator) Handle(ctx context.Context, env domain.Envelope) error {
	jobID := env.CorrelationID
	if jobID == "" {
		return fmt.Errorf("op=session: envelope without correlation id: %w", domain.ErrSchemaInvalid)
	}

	lock := c.lockJob(jobID)
	defer lock.Unlock()

	s, err := c.load(ctx, jobID, env)
	if err != nil {
		return err
	}
	before := s.Stage

	if err := c.apply(&s, env); err != nil {
		return err
	}
	recompute(&s, c.now())

	if err := c.repo.Upsert(ctx, s); err != nil {
		return fmt.Errorf("op=session job=%s: %w: %v", jobID, domain.ErrTransient, err)
	}
	if s.Stage.Terminal() {
		c.releaseJob(jobID)
	}
	if s.Stage != before {
		observability.SessionsByStage.WithLabelValues(string(before)).Dec()
		observability.SessionsByStage.WithLabelValues(string(s.Stage)).Inc()
		slog.Info("session advanced",
			slog.String("job_id", jobID),
			slog.String("from", string(before)),
			slog.String("to", string(s.Stage)))
	}
	return nil
}

// load fetches the session or, when events arrive out of order, builds a
// skeleton so no observation is ever dropped.
func (c *Coordinator) load(ctx context.Context, jobID string, env domain.Envelope) (domain.Session, error) {
	s, err := c.repo.Get(ctx, jobID)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, domain.ErrNotFound):
		observability.SessionsByStage.WithLabelValues(string(domain.StageSubmitted)).Inc()
		return domain.Session{
			JobID:          jobID,
			OrganizationID: env.TenantID,
			CreatedAt:      env.OccurredAt,
			Stage:          domain.StageSubmitted,
			Resumes:        map[string]domain.ResumeState{},
		}, nil
	default:
		return domain.Session{}, fmt.Errorf("op=session job=%s: %w: %v", jobID, domain.ErrTransient, err)
	}
}

// resumeRef extracts the resume id common to every resume-scoped payload.
type resumeRef struct {
	ResumeID string `json:"resume_id"`
}

func (c *Coordinator) apply(s *domain.Session, env domain.Envelope) error {
	if domain.IsDLQSubject(env.Subject) {
		return c.applyDLQ(s, env)
	}
	switch env.Subject {
	case domain.SubjectJobSubmitted:
		var p domain.JobSubmittedPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if p.OrganizationID != "" {
			s.OrganizationID = p.OrganizationID
		}
		if !p.SubmittedAt.IsZero() {
			s.CreatedAt = p.SubmittedAt
		}
	case domain.SubjectJdExtracted:
		s.JdExtracted = true
	case domain.SubjectResumeSubmitted:
		return c.raiseResume(s, env, domain.ResumeSubmitted)
	case domain.SubjectResumeParsed:
		return c.raiseResume(s, env, domain.ResumeParsed)
	case domain.SubjectMatchScored:
		return c.raiseResume(s, env, domain.ResumeScored)
	case domain.SubjectReportGenerated:
		return c.raiseResume(s, env, domain.ResumeReported)
	default:
		slog.Warn("session observed unknown subject", slog.String("subject", env.Subject))
	}
	return nil
}

// raiseResume advances one resume's sub-state, never lowering it. Unknown
// resumes are admitted so out-of-order observation still counts uniquely.
func (c *Coordinator) raiseResume(s *domain.Session, env domain.Envelope, to domain.ResumeState) error {
	var ref resumeRef
	if err := env.DecodePayload(&ref); err != nil {
		return err
	}
	if ref.ResumeID == "" {
		return fmt.Errorf("op=session subject=%s: missing resume id: %w", env.Subject, domain.ErrSchemaInvalid)
	}
	cur, known := s.Resumes[ref.ResumeID]
	if known && (cur == domain.ResumeFailed || cur.Rank() >= to.Rank()) {
		return nil
	}
	s.Resumes[ref.ResumeID] = to
	return nil
}

// applyDLQ folds a dead-letter observation: a resume-scoped DLQ fails only
// that resume, a JD-scoped DLQ fails the whole session.
func (c *Coordinator) applyDLQ(s *domain.Session, env domain.Envelope) error {
	reason := "dead-lettered on " + env.Subject
	if env.Failure != nil && env.Failure.Reason != "" {
		reason = env.Failure.Reason
	}
	switch domain.OriginalSubject(env.Subject) {
	case domain.SubjectJobSubmitted, domain.SubjectJdExtracted:
		s.Stage = domain.StageFailed
		s.LastError = reason
	case domain.SubjectResumeSubmitted, domain.SubjectResumeParsed,
		domain.SubjectMatchScored, domain.SubjectReportGenerated:
		var ref resumeRef
		if err := env.DecodePayload(&ref); err != nil {
			return err
		}
		if ref.ResumeID == "" {
			return fmt.Errorf("op=session subject=%s: missing resume id: %w", env.Subject, domain.ErrSchemaInvalid)
		}
		s.Resumes[ref.ResumeID] = domain.ResumeFailed
		s.LastError = reason
	}
	return nil
}

// recompute derives counts and stage from the resume map. The stage only
// ever climbs; Failed is terminal.
func recompute(s *domain.Session, now time.Time) {
	var counts domain.SessionCounts
	reported := 0
	for _, st := range s.Resumes {
		counts.Submitted++
		if st == domain.ResumeFailed {
			counts.Failed++
			continue
		}
		if st.Rank() >= domain.ResumeParsed.Rank() {
			counts.Parsed++
		}
		if st.Rank() >= domain.ResumeScored.Rank() {
			counts.Scored++
		}
		if st.Rank() >= domain.ResumeReported.Rank() {
			reported++
		}
	}
	s.Counts = counts
	s.Reported = reported

	if s.Stage == domain.StageFailed {
		if s.TerminalAt == nil {
			s.TerminalAt = &now
		}
		return
	}

	target := domain.StageSubmitted
	active := s.ActiveResumes()
	if s.JdExtracted {
		target = domain.StageJdExtracted
		// Denominators exclude failed resumes so one dead resume does not
		// stall the rest of the session.
		if active > 0 && counts.Parsed >= active {
			target = domain.StageResumesParsed
		}
		if active > 0 && counts.Scored >= active {
			target = domain.StageScored
		}
		if active > 0 && reported >= active {
			target = domain.StageReported
		}
	}
	if target.Rank() > s.Stage.Rank() {
		s.Stage = target
	}
	if s.Stage == domain.StageReported && s.TerminalAt == nil {
		s.TerminalAt = &now
	}
}
