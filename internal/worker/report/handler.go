// Package report renders the terminal ReportDto for every scored match and
// publishes analysis.report.generated, the pipeline's public egress subject.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hirelens/pipeline/internal/domain"
)

const (
	// Group is the consumer group name on analysis.match.scored.
	Group = "report-generators"

	idemTTL = 48 * time.Hour
)

// Handler consumes analysis.match.scored envelopes.
type Handler struct {
	bus          domain.Bus
	idem         domain.IdempotencyStore
	modelVersion string
	now          func() time.Time
}

// New constructs the report handler. modelVersion stamps every report with
// the extraction model that produced its inputs ("mock" offline).
func New(bus domain.Bus, idem domain.IdempotencyStore, modelVersion string) *Handler {
	return &Handler{bus: bus, idem: idem, modelVersion: modelVersion, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source, used by tests.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// Handle renders and publishes one report per (jobId, resumeId).
func (h *Handler) Handle(ctx context.Context, env domain.Envelope) error {
	var score domain.ScoreDto
	if err := env.DecodePayload(&score); err != nil {
		return err
	}
	if score.JobID == "" || score.ResumeID == "" {
		return fmt.Errorf("op=report: missing ids: %w", domain.ErrSchemaInvalid)
	}

	key := "report:" + score.JobID + ":" + score.ResumeID
	if cached, ok, err := h.idem.Get(ctx, key); err == nil && ok {
		var prev domain.Envelope
		if err := json.Unmarshal(cached, &prev); err == nil {
			slog.Debug("duplicate score, re-publishing recorded report",
				slog.String("job_id", score.JobID),
				slog.String("resume_id", score.ResumeID))
			return h.bus.Publish(ctx, domain.SubjectReportGenerated, prev)
		}
	}

	jd, jdKnown := h.lookupJd(ctx, score.JobID)
	resume, resumeKnown := h.lookupResume(ctx, score.JobID, score.ResumeID)

	rep := Compose(score, jd, jdKnown, resume, resumeKnown)
	rep.GeneratedAt = h.now()
	rep.ModelVersion = h.modelVersion

	out, err := domain.NewEnvelope(domain.SubjectReportGenerated, score.JobID, env.MessageID, env.TenantID, rep)
	if err != nil {
		return err
	}
	if err := h.bus.Publish(ctx, domain.SubjectReportGenerated, out); err != nil {
		return err
	}
	if b, err := json.Marshal(out); err == nil {
		if err := h.idem.Put(ctx, key, b, idemTTL); err != nil {
			slog.Warn("idempotency record failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	slog.Info("report generated",
		slog.String("job_id", score.JobID),
		slog.String("resume_id", score.ResumeID),
		slog.String("decision", string(rep.Decision)))
	return nil
}

// lookupJd reads the extractor's recorded result so strengths and concerns
// can be ranked by requirement weight. A cache miss degrades composition
// instead of failing the report.
func (h *Handler) lookupJd(ctx context.Context, jobID string) (domain.JdDto, bool) {
	cached, ok, err := h.idem.Get(ctx, "jd:"+jobID)
	if err != nil || !ok {
		return domain.JdDto{}, false
	}
	var env domain.Envelope
	if err := json.Unmarshal(cached, &env); err != nil {
		return domain.JdDto{}, false
	}
	var jd domain.JdDto
	if err := env.DecodePayload(&jd); err != nil {
		return domain.JdDto{}, false
	}
	return jd, true
}

func (h *Handler) lookupResume(ctx context.Context, jobID, resumeID string) (domain.ResumeDto, bool) {
	cached, ok, err := h.idem.Get(ctx, "resume:"+jobID+":"+resumeID)
	if err != nil || !ok {
		return domain.ResumeDto{}, false
	}
	var env domain.Envelope
	if err := json.Unmarshal(cached, &env); err != nil {
		return domain.ResumeDto{}, false
	}
	var resume domain.ResumeDto
	if err := env.DecodePayload(&resume); err != nil {
		return domain.ResumeDto{}, false
	}
	return resume, true
}
