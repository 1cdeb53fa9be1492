// Package resumeparse turns uploaded resume blobs into structured ResumeDto
// events: verified download, format-sniffed text extraction, LLM field
// extraction, and local experience computation.
package resumeparse

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hirelens/pipeline/internal/adapter/fileparse"
	"github.com/hirelens/pipeline/internal/adapter/llm"
	"github.com/hirelens/pipeline/internal/domain"
	"github.com/hirelens/pipeline/pkg/textx"
)

const (
	// Group is the consumer group name on job.resume.submitted.
	Group = "resume-parsers"

	maxCompletionTokens = 2000
	idemTTL             = 48 * time.Hour
)

// Handler consumes job.resume.submitted envelopes.
type Handler struct {
	bus      domain.Bus
	store    domain.ObjectStore
	idem     domain.IdempotencyStore
	llm      domain.LLMClient
	maxBytes int64
	now      func() time.Time
}

// New constructs the parser handler. maxBytes caps the downloaded blob.
func New(bus domain.Bus, store domain.ObjectStore, idem domain.IdempotencyStore, client domain.LLMClient, maxBytes int64) *Handler {
	return &Handler{bus: bus, store: store, idem: idem, llm: client, maxBytes: maxBytes, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source, used by tests.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// parse is the JSON document the LLM returns.
type parse struct {
	ContactInfo struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Phone string `json:"phone"`
	} `json:"contactInfo"`
	Skills         []string `json:"skills"`
	SoftSkills     []string `json:"softSkills"`
	WorkExperience []struct {
		Company     string  `json:"company"`
		Title       string  `json:"title"`
		StartDate   string  `json:"startDate"`
		EndDate     *string `json:"endDate"`
		Description string  `json:"description"`
	} `json:"workExperience"`
	Education []struct {
		Institution string `json:"institution"`
		Level       string `json:"level"`
		Field       string `json:"field"`
	} `json:"education"`
}

// Handle parses one submitted resume and publishes analysis.resume.parsed.
func (h *Handler) Handle(ctx context.Context, env domain.Envelope) error {
	var payload domain.ResumeSubmittedPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	if payload.JobID == "" || payload.ResumeID == "" || payload.RawFileRef.FileID == "" {
		return fmt.Errorf("op=resumeparse: missing ids: %w", domain.ErrSchemaInvalid)
	}

	key := "resume:" + payload.JobID + ":" + payload.ResumeID
	if cached, ok, err := h.idem.Get(ctx, key); err == nil && ok {
		var prev domain.Envelope
		if err := json.Unmarshal(cached, &prev); err == nil {
			slog.Debug("duplicate resume submission, re-publishing recorded parse",
				slog.String("job_id", payload.JobID),
				slog.String("resume_id", payload.ResumeID))
			return h.bus.Publish(ctx, domain.SubjectResumeParsed, prev)
		}
	}

	data, err := h.download(ctx, payload.RawFileRef)
	if err != nil {
		return fmt.Errorf("op=resumeparse resume=%s: %w", payload.ResumeID, err)
	}
	text, contentType, err := fileparse.ExtractText(data)
	if err != nil {
		return fmt.Errorf("op=resumeparse resume=%s: %w", payload.ResumeID, err)
	}

	system, user, err := llm.RenderPrompt("resume_parse", text)
	if err != nil {
		return err
	}
	raw, err := h.llm.ChatJSON(ctx, system, user, maxCompletionTokens)
	if err != nil {
		return fmt.Errorf("op=resumeparse resume=%s: %w", payload.ResumeID, err)
	}

	var p parse
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return fmt.Errorf("op=resumeparse resume=%s: invalid json from vendor: %w", payload.ResumeID, domain.ErrSchemaInvalid)
	}
	resume, err := h.toDto(payload, p)
	if err != nil {
		return err
	}
	if err := domain.ValidateResume(resume, h.now()); err != nil {
		return err
	}

	out, err := domain.NewEnvelope(domain.SubjectResumeParsed, payload.JobID, env.MessageID, env.TenantID, resume)
	if err != nil {
		return err
	}
	if err := h.bus.Publish(ctx, domain.SubjectResumeParsed, out); err != nil {
		return err
	}
	if b, err := json.Marshal(out); err == nil {
		if err := h.idem.Put(ctx, key, b, idemTTL); err != nil {
			slog.Warn("idempotency record failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	slog.Info("resume parsed",
		slog.String("job_id", payload.JobID),
		slog.String("resume_id", payload.ResumeID),
		slog.String("content_type", contentType),
		slog.Float64("total_years", resume.TotalYearsExperience))
	return nil
}

// download streams the blob, enforcing the size cap and verifying the
// checksum carried in the event. Mismatches and oversize are permanent.
func (h *Handler) download(ctx context.Context, ref domain.RawFileRef) ([]byte, error) {
	info, err := h.store.Stat(ctx, ref.FileID)
	if err != nil {
		return nil, err
	}
	if h.maxBytes > 0 && info.Size > h.maxBytes {
		return nil, fmt.Errorf("file size %d exceeds cap %d: %w", info.Size, h.maxBytes, domain.ErrPayloadTooLarge)
	}
	rc, err := h.store.OpenRead(ctx, ref.FileID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read blob: %v", domain.ErrTransient, err)
	}
	sum := blake2b.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != ref.Checksum {
		return nil, fmt.Errorf("file %s: %w", ref.FileID, domain.ErrChecksumMismatch)
	}
	return data, nil
}

func (h *Handler) toDto(payload domain.ResumeSubmittedPayload, p parse) (domain.ResumeDto, error) {
	resume := domain.ResumeDto{
		ResumeID: payload.ResumeID,
		JobID:    payload.JobID,
		ContactInfo: domain.ContactInfo{
			Name:  p.ContactInfo.Name,
			Email: p.ContactInfo.Email,
			Phone: p.ContactInfo.Phone,
		},
		Skills:     textx.NormalizeSet(p.Skills),
		SoftSkills: textx.NormalizeSet(p.SoftSkills),
		RawFileRef: payload.RawFileRef,
	}
	for i, e := range p.WorkExperience {
		start, err := time.Parse("2006-01-02", e.StartDate)
		if err != nil {
			return domain.ResumeDto{}, fmt.Errorf("op=resumeparse: experience %d bad startDate %q: %w", i, e.StartDate, domain.ErrSchemaInvalid)
		}
		var end *time.Time
		if e.EndDate != nil {
			t, err := time.Parse("2006-01-02", *e.EndDate)
			if err != nil {
				return domain.ResumeDto{}, fmt.Errorf("op=resumeparse: experience %d bad endDate %q: %w", i, *e.EndDate, domain.ErrSchemaInvalid)
			}
			end = &t
		}
		resume.WorkExperience = append(resume.WorkExperience, domain.Experience{
			Company:     e.Company,
			Title:       e.Title,
			StartDate:   start,
			EndDate:     end,
			Description: e.Description,
		})
	}
	for _, d := range p.Education {
		resume.Education = append(resume.Education, domain.Degree{
			Institution: d.Institution,
			Level:       domain.EducationLevel(d.Level),
			Field:       d.Field,
		})
	}
	resume.TotalYearsExperience = TotalYears(resume.WorkExperience, h.now())
	return resume, nil
}
