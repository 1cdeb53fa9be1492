// Package jdextract turns submitted job description text into a structured
// JdDto via the LLM adapter and publishes analysis.jd.extracted.
package jdextract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hirelens/pipeline/internal/adapter/llm"
	"github.com/hirelens/pipeline/internal/domain"
)

const (
	// Group is the consumer group name on job.jd.submitted.
	Group = "jd-extractors"

	maxCompletionTokens = 1500
	idemTTL             = 48 * time.Hour
)

// Handler consumes job.jd.submitted envelopes.
type Handler struct {
	bus  domain.Bus
	idem domain.IdempotencyStore
	llm  domain.LLMClient
}

// New constructs the extractor handler.
func New(bus domain.Bus, idem domain.IdempotencyStore, client domain.LLMClient) *Handler {
	return &Handler{bus: bus, idem: idem, llm: client}
}

// extraction is the JSON document the LLM returns.
type extraction struct {
	JobTitle       string `json:"jobTitle"`
	RequiredSkills []struct {
		Name      string  `json:"name"`
		Weight    float64 `json:"weight"`
		Mandatory bool    `json:"mandatory"`
	} `json:"requiredSkills"`
	ExperienceYears struct {
		Min int  `json:"min"`
		Max *int `json:"max"`
	} `json:"experienceYears"`
	EducationLevel string   `json:"educationLevel"`
	SoftSkills     []string `json:"softSkills"`
}

// Handle extracts a JdDto from the submitted text. Duplicate deliveries
// re-publish the recorded result instead of calling the vendor again.
func (h *Handler) Handle(ctx context.Context, env domain.Envelope) error {
	var payload domain.JobSubmittedPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}
	if payload.JobID == "" || payload.Text == "" {
		return fmt.Errorf("op=jdextract: missing jobId or text: %w", domain.ErrSchemaInvalid)
	}

	key := "jd:" + payload.JobID
	if cached, ok, err := h.idem.Get(ctx, key); err == nil && ok {
		var prev domain.Envelope
		if err := json.Unmarshal(cached, &prev); err == nil {
			slog.Debug("duplicate jd submission, re-publishing recorded extraction",
				slog.String("job_id", payload.JobID))
			return h.bus.Publish(ctx, domain.SubjectJdExtracted, prev)
		}
	}

	system, user, err := llm.RenderPrompt("jd_extract", payload.Text)
	if err != nil {
		return err
	}
	raw, err := h.llm.ChatJSON(ctx, system, user, maxCompletionTokens)
	if err != nil {
		return fmt.Errorf("op=jdextract job=%s: %w", payload.JobID, err)
	}

	var ext extraction
	if err := json.Unmarshal([]byte(raw), &ext); err != nil {
		return fmt.Errorf("op=jdextract job=%s: invalid json from vendor: %w", payload.JobID, domain.ErrSchemaInvalid)
	}
	jd := domain.JdDto{
		JobID:           payload.JobID,
		JobTitle:        ext.JobTitle,
		ExperienceYears: domain.YearsRange{Min: ext.ExperienceYears.Min, Max: ext.ExperienceYears.Max},
		EducationLevel:  domain.EducationLevel(ext.EducationLevel),
		SoftSkills:      ext.SoftSkills,
	}
	for _, s := range ext.RequiredSkills {
		jd.RequiredSkills = append(jd.RequiredSkills, domain.SkillRequirement{
			Name: s.Name, Weight: s.Weight, Mandatory: s.Mandatory,
		})
	}
	if err := domain.ValidateJd(jd); err != nil {
		return err
	}

	out, err := domain.NewEnvelope(domain.SubjectJdExtracted, payload.JobID, env.MessageID, env.TenantID, jd)
	if err != nil {
		return err
	}
	if err := h.bus.Publish(ctx, domain.SubjectJdExtracted, out); err != nil {
		return err
	}
	if b, err := json.Marshal(out); err == nil {
		if err := h.idem.Put(ctx, key, b, idemTTL); err != nil {
			slog.Warn("idempotency record failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	slog.Info("jd extracted",
		slog.String("job_id", payload.JobID),
		slog.String("job_title", jd.JobTitle),
		slog.Int("required_skills", len(jd.RequiredSkills)))
	return nil
}
