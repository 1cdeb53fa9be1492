// Package usecase holds the ingress services that sit between the HTTP
// admission layer and the bus.
package usecase

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/hirelens/pipeline/internal/domain"
	"github.com/hirelens/pipeline/pkg/textx"
)

// SubmitService admits jobs and resumes into the pipeline: blobs go to the
// object store first, then the corresponding event is published. Callers see
// an error only when nothing durable happened.
type SubmitService struct {
	Bus   domain.Bus
	Store domain.ObjectStore

	now   func() time.Time
	newID func() string
}

// NewSubmitService constructs a SubmitService.
func NewSubmitService(bus domain.Bus, store domain.ObjectStore) SubmitService {
	return SubmitService{
		Bus:   bus,
		Store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string {
			return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
		},
	}
}

// WithIDs overrides id and time generation, used by tests.
func (s SubmitService) WithIDs(newID func() string, now func() time.Time) SubmitService {
	s.newID = newID
	s.now = now
	return s
}

// SubmitJob admits a job description and returns the generated jobId.
func (s SubmitService) SubmitJob(ctx context.Context, organizationID, text string) (string, error) {
	tracer := otel.Tracer("usecase.submit")
	ctx, span := tracer.Start(ctx, "submit.Job")
	defer span.End()

	text = textx.SanitizeText(text)
	if organizationID == "" {
		return "", fmt.Errorf("%w: organization id required", domain.ErrInvalidArgument)
	}
	if text == "" {
		return "", fmt.Errorf("%w: empty job description", domain.ErrInvalidArgument)
	}

	jobID := s.newID()
	payload := domain.JobSubmittedPayload{
		JobID:          jobID,
		OrganizationID: organizationID,
		Text:           text,
		SubmittedAt:    s.now(),
	}
	env, err := domain.NewEnvelope(domain.SubjectJobSubmitted, jobID, "", organizationID, payload)
	if err != nil {
		return "", err
	}
	if err := s.Bus.Publish(ctx, domain.SubjectJobSubmitted, env); err != nil {
		return "", fmt.Errorf("op=submit.job: %w", err)
	}
	slog.Info("job submitted", slog.String("job_id", jobID), slog.String("organization_id", organizationID))
	return jobID, nil
}

// SubmitResume stores the uploaded blob and publishes job.resume.submitted.
// The blob write happens first so a failed publish leaves nothing dangling
// but an orphan blob for the retention job.
func (s SubmitService) SubmitResume(ctx context.Context, jobID, organizationID string, r io.Reader, contentType string) (string, domain.FileInfo, error) {
	tracer := otel.Tracer("usecase.submit")
	ctx, span := tracer.Start(ctx, "submit.Resume")
	defer span.End()

	if jobID == "" {
		return "", domain.FileInfo{}, fmt.Errorf("%w: job id required", domain.ErrInvalidArgument)
	}

	info, err := s.Store.Put(ctx, r, contentType)
	if err != nil {
		return "", domain.FileInfo{}, fmt.Errorf("op=submit.resume job=%s: %w", jobID, err)
	}

	resumeID := s.newID()
	payload := domain.ResumeSubmittedPayload{
		JobID:    jobID,
		ResumeID: resumeID,
		RawFileRef: domain.RawFileRef{
			FileID:   info.FileID,
			Checksum: info.Checksum,
		},
		ContentType: contentType,
		SubmittedAt: s.now(),
	}
	env, err := domain.NewEnvelope(domain.SubjectResumeSubmitted, jobID, "", organizationID, payload)
	if err != nil {
		return "", domain.FileInfo{}, err
	}
	if err := s.Bus.Publish(ctx, domain.SubjectResumeSubmitted, env); err != nil {
		return "", domain.FileInfo{}, fmt.Errorf("op=submit.resume job=%s: %w", jobID, err)
	}
	slog.Info("resume submitted",
		slog.String("job_id", jobID),
		slog.String("resume_id", resumeID),
		slog.String("file_id", info.FileID),
		slog.Int64("size", info.Size))
	return resumeID, info, nil
}
