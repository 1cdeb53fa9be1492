package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Pipeline subjects. Each has a dlq.<subject> twin.
const (
	SubjectJobSubmitted    = "job.jd.submitted"
	SubjectResumeSubmitted = "job.resume.submitted"
	SubjectJdExtracted     = "analysis.jd.extracted"
	SubjectResumeParsed    = "analysis.resume.parsed"
	SubjectMatchScored     = "analysis.match.scored"
	SubjectReportGenerated = "analysis.report.generated"
)

// SchemaVersion is stamped on every envelope this build publishes. Consumers
// accept any same-major version.
const SchemaVersion = "1.0.0"

// DLQPrefix marks the dead-letter twin of a subject.
const DLQPrefix = "dlq."

// PipelineSubjects lists every subject the session coordinator observes.
var PipelineSubjects = []string{
	SubjectJobSubmitted,
	SubjectResumeSubmitted,
	SubjectJdExtracted,
	SubjectResumeParsed,
	SubjectMatchScored,
	SubjectReportGenerated,
}

// DLQSubject returns the dead-letter twin of subject.
func DLQSubject(subject string) string { return DLQPrefix + subject }

// IsDLQSubject reports whether subject is a dead-letter subject.
func IsDLQSubject(subject string) bool { return strings.HasPrefix(subject, DLQPrefix) }

// OriginalSubject strips the DLQ prefix, returning the source subject.
func OriginalSubject(subject string) string { return strings.TrimPrefix(subject, DLQPrefix) }

// FailureAnnotation is attached to an envelope when it is routed to a DLQ.
type FailureAnnotation struct {
	Reason      string    `json:"reason"`
	Stack       string    `json:"stack,omitempty"`
	LastAttempt time.Time `json:"last_attempt"`
}

// Envelope is the transport wrapper for every bus message. MessageID is
// unique per publish; CorrelationID is always the jobId; CausationID is the
// MessageID of the event that triggered this one.
type Envelope struct {
	MessageID     string             `json:"message_id"`
	CorrelationID string             `json:"correlation_id"`
	CausationID   string             `json:"causation_id,omitempty"`
	OccurredAt    time.Time          `json:"occurred_at"`
	Attempt       int                `json:"attempt"`
	Subject       string             `json:"subject"`
	TenantID      string             `json:"tenant_id"`
	SchemaVersion string             `json:"schema_version"`
	Payload       json.RawMessage    `json:"payload"`
	Failure       *FailureAnnotation `json:"failure,omitempty"`
}

// NewEnvelope wraps payload for subject, marshaling it to JSON. correlationID
// is the jobId; causationID may be empty for admission-layer events.
func NewEnvelope(subject, correlationID, causationID, tenantID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("op=envelope.marshal subject=%s: %w", subject, err)
	}
	return Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: correlationID,
		CausationID:   causationID,
		OccurredAt:    time.Now().UTC(),
		Attempt:       1,
		Subject:       subject,
		TenantID:      tenantID,
		SchemaVersion: SchemaVersion,
		Payload:       b,
	}, nil
}

// DecodePayload unmarshals the envelope payload into v. A malformed payload
// is a permanent failure.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("op=envelope.decode subject=%s: %w: %v", e.Subject, ErrSchemaInvalid, err)
	}
	return nil
}

// AcceptSchema reports whether an incoming schema version can be consumed:
// same major version, any minor/patch.
func AcceptSchema(version string) bool {
	if version == "" {
		return false
	}
	want, _, _ := strings.Cut(SchemaVersion, ".")
	got, _, _ := strings.Cut(version, ".")
	return want == got
}

// WithFailure returns a copy of e annotated for dead-lettering. The
// MessageID is preserved so DLQ entries can be traced to the original
// delivery.
func (e Envelope) WithFailure(reason, stack string) Envelope {
	out := e
	out.Failure = &FailureAnnotation{Reason: reason, Stack: stack, LastAttempt: time.Now().UTC()}
	return out
}

// NextAttempt returns a copy of e with the attempt counter bumped for
// redelivery. Identity fields are untouched.
func (e Envelope) NextAttempt() Envelope {
	out := e
	out.Attempt++
	return out
}
