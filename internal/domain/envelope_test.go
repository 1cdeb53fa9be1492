package domain_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirelens/pipeline/internal/domain"
)

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	payload := domain.JobSubmittedPayload{JobID: "job-1", Text: "Senior Go engineer"}
	env, err := domain.NewEnvelope(domain.SubjectJobSubmitted, "job-1", "", "org-1", payload)
	require.NoError(t, err)

	assert.NotEmpty(t, env.MessageID)
	assert.Equal(t, "job-1", env.CorrelationID)
	assert.Empty(t, env.CausationID)
	assert.Equal(t, 1, env.Attempt)
	assert.Equal(t, domain.SubjectJobSubmitted, env.Subject)
	assert.Equal(t, "org-1", env.TenantID)
	assert.Equal(t, domain.SchemaVersion, env.SchemaVersion)
	assert.False(t, env.OccurredAt.IsZero())

	var decoded domain.JobSubmittedPayload
	require.NoError(t, env.DecodePayload(&decoded))
	assert.Equal(t, payload, decoded)
}

func TestNewEnvelope_UniqueMessageIDs(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		env, err := domain.NewEnvelope(domain.SubjectJobSubmitted, "job-1", "", "", struct{}{})
		require.NoError(t, err)
		assert.False(t, seen[env.MessageID])
		seen[env.MessageID] = true
	}
}

func TestDecodePayload_MalformedIsPermanent(t *testing.T) {
	t.Parallel()

	env := domain.Envelope{Subject: domain.SubjectJdExtracted, Payload: []byte(`{"job_id":`)}
	var dto domain.JdDto
	err := env.DecodePayload(&dto)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
}

func TestAcceptSchema(t *testing.T) {
	t.Parallel()

	assert.True(t, domain.AcceptSchema("1.0.0"))
	assert.True(t, domain.AcceptSchema("1.4.2"))
	assert.False(t, domain.AcceptSchema("2.0.0"))
	assert.False(t, domain.AcceptSchema("0.9.0"))
	assert.False(t, domain.AcceptSchema(""))
}

func TestWithFailure_PreservesMessageID(t *testing.T) {
	t.Parallel()

	env, err := domain.NewEnvelope(domain.SubjectResumeParsed, "job-1", "cause-1", "", struct{}{})
	require.NoError(t, err)

	dead := env.WithFailure("checksum mismatch", "")
	assert.Equal(t, env.MessageID, dead.MessageID)
	assert.Equal(t, env.Attempt, dead.Attempt)
	require.NotNil(t, dead.Failure)
	assert.Equal(t, "checksum mismatch", dead.Failure.Reason)
	assert.False(t, dead.Failure.LastAttempt.IsZero())
	assert.Nil(t, env.Failure)
}

func TestNextAttempt(t *testing.T) {
	t.Parallel()

	env, err := domain.NewEnvelope(domain.SubjectMatchScored, "job-1", "", "", struct{}{})
	require.NoError(t, err)

	next := env.NextAttempt()
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, env.MessageID, next.MessageID)
	assert.Equal(t, 1, env.Attempt)
}

func TestDLQSubjects(t *testing.T) {
	t.Parallel()

	for _, subject := range domain.PipelineSubjects {
		dlq := domain.DLQSubject(subject)
		assert.Equal(t, "dlq."+subject, dlq)
		assert.True(t, domain.IsDLQSubject(dlq))
		assert.False(t, domain.IsDLQSubject(subject))
		assert.Equal(t, subject, domain.OriginalSubject(dlq))
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want domain.FailureClass
	}{
		{domain.ErrPermanent, domain.FailurePermanent},
		{domain.ErrSchemaInvalid, domain.FailurePermanent},
		{domain.ErrChecksumMismatch, domain.FailurePermanent},
		{domain.ErrPayloadTooLarge, domain.FailurePermanent},
		{domain.ErrInvalidArgument, domain.FailurePermanent},
		{domain.ErrTransient, domain.FailureTransient},
		{domain.ErrUpstreamTimeout, domain.FailureTransient},
		{domain.ErrUpstreamRateLimit, domain.FailureTransient},
		{assert.AnError, domain.FailureLogic},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, domain.Classify(tc.err), "error %v", tc.err)
	}

	wrapped := fmt.Errorf("op=parse job=j1: %w: pdf header missing", domain.ErrSchemaInvalid)
	assert.Equal(t, domain.FailurePermanent, domain.Classify(wrapped))
}

func TestFailureCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "SCHEMA_INVALID", domain.FailureCode("schema invalid: missing job_id"))
	assert.Equal(t, "CHECKSUM_MISMATCH", domain.FailureCode("blob checksum mismatch"))
	assert.Equal(t, "PAYLOAD_TOO_LARGE", domain.FailureCode("file too large"))
	assert.Equal(t, "UPSTREAM_RATE_LIMIT", domain.FailureCode("vendor rate limit hit"))
	assert.Equal(t, "UPSTREAM_TIMEOUT", domain.FailureCode("context deadline exceeded"))
	assert.Equal(t, "NOT_FOUND", domain.FailureCode("blob not found"))
	assert.Equal(t, "INTERNAL", domain.FailureCode(""))
	assert.Equal(t, "INTERNAL", domain.FailureCode("something odd"))
}
