package resumeparse_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/hirelens/pipeline/internal/domain"
	"github.com/hirelens/pipeline/internal/worker/resumeparse"
)

type sentEnv struct {
	subject string
	env     domain.Envelope
}

type fakeBus struct {
	mu   sync.Mutex
	sent []sentEnv
}

func (b *fakeBus) Publish(_ context.Context, subject string, env domain.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentEnv{subject, env})
	return nil
}

type memIdem struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemIdem() *memIdem { return &memIdem{data: map[string][]byte{}} }

func (m *memIdem) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memIdem) Put(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

type memObjectStore struct {
	files map[string][]byte
	infos map[string]domain.FileInfo
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{files: map[string][]byte{}, infos: map[string]domain.FileInfo{}}
}

func (s *memObjectStore) Put(_ context.Context, r io.Reader, contentType string) (domain.FileInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return domain.FileInfo{}, err
	}
	sum := blake2b.Sum256(data)
	info := domain.FileInfo{
		FileID:      fmt.Sprintf("file-%d", len(s.files)+1),
		Size:        int64(len(data)),
		ContentType: contentType,
		Checksum:    hex.EncodeToString(sum[:]),
		CreatedAt:   time.Now().UTC(),
	}
	s.files[info.FileID] = data
	s.infos[info.FileID] = info
	return info, nil
}

func (s *memObjectStore) OpenRead(_ context.Context, fileID string) (io.ReadCloser, error) {
	data, ok := s.files[fileID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memObjectStore) Stat(_ context.Context, fileID string) (domain.FileInfo, error) {
	info, ok := s.infos[fileID]
	if !ok {
		return domain.FileInfo{}, domain.ErrNotFound
	}
	return info, nil
}

type fakeLLM struct {
	mu    sync.Mutex
	calls int
	out   string
	err   error
}

func (f *fakeLLM) ChatJSON(context.Context, string, string, int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

func (f *fakeLLM) ModelVersion() string { return "fake" }

const llmParse = `{
  "contactInfo": {"name": "Jane Doe", "email": "jane@example.com", "phone": ""},
  "skills": ["Go", "  KAFKA ", "go"],
  "softSkills": ["Leadership"],
  "workExperience": [
    {"company": "Acme", "title": "Engineer", "startDate": "2018-01-01", "endDate": "2020-01-01", "description": ""},
    {"company": "Globex", "title": "Senior", "startDate": "2021-01-01", "endDate": null, "description": ""}
  ],
  "education": [{"institution": "State U", "level": "bachelor", "field": "CS"}]
}`

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func submit(t *testing.T, store *memObjectStore, content []byte) domain.Envelope {
	t.Helper()
	info, err := store.Put(context.Background(), bytes.NewReader(content), "text/plain")
	require.NoError(t, err)
	payload := domain.ResumeSubmittedPayload{
		JobID:    "job-1",
		ResumeID: "r1",
		RawFileRef: domain.RawFileRef{
			FileID:   info.FileID,
			Checksum: info.Checksum,
		},
		ContentType: "text/plain",
		SubmittedAt: fixedNow(),
	}
	env, err := domain.NewEnvelope(domain.SubjectResumeSubmitted, "job-1", "", "org-1", payload)
	require.NoError(t, err)
	return env
}

func TestHandle_ParsesAndPublishes(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	store := newMemObjectStore()
	client := &fakeLLM{out: llmParse}
	h := resumeparse.New(bus, store, newMemIdem(), client, 10<<20).WithClock(fixedNow)

	env := submit(t, store, []byte("Jane Doe, Go developer since 2018."))
	require.NoError(t, h.Handle(context.Background(), env))

	require.Len(t, bus.sent, 1)
	assert.Equal(t, domain.SubjectResumeParsed, bus.sent[0].subject)
	assert.Equal(t, env.MessageID, bus.sent[0].env.CausationID)

	var resume domain.ResumeDto
	require.NoError(t, bus.sent[0].env.DecodePayload(&resume))
	assert.Equal(t, "r1", resume.ResumeID)
	assert.Equal(t, []string{"go", "kafka"}, resume.Skills, "normalized and deduplicated")
	// 2018-2020 plus 2021-now(2026): 2 + 5 years, computed locally.
	assert.InDelta(t, 7.0, resume.TotalYearsExperience, 0.05)
	assert.Equal(t, "Jane Doe", resume.ContactInfo.Name)
}

func TestHandle_ChecksumMismatchIsPermanent(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	store := newMemObjectStore()
	h := resumeparse.New(bus, store, newMemIdem(), &fakeLLM{out: llmParse}, 10<<20).WithClock(fixedNow)

	env := submit(t, store, []byte("some resume text"))
	var payload domain.ResumeSubmittedPayload
	require.NoError(t, env.DecodePayload(&payload))
	payload.RawFileRef.Checksum = "deadbeef"
	tampered, err := domain.NewEnvelope(domain.SubjectResumeSubmitted, "job-1", "", "org-1", payload)
	require.NoError(t, err)

	err = h.Handle(context.Background(), tampered)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrChecksumMismatch)
	assert.Equal(t, domain.FailurePermanent, domain.Classify(err))
	assert.Empty(t, bus.sent)
}

func TestHandle_OversizedFileIsPermanent(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	store := newMemObjectStore()
	h := resumeparse.New(bus, store, newMemIdem(), &fakeLLM{out: llmParse}, 16).WithClock(fixedNow)

	env := submit(t, store, []byte("this resume body is longer than sixteen bytes"))
	err := h.Handle(context.Background(), env)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPayloadTooLarge)
}

func TestHandle_DuplicateSkipsVendor(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	store := newMemObjectStore()
	client := &fakeLLM{out: llmParse}
	h := resumeparse.New(bus, store, newMemIdem(), client, 10<<20).WithClock(fixedNow)

	env := submit(t, store, []byte("Jane Doe, Go developer."))
	require.NoError(t, h.Handle(context.Background(), env))
	require.NoError(t, h.Handle(context.Background(), env))

	assert.Equal(t, 1, client.calls, "duplicate replays the recorded result")
	require.Len(t, bus.sent, 2)
	assert.Equal(t, bus.sent[0].env.MessageID, bus.sent[1].env.MessageID)
}

func TestHandle_VendorTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	store := newMemObjectStore()
	h := resumeparse.New(bus, store, newMemIdem(), &fakeLLM{err: domain.ErrUpstreamTimeout}, 10<<20).WithClock(fixedNow)

	env := submit(t, store, []byte("Jane Doe, Go developer."))
	err := h.Handle(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, domain.FailureTransient, domain.Classify(err))
}

func TestHandle_VendorGarbageIsPermanent(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	store := newMemObjectStore()
	h := resumeparse.New(bus, store, newMemIdem(), &fakeLLM{out: "not json"}, 10<<20).WithClock(fixedNow)

	env := submit(t, store, []byte("Jane Doe, Go developer."))
	err := h.Handle(context.Background(), env)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
}
