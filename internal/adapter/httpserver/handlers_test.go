package httpserver_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/hirelens/pipeline/internal/adapter/httpserver"
	"github.com/hirelens/pipeline/internal/app"
	"github.com/hirelens/pipeline/internal/config"
	"github.com/hirelens/pipeline/internal/domain"
	"github.com/hirelens/pipeline/internal/usecase"
)

type sentEnv struct {
	subject string
	env     domain.Envelope
}

type fakeBus struct {
	mu   sync.Mutex
	sent []sentEnv
	err  error
}

func (b *fakeBus) Publish(_ context.Context, subject string, env domain.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.sent = append(b.sent, sentEnv{subject, env})
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

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: map[string]domain.Session{}}
}

func (r *memSessionRepo) Get(_ context.Context, jobID string) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[jobID]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *memSessionRepo) Upsert(_ context.Context, s domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.JobID] = s
	return nil
}

func (r *memSessionRepo) ListStale(_ context.Context, _ time.Time, _ int) ([]domain.Session, error) {
	return nil, nil
}

type testEnv struct {
	router   http.Handler
	bus      *fakeBus
	store    *memObjectStore
	sessions *memSessionRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		MaxUploadMB:      10,
		RateLimitPerMin:  1000,
		CORSAllowOrigins: "*",
	}
	bus := &fakeBus{}
	store := newMemObjectStore()
	sessions := newMemSessionRepo()
	srv := httpserver.NewServer(cfg,
		usecase.NewSubmitService(bus, store),
		usecase.NewQueryService(sessions),
		nil, nil, nil)
	return &testEnv{
		router:   app.BuildRouter(cfg, srv),
		bus:      bus,
		store:    store,
		sessions: sessions,
	}
}

func TestSubmitJob_Accepted(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t)

	body := `{"organization_id":"org-1","text":"We need an SRE with Go."}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	te.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["job_id"])
	assert.Equal(t, "submitted", resp["stage"])

	require.Len(t, te.bus.sent, 1)
	assert.Equal(t, domain.SubjectJobSubmitted, te.bus.sent[0].subject)
}

func TestSubmitJob_InvalidJSON(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	te.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")
}

func TestSubmitJob_MissingFields(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"text":"jd"}`))
	rec := httptest.NewRecorder()
	te.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "organizationid")
	assert.Empty(t, te.bus.sent)
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadResume_Accepted(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t)

	buf, ctype := multipartBody(t, "resume", "cv.txt", []byte("Jane Doe, Go developer."))
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/resumes", buf)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	te.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp["job_id"])
	assert.NotEmpty(t, resp["resume_id"])
	assert.NotEmpty(t, resp["checksum"])

	require.Len(t, te.bus.sent, 1)
	assert.Equal(t, domain.SubjectResumeSubmitted, te.bus.sent[0].subject)
	var p domain.ResumeSubmittedPayload
	require.NoError(t, te.bus.sent[0].env.DecodePayload(&p))
	_, ok := te.store.files[p.RawFileRef.FileID]
	assert.True(t, ok, "blob stored before publish")
}

func TestUploadResume_UnsupportedContent(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t)

	// PNG magic bytes: extension lies, content decides.
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}
	buf, ctype := multipartBody(t, "resume", "cv.txt", png)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/resumes", buf)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	te.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Empty(t, te.bus.sent)
}

func TestUploadResume_MissingFile(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t)

	buf, ctype := multipartBody(t, "other", "cv.txt", []byte("text"))
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/resumes", buf)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	te.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "resume file required")
}

func TestUploadResume_BusUnavailable(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t)
	te.bus.err = domain.ErrBusDisabled

	buf, ctype := multipartBody(t, "resume", "cv.txt", []byte("some text"))
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/job-1/resumes", buf)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	te.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "BUS_DISABLED")
}

func TestGetSession_ReturnsSnapshot(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t)
	require.NoError(t, te.sessions.Upsert(context.Background(), domain.Session{
		JobID:          "job-1",
		OrganizationID: "org-1",
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Stage:          domain.StageScored,
		Resumes:        map[string]domain.ResumeState{"r1": domain.ResumeScored},
		Counts:         domain.SessionCounts{Submitted: 1, Parsed: 1, Scored: 1},
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	te.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap usecase.SessionSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, domain.StageScored, snap.Stage)
	assert.Equal(t, 1, snap.Counts.Scored)
}

func TestGetSession_NotFound(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	rec := httptest.NewRecorder()
	te.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	te.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz_FailingProbe(t *testing.T) {
	t.Parallel()
	cfg := config.Config{MaxUploadMB: 10, RateLimitPerMin: 1000}
	srv := httpserver.NewServer(cfg,
		usecase.NewSubmitService(&fakeBus{}, newMemObjectStore()),
		usecase.NewQueryService(newMemSessionRepo()),
		func(context.Context) error { return nil },
		func(context.Context) error { return errors.New("redis down") },
		func(context.Context) error { return nil })
	router := app.BuildRouter(cfg, srv)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis down")
}

func TestSecurityHeadersPresent(t *testing.T) {
	t.Parallel()
	te := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	te.router.ServeHTTP(rec, req)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
