package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/hirelens/pipeline/internal/adapter/fileparse"
	"github.com/hirelens/pipeline/internal/config"
	"github.com/hirelens/pipeline/internal/domain"
	"github.com/hirelens/pipeline/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Submit     usecase.SubmitService
	Query      usecase.QueryService
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	BusCheck   func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, query usecase.QueryService, dbCheck, redisCheck, busCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Submit: submit, Query: query, DBCheck: dbCheck, RedisCheck: redisCheck, BusCheck: busCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// acceptsJSON rejects requests that negotiate away from JSON responses.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
		writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
			Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a},
		}})
		return false
	}
	return true
}

// SubmitJobHandler admits a job description and returns its generated id.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			OrganizationID string `json:"organization_id" validate:"required"`
			Text           string `json:"text" validate:"required,max=50000"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}
		jobID, err := s.Submit.SubmitJob(r.Context(), req.OrganizationID, req.Text)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": jobID,
			"stage":  string(domain.StageSubmitted),
		})
	}
}

// UploadResumeHandler accepts a multipart resume upload, stores the blob and
// produces job.resume.submitted.
func (s *Server) UploadResumeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		jobID := chi.URLParam(r, "jobID")
		if jobID == "" {
			writeError(w, r, fmt.Errorf("%w: job id missing", domain.ErrInvalidArgument), nil)
			return
		}
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeError(w, r, fmt.Errorf("%w: max %d MiB", domain.ErrPayloadTooLarge, s.Cfg.MaxUploadMB), nil)
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		file, header, err := r.FormFile("resume")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: resume file required", domain.ErrInvalidArgument), map[string]string{"field": "resume"})
			return
		}
		defer func() { _ = file.Close() }()

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: resume read: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if len(data) == 0 {
			writeError(w, r, fmt.Errorf("%w: empty resume file", domain.ErrInvalidArgument), nil)
			return
		}

		// Allowlist by sniffed content, never by file extension.
		m := mimetype.Detect(data)
		if !fileparse.Supported(m.String()) {
			writeJSON(w, http.StatusUnsupportedMediaType, errorEnvelope{Error: apiError{
				Code:    "INVALID_ARGUMENT",
				Message: "unsupported media type",
				Details: map[string]any{"mime": m.String(), "filename": header.Filename},
			}})
			return
		}

		resumeID, info, err := s.Submit.SubmitResume(r.Context(), jobID, r.Header.Get("X-Organization-Id"), bytes.NewReader(data), m.String())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":    jobID,
			"resume_id": resumeID,
			"file_id":   info.FileID,
			"size":      info.Size,
			"checksum":  info.Checksum,
		})
	}
}

// SessionHandler returns the coordinator's session snapshot for a job.
func (s *Server) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		jobID := chi.URLParam(r, "jobID")
		if jobID == "" {
			writeError(w, r, fmt.Errorf("%w: job id missing", domain.ErrInvalidArgument), nil)
			return
		}
		snap, err := s.Query.Snapshot(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// ReadyzHandler probes the Postgres, Redis and bus connections.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		probe := func(name string, fn func(context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: name, OK: true})
			}
		}
		probe("db", s.DBCheck)
		probe("redis", s.RedisCheck)
		probe("bus", s.BusCheck)
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
