// Package domain defines the entities, events and ports of the analysis
// pipeline. Adapters depend on this package, never the other way around.
package domain

import (
	"context"
	"io"
	"time"
)

// Stage is the lifecycle stage of an analysis session.
type Stage string

const (
	StageSubmitted     Stage = "submitted"
	StageJdExtracted   Stage = "jd_extracted"
	StageResumesParsed Stage = "resumes_parsed"
	StageScored        Stage = "scored"
	StageReported      Stage = "reported"
	StageFailed        Stage = "failed"
)

// stageRank orders stages for monotonicity checks. Failed is terminal but
// outside the ladder.
var stageRank = map[Stage]int{
	StageSubmitted:     0,
	StageJdExtracted:   1,
	StageResumesParsed: 2,
	StageScored:        3,
	StageReported:      4,
}

// Rank returns the position of s on the stage ladder, or -1 for Failed.
func (s Stage) Rank() int {
	if r, ok := stageRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether the stage admits no further transitions.
func (s Stage) Terminal() bool { return s == StageReported || s == StageFailed }

// ResumeState is the per-resume sub-state within a session.
type ResumeState string

const (
	ResumeSubmitted ResumeState = "submitted"
	ResumeParsed    ResumeState = "parsed"
	ResumeScored    ResumeState = "scored"
	ResumeReported  ResumeState = "reported"
	ResumeFailed    ResumeState = "failed"
)

var resumeRank = map[ResumeState]int{
	ResumeSubmitted: 0,
	ResumeParsed:    1,
	ResumeScored:    2,
	ResumeReported:  3,
}

// Rank returns the position of r on the resume sub-state ladder, or -1 for Failed.
func (r ResumeState) Rank() int {
	if v, ok := resumeRank[r]; ok {
		return v
	}
	return -1
}

// SessionCounts aggregates per-session resume progress.
type SessionCounts struct {
	Submitted int `json:"submitted"`
	Parsed    int `json:"parsed"`
	Scored    int `json:"scored"`
	Failed    int `json:"failed"`
}

// Session is the per-jobId record owned exclusively by the session
// coordinator. Other components publish events; only the coordinator mutates
// this record.
type Session struct {
	JobID          string                 `json:"job_id"`
	OrganizationID string                 `json:"organization_id"`
	CreatedAt      time.Time              `json:"created_at"`
	Stage          Stage                  `json:"stage"`
	JdExtracted    bool                   `json:"jd_extracted"`
	Resumes        map[string]ResumeState `json:"resumes"`
	Counts         SessionCounts          `json:"counts"`
	Reported       int                    `json:"reported"`
	LastError      string                 `json:"last_error,omitempty"`
	TerminalAt     *time.Time             `json:"terminal_at,omitempty"`
}

// ActiveResumes is the number of submitted resumes that have not failed.
// Stage advancement denominators use this so one dead resume does not stall
// the rest of the session.
func (s *Session) ActiveResumes() int { return s.Counts.Submitted - s.Counts.Failed }

// EducationLevel enumerates the degree levels recognized by the scorer.
type EducationLevel string

const (
	EducationAny        EducationLevel = "any"
	EducationHighSchool EducationLevel = "highSchool"
	EducationAssociate  EducationLevel = "associate"
	EducationBachelor   EducationLevel = "bachelor"
	EducationMaster     EducationLevel = "master"
	EducationDoctorate  EducationLevel = "doctorate"
)

var educationRank = map[EducationLevel]int{
	EducationAny:        0,
	EducationHighSchool: 1,
	EducationAssociate:  2,
	EducationBachelor:   3,
	EducationMaster:     4,
	EducationDoctorate:  5,
}

// Rank maps the level onto the 0..5 ladder used by the education sub-score.
// Unknown levels rank 0.
func (e EducationLevel) Rank() int { return educationRank[e] }

// ValidEducationLevel reports whether e is a recognized level.
func ValidEducationLevel(e EducationLevel) bool {
	_, ok := educationRank[e]
	return ok
}

// SkillRequirement is a single weighted skill demanded by a job description.
type SkillRequirement struct {
	Name      string  `json:"name" validate:"required"`
	Weight    float64 `json:"weight" validate:"gte=0,lte=1"`
	Mandatory bool    `json:"mandatory"`
}

// YearsRange bounds required experience. A nil Max means unbounded.
type YearsRange struct {
	Min int  `json:"min" validate:"gte=0"`
	Max *int `json:"max,omitempty"`
}

// Unbounded reports whether the range has no upper limit.
func (y YearsRange) Unbounded() bool { return y.Max == nil }

// JdDto is the structured extraction of a job description, produced by the
// JD extractor and read-only for every consumer.
type JdDto struct {
	JobID           string             `json:"job_id" validate:"required"`
	JobTitle        string             `json:"job_title" validate:"required"`
	RequiredSkills  []SkillRequirement `json:"required_skills" validate:"required,min=1,dive"`
	ExperienceYears YearsRange         `json:"experience_years"`
	EducationLevel  EducationLevel     `json:"education_level" validate:"required"`
	SoftSkills      []string           `json:"soft_skills"`
}

// ContactInfo holds the candidate contact block. Email may be absent.
type ContactInfo struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Experience is one employment interval. A nil EndDate means "present".
type Experience struct {
	Company     string     `json:"company"`
	Title       string     `json:"title"`
	StartDate   time.Time  `json:"start_date"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Degree is one education entry on a resume.
type Degree struct {
	Institution string         `json:"institution,omitempty"`
	Level       EducationLevel `json:"level"`
	Field       string         `json:"field,omitempty"`
}

// RawFileRef points at an immutable blob in the object store. Consumers
// verify the checksum on download; a mismatch is a permanent failure.
type RawFileRef struct {
	FileID   string `json:"file_id" validate:"required"`
	Checksum string `json:"checksum" validate:"required"`
}

// ResumeDto is the structured parse of one resume, produced by the resume
// parser. TotalYearsExperience is computed locally from the experience
// intervals, never taken from the LLM.
type ResumeDto struct {
	ResumeID             string       `json:"resume_id" validate:"required"`
	JobID                string       `json:"job_id" validate:"required"`
	ContactInfo          ContactInfo  `json:"contact_info"`
	Skills               []string     `json:"skills"`
	SoftSkills           []string     `json:"soft_skills"`
	WorkExperience       []Experience `json:"work_experience"`
	Education            []Degree     `json:"education"`
	TotalYearsExperience float64      `json:"total_years_experience" validate:"gte=0"`
	RawFileRef           RawFileRef   `json:"raw_file_ref"`
}

// Recommendation is the categorical band derived from the overall score.
type Recommendation string

const (
	StrongMatch Recommendation = "strongMatch"
	Match       Recommendation = "match"
	WeakMatch   Recommendation = "weakMatch"
	NoMatch     Recommendation = "noMatch"
)

// ScoreBreakdown carries the four sub-scores, each in [0,100].
type ScoreBreakdown struct {
	Skills     float64 `json:"skills"`
	Experience float64 `json:"experience"`
	Education  float64 `json:"education"`
	SoftSkills float64 `json:"soft_skills"`
}

// ScoreWeights records the weighting applied to the breakdown so downstream
// consumers can reproduce the overall score.
type ScoreWeights struct {
	Skills     float64 `json:"skills"`
	Experience float64 `json:"experience"`
	Education  float64 `json:"education"`
	SoftSkills float64 `json:"soft_skills"`
}

// ScoreDto is the deterministic match score for one (job, resume) pair.
type ScoreDto struct {
	JobID                  string         `json:"job_id"`
	ResumeID               string         `json:"resume_id"`
	Overall                float64        `json:"overall"`
	Breakdown              ScoreBreakdown `json:"breakdown"`
	WeightsUsed            ScoreWeights   `json:"weights_used"`
	MatchedSkills          []string       `json:"matched_skills"`
	MissingMandatorySkills []string       `json:"missing_mandatory_skills"`
	Recommendation         Recommendation `json:"recommendation"`
}

// Decision is the hiring action recommended by the report generator.
type Decision string

const (
	DecisionInterview Decision = "interview"
	DecisionHold      Decision = "hold"
	DecisionReject    Decision = "reject"
)

// ReportDto is the terminal artifact of the pipeline for one resume.
type ReportDto struct {
	JobID        string    `json:"job_id"`
	ResumeID     string    `json:"resume_id"`
	Summary      string    `json:"summary"`
	Strengths    []string  `json:"strengths"`
	Concerns     []string  `json:"concerns"`
	Suggestions  []string  `json:"suggestions"`
	Decision     Decision  `json:"decision"`
	GeneratedAt  time.Time `json:"generated_at"`
	ModelVersion string    `json:"model_version"`
}

// Event payloads produced by the admission layer.

// JobSubmittedPayload rides on job.jd.submitted.
type JobSubmittedPayload struct {
	JobID          string    `json:"job_id" validate:"required"`
	OrganizationID string    `json:"organization_id" validate:"required"`
	Text           string    `json:"text" validate:"required"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// ResumeSubmittedPayload rides on job.resume.submitted.
type ResumeSubmittedPayload struct {
	JobID       string     `json:"job_id" validate:"required"`
	ResumeID    string     `json:"resume_id" validate:"required"`
	RawFileRef  RawFileRef `json:"raw_file_ref"`
	ContentType string     `json:"content_type"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

// Ports.

// Bus publishes envelopes to a durable subject. Publish returns only after
// the broker acknowledged the write; an error means the event never happened.
type Bus interface {
	Publish(ctx context.Context, subject string, env Envelope) error
}

// SessionRepository persists coordinator sessions keyed by jobId. The
// collection is rebuildable from bus replay and safe to drop.
type SessionRepository interface {
	Get(ctx context.Context, jobID string) (Session, error)
	Upsert(ctx context.Context, s Session) error
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Session, error)
}

// PairingState is the per-jobId region of the scoring engine's cache: the JD
// once extracted, plus resumes that arrived before it.
type PairingState struct {
	JobID   string      `json:"job_id"`
	Jd      *JdDto      `json:"jd,omitempty"`
	Pending []ResumeDto `json:"pending"`
	// Origins keeps the envelope that delivered each pending resume, keyed by
	// resumeId, so a TTL dead-letter preserves the original identity.
	Origins   map[string]Envelope `json:"origins,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// PairingRepository persists pairing state keyed by jobId.
type PairingRepository interface {
	Get(ctx context.Context, jobID string) (PairingState, error)
	Put(ctx context.Context, st PairingState) error
	ListExpired(ctx context.Context, olderThan time.Time, limit int) ([]PairingState, error)
	Delete(ctx context.Context, jobID string) error
}

// FileInfo describes a stored blob.
type FileInfo struct {
	FileID      string
	Size        int64
	ContentType string
	Checksum    string
	CreatedAt   time.Time
}

// ObjectStore is the chunked, content-checksummed binary store for uploaded
// resume files. Blobs are immutable once stored.
type ObjectStore interface {
	Put(ctx context.Context, r io.Reader, contentType string) (FileInfo, error)
	OpenRead(ctx context.Context, fileID string) (io.ReadCloser, error)
	Stat(ctx context.Context, fileID string) (FileInfo, error)
}

// IdempotencyStore remembers processed messages and their outcomes so a
// redelivery can short-circuit to a re-publish instead of repeating work.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// LLMClient is the narrow port to the extraction vendor. ChatJSON returns a
// JSON document matching the schema demanded by the prompt; implementations
// must be deterministic in mock mode.
type LLMClient interface {
	ChatJSON(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
	ModelVersion() string
}
