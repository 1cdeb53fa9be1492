package domain

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// ValidateJd enforces the JdDto invariants: struct tags, a recognized
// education level, Σ weight of mandatory skills ≤ 1.0 and min ≤ max. A
// violation is a permanent failure.
func ValidateJd(jd JdDto) error {
	if err := getValidator().Struct(jd); err != nil {
		return fmt.Errorf("op=jd.validate: %w: %v", ErrSchemaInvalid, err)
	}
	if !ValidEducationLevel(jd.EducationLevel) {
		return fmt.Errorf("op=jd.validate: %w: unknown education level %q", ErrSchemaInvalid, jd.EducationLevel)
	}
	var mandatory float64
	for _, s := range jd.RequiredSkills {
		if s.Mandatory {
			mandatory += s.Weight
		}
	}
	if mandatory > 1.0+1e-9 {
		return fmt.Errorf("op=jd.validate: %w: mandatory weight sum %.3f out of range", ErrSchemaInvalid, mandatory)
	}
	if !jd.ExperienceYears.Unbounded() && jd.ExperienceYears.Min > *jd.ExperienceYears.Max {
		return fmt.Errorf("op=jd.validate: %w: experience range min %d > max %d", ErrSchemaInvalid,
			jd.ExperienceYears.Min, *jd.ExperienceYears.Max)
	}
	return nil
}

// ValidateResume enforces the ResumeDto invariants: struct tags and
// startDate ≤ endDate for every experience interval.
func ValidateResume(r ResumeDto, now time.Time) error {
	if err := getValidator().Struct(r); err != nil {
		return fmt.Errorf("op=resume.validate: %w: %v", ErrSchemaInvalid, err)
	}
	for i, e := range r.WorkExperience {
		end := now
		if e.EndDate != nil {
			end = *e.EndDate
		}
		if e.StartDate.After(end) {
			return fmt.Errorf("op=resume.validate: %w: experience %d start after end", ErrSchemaInvalid, i)
		}
	}
	for _, d := range r.Education {
		if !ValidEducationLevel(d.Level) {
			return fmt.Errorf("op=resume.validate: %w: unknown education level %q", ErrSchemaInvalid, d.Level)
		}
	}
	return nil
}
