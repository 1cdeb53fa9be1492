package scoring_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirelens/pipeline/internal/domain"
	"github.com/hirelens/pipeline/internal/worker/scoring"
)

func intPtr(i int) *int { return &i }

func sreJd() domain.JdDto {
	return domain.JdDto{
		JobID:    "job-1",
		JobTitle: "SRE",
		RequiredSkills: []domain.SkillRequirement{
			{Name: "go", Weight: 0.6, Mandatory: true},
			{Name: "kafka", Weight: 0.4, Mandatory: false},
		},
		ExperienceYears: domain.YearsRange{Min: 3, Max: intPtr(8)},
		EducationLevel:  domain.EducationBachelor,
		SoftSkills:      []string{"leadership"},
	}
}

func sreResume() domain.ResumeDto {
	return domain.ResumeDto{
		ResumeID:             "r1",
		JobID:                "job-1",
		Skills:               []string{"go", "kafka", "linux"},
		SoftSkills:           []string{"leadership", "mentoring"},
		Education:            []domain.Degree{{Level: domain.EducationMaster}},
		TotalYearsExperience: 5,
	}
}

func TestScore_StrongMatch(t *testing.T) {
	t.Parallel()
	got := scoring.Score(sreJd(), sreResume())
	assert.Equal(t, 100.0, got.Breakdown.Skills)
	assert.Equal(t, 100.0, got.Breakdown.Experience)
	assert.Equal(t, 100.0, got.Breakdown.Education)
	assert.Equal(t, 100.0, got.Breakdown.SoftSkills)
	assert.Equal(t, 100.0, got.Overall)
	assert.Equal(t, domain.StrongMatch, got.Recommendation)
	assert.ElementsMatch(t, []string{"go", "kafka"}, got.MatchedSkills)
	assert.Empty(t, got.MissingMandatorySkills)
}

func TestScore_MissingMandatorySkillGate(t *testing.T) {
	t.Parallel()
	resume := sreResume()
	resume.Skills = []string{"kafka", "linux"}
	got := scoring.Score(sreJd(), resume)
	assert.Equal(t, 0.0, got.Breakdown.Skills)
	assert.Equal(t, 50.0, got.Overall)
	assert.Equal(t, []string{"go"}, got.MissingMandatorySkills)
	assert.Equal(t, domain.NoMatch, got.Recommendation, "gate fires despite the score")
}

func TestScore_OverQualificationPenalty(t *testing.T) {
	t.Parallel()
	resume := sreResume()
	resume.TotalYearsExperience = 15
	got := scoring.Score(sreJd(), resume)
	assert.Equal(t, 65.0, got.Breakdown.Experience)
}

func TestScore_OverQualificationFloor(t *testing.T) {
	t.Parallel()
	resume := sreResume()
	resume.TotalYearsExperience = 40
	got := scoring.Score(sreJd(), resume)
	assert.Equal(t, 60.0, got.Breakdown.Experience)
}

func TestScore_UnderExperience(t *testing.T) {
	t.Parallel()
	resume := sreResume()
	resume.TotalYearsExperience = 1
	got := scoring.Score(sreJd(), resume)
	assert.Equal(t, 33.33, got.Breakdown.Experience)
}

func TestScore_UnboundedExperienceRange(t *testing.T) {
	t.Parallel()
	jd := sreJd()
	jd.ExperienceYears = domain.YearsRange{Min: 3}
	resume := sreResume()
	resume.TotalYearsExperience = 30
	got := scoring.Score(jd, resume)
	assert.Equal(t, 100.0, got.Breakdown.Experience)
}

func TestScore_EducationGap(t *testing.T) {
	t.Parallel()
	jd := sreJd()
	jd.EducationLevel = domain.EducationMaster

	resume := sreResume()
	resume.Education = []domain.Degree{{Level: domain.EducationHighSchool}, {Level: domain.EducationAssociate}}
	got := scoring.Score(jd, resume)
	// best level associate (2), required master (4): 100 - 25*2
	assert.Equal(t, 50.0, got.Breakdown.Education)

	resume.Education = nil
	got = scoring.Score(jd, resume)
	assert.Equal(t, 0.0, got.Breakdown.Education)

	jd.EducationLevel = domain.EducationAny
	got = scoring.Score(jd, resume)
	assert.Equal(t, 100.0, got.Breakdown.Education)
}

func TestScore_SkillMatchingNormalizes(t *testing.T) {
	t.Parallel()
	jd := sreJd()
	jd.RequiredSkills = []domain.SkillRequirement{{Name: "  Go ", Weight: 1, Mandatory: true}}
	resume := sreResume()
	resume.Skills = []string{"GO"}
	got := scoring.Score(jd, resume)
	assert.Equal(t, 100.0, got.Breakdown.Skills)
	assert.Empty(t, got.MissingMandatorySkills)
}

func TestScore_NoSoftSkillsWanted(t *testing.T) {
	t.Parallel()
	jd := sreJd()
	jd.SoftSkills = nil
	got := scoring.Score(jd, sreResume())
	assert.Equal(t, 0.0, got.Breakdown.SoftSkills)
}

func TestScore_Deterministic(t *testing.T) {
	t.Parallel()
	a, err := json.Marshal(scoring.Score(sreJd(), sreResume()))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		b, err := json.Marshal(scoring.Score(sreJd(), sreResume()))
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b), "equal inputs must give byte-equal outputs")
	}
}
