// Package scoring matches parsed resumes against extracted job descriptions.
// The score function is pure and deterministic; the engine around it pairs
// events that arrive in either order.
package scoring

import (
	"math"

	"github.com/hirelens/pipeline/internal/domain"
	"github.com/hirelens/pipeline/pkg/textx"
)

// Fixed breakdown weights recorded on every ScoreDto.
var weights = domain.ScoreWeights{
	Skills:     0.50,
	Experience: 0.25,
	Education:  0.15,
	SoftSkills: 0.10,
}

// Over-qualification constants: years past the stated maximum cost 5 points
// each, never dropping below 60.
const (
	overQualFloor   = 60.0
	overQualPenalty = 5.0
)

// Score evaluates resume against jd. Equal inputs always yield equal
// outputs.
func Score(jd domain.JdDto, resume domain.ResumeDto) domain.ScoreDto {
	skills, matched, missingMandatory := skillsScore(jd, resume)
	breakdown := domain.ScoreBreakdown{
		Skills:     skills,
		Experience: experienceScore(jd.ExperienceYears, resume.TotalYearsExperience),
		Education:  educationScore(jd.EducationLevel, resume.Education),
		SoftSkills: softSkillsScore(jd.SoftSkills, resume.SoftSkills),
	}
	overall := clamp(round2(breakdown.Skills*weights.Skills +
		breakdown.Experience*weights.Experience +
		breakdown.Education*weights.Education +
		breakdown.SoftSkills*weights.SoftSkills))

	rec := band(overall)
	if len(missingMandatory) > 0 {
		rec = domain.NoMatch
	}
	return domain.ScoreDto{
		JobID:                  jd.JobID,
		ResumeID:               resume.ResumeID,
		Overall:                overall,
		Breakdown:              breakdown,
		WeightsUsed:            weights,
		MatchedSkills:          matched,
		MissingMandatorySkills: missingMandatory,
		Recommendation:         rec,
	}
}

// skillsScore returns the weighted coverage of required skills, the matched
// skill names, and any missing mandatory skills. One absent mandatory skill
// zeroes the sub-score.
func skillsScore(jd domain.JdDto, resume domain.ResumeDto) (score float64, matched, missingMandatory []string) {
	have := map[string]struct{}{}
	for _, s := range textx.NormalizeSet(resume.Skills) {
		have[s] = struct{}{}
	}

	matched = []string{}
	missingMandatory = []string{}
	var total, covered float64
	for _, req := range jd.RequiredSkills {
		total += req.Weight
		_, ok := have[textx.NormalizeToken(req.Name)]
		if ok {
			matched = append(matched, req.Name)
			covered += req.Weight
		} else if req.Mandatory {
			missingMandatory = append(missingMandatory, req.Name)
		}
	}
	if len(missingMandatory) > 0 || total == 0 {
		return 0, matched, missingMandatory
	}
	return round2(100 * covered / total), matched, missingMandatory
}

func experienceScore(want domain.YearsRange, years float64) float64 {
	a := float64(want.Min)
	if years < a {
		return round2(math.Max(0, 100*years/a))
	}
	if want.Unbounded() || years <= float64(*want.Max) {
		return 100
	}
	over := years - float64(*want.Max)
	return round2(math.Max(overQualFloor, 100-overQualPenalty*over))
}

func educationScore(required domain.EducationLevel, degrees []domain.Degree) float64 {
	r := required.Rank()
	if r == 0 {
		return 100
	}
	c := 0
	for _, d := range degrees {
		if rank := d.Level.Rank(); rank > c {
			c = rank
		}
	}
	if c >= r {
		return 100
	}
	return math.Max(0, 100-25*float64(r-c))
}

func softSkillsScore(wanted, inferred []string) float64 {
	wantedNorm := textx.NormalizeSet(wanted)
	have := map[string]struct{}{}
	for _, s := range textx.NormalizeSet(inferred) {
		have[s] = struct{}{}
	}
	hits := 0
	for _, w := range wantedNorm {
		if _, ok := have[w]; ok {
			hits++
		}
	}
	denom := len(wantedNorm)
	if denom < 1 {
		denom = 1
	}
	return round2(100 * float64(hits) / float64(denom))
}

func band(overall float64) domain.Recommendation {
	switch {
	case overall >= 80:
		return domain.StrongMatch
	case overall >= 65:
		return domain.Match
	case overall >= 45:
		return domain.WeakMatch
	default:
		return domain.NoMatch
	}
}

// round2 rounds half-up to two decimals.
func round2(f float64) float64 { return math.Floor(f*100+0.5) / 100 }

func clamp(f float64) float64 { return math.Min(100, math.Max(0, f)) }
