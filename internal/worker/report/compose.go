package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hirelens/pipeline/internal/domain"
)

const listCap = 5

// Compose builds the report body from the score plus, when available, the
// cached JD and resume extractions. Composition is rule-based and fully
// deterministic for a given set of inputs.
func Compose(score domain.ScoreDto, jd domain.JdDto, jdKnown bool, resume domain.ResumeDto, resumeKnown bool) domain.ReportDto {
	return domain.ReportDto{
		JobID:       score.JobID,
		ResumeID:    score.ResumeID,
		Summary:     summarize(score),
		Strengths:   strengths(score, jd, jdKnown),
		Concerns:    concerns(score, jd, jdKnown),
		Suggestions: suggestions(score, jd, jdKnown, resume, resumeKnown),
		Decision:    decide(score.Recommendation),
	}
}

func decide(rec domain.Recommendation) domain.Decision {
	switch rec {
	case domain.StrongMatch, domain.Match:
		return domain.DecisionInterview
	case domain.WeakMatch:
		return domain.DecisionHold
	default:
		return domain.DecisionReject
	}
}

func summarize(s domain.ScoreDto) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Candidate scored %.2f overall (%s): skills %.2f, experience %.2f, education %.2f, soft skills %.2f.",
		s.Overall, s.Recommendation,
		s.Breakdown.Skills, s.Breakdown.Experience, s.Breakdown.Education, s.Breakdown.SoftSkills)
	if len(s.MissingMandatorySkills) > 0 {
		fmt.Fprintf(&b, " Missing mandatory skills: %s.", strings.Join(s.MissingMandatorySkills, ", "))
	}
	return b.String()
}

// strengths lists matched skills, ranked by requirement weight when the JD
// is known, capped at listCap.
func strengths(s domain.ScoreDto, jd domain.JdDto, jdKnown bool) []string {
	matched := append([]string(nil), s.MatchedSkills...)
	if jdKnown {
		sortByWeight(matched, jd)
	}
	if len(matched) > listCap {
		matched = matched[:listCap]
	}
	out := make([]string, 0, len(matched))
	for _, name := range matched {
		out = append(out, "matches required skill "+name)
	}
	return out
}

// concerns lists every missing mandatory skill first, then missing
// non-mandatory requirements by weight, capped at listCap overall.
func concerns(s domain.ScoreDto, jd domain.JdDto, jdKnown bool) []string {
	out := make([]string, 0, listCap)
	for _, name := range s.MissingMandatorySkills {
		out = append(out, "missing mandatory skill "+name)
	}
	if jdKnown {
		mandatory := make(map[string]bool, len(s.MissingMandatorySkills))
		for _, name := range s.MissingMandatorySkills {
			mandatory[name] = true
		}
		matched := make(map[string]bool, len(s.MatchedSkills))
		for _, name := range s.MatchedSkills {
			matched[name] = true
		}
		var optional []string
		for _, req := range jd.RequiredSkills {
			if !matched[req.Name] && !mandatory[req.Name] {
				optional = append(optional, req.Name)
			}
		}
		sortByWeight(optional, jd)
		for _, name := range optional {
			out = append(out, "missing skill "+name)
		}
	}
	if len(out) > listCap {
		out = out[:listCap]
	}
	return out
}

// suggestions applies fixed remediation rules. Both rules need the cached
// JD; the experience rule additionally needs the cached resume.
func suggestions(s domain.ScoreDto, jd domain.JdDto, jdKnown bool, resume domain.ResumeDto, resumeKnown bool) []string {
	var out []string
	if jdKnown && resumeKnown {
		if gap := float64(jd.ExperienceYears.Min) - resume.TotalYearsExperience; gap > 0 {
			out = append(out, fmt.Sprintf("bridge %.1f years of experience via targeted project work", gap))
		}
	}
	if jdKnown && resumeKnown && jd.EducationLevel.Rank() > 0 {
		best := 0
		for _, d := range resume.Education {
			if r := d.Level.Rank(); r > best {
				best = r
			}
		}
		if jd.EducationLevel.Rank()-best >= 2 {
			out = append(out, fmt.Sprintf("consider certification paths toward the %s level", jd.EducationLevel))
		}
	}
	return out
}

// sortByWeight orders skill names by their JD weight descending, name
// ascending on ties, unknown names last.
func sortByWeight(names []string, jd domain.JdDto) {
	weights := make(map[string]float64, len(jd.RequiredSkills))
	for _, req := range jd.RequiredSkills {
		weights[req.Name] = req.Weight
	}
	sort.SliceStable(names, func(i, j int) bool {
		wi, wj := weights[names[i]], weights[names[j]]
		if wi != wj {
			return wi > wj
		}
		return names[i] < names[j]
	})
}
