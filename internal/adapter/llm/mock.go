package llm

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hirelens/pipeline/pkg/textx"
)

// Mock is a deterministic offline client. The same prompt always yields the
// same JSON, which keeps dev seeding and tests reproducible.
type Mock struct{}

// NewMock constructs the deterministic mock client.
func NewMock() *Mock { return &Mock{} }

// ModelVersion identifies mock output downstream.
func (m *Mock) ModelVersion() string { return "mock" }

// ChatJSON inspects the system prompt to pick a schema and derives the
// response from a hash of the user text.
func (m *Mock) ChatJSON(_ context.Context, systemPrompt, userPrompt string, _ int) (string, error) {
	text := promptText(userPrompt)
	switch {
	case strings.Contains(systemPrompt, "job descriptions"):
		return m.jdJSON(text)
	case strings.Contains(systemPrompt, "resumes"):
		return m.resumeJSON(text)
	default:
		return "", fmt.Errorf("mock: unrecognized prompt")
	}
}

func (m *Mock) jdJSON(text string) (string, error) {
	h := hash64(text)
	words := contentWords(text, 5)
	if len(words) == 0 {
		words = []string{"go", "sql", "kubernetes"}
	}
	skills := make([]map[string]any, 0, len(words))
	for i, w := range words {
		skills = append(skills, map[string]any{
			"name":      w,
			"weight":    round2(0.5 / float64(i+1)),
			"mandatory": i == 0,
		})
	}
	levels := []string{"any", "highSchool", "associate", "bachelor", "master", "doctorate"}
	soft := []string{"communication", "teamwork", "leadership", "adaptability"}
	minY := int(h % 6)
	exp := map[string]any{"min": minY, "max": nil}
	if h%2 == 1 {
		exp["max"] = minY + 4
	}
	out := map[string]any{
		"jobTitle":        titleLine(text, "Software Engineer"),
		"requiredSkills":  skills,
		"experienceYears": exp,
		"educationLevel":  levels[h%uint64(len(levels))],
		"softSkills":      []string{soft[h%4], soft[(h+1)%4]},
	}
	b, err := json.Marshal(out)
	return string(b), err
}

func (m *Mock) resumeJSON(text string) (string, error) {
	h := hash64(text)
	words := contentWords(text, 6)
	startYear := 2014 + int(h%6)
	midYear := startYear + 2 + int(h%3)
	exp := []map[string]any{
		{
			"company":     fmt.Sprintf("Acme %02d", h%90),
			"title":       "Engineer",
			"startDate":   fmt.Sprintf("%d-01-15", startYear),
			"endDate":     fmt.Sprintf("%d-06-30", midYear),
			"description": "",
		},
		{
			"company":     fmt.Sprintf("Globex %02d", (h>>8)%90),
			"title":       "Senior Engineer",
			"startDate":   fmt.Sprintf("%d-03-01", midYear),
			"endDate":     nil,
			"description": "",
		},
	}
	levels := []string{"highSchool", "associate", "bachelor", "master", "doctorate"}
	soft := []string{"communication", "teamwork", "leadership", "adaptability"}
	out := map[string]any{
		"contactInfo": map[string]any{
			"name":  fmt.Sprintf("Candidate %04x", h&0xffff),
			"email": "",
			"phone": "",
		},
		"skills":         words,
		"softSkills":     []string{soft[h%4]},
		"workExperience": exp,
		"education": []map[string]any{
			{"institution": "State University", "level": levels[h%uint64(len(levels))], "field": "Computer Science"},
		},
	}
	b, err := json.Marshal(out)
	return string(b), err
}

// promptText strips the template framing so hashing depends only on the
// submitted document.
func promptText(userPrompt string) string {
	s := userPrompt
	for _, marker := range []string{"Job description:", "Resume text:"} {
		if _, after, ok := strings.Cut(s, marker); ok {
			s = after
			break
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "Return JSON only.")
	return strings.TrimSpace(s)
}

func hash64(s string) uint64 {
	sum := sha1.Sum([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}

// contentWords returns up to n distinct normalized words of length >= 3.
func contentWords(text string, n int) []string {
	out := make([]string, 0, n)
	for _, w := range textx.NormalizeSet(strings.Fields(text)) {
		if len(w) < 3 {
			continue
		}
		out = append(out, w)
		if len(out) == n {
			break
		}
	}
	return out
}

func titleLine(text, fallback string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			if len(line) > 80 {
				line = line[:80]
			}
			return line
		}
	}
	return fallback
}

func round2(f float64) float64 { return float64(int(f*100+0.5)) / 100 }
