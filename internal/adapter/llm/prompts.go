package llm

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var promptsYAML []byte

// Prompt is one stage's prompt pair.
type Prompt struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

var (
	promptsOnce sync.Once
	prompts     map[string]Prompt
	promptsErr  error
)

func loadPrompts() (map[string]Prompt, error) {
	promptsOnce.Do(func() {
		prompts = map[string]Prompt{}
		promptsErr = yaml.Unmarshal(promptsYAML, &prompts)
	})
	return prompts, promptsErr
}

// RenderPrompt returns the system and user prompt for stage with {{text}}
// substituted. Stages: jd_extract, resume_parse.
func RenderPrompt(stage, text string) (system, user string, err error) {
	ps, err := loadPrompts()
	if err != nil {
		return "", "", fmt.Errorf("op=llm.prompts load: %w", err)
	}
	p, ok := ps[stage]
	if !ok {
		return "", "", fmt.Errorf("op=llm.prompts stage=%s: unknown stage", stage)
	}
	return p.System, strings.ReplaceAll(p.User, "{{text}}", text), nil
}
