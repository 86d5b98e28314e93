package main

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const promptPlaceholder = "{{prompt}}"

//go:embed scenarios.yaml
var builtinScenarios []byte

// ScenarioSet is the contents of a scenarios file.
type ScenarioSet struct {
	// RejectResume fails every --resume handshake, as the CLI does for an expired conversation.
	RejectResume bool `yaml:"rejectResume"`
	// Delay is the pause between streamed chunks. Zero keeps the model's default.
	Delay     time.Duration `yaml:"delay"`
	Scenarios []Scenario    `yaml:"scenarios"`
}

// Scenario is a scripted turn.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Match       string `yaml:"match"`
	Steps       []Step `yaml:"steps"`
}

// Step is one action of a scenario. Exactly one field is expected to be set.
type Step struct {
	Text  string        `yaml:"text"`
	Tool  *ToolStep     `yaml:"tool"`
	Sleep time.Duration `yaml:"sleep"`
	Error string        `yaml:"error"`
}

// ToolStep simulates one tool call and its result.
type ToolStep struct {
	Name    string         `yaml:"name"`
	Input   map[string]any `yaml:"input"`
	Result  string         `yaml:"result"`
	IsError bool           `yaml:"isError"`
}

// loadScenarios parses the built-in scenarios and, when path is set, puts the
// file's scenarios in front of them.
func loadScenarios(path string) (*ScenarioSet, error) {
	set, err := parseScenarios(builtinScenarios)
	if err != nil {
		return nil, fmt.Errorf("built-in scenarios: %w", err)
	}
	if path == "" {
		return set, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	custom, err := parseScenarios(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	custom.Scenarios = append(custom.Scenarios, set.Scenarios...)
	return custom, nil
}

func parseScenarios(data []byte) (*ScenarioSet, error) {
	var set ScenarioSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, err
	}
	for i, sc := range set.Scenarios {
		if len(sc.Steps) == 0 {
			return nil, fmt.Errorf("scenario %d (%q) has no steps", i, sc.Name)
		}
	}
	return &set, nil
}

// Match returns the first scenario matching prompt, or nil.
func (s *ScenarioSet) Match(prompt string) *Scenario {
	lower := strings.ToLower(prompt)
	for i := range s.Scenarios {
		sc := &s.Scenarios[i]
		if sc.Match == "" || strings.Contains(lower, strings.ToLower(sc.Match)) {
			return sc
		}
	}
	return nil
}

// Commands lists the scenarios with a match string for the initialize response.
func (s *ScenarioSet) Commands() []Command {
	cmds := make([]Command, 0, len(s.Scenarios))
	for _, sc := range s.Scenarios {
		if sc.Match == "" {
			continue
		}
		cmds = append(cmds, Command{Name: sc.Match, Description: sc.Description})
	}
	return cmds
}

func (t *ToolStep) inputJSON() json.RawMessage {
	if len(t.Input) == 0 {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(t.Input)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

func expand(text, prompt string) string {
	return strings.ReplaceAll(text, promptPlaceholder, prompt)
}
