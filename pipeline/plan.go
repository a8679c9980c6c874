// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
)

// Plan is a declarative pipeline definition. Plans are authored on
// disk as JSONC files (JSON extended with // comments, /* block
// comments */, and trailing commas) and loaded at startup.
//
// A plan declares its stage sequence and, optionally, an improvement
// pass over a subset of those stages. The scripted narration fields
// drive the built-in deterministic stages (script.go); runs built
// from code-defined Stage implementations ignore them.
type Plan struct {
	// Name identifies the plan in start-run requests.
	Name string `json:"name"`

	// Stages execute in declaration order.
	Stages []PlanStage `json:"stages"`

	// PacingMS is the cosmetic delay, in milliseconds, between
	// narration envelopes. Zero is valid and breaks nothing — the
	// delay exists only to pace output for human readability.
	PacingMS int `json:"pacing_ms"`

	// Improve, when present, configures the improvement pass: a
	// second, shorter execution over the named stages bounded to the
	// 90–100 percent progress range. An empty stage list re-runs
	// every stage.
	Improve *ImprovePass `json:"improve"`
}

// ImprovePass names the stages the improvement pass re-runs.
type ImprovePass struct {
	Stages []string `json:"stages"`
}

// PlanStage declares one stage of a plan.
type PlanStage struct {
	// Name must be unique within the plan.
	Name string `json:"name"`

	// Narration lines are emitted as thought envelopes when the
	// scripted stage runs.
	Narration []string `json:"narration"`

	// WorkMS simulates stage latency for scripted stages, in
	// milliseconds.
	WorkMS int `json:"work_ms"`
}

// ParsePlan strips JSONC comments and trailing commas from data,
// unmarshals the result, and validates it.
func ParsePlan(data []byte) (*Plan, error) {
	stripped := jsonc.ToJSON(data)

	var plan Plan
	if err := json.Unmarshal(stripped, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if issues := plan.Validate(); len(issues) > 0 {
		return nil, fmt.Errorf("invalid plan %q: %s", plan.Name, strings.Join(issues, "; "))
	}
	return &plan, nil
}

// ReadPlanFile reads and parses one JSONC plan file.
func ReadPlanFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

// LoadPlanDirectory parses every *.jsonc file in directory and
// returns the plans keyed by name. Duplicate plan names across files
// are an error.
func LoadPlanDirectory(directory string) (map[string]*Plan, error) {
	entries, err := filepath.Glob(filepath.Join(directory, "*.jsonc"))
	if err != nil {
		return nil, fmt.Errorf("listing plan directory %s: %w", directory, err)
	}

	plans := make(map[string]*Plan, len(entries))
	for _, path := range entries {
		plan, err := ReadPlanFile(path)
		if err != nil {
			return nil, err
		}
		if _, exists := plans[plan.Name]; exists {
			return nil, fmt.Errorf("%s: duplicate plan name %q", path, plan.Name)
		}
		plans[plan.Name] = plan
	}
	return plans, nil
}

// Validate checks the plan for structural issues. Returns a list of
// human-readable issue descriptions; an empty list means the plan is
// valid.
//
// Structural checks:
//   - Name is required
//   - At least one stage is required
//   - Each stage needs a non-empty, unique name
//   - WorkMS and PacingMS must be non-negative
//   - Improvement-pass stages must reference declared stages
func (p *Plan) Validate() []string {
	var issues []string

	if p.Name == "" {
		issues = append(issues, "plan name is required")
	}
	if len(p.Stages) == 0 {
		issues = append(issues, "plan has no stages (at least one stage is required)")
	}
	if p.PacingMS < 0 {
		issues = append(issues, "pacing_ms must be non-negative")
	}

	declared := make(map[string]bool, len(p.Stages))
	for index, stage := range p.Stages {
		prefix := fmt.Sprintf("stages[%d]", index)
		if stage.Name == "" {
			issues = append(issues, fmt.Sprintf("%s: name is required", prefix))
			continue
		}
		prefix = fmt.Sprintf("stages[%d] %q", index, stage.Name)
		if declared[stage.Name] {
			issues = append(issues, fmt.Sprintf("%s: duplicate stage name", prefix))
		}
		declared[stage.Name] = true
		if stage.WorkMS < 0 {
			issues = append(issues, fmt.Sprintf("%s: work_ms must be non-negative", prefix))
		}
	}

	if p.Improve != nil {
		for _, name := range p.Improve.Stages {
			if !declared[name] {
				issues = append(issues, fmt.Sprintf("improve: stage %q is not declared in the plan", name))
			}
		}
	}

	return issues
}

// ImproveStageNames resolves the improvement pass to concrete stage
// names: nil when no pass is configured, every stage when the
// configured list is empty, otherwise the configured subset.
func (p *Plan) ImproveStageNames() []string {
	if p.Improve == nil {
		return nil
	}
	if len(p.Improve.Stages) == 0 {
		names := make([]string, len(p.Stages))
		for i, stage := range p.Stages {
			names[i] = stage.Name
		}
		return names
	}
	return append([]string(nil), p.Improve.Stages...)
}
