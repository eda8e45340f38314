package types

import "time"

// PlanStep is one step of a workflow's structured plan: an agent name plus
// a params template. In a stored Workflow the params are slot-templated
// (see internal/orchestrator/distill.go); in a live Plan they are concrete.
type PlanStep struct {
	Agent         string         `json:"agent"`
	Params        map[string]any `json:"params,omitempty"`
	ParamsTemplate map[string]any `json:"params_template,omitempty"`
}

// Plan is an ordered list of steps produced by the Planner or reused from a
// Workflow's successful_workflow via Fast-Path.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// Workflow is an M3 procedural memory row: a reusable plan template keyed
// by a trigger embedding and, optionally, a substring/regex trigger
// pattern extracted from the original goal's keywords.
type Workflow struct {
	WorkflowID         string     `json:"workflow_id"`
	TriggerEmbedding   []float32  `json:"trigger_embedding"`
	TriggerPattern     string     `json:"trigger_pattern,omitempty"`
	SuccessfulWorkflow []PlanStep `json:"successful_workflow"`
	ResultKeys         []string   `json:"result_keys,omitempty"`
	UsageCount         int64      `json:"usage_count"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// LessonStatus discriminates the outcome a Lesson records.
type LessonStatus string

const (
	LessonStatusSuccess LessonStatus = "success"
	LessonStatusFail    LessonStatus = "fail"
)

// Valid reports whether s is a recognized lesson status.
func (s LessonStatus) Valid() bool {
	return s == LessonStatusSuccess || s == LessonStatusFail
}

// Lesson records a single step-level outcome, used to bias future planning
// and repair prompts. Lessons are never mutated once written; the
// maintenance sweep deletes those older than the configured retention.
type Lesson struct {
	LessonID        string       `json:"lesson_id"`
	TriggerEmbedding []float32   `json:"trigger_embedding"`
	GoalText        string       `json:"goal_text"`
	Agent           string       `json:"agent"`
	Status          LessonStatus `json:"status"`
	Error           string       `json:"error,omitempty"`
	FixSummary      string       `json:"fix_summary,omitempty"`
	WorkingParams   map[string]any `json:"working_params,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}
