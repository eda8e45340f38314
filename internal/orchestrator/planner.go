package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/scrypster/memfuse/internal/llmclient"
	"github.com/scrypster/memfuse/internal/subagents"
	"github.com/scrypster/memfuse/pkg/types"
)

// Planner turns a task goal into an ordered list of subagent steps —
// ported from the original's Planner, which prompts the LLM with the
// registered agent names and expects the same steps-array JSON shape.
type Planner struct {
	llm      llmclient.LLM
	registry *subagents.Registry
}

func NewPlanner(llm llmclient.LLM, registry *subagents.Registry) *Planner {
	return &Planner{llm: llm, registry: registry}
}

type planResponse struct {
	Steps []types.PlanStep `json:"steps"`
}

func (p *Planner) systemPrompt() string {
	names := p.registry.Names()
	return fmt.Sprintf(
		"You are a planner that decomposes a goal into a sequence of subagent calls.\n"+
			"Available agents: %s\n"+
			"Respond with strict JSON: {\"steps\": [{\"agent\": \"<name>\", \"params\": {...}}]}\n"+
			"Each step may reference a prior step's output via its params.",
		strings.Join(names, ", "),
	)
}

// Plan asks the LLM for a step sequence, falling back to a fixed
// search-then-answer-then-report plan when the LLM call fails (including a
// response still malformed after the one JSON repair) or yields no steps.
func (p *Planner) Plan(ctx context.Context, goal string) (types.Plan, error) {
	prompt := p.systemPrompt() + "\n\nGoal: " + goal
	var resp planResponse
	if err := llmclient.CompleteJSON(ctx, p.llm, prompt, &resp); err != nil {
		return p.fallbackPlan(goal), nil
	}
	if len(resp.Steps) == 0 {
		return p.fallbackPlan(goal), nil
	}
	return types.Plan{Steps: resp.Steps}, nil
}

// Repair asks the LLM to fix an invalid plan given the validation error,
// one attempt only: a malformed plan is rejected once with a repair prompt.
func (p *Planner) Repair(ctx context.Context, goal string, badPlan types.Plan, validationErr error) (types.Plan, error) {
	prompt := fmt.Sprintf(
		"%s\n\nGoal: %s\nThe previous plan was invalid: %s\nPrevious plan: %+v\nProduce a corrected plan.",
		p.systemPrompt(), goal, validationErr, badPlan.Steps,
	)
	var resp planResponse
	if err := llmclient.CompleteJSON(ctx, p.llm, prompt, &resp); err != nil {
		return types.Plan{}, err
	}
	return types.Plan{Steps: resp.Steps}, nil
}

// fallbackPlan mirrors the original's default plan (web search, then a RAG
// answer, then a report) restricted to whichever of those three agents are
// actually registered. Each step is seeded with the params its Schema marks
// required so the plan clears validatePlan even when the LLM that would
// normally fill them in is the very thing that's unreachable.
func (p *Planner) fallbackPlan(goal string) types.Plan {
	candidates := []string{"WebSearchAgent", "RAGQueryAgent", "ReportGenerationAgent"}
	var steps []types.PlanStep
	for _, name := range candidates {
		if _, ok := p.registry.Get(name); ok {
			steps = append(steps, types.PlanStep{Agent: name, Params: fallbackParams(name, goal)})
		}
	}
	return types.Plan{Steps: steps}
}

// fallbackParams seeds the parameters a fallback step needs to pass
// validation, mirroring the original's `{"query": user_goal}` seed.
func fallbackParams(agent, goal string) map[string]any {
	switch agent {
	case "WebSearchAgent":
		return map[string]any{"query": goal}
	case "RAGQueryAgent":
		return map[string]any{"query": goal}
	default:
		return map[string]any{}
	}
}

type paramRepairResponse struct {
	Params map[string]any `json:"params"`
}

// RepairStepParams asks the LLM to correct one step's parameters after an
// execution failure via step-level parameter repair.
func (p *Planner) RepairStepParams(ctx context.Context, agent string, params map[string]any, execErr error) (map[string]any, error) {
	prompt := fmt.Sprintf(
		"The agent %q failed with parameters %+v.\nError: %s\nProduce corrected parameters as strict JSON: {\"params\": {...}}",
		agent, params, execErr,
	)
	var resp paramRepairResponse
	if err := llmclient.CompleteJSON(ctx, p.llm, prompt, &resp); err != nil {
		return nil, err
	}
	return resp.Params, nil
}
