// Package subagents implements the Subagent contract — a
// stateless execute(params, context) -> {output, artifacts?} interface —
// plus five concrete illustrative agents: RAG query,
// database query, web search, shell, and report generation.
package subagents

import (
	"context"
	"fmt"
)

// ExecContext carries the caller-scoped state a Subagent needs but must
// never persist across invocations, per the statelessness contract.
type ExecContext struct {
	SessionID    string
	UserID       string
	PriorOutputs map[string]any
}

// Result is a Subagent's return value.
type Result struct {
	Output    map[string]any
	Artifacts map[string]any
}

// ParamSpec describes one declared parameter of a Subagent's schema.
type ParamSpec struct {
	Required bool
	Type     string // "string", "number", "bool", "object", "array"
}

// Schema is a Subagent's declared parameter contract, used for plan
// validation and repair-prompt construction.
type Schema map[string]ParamSpec

// Agent is the Subagent contract: stateless, schema-declaring execution.
type Agent interface {
	Name() string
	Schema() Schema
	Execute(ctx context.Context, params map[string]any, execCtx ExecContext) (Result, error)
}

// Registry looks up agents by name for the Orchestrator's Execute step.
type Registry struct {
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

func (r *Registry) Register(agent Agent) {
	r.agents[agent.Name()] = agent
}

func (r *Registry) Get(name string) (Agent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	return names
}

// Validate checks params against name's declared schema, returning a
// descriptive error for the first violation it finds; later violations are
// not reported. Used to build the Planner's one-shot repair prompt.
func (r *Registry) Validate(name string, params map[string]any) error {
	agent, ok := r.agents[name]
	if !ok {
		return fmt.Errorf("subagents: unknown agent %q", name)
	}
	for field, spec := range agent.Schema() {
		v, present := params[field]
		if !present {
			if spec.Required {
				return fmt.Errorf("subagents: %s: missing required parameter %q", name, field)
			}
			continue
		}
		if !typeMatches(v, spec.Type) {
			return fmt.Errorf("subagents: %s: parameter %q must be of type %s", name, field, spec.Type)
		}
	}
	return nil
}

func typeMatches(v any, want string) bool {
	if want == "" {
		return true
	}
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}
