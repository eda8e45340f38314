package orchestrator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/scrypster/memfuse/pkg/types"
)

// templatize replaces concrete argument values in a successful plan with
// slot placeholders referring either to the original goal text or to a
// prior step's output. Only exact string matches are
// templated; anything else (numbers, objects, strings that don't trace
// back to the goal or a prior output) is kept concrete.
func templatize(goal string, steps []types.PlanStep, outputsByStep []map[string]any) []types.PlanStep {
	templated := make([]types.PlanStep, len(steps))
	for i, step := range steps {
		template := make(map[string]any, len(step.Params))
		for k, v := range step.Params {
			template[k] = templatizeValue(v, goal, i, outputsByStep)
		}
		templated[i] = types.PlanStep{Agent: step.Agent, ParamsTemplate: template}
	}
	return templated
}

func templatizeValue(v any, goal string, stepIdx int, outputsByStep []map[string]any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return v
	}
	if s == goal {
		return "{{goal}}"
	}
	for j := 0; j < stepIdx && j < len(outputsByStep); j++ {
		for key, out := range outputsByStep[j] {
			if outStr, ok := out.(string); ok && outStr == s {
				return fmt.Sprintf("{{steps.%d.output.%s}}", j, key)
			}
		}
	}
	return s
}

// materialize resolves a template step's placeholders back into concrete
// params for Fast-Path reuse, given the current goal and the outputs
// accumulated by steps executed so far.
func materialize(template map[string]any, goal string, outputsByStep []map[string]any) map[string]any {
	resolved := make(map[string]any, len(template))
	for k, v := range template {
		resolved[k] = materializeValue(v, goal, outputsByStep)
	}
	return resolved
}

func materializeValue(v any, goal string, outputsByStep []map[string]any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if s == "{{goal}}" {
		return goal
	}
	if strings.HasPrefix(s, "{{steps.") && strings.HasSuffix(s, "}}") {
		inner := strings.TrimSuffix(strings.TrimPrefix(s, "{{steps."), "}}")
		parts := strings.SplitN(inner, ".output.", 2)
		if len(parts) == 2 {
			if idx, err := strconv.Atoi(parts[0]); err == nil && idx >= 0 && idx < len(outputsByStep) {
				if val, ok := outputsByStep[idx][parts[1]]; ok {
					return val
				}
			}
		}
	}
	return s
}

// triggerPattern extracts a short lowercase keyword pattern from the goal
// text for the workflow's optional substring trigger match, using the same
// alphanumeric-token idea as the retriever's keyword extraction but kept
// local since it only needs a coarse pattern, not a ranked term list.
func triggerPattern(goal string, maxWords int) string {
	fields := strings.Fields(strings.ToLower(goal))
	var kept []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if len(f) > 3 {
			kept = append(kept, f)
		}
		if len(kept) >= maxWords {
			break
		}
	}
	return strings.Join(kept, " ")
}
