// Package orchestrator implements end-to-end complex-task handling:
// a Reuse-Lookup → (Plan | Fast-Path) → Execute → (Success | Fail) state
// machine over the Subagent Registry, with workflow distillation on
// success.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scrypster/memfuse/internal/config"
	"github.com/scrypster/memfuse/internal/embedding"
	"github.com/scrypster/memfuse/internal/extractor"
	"github.com/scrypster/memfuse/internal/store"
	"github.com/scrypster/memfuse/internal/subagents"
	"github.com/scrypster/memfuse/internal/trace"
	"github.com/scrypster/memfuse/pkg/types"
)

// StepResult is one executed step's outcome, returned as part of Outcome
// for callers that want to inspect intermediate agent output.
type StepResult struct {
	Agent  string
	Output map[string]any
}

// Outcome is the result of a successfully handled task request.
type Outcome struct {
	TaskID string
	Answer string
	Steps  []StepResult
	Reused bool
}

// Orchestrator wires the Planner, Subagent Registry, and M3 workflow store
// into a Reuse-Lookup / Plan-or-Fast-Path / Execute state machine.
type Orchestrator struct {
	workflows store.WorkflowStore
	lessons   store.LessonStore
	turns     store.TurnStore
	embedder  embedding.Embedder
	planner   *Planner
	registry  *subagents.Registry
	extractor *extractor.Extractor // optional; nil disables M2 triggering from task turns
	cfg       config.ProceduralConfig
	log       zerolog.Logger

	clusters *clusterLocks
	recorder *trace.Recorder // optional; nil disables trace event emission
}

func New(
	workflows store.WorkflowStore,
	lessons store.LessonStore,
	turns store.TurnStore,
	embedder embedding.Embedder,
	planner *Planner,
	registry *subagents.Registry,
	ex *extractor.Extractor,
	cfg config.ProceduralConfig,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		workflows: workflows,
		lessons:   lessons,
		turns:     turns,
		embedder:  embedder,
		planner:   planner,
		registry:  registry,
		extractor: ex,
		cfg:       cfg,
		log:       log,
		clusters:  newClusterLocks(),
	}
}

// WithRecorder attaches a trace.Recorder that will receive every state
// transition emitted by subsequent HandleRequest calls.
func (o *Orchestrator) WithRecorder(r *trace.Recorder) *Orchestrator {
	o.recorder = r
	return o
}

func (o *Orchestrator) trace(event trace.Event) {
	if o.recorder != nil {
		o.recorder.Record(event)
	}
}

// HandleRequest runs the full state machine for one task-mode goal.
func (o *Orchestrator) HandleRequest(ctx context.Context, sessionID, userID, goal string) (*Outcome, error) {
	taskID := uuid.New().String()

	goalEmbedding, err := o.embedder.Embed(ctx, goal)
	if err != nil {
		o.trace(trace.EventFail(taskID, err))
		return nil, fmt.Errorf("orchestrator: embed goal: %w", err)
	}

	plan, reusedFrom, err := o.reuseOrPlan(ctx, taskID, goal, goalEmbedding)
	if err != nil {
		o.trace(trace.EventFail(taskID, err))
		return nil, err
	}

	outputsByStep, err := o.execute(ctx, taskID, sessionID, userID, goal, plan)
	if err != nil {
		o.trace(trace.EventFail(taskID, err))
		return nil, err
	}

	answer := extractAnswer(outputsByStep)
	o.persistRound(ctx, sessionID, goal, answer)

	if reusedFrom != "" {
		if err := o.workflows.BumpUsage(ctx, reusedFrom); err != nil {
			o.log.Warn().Err(err).Str("workflow_id", reusedFrom).Msg("bump usage failed")
		}
	} else {
		o.distillAndStore(ctx, goal, goalEmbedding, plan, outputsByStep)
	}

	steps := make([]StepResult, len(plan.Steps))
	for i, s := range plan.Steps {
		out := map[string]any{}
		if i < len(outputsByStep) {
			out = outputsByStep[i]
		}
		steps[i] = StepResult{Agent: s.Agent, Output: out}
	}

	o.trace(trace.EventSuccess(taskID))
	return &Outcome{TaskID: taskID, Answer: answer, Steps: steps, Reused: reusedFrom != ""}, nil
}

// reuseOrPlan implements the Reuse-Lookup and Plan states. It returns the
// resolved plan plus the workflow id it was reused from, if any.
func (o *Orchestrator) reuseOrPlan(ctx context.Context, taskID, goal string, goalEmbedding []float32) (types.Plan, string, error) {
	candidates, err := o.workflows.VectorSearchWorkflows(ctx, goalEmbedding, 3)
	bestScore := 0.0
	if err == nil {
		for _, c := range candidates {
			if c.Score > bestScore {
				bestScore = c.Score
			}
		}
	}
	o.trace(trace.EventReuseLookup(taskID, "", bestScore))

	if err == nil {
		for _, c := range candidates {
			if c.Score < o.cfg.ReuseThreshold {
				continue
			}
			if c.Item.TriggerPattern != "" {
				pattern := triggerPattern(goal, 6)
				if pattern == "" || !containsAll(pattern, c.Item.TriggerPattern) {
					continue
				}
			}
			plan := materializePlan(c.Item.SuccessfulWorkflow, goal)
			o.trace(trace.EventFastPath(taskID, c.Item.WorkflowID))
			return plan, c.Item.WorkflowID, nil
		}
	}

	plan, err := o.planner.Plan(ctx, goal)
	if err != nil {
		return types.Plan{}, "", fmt.Errorf("orchestrator: plan: %w", err)
	}
	o.trace(trace.EventPlan(taskID, len(plan.Steps)))

	if err := o.validatePlan(plan); err != nil {
		repaired, repairErr := o.planner.Repair(ctx, goal, plan, err)
		if repairErr != nil {
			return types.Plan{}, "", fmt.Errorf("orchestrator: plan repair failed: %w (original: %v)", repairErr, err)
		}
		if valErr := o.validatePlan(repaired); valErr != nil {
			return types.Plan{}, "", fmt.Errorf("orchestrator: repaired plan still invalid: %w", valErr)
		}
		plan = repaired
		o.trace(trace.EventPlanRepaired(taskID, err))
	}

	return plan, "", nil
}

func (o *Orchestrator) validatePlan(plan types.Plan) error {
	for _, step := range plan.Steps {
		if err := o.registry.Validate(step.Agent, step.Params); err != nil {
			return err
		}
	}
	return nil
}

// materializePlan resolves a reused workflow's slot-templated steps against
// the current goal; prior-step-output placeholders are resolved lazily
// during execute since those outputs don't exist yet at reuse time.
func materializePlan(templateSteps []types.PlanStep, goal string) types.Plan {
	steps := make([]types.PlanStep, len(templateSteps))
	for i, s := range templateSteps {
		steps[i] = types.PlanStep{Agent: s.Agent, ParamsTemplate: s.ParamsTemplate}
	}
	_ = goal // goal substitution happens per-step in execute via materialize()
	return types.Plan{Steps: steps}
}

// execute runs the Execute state: each step in order, with parameter
// repair and retry on failure.
func (o *Orchestrator) execute(ctx context.Context, taskID, sessionID, userID, goal string, plan types.Plan) ([]map[string]any, error) {
	outputsByStep := make([]map[string]any, 0, len(plan.Steps))

	for i, step := range plan.Steps {
		agent, ok := o.registry.Get(step.Agent)
		if !ok {
			o.recordFailureLesson(ctx, goal, step.Agent, fmt.Errorf("unknown agent %q", step.Agent))
			return nil, fmt.Errorf("orchestrator: step %d: unknown agent %q", i, step.Agent)
		}

		params := step.Params
		if params == nil && step.ParamsTemplate != nil {
			params = materialize(step.ParamsTemplate, goal, outputsByStep)
		}

		priorOutputs := make(map[string]any, len(outputsByStep))
		for j, out := range outputsByStep {
			priorOutputs[fmt.Sprintf("step_%d", j)] = out
		}

		o.trace(trace.EventStepStarted(taskID, step.Agent))
		result, execErr := agent.Execute(ctx, params, subagents.ExecContext{
			SessionID: sessionID, UserID: userID, PriorOutputs: priorOutputs,
		})

		if execErr == nil {
			if errVal, hasErr := result.Output["error"]; !hasErr || errVal == nil || errVal == "" {
				outputsByStep = append(outputsByStep, result.Output)
				o.trace(trace.EventStepSucceeded(taskID, step.Agent))
				continue
			}
			execErr = fmt.Errorf("%v", result.Output["error"])
		}

		repairedOutput, repairErr := o.retryWithRepair(ctx, taskID, sessionID, userID, step.Agent, params, execErr)
		if repairErr != nil {
			o.recordFailureLesson(ctx, goal, step.Agent, repairErr)
			return nil, fmt.Errorf("orchestrator: step %d (%s) failed after repair: %w", i, step.Agent, repairErr)
		}
		outputsByStep = append(outputsByStep, repairedOutput)
		o.trace(trace.EventStepSucceeded(taskID, step.Agent))
	}

	return outputsByStep, nil
}

func (o *Orchestrator) retryWithRepair(ctx context.Context, taskID, sessionID, userID, agentName string, params map[string]any, cause error) (map[string]any, error) {
	agent, ok := o.registry.Get(agentName)
	if !ok {
		return nil, cause
	}

	lastErr := cause
	for attempt := 0; attempt < o.cfg.StepRetries; attempt++ {
		repairedParams, repairErr := o.planner.RepairStepParams(ctx, agentName, params, lastErr)
		if repairErr != nil {
			lastErr = repairErr
			continue
		}
		params = repairedParams
		o.trace(trace.EventStepRepaired(taskID, agentName, attempt+1, lastErr))

		result, execErr := agent.Execute(ctx, params, subagents.ExecContext{SessionID: sessionID, UserID: userID})
		if execErr != nil {
			lastErr = execErr
			continue
		}
		if errVal, hasErr := result.Output["error"]; hasErr && errVal != nil && errVal != "" {
			lastErr = fmt.Errorf("%v", errVal)
			continue
		}
		return result.Output, nil
	}
	return nil, lastErr
}

func (o *Orchestrator) recordFailureLesson(ctx context.Context, goal, agent string, cause error) {
	lesson := &types.Lesson{
		LessonID:   uuid.New().String(),
		GoalText:   goal,
		Agent:      agent,
		Status:     types.LessonStatusFail,
		Error:      cause.Error(),
		FixSummary: "exhausted step_retries parameter-repair attempts",
		CreatedAt:  time.Now(),
	}
	if err := o.lessons.InsertLesson(ctx, lesson); err != nil {
		o.log.Warn().Err(err).Msg("failed to record orchestrator failure lesson")
	}
}

// persistRound writes the goal and final answer to M1 as a completed round
// and, if an Extractor is wired, hands it the round for M2 triggering —
// exactly the same append-then-notify sequence a chat turn goes through.
func (o *Orchestrator) persistRound(ctx context.Context, sessionID, goal, answer string) {
	roundID, err := o.turns.NextRoundID(ctx, sessionID)
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to allocate round id for task turn")
		return
	}
	now := time.Now()
	userTurn := &types.Turn{SessionID: sessionID, RoundID: roundID, Speaker: types.SpeakerUser, Content: goal, Timestamp: now}
	assistantTurn := &types.Turn{SessionID: sessionID, RoundID: roundID, Speaker: types.SpeakerAssistant, Content: answer, Timestamp: now}

	if err := o.turns.AppendTurn(ctx, userTurn); err != nil {
		o.log.Warn().Err(err).Msg("failed to persist task user turn")
	}
	if err := o.turns.AppendTurn(ctx, assistantTurn); err != nil {
		o.log.Warn().Err(err).Msg("failed to persist task assistant turn")
	}

	if o.extractor != nil {
		round := &types.Round{SessionID: sessionID, RoundID: roundID, User: userTurn, Assistant: assistantTurn}
		o.extractor.OnRoundComplete(ctx, round)
	}
}

// distillAndStore templates the successful plan and
// upsert it into M3 under a lock keyed by the trigger embedding's cluster,
// merging into an existing near-duplicate workflow instead of inserting a
// second one when the dedup similarity gate is met.
func (o *Orchestrator) distillAndStore(ctx context.Context, goal string, goalEmbedding []float32, plan types.Plan, outputsByStep []map[string]any) {
	key := clusterKey(goalEmbedding)
	lock := o.clusters.get(key)
	lock.Lock()
	defer lock.Unlock()

	similar, err := o.workflows.VectorSearchWorkflows(ctx, goalEmbedding, 5)
	if err == nil {
		for _, s := range similar {
			if s.Score >= o.cfg.DistillDedupThreshold {
				if bumpErr := o.workflows.BumpUsage(ctx, s.Item.WorkflowID); bumpErr != nil {
					o.log.Warn().Err(bumpErr).Msg("failed to bump usage on near-duplicate workflow")
				}
				return
			}
		}
	}

	templatedSteps := templatize(goal, plan.Steps, outputsByStep)
	resultKeys := make([]string, 0)
	if len(outputsByStep) > 0 {
		for k := range outputsByStep[len(outputsByStep)-1] {
			resultKeys = append(resultKeys, k)
		}
	}

	now := time.Now()
	workflow := &types.Workflow{
		WorkflowID:         uuid.New().String(),
		TriggerEmbedding:   goalEmbedding,
		TriggerPattern:     triggerPattern(goal, 6),
		SuccessfulWorkflow: templatedSteps,
		ResultKeys:         resultKeys,
		UsageCount:         0,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := o.workflows.InsertWorkflow(ctx, workflow); err != nil {
		o.log.Warn().Err(err).Msg("failed to store distilled workflow")
	}
}

func extractAnswer(outputsByStep []map[string]any) string {
	if len(outputsByStep) == 0 {
		return ""
	}
	last := outputsByStep[len(outputsByStep)-1]
	for _, key := range []string{"answer", "report", "summary"} {
		if v, ok := last[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return fmt.Sprintf("%v", last)
}

// containsAll reports whether every space-separated word of pattern
// appears somewhere in candidate; used for the trigger_pattern match gate
// in Reuse-Lookup.
func containsAll(candidate, pattern string) bool {
	for _, word := range strings.Fields(pattern) {
		if word != "" && !strings.Contains(candidate, word) {
			return false
		}
	}
	return true
}
