package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memfuse/internal/config"
	"github.com/scrypster/memfuse/internal/store"
	"github.com/scrypster/memfuse/internal/subagents"
	"github.com/scrypster/memfuse/internal/trace"
	"github.com/scrypster/memfuse/pkg/types"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}
func (f *fakeEmbedder) Model() string  { return "fake" }
func (f *fakeEmbedder) Dimension() int { return len(f.vec) }

type fakeLLM struct {
	responses []string
	i         int
	err       error
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.i >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	r := f.responses[f.i]
	f.i++
	return r, nil
}
func (f *fakeLLM) Model() string { return "fake" }

type fakeWorkflowStore struct {
	inserted []*types.Workflow
	bumped   []string
	search   []store.Scored[*types.Workflow]
}

func (f *fakeWorkflowStore) InsertWorkflow(ctx context.Context, w *types.Workflow) error {
	f.inserted = append(f.inserted, w)
	return nil
}
func (f *fakeWorkflowStore) VectorSearchWorkflows(ctx context.Context, embedding []float32, topK int) ([]store.Scored[*types.Workflow], error) {
	return f.search, nil
}
func (f *fakeWorkflowStore) BumpUsage(ctx context.Context, workflowID string) error {
	f.bumped = append(f.bumped, workflowID)
	return nil
}
func (f *fakeWorkflowStore) GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error) {
	return nil, store.ErrNotFound
}
func (f *fakeWorkflowStore) ListWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	return f.inserted, nil
}
func (f *fakeWorkflowStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	return nil
}

type fakeLessonStore struct {
	lessons []*types.Lesson
}

func (f *fakeLessonStore) InsertLesson(ctx context.Context, lesson *types.Lesson) error {
	f.lessons = append(f.lessons, lesson)
	return nil
}
func (f *fakeLessonStore) RecentLessonsForAgent(ctx context.Context, agent string, limit int) ([]*types.Lesson, error) {
	return nil, nil
}
func (f *fakeLessonStore) PruneLessonsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeTurnStore struct {
	appended []*types.Turn
	nextID   int64
}

func (f *fakeTurnStore) AppendTurn(ctx context.Context, turn *types.Turn) error {
	f.appended = append(f.appended, turn)
	return nil
}
func (f *fakeTurnStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]*types.Turn, error) {
	return f.appended, nil
}
func (f *fakeTurnStore) NextRoundID(ctx context.Context, sessionID string) (int64, error) {
	f.nextID++
	return f.nextID, nil
}

type stubAgent struct {
	name    string
	schema  subagents.Schema
	output  map[string]any
	err     error
	failN   int // fail this many calls before succeeding
	calls   int
}

func (a *stubAgent) Name() string             { return a.name }
func (a *stubAgent) Schema() subagents.Schema { return a.schema }
func (a *stubAgent) Execute(ctx context.Context, params map[string]any, execCtx subagents.ExecContext) (subagents.Result, error) {
	a.calls++
	if a.calls <= a.failN {
		return subagents.Result{}, errors.New("transient stub failure")
	}
	if a.err != nil {
		return subagents.Result{}, a.err
	}
	return subagents.Result{Output: a.output}, nil
}

func testProceduralConfig() config.ProceduralConfig {
	return config.ProceduralConfig{
		Enabled:               true,
		ReuseThreshold:        0.9,
		DistillDedupThreshold: 0.97,
		StepRetries:           2,
		ClassifierEnabled:     false,
	}
}

func newTestOrchestrator(workflows *fakeWorkflowStore, lessons *fakeLessonStore, turns *fakeTurnStore, embedder *fakeEmbedder, llm *fakeLLM, registry *subagents.Registry) *Orchestrator {
	planner := NewPlanner(llm, registry)
	return New(workflows, lessons, turns, embedder, planner, registry, nil, testProceduralConfig(), zerolog.Nop())
}

func TestHandleRequestPlansAndExecutesSuccessfully(t *testing.T) {
	registry := subagents.NewRegistry()
	registry.Register(&stubAgent{name: "RAGQueryAgent", schema: subagents.Schema{"query": {Required: true, Type: "string"}}, output: map[string]any{"answer": "42"}})

	llm := &fakeLLM{responses: []string{`{"steps":[{"agent":"RAGQueryAgent","params":{"query":"what is the answer"}}]}`}}
	workflows := &fakeWorkflowStore{}
	turns := &fakeTurnStore{}
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}

	o := newTestOrchestrator(workflows, &fakeLessonStore{}, turns, embedder, llm, registry)
	outcome, err := o.HandleRequest(context.Background(), "sess-1", "user-1", "what is the answer")
	require.NoError(t, err)
	assert.Equal(t, "42", outcome.Answer)
	assert.False(t, outcome.Reused)
	require.Len(t, workflows.inserted, 1)
	assert.Equal(t, int64(0), workflows.inserted[0].UsageCount)
	assert.Len(t, turns.appended, 2)
}

func TestHandleRequestRecordsTraceEventsWhenRecorderAttached(t *testing.T) {
	registry := subagents.NewRegistry()
	registry.Register(&stubAgent{name: "RAGQueryAgent", schema: subagents.Schema{"query": {Required: true, Type: "string"}}, output: map[string]any{"answer": "42"}})

	llm := &fakeLLM{responses: []string{`{"steps":[{"agent":"RAGQueryAgent","params":{"query":"what is the answer"}}]}`}}
	workflows := &fakeWorkflowStore{}
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}

	o := newTestOrchestrator(workflows, &fakeLessonStore{}, &fakeTurnStore{}, embedder, llm, registry)
	recorder := trace.NewRecorder(nil)
	o.WithRecorder(recorder)

	outcome, err := o.HandleRequest(context.Background(), "sess-1", "user-1", "what is the answer")
	require.NoError(t, err)

	events := recorder.Events(outcome.TaskID)
	require.NotEmpty(t, events)
	kinds := make([]trace.EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	assert.Contains(t, kinds, trace.KindReuseLookup)
	assert.Contains(t, kinds, trace.KindPlan)
	assert.Contains(t, kinds, trace.KindStepStarted)
	assert.Contains(t, kinds, trace.KindStepSucceeded)
	assert.Contains(t, kinds, trace.KindSuccess)
}

func TestHandleRequestReusesWorkflowAboveThreshold(t *testing.T) {
	registry := subagents.NewRegistry()
	registry.Register(&stubAgent{name: "RAGQueryAgent", schema: subagents.Schema{"query": {Required: true, Type: "string"}}, output: map[string]any{"answer": "cached answer"}})

	stored := &types.Workflow{
		WorkflowID:         "wf-1",
		TriggerEmbedding:   []float32{1, 0, 0},
		SuccessfulWorkflow: []types.PlanStep{{Agent: "RAGQueryAgent", ParamsTemplate: map[string]any{"query": "{{goal}}"}}},
		UsageCount:         3,
	}
	workflows := &fakeWorkflowStore{search: []store.Scored[*types.Workflow]{{Item: stored, Score: 0.95}}}
	llm := &fakeLLM{err: errors.New("planner should not be called on reuse")}

	o := newTestOrchestrator(workflows, &fakeLessonStore{}, &fakeTurnStore{}, &fakeEmbedder{vec: []float32{1, 0, 0}}, llm, registry)
	outcome, err := o.HandleRequest(context.Background(), "sess-1", "user-1", "reused goal")
	require.NoError(t, err)
	assert.True(t, outcome.Reused)
	assert.Equal(t, "cached answer", outcome.Answer)
	assert.Contains(t, workflows.bumped, "wf-1")
	assert.Empty(t, workflows.inserted)
}

func TestHandleRequestFallsBackToPlanBelowReuseThreshold(t *testing.T) {
	registry := subagents.NewRegistry()
	registry.Register(&stubAgent{name: "RAGQueryAgent", schema: subagents.Schema{"query": {Required: true, Type: "string"}}, output: map[string]any{"answer": "fresh answer"}})

	stored := &types.Workflow{WorkflowID: "wf-1", TriggerEmbedding: []float32{1, 0, 0}}
	workflows := &fakeWorkflowStore{search: []store.Scored[*types.Workflow]{{Item: stored, Score: 0.5}}}
	llm := &fakeLLM{responses: []string{`{"steps":[{"agent":"RAGQueryAgent","params":{"query":"fresh goal"}}]}`}}

	o := newTestOrchestrator(workflows, &fakeLessonStore{}, &fakeTurnStore{}, &fakeEmbedder{vec: []float32{1, 0, 0}}, llm, registry)
	outcome, err := o.HandleRequest(context.Background(), "sess-1", "user-1", "fresh goal")
	require.NoError(t, err)
	assert.False(t, outcome.Reused)
	assert.Equal(t, "fresh answer", outcome.Answer)
}

func TestHandleRequestRepairsInvalidPlanOnce(t *testing.T) {
	registry := subagents.NewRegistry()
	registry.Register(&stubAgent{name: "RAGQueryAgent", schema: subagents.Schema{"query": {Required: true, Type: "string"}}, output: map[string]any{"answer": "ok"}})

	llm := &fakeLLM{responses: []string{
		`{"steps":[{"agent":"RAGQueryAgent","params":{}}]}`,                    // missing required "query" -> invalid
		`{"steps":[{"agent":"RAGQueryAgent","params":{"query":"repaired"}}]}`, // repair
	}}
	workflows := &fakeWorkflowStore{}

	o := newTestOrchestrator(workflows, &fakeLessonStore{}, &fakeTurnStore{}, &fakeEmbedder{vec: []float32{1, 0, 0}}, llm, registry)
	outcome, err := o.HandleRequest(context.Background(), "sess-1", "user-1", "goal needing repair")
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Answer)
}

func TestHandleRequestStepRetryRecoversAfterTransientFailure(t *testing.T) {
	registry := subagents.NewRegistry()
	agent := &stubAgent{name: "RAGQueryAgent", schema: subagents.Schema{"query": {Required: true, Type: "string"}}, output: map[string]any{"answer": "recovered"}, failN: 1}
	registry.Register(agent)

	llm := &fakeLLM{responses: []string{
		`{"steps":[{"agent":"RAGQueryAgent","params":{"query":"goal"}}]}`,
		`{"params":{"query":"goal-repaired"}}`,
	}}

	o := newTestOrchestrator(&fakeWorkflowStore{}, &fakeLessonStore{}, &fakeTurnStore{}, &fakeEmbedder{vec: []float32{1, 0, 0}}, llm, registry)
	outcome, err := o.HandleRequest(context.Background(), "sess-1", "user-1", "goal")
	require.NoError(t, err)
	assert.Equal(t, "recovered", outcome.Answer)
	assert.Equal(t, 2, agent.calls)
}

func TestHandleRequestRecordsLessonAfterStepRetriesExhausted(t *testing.T) {
	registry := subagents.NewRegistry()
	agent := &stubAgent{name: "RAGQueryAgent", schema: subagents.Schema{"query": {Required: true, Type: "string"}}, failN: 10}
	registry.Register(agent)

	llm := &fakeLLM{responses: []string{
		`{"steps":[{"agent":"RAGQueryAgent","params":{"query":"goal"}}]}`,
		`{"params":{"query":"goal-2"}}`,
		`{"params":{"query":"goal-3"}}`,
	}}
	lessons := &fakeLessonStore{}

	o := newTestOrchestrator(&fakeWorkflowStore{}, lessons, &fakeTurnStore{}, &fakeEmbedder{vec: []float32{1, 0, 0}}, llm, registry)
	_, err := o.HandleRequest(context.Background(), "sess-1", "user-1", "goal")
	require.Error(t, err)
	require.Len(t, lessons.lessons, 1)
	assert.Equal(t, types.LessonStatusFail, lessons.lessons[0].Status)
}

func TestDistillTemplatizesGoalAndPriorStepOutput(t *testing.T) {
	steps := []types.PlanStep{
		{Agent: "WebSearchAgent", Params: map[string]any{"query": "climate change"}},
		{Agent: "ReportGenerationAgent", Params: map[string]any{"title": "found abstract text"}},
	}
	outputs := []map[string]any{
		{"result": "found abstract text"},
	}
	templated := templatize("climate change", steps, outputs)
	require.Len(t, templated, 2)
	assert.Equal(t, "{{goal}}", templated[0].ParamsTemplate["query"])
	assert.Equal(t, "{{steps.0.output.result}}", templated[1].ParamsTemplate["title"])
}

func TestMaterializeResolvesGoalAndStepPlaceholders(t *testing.T) {
	template := map[string]any{"query": "{{goal}}", "title": "{{steps.0.output.result}}"}
	outputs := []map[string]any{{"result": "abstract text"}}
	resolved := materialize(template, "my goal", outputs)
	assert.Equal(t, "my goal", resolved["query"])
	assert.Equal(t, "abstract text", resolved["title"])
}

func TestClusterKeyQuantizesNearDuplicateEmbeddings(t *testing.T) {
	a := clusterKey([]float32{0.101, 0.502})
	b := clusterKey([]float32{0.104, 0.498})
	assert.Equal(t, a, b)
}

func TestClusterKeyDiffersForDistinctEmbeddings(t *testing.T) {
	a := clusterKey([]float32{0.1, 0.5})
	b := clusterKey([]float32{0.9, 0.1})
	assert.NotEqual(t, a, b)
}

func TestDistillDedupSkipsInsertAboveThreshold(t *testing.T) {
	registry := subagents.NewRegistry()
	registry.Register(&stubAgent{name: "RAGQueryAgent", schema: subagents.Schema{"query": {Required: true, Type: "string"}}, output: map[string]any{"answer": "x"}})

	existing := &types.Workflow{WorkflowID: "wf-dup", TriggerPattern: "unrelated pattern text"}
	workflows := &fakeWorkflowStore{search: []store.Scored[*types.Workflow]{{Item: existing, Score: 0.99}}}
	llm := &fakeLLM{responses: []string{`{"steps":[{"agent":"RAGQueryAgent","params":{"query":"goal"}}]}`}}

	o := newTestOrchestrator(workflows, &fakeLessonStore{}, &fakeTurnStore{}, &fakeEmbedder{vec: []float32{0.3, 0.3, 0.3}}, llm, registry)
	_, err := o.HandleRequest(context.Background(), "sess-1", "user-1", "goal")
	require.NoError(t, err)
	assert.Empty(t, workflows.inserted)
	assert.Contains(t, workflows.bumped, "wf-dup")
}

func TestDistillInsertsFreshWorkflowWithZeroUsageCount(t *testing.T) {
	registry := subagents.NewRegistry()
	registry.Register(&stubAgent{name: "RAGQueryAgent", schema: subagents.Schema{"query": {Required: true, Type: "string"}}, output: map[string]any{"answer": "x"}})

	workflows := &fakeWorkflowStore{}
	llm := &fakeLLM{responses: []string{`{"steps":[{"agent":"RAGQueryAgent","params":{"query":"goal"}}]}`}}

	o := newTestOrchestrator(workflows, &fakeLessonStore{}, &fakeTurnStore{}, &fakeEmbedder{vec: []float32{0.3, 0.3, 0.3}}, llm, registry)
	_, err := o.HandleRequest(context.Background(), "sess-1", "user-1", "goal")
	require.NoError(t, err)

	require.Len(t, workflows.inserted, 1)
	assert.Equal(t, int64(0), workflows.inserted[0].UsageCount)
}

func TestHandleRequestUsesFallbackPlanWhenPlannerLLMUnreachable(t *testing.T) {
	registry := subagents.NewRegistry()
	rag := &stubAgent{name: "RAGQueryAgent", schema: subagents.Schema{"query": {Required: true, Type: "string"}}, output: map[string]any{"answer": "fallback answer"}}
	registry.Register(rag)

	workflows := &fakeWorkflowStore{}
	llm := &fakeLLM{err: errors.New("planner llm unreachable")}

	o := newTestOrchestrator(workflows, &fakeLessonStore{}, &fakeTurnStore{}, &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}}, llm, registry)
	outcome, err := o.HandleRequest(context.Background(), "sess-1", "user-1", "what is the weather")
	require.NoError(t, err)

	require.Len(t, outcome.Steps, 1)
	assert.Equal(t, "RAGQueryAgent", outcome.Steps[0].Agent)
	assert.Equal(t, "fallback answer", outcome.Answer)
	assert.Equal(t, 1, rag.calls)
}
