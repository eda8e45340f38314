package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memfuse/internal/config"
	memcontext "github.com/scrypster/memfuse/internal/context"
	"github.com/scrypster/memfuse/internal/orchestrator"
	"github.com/scrypster/memfuse/internal/ratelimit"
	"github.com/scrypster/memfuse/internal/retriever"
	"github.com/scrypster/memfuse/internal/store"
	"github.com/scrypster/memfuse/internal/subagents"
	"github.com/scrypster/memfuse/internal/tokenizer"
	"github.com/scrypster/memfuse/pkg/types"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) { return []float32{1, 0}, nil }
func (fakeEmbedder) Model() string                                             { return "fake" }
func (fakeEmbedder) Dimension() int                                            { return 2 }

type fakeTurnStore struct {
	mu       sync.Mutex
	appended []*types.Turn
	nextID   int64
}

func (f *fakeTurnStore) AppendTurn(ctx context.Context, turn *types.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, turn)
	return nil
}
func (f *fakeTurnStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]*types.Turn, error) {
	return nil, nil
}
func (f *fakeTurnStore) NextRoundID(ctx context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID, nil
}

type fakeChunkStore struct{}

func (fakeChunkStore) UpsertChunk(ctx context.Context, chunk *types.Chunk) (bool, error) {
	return true, nil
}
func (fakeChunkStore) VectorSearchChunks(ctx context.Context, embedding []float32, topK int, sessionID string) ([]store.Scored[*types.Chunk], error) {
	return nil, nil
}
func (fakeChunkStore) CountSessionChunks(ctx context.Context, sessionID string) (int, error) {
	return 0, nil
}
func (fakeChunkStore) FetchRecentChunks(ctx context.Context, limit int, sessionID string) ([]*types.Chunk, error) {
	return nil, nil
}

type fakeFactStore struct{}

func (fakeFactStore) InsertFact(ctx context.Context, fact *types.Fact) (bool, error) { return true, nil }
func (fakeFactStore) VectorSearchFacts(ctx context.Context, sessionID string, embedding []float32, topK int) ([]store.Scored[*types.Fact], error) {
	return nil, nil
}
func (fakeFactStore) KeywordSearchFacts(ctx context.Context, sessionID string, keywords []string, topK int) ([]store.Scored[*types.Fact], error) {
	return nil, nil
}
func (fakeFactStore) SimilarSameTypeFacts(ctx context.Context, sessionID string, factType types.FactType, embedding []float32, topK int) ([]store.Scored[*types.Fact], error) {
	return nil, nil
}
func (fakeFactStore) GetFact(ctx context.Context, factID string) (*types.Fact, error) {
	return nil, errors.New("not found")
}

type fakeWorkflowStore struct {
	searched *int32
}

func (f fakeWorkflowStore) InsertWorkflow(ctx context.Context, w *types.Workflow) error { return nil }
func (f fakeWorkflowStore) VectorSearchWorkflows(ctx context.Context, embedding []float32, topK int) ([]store.Scored[*types.Workflow], error) {
	if f.searched != nil {
		atomic.AddInt32(f.searched, 1)
	}
	return nil, nil
}
func (fakeWorkflowStore) BumpUsage(ctx context.Context, workflowID string) error { return nil }
func (fakeWorkflowStore) GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error) {
	return nil, errors.New("not found")
}
func (fakeWorkflowStore) ListWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	return nil, nil
}
func (fakeWorkflowStore) DeleteWorkflow(ctx context.Context, workflowID string) error { return nil }

type fakeLLM struct {
	answer string
	err    error
	calls  int32
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}
func (f *fakeLLM) Model() string { return "fake" }

func testContextConfig() config.ContextConfig {
	return config.ContextConfig{
		UserInputMaxTokens:    1000,
		HistoryMaxTokens:      1000,
		TotalContextMaxTokens: 4000,
		SystemPrompt:          "you are a helpful assistant",
		HistoryFetchRounds:    5,
	}
}

func newTestRouter(t *testing.T, llm *fakeLLM, turns *fakeTurnStore, orch *orchestrator.Orchestrator) *Router {
	ret := retriever.New(fakeChunkStore{}, fakeFactStore{}, fakeWorkflowStore{}, fakeEmbedder{}, config.RetrievalConfig{RAGTopK: 5})
	ctrl := memcontext.New(tokenizer.Global, testContextConfig())
	limiter := ratelimit.New(1000, 1000, 1000, 1000)
	return New(turns, ret, ctrl, llm, nil, orch, limiter, testContextConfig(), zerolog.Nop())
}

func TestResolveSessionIsStableForSameKey(t *testing.T) {
	r := newTestRouter(t, &fakeLLM{answer: "hi"}, &fakeTurnStore{}, nil)
	a := r.ResolveSession("alice")
	b := r.ResolveSession("alice")
	assert.Equal(t, a, b)
}

func TestResolveSessionMintsFreshIDForEmptyKey(t *testing.T) {
	r := newTestRouter(t, &fakeLLM{answer: "hi"}, &fakeTurnStore{}, nil)
	a := r.ResolveSession("")
	b := r.ResolveSession("")
	assert.NotEqual(t, a, b)
}

func TestHandleChatPersistsBothTurnsAndReturnsAnswer(t *testing.T) {
	llm := &fakeLLM{answer: "42"}
	turns := &fakeTurnStore{}
	r := newTestRouter(t, llm, turns, nil)

	resp, err := r.Handle(context.Background(), Request{SessionKey: "alice", Query: "what is the answer?"})
	require.NoError(t, err)
	assert.Equal(t, "42", resp.Answer)
	assert.Empty(t, resp.TaskID)
	assert.Len(t, turns.appended, 2)
}

func TestHandleChatDoesNotFuseWorkflowsIntoDefaultRecall(t *testing.T) {
	var searched int32
	llm := &fakeLLM{answer: "42"}
	turns := &fakeTurnStore{}
	ret := retriever.New(fakeChunkStore{}, fakeFactStore{}, fakeWorkflowStore{searched: &searched}, fakeEmbedder{}, config.RetrievalConfig{RAGTopK: 5})
	ctrl := memcontext.New(tokenizer.Global, testContextConfig())
	limiter := ratelimit.New(1000, 1000, 1000, 1000)
	r := New(turns, ret, ctrl, llm, nil, nil, limiter, testContextConfig(), zerolog.Nop())

	_, err := r.Handle(context.Background(), Request{SessionKey: "alice", Query: "what is the answer?"})
	require.NoError(t, err)
	assert.Zero(t, atomic.LoadInt32(&searched), "plain chat must not fuse M3 workflows into recall")
}

func TestHandleTaskTagRoutesToOrchestrator(t *testing.T) {
	registry := subagents.NewRegistry()
	registry.Register(&stubAgent{name: "RAGQueryAgent", output: map[string]any{"answer": "task done"}})
	planner := orchestrator.NewPlanner(&fakeLLM{answer: `{"steps":[{"agent":"RAGQueryAgent","params":{}}]}`}, registry)
	workflows := fakeWorkflowStore{}
	turns := &fakeTurnStore{}
	orch := orchestrator.New(workflows, fakeLessonStore{}, turns, fakeEmbedder{}, planner, registry, nil, config.ProceduralConfig{ReuseThreshold: 0.9, DistillDedupThreshold: 0.97, StepRetries: 2}, zerolog.Nop())

	r := newTestRouter(t, &fakeLLM{answer: "unused"}, turns, orch)
	resp, err := r.Handle(context.Background(), Request{SessionKey: "bob", Query: "do the task", Tag: "m3"})
	require.NoError(t, err)
	assert.Equal(t, "task done", resp.Answer)
	assert.NotEmpty(t, resp.TaskID)
}

func TestHandleTaskWithoutOrchestratorReturnsError(t *testing.T) {
	r := newTestRouter(t, &fakeLLM{answer: "unused"}, &fakeTurnStore{}, nil)
	_, err := r.Handle(context.Background(), Request{SessionKey: "bob", Query: "do the task", Tag: "m3"})
	require.Error(t, err)
}

func TestHandleRespectsRateLimit(t *testing.T) {
	llm := &fakeLLM{answer: "hi"}
	turns := &fakeTurnStore{}
	ret := retriever.New(fakeChunkStore{}, fakeFactStore{}, fakeWorkflowStore{}, fakeEmbedder{}, config.RetrievalConfig{RAGTopK: 5})
	ctrl := memcontext.New(tokenizer.Global, testContextConfig())
	limiter := ratelimit.New(1, 1, 1, 1)
	r := New(turns, ret, ctrl, llm, nil, nil, limiter, testContextConfig(), zerolog.Nop())

	_, err := r.Handle(context.Background(), Request{SessionKey: "carol", Query: "one"})
	require.NoError(t, err)
	_, err = r.Handle(context.Background(), Request{SessionKey: "carol", Query: "two"})
	require.Error(t, err)
}

func TestSessionLockSerializesConcurrentRequestsForSameSession(t *testing.T) {
	llm := &fakeLLM{answer: "hi"}
	turns := &fakeTurnStore{}
	r := newTestRouter(t, llm, turns, nil)

	sessionKey := "dave"
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Handle(context.Background(), Request{SessionKey: sessionKey, Query: "concurrent"})
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for concurrent requests")
	}
	assert.Len(t, turns.appended, 10)
}

type stubAgent struct {
	name   string
	output map[string]any
}

func (s *stubAgent) Name() string { return s.name }
func (s *stubAgent) Schema() subagents.Schema {
	return subagents.Schema{}
}
func (s *stubAgent) Execute(ctx context.Context, params map[string]any, execCtx subagents.ExecContext) (subagents.Result, error) {
	return subagents.Result{Output: s.output}, nil
}

type fakeLessonStore struct{}

func (fakeLessonStore) InsertLesson(ctx context.Context, lesson *types.Lesson) error { return nil }
func (fakeLessonStore) RecentLessonsForAgent(ctx context.Context, agent string, limit int) ([]*types.Lesson, error) {
	return nil, nil
}
func (fakeLessonStore) PruneLessonsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
