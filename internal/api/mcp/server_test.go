package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memfuse/internal/config"
	memcontext "github.com/scrypster/memfuse/internal/context"
	"github.com/scrypster/memfuse/internal/ratelimit"
	"github.com/scrypster/memfuse/internal/retriever"
	"github.com/scrypster/memfuse/internal/router"
	"github.com/scrypster/memfuse/internal/store"
	"github.com/scrypster/memfuse/internal/tokenizer"
	"github.com/scrypster/memfuse/internal/trace"
	"github.com/scrypster/memfuse/pkg/types"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) { return []float32{1, 0}, nil }
func (fakeEmbedder) Model() string                                             { return "fake" }
func (fakeEmbedder) Dimension() int                                            { return 2 }

type fakeTurnStore struct{ nextID int64 }

func (f *fakeTurnStore) AppendTurn(ctx context.Context, turn *types.Turn) error { return nil }
func (f *fakeTurnStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]*types.Turn, error) {
	return nil, nil
}
func (f *fakeTurnStore) NextRoundID(ctx context.Context, sessionID string) (int64, error) {
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

type fakeWorkflowStore struct{}

func (fakeWorkflowStore) InsertWorkflow(ctx context.Context, w *types.Workflow) error { return nil }
func (fakeWorkflowStore) VectorSearchWorkflows(ctx context.Context, embedding []float32, topK int) ([]store.Scored[*types.Workflow], error) {
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

type fakeLLM struct{ answer string }

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) { return f.answer, nil }
func (f *fakeLLM) Model() string                                               { return "fake" }

func testContextConfig() config.ContextConfig {
	return config.ContextConfig{
		UserInputMaxTokens:    1000,
		HistoryMaxTokens:      1000,
		TotalContextMaxTokens: 4000,
		SystemPrompt:          "you are a helpful assistant",
		HistoryFetchRounds:    5,
	}
}

func newTestServer(t *testing.T) (*Server, *trace.Recorder) {
	ret := retriever.New(fakeChunkStore{}, fakeFactStore{}, fakeWorkflowStore{}, fakeEmbedder{}, config.RetrievalConfig{RAGTopK: 5})
	ctrl := memcontext.New(tokenizer.Global, testContextConfig())
	limiter := ratelimit.New(1000, 1000, 1000, 1000)
	llm := &fakeLLM{answer: "hello there"}
	r := router.New(&fakeTurnStore{}, ret, ctrl, llm, nil, nil, limiter, testContextConfig(), zerolog.Nop())
	recorder := trace.NewRecorder(nil)
	return NewServer(r, recorder), recorder
}

func callTool(t *testing.T, s *Server, name string, args map[string]interface{}) MCPToolCallResult {
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  "tools/call",
		Params:  MCPToolCallParams{Name: name, Arguments: args},
		ID:      1,
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	respRaw, err := s.HandleRequest(context.Background(), raw)
	require.NoError(t, err)

	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(respRaw, &resp))
	require.Nil(t, resp.Error)

	resultJSON, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result MCPToolCallResult
	require.NoError(t, json.Unmarshal(resultJSON, &result))
	return result
}

func TestHandleRequestInitialize(t *testing.T) {
	s, _ := newTestServer(t)
	req := JSONRPCRequest{JSONRPC: "2.0", Method: "initialize", ID: 1}
	raw, _ := json.Marshal(req)

	respRaw, err := s.HandleRequest(context.Background(), raw)
	require.NoError(t, err)

	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(respRaw, &resp))
	require.Nil(t, resp.Error)
}

func TestHandleRequestToolsListIncludesAllThreeTools(t *testing.T) {
	s, _ := newTestServer(t)
	req := JSONRPCRequest{JSONRPC: "2.0", Method: "tools/list", ID: 1}
	raw, _ := json.Marshal(req)

	respRaw, err := s.HandleRequest(context.Background(), raw)
	require.NoError(t, err)

	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(respRaw, &resp))
	resultJSON, _ := json.Marshal(resp.Result)
	var list MCPToolsListResult
	require.NoError(t, json.Unmarshal(resultJSON, &list))

	names := make([]string, len(list.Tools))
	for i, tool := range list.Tools {
		names[i] = tool.Name
	}
	assert.ElementsMatch(t, []string{"chat", "run_task", "get_trace"}, names)
}

func TestCallChatReturnsAnswer(t *testing.T) {
	s, _ := newTestServer(t)
	result := callTool(t, s, "chat", map[string]interface{}{"message": "hi there"})
	require.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "hello there")
}

func TestCallChatRequiresMessage(t *testing.T) {
	s, _ := newTestServer(t)
	result := callTool(t, s, "chat", map[string]interface{}{})
	assert.True(t, result.IsError)
}

func TestCallRunTaskWithoutOrchestratorIsError(t *testing.T) {
	s, _ := newTestServer(t)
	result := callTool(t, s, "run_task", map[string]interface{}{"goal": "do something"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "not configured")
}

func TestCallGetTraceReturnsRecordedEvents(t *testing.T) {
	s, recorder := newTestServer(t)
	recorder.Record(trace.EventSuccess("task-123"))

	result := callTool(t, s, "get_trace", map[string]interface{}{"task_id": "task-123"})
	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "task-123")
	assert.Contains(t, result.Content[0].Text, "success")
}

func TestUnknownToolReturnsError(t *testing.T) {
	s, _ := newTestServer(t)
	result := callTool(t, s, "nonexistent", map[string]interface{}{})
	assert.True(t, result.IsError)
}
