package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
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
	cfg := &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: 0}, Security: config.SecurityConfig{SecurityMode: "development"}}
	return New(r, nil, recorder, cfg, zerolog.Nop()), recorder
}

func TestHandleHealthReturnsOK(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	s.mux().ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleChatReturnsAnswer(t *testing.T) {
	s, _ := newTestServer(t)
	payload, _ := json.Marshal(chatRequest{Message: "hi"})
	req := httptest.NewRequest("POST", "/v1/chat", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	s.mux().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var resp chatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hello there", resp.Answer)
	assert.NotEmpty(t, resp.SessionID)
}

func TestHandleChatRejectsEmptyMessage(t *testing.T) {
	s, _ := newTestServer(t)
	payload, _ := json.Marshal(chatRequest{Message: ""})
	req := httptest.NewRequest("POST", "/v1/chat", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	s.mux().ServeHTTP(w, req)

	assert.Equal(t, 400, w.Code)
}

func TestHandleChatRejectsNonPost(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/v1/chat", nil)
	w := httptest.NewRecorder()
	s.mux().ServeHTTP(w, req)

	assert.Equal(t, 405, w.Code)
}

func TestHandleTraceLookupReturnsRecordedEvents(t *testing.T) {
	s, recorder := newTestServer(t)
	recorder.Record(trace.EventSuccess("task-1"))

	req := httptest.NewRequest("GET", "/v1/trace/task-1", nil)
	w := httptest.NewRecorder()
	s.mux().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "task-1")
	assert.Contains(t, w.Body.String(), "success")
}

func TestAuthMiddlewareRejectsMissingTokenInProduction(t *testing.T) {
	ret := retriever.New(fakeChunkStore{}, fakeFactStore{}, fakeWorkflowStore{}, fakeEmbedder{}, config.RetrievalConfig{RAGTopK: 5})
	ctrl := memcontext.New(tokenizer.Global, testContextConfig())
	limiter := ratelimit.New(1000, 1000, 1000, 1000)
	r := router.New(&fakeTurnStore{}, ret, ctrl, &fakeLLM{answer: "hi"}, nil, nil, limiter, testContextConfig(), zerolog.Nop())
	cfg := &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Security: config.SecurityConfig{SecurityMode: "production", APIToken: "secret"},
	}
	s := New(r, nil, trace.NewRecorder(nil), cfg, zerolog.Nop())

	handler := authMiddleware(cfg.Security, securityHeadersMiddleware(s.mux()))
	req := httptest.NewRequest("GET", "/v1/trace/task-1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, 401, w.Code)
}
