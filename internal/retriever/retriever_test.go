package retriever

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memfuse/internal/config"
	"github.com/scrypster/memfuse/internal/store"
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

type fakeChunkStore struct {
	sessionCount   int
	vectorResults  []store.Scored[*types.Chunk]
	recentResults  []*types.Chunk
	vectorCalled   bool
	lastScopedSess string
}

func (f *fakeChunkStore) UpsertChunk(ctx context.Context, chunk *types.Chunk) (bool, error) {
	return true, nil
}
func (f *fakeChunkStore) VectorSearchChunks(ctx context.Context, embedding []float32, topK int, sessionID string) ([]store.Scored[*types.Chunk], error) {
	f.vectorCalled = true
	f.lastScopedSess = sessionID
	return f.vectorResults, nil
}
func (f *fakeChunkStore) CountSessionChunks(ctx context.Context, sessionID string) (int, error) {
	return f.sessionCount, nil
}
func (f *fakeChunkStore) FetchRecentChunks(ctx context.Context, limit int, sessionID string) ([]*types.Chunk, error) {
	return f.recentResults, nil
}

type fakeFactStore struct {
	vectorResults  []store.Scored[*types.Fact]
	keywordResults []store.Scored[*types.Fact]
}

func (f *fakeFactStore) InsertFact(ctx context.Context, fact *types.Fact) (bool, error) {
	return true, nil
}
func (f *fakeFactStore) VectorSearchFacts(ctx context.Context, sessionID string, embedding []float32, topK int) ([]store.Scored[*types.Fact], error) {
	return f.vectorResults, nil
}
func (f *fakeFactStore) KeywordSearchFacts(ctx context.Context, sessionID string, keywords []string, topK int) ([]store.Scored[*types.Fact], error) {
	return f.keywordResults, nil
}
func (f *fakeFactStore) SimilarSameTypeFacts(ctx context.Context, sessionID string, factType types.FactType, embedding []float32, topK int) ([]store.Scored[*types.Fact], error) {
	return nil, nil
}
func (f *fakeFactStore) GetFact(ctx context.Context, factID string) (*types.Fact, error) {
	return nil, store.ErrNotFound
}

type fakeWorkflowStore struct {
	vectorResults []store.Scored[*types.Workflow]
}

func (f *fakeWorkflowStore) InsertWorkflow(ctx context.Context, workflow *types.Workflow) error {
	return nil
}
func (f *fakeWorkflowStore) VectorSearchWorkflows(ctx context.Context, embedding []float32, topK int) ([]store.Scored[*types.Workflow], error) {
	return f.vectorResults, nil
}
func (f *fakeWorkflowStore) BumpUsage(ctx context.Context, workflowID string) error { return nil }
func (f *fakeWorkflowStore) GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error) {
	return nil, store.ErrNotFound
}
func (f *fakeWorkflowStore) ListWorkflows(ctx context.Context) ([]*types.Workflow, error) {
	return nil, nil
}
func (f *fakeWorkflowStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	return nil
}

func defaultCfg() config.RetrievalConfig {
	return config.RetrievalConfig{
		RAGTopK:            5,
		StructuredTopK:     10,
		ProceduralTopK:     5,
		PreferSession:      true,
		StructuredEnabled:  true,
		KeywordFusionAlpha: 0.7,
	}
}

func TestRetrieveChunksPrefersSessionWhenScoped(t *testing.T) {
	chunk := &types.Chunk{ChunkID: "c1", Content: "session chunk", DocumentSource: "doc1", CreatedAt: time.Unix(100, 0)}
	chunks := &fakeChunkStore{sessionCount: 1, vectorResults: []store.Scored[*types.Chunk]{{Item: chunk, Score: 0.9}}}
	facts := &fakeFactStore{}
	workflows := &fakeWorkflowStore{}
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}

	r := New(chunks, facts, workflows, embedder, defaultCfg())
	items, err := r.Retrieve(context.Background(), Options{
		Query: "hello", SessionID: "sess-1", TopK: 5, PreferSession: true, IncludeChunks: true,
	})

	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "session chunk", items[0].Content)
	assert.Equal(t, "sess-1", chunks.lastScopedSess)
}

func TestRetrieveChunksFallsBackToRecentWhenVectorEmpty(t *testing.T) {
	recent := &types.Chunk{ChunkID: "c2", Content: "recent chunk", DocumentSource: "doc2", CreatedAt: time.Unix(200, 0)}
	chunks := &fakeChunkStore{recentResults: []*types.Chunk{recent}}
	facts := &fakeFactStore{}
	workflows := &fakeWorkflowStore{}
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}

	r := New(chunks, facts, workflows, embedder, defaultCfg())
	items, err := r.Retrieve(context.Background(), Options{
		Query: "hello", TopK: 5, IncludeChunks: true,
	})

	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "recent chunk", items[0].Content)
	assert.Equal(t, 0.0, items[0].Score)
}

func TestRetrieveFactsFusesVectorAndKeywordByMax(t *testing.T) {
	fact := &types.Fact{FactID: "f1", Content: "user prefers dark mode", Type: types.FactTypeUserPreference, CreatedAt: time.Unix(50, 0)}
	facts := &fakeFactStore{
		vectorResults:  []store.Scored[*types.Fact]{{Item: fact, Score: 0.4}},
		keywordResults: []store.Scored[*types.Fact]{{Item: fact, Score: 1.0}}, // alpha*1.0 = 0.7 > 0.4
	}
	chunks := &fakeChunkStore{}
	workflows := &fakeWorkflowStore{}
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}

	r := New(chunks, facts, workflows, embedder, defaultCfg())
	items, err := r.Retrieve(context.Background(), Options{
		Query: "dark mode preference", TopK: 5, IncludeFacts: true,
	})

	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.InDelta(t, 0.7, items[0].Score, 1e-9)
}

func TestRetrieveDedupsAcrossStreamsByContentHash(t *testing.T) {
	sharedContent := "duplicated content across streams"
	chunk := &types.Chunk{ChunkID: "c1", Content: sharedContent, DocumentSource: "doc1", CreatedAt: time.Unix(10, 0)}
	fact := &types.Fact{FactID: "f1", Content: sharedContent, Type: types.FactTypeFact, CreatedAt: time.Unix(20, 0)}

	chunks := &fakeChunkStore{vectorResults: []store.Scored[*types.Chunk]{{Item: chunk, Score: 0.5}}}
	facts := &fakeFactStore{vectorResults: []store.Scored[*types.Fact]{{Item: fact, Score: 0.9}}}
	workflows := &fakeWorkflowStore{}
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}

	r := New(chunks, facts, workflows, embedder, defaultCfg())
	items, err := r.Retrieve(context.Background(), Options{
		Query: "content", TopK: 5, IncludeChunks: true, IncludeFacts: true,
	})

	require.NoError(t, err)
	require.Len(t, items, 1, "duplicate content hash across streams must collapse to one item")
	assert.Equal(t, 0.9, items[0].Score, "the higher-scoring instance must survive the dedup pass")
}

func TestRetrieveWorkflowBoostAppliesBeforeFusion(t *testing.T) {
	wf := &types.Workflow{WorkflowID: "wf1", TriggerPattern: "deploy service", UpdatedAt: time.Unix(300, 0)}
	workflows := &fakeWorkflowStore{vectorResults: []store.Scored[*types.Workflow]{{Item: wf, Score: 0.6}}}
	chunks := &fakeChunkStore{}
	facts := &fakeFactStore{}
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}

	r := New(chunks, facts, workflows, embedder, defaultCfg())
	items, err := r.Retrieve(context.Background(), Options{
		Query: "deploy", TopK: 5, IncludeWorkflows: true, WorkflowBoost: 1.25,
	})

	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.InDelta(t, 0.75, items[0].Score, 1e-9)
}

func TestRetrieveTopKCapsFusedResult(t *testing.T) {
	var vecResults []store.Scored[*types.Chunk]
	for i := 0; i < 5; i++ {
		vecResults = append(vecResults, store.Scored[*types.Chunk]{
			Item:  &types.Chunk{ChunkID: string(rune('a' + i)), Content: string(rune('a' + i)), DocumentSource: "doc", CreatedAt: time.Unix(int64(i), 0)},
			Score: float64(i) / 10,
		})
	}
	chunks := &fakeChunkStore{vectorResults: vecResults}
	facts := &fakeFactStore{}
	workflows := &fakeWorkflowStore{}
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}

	r := New(chunks, facts, workflows, embedder, defaultCfg())
	items, err := r.Retrieve(context.Background(), Options{
		Query: "x", TopK: 2, IncludeChunks: true,
	})

	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, "e", items[0].Content, "highest score must come first")
}

func TestExtractKeywordsCapsAndDedups(t *testing.T) {
	kws := extractKeywords("The quick Brown fox the FOX jumps over a lazy dog 日本語日本語", 8)
	assert.Contains(t, kws, "quick")
	assert.Contains(t, kws, "brown")
	assert.Contains(t, kws, "fox")
	assert.NotContains(t, kws, "the")
	assert.NotContains(t, kws, "a")
	// dedup: "fox" and "FOX" collapse to a single entry
	count := 0
	for _, k := range kws {
		if k == "fox" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.LessOrEqual(t, len(kws), 8)
}
