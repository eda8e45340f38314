package subagents

import (
	"context"
	"fmt"

	memcontext "github.com/scrypster/memfuse/internal/context"
	"github.com/scrypster/memfuse/internal/llmclient"
	"github.com/scrypster/memfuse/internal/retriever"
	"github.com/scrypster/memfuse/internal/store"
)

// RAGQueryAgent answers a natural-language query by fusing recall through
// the same Retriever and Context Controller the chat path uses, then
// completing against the LLM — grounded on the original's RAGQueryAgent,
// which simply calls the chat RAG service.
type RAGQueryAgent struct {
	retriever *retriever.Retriever
	context   *memcontext.Controller
	llm       llmclient.LLM
	turns     store.TurnStore
}

func NewRAGQueryAgent(r *retriever.Retriever, c *memcontext.Controller, llm llmclient.LLM, turns store.TurnStore) *RAGQueryAgent {
	return &RAGQueryAgent{retriever: r, context: c, llm: llm, turns: turns}
}

func (a *RAGQueryAgent) Name() string { return "RAGQueryAgent" }

func (a *RAGQueryAgent) Schema() Schema {
	return Schema{
		"query": {Required: true, Type: "string"},
	}
}

func (a *RAGQueryAgent) Execute(ctx context.Context, params map[string]any, execCtx ExecContext) (Result, error) {
	query, _ := params["query"].(string)
	if query == "" {
		query, _ = params["question"].(string)
	}
	if query == "" {
		return Result{}, fmt.Errorf("subagents: RAGQueryAgent requires query")
	}

	recall, err := a.retriever.Retrieve(ctx, retriever.Options{
		Query: query, SessionID: execCtx.SessionID, PreferSession: true,
		IncludeChunks: true, IncludeFacts: true,
	})
	if err != nil {
		return Result{Output: map[string]any{"error": err.Error()}}, nil
	}

	turns, err := a.turns.ListTurns(ctx, execCtx.SessionID, 20)
	if err != nil {
		turns = nil
	}
	msgs := a.context.Build(query, turns, recall, "Answer the user's question using the provided context.")
	answer, err := a.llm.Complete(ctx, memcontext.Render(msgs))
	if err != nil {
		return Result{Output: map[string]any{"error": err.Error()}}, nil
	}
	return Result{Output: map[string]any{"answer": answer}}, nil
}
