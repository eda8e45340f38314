// Package router is the single entry point every transport (HTTP, MCP,
// direct library use) calls through: it resolves a caller-supplied session
// key to a stable session id, serializes concurrent requests for the same
// session, and dispatches to either chat mode (Context Controller +
// Retriever + LLM) or task mode (Orchestrator).
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scrypster/memfuse/internal/config"
	memcontext "github.com/scrypster/memfuse/internal/context"
	"github.com/scrypster/memfuse/internal/extractor"
	"github.com/scrypster/memfuse/internal/llmclient"
	"github.com/scrypster/memfuse/internal/orchestrator"
	"github.com/scrypster/memfuse/internal/ratelimit"
	"github.com/scrypster/memfuse/internal/retriever"
	"github.com/scrypster/memfuse/internal/store"
	"github.com/scrypster/memfuse/pkg/types"
)

// taskTag is the tag value that routes a request to task mode.
const taskTag = "m3"

// workflowRecallBoost is the multiplier applied to workflow-stream scores
// when a request is tagged for task-biased chat recall.
const workflowRecallBoost = 1.25

// Response is what a routed request returns, uniform across chat and task
// mode so callers don't need to branch on which path served the request.
type Response struct {
	SessionID string
	Answer    string
	TaskID    string // set only when the request was served by the Orchestrator
	Reused    bool
}

// Router wires the Context Controller, Retriever, Extractor, and
// Orchestrator behind session resolution, a per-session mutex, and global
// plus per-session rate limiting.
type Router struct {
	turns     store.TurnStore
	retriever *retriever.Retriever
	context   *memcontext.Controller
	llm       llmclient.LLM
	extractor *extractor.Extractor
	orch      *orchestrator.Orchestrator
	limiter   *ratelimit.Limiter
	cfg       config.ContextConfig
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]string // external key -> stable session uuid
	locks    map[string]*sync.Mutex
}

func New(
	turns store.TurnStore,
	ret *retriever.Retriever,
	ctrl *memcontext.Controller,
	llm llmclient.LLM,
	ex *extractor.Extractor,
	orch *orchestrator.Orchestrator,
	limiter *ratelimit.Limiter,
	cfg config.ContextConfig,
	log zerolog.Logger,
) *Router {
	return &Router{
		turns:     turns,
		retriever: ret,
		context:   ctrl,
		llm:       llm,
		extractor: ex,
		orch:      orch,
		limiter:   limiter,
		cfg:       cfg,
		log:       log,
		sessions:  make(map[string]string),
		locks:     make(map[string]*sync.Mutex),
	}
}

// ResolveSession maps an external caller-supplied key to a stable internal
// session id, minting one on first use. An empty key always mints a fresh
// session (no identity to key on).
func (r *Router) ResolveSession(externalKey string) string {
	if externalKey == "" {
		return uuid.New().String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.sessions[externalKey]; ok {
		return id
	}
	id := uuid.New().String()
	r.sessions[externalKey] = id
	return id
}

func (r *Router) sessionLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[sessionID] = lock
	}
	return lock
}

// Request is one inbound call to Handle.
type Request struct {
	SessionKey string // external session identity; resolved via ResolveSession
	UserID     string
	Query      string
	Tag        string // "" for chat mode, "m3" for task mode
}

// Handle resolves the session, serializes it against concurrent requests
// on the same session, applies rate limiting, and dispatches to chat or
// task mode based on Tag.
func (r *Router) Handle(ctx context.Context, req Request) (*Response, error) {
	sessionID := r.ResolveSession(req.SessionKey)

	if r.limiter != nil && !r.limiter.Allow(sessionID) {
		return nil, fmt.Errorf("router: rate limit exceeded for session %s", sessionID)
	}

	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if req.Tag == taskTag {
		return r.handleTask(ctx, sessionID, req)
	}
	return r.handleChat(ctx, sessionID, req)
}

func (r *Router) handleTask(ctx context.Context, sessionID string, req Request) (*Response, error) {
	if r.orch == nil {
		return nil, fmt.Errorf("router: task mode requested but the orchestrator is not configured")
	}
	outcome, err := r.orch.HandleRequest(ctx, sessionID, req.UserID, req.Query)
	if err != nil {
		return nil, fmt.Errorf("router: task request failed: %w", err)
	}
	return &Response{SessionID: sessionID, Answer: outcome.Answer, TaskID: outcome.TaskID, Reused: outcome.Reused}, nil
}

// handleChat runs the retrieve-build-complete-persist cycle: fused recall
// (workflow-biased when Tag requests it), a token-budgeted prompt via the
// Context Controller, one LLM completion, and an append of both turns to
// M1 with an M2 extraction trigger.
func (r *Router) handleChat(ctx context.Context, sessionID string, req Request) (*Response, error) {
	includeWorkflows := req.Tag == taskTag
	boost := 0.0
	if includeWorkflows {
		boost = workflowRecallBoost
	}

	recall, err := r.retriever.Retrieve(ctx, retriever.Options{
		Query:            req.Query,
		SessionID:        sessionID,
		PreferSession:    true,
		IncludeChunks:    true,
		IncludeFacts:     true,
		IncludeWorkflows: includeWorkflows,
		WorkflowBoost:    boost,
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("recall failed, continuing with empty context")
	}

	history, err := r.turns.ListTurns(ctx, sessionID, r.cfg.HistoryFetchRounds*2)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to load history turns")
	}

	messages := r.context.Build(req.Query, history, recall, r.cfg.SystemPrompt)
	prompt := memcontext.Render(messages)

	answer, err := r.llm.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("router: chat completion failed: %w", err)
	}

	r.persistRound(ctx, sessionID, req.Query, answer)

	return &Response{SessionID: sessionID, Answer: answer}, nil
}

func (r *Router) persistRound(ctx context.Context, sessionID, query, answer string) {
	roundID, err := r.turns.NextRoundID(ctx, sessionID)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to allocate round id")
		return
	}
	now := time.Now()
	userTurn := &types.Turn{SessionID: sessionID, RoundID: roundID, Speaker: types.SpeakerUser, Content: query, Timestamp: now}
	assistantTurn := &types.Turn{SessionID: sessionID, RoundID: roundID, Speaker: types.SpeakerAssistant, Content: answer, Timestamp: now}

	if err := r.turns.AppendTurn(ctx, userTurn); err != nil {
		r.log.Warn().Err(err).Msg("failed to persist user turn")
	}
	if err := r.turns.AppendTurn(ctx, assistantTurn); err != nil {
		r.log.Warn().Err(err).Msg("failed to persist assistant turn")
	}

	if r.extractor != nil {
		round := &types.Round{SessionID: sessionID, RoundID: roundID, User: userTurn, Assistant: assistantTurn}
		r.extractor.OnRoundComplete(ctx, round)
	}
}
