package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/scrypster/memfuse/internal/router"
	"github.com/scrypster/memfuse/internal/trace"
)

// taskTag is the Router tag value that dispatches a request to the
// Orchestrator instead of chat mode.
const taskTag = "m3"

// Server implements the Model Context Protocol for MemFuse: JSON-RPC 2.0
// tools wrapping the Router's chat and task entry points and the debug
// trace log.
type Server struct {
	router    *router.Router
	recorder  *trace.Recorder // optional; nil disables get_trace
	sessionID string          // unique id generated once per server lifetime
}

// NewServer constructs a Server bound to r. recorder may be nil, in which
// case the get_trace tool always returns an empty event list.
func NewServer(r *router.Router, recorder *trace.Recorder) *Server {
	s := &Server{router: r, recorder: recorder, sessionID: uuid.New().String()}
	log.Printf("memfuse-mcp: session ID: %s", s.sessionID)
	return s
}

// HandleRequest processes a single JSON-RPC 2.0 request and returns a
// response, per the same framing StdioTransport reads/writes.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err)
	}

	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result, err = s.handleInitialize(ctx, req.Params)
	case "initialized":
		result = map[string]interface{}{}
	case "tools/list":
		result, err = s.handleToolsList(ctx, req.Params)
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	default:
		return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	if err != nil {
		return s.errorResponse(req.ID, ErrCodeServerError, err.Error(), nil)
	}
	return s.successResponse(req.ID, result)
}

func (s *Server) handleInitialize(ctx context.Context, params interface{}) (interface{}, error) {
	return MCPInitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities:    MCPServerCapabilities{Tools: &MCPToolsCapability{}},
		ServerInfo:      MCPServerInfo{Name: "memfuse", Version: "1.0.0"},
	}, nil
}

func (s *Server) handleToolsList(ctx context.Context, params interface{}) (interface{}, error) {
	return MCPToolsListResult{Tools: s.buildToolsList()}, nil
}

func (s *Server) buildToolsList() []MCPTool {
	return []MCPTool{
		{
			Name: "chat",
			Description: "Send a conversational message. Recall over prior turns, structured " +
				"facts, and procedural workflows is fused into context before the reply is generated.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"message"},
				"properties": map[string]interface{}{
					"session_id": map[string]interface{}{"type": "string", "description": "Session to continue; omit to start a new one"},
					"message":    map[string]interface{}{"type": "string", "description": "The message to send"},
				},
			},
		},
		{
			Name: "run_task",
			Description: "Run a complex, multi-step goal through the task orchestrator: plans a " +
				"sequence of subagent calls (or reuses a previously distilled workflow), executes " +
				"it, and returns the final answer.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"goal"},
				"properties": map[string]interface{}{
					"session_id": map[string]interface{}{"type": "string", "description": "Session to attach the task's turns to; omit to start a new one"},
					"goal":       map[string]interface{}{"type": "string", "description": "The goal to accomplish"},
				},
			},
		},
		{
			Name:        "get_trace",
			Description: "Fetch the recorded state-transition trace for a prior run_task call, identified by the task_id it returned.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"task_id"},
				"properties": map[string]interface{}{
					"task_id": map[string]interface{}{"type": "string", "description": "The task_id returned by run_task"},
				},
			},
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPToolCallParams
	if err := s.unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	argsJSON, err := json.Marshal(p.Arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}

	switch p.Name {
	case "chat":
		return s.callChat(ctx, argsJSON)
	case "run_task":
		return s.callRunTask(ctx, argsJSON)
	case "get_trace":
		return s.callGetTrace(ctx, argsJSON)
	default:
		return &MCPToolCallResult{
			Content: []MCPToolCallContent{{Type: "text", Text: fmt.Sprintf("unknown tool: %s", p.Name)}},
			IsError: true,
		}, nil
	}
}

func (s *Server) callChat(ctx context.Context, argsJSON []byte) (*MCPToolCallResult, error) {
	var args ChatArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Message == "" {
		return errorResult("message is required"), nil
	}
	if s.router == nil {
		return errorResult("chat is not configured on this server"), nil
	}

	resp, err := s.router.Handle(ctx, router.Request{SessionKey: args.SessionID, Query: args.Message})
	if err != nil {
		return errorResult(err.Error()), nil
	}

	payload, _ := json.Marshal(map[string]string{"session_id": resp.SessionID, "answer": resp.Answer})
	return &MCPToolCallResult{Content: []MCPToolCallContent{{Type: "text", Text: string(payload)}}}, nil
}

func (s *Server) callRunTask(ctx context.Context, argsJSON []byte) (*MCPToolCallResult, error) {
	var args RunTaskArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Goal == "" {
		return errorResult("goal is required"), nil
	}
	if s.router == nil {
		return errorResult("task execution is not configured on this server"), nil
	}

	resp, err := s.router.Handle(ctx, router.Request{SessionKey: args.SessionID, Query: args.Goal, Tag: taskTag})
	if err != nil {
		return errorResult(err.Error()), nil
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"session_id": resp.SessionID,
		"task_id":    resp.TaskID,
		"answer":     resp.Answer,
		"reused":     resp.Reused,
	})
	return &MCPToolCallResult{Content: []MCPToolCallContent{{Type: "text", Text: string(payload)}}}, nil
}

func (s *Server) callGetTrace(ctx context.Context, argsJSON []byte) (*MCPToolCallResult, error) {
	var args GetTraceArgs
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.TaskID == "" {
		return errorResult("task_id is required"), nil
	}

	var events []trace.Event
	if s.recorder != nil {
		events = s.recorder.Events(args.TaskID)
	}

	payload, _ := json.Marshal(map[string]interface{}{"task_id": args.TaskID, "events": events})
	return &MCPToolCallResult{Content: []MCPToolCallContent{{Type: "text", Text: string(payload)}}}, nil
}

func errorResult(message string) *MCPToolCallResult {
	return &MCPToolCallResult{Content: []MCPToolCallContent{{Type: "text", Text: message}}, IsError: true}
}

func (s *Server) unmarshalParams(params interface{}, dest interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}
	return nil
}

func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	resp := JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: id}
	return json.Marshal(resp)
}

func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	resp := JSONRPCResponse{JSONRPC: "2.0", Error: &JSONRPCError{Code: code, Message: message, Data: data}, ID: id}
	return json.Marshal(resp)
}
