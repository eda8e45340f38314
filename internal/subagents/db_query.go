package subagents

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/scrypster/memfuse/internal/llmclient"
)

// DatabaseQueryAgent translates a natural-language request into read-only
// SQL and executes it, refusing anything that isn't a SELECT — ported from
// the original's DatabaseQueryAgent, which enforces the same guard.
type DatabaseQueryAgent struct {
	db  *sql.DB
	llm llmclient.LLM
}

func NewDatabaseQueryAgent(db *sql.DB, llm llmclient.LLM) *DatabaseQueryAgent {
	return &DatabaseQueryAgent{db: db, llm: llm}
}

func (a *DatabaseQueryAgent) Name() string { return "DatabaseQueryAgent" }

func (a *DatabaseQueryAgent) Schema() Schema {
	return Schema{
		"request":     {Required: true, Type: "string"},
		"schema_hint": {Required: false, Type: "string"},
	}
}

type sqlResponse struct {
	SQL string `json:"sql"`
}

func (a *DatabaseQueryAgent) nlToSQL(ctx context.Context, request, schemaHint string) (string, error) {
	prompt := fmt.Sprintf(
		"You translate natural language to SQL.\nConstraints: SELECT-only, safe, no writes.\nSchema hint: %s\n\nNL: %s\nRespond with strict JSON: {\"sql\": \"<SQL>\"}",
		schemaHint, request,
	)
	var resp sqlResponse
	if err := llmclient.CompleteJSON(ctx, a.llm, prompt, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.SQL), nil
}

func (a *DatabaseQueryAgent) Execute(ctx context.Context, params map[string]any, execCtx ExecContext) (Result, error) {
	request, _ := params["request"].(string)
	if request == "" {
		request, _ = params["query"].(string)
	}
	if request == "" {
		return Result{Output: map[string]any{"error": "DatabaseQueryAgent requires request"}}, nil
	}
	schemaHint, _ := params["schema_hint"].(string)

	generatedSQL, err := a.nlToSQL(ctx, request, schemaHint)
	if err != nil {
		return Result{Output: map[string]any{"error": err.Error()}}, nil
	}
	if generatedSQL == "" || !strings.HasPrefix(strings.ToLower(strings.TrimSpace(generatedSQL)), "select") {
		return Result{Output: map[string]any{"error": "generated SQL is not a read-only SELECT", "sql": generatedSQL}}, nil
	}

	rows, err := a.db.QueryContext(ctx, generatedSQL)
	if err != nil {
		return Result{Output: map[string]any{"error": err.Error(), "sql": generatedSQL}}, nil
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return Result{Output: map[string]any{"error": err.Error(), "sql": generatedSQL}}, nil
	}

	var records []map[string]any
	for rows.Next() {
		raw := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{Output: map[string]any{"error": err.Error(), "sql": generatedSQL}}, nil
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = raw[i]
		}
		records = append(records, row)
	}

	return Result{Output: map[string]any{
		"sql":     generatedSQL,
		"headers": columns,
		"rows":    records,
	}}, nil
}
