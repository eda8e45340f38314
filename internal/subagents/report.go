package subagents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/scrypster/memfuse/internal/llmclient"
)

// ReportGenerationAgent summarizes prior step outputs into a short report,
// falling back to a manually formatted bullet list when the LLM is
// unavailable — ported from the original's ReportGenerationAgent, which
// does the same JSON-dump-then-summarize with an offline fallback.
type ReportGenerationAgent struct {
	llm llmclient.LLM
}

func NewReportGenerationAgent(llm llmclient.LLM) *ReportGenerationAgent {
	return &ReportGenerationAgent{llm: llm}
}

func (a *ReportGenerationAgent) Name() string { return "ReportGenerationAgent" }

func (a *ReportGenerationAgent) Schema() Schema {
	return Schema{
		"title": {Required: false, Type: "string"},
		"data":  {Required: false, Type: "object"},
	}
}

const reportValueTruncateLen = 200

func (a *ReportGenerationAgent) Execute(ctx context.Context, params map[string]any, execCtx ExecContext) (Result, error) {
	title, _ := params["title"].(string)
	if title == "" {
		title = "Report"
	}
	data, _ := params["data"].(map[string]any)
	if data == nil {
		data = execCtx.PriorOutputs
	}

	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return Result{Output: map[string]any{"error": err.Error()}}, nil
	}

	if a.llm != nil {
		prompt := fmt.Sprintf("Write a concise report titled %q summarizing this JSON data:\n%s", title, payload)
		summary, err := a.llm.Complete(ctx, prompt)
		if err == nil {
			return Result{Output: map[string]any{"report": summary}}, nil
		}
		return Result{Output: map[string]any{"report": offlineReport(title, data), "note": err.Error()}}, nil
	}

	return Result{Output: map[string]any{"report": offlineReport(title, data)}}, nil
}

func offlineReport(title string, data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", title)
	for _, k := range keys {
		val := fmt.Sprintf("%v", data[k])
		if len(val) > reportValueTruncateLen {
			val = val[:reportValueTruncateLen] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", k, val)
	}
	return b.String()
}
