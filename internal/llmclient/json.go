package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CompleteJSON asks llm to complete prompt and decodes the result into out
// (a pointer). A malformed response gets exactly one repair
// attempt — a follow-up prompt quoting the parse error and the original
// output — before the call is treated as a failed structured completion.
func CompleteJSON(ctx context.Context, llm LLM, prompt string, out any) error {
	raw, err := llm.Complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("llmclient: complete: %w", err)
	}

	parseErr := json.Unmarshal([]byte(extractJSON(raw)), out)
	if parseErr == nil {
		return nil
	}

	repairPrompt := fmt.Sprintf(
		"Your previous response was not valid JSON and failed to parse: %v\n\nYour previous response was:\n%s\n\nRespond again with ONLY a single valid JSON object matching the requested schema. No prose, no markdown code fences.",
		parseErr, raw,
	)
	repaired, repairErr := llm.Complete(ctx, repairPrompt)
	if repairErr != nil {
		return fmt.Errorf("llmclient: repair attempt failed: %w", repairErr)
	}
	if err := json.Unmarshal([]byte(extractJSON(repaired)), out); err != nil {
		return fmt.Errorf("llmclient: repair attempt still invalid JSON: %w", err)
	}
	return nil
}

// extractJSON strips markdown code fences and returns the first balanced
// {...} object in text, tolerating LLMs that add prose around the JSON
// despite instructions not to.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escape {
			escape = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escape = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return text[start:]
}
