package subagents

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebSearchAgent queries DuckDuckGo's Instant Answer API, or arXiv's Atom
// feed when the request's source parameter is "arxiv" — ported from the original's
// WebSearchAgent, which hits the same two endpoints.
const (
	duckDuckGoBaseURL = "https://api.duckduckgo.com/"
	arxivBaseURL      = "http://export.arxiv.org/api/query"
)

type WebSearchAgent struct {
	client        *http.Client
	duckDuckGoURL string
	arxivURL      string
}

func NewWebSearchAgent(client *http.Client) *WebSearchAgent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebSearchAgent{client: client, duckDuckGoURL: duckDuckGoBaseURL, arxivURL: arxivBaseURL}
}

func (a *WebSearchAgent) Name() string { return "WebSearchAgent" }

func (a *WebSearchAgent) Schema() Schema {
	return Schema{
		"query":  {Required: true, Type: "string"},
		"source": {Required: false, Type: "string"},
	}
}

type duckDuckGoResponse struct {
	AbstractText  string `json:"AbstractText"`
	RelatedTopics []struct {
		Text string `json:"Text"`
	} `json:"RelatedTopics"`
}

func (a *WebSearchAgent) duckDuckGo(ctx context.Context, query string) (map[string]any, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("no_redirect", "1")
	q.Set("no_html", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.duckDuckGoURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed duckDuckGoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	related := make([]string, 0, 5)
	for i, topic := range parsed.RelatedTopics {
		if i >= 5 {
			break
		}
		if topic.Text != "" {
			related = append(related, topic.Text)
		}
	}
	return map[string]any{
		"abstract":       parsed.AbstractText,
		"related_topics": related,
	}, nil
}

type arxivFeed struct {
	Entries []struct {
		Title   string `xml:"title"`
		Summary string `xml:"summary"`
	} `xml:"entry"`
}

func (a *WebSearchAgent) arxiv(ctx context.Context, query string) ([]map[string]string, error) {
	q := url.Values{}
	q.Set("search_query", "all:"+query)
	q.Set("max_results", "5")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.arxivURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, err
	}
	results := make([]map[string]string, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		results = append(results, map[string]string{
			"title":   strings.TrimSpace(e.Title),
			"summary": strings.TrimSpace(e.Summary),
		})
	}
	return results, nil
}

func (a *WebSearchAgent) Execute(ctx context.Context, params map[string]any, execCtx ExecContext) (Result, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return Result{Output: map[string]any{"error": "WebSearchAgent requires query"}}, nil
	}
	source, _ := params["source"].(string)

	if strings.EqualFold(source, "arxiv") {
		results, err := a.arxiv(ctx, query)
		if err != nil {
			return Result{Output: map[string]any{"error": err.Error()}}, nil
		}
		return Result{Output: map[string]any{"source": "arxiv", "results": results}}, nil
	}

	ddg, err := a.duckDuckGo(ctx, query)
	if err != nil {
		return Result{Output: map[string]any{"error": fmt.Sprintf("duckduckgo: %s", err)}}, nil
	}
	return Result{Output: map[string]any{"source": "duckduckgo", "result": ddg}}, nil
}
