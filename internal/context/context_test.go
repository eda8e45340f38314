package context

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memfuse/internal/config"
	"github.com/scrypster/memfuse/internal/tokenizer"
	"github.com/scrypster/memfuse/pkg/types"
)

func testCfg() config.ContextConfig {
	return config.ContextConfig{
		UserInputMaxTokens:    1000,
		HistoryMaxTokens:      1000,
		TotalContextMaxTokens: 2000,
		SystemPrompt:          "You are a helpful assistant.",
	}
}

func turn(round int64, speaker types.Speaker, content string) *types.Turn {
	return &types.Turn{RoundID: round, Speaker: speaker, Content: content, Timestamp: time.Now()}
}

func TestBuildOrdersSystemHistoryRecallUser(t *testing.T) {
	c := New(tokenizer.Global, testCfg())
	turns := []*types.Turn{
		turn(2, types.SpeakerAssistant, "second reply"), // newest first
		turn(1, types.SpeakerUser, "first message"),
	}
	recall := []types.RecallItem{
		{Kind: types.RecallKindFact, Content: "user likes go", Score: 0.9, ContentHash: types.ContentHash("user likes go")},
	}

	msgs := c.Build("what did I say?", turns, recall, "sys prompt")

	require.True(t, len(msgs) >= 4)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "sys prompt", msgs[0].Content)
	assert.Equal(t, RoleUser, msgs[len(msgs)-1].Role)
	assert.Equal(t, "what did I say?", msgs[len(msgs)-1].Content)

	// history must appear before recall, in chronological (oldest-first) order
	historyIdx := indexOfContent(msgs, "first message")
	secondIdx := indexOfContent(msgs, "second reply")
	recallIdx := indexOfContent(msgs, "user likes go")
	require.NotEqual(t, -1, historyIdx)
	require.NotEqual(t, -1, secondIdx)
	require.NotEqual(t, -1, recallIdx)
	assert.Less(t, historyIdx, secondIdx, "history must render oldest-first")
	assert.Less(t, secondIdx, recallIdx, "recall must be inserted after history")
	assert.Less(t, recallIdx, len(msgs)-1, "recall must precede the final user message")
}

func indexOfContent(msgs []Message, substr string) int {
	for i, m := range msgs {
		if strings.Contains(m.Content, substr) {
			return i
		}
	}
	return -1
}

func TestBuildDropsWholeTurnsNotPartial(t *testing.T) {
	cfg := testCfg()
	cfg.HistoryMaxTokens = 5 // small enough that only one short turn fits
	c := New(tokenizer.Global, cfg)

	turns := []*types.Turn{
		turn(2, types.SpeakerAssistant, "hi"),
		turn(1, types.SpeakerUser, strings.Repeat("this is a very long turn that will not fit ", 20)),
	}

	msgs := c.Build("query", turns, nil, "sys")
	assert.NotEqual(t, -1, indexOfContent(msgs, "hi"))
	assert.Equal(t, -1, indexOfContent(msgs, "very long turn"))
}

func TestBuildTruncatesQuerySuffixPreserving(t *testing.T) {
	cfg := testCfg()
	cfg.UserInputMaxTokens = 10
	c := New(tokenizer.Global, cfg)

	longQuery := strings.Repeat("alpha beta gamma delta epsilon ", 100)
	msgs := c.Build(longQuery, nil, nil, "sys")
	last := msgs[len(msgs)-1]
	assert.Equal(t, RoleUser, last.Role)
	assert.LessOrEqual(t, tokenizer.Global.Count(last.Content), 10)
}

func TestBuildNeverTrimsSystemOrUser(t *testing.T) {
	cfg := config.ContextConfig{
		UserInputMaxTokens:    50,
		HistoryMaxTokens:      1000,
		TotalContextMaxTokens: 5, // impossibly small: forces recall+history to empty
		SystemPrompt:          "sys",
	}
	c := New(tokenizer.Global, cfg)
	turns := []*types.Turn{turn(1, types.SpeakerUser, "some history content")}
	recall := []types.RecallItem{{Kind: types.RecallKindChunk, Content: "some recalled chunk", Score: 0.5, ContentHash: "h1"}}

	msgs := c.Build("a short query", turns, recall, "sys")
	require.Len(t, msgs, 2, "history and recall must be fully trimmed away, leaving only system and user")
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, RoleUser, msgs[1].Role)
	assert.Equal(t, "a short query", msgs[1].Content)
}

func TestDedupRecallDropsDuplicateContentHash(t *testing.T) {
	recall := []types.RecallItem{
		{Kind: types.RecallKindFact, Content: "dup", Score: 0.3, ContentHash: "same"},
		{Kind: types.RecallKindChunk, Content: "dup", Score: 0.9, ContentHash: "same"},
	}
	msgs := dedupRecall(recall)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "chunk", "the higher-scoring duplicate must survive")
}

func TestRenderFlattensRoles(t *testing.T) {
	out := Render([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
	})
	assert.Equal(t, "System: sys\n\nUser: hi", out)
}
