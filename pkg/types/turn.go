// Package types defines the M1/M2/M3 entities shared across the store,
// retriever, extractor, and orchestrator packages.
package types

import "time"

// Speaker identifies who produced a Turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Valid reports whether s is a recognized speaker value.
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAssistant
}

// Turn is a single M1 episodic exchange. Identity is (SessionID, RoundID,
// Speaker). Turns are append-only: once persisted they are never mutated,
// only cascade-deleted with their session.
type Turn struct {
	SessionID string    `json:"session_id"`
	RoundID   int64     `json:"round_id"`
	Speaker   Speaker    `json:"speaker"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Round bundles a user turn with its assistant reply under one RoundID.
type Round struct {
	SessionID string
	RoundID   int64
	User      *Turn
	Assistant *Turn
}

// CombinedContent concatenates the user and assistant content of a round,
// used for token counting against extractor trigger thresholds.
func (r *Round) CombinedContent() string {
	var user, assistant string
	if r.User != nil {
		user = r.User.Content
	}
	if r.Assistant != nil {
		assistant = r.Assistant.Content
	}
	if user == "" {
		return assistant
	}
	if assistant == "" {
		return user
	}
	return user + "\n" + assistant
}
