// Package agenttypes defines the shared data model for the proxychat agent.
// This file contains the session and turn types that are persisted to disk
// and exchanged over the agent protocol.
package agenttypes

import (
	"sort"
	"strconv"
)

// TimestampLayout is the wall-clock format used in persisted sessions and turns.
// It matches the format the desktop client displays, so session files stay
// readable without conversion.
const TimestampLayout = "2006-01-02 15:04:05"

// Turn is one user message and its (eventual) assistant reply, together with
// the token-accounting metadata for that exchange. A turn is created with user
// text only before the provider call starts and backfilled once the stream
// completes, so a crash mid-stream still leaves a recoverable partial record.
type Turn struct {
	Timestamp     string         `json:"ts"`
	UserText      string         `json:"user_text"`
	AssistantText string         `json:"assistant_text"`
	Model         string         `json:"model"`
	Endpoint      string         `json:"endpoint"`
	MaxTokens     int            `json:"max_tokens"`
	Temperature   *float64       `json:"temperature"`
	Usage         map[string]any `json:"usage"`
	Cost          *float64       `json:"cost"`

	// PromptTokensTotal is the cumulative prompt size the provider reported
	// for this call. Successive calls resend a growing prefix, so this grows
	// with the conversation rather than with the single message.
	PromptTokensTotal int `json:"prompt_tokens_total"`

	CompletionTokens    int `json:"completion_tokens"`
	TotalTokensThisCall int `json:"total_tokens_this_call"`

	// PrevPromptTokensTotal is copied from the prior turn at creation time
	// (0 for turn 1). It anchors the marginal token computation.
	PrevPromptTokensTotal int `json:"prompt_tokens_total_of_previous_turn"`

	// CurrentMessageTokens is the estimated marginal token cost of just this
	// exchange: max(PromptTokensTotal-PrevPromptTokensTotal, 0) + CompletionTokens.
	CurrentMessageTokens int `json:"current_message_tokens"`
}

// Session is a named, persisted conversation with its own history and running
// summary. History keys are stringified 1-based turn indices; indices are dense
// and increasing, and the highest existing index + 1 is the next turn id.
type Session struct {
	SessionID      string           `json:"session_id"`
	Title          string           `json:"title"`
	CreatedAt      string           `json:"created_at"`
	UpdatedAt      string           `json:"updated_at"`
	History        map[string]*Turn `json:"history"`
	HistorySummary string           `json:"history_summary"`

	// FilePath records where the session was loaded from or last saved to.
	// It is bookkeeping, not identity: round-trip equality excludes it since
	// the backing file legitimately changes across calendar days.
	FilePath string `json:"file_path,omitempty"`
}

// SessionInfo is the listing view of a session: identity and timestamps
// without the (potentially large) history payload.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ChatMessage is a single role-tagged message in provider wire order.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles used throughout the agent.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// LastTurnIndex returns the highest numeric turn index in the session history,
// or 0 when the history is empty. Non-numeric keys are ignored.
func (s *Session) LastTurnIndex() int {
	last := 0
	for k := range s.History {
		if n, err := strconv.Atoi(k); err == nil && n > last {
			last = n
		}
	}
	return last
}

// Messages flattens the session history into role/content pairs, oldest turn
// first, user before assistant within each turn. Empty texts are skipped, so a
// failed turn (user text persisted, assistant text never filled) contributes
// only its user message.
func (s *Session) Messages() []ChatMessage {
	indices := make([]int, 0, len(s.History))
	for k := range s.History {
		if n, err := strconv.Atoi(k); err == nil {
			indices = append(indices, n)
		}
	}
	sort.Ints(indices)

	out := make([]ChatMessage, 0, 2*len(indices))
	for _, n := range indices {
		turn := s.History[strconv.Itoa(n)]
		if turn == nil {
			continue
		}
		if turn.UserText != "" {
			out = append(out, ChatMessage{Role: RoleUser, Content: turn.UserText})
		}
		if turn.AssistantText != "" {
			out = append(out, ChatMessage{Role: RoleAssistant, Content: turn.AssistantText})
		}
	}
	return out
}
