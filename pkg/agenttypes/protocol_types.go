// Package agenttypes defines the agent wire protocol: newline-delimited JSON
// over a loopback TCP socket, one request per connection.
package agenttypes

// Request is the single JSON line a client sends after connecting. Action
// selects behavior; the remaining fields are action-specific. Pointer fields
// distinguish "absent" (use the agent default) from an explicit zero, so a
// client can request char_limit 0 (compaction disabled) or keep_last_n 0
// (keep none) without ambiguity.
type Request struct {
	Action          string   `json:"action"`
	SessionID       string   `json:"session_id,omitempty"`
	UserText        string   `json:"user_text,omitempty"`
	Model           string   `json:"model,omitempty"`
	Endpoint        string   `json:"endpoint,omitempty"`
	MaxTokens       *int     `json:"max_tokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	CharLimit       *int     `json:"char_limit,omitempty"`
	KeepLastN       *int     `json:"keep_last_n,omitempty"`
	SummaryModel    string   `json:"summary_model,omitempty"`
	SummaryEndpoint string   `json:"summary_endpoint,omitempty"`
}

// Request actions.
const (
	ActionPing         = "ping"
	ActionListSessions = "list_sessions"
	ActionGetSession   = "get_session"
	ActionResetSession = "reset_session"
	ActionStreamChat   = "stream_chat"
)

// Response message types.
const (
	TypePong         = "pong"
	TypeSessions     = "sessions"
	TypeSession      = "session"
	TypeOK           = "ok"
	TypeError        = "error"
	TypeChunk        = "chunk"
	TypeDone         = "done"
	TypeChunkedStart = "chunked_start"
	TypeChunkedPart  = "chunked_part"
	TypeChunkedEnd   = "chunked_end"
)

// Response is the envelope for every line the agent writes back. Exactly one
// terminal response (pong/sessions/session/ok/done/error) is emitted per
// accepted request; stream_chat additionally emits zero or more chunk lines
// before its terminal line.
type Response struct {
	Type string `json:"type"`

	// error
	Message string `json:"message,omitempty"`

	// sessions
	Sessions []SessionInfo `json:"sessions,omitempty"`

	// session
	Session *Session `json:"session,omitempty"`

	// chunk
	Chunk string `json:"chunk,omitempty"`

	// done
	Model        string         `json:"model,omitempty"`
	Endpoint     string         `json:"endpoint,omitempty"`
	Usage        map[string]any `json:"usage,omitempty"`
	Cost         *float64       `json:"cost,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Title        string         `json:"title,omitempty"`
	MessageStats *MessageStats  `json:"message_stats,omitempty"`

	// chunked framing
	OrigType string `json:"orig_type,omitempty"`
	Chunks   int    `json:"chunks,omitempty"`
	Index    *int   `json:"i,omitempty"`
	Data     string `json:"data,omitempty"`
}

// MessageStats summarizes one completed chat turn for the client UI.
type MessageStats struct {
	TurnID                string   `json:"turn_id"`
	PromptTokensTotal     int      `json:"prompt_tokens_total"`
	PrevPromptTokensTotal int      `json:"previous_prompt_tokens_total"`
	CompletionTokens      int      `json:"completion_tokens"`
	CurrentMessageTokens  int      `json:"current_message_tokens"`
	TotalTokensThisCall   int      `json:"total_tokens_this_call"`
	Cost                  *float64 `json:"cost"`
	NewMessageLength      int      `json:"new_message_length"`
	CharLimit             int      `json:"char_limit"`
	HistorySummarized     bool     `json:"history_summarized"`
	HistorySummary        string   `json:"history_summary"`
}
