// Package compact implements history compaction: when a session's context
// preview outgrows the character limit, the turns older than the kept tail
// are condensed into a running summary by one summarization call. The tail
// is always sent to the model verbatim; older turns reach it only through
// the summary.
package compact

import (
	"context"
	"fmt"
	"strings"

	"proxychat/internal/logger"
	"proxychat/pkg/agenttypes"
)

// summaryMaxTokens bounds the summarization call's output.
const summaryMaxTokens = 700

// summaryPrompt asks the summarization model for a dense rewrite of the old
// history. Identifiers must survive verbatim so follow-up questions about
// code keep working after compaction.
const summaryPrompt = "Condense the conversation history below into a compact digest that preserves meaning, facts, agreements and context.\n" +
	"Requirements:\n" +
	"- Be terse, no filler.\n" +
	"- Keep variable, method and class names exactly as written.\n" +
	"- If there are requirements or rules, list them separately.\n\n" +
	"HISTORY:\n"

// systemTextPrefix introduces the running summary when it is injected as the
// system text of the main completion call.
const systemTextPrefix = "History summary (compressed context):\n"

// Params are the per-request compaction knobs. CharLimit 0 disables
// compaction entirely; KeepLastN at or below zero keeps no verbatim tail, so
// the whole history is eligible for summarization.
type Params struct {
	CharLimit int
	KeepLastN int
}

// Result is what the agent sends upstream after compaction ran (or decided
// not to).
type Result struct {
	// Tail is the verbatim message tail to send as conversation history.
	Tail []agenttypes.ChatMessage

	// SystemText carries the running summary for the main call, empty when
	// there is no summary.
	SystemText string

	// Summary is the running summary after this compaction pass. Unchanged
	// from the session's summary unless Summarized is true.
	Summary string

	// Summarized reports whether a new summary was produced this pass.
	Summarized bool

	// PreviewLength is the measured context preview length, recomputed after
	// a successful summarization.
	PreviewLength int
}

// Compactor owns the compaction policy and the summarization call.
type Compactor struct{}

// NewCompactor creates a compactor.
func NewCompactor() *Compactor {
	return &Compactor{}
}

// Compact splits the flattened history into tail and old parts, measures the
// context preview against the character limit and, when over it, condenses
// the old part through the summarizer client. flat is the conversation as it
// stood before the pending turn; the pending user text is measured as part
// of the preview but never summarized. Summarization failure is logged and
// the previous summary stays in effect; Compact itself never fails.
func (c *Compactor) Compact(
	ctx context.Context,
	sessionID string,
	flat []agenttypes.ChatMessage,
	previousSummary string,
	userText string,
	params Params,
	summarizer agenttypes.CompletionClient,
	summaryModel string,
) Result {
	tail, old := splitTail(flat, params.KeepLastN)

	oldText := renderMessages(old)
	tailText := renderMessages(tail)
	summary := strings.TrimSpace(previousSummary)

	preview := buildPreview(summary, tailText, userText)

	result := Result{
		Tail:          tail,
		Summary:       summary,
		PreviewLength: len([]rune(preview)),
	}

	if params.CharLimit > 0 && result.PreviewLength > params.CharLimit && strings.TrimSpace(oldText) != "" {
		logger.Info("History exceeds limit, summarizing",
			"session_id", sessionID,
			"preview_length", result.PreviewLength,
			"char_limit", params.CharLimit)

		newSummary, err := c.summarize(ctx, summarizer, summaryModel, oldText)
		if err != nil {
			logger.Warn("Summarization failed, keeping previous summary",
				"session_id", sessionID, "error", err)
		} else if newSummary != "" {
			result.Summary = newSummary
			result.Summarized = true
			result.PreviewLength = len([]rune(buildPreview(newSummary, tailText, userText)))
		}
	}

	if result.Summary != "" {
		result.SystemText = systemTextPrefix + result.Summary
	}
	return result
}

// summarize runs one bounded completion over the old history text and
// collects the streamed output into a string.
func (c *Compactor) summarize(
	ctx context.Context,
	summarizer agenttypes.CompletionClient,
	model string,
	historyText string,
) (string, error) {
	if summarizer == nil {
		return "", fmt.Errorf("no summarizer client")
	}

	chunks, err := summarizer.StreamCompletion(ctx, agenttypes.CompletionRequest{
		UserText:  summaryPrompt + historyText,
		Model:     model,
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for chunk := range chunks {
		out.WriteString(chunk.Content)
		if chunk.Done && chunk.Error != nil {
			return "", chunk.Error
		}
	}
	return strings.TrimSpace(out.String()), nil
}

// splitTail divides the flattened history into the verbatim tail (the last
// keepLastN messages) and everything older. keepLastN <= 0 keeps nothing.
func splitTail(flat []agenttypes.ChatMessage, keepLastN int) (tail, old []agenttypes.ChatMessage) {
	if keepLastN <= 0 {
		return nil, flat
	}
	if keepLastN >= len(flat) {
		return flat, nil
	}
	cut := len(flat) - keepLastN
	return flat[cut:], flat[:cut]
}

// renderMessages flattens messages to the ROLE-prefixed text used for both
// preview measurement and summarization input.
func renderMessages(msgs []agenttypes.ChatMessage) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case agenttypes.RoleUser:
			lines = append(lines, "USER: "+m.Content)
		case agenttypes.RoleAssistant:
			lines = append(lines, "ASSISTANT: "+m.Content)
		default:
			lines = append(lines, m.Content)
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// buildPreview assembles the context preview whose length is compared to the
// character limit: the running summary, the verbatim tail, then the new user
// text.
func buildPreview(summary, tailText, userText string) string {
	var b strings.Builder
	if strings.TrimSpace(summary) != "" {
		b.WriteString("HISTORY_SUMMARY:\n" + strings.TrimSpace(summary) + "\n\n")
	}
	if tailText != "" {
		b.WriteString("LAST_MESSAGES:\n" + tailText + "\n\n")
	}
	b.WriteString("NEW_MESSAGE:\n" + userText)
	return b.String()
}
