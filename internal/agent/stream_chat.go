package agent

import (
	"context"
	"net"
	"strconv"
	"strings"

	"proxychat/internal/compact"
	"proxychat/internal/testutils"
	"proxychat/pkg/agenttypes"
)

// handleStreamChat runs one chat turn: persist the user message, compact the
// history if it outgrew the limit, stream the completion back chunk by chunk
// and persist the finished turn with its accounting.
func (s *Server) handleStreamChat(ctx context.Context, conn net.Conn, request *agenttypes.Request) {
	sessionID := strings.TrimSpace(request.SessionID)
	userText := strings.TrimSpace(request.UserText)

	if sessionID == "" {
		_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: "session_id is required"})
		return
	}
	if userText == "" {
		_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: "Empty user_text"})
		return
	}

	model := strings.TrimSpace(request.Model)
	if model == "" {
		model = s.config.DefaultModel
	}
	endpoint := request.Endpoint
	if endpoint == "" {
		endpoint = "chat"
	}
	maxTokens := intOr(request.MaxTokens, DefaultMaxTokens)
	charLimit := intOr(request.CharLimit, DefaultCharLimit)
	keepLastN := intOr(request.KeepLastN, DefaultKeepLastN)

	summaryModel := strings.TrimSpace(request.SummaryModel)
	if summaryModel == "" {
		summaryModel = model
	}
	summaryEndpoint := strings.TrimSpace(request.SummaryEndpoint)
	if summaryEndpoint == "" {
		summaryEndpoint = "chat"
	}

	client, err := s.clients.GetClient(endpoint)
	if err != nil {
		_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: err.Error()})
		return
	}
	summarizer, err := s.clients.GetClient(summaryEndpoint)
	if err != nil {
		_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: err.Error()})
		return
	}

	// Serialize the whole load-modify-save cycle per session id.
	lock := s.lockSession(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session := s.store.Load(sessionID)
	s.store.SetTitleIfEmpty(session, userText)

	lastIdx := session.LastTurnIndex()
	turnID := strconv.Itoa(lastIdx + 1)

	prevPromptTotal := 0
	if prev := session.History[strconv.Itoa(lastIdx)]; lastIdx > 0 && prev != nil {
		prevPromptTotal = prev.PromptTokensTotal
	}

	// Compaction works over the history as it stood before this turn, so
	// flatten it before the placeholder is appended.
	preTurnHistory := session.Messages()

	now := testutils.GetCurrentTime().Format(agenttypes.TimestampLayout)
	turn := &agenttypes.Turn{
		Timestamp:             now,
		UserText:              userText,
		Model:                 model,
		Endpoint:              endpoint,
		MaxTokens:             maxTokens,
		Temperature:           request.Temperature,
		Usage:                 map[string]any{},
		PrevPromptTokensTotal: prevPromptTotal,
	}
	session.History[turnID] = turn
	session.UpdatedAt = now

	// The user text is durable before the provider call starts; a crash
	// mid-stream loses at most the assistant reply.
	if _, err := s.store.Save(session); err != nil {
		_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: err.Error()})
		return
	}

	compaction := s.compactor.Compact(ctx, sessionID, preTurnHistory, session.HistorySummary,
		userText, compact.Params{
			CharLimit: charLimit,
			KeepLastN: keepLastN,
		}, summarizer, summaryModel)
	if compaction.Summarized {
		session.HistorySummary = compaction.Summary
		session.UpdatedAt = testutils.GetCurrentTime().Format(agenttypes.TimestampLayout)
		if _, err := s.store.Save(session); err != nil {
			_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: err.Error()})
			return
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := client.StreamCompletion(streamCtx, agenttypes.CompletionRequest{
		SystemText:   compaction.SystemText,
		History:      compaction.Tail,
		UserText:     userText,
		Model:        model,
		MaxTokens:    maxTokens,
		Temperature:  request.Temperature,
		IncludeUsage: true,
	})
	if err != nil {
		_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: err.Error()})
		return
	}

	var assistant strings.Builder
	var usage map[string]any
	var streamErr error
	writeFailed := false

	for chunk := range chunks {
		if chunk.Content != "" {
			assistant.WriteString(chunk.Content)
			if !writeFailed {
				if werr := writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeChunk, Chunk: chunk.Content}); werr != nil {
					// The client went away mid-stream. Cancel the upstream
					// call and keep draining so the partial text can be
					// flushed to disk.
					writeFailed = true
					cancel()
					s.logger.Warn("Client write failed mid-stream", "session_id", sessionID, "error", werr)
				}
			}
		}
		if chunk.Done {
			usage = chunk.Usage
			streamErr = chunk.Error
		}
	}

	turn.AssistantText = assistant.String()
	session.UpdatedAt = testutils.GetCurrentTime().Format(agenttypes.TimestampLayout)

	if writeFailed {
		if _, err := s.store.Save(session); err != nil {
			s.logger.Error("Failed to flush partial turn", "session_id", sessionID, "turn_id", turnID, "error", err)
		}
		return
	}

	if streamErr != nil {
		s.logger.Error("Upstream stream failed", "session_id", sessionID, "turn_id", turnID, "error", streamErr)
		if _, err := s.store.Save(session); err != nil {
			s.logger.Error("Failed to flush partial turn", "session_id", sessionID, "turn_id", turnID, "error", err)
		}
		_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: streamErr.Error()})
		return
	}

	acct := s.accountant.Account(model, usage, prevPromptTotal)
	if usage == nil {
		usage = map[string]any{}
	}
	turn.Usage = usage
	turn.Cost = acct.Cost
	turn.PromptTokensTotal = acct.Usage.PromptTokens
	turn.CompletionTokens = acct.Usage.CompletionTokens
	turn.TotalTokensThisCall = acct.Usage.TotalTokens
	turn.CurrentMessageTokens = acct.CurrentMessageTokens

	if _, err := s.store.Save(session); err != nil {
		_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: err.Error()})
		return
	}

	s.logger.Info("Turn completed",
		"session_id", sessionID,
		"turn_id", turnID,
		"model", model,
		"endpoint", endpoint,
		"tokens", acct.CurrentMessageTokens)

	_ = writeJSON(conn, &agenttypes.Response{
		Type:      agenttypes.TypeDone,
		Model:     model,
		Endpoint:  endpoint,
		Usage:     usage,
		Cost:      acct.Cost,
		SessionID: sessionID,
		Title:     session.Title,
		MessageStats: &agenttypes.MessageStats{
			TurnID:                turnID,
			PromptTokensTotal:     acct.Usage.PromptTokens,
			PrevPromptTokensTotal: prevPromptTotal,
			CompletionTokens:      acct.Usage.CompletionTokens,
			CurrentMessageTokens:  acct.CurrentMessageTokens,
			TotalTokensThisCall:   acct.Usage.TotalTokens,
			Cost:                  acct.Cost,
			NewMessageLength:      compaction.PreviewLength,
			CharLimit:             charLimit,
			HistorySummarized:     compaction.Summarized,
			HistorySummary:        compaction.Summary,
		},
	})
}

// intOr dereferences an optional request field, falling back to the agent
// default when the client omitted it. An explicit zero is honored as zero.
func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}
