package compact

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxychat/pkg/agenttypes"
)

// fakeSummarizer records summarization calls and plays back a canned reply.
type fakeSummarizer struct {
	reply string
	err   error

	calls       int
	lastRequest agenttypes.CompletionRequest
}

func (f *fakeSummarizer) StreamCompletion(_ context.Context, req agenttypes.CompletionRequest) (<-chan agenttypes.StreamChunk, error) {
	f.calls++
	f.lastRequest = req

	ch := make(chan agenttypes.StreamChunk, 2)
	if f.err != nil {
		ch <- agenttypes.StreamChunk{Done: true, Error: f.err}
	} else {
		ch <- agenttypes.StreamChunk{Content: f.reply}
		ch <- agenttypes.StreamChunk{Done: true}
	}
	close(ch)
	return ch, nil
}

func (f *fakeSummarizer) EndpointName() string { return "fake" }
func (f *fakeSummarizer) IsConfigured() bool   { return true }

func sessionWithTurns(turns ...[2]string) *agenttypes.Session {
	session := &agenttypes.Session{
		SessionID: "test",
		History:   make(map[string]*agenttypes.Turn),
	}
	for i, t := range turns {
		session.History[strconv.Itoa(i+1)] = &agenttypes.Turn{UserText: t[0], AssistantText: t[1]}
	}
	return session
}

func compactSession(session *agenttypes.Session, userText string, params Params, summarizer agenttypes.CompletionClient, model string) Result {
	return NewCompactor().Compact(context.Background(), session.SessionID, session.Messages(),
		session.HistorySummary, userText, params, summarizer, model)
}

func TestCompact_UnderLimitDoesNothing(t *testing.T) {
	summarizer := &fakeSummarizer{reply: "should not be called"}
	session := sessionWithTurns([2]string{"hi", "hello"})

	result := compactSession(session, "next question",
		Params{CharLimit: 12000, KeepLastN: 8}, summarizer, "gpt-test")

	assert.Zero(t, summarizer.calls)
	assert.False(t, result.Summarized)
	assert.Empty(t, result.Summary)
	assert.Empty(t, result.SystemText)
	assert.Len(t, result.Tail, 2)
}

func TestCompact_ZeroCharLimitDisablesCompaction(t *testing.T) {
	summarizer := &fakeSummarizer{reply: "nope"}
	session := sessionWithTurns(
		[2]string{strings.Repeat("a", 5000), strings.Repeat("b", 5000)},
		[2]string{strings.Repeat("c", 5000), strings.Repeat("d", 5000)},
	)

	result := compactSession(session, "q",
		Params{CharLimit: 0, KeepLastN: 1}, summarizer, "gpt-test")

	assert.Zero(t, summarizer.calls)
	assert.False(t, result.Summarized)
}

func TestCompact_OverLimitSummarizesOldTurns(t *testing.T) {
	summarizer := &fakeSummarizer{reply: "digest of early conversation"}
	session := sessionWithTurns(
		[2]string{"first question " + strings.Repeat("x", 300), "first answer " + strings.Repeat("y", 300)},
		[2]string{"second question", "second answer"},
	)

	result := compactSession(session, "third question",
		Params{CharLimit: 50, KeepLastN: 2}, summarizer, "sum-model")

	require.Equal(t, 1, summarizer.calls, "exactly one summarization call")
	assert.True(t, result.Summarized)
	assert.Equal(t, "digest of early conversation", result.Summary)
	assert.Equal(t, systemTextPrefix+"digest of early conversation", result.SystemText)

	// The tail is the last two messages, sent verbatim.
	require.Len(t, result.Tail, 2)
	assert.Equal(t, "second question", result.Tail[0].Content)
	assert.Equal(t, "second answer", result.Tail[1].Content)

	// The summarization input covers only the old part, flattened with role
	// prefixes, and stays within the output token budget.
	assert.Contains(t, summarizer.lastRequest.UserText, "USER: first question")
	assert.Contains(t, summarizer.lastRequest.UserText, "ASSISTANT: first answer")
	assert.NotContains(t, summarizer.lastRequest.UserText, "second question")
	assert.Equal(t, summaryMaxTokens, summarizer.lastRequest.MaxTokens)
	assert.Equal(t, "sum-model", summarizer.lastRequest.Model)
}

func TestCompact_ReplacesPreviousSummary(t *testing.T) {
	summarizer := &fakeSummarizer{reply: "fresh summary"}
	session := sessionWithTurns(
		[2]string{strings.Repeat("old", 100), strings.Repeat("old", 100)},
		[2]string{"recent q", "recent a"},
	)
	session.HistorySummary = "stale summary"

	result := compactSession(session, "q",
		Params{CharLimit: 50, KeepLastN: 2}, summarizer, "gpt-test")

	assert.True(t, result.Summarized)
	assert.Equal(t, "fresh summary", result.Summary)
	assert.NotContains(t, summarizer.lastRequest.UserText, "stale summary",
		"summary is rebuilt from old turns, not merged")
}

func TestCompact_SummarizationFailureKeepsStaleSummary(t *testing.T) {
	summarizer := &fakeSummarizer{err: errors.New("upstream down")}
	session := sessionWithTurns(
		[2]string{strings.Repeat("old", 200), strings.Repeat("old", 200)},
		[2]string{"recent q", "recent a"},
	)
	session.HistorySummary = "previous digest"

	result := compactSession(session, "q",
		Params{CharLimit: 50, KeepLastN: 2}, summarizer, "gpt-test")

	assert.Equal(t, 1, summarizer.calls)
	assert.False(t, result.Summarized)
	assert.Equal(t, "previous digest", result.Summary)
	assert.Equal(t, systemTextPrefix+"previous digest", result.SystemText)
}

func TestCompact_EmptySummaryReplyIsNotAdopted(t *testing.T) {
	summarizer := &fakeSummarizer{reply: "   "}
	session := sessionWithTurns(
		[2]string{strings.Repeat("old", 200), strings.Repeat("old", 200)},
		[2]string{"recent q", "recent a"},
	)

	result := compactSession(session, "q",
		Params{CharLimit: 50, KeepLastN: 2}, summarizer, "gpt-test")

	assert.False(t, result.Summarized)
	assert.Empty(t, result.Summary)
}

func TestCompact_NoOldTurnsSkipsSummarization(t *testing.T) {
	summarizer := &fakeSummarizer{reply: "nope"}
	session := sessionWithTurns([2]string{"only q", "only a"})

	// Over the limit but everything fits in the tail, so there is nothing
	// to condense.
	result := compactSession(session, strings.Repeat("q", 200),
		Params{CharLimit: 50, KeepLastN: 8}, summarizer, "gpt-test")

	assert.Zero(t, summarizer.calls)
	assert.False(t, result.Summarized)
}

func TestCompact_KeepNoneSummarizesEverything(t *testing.T) {
	summarizer := &fakeSummarizer{reply: "total digest"}
	session := sessionWithTurns(
		[2]string{strings.Repeat("a", 100), strings.Repeat("b", 100)},
		[2]string{"last q", "last a"},
	)

	// With no tail, only the summary and the new message are measured, so
	// the new message itself has to breach the limit.
	result := compactSession(session, strings.Repeat("q", 100),
		Params{CharLimit: 50, KeepLastN: 0}, summarizer, "gpt-test")

	assert.Equal(t, 1, summarizer.calls)
	assert.Empty(t, result.Tail, "keep_last_n 0 sends no verbatim tail")
	assert.Contains(t, summarizer.lastRequest.UserText, "last q")
}

func TestCompact_PreviewLengthRecomputedAfterSummarization(t *testing.T) {
	summarizer := &fakeSummarizer{reply: "short"}
	session := sessionWithTurns(
		[2]string{strings.Repeat("long", 200), strings.Repeat("long", 200)},
		[2]string{"tail q", "tail a"},
	)
	session.HistorySummary = strings.Repeat("s", 2000)

	result := compactSession(session, "q",
		Params{CharLimit: 50, KeepLastN: 2}, summarizer, "gpt-test")

	// The reported length reflects the new short summary, not the stale
	// 2000-character one that triggered compaction.
	assert.True(t, result.Summarized)
	assert.Less(t, result.PreviewLength, 2000)
}
