package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxychat/pkg/agenttypes"
)

func readResponses(t *testing.T, buf *bytes.Buffer) []agenttypes.Response {
	t.Helper()
	var out []agenttypes.Response
	scanner := bufio.NewScanner(buf)
	scanner.Buffer(make([]byte, 0, maxLineBytes+1024), maxLineBytes+1024)
	for scanner.Scan() {
		var resp agenttypes.Response
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		out = append(out, resp)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestWriteJSONMaybeChunked_SmallPayloadIsOneLine(t *testing.T) {
	var buf bytes.Buffer

	err := writeJSONMaybeChunked(&buf, &agenttypes.Response{Type: agenttypes.TypePong})
	require.NoError(t, err)

	responses := readResponses(t, &buf)
	require.Len(t, responses, 1)
	assert.Equal(t, agenttypes.TypePong, responses[0].Type)
}

func TestWriteJSONMaybeChunked_LargePayloadIsFramed(t *testing.T) {
	var buf bytes.Buffer

	session := &agenttypes.Session{
		SessionID: "big",
		History: map[string]*agenttypes.Turn{
			"1": {UserText: strings.Repeat("long message ", 20000)},
		},
	}
	original := &agenttypes.Response{Type: agenttypes.TypeSession, Session: session}

	require.NoError(t, writeJSONMaybeChunked(&buf, original))

	// Every line stays under the client's line buffer.
	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		assert.LessOrEqual(t, len(line), maxLineBytes)
	}

	responses := readResponses(t, &buf)
	require.GreaterOrEqual(t, len(responses), 3)

	start := responses[0]
	assert.Equal(t, agenttypes.TypeChunkedStart, start.Type)
	assert.Equal(t, agenttypes.TypeSession, start.OrigType)
	assert.Equal(t, len(responses)-2, start.Chunks)

	var reassembled strings.Builder
	for i, part := range responses[1 : len(responses)-1] {
		assert.Equal(t, agenttypes.TypeChunkedPart, part.Type)
		require.NotNil(t, part.Index)
		assert.Equal(t, i, *part.Index)
		reassembled.WriteString(part.Data)
	}

	end := responses[len(responses)-1]
	assert.Equal(t, agenttypes.TypeChunkedEnd, end.Type)
	assert.Equal(t, agenttypes.TypeSession, end.OrigType)

	var decoded agenttypes.Response
	require.NoError(t, json.Unmarshal([]byte(reassembled.String()), &decoded))
	assert.Equal(t, agenttypes.TypeSession, decoded.Type)
	require.NotNil(t, decoded.Session)
	assert.Equal(t, session.History["1"].UserText, decoded.Session.History["1"].UserText)
}

func TestSplitRuneBounded_NeverSplitsRunes(t *testing.T) {
	text := strings.Repeat("приве́т мир 🌍 ", 500)

	parts := splitRuneBounded(text, 100)

	var rejoined strings.Builder
	for _, part := range parts {
		assert.LessOrEqual(t, len(part), 100)
		assert.True(t, utf8.ValidString(part), "part contains a broken rune")
		rejoined.WriteString(part)
	}
	assert.Equal(t, text, rejoined.String())
}
