package agenttypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSession_LastTurnIndex(t *testing.T) {
	session := &Session{History: map[string]*Turn{}}
	assert.Equal(t, 0, session.LastTurnIndex())

	session.History["1"] = &Turn{}
	session.History["2"] = &Turn{}
	session.History["10"] = &Turn{}
	session.History["junk"] = &Turn{}
	assert.Equal(t, 10, session.LastTurnIndex())
}

func TestSession_MessagesOrderAndSkipping(t *testing.T) {
	session := &Session{History: map[string]*Turn{
		"2":  {UserText: "second q", AssistantText: "second a"},
		"1":  {UserText: "first q", AssistantText: "first a"},
		"3":  {UserText: "failed q", AssistantText: ""},
		"10": {UserText: "tenth q", AssistantText: "tenth a"},
	}}

	msgs := session.Messages()

	// Numeric key order, not lexicographic: 1, 2, 3, 10.
	want := []ChatMessage{
		{Role: RoleUser, Content: "first q"},
		{Role: RoleAssistant, Content: "first a"},
		{Role: RoleUser, Content: "second q"},
		{Role: RoleAssistant, Content: "second a"},
		{Role: RoleUser, Content: "failed q"},
		{Role: RoleUser, Content: "tenth q"},
		{Role: RoleAssistant, Content: "tenth a"},
	}
	assert.Equal(t, want, msgs)
}
