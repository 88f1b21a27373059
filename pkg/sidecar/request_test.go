package sidecar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChatRequest_Prompt(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{"prompt":"  Hello  ","system":"  Be terse. "}`))
	require.NoError(t, err)
	assert.Equal(t, "Hello", req.Prompt)
	assert.Equal(t, "Be terse.", req.System)
	assert.Empty(t, req.Messages)

	assert.Equal(t, []Message{
		{Role: RoleSystem, Content: "Be terse."},
		{Role: RoleUser, Content: "Hello"},
	}, req.Normalize(DefaultSystemPrompt))
}

func TestParseChatRequest_DefaultSystem(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{"prompt":"Hello","system":"   "}`))
	require.NoError(t, err)
	msgs := req.Normalize("custom persona")
	assert.Equal(t, "custom persona", msgs[0].Content)
}

func TestParseChatRequest_Messages(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{"messages":[
		{"role":"user","content":"hi"},
		{"role":"user"},
		"junk",
		{"content":"no role"},
		{"role":"assistant","content":[{"type":"text","text":"hel"},{"type":"text","text":"lo"}]},
		{"role":"user","content":42}
	]}`))
	require.NoError(t, err)
	assert.Len(t, req.Messages, 6)

	assert.Equal(t, []Message{
		{Role: RoleSystem, Content: DefaultSystemPrompt},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}, req.Normalize(DefaultSystemPrompt))
}

func TestParseChatRequest_MessagesTakePrecedence(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{"prompt":"ignored","system":"sys","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	assert.Equal(t, []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
	}, req.Normalize(DefaultSystemPrompt))
}

func TestParseChatRequest_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
	}{
		{"empty body", ``, ErrMissingPrompt},
		{"empty object", `{}`, ErrMissingPrompt},
		{"blank prompt", `{"prompt":"   "}`, ErrMissingPrompt},
		{"prompt not a string", `{"prompt":123}`, ErrMissingPrompt},
		{"empty messages", `{"messages":[]}`, ErrMissingPrompt},
		{"messages not an array", `{"messages":"hi"}`, ErrMissingPrompt},
		{"not json", `prompt=hi`, ErrInvalidPayload},
		{"truncated", `{"prompt":"hi"`, ErrInvalidPayload},
		{"array root", `[{"prompt":"hi"}]`, ErrInvalidPayload},
		{"string root", `"hi"`, ErrInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseChatRequest([]byte(tc.body))
			assert.ErrorIs(t, err, tc.err)
		})
	}
}
