package sidecar

import (
	"bytes"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrInvalidPayload = errors.New("invalid JSON payload")
	ErrMissingPrompt  = errors.New("missing prompt")
)

// ChatRequest is the body of /chat and /chat/stream.
type ChatRequest struct {
	Prompt   string
	System   string
	Messages []MessageEntry
}

// ParseChatRequest validates and decodes a chat request body. An empty body
// is read as an empty object. A "messages" value that is not an array is
// ignored, and its entries are kept as received so that normalization can
// drop the malformed ones.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidPayload
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, ErrInvalidPayload
	}

	req := &ChatRequest{
		Prompt: strings.TrimSpace(stringField(root, "prompt")),
		System: strings.TrimSpace(stringField(root, "system")),
	}
	if msgs := root.Get("messages"); msgs.IsArray() {
		msgs.ForEach(func(_, m gjson.Result) bool {
			var entry MessageEntry
			if m.IsObject() {
				entry.Role = stringField(m, "role")
				entry.Content = ContentFromJSON(m.Get("content"))
			}
			req.Messages = append(req.Messages, entry)
			return true
		})
	}

	if req.Prompt == "" && len(req.Messages) == 0 {
		return nil, ErrMissingPrompt
	}
	return req, nil
}

// Normalize returns the engine message list for the request, falling back to
// defaultSystem when the request names no system prompt.
func (r *ChatRequest) Normalize(defaultSystem string) []Message {
	system := r.System
	if system == "" {
		system = defaultSystem
	}
	return NormalizeMessages(r.Prompt, system, r.Messages)
}

func stringField(obj gjson.Result, key string) string {
	v := obj.Get(key)
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}
