package sidecar

import "strings"

// Roles the sidecar itself produces or inspects. Other roles from a request
// are passed to the engine unchanged.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultSystemPrompt is the persona used when a request carries no system message.
const DefaultSystemPrompt = "You are PrivateAI, a local-first assistant that never sends data to the cloud. " +
	"Answer succinctly, focusing on helpful and factual responses."

// Message is one normalized chat message as sent to the engine.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contentKind uint8

const (
	contentNone contentKind = iota
	contentPlain
	contentSegments
)

// Content is the text of a message as the engine returned it: either a plain
// string or an ordered list of text segments. The zero value holds no text.
type Content struct {
	kind     contentKind
	plain    string
	segments []string
}

// PlainContent holds a single string.
func PlainContent(s string) Content {
	return Content{kind: contentPlain, plain: s}
}

// SegmentedContent holds text parts that are concatenated in order.
func SegmentedContent(segments ...string) Content {
	return Content{kind: contentSegments, segments: segments}
}

// IsText reports whether the content is textual at all.
func (c Content) IsText() bool {
	return c.kind != contentNone
}

// IsSegmented reports whether the content came as a list of parts.
func (c Content) IsSegmented() bool {
	return c.kind == contentSegments
}

// Text returns the content as one string, joining segments in order.
func (c Content) Text() string {
	switch c.kind {
	case contentPlain:
		return c.plain
	case contentSegments:
		return strings.Join(c.segments, "")
	default:
		return ""
	}
}

// MessageEntry is one element of a request's messages array as received.
// An empty Role or a Content holding no text marks the entry as malformed.
type MessageEntry struct {
	Role    string
	Content Content
}

func (e MessageEntry) wellFormed() bool {
	return e.Role != "" && e.Content.IsText()
}

// NormalizeMessages turns a chat request into the ordered message list the
// engine expects. When entries is non-empty, well-formed entries are copied in
// order and a system message is prepended unless one of them already has the
// system role. Otherwise the conversation is synthesized from system and prompt.
func NormalizeMessages(prompt, system string, entries []MessageEntry) []Message {
	if system == "" {
		system = DefaultSystemPrompt
	}

	if len(entries) == 0 {
		return []Message{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: prompt},
		}
	}

	copied := make([]Message, 0, len(entries))
	hasSystem := false
	for _, e := range entries {
		if !e.wellFormed() {
			continue
		}
		if e.Role == RoleSystem {
			hasSystem = true
		}
		copied = append(copied, Message{Role: e.Role, Content: e.Content.Text()})
	}
	if hasSystem {
		return copied
	}
	return append([]Message{{Role: RoleSystem, Content: system}}, copied...)
}
