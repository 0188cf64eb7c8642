// Package turn defines the turn envelope — the canonical unit of message flow
// between the channel transport, the write-ahead log, and the agent runtime.
package turn

import (
	"regexp"
	"strings"
)

// Schema is the envelope schema tag written to every persisted turn.
const Schema = "brewva.turn.v1"

// Kind classifies a turn envelope.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindTool      Kind = "tool"
	KindApproval  Kind = "approval"
)

// Part is one content element of a turn. Exactly one of the type-specific
// field groups is populated, selected by Type.
type Part struct {
	Type string `json:"type"` // "text", "image", "file"
	Text string `json:"text,omitempty"`
	URI  string `json:"uri,omitempty"`
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part { return Part{Type: "text", Text: text} }

// ImagePart builds an image part with a provider URI and mime type.
func ImagePart(uri, mime string) Part { return Part{Type: "image", URI: uri, Mime: mime} }

// FilePart builds a file part with a provider URI, filename, and mime type.
func FilePart(uri, name, mime string) Part {
	return Part{Type: "file", URI: uri, Name: name, Mime: mime}
}

// ApprovalAction is one buttoned choice of an approval payload.
type ApprovalAction struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Style string `json:"style,omitempty"` // "primary", "neutral", "danger"
}

// Approval is the interactive-choice payload carried by approval turns and by
// assistant turns that present buttons.
type Approval struct {
	RequestID string           `json:"requestId"`
	Title     string           `json:"title"`
	Detail    string           `json:"detail,omitempty"`
	Actions   []ApprovalAction `json:"actions"`
}

// Envelope is the canonical bidirectional message unit.
type Envelope struct {
	Schema         string            `json:"schema"`
	Kind           Kind              `json:"kind"`
	SessionID      string            `json:"sessionId"`
	TurnID         string            `json:"turnId"`
	Channel        string            `json:"channel"`
	ConversationID string            `json:"conversationId"`
	ThreadID       string            `json:"threadId,omitempty"`
	MessageID      string            `json:"messageId,omitempty"`
	Timestamp      int64             `json:"timestamp"` // ms epoch
	Parts          []Part            `json:"parts"`
	Approval       *Approval         `json:"approval,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// Text concatenates the text parts of the envelope, newline-joined.
func (e *Envelope) Text() string {
	var texts []string
	for _, p := range e.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// RewriteText replaces all text parts with a single text part containing text,
// preserving non-text parts in order. Used by the orchestrator when a command
// match rewrites the turn into an agent task.
func (e *Envelope) RewriteText(text string) {
	parts := make([]Part, 0, len(e.Parts))
	parts = append(parts, TextPart(text))
	for _, p := range e.Parts {
		if p.Type != "text" {
			parts = append(parts, p)
		}
	}
	e.Parts = parts
}

// SetMeta stores a key/value pair, allocating the meta map on first use.
func (e *Envelope) SetMeta(key, value string) {
	if e.Meta == nil {
		e.Meta = make(map[string]string)
	}
	e.Meta[key] = value
}

var idPattern = regexp.MustCompile(`^[a-z0-9_-]{1,24}$`)

// ValidID reports whether s is a well-formed approval requestId or actionId.
func ValidID(s string) bool { return idPattern.MatchString(s) }
