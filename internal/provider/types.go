// Package provider routes chat turns to one of the supported LLM backends
// (OpenAI, Anthropic, Google) and streams their responses through a single
// callback contract.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const maxErrorBodyBytes = 8 * 1024

var ErrMissingAPIKey = errors.New("provider api key is not configured")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	PartText      = "text"
	PartReasoning = "reasoning"
	PartFile      = "file"
	PartSource    = "source"
)

// Part is one typed fragment of a chat message.
type Part struct {
	Type      string  `json:"type"`
	Text      string  `json:"text,omitempty"`
	URL       string  `json:"url,omitempty"`
	MediaType string  `json:"mediaType,omitempty"`
	Source    *Source `json:"source,omitempty"`
}

// Message is one prior turn. Content carries the plain text; Parts, when
// present, carry the typed breakdown (reasoning, attachments, citations).
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Parts   []Part `json:"parts,omitempty"`
}

type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

type ToolCall struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type Usage struct {
	PromptTokens     int  `json:"promptTokens"`
	CompletionTokens int  `json:"completionTokens"`
	TotalTokens      int  `json:"totalTokens"`
	ReasoningTokens  *int `json:"reasoningTokens,omitempty"`
}

// StreamHandlers receives increments as the provider produces them. Any nil
// handler is skipped; a handler returning an error aborts the stream.
type StreamHandlers struct {
	OnStart     func() error
	OnDelta     func(text string) error
	OnReasoning func(text string) error
	OnToolCall  func(call ToolCall) error
	OnSource    func(source Source) error
	OnUsage     func(usage Usage) error
}

func (h StreamHandlers) start() error {
	if h.OnStart == nil {
		return nil
	}
	return h.OnStart()
}

func (h StreamHandlers) delta(text string) error {
	if h.OnDelta == nil || text == "" {
		return nil
	}
	return h.OnDelta(text)
}

func (h StreamHandlers) reasoning(text string) error {
	if h.OnReasoning == nil || text == "" {
		return nil
	}
	return h.OnReasoning(text)
}

func (h StreamHandlers) toolCall(call ToolCall) error {
	if h.OnToolCall == nil {
		return nil
	}
	return h.OnToolCall(call)
}

func (h StreamHandlers) source(source Source) error {
	if h.OnSource == nil || strings.TrimSpace(source.URL) == "" {
		return nil
	}
	return h.OnSource(source)
}

func (h StreamHandlers) usage(usage Usage) error {
	if h.OnUsage == nil {
		return nil
	}
	return h.OnUsage(usage)
}

// Streamer is the uniform provider contract: issue one chat completion for
// the given selection and forward increments until the model finishes.
type Streamer interface {
	StreamChat(ctx context.Context, sel Selection, system string, messages []Message, handlers StreamHandlers) error
}

// flattenContent renders a message as plain text for providers that take
// string content. Attachment parts are inlined as reference lines; reasoning
// and source parts are replay metadata and stay out of the prompt.
func flattenContent(m Message) string {
	if len(m.Parts) == 0 {
		return m.Content
	}

	var builder strings.Builder
	for _, part := range m.Parts {
		switch part.Type {
		case PartText:
			if part.Text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n\n")
			}
			builder.WriteString(part.Text)
		case PartFile:
			if strings.TrimSpace(part.URL) == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(fmt.Sprintf("[Attached file: %s (%s)]", part.URL, part.MediaType))
		}
	}

	if builder.Len() == 0 {
		return m.Content
	}
	return builder.String()
}
