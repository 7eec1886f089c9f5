package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"polychat/backend/internal/config"
)

const (
	anthropicVersion       = "2023-06-01"
	anthropicMaxTokens     = 8192
	anthropicWebSearchTool = "web_search_20250305"
)

// AnthropicClient streams responses over the Anthropic Messages SSE protocol.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewAnthropicClient(cfg config.Config, httpClient *http.Client) AnthropicClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return AnthropicClient{
		apiKey:     strings.TrimSpace(cfg.AnthropicAPIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.AnthropicBaseURL), "/"),
		httpClient: httpClient,
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicTool struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	MaxUses int    `json:"max_uses,omitempty"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream"`
	Thinking  *anthropicThinking `json:"thinking,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicEvent struct {
	Type string `json:"type"`

	Message *struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message,omitempty"`

	ContentBlock *struct {
		Type    string `json:"type"`
		ID      string `json:"id"`
		Name    string `json:"name"`
		Content []struct {
			Type  string `json:"type"`
			URL   string `json:"url"`
			Title string `json:"title"`
		} `json:"content"`
	} `json:"content_block,omitempty"`

	Delta *struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
		Citation *struct {
			URL   string `json:"url"`
			Title string `json:"title"`
		} `json:"citation"`
	} `json:"delta,omitempty"`

	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`

	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c AnthropicClient) StreamChat(ctx context.Context, sel Selection, system string, messages []Message, handlers StreamHandlers) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}
	if sel.Family != FamilyAnthropic || sel.Anthropic == nil {
		return fmt.Errorf("selection is not for the anthropic family: %s", sel.Family)
	}
	if len(messages) == 0 {
		return errors.New("messages are required")
	}

	// The Messages API rejects system-role entries in the history; fold them
	// into the system field instead.
	systemParts := make([]string, 0, 2)
	if strings.TrimSpace(system) != "" {
		systemParts = append(systemParts, system)
	}
	apiMessages := make([]anthropicMessage, 0, len(messages))
	for _, message := range messages {
		if message.Role == RoleSystem {
			if text := flattenContent(message); strings.TrimSpace(text) != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}
		apiMessages = append(apiMessages, anthropicMessage{Role: message.Role, Content: flattenContent(message)})
	}

	request := anthropicRequest{
		Model:     sel.Model,
		MaxTokens: anthropicMaxTokens,
		System:    strings.Join(systemParts, "\n\n"),
		Messages:  apiMessages,
		Stream:    true,
	}
	if budget := sel.Anthropic.ThinkingBudgetTokens; budget > 0 {
		request.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
		// max_tokens must leave room for the visible answer beyond the
		// thinking budget.
		request.MaxTokens = budget + anthropicMaxTokens
	}
	if sel.Anthropic.WebSearch {
		request.Tools = []anthropicTool{{
			Type:    anthropicWebSearchTool,
			Name:    "web_search",
			MaxUses: sel.Anthropic.WebSearchMaxUses,
		}}
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request anthropic: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("anthropic returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := handlers.start(); err != nil {
		return err
	}

	var promptTokens int

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event anthropicEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				promptTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock == nil {
				continue
			}
			switch event.ContentBlock.Type {
			case "server_tool_use":
				if err := handlers.toolCall(ToolCall{ID: event.ContentBlock.ID, Name: event.ContentBlock.Name}); err != nil {
					return err
				}
			case "web_search_tool_result":
				for _, result := range event.ContentBlock.Content {
					if err := handlers.source(Source{URL: result.URL, Title: result.Title}); err != nil {
						return err
					}
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if err := handlers.delta(event.Delta.Text); err != nil {
					return err
				}
			case "thinking_delta":
				if err := handlers.reasoning(event.Delta.Thinking); err != nil {
					return err
				}
			case "citations_delta":
				if event.Delta.Citation != nil {
					if err := handlers.source(Source{URL: event.Delta.Citation.URL, Title: event.Delta.Citation.Title}); err != nil {
						return err
					}
				}
			}

		case "message_delta":
			if event.Usage != nil {
				completion := event.Usage.OutputTokens
				if err := handlers.usage(Usage{
					PromptTokens:     promptTokens,
					CompletionTokens: completion,
					TotalTokens:      promptTokens + completion,
				}); err != nil {
					return err
				}
			}

		case "message_stop":
			return nil

		case "error":
			if event.Error != nil && strings.TrimSpace(event.Error.Message) != "" {
				return errors.New(strings.TrimSpace(event.Error.Message))
			}
			return errors.New("anthropic stream error")
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read anthropic stream: %w", err)
	}
	return nil
}
