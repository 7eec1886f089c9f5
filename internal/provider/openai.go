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

// OpenAIClient streams chat completions over the OpenAI SSE protocol.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewOpenAIClient(cfg config.Config, httpClient *http.Client) OpenAIClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return OpenAIClient{
		apiKey:     strings.TrimSpace(cfg.OpenAIAPIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/"),
		httpClient: httpClient,
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIRequest struct {
	Model            string               `json:"model"`
	Messages         []openAIMessage      `json:"messages"`
	Stream           bool                 `json:"stream"`
	StreamOptions    *openAIStreamOptions `json:"stream_options,omitempty"`
	ReasoningEffort  string               `json:"reasoning_effort,omitempty"`
	WebSearchOptions *struct{}            `json:"web_search_options,omitempty"`
}

type openAIAnnotation struct {
	Type        string `json:"type"`
	URLCitation struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"url_citation"`
}

type openAIUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	TotalTokens             int `json:"total_tokens"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content     string             `json:"content"`
			Annotations []openAIAnnotation `json:"annotations"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c OpenAIClient) StreamChat(ctx context.Context, sel Selection, system string, messages []Message, handlers StreamHandlers) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}
	if sel.Family != FamilyOpenAI || sel.OpenAI == nil {
		return fmt.Errorf("selection is not for the openai family: %s", sel.Family)
	}
	if len(messages) == 0 {
		return errors.New("messages are required")
	}

	apiMessages := make([]openAIMessage, 0, len(messages)+1)
	if strings.TrimSpace(system) != "" {
		apiMessages = append(apiMessages, openAIMessage{Role: RoleSystem, Content: system})
	}
	for _, message := range messages {
		apiMessages = append(apiMessages, openAIMessage{Role: message.Role, Content: flattenContent(message)})
	}

	request := openAIRequest{
		Model:           sel.Model,
		Messages:        apiMessages,
		Stream:          true,
		StreamOptions:   &openAIStreamOptions{IncludeUsage: true},
		ReasoningEffort: sel.OpenAI.ReasoningEffort,
	}
	if sel.OpenAI.WebSearch {
		request.WebSearchOptions = &struct{}{}
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build openai request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request openai: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("openai returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := handlers.start(); err != nil {
		return err
	}

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
		if payload == "[DONE]" {
			return nil
		}

		var parsed openAIChunk
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			continue
		}

		if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
			return errors.New(strings.TrimSpace(parsed.Error.Message))
		}

		if parsed.Usage != nil {
			usage := Usage{
				PromptTokens:     parsed.Usage.PromptTokens,
				CompletionTokens: parsed.Usage.CompletionTokens,
				TotalTokens:      parsed.Usage.TotalTokens,
			}
			if parsed.Usage.CompletionTokensDetails != nil {
				reasoningTokens := parsed.Usage.CompletionTokensDetails.ReasoningTokens
				usage.ReasoningTokens = &reasoningTokens
			}
			if err := handlers.usage(usage); err != nil {
				return err
			}
		}

		for _, choice := range parsed.Choices {
			for _, annotation := range choice.Delta.Annotations {
				if annotation.Type != "url_citation" {
					continue
				}
				if err := handlers.source(Source{URL: annotation.URLCitation.URL, Title: annotation.URLCitation.Title}); err != nil {
					return err
				}
			}

			if err := handlers.delta(choice.Delta.Content); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read openai stream: %w", err)
	}
	return nil
}
