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

// GoogleClient streams responses from the Gemini generateContent SSE endpoint.
type GoogleClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewGoogleClient(cfg config.Config, httpClient *http.Client) GoogleClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return GoogleClient{
		apiKey:     strings.TrimSpace(cfg.GeminiAPIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.GeminiBaseURL), "/"),
		httpClient: httpClient,
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiTool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type geminiThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

type geminiGenerationConfig struct {
	ThinkingConfig *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text    string `json:"text"`
				Thought bool   `json:"thought"`
			} `json:"parts"`
		} `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
		ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c GoogleClient) StreamChat(ctx context.Context, sel Selection, system string, messages []Message, handlers StreamHandlers) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}
	if sel.Family != FamilyGoogle || sel.Google == nil {
		return fmt.Errorf("selection is not for the google family: %s", sel.Family)
	}
	if len(messages) == 0 {
		return errors.New("messages are required")
	}

	systemParts := make([]string, 0, 2)
	if strings.TrimSpace(system) != "" {
		systemParts = append(systemParts, system)
	}

	contents := make([]geminiContent, 0, len(messages))
	for _, message := range messages {
		text := flattenContent(message)
		switch message.Role {
		case RoleSystem:
			if strings.TrimSpace(text) != "" {
				systemParts = append(systemParts, text)
			}
		case RoleAssistant:
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: text}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: text}}})
		}
	}

	request := geminiRequest{Contents: contents}
	if len(systemParts) > 0 {
		request.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(systemParts, "\n\n")}}}
	}
	if sel.Google.WebSearch {
		request.Tools = []geminiTool{{GoogleSearch: &struct{}{}}}
	}
	if sel.Google.IncludeThoughts {
		request.GenerationConfig = &geminiGenerationConfig{
			ThinkingConfig: &geminiThinkingConfig{IncludeThoughts: true},
		}
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", c.baseURL, sel.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("gemini returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := handlers.start(); err != nil {
		return err
	}

	seenSources := make(map[string]struct{})

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

		var parsed geminiChunk
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			continue
		}

		if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
			return errors.New(strings.TrimSpace(parsed.Error.Message))
		}

		for _, candidate := range parsed.Candidates {
			for _, part := range candidate.Content.Parts {
				if part.Thought {
					if err := handlers.reasoning(part.Text); err != nil {
						return err
					}
					continue
				}
				if err := handlers.delta(part.Text); err != nil {
					return err
				}
			}

			if candidate.GroundingMetadata == nil {
				continue
			}
			for _, chunk := range candidate.GroundingMetadata.GroundingChunks {
				if chunk.Web == nil {
					continue
				}
				if _, ok := seenSources[chunk.Web.URI]; ok {
					continue
				}
				seenSources[chunk.Web.URI] = struct{}{}
				if err := handlers.source(Source{URL: chunk.Web.URI, Title: chunk.Web.Title}); err != nil {
					return err
				}
			}
		}

		if parsed.UsageMetadata != nil {
			usage := Usage{
				PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
				CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
			}
			if parsed.UsageMetadata.ThoughtsTokenCount > 0 {
				reasoningTokens := parsed.UsageMetadata.ThoughtsTokenCount
				usage.ReasoningTokens = &reasoningTokens
			}
			if err := handlers.usage(usage); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read gemini stream: %w", err)
	}
	return nil
}
