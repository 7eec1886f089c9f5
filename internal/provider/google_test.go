package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"polychat/backend/internal/config"
)

func TestGoogleStreamChatSeparatesThoughtsFromText(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash:streamGenerateContent" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("alt"); got != "sse" {
			t.Fatalf("unexpected alt query: %q", got)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			t.Fatalf("unexpected api key header: %q", got)
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		rawBody := string(body)
		if !strings.Contains(rawBody, `"thinkingConfig":{"includeThoughts":true}`) {
			t.Fatalf("request body missing thinking config: %s", rawBody)
		}
		if !strings.Contains(rawBody, `"role":"model"`) {
			t.Fatalf("request body missing model role mapping: %s", rawBody)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"weighing\",\"thought\":true}]}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hello\"}]}}],\"usageMetadata\":{\"promptTokenCount\":9,\"candidatesTokenCount\":3,\"totalTokenCount\":12,\"thoughtsTokenCount\":2}}\n\n"))
	}))
	defer server.Close()

	client := NewGoogleClient(config.Config{
		GeminiAPIKey:  "test-key",
		GeminiBaseURL: server.URL,
	}, server.Client())

	var out, thoughts strings.Builder
	var usage Usage
	err := client.StreamChat(
		context.Background(),
		Selection{Family: FamilyGoogle, Model: "gemini-2.0-flash", Google: &GoogleOptions{IncludeThoughts: true}},
		"",
		[]Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hey"},
			{Role: RoleUser, Content: "again"},
		},
		StreamHandlers{
			OnDelta: func(text string) error {
				out.WriteString(text)
				return nil
			},
			OnReasoning: func(text string) error {
				thoughts.WriteString(text)
				return nil
			},
			OnUsage: func(next Usage) error {
				usage = next
				return nil
			},
		},
	)
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}

	if got := out.String(); got != "Hello" {
		t.Fatalf("unexpected output: %q", got)
	}
	if got := thoughts.String(); got != "weighing" {
		t.Fatalf("unexpected thoughts: %q", got)
	}
	if usage.TotalTokens != 12 || usage.ReasoningTokens == nil || *usage.ReasoningTokens != 2 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestGoogleStreamChatDeduplicatesGroundingSources(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if !strings.Contains(string(body), `"tools":[{"google_search":{}}]`) {
			t.Fatalf("request body missing search tool: %s", body)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		chunk := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"x\"}]},\"groundingMetadata\":{\"groundingChunks\":[{\"web\":{\"uri\":\"https://example.com\",\"title\":\"Example\"}}]}}]}\n\n"
		_, _ = w.Write([]byte(chunk))
		_, _ = w.Write([]byte(chunk))
	}))
	defer server.Close()

	client := NewGoogleClient(config.Config{
		GeminiAPIKey:  "test-key",
		GeminiBaseURL: server.URL,
	}, server.Client())

	var sources []Source
	err := client.StreamChat(
		context.Background(),
		Selection{Family: FamilyGoogle, Model: "gemini-2.5-flash", Google: &GoogleOptions{WebSearch: true}},
		"",
		[]Message{{Role: RoleUser, Content: "hi"}},
		StreamHandlers{
			OnSource: func(source Source) error {
				sources = append(sources, source)
				return nil
			},
		},
	)
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}

	if len(sources) != 1 || sources[0].URL != "https://example.com" {
		t.Fatalf("unexpected sources: %+v", sources)
	}
}

func TestGoogleStreamChatReturnsUpstreamError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"quota"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewGoogleClient(config.Config{
		GeminiAPIKey:  "test-key",
		GeminiBaseURL: server.URL,
	}, server.Client())

	err := client.StreamChat(
		context.Background(),
		Selection{Family: FamilyGoogle, Model: "gemini-2.0-flash", Google: &GoogleOptions{}},
		"",
		[]Message{{Role: RoleUser, Content: "hi"}},
		StreamHandlers{},
	)
	if err == nil {
		t.Fatal("expected upstream error")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGoogleStreamChatReturnsMissingKeyError(t *testing.T) {
	t.Parallel()

	client := NewGoogleClient(config.Config{
		GeminiAPIKey:  "",
		GeminiBaseURL: "https://generativelanguage.googleapis.com",
	}, http.DefaultClient)

	err := client.StreamChat(
		context.Background(),
		Selection{Family: FamilyGoogle, Model: "gemini-2.0-flash", Google: &GoogleOptions{}},
		"",
		[]Message{{Role: RoleUser, Content: "hi"}},
		StreamHandlers{},
	)
	if err != ErrMissingAPIKey {
		t.Fatalf("unexpected error: %v", err)
	}
}
