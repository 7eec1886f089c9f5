package provider

import (
	"fmt"
	"net/http"

	"polychat/backend/internal/config"
)

// Clients bundles one streaming client per provider family. Constructed once
// at startup and shared across requests; the clients hold no per-request
// state.
type Clients struct {
	openai    OpenAIClient
	anthropic AnthropicClient
	google    GoogleClient
}

func NewClients(cfg config.Config, httpClient *http.Client) Clients {
	return Clients{
		openai:    NewOpenAIClient(cfg, httpClient),
		anthropic: NewAnthropicClient(cfg, httpClient),
		google:    NewGoogleClient(cfg, httpClient),
	}
}

// For returns the streamer matching a resolved selection's family.
func (c Clients) For(family Family) (Streamer, error) {
	switch family {
	case FamilyOpenAI:
		return c.openai, nil
	case FamilyAnthropic:
		return c.anthropic, nil
	case FamilyGoogle:
		return c.google, nil
	}
	return nil, fmt.Errorf("no client for provider family: %s", family)
}
