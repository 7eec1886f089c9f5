package provider

import (
	"fmt"
	"strings"

	"polychat/backend/internal/modelcap"
)

// Family identifies the backend vendor a model routes to.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyGoogle    Family = "google"
)

const (
	openAIReasoningEffort     = "high"
	anthropicWebSearchMaxUses = 5
	anthropicThinkingBudget   = 10000
)

// Selection is the resolved routing decision for one request. Exactly one of
// the family option blocks is non-nil so downstream clients never see another
// vendor's configuration.
type Selection struct {
	Family Family
	Model  string

	OpenAI    *OpenAIOptions
	Anthropic *AnthropicOptions
	Google    *GoogleOptions
}

type OpenAIOptions struct {
	WebSearch       bool
	ReasoningEffort string
}

type AnthropicOptions struct {
	WebSearch            bool
	WebSearchMaxUses     int
	ThinkingBudgetTokens int
}

type GoogleOptions struct {
	WebSearch       bool
	IncludeThoughts bool
}

// SearchEnabled reports whether the selection carries an active web search
// option for its family.
func (s Selection) SearchEnabled() bool {
	switch {
	case s.OpenAI != nil:
		return s.OpenAI.WebSearch
	case s.Anthropic != nil:
		return s.Anthropic.WebSearch
	case s.Google != nil:
		return s.Google.WebSearch
	}
	return false
}

// ReasoningEnabled reports whether the selection requests extended reasoning.
func (s Selection) ReasoningEnabled() bool {
	switch {
	case s.OpenAI != nil:
		return s.OpenAI.ReasoningEffort != ""
	case s.Anthropic != nil:
		return s.Anthropic.ThinkingBudgetTokens > 0
	case s.Google != nil:
		return s.Google.IncludeThoughts
	}
	return false
}

// UnsupportedModelError reports the model name as originally requested, not
// the search variant it may have been rewritten to.
type UnsupportedModelError struct {
	Model string
}

func (e UnsupportedModelError) Error() string {
	return fmt.Sprintf("unsupported model: %s", e.Model)
}

// Resolve picks the provider family and concrete model for a request. Pure:
// identical inputs always yield identical selections.
//
// The search variant substitution happens before family classification, so a
// model whose search variant lives in the same family still routes correctly.
// Family checks run in fixed order because the naming substrings are not
// disjoint ("o" prefix must win before anything else is considered).
func Resolve(requested string, wantsSearch, wantsReasoning bool) (Selection, error) {
	capability := modelcap.Lookup(requested)

	model := requested
	searchActive := wantsSearch && capability.SupportsWebSearch
	if searchActive && capability.SearchVariant != "" {
		model = capability.SearchVariant
	}
	reasoningActive := wantsReasoning && capability.SupportsReasoning

	switch {
	case strings.Contains(model, "gpt") || strings.Contains(model, "openai") || strings.HasPrefix(model, "o"):
		opts := &OpenAIOptions{WebSearch: searchActive}
		if reasoningActive {
			opts.ReasoningEffort = openAIReasoningEffort
		}
		return Selection{Family: FamilyOpenAI, Model: model, OpenAI: opts}, nil

	case strings.Contains(model, "claude") || strings.Contains(model, "anthropic"):
		opts := &AnthropicOptions{}
		if searchActive {
			opts.WebSearch = true
			opts.WebSearchMaxUses = anthropicWebSearchMaxUses
		}
		if reasoningActive {
			opts.ThinkingBudgetTokens = anthropicThinkingBudget
		}
		return Selection{Family: FamilyAnthropic, Model: model, Anthropic: opts}, nil

	case strings.Contains(model, "gemini") || strings.Contains(model, "google"):
		opts := &GoogleOptions{WebSearch: searchActive, IncludeThoughts: reasoningActive}
		return Selection{Family: FamilyGoogle, Model: model, Google: opts}, nil
	}

	return Selection{}, UnsupportedModelError{Model: requested}
}
