package provider

import (
	"errors"
	"reflect"
	"testing"
)

func TestResolveSubstitutesSearchVariantBeforeClassifying(t *testing.T) {
	t.Parallel()

	sel, err := Resolve("gpt-4o", true, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if sel.Family != FamilyOpenAI {
		t.Fatalf("unexpected family: %s", sel.Family)
	}
	if sel.Model != "gpt-4o-search-preview" {
		t.Fatalf("unexpected model: %q", sel.Model)
	}
	if sel.OpenAI == nil || !sel.OpenAI.WebSearch {
		t.Fatalf("expected web search enabled, got %+v", sel.OpenAI)
	}
	if sel.Anthropic != nil || sel.Google != nil {
		t.Fatal("expected only the openai options block to be set")
	}
}

func TestResolveDropsUnsupportedTogglesSilently(t *testing.T) {
	t.Parallel()

	// This model cannot search but can reason with an extended budget.
	sel, err := Resolve("claude-3-7-sonnet-latest", true, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if sel.Family != FamilyAnthropic {
		t.Fatalf("unexpected family: %s", sel.Family)
	}
	if sel.Model != "claude-3-7-sonnet-latest" {
		t.Fatalf("unexpected model: %q", sel.Model)
	}
	if sel.Anthropic == nil {
		t.Fatal("expected anthropic options")
	}
	if sel.Anthropic.WebSearch {
		t.Fatal("expected search request to be dropped for a no-search model")
	}
	if sel.Anthropic.ThinkingBudgetTokens != 10000 {
		t.Fatalf("unexpected thinking budget: %d", sel.Anthropic.ThinkingBudgetTokens)
	}
}

func TestResolveEnablesGeminiThoughtsAndSearch(t *testing.T) {
	t.Parallel()

	sel, err := Resolve("gemini-2.0-flash", true, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if sel.Family != FamilyGoogle {
		t.Fatalf("unexpected family: %s", sel.Family)
	}
	if sel.Google == nil || !sel.Google.WebSearch || !sel.Google.IncludeThoughts {
		t.Fatalf("unexpected google options: %+v", sel.Google)
	}
}

func TestResolveClassifiesOPrefixAsOpenAI(t *testing.T) {
	t.Parallel()

	sel, err := Resolve("o4-mini", true, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if sel.Family != FamilyOpenAI {
		t.Fatalf("unexpected family: %s", sel.Family)
	}
	if sel.OpenAI.WebSearch {
		t.Fatal("expected search request to be dropped for o4-mini")
	}
	if sel.OpenAI.ReasoningEffort != "high" {
		t.Fatalf("unexpected reasoning effort: %q", sel.OpenAI.ReasoningEffort)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	t.Parallel()

	first, err := Resolve("claude-sonnet-4-20250514", true, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := Resolve("claude-sonnet-4-20250514", true, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("selections differ: %+v vs %+v", first, second)
	}
}

func TestResolveRejectsUnknownVendorsWithRequestedName(t *testing.T) {
	t.Parallel()

	_, err := Resolve("llama-3-70b", false, false)
	if err == nil {
		t.Fatal("expected unsupported model error")
	}

	var unsupported UnsupportedModelError
	if !errors.As(err, &unsupported) {
		t.Fatalf("unexpected error type: %v", err)
	}
	if unsupported.Model != "llama-3-70b" {
		t.Fatalf("unexpected model in error: %q", unsupported.Model)
	}
}
