// Package modelcap describes what each chat model can do. The table is an
// allow-list of exceptions to an optimistic default: unknown identifiers are
// assumed to support both web search and reasoning, so newly released models
// work without a code change.
package modelcap

// Capability describes one model's feature support.
type Capability struct {
	Model             string
	SupportsWebSearch bool
	// SearchVariant is the identifier to invoke when web search is requested.
	// Some models switch to a dedicated search variant; most search as
	// themselves.
	SearchVariant     string
	SupportsReasoning bool
}

type override struct {
	noSearch      bool
	noReasoning   bool
	searchVariant string
}

// Keep this table in sync with the model picker; the HTTP capability listing
// and the provider resolver both read it, so client and server always agree
// on which toggles a model honors.
var overrides = map[string]override{
	"gpt-4.1-nano":             {noSearch: true, noReasoning: true},
	"gpt-4.1-mini":             {noReasoning: true},
	"gpt-4.1":                  {noReasoning: true},
	"gpt-4o":                   {noReasoning: true, searchVariant: "gpt-4o-search-preview"},
	"gpt-4o-mini":              {noReasoning: true, searchVariant: "gpt-4o-mini-search-preview"},
	"o3-mini":                  {noSearch: true},
	"o4-mini":                  {noSearch: true},
	"claude-3-7-sonnet-latest": {noSearch: true},
	"claude-3-5-sonnet-latest": {noSearch: true},
	"claude-sonnet-4-20250514": {noSearch: true},
	"claude-opus-4-20250514":   {noSearch: true},
	"gemini-2.0-flash-lite":    {noReasoning: true},
}

var knownOrder = []string{
	"gpt-4.1",
	"gpt-4.1-mini",
	"gpt-4.1-nano",
	"gpt-4o",
	"gpt-4o-mini",
	"o3-mini",
	"o4-mini",
	"claude-sonnet-4-20250514",
	"claude-opus-4-20250514",
	"claude-3-7-sonnet-latest",
	"claude-3-5-sonnet-latest",
	"gemini-2.0-flash",
	"gemini-2.0-flash-lite",
}

// Lookup returns the capability for a model identifier. It never fails:
// identifiers without an override get the optimistic default.
func Lookup(model string) Capability {
	capability := Capability{
		Model:             model,
		SupportsWebSearch: true,
		SearchVariant:     model,
		SupportsReasoning: true,
	}

	o, ok := overrides[model]
	if !ok {
		return capability
	}

	if o.noSearch {
		capability.SupportsWebSearch = false
		capability.SearchVariant = ""
	} else if o.searchVariant != "" {
		capability.SearchVariant = o.searchVariant
	}
	if o.noReasoning {
		capability.SupportsReasoning = false
	}

	return capability
}

// Known returns the curated model list in picker order.
func Known() []Capability {
	out := make([]Capability, 0, len(knownOrder))
	for _, model := range knownOrder {
		out = append(out, Lookup(model))
	}
	return out
}
