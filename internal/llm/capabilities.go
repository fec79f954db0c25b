package llm

import (
	"sort"
	"strings"
)

// Capabilities describes what a provider/model pair supports.
type Capabilities struct {
	Provider        string `json:"provider" yaml:"provider"`
	Model           string `json:"model" yaml:"model"`
	ToolCalling     bool   `json:"tool_calling" yaml:"tool_calling"`
	Streaming       bool   `json:"streaming" yaml:"streaming"`
	ContextWindow   int    `json:"context_window" yaml:"context_window"`
	MaxOutputTokens int    `json:"max_output_tokens" yaml:"max_output_tokens"`
}

// CapabilityTable maps provider/model pairs to capabilities. It is built once
// at startup and never modified; share it by pointer.
type CapabilityTable struct {
	entries map[string]Capabilities
}

// NewCapabilityTable builds a table. Later entries replace earlier ones with
// the same provider and model. A model of "*" is the provider default.
func NewCapabilityTable(entries ...Capabilities) *CapabilityTable {
	t := &CapabilityTable{entries: make(map[string]Capabilities, len(entries))}
	for _, e := range entries {
		t.entries[key(e.Provider, e.Model)] = e
	}
	return t
}

// DefaultCapabilities returns the built-in table with any overrides applied.
func DefaultCapabilities(overrides ...Capabilities) *CapabilityTable {
	builtin := []Capabilities{
		{Provider: "anthropic", Model: "*", ToolCalling: true, Streaming: true, ContextWindow: 200_000, MaxOutputTokens: 8192},
		{Provider: "anthropic", Model: "claude-sonnet-4-20250514", ToolCalling: true, Streaming: true, ContextWindow: 200_000, MaxOutputTokens: 16_384},
		{Provider: "anthropic", Model: "claude-3-5-haiku-latest", ToolCalling: true, Streaming: true, ContextWindow: 200_000, MaxOutputTokens: 8192},
		{Provider: "openai", Model: "*", ToolCalling: true, Streaming: false, ContextWindow: 128_000, MaxOutputTokens: 4096},
		{Provider: "openai", Model: "gpt-4o", ToolCalling: true, Streaming: false, ContextWindow: 128_000, MaxOutputTokens: 16_384},
		{Provider: "openai", Model: "gpt-4o-mini", ToolCalling: true, Streaming: false, ContextWindow: 128_000, MaxOutputTokens: 16_384},
		{Provider: "scripted", Model: "*", ToolCalling: true, Streaming: true, ContextWindow: 200_000, MaxOutputTokens: 4096},
	}
	return NewCapabilityTable(append(builtin, overrides...)...)
}

// Lookup returns the capabilities of a model, falling back to the provider
// default. The returned value carries the requested model name.
func (t *CapabilityTable) Lookup(provider, model string) (Capabilities, bool) {
	if c, ok := t.entries[key(provider, model)]; ok {
		return c, true
	}
	if c, ok := t.entries[key(provider, "*")]; ok {
		c.Model = model
		return c, true
	}
	return Capabilities{}, false
}

// Providers lists the providers present in the table.
func (t *CapabilityTable) Providers() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range t.entries {
		if !seen[c.Provider] {
			seen[c.Provider] = true
			out = append(out, c.Provider)
		}
	}
	sort.Strings(out)
	return out
}

func key(provider, model string) string {
	return strings.ToLower(provider) + "/" + model
}
