// Package factory builds the configured llm.Completer. It lives apart from
// package llm so the provider adapters can import llm without a cycle.
package factory

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/kazi/internal/llm"
	"github.com/jkaninda/kazi/internal/llm/anthropic"
	"github.com/jkaninda/kazi/internal/llm/openai"
)

// Config selects one provider variant.
type Config struct {
	Provider   string // anthropic, openai or scripted
	Model      string
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// New returns the completer for cfg wrapped with retries. The capability
// table is consulted once; unknown models inherit the provider default.
func New(cfg Config, table *llm.CapabilityTable, retry llm.RetryConfig, logger *slog.Logger) (*llm.Retrying, error) {
	inner, err := build(cfg, table, logger)
	if err != nil {
		return nil, err
	}
	return llm.WithRetry(inner, retry, logger), nil
}

func build(cfg Config, table *llm.CapabilityTable, logger *slog.Logger) (llm.Completer, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "anthropic"
	}
	caps, ok := table.Lookup(provider, cfg.Model)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (known: %s)", cfg.Provider, strings.Join(table.Providers(), ", "))
	}

	switch provider {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic: api key is required")
		}
		if cfg.Model == "" {
			return nil, fmt.Errorf("anthropic: model is required")
		}
		var opts []anthropic.Option
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		if cfg.HTTPClient != nil {
			opts = append(opts, anthropic.WithHTTPClient(cfg.HTTPClient))
		}
		return anthropic.NewClient(cfg.APIKey, caps, logger, opts...), nil
	case "openai":
		if cfg.Model == "" {
			return nil, fmt.Errorf("openai: model is required")
		}
		// A key is optional when BaseURL points at a local server such as Ollama.
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai: api key is required")
		}
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.HTTPClient != nil {
			opts = append(opts, openai.WithHTTPClient(cfg.HTTPClient))
		}
		return openai.NewClient(cfg.APIKey, caps, logger, opts...), nil
	case "scripted":
		return llm.NewEcho(), nil
	default:
		return nil, fmt.Errorf("provider %q has capabilities but no adapter", provider)
	}
}
