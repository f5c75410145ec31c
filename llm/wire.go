// Package llm contains the outbound side of the evaluation pipeline: the
// wire-config formatter, the analyzer RPC client and the per-connection
// circuit breaker.
package llm

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/prodogs/DocumentEvaluator-sub001/common"
)

// WireConfig is the exact provider shape the analyzer RPC expects. This
// formatter is the single source of truth for it; inconsistent construction
// elsewhere was the historical source of silent misrouting.
type WireConfig struct {
	ProviderType string `json:"provider_type"`
	BaseURL      string `json:"base_url"`
	ModelName    string `json:"model_name"`
	APIKey       string `json:"api_key,omitempty"`
}

// ConnectionView is the denormalized connection input consumed by Format.
type ConnectionView struct {
	ProviderType string
	BaseURL      string
	Port         *int
	ModelName    string // resolved name; empty triggers the resolver
	ModelID      *uint
	APIKey       string
}

// ModelResolver looks a model name up by catalog id.
type ModelResolver interface {
	ResolveModelName(modelID uint) (string, error)
}

// Format normalizes a connection into the analyzer wire shape. It never
// fails: missing fields substitute documented defaults, and an unresolvable
// model name becomes "default" with a logged warning.
func Format(view ConnectionView, resolver ModelResolver) WireConfig {
	cfg := WireConfig{
		ProviderType: view.ProviderType,
		BaseURL:      composeBaseURL(view.BaseURL, view.Port),
		ModelName:    view.ModelName,
		APIKey:       view.APIKey,
	}

	if cfg.ProviderType == "" {
		cfg.ProviderType = "ollama"
	}

	if cfg.ModelName == "" && view.ModelID != nil && resolver != nil {
		name, err := resolver.ResolveModelName(*view.ModelID)
		if err == nil && name != "" {
			cfg.ModelName = name
		}
	}
	if cfg.ModelName == "" {
		common.Logger.WithField("model_id", view.ModelID).
			Warn("model name could not be resolved, using default")
		cfg.ModelName = "default"
	}

	return cfg
}

// composeBaseURL applies the port composition rule: a port already present
// in the URL wins; otherwise an explicit port is appended after the host,
// preserving scheme and path; otherwise the URL passes through unchanged.
func composeBaseURL(baseURL string, port *int) string {
	if baseURL == "" || port == nil {
		return baseURL
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		// Not parseable as an absolute URL; leave it alone rather than guess.
		return baseURL
	}

	if parsed.Port() != "" {
		return baseURL
	}

	parsed.Host = net.JoinHostPort(parsed.Hostname(), fmt.Sprintf("%d", *port))
	return parsed.String()
}

// Redacted returns a copy safe for logging, with the API key masked.
func (c WireConfig) Redacted() WireConfig {
	redacted := c
	redacted.APIKey = common.MaskSecret(c.APIKey)
	if strings.Contains(redacted.APIKey, "not set") {
		redacted.APIKey = ""
	}
	return redacted
}
