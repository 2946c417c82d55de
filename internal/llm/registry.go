package llm

import (
	"fmt"
	"sync"

	"github.com/soyeahso/calldesk/internal/config"
	"github.com/soyeahso/calldesk/internal/logging"
)

// ProviderError is returned when an LLM provider fails.
type ProviderError struct {
	Provider string
	Message  string
	Code     int // HTTP-like status code (401, 429, 500, etc.)
}

func (e *ProviderError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s: %d %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Registry manages LLM provider clients in failover order.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]Client // provider name → client
	order    []string          // registration order
	aliases  map[string]string // model alias → provider name
	fallback string            // default provider name
	log      *logging.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		clients: make(map[string]Client),
		aliases: make(map[string]string),
		log:     log.Sub("llm.registry"),
	}
}

// Register adds a client under the given provider name.
func (r *Registry) Register(name string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[name]; !exists {
		r.order = append(r.order, name)
	}
	r.clients[name] = client
	r.log.Info().Str("provider", name).Msg("registered LLM provider")
}

// Alias maps a model name/alias to a provider.
// e.g., Alias("sonnet", "claude") means "sonnet" resolves to the "claude" provider.
func (r *Registry) Alias(model, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[model] = provider
}

// SetFallback sets the default provider used when no model/provider match is found.
func (r *Registry) SetFallback(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = provider
}

// Resolve returns the Client for the given model reference.
// Resolution order: exact provider name → alias → fallback.
func (r *Registry) Resolve(model string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.clients[model]; ok {
		return c, nil
	}

	if provider, ok := r.aliases[model]; ok {
		if c, ok := r.clients[provider]; ok {
			return c, nil
		}
	}

	if r.fallback != "" {
		if c, ok := r.clients[r.fallback]; ok {
			return c, nil
		}
	}

	return nil, fmt.Errorf("no LLM provider for model %q", model)
}

// List returns all registered provider names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Chain returns the fallback provider first, then every other provider in
// registration order. It is the order a failover client tries them in.
func (r *Registry) Chain() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Client, 0, len(r.order))
	if c, ok := r.clients[r.fallback]; ok {
		out = append(out, c)
	}
	for _, name := range r.order {
		if name == r.fallback {
			continue
		}
		out = append(out, r.clients[name])
	}
	return out
}

// NewClient builds a single provider client from its settings.
func NewClient(provider, model, apiKey, endpoint string) (Client, error) {
	switch provider {
	case "claude":
		if apiKey == "" {
			return nil, fmt.Errorf("claude: apiKey is required")
		}
		if model == "" {
			model = "claude-3-5-haiku-latest"
		}
		return NewClaudeAPIClient(apiKey, model, endpoint), nil
	case "gemini":
		if apiKey == "" {
			return nil, fmt.Errorf("gemini: apiKey is required")
		}
		if model == "" {
			model = "gemini-2.0-flash"
		}
		return NewGeminiAPIClient(apiKey, model, endpoint), nil
	case "ollama":
		if model == "" {
			model = "llama3"
		}
		return NewOllamaAPIClient(endpoint, model), nil
	case "openai":
		if model == "" {
			model = "gpt-4o-mini"
		}
		return NewOpenAIAPIClient(apiKey, model, endpoint), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}

// NewRegistryFromConfig registers the primary provider as the fallback and
// each configured fallback after it. Providers that cannot be built are
// logged and skipped.
func NewRegistryFromConfig(cfg config.LLMConfig, log *logging.Logger) *Registry {
	reg := NewRegistry(log)

	primary, err := NewClient(cfg.Provider, cfg.Model, cfg.APIKey, cfg.Endpoint)
	if err != nil {
		reg.log.Warn().Err(err).Msg("primary LLM provider unavailable")
	} else {
		reg.Register(cfg.Provider, primary)
		reg.SetFallback(cfg.Provider)
		if cfg.Model != "" {
			reg.Alias(cfg.Model, cfg.Provider)
		}
	}

	for i, fb := range cfg.Fallbacks {
		client, err := NewClient(fb.Provider, fb.Model, fb.APIKey, fb.Endpoint)
		if err != nil {
			reg.log.Warn().Err(err).Int("index", i).Msg("fallback LLM provider unavailable")
			continue
		}
		name := fb.Provider
		if reg.has(name) {
			name = fmt.Sprintf("%s-%d", fb.Provider, i+1)
		}
		reg.Register(name, client)
		if fb.Model != "" {
			reg.Alias(fb.Model, name)
		}
	}

	return reg
}

func (r *Registry) has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[name]
	return ok
}
