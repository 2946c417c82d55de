package config

import (
	"fmt"
	"time"

	"github.com/soyeahso/calldesk/internal/domain"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

const (
	defaultPort             = 8080
	defaultSilenceThreshold = 3
	defaultHistoryWindow    = 4
	defaultEventTimeout     = 8
	defaultStaleAfter       = 30
	defaultMaxTokens        = 60
	defaultTemperature      = 0.3
	defaultNotifyTimeout    = 30
	defaultLockTTL          = 15000
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	temp := defaultTemperature
	return Config{
		Server: ServerConfig{
			Port: defaultPort,
			Bind: "loopback",
			Auth: ServerAuth{Mode: "token"},
		},
		Twilio: TwilioConfig{
			Language:      "en-US",
			GatherTimeout: 5,
		},
		LLM: LLMConfig{
			Provider:    "claude",
			MaxTokens:   defaultMaxTokens,
			Temperature: &temp,
		},
		Conversation: ConversationConfig{
			SilenceThreshold: defaultSilenceThreshold,
			HistoryWindow:    defaultHistoryWindow,
			EventTimeout:     defaultEventTimeout,
			StaleAfter:       defaultStaleAfter,
			Extraction:       "llm",
		},
		Store: StoreConfig{Driver: "sqlite"},
		Lock:  LockConfig{Driver: "local", TTL: defaultLockTTL},
		Notify: NotifyConfig{
			Timeout: defaultNotifyTimeout,
			Log:     true,
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 5,
			Burst:             20,
		},
	}
}

// EventTimeoutDuration bounds reply generation for one webhook.
func (c ConversationConfig) EventTimeoutDuration() time.Duration {
	return time.Duration(c.EventTimeout) * time.Second
}

// StaleAfterDuration is how long a session may sit in PROCESSING before
// the next event recovers it.
func (c ConversationConfig) StaleAfterDuration() time.Duration {
	return time.Duration(c.StaleAfter) * time.Second
}

// TimeoutDuration bounds finalization and delivery of one transaction.
func (c NotifyConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// TTLDuration is the lifetime of a distributed per-call lock.
func (c LockConfig) TTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Millisecond
}

// BusinessContexts returns the configured businesses with category
// defaults applied.
func (c *Config) BusinessContexts() []domain.BusinessContext {
	out := make([]domain.BusinessContext, 0, len(c.Businesses))
	for _, e := range c.Businesses {
		b := e.BusinessContext
		b.Active = e.Active == nil || *e.Active
		b.ApplyDefaults()
		out = append(out, b)
	}
	return out
}
