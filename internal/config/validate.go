package config

import (
	"fmt"
	"slices"

	"github.com/soyeahso/calldesk/internal/domain"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

var validLogLevels = []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}
	oneOf := func(path, value string, valid []string) {
		if value != "" && !slices.Contains(valid, value) {
			add(path, "must be one of %v, got %q", valid, value)
		}
	}

	// Server validation
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		add("server.port", "port must be 0-65535, got %d", cfg.Server.Port)
	}
	oneOf("server.bind", cfg.Server.Bind, []string{"loopback", "lan", "custom"})
	if cfg.Server.Bind == "custom" && cfg.Server.CustomBindHost == "" {
		add("server.customBindHost", "required when bind is custom")
	}
	oneOf("server.auth.mode", cfg.Server.Auth.Mode, []string{"token", "password"})
	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertPath == "" || cfg.Server.TLS.KeyPath == "") {
		add("server.tls", "certPath and keyPath are required when TLS is enabled")
	}

	// Twilio validation
	if cfg.Twilio.ValidateSignature {
		if cfg.Twilio.AuthToken == "" {
			add("twilio.authToken", "required when validateSignature is set")
		}
		if cfg.Server.PublicURL == "" {
			add("server.publicUrl", "required when twilio.validateSignature is set")
		}
	}
	if cfg.Twilio.GatherTimeout < 0 {
		add("twilio.gatherTimeout", "must not be negative, got %d", cfg.Twilio.GatherTimeout)
	}

	// LLM validation
	validProviders := []string{"claude", "gemini", "ollama", "openai"}
	oneOf("llm.provider", cfg.LLM.Provider, validProviders)
	for i, fb := range cfg.LLM.Fallbacks {
		path := fmt.Sprintf("llm.fallbacks[%d].provider", i)
		if fb.Provider == "" {
			add(path, "provider is required")
			continue
		}
		oneOf(path, fb.Provider, validProviders)
	}
	if cfg.LLM.MaxTokens < 0 {
		add("llm.maxTokens", "must not be negative, got %d", cfg.LLM.MaxTokens)
	}
	if t := cfg.LLM.Temperature; t != nil && (*t < 0 || *t > 2) {
		add("llm.temperature", "must be between 0 and 2, got %g", *t)
	}

	// Conversation validation
	if cfg.Conversation.SilenceThreshold < 0 {
		add("conversation.silenceThreshold", "must not be negative, got %d", cfg.Conversation.SilenceThreshold)
	}
	if cfg.Conversation.HistoryWindow < 0 {
		add("conversation.historyWindow", "must not be negative, got %d", cfg.Conversation.HistoryWindow)
	}
	if cfg.Conversation.EventTimeout < 0 || cfg.Conversation.EventTimeout > 14 {
		add("conversation.eventTimeout", "must be 0-14 seconds to stay under the webhook deadline, got %d", cfg.Conversation.EventTimeout)
	}
	oneOf("conversation.extraction", cfg.Conversation.Extraction, []string{"llm", "rules"})

	// Store and lock validation
	oneOf("store.driver", cfg.Store.Driver, []string{"sqlite", "memory"})
	oneOf("lock.driver", cfg.Lock.Driver, []string{"local", "redis"})
	if cfg.Lock.Driver == "redis" && cfg.Lock.RedisAddr == "" {
		add("lock.redisAddr", "required when lock driver is redis")
	}

	// Notify validation
	if smtp := cfg.Notify.SMTP; smtp != nil {
		if smtp.Host == "" {
			add("notify.smtp.host", "host is required")
		}
		if smtp.From == "" {
			add("notify.smtp.from", "from address is required")
		}
		if smtp.Port < 0 || smtp.Port > 65535 {
			add("notify.smtp.port", "port must be 0-65535, got %d", smtp.Port)
		}
	}
	if irc := cfg.Notify.IRC; irc != nil {
		if irc.Server == "" {
			add("notify.irc.server", "server is required")
		}
		if irc.Nick == "" {
			add("notify.irc.nick", "nick is required")
		}
		if irc.Port < 0 || irc.Port > 65535 {
			add("notify.irc.port", "port must be 0-65535, got %d", irc.Port)
		}
		if irc.SASL && irc.Password == "" {
			add("notify.irc.sasl", "SASL requires a password to be set")
		}
	}

	// Business validation
	ids := map[string]bool{}
	phones := map[string]bool{}
	for i, b := range cfg.BusinessContexts() {
		path := fmt.Sprintf("businesses[%d]", i)
		if err := b.Validate(); err != nil {
			add(path, "%v", err)
			continue
		}
		if ids[b.BusinessID] {
			add(path+".id", "duplicate business id %q", b.BusinessID)
		}
		ids[b.BusinessID] = true
		phone := domain.NormalizePhone(b.PhoneNumber)
		if phones[phone] {
			add(path+".phoneNumber", "phone number %s is already assigned", b.PhoneNumber)
		}
		phones[phone] = true
	}

	// Logging validation
	oneOf("logging.level", cfg.Logging.Level, validLogLevels)
	oneOf("logging.consoleStyle", cfg.Logging.ConsoleStyle, []string{"pretty", "json"})

	// Rate limit validation
	if cfg.RateLimit.Enabled && (cfg.RateLimit.RequestsPerSecond <= 0 || cfg.RateLimit.Burst <= 0) {
		add("rateLimit", "requestsPerSecond and burst must be positive when enabled")
	}

	return issues
}
