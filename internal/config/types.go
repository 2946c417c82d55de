package config

import "github.com/soyeahso/calldesk/internal/domain"

// Config is the root configuration for calldesk.
type Config struct {
	Server       ServerConfig       `yaml:"server,omitempty"`
	Twilio       TwilioConfig       `yaml:"twilio,omitempty"`
	LLM          LLMConfig          `yaml:"llm,omitempty"`
	Conversation ConversationConfig `yaml:"conversation,omitempty"`
	Store        StoreConfig        `yaml:"store,omitempty"`
	Lock         LockConfig         `yaml:"lock,omitempty"`
	Notify       NotifyConfig       `yaml:"notify,omitempty"`
	Businesses   []BusinessEntry    `yaml:"businesses,omitempty"`
	Logging      LoggingConfig      `yaml:"logging,omitempty"`
	RateLimit    RateLimitConfig    `yaml:"rateLimit,omitempty"`
}

// ServerConfig controls the webhook and monitor HTTP server.
type ServerConfig struct {
	Port           int        `yaml:"port,omitempty"`
	Bind           string     `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string     `yaml:"customBindHost,omitempty"`
	PublicURL      string     `yaml:"publicUrl,omitempty"` // base URL Twilio uses to reach us, for signatures
	Auth           ServerAuth `yaml:"auth,omitempty"`
	TLS            ServerTLS  `yaml:"tls,omitempty"`
	AllowedOrigins []string   `yaml:"allowedOrigins,omitempty"`
}

// ServerAuth configures authentication for the live call monitor.
type ServerAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "token" | "password"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// ServerTLS configures TLS for the server.
type ServerTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// TwilioConfig holds the voice provider settings.
type TwilioConfig struct {
	AccountSID        string `yaml:"accountSid,omitempty"`
	AuthToken         string `yaml:"authToken,omitempty"`
	ValidateSignature bool   `yaml:"validateSignature,omitempty"`
	Language          string `yaml:"language,omitempty"`
	GatherTimeout     int    `yaml:"gatherTimeout,omitempty"` // seconds of silence before Gather gives up
}

// LLMConfig selects the primary reply generator and its fallbacks.
type LLMConfig struct {
	Provider    string        `yaml:"provider,omitempty"` // "claude" | "gemini" | "ollama" | "openai"
	Model       string        `yaml:"model,omitempty"`
	APIKey      string        `yaml:"apiKey,omitempty"`
	Endpoint    string        `yaml:"endpoint,omitempty"`
	Fallbacks   []LLMProvider `yaml:"fallbacks,omitempty"`
	MaxTokens   int           `yaml:"maxTokens,omitempty"`
	Temperature *float64      `yaml:"temperature,omitempty"`
}

// LLMProvider is one fallback model.
type LLMProvider struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model,omitempty"`
	APIKey   string `yaml:"apiKey,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// ConversationConfig tunes the dialogue policy and controller.
type ConversationConfig struct {
	SilenceThreshold int    `yaml:"silenceThreshold,omitempty"`
	HistoryWindow    int    `yaml:"historyWindow,omitempty"`
	EventTimeout     int    `yaml:"eventTimeout,omitempty"` // seconds
	StaleAfter       int    `yaml:"staleAfter,omitempty"`   // seconds
	Extraction       string `yaml:"extraction,omitempty"`   // "llm" | "rules"
}

// StoreConfig selects the session store.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty"` // "sqlite" | "memory"
	Path   string `yaml:"path,omitempty"`
}

// LockConfig selects the per-call write lock.
type LockConfig struct {
	Driver        string `yaml:"driver,omitempty"` // "local" | "redis"
	RedisAddr     string `yaml:"redisAddr,omitempty"`
	RedisPassword string `yaml:"redisPassword,omitempty"`
	RedisDB       int    `yaml:"redisDb,omitempty"`
	TTL           int    `yaml:"ttl,omitempty"` // milliseconds
}

// NotifyConfig configures where completed transactions are delivered.
type NotifyConfig struct {
	Timeout int          `yaml:"timeout,omitempty"` // seconds
	Log     bool         `yaml:"log,omitempty"`
	SMTP    *SMTPConfig  `yaml:"smtp,omitempty"`
	Gmail   *GmailConfig `yaml:"gmail,omitempty"`
	IRC     *IRCConfig   `yaml:"irc,omitempty"`
}

// SMTPConfig defines an SMTP relay.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	From     string `yaml:"from"`
}

// GmailConfig defines Gmail API delivery using OAuth2 credentials.
type GmailConfig struct {
	CredentialsFile string `yaml:"credentialsFile,omitempty"`
	TokenFile       string `yaml:"tokenFile,omitempty"`
	From            string `yaml:"from,omitempty"`
}

// IRCConfig defines the staff IRC notifier.
type IRCConfig struct {
	Server   string   `yaml:"server"`
	Port     int      `yaml:"port,omitempty"`
	Nick     string   `yaml:"nick"`
	Password string   `yaml:"password,omitempty"`
	Channels []string `yaml:"channels"`
	UseTLS   bool     `yaml:"useTLS,omitempty"`
	SASL     bool     `yaml:"sasl,omitempty"`
}

// BusinessEntry is a business profile as written in the config file.
// Active defaults to true when omitted.
type BusinessEntry struct {
	domain.BusinessContext `yaml:",inline"`
	Active                 *bool `yaml:"active,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}

// RateLimitConfig limits webhook requests per remote address.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled,omitempty"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond,omitempty"`
	Burst             int     `yaml:"burst,omitempty"`
}
