package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "loopback", cfg.Server.Bind)
	assert.Equal(t, "token", cfg.Server.Auth.Mode)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Conversation.SilenceThreshold)
	assert.Equal(t, 4, cfg.Conversation.HistoryWindow)
	assert.Equal(t, 8*time.Second, cfg.Conversation.EventTimeoutDuration())
	assert.Equal(t, 30*time.Second, cfg.Conversation.StaleAfterDuration())
	assert.Equal(t, 60, cfg.LLM.MaxTokens)
	require.NotNil(t, cfg.LLM.Temperature)
	assert.InDelta(t, 0.3, *cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "local", cfg.Lock.Driver)
	assert.Equal(t, 15*time.Second, cfg.Lock.TTLDuration())
	assert.True(t, cfg.Notify.Log)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	// Should return defaults
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9999
  bind: lan
  publicUrl: https://calls.example.com
  auth:
    mode: password
    password: secret123
twilio:
  authToken: tw-token
  validateSignature: true
llm:
  provider: gemini
  model: gemini-2.0-flash
  fallbacks:
    - provider: ollama
      model: llama3
conversation:
  silenceThreshold: 2
  historyWindow: 6
logging:
  level: debug
  consoleStyle: json
notify:
  irc:
    server: irc.libera.chat
    nick: orderbot
    channels:
      - "#kitchen"
    useTLS: true
businesses:
  - id: nunzio
    name: Nunzio's Pizza
    phoneNumber: "+1 555 010 0100"
    category: pizza
  - id: closed
    phoneNumber: "+1 555 010 0199"
    category: cafe
    active: false
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "lan", cfg.Server.Bind)
	assert.Equal(t, "password", cfg.Server.Auth.Mode)
	assert.Equal(t, "secret123", cfg.Server.Auth.Password)
	assert.True(t, cfg.Twilio.ValidateSignature)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	require.Len(t, cfg.LLM.Fallbacks, 1)
	assert.Equal(t, "ollama", cfg.LLM.Fallbacks[0].Provider)
	assert.Equal(t, 2, cfg.Conversation.SilenceThreshold)
	assert.Equal(t, 6, cfg.Conversation.HistoryWindow)
	assert.Equal(t, 8, cfg.Conversation.EventTimeout, "unset values keep defaults")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.ConsoleStyle)

	require.NotNil(t, cfg.Notify.IRC)
	assert.Equal(t, 6697, cfg.Notify.IRC.Port)
	assert.Equal(t, []string{"#kitchen"}, cfg.Notify.IRC.Channels)

	businesses := cfg.BusinessContexts()
	require.Len(t, businesses, 2)
	assert.Equal(t, "nunzio", businesses[0].BusinessID)
	assert.Equal(t, domain.CategoryPizza, businesses[0].Category)
	assert.True(t, businesses[0].Active)
	assert.Equal(t, "John", businesses[0].AssistantName)
	assert.False(t, businesses[1].Active)

	assert.Empty(t, Validate(&cfg))
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{invalid yaml"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CALLDESK_PORT", "12345")
	t.Setenv("CALLDESK_LOG_LEVEL", "TRACE")
	t.Setenv("CALLDESK_REDIS_ADDR", "localhost:6379")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 12345, cfg.Server.Port)
	assert.Equal(t, "trace", cfg.Logging.Level)
	assert.Equal(t, "redis", cfg.Lock.Driver)
	assert.Equal(t, "localhost:6379", cfg.Lock.RedisAddr)
}

func TestLoadExpandsSecrets(t *testing.T) {
	t.Setenv("TEST_TWILIO_TOKEN", "from-env")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("twilio:\n  authToken: ${TEST_TWILIO_TOKEN}\nllm:\n  apiKey: ${TEST_UNSET_KEY}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Twilio.AuthToken)
	assert.Equal(t, "${TEST_UNSET_KEY}", cfg.LLM.APIKey)
}

func TestParseConfigPath(t *testing.T) {
	tests := []struct {
		input   string
		want    []string
		wantErr bool
	}{
		{"server.port", []string{"server", "port"}, false},
		{"notify.irc.server", []string{"notify", "irc", "server"}, false},
		{"", nil, true},
		{"a..b", nil, true},
		{"__proto__.x", nil, true},
		{"x.constructor", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseConfigPath(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestGetSetValueAtPath(t *testing.T) {
	root := map[string]any{
		"server": map[string]any{
			"port": 8080,
		},
	}

	val, ok := GetValueAtPath(root, []string{"server", "port"})
	assert.True(t, ok)
	assert.Equal(t, 8080, val)

	_, ok = GetValueAtPath(root, []string{"server", "missing"})
	assert.False(t, ok)

	SetValueAtPath(root, []string{"server", "port"}, 9999)
	val, ok = GetValueAtPath(root, []string{"server", "port"})
	assert.True(t, ok)
	assert.Equal(t, 9999, val)

	SetValueAtPath(root, []string{"notify", "smtp", "host"}, "smtp.example.com")
	val, ok = GetValueAtPath(root, []string{"notify", "smtp", "host"})
	assert.True(t, ok)
	assert.Equal(t, "smtp.example.com", val)
}

func TestLoadRawAndSaveRaw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	raw := map[string]any{
		"conversation": map[string]any{
			"silenceThreshold": 4,
		},
	}

	require.NoError(t, SaveRaw(path, raw))

	loaded, err := LoadRaw(path)
	require.NoError(t, err)

	val, ok := GetValueAtPath(loaded, []string{"conversation", "silenceThreshold"})
	assert.True(t, ok)
	assert.Equal(t, 4, val)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Conversation.SilenceThreshold)
}

func TestLoadRawEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	raw, err := LoadRaw(path)
	require.NoError(t, err)
	assert.NotNil(t, raw)
}

func TestResolvePathsCustomHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("CALLDESK_HOME", tmp)

	paths, err := ResolvePaths()
	require.NoError(t, err)
	assert.Equal(t, tmp, paths.Base)
	assert.Equal(t, filepath.Join(tmp, "config.yaml"), paths.Config)
	assert.Equal(t, filepath.Join(tmp, "data", "calldesk.db"), paths.Database)
}

func TestStorePath(t *testing.T) {
	paths := Paths{Database: "/var/lib/calldesk/data/calldesk.db"}
	cfg := Defaults()
	assert.Equal(t, paths.Database, paths.StorePath(&cfg))

	cfg.Store.Path = "/tmp/other.db"
	assert.Equal(t, "/tmp/other.db", paths.StorePath(&cfg))
}

func TestEnsureDirs(t *testing.T) {
	t.Setenv("CALLDESK_HOME", t.TempDir())

	paths, err := ResolvePaths()
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirs())
	require.NoError(t, paths.EnsureDirs())

	for _, d := range []string{paths.Credentials, paths.Logs, paths.Data} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
