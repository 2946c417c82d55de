package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/girc"

	"github.com/soyeahso/calldesk/internal/config"
	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/soyeahso/calldesk/internal/hooks"
	"github.com/soyeahso/calldesk/internal/logging"
	"github.com/soyeahso/calldesk/internal/plugin"
	"github.com/soyeahso/calldesk/internal/version"
)

const ircLineLimit = 400

var errNotConnected = errors.New("irc: not connected")

// IRCDispatcher posts summaries and alerts to staff IRC channels. It is
// both a Dispatcher and a plugin: Init connects and subscribes to
// escalation and alert hooks.
type IRCDispatcher struct {
	cfg config.IRCConfig
	log *logging.Logger

	mu      sync.RWMutex
	client  *girc.Client
	closed  bool
	lastErr string
	cancel  context.CancelFunc

	// send overrides the wire for tests.
	send func(target, line string)
}

// NewIRCDispatcher creates an IRC notifier. It does not connect until Init.
func NewIRCDispatcher(cfg config.IRCConfig, log *logging.Logger) *IRCDispatcher {
	return &IRCDispatcher{cfg: cfg, log: log.Sub("notify.irc")}
}

var _ plugin.Plugin = (*IRCDispatcher)(nil)

func (d *IRCDispatcher) ID() string   { return "irc" }
func (d *IRCDispatcher) Name() string { return "irc" }

// Init connects in the background and registers hook handlers.
func (d *IRCDispatcher) Init(ctx context.Context, api plugin.API) error {
	if d.cfg.Server == "" || d.cfg.Nick == "" {
		return fmt.Errorf("irc: server and nick are required")
	}

	d.mu.Lock()
	d.client = girc.New(d.clientConfig())
	d.client.Handlers.Add(girc.CONNECTED, d.onConnected)
	d.client.Handlers.Add(girc.DISCONNECTED, d.onDisconnected)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.mu.Unlock()

	if api.Hooks != nil {
		api.Hooks.On(hooks.EventAlert, "irc", d.onAlert)
		api.Hooks.On(hooks.EventCallStateChanged, "irc", d.onStateChanged)
	}

	go d.run(runCtx)
	return nil
}

func (d *IRCDispatcher) clientConfig() girc.Config {
	port := d.cfg.Port
	if port == 0 {
		if d.cfg.UseTLS {
			port = 6697
		} else {
			port = 6667
		}
	}

	cfg := girc.Config{
		Server:  d.cfg.Server,
		Port:    port,
		Nick:    d.cfg.Nick,
		User:    d.cfg.Nick,
		Name:    "calldesk notifier",
		SSL:     d.cfg.UseTLS,
		Version: version.UserAgent(),
	}
	if d.cfg.UseTLS {
		cfg.TLSConfig = &tls.Config{ServerName: d.cfg.Server}
	}
	if d.cfg.SASL && d.cfg.Password != "" {
		cfg.SASL = &girc.SASLPlain{User: d.cfg.Nick, Pass: d.cfg.Password}
	} else if d.cfg.Password != "" {
		cfg.ServerPass = d.cfg.Password
	}
	return cfg
}

// run keeps the connection up until Close. Connect blocks for the life of
// the connection.
func (d *IRCDispatcher) run(ctx context.Context) {
	backoff := time.Second
	for {
		d.log.Info().
			Str("server", d.cfg.Server).
			Str("nick", d.cfg.Nick).
			Strs("channels", d.cfg.Channels).
			Bool("tls", d.cfg.UseTLS).
			Msg("connecting to IRC")

		d.mu.RLock()
		client := d.client
		d.mu.RUnlock()
		err := client.Connect()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.mu.Lock()
			d.lastErr = err.Error()
			d.mu.Unlock()
			d.log.Warn().Err(err).Dur("retryIn", backoff).Msg("irc connection lost")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Minute)
	}
}

func (d *IRCDispatcher) onConnected(c *girc.Client, _ girc.Event) {
	d.log.Info().Str("nick", c.GetNick()).Msg("connected to IRC")
	for _, ch := range d.cfg.Channels {
		c.Cmd.Join(ch)
		d.log.Debug().Str("channel", ch).Msg("joined channel")
	}
}

func (d *IRCDispatcher) onDisconnected(_ *girc.Client, _ girc.Event) {
	d.log.Warn().Msg("disconnected from IRC")
}

// Close quits the server and stops reconnecting. Safe to call twice.
func (d *IRCDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.cancel != nil {
		d.cancel()
	}
	if d.client != nil {
		if d.client.IsConnected() {
			d.client.Quit("calldesk shutting down")
		}
		d.client.Close()
	}
	return nil
}

// Connected reports whether messages can be sent right now.
func (d *IRCDispatcher) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	if d.send != nil {
		return true
	}
	return d.client != nil && d.client.IsConnected()
}

// LastError is the most recent connection failure, if any.
func (d *IRCDispatcher) LastError() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

// Dispatch posts a one-line summary to every configured channel.
func (d *IRCDispatcher) Dispatch(_ context.Context, biz *domain.BusinessContext, tx *domain.ExtractedTransaction, _ []domain.ConversationTurn) error {
	return d.announce(SummaryLine(biz, tx))
}

func (d *IRCDispatcher) onAlert(_ context.Context, p hooks.Payload) error {
	msg, _ := p.Data["message"].(string)
	if msg == "" {
		msg = "unspecified"
	}
	return d.announce(fmt.Sprintf("ALERT call %s: %s", p.CallID, msg))
}

func (d *IRCDispatcher) onStateChanged(_ context.Context, p hooks.Payload) error {
	to, _ := p.Data["to"].(string)
	if to != string(domain.StateEscalated) {
		return nil
	}
	line := fmt.Sprintf("Call %s escalated", p.CallID)
	if from, _ := p.Data["caller"].(string); from != "" {
		line += " (caller " + from + ")"
	}
	if emergency, _ := p.Data["emergency"].(bool); emergency {
		line = "URGENT: " + line
	}
	if reason, _ := p.Data["reason"].(string); reason != "" {
		line += ": " + reason
	}
	return d.announce(line)
}

func (d *IRCDispatcher) announce(text string) error {
	if !d.Connected() {
		return errNotConnected
	}
	d.mu.RLock()
	send := d.send
	client := d.client
	d.mu.RUnlock()
	if send == nil {
		send = func(target, line string) { client.Cmd.Message(target, line) }
	}

	lines := splitMessage(text, ircLineLimit)
	for _, ch := range d.cfg.Channels {
		for _, line := range lines {
			send(ch, line)
		}
	}
	d.log.Debug().Strs("channels", d.cfg.Channels).Int("lines", len(lines)).Msg("sent IRC message")
	return nil
}

// splitMessage breaks text into IRC-sized lines. Each input line becomes at
// least one chunk since PRIVMSG cannot carry newlines; empty lines are
// dropped.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		for len(line) > maxLen {
			chunks = append(chunks, line[:maxLen])
			line = line[maxLen:]
		}
		if line != "" {
			chunks = append(chunks, line)
		}
	}
	return chunks
}
