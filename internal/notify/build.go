package notify

import (
	"context"
	"path/filepath"

	"github.com/soyeahso/calldesk/internal/config"
	"github.com/soyeahso/calldesk/internal/logging"
)

// FromConfig builds the fan-out dispatcher for cfg. The IRC notifier is
// returned separately so the caller can register it as a plugin; it is
// nil when IRC is not configured. Gmail files default to credsDir.
func FromConfig(ctx context.Context, cfg config.NotifyConfig, credsDir string, log *logging.Logger) (*Multi, *IRCDispatcher, error) {
	var ds []Dispatcher
	if cfg.Log {
		ds = append(ds, NewLogDispatcher(log))
	}
	if cfg.SMTP != nil {
		smtpCfg := *cfg.SMTP
		if smtpCfg.Port == 0 {
			smtpCfg.Port = 587
		}
		ds = append(ds, NewSMTPDispatcher(smtpCfg, log))
	}
	if cfg.Gmail != nil {
		gmailCfg := *cfg.Gmail
		if gmailCfg.CredentialsFile == "" {
			gmailCfg.CredentialsFile = filepath.Join(credsDir, "gmail-credentials.json")
		}
		if gmailCfg.TokenFile == "" {
			gmailCfg.TokenFile = filepath.Join(credsDir, "gmail-token.json")
		}
		g, err := NewGmailDispatcher(ctx, gmailCfg, log)
		if err != nil {
			return nil, nil, err
		}
		ds = append(ds, g)
	}
	var irc *IRCDispatcher
	if cfg.IRC != nil {
		irc = NewIRCDispatcher(*cfg.IRC, log)
		ds = append(ds, irc)
	}
	return NewMulti(log, ds...), irc, nil
}
