package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"time"

	"github.com/soyeahso/calldesk/internal/config"
	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/soyeahso/calldesk/internal/logging"
)

// SMTPDispatcher emails the summary to the business through an SMTP relay.
type SMTPDispatcher struct {
	cfg      config.SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	log      *logging.Logger
}

// NewSMTPDispatcher creates an SMTP dispatcher.
func NewSMTPDispatcher(cfg config.SMTPConfig, log *logging.Logger) *SMTPDispatcher {
	return &SMTPDispatcher{cfg: cfg, sendMail: smtp.SendMail, log: log.Sub("notify.smtp")}
}

func (s *SMTPDispatcher) Name() string { return "smtp" }

// Dispatch sends the summary to biz.NotifyEmail. Businesses without an
// address are skipped.
func (s *SMTPDispatcher) Dispatch(ctx context.Context, biz *domain.BusinessContext, tx *domain.ExtractedTransaction, transcript []domain.ConversationTurn) error {
	if biz.NotifyEmail == "" {
		s.log.Debug().Str("business", biz.BusinessID).Msg("no notify email, skipping")
		return nil
	}

	msg := buildMessage(s.cfg.From, biz.NotifyEmail, Subject(biz, tx), FormatSummary(biz, tx, transcript), time.Now())
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	s.log.Debug().Str("addr", addr).Str("to", biz.NotifyEmail).Msg("sending summary email")

	// net/smtp has no context support; abandon the send when ctx ends.
	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(addr, auth, s.cfg.From, []string{biz.NotifyEmail}, msg)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("sending mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
