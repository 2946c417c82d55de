package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/soyeahso/calldesk/internal/config"
	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/soyeahso/calldesk/internal/logging"
)

// GmailDispatcher sends the summary through the Gmail API as the
// authorised account.
type GmailDispatcher struct {
	svc  *gmail.Service
	from string
	log  *logging.Logger
}

// NewGmailDispatcher loads OAuth client credentials and a saved token and
// builds the Gmail service.
func NewGmailDispatcher(ctx context.Context, cfg config.GmailConfig, log *logging.Logger) (*GmailDispatcher, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	oauthCfg, err := google.ConfigFromJSON(b, gmail.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	token, err := tokenFromFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("no auth token found at %s: %w", cfg.TokenFile, err)
	}

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(oauthCfg.Client(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return NewGmailDispatcherWithService(svc, cfg.From, log), nil
}

// NewGmailDispatcherWithService wraps an existing Gmail service.
func NewGmailDispatcherWithService(svc *gmail.Service, from string, log *logging.Logger) *GmailDispatcher {
	if from == "" {
		from = "me"
	}
	return &GmailDispatcher{svc: svc, from: from, log: log.Sub("notify.gmail")}
}

func (g *GmailDispatcher) Name() string { return "gmail" }

// Dispatch sends the summary to biz.NotifyEmail. Businesses without an
// address are skipped.
func (g *GmailDispatcher) Dispatch(ctx context.Context, biz *domain.BusinessContext, tx *domain.ExtractedTransaction, transcript []domain.ConversationTurn) error {
	if biz.NotifyEmail == "" {
		g.log.Debug().Str("business", biz.BusinessID).Msg("no notify email, skipping")
		return nil
	}

	raw := buildMessage(g.from, biz.NotifyEmail, Subject(biz, tx), FormatSummary(biz, tx, transcript), time.Now())
	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}

	sent, err := g.svc.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail send: %w", err)
	}
	g.log.Debug().Str("messageId", sent.Id).Str("to", biz.NotifyEmail).Msg("summary email sent")
	return nil
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}
