// Package notify delivers finished call transactions to the business.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/soyeahso/calldesk/internal/logging"
)

// Dispatcher delivers one transaction. Implementations log their own
// failures; the caller never retries synchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, biz *domain.BusinessContext, tx *domain.ExtractedTransaction, transcript []domain.ConversationTurn) error
	Name() string
}

// Multi fans a transaction out to several dispatchers. Every dispatcher is
// tried; failures are joined.
type Multi struct {
	dispatchers []Dispatcher
	log         *logging.Logger
}

// NewMulti creates a fan-out dispatcher.
func NewMulti(log *logging.Logger, dispatchers ...Dispatcher) *Multi {
	return &Multi{dispatchers: dispatchers, log: log.Sub("notify")}
}

func (m *Multi) Name() string { return "multi" }

// Names lists the wrapped dispatchers.
func (m *Multi) Names() []string {
	names := make([]string, 0, len(m.dispatchers))
	for _, d := range m.dispatchers {
		names = append(names, d.Name())
	}
	return names
}

// Dispatch runs every dispatcher in order. A panicking dispatcher is
// reported as an error.
func (m *Multi) Dispatch(ctx context.Context, biz *domain.BusinessContext, tx *domain.ExtractedTransaction, transcript []domain.ConversationTurn) error {
	var errs []error
	for _, d := range m.dispatchers {
		if err := safeDispatch(ctx, d, biz, tx, transcript); err != nil {
			m.log.Error().
				Err(err).
				Str("callSid", tx.CallID).
				Str("dispatcher", d.Name()).
				Msg("notification failed")
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		m.log.Info().Str("callSid", tx.CallID).Str("dispatcher", d.Name()).Msg("notification sent")
	}
	return errors.Join(errs...)
}

func safeDispatch(ctx context.Context, d Dispatcher, biz *domain.BusinessContext, tx *domain.ExtractedTransaction, transcript []domain.ConversationTurn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
		}
	}()
	return d.Dispatch(ctx, biz, tx, transcript)
}

// LogDispatcher writes the transaction to the structured log.
type LogDispatcher struct {
	log *logging.Logger
}

// NewLogDispatcher creates a dispatcher that only logs.
func NewLogDispatcher(log *logging.Logger) *LogDispatcher {
	return &LogDispatcher{log: log.Sub("notify.log")}
}

func (l *LogDispatcher) Name() string { return "log" }

func (l *LogDispatcher) Dispatch(_ context.Context, biz *domain.BusinessContext, tx *domain.ExtractedTransaction, transcript []domain.ConversationTurn) error {
	ev := l.log.Info().
		Str("callSid", tx.CallID).
		Str("business", biz.BusinessID).
		Str("caller", tx.Caller).
		Bool("complete", tx.Complete).
		Int("turns", len(transcript))
	for _, f := range tx.Order {
		ev = ev.Str(f, tx.Value(f))
	}
	ev.Msg("transaction ready")
	return nil
}

// Subject is the email subject line for a transaction.
func Subject(biz *domain.BusinessContext, tx *domain.ExtractedTransaction) string {
	kind := "New order"
	if biz.Category.Medical() {
		kind = "New appointment request"
	}
	if tx.Caller != "" {
		return fmt.Sprintf("%s for %s from %s", kind, biz.Name, tx.Caller)
	}
	return fmt.Sprintf("%s for %s", kind, biz.Name)
}

// FormatSummary renders the plain-text notification body.
func FormatSummary(biz *domain.BusinessContext, tx *domain.ExtractedTransaction, transcript []domain.ConversationTurn) string {
	var b strings.Builder

	b.WriteString("Call Information\n")
	fmt.Fprintf(&b, "  Business: %s\n", biz.Name)
	fmt.Fprintf(&b, "  Call ID: %s\n", tx.CallID)
	caller := tx.Caller
	if caller == "" {
		caller = "unknown"
	}
	fmt.Fprintf(&b, "  Caller: %s\n", caller)
	if start, dur, ok := callSpan(transcript); ok {
		fmt.Fprintf(&b, "  Time: %s\n", start.UTC().Format("2006-01-02 15:04 MST"))
		fmt.Fprintf(&b, "  Duration: %s\n", dur.Round(time.Second))
	}

	b.WriteString("\nDetails\n")
	for _, f := range tx.Order {
		v := tx.Value(f)
		if v == "" {
			v = "(not provided)"
		}
		fmt.Fprintf(&b, "  %s: %s\n", fieldLabel(f), v)
	}
	complete := "no"
	if tx.Complete {
		complete = "yes"
	}
	fmt.Fprintf(&b, "  Complete: %s\n", complete)
	if len(tx.Ambiguous) > 0 {
		fmt.Fprintf(&b, "  Please double-check: %s\n", strings.Join(tx.Ambiguous, ", "))
	}

	b.WriteString("\nConversation\n")
	for _, t := range transcript {
		if !t.Silent() {
			fmt.Fprintf(&b, "Caller: %s\n", t.UserInput)
		}
		if t.AssistantResponse != "" {
			fmt.Fprintf(&b, "Assistant: %s\n", t.AssistantResponse)
		}
	}
	return b.String()
}

// SummaryLine is a one-line form of the transaction for chat channels.
func SummaryLine(biz *domain.BusinessContext, tx *domain.ExtractedTransaction) string {
	parts := make([]string, 0, len(tx.Order))
	for _, f := range tx.Order {
		if v := tx.Value(f); v != "" {
			parts = append(parts, fieldLabel(f)+": "+v)
		}
	}
	line := fmt.Sprintf("[%s] %s", biz.Name, strings.Join(parts, " | "))
	if tx.Caller != "" {
		line += " (caller " + tx.Caller + ")"
	}
	if !tx.Complete {
		line += " [incomplete]"
	}
	return line
}

func callSpan(transcript []domain.ConversationTurn) (time.Time, time.Duration, bool) {
	if len(transcript) == 0 || transcript[0].CreatedAt.IsZero() {
		return time.Time{}, 0, false
	}
	start := transcript[0].CreatedAt
	return start, transcript[len(transcript)-1].CreatedAt.Sub(start), true
}

// fieldLabel turns "order_type" into "Order Type".
func fieldLabel(field string) string {
	words := strings.FieldsFunc(field, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
