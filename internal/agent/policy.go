package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/soyeahso/calldesk/internal/llm"
	"github.com/soyeahso/calldesk/internal/logging"
)

// Signal tells the call controller what to do after a turn.
type Signal string

const (
	SignalContinue Signal = "CONTINUE"
	SignalEscalate Signal = "ESCALATE"
	SignalComplete Signal = "COMPLETE"
)

// RepromptText is spoken when the caller said nothing.
const RepromptText = "I'm sorry, I didn't catch that. Could you please repeat?"

// Decision is the policy's answer for one caller utterance.
type Decision struct {
	Text      string `json:"text"`
	Signal    Signal `json:"signal"`
	Reason    string `json:"reason,omitempty"`
	Emergency bool   `json:"emergency,omitempty"`
}

// Extractor derives a transaction from a transcript. It is used to check a
// confirmed order before the call completes.
type Extractor interface {
	Extract(ctx context.Context, turns []domain.ConversationTurn, requiredFields []string) *domain.ExtractedTransaction
}

// PolicyConfig configures the dialogue policy.
type PolicyConfig struct {
	HistoryWindow int
	MaxTokens     int
	Temperature   *float64
}

// Engine picks the next spoken reply and the signal for each turn.
type Engine struct {
	cfg       PolicyConfig
	client    llm.Client
	rules     *Rules
	extractor Extractor
	log       *logging.Logger
	now       func() time.Time
}

// NewEngine creates a dialogue policy engine.
func NewEngine(cfg PolicyConfig, client llm.Client, rules *Rules, extractor Extractor, log *logging.Logger) *Engine {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 60
	}
	if cfg.Temperature == nil {
		cfg.Temperature = llm.Float(0.3)
	}
	return &Engine{
		cfg:       cfg,
		client:    client,
		rules:     rules,
		extractor: extractor,
		log:       log.Sub("policy"),
		now:       time.Now,
	}
}

// Greeting returns the opening line for a business.
func (e *Engine) Greeting(biz *domain.BusinessContext) string {
	return biz.GreetingText
}

// NextTurn decides how to answer userInput given the persisted history.
// A failed generation returns ErrGenerationFailure.
func (e *Engine) NextTurn(ctx context.Context, session *domain.CallSession, biz *domain.BusinessContext, history []domain.ConversationTurn, userInput string) (Decision, error) {
	userInput = strings.TrimSpace(userInput)
	if userInput == "" {
		return Decision{Text: RepromptText, Signal: SignalContinue, Reason: "silence"}, nil
	}

	log := e.log.ForCall(session.CallID)

	verdict, err := e.rules.Evaluate(ctx, userInput, biz)
	if err != nil {
		log.Warn().Err(err).Msg("policy rules failed, continuing without them")
	}

	if verdict.Escalate {
		urgent := len(verdict.Urgent) > 0
		log.Info().Strs("matched", verdict.Matched).Bool("urgent", urgent).Msg("escalation keyword matched")
		text := biz.EscalationText()
		if urgent {
			text = biz.UrgentText()
		}
		return Decision{
			Text:      text,
			Signal:    SignalEscalate,
			Reason:    "keyword: " + strings.Join(verdict.Matched, ", "),
			Emergency: urgent,
		}, nil
	}

	var missing []string
	if verdict.Confirm && e.extractor != nil {
		turns := append(append([]domain.ConversationTurn(nil), history...), domain.ConversationTurn{
			CallID:    session.CallID,
			Seq:       len(history),
			UserInput: userInput,
		})
		tx := e.extractor.Extract(ctx, turns, biz.RequiredFields)
		if tx.Complete {
			return Decision{Text: biz.ClosingText, Signal: SignalComplete, Reason: "confirmed"}, nil
		}
		missing = tx.Unresolved()
		log.Debug().Strs("missing", missing).Msg("confirmation heard but order incomplete")
	}

	text, err := e.generate(ctx, log, biz, history, userInput, missing)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", domain.ErrGenerationFailure, err)
	}
	return Decision{Text: text, Signal: SignalContinue}, nil
}

// generate asks the LLM for a reply, retrying once with a shortened prompt
// on error or empty output.
func (e *Engine) generate(ctx context.Context, log *logging.Logger, biz *domain.BusinessContext, history []domain.ConversationTurn, userInput string, missing []string) (string, error) {
	req := llm.CompletionRequest{
		System: BuildSystemPrompt(PromptConfig{Business: biz, Now: e.now(), Missing: missing}),
		Messages: append(historyMessages(history, e.cfg.HistoryWindow),
			llm.Message{Role: llm.RoleUser, Content: userInput}),
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	}
	text, err := e.complete(ctx, req)
	if err == nil {
		return text, nil
	}
	log.Warn().Err(err).Msg("generation failed, retrying with short prompt")

	short := history
	if n := len(history); n > 1 {
		short = []domain.ConversationTurn{history[0], history[n-1]}
	}
	req.System = BuildShortPrompt(biz)
	req.Messages = append(historyMessages(short, 1),
		llm.Message{Role: llm.RoleUser, Content: userInput})
	return e.complete(ctx, req)
}

func (e *Engine) complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	start := time.Now()
	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	text := cleanReply(resp.Content)
	if text == "" {
		return "", fmt.Errorf("empty reply from %s", e.client.Name())
	}
	e.log.Debug().
		Str("model", resp.Model).
		Int("inputTokens", resp.Usage.InputTokens).
		Int("outputTokens", resp.Usage.OutputTokens).
		Dur("duration", time.Since(start)).
		Msg("reply generated")
	return text, nil
}

// codeFenceRe matches fenced code block markers.
var codeFenceRe = regexp.MustCompile("```\\w*")

// xmlTagRe matches XML-like tags that leak from some models.
var xmlTagRe = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9_]*(?:\s[^>]*)?>`)

// speakerRe matches a leading speaker label.
var speakerRe = regexp.MustCompile(`(?i)^(?:assistant|receptionist|agent)\s*:\s*`)

// cleanReply makes model output safe to speak: one line, no labels, no
// surrounding quotes.
func cleanReply(text string) string {
	cleaned := codeFenceRe.ReplaceAllString(text, " ")
	cleaned = xmlTagRe.ReplaceAllString(cleaned, " ")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	cleaned = speakerRe.ReplaceAllString(cleaned, "")
	cleaned = strings.Trim(cleaned, "\"“”` ")
	return strings.TrimSpace(cleaned)
}
