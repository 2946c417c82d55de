package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/soyeahso/calldesk/internal/llm"
)

// PromptConfig controls system prompt generation.
type PromptConfig struct {
	Business *domain.BusinessContext
	Now      time.Time
	Missing  []string // required fields not yet collected, if known
}

// BuildSystemPrompt constructs the system prompt for the LLM.
func BuildSystemPrompt(cfg PromptConfig) string {
	var b strings.Builder

	b.WriteString(cfg.Business.SystemPrompt())
	b.WriteString("\n\n")

	// Date context
	if !cfg.Now.IsZero() {
		fmt.Fprintf(&b, "Current date: %s\n", cfg.Now.Format("Monday, 2006-01-02"))
	}
	if len(cfg.Missing) > 0 {
		fmt.Fprintf(&b, "Still needed from the caller: %s\n", strings.Join(cfg.Missing, ", "))
	}

	b.WriteString("You are speaking on the phone. Reply with plain spoken words only, no lists or formatting.\n")
	return b.String()
}

// BuildShortPrompt is the minimal prompt used when the full prompt fails.
func BuildShortPrompt(biz *domain.BusinessContext) string {
	return fmt.Sprintf("You are %s at %s, answering the phone. Reply in one short, friendly sentence.",
		biz.AssistantName, biz.Name)
}

// historyMessages renders turns as alternating caller and assistant
// messages. The greeting at sequence 0 is always kept; of the remaining
// turns only the last window survive.
func historyMessages(history []domain.ConversationTurn, window int) []llm.Message {
	var greeting *domain.ConversationTurn
	rest := history
	if len(history) > 0 && history[0].Seq == 0 {
		greeting = &history[0]
		rest = history[1:]
	}
	if window >= 0 && len(rest) > window {
		rest = rest[len(rest)-window:]
	}

	msgs := make([]llm.Message, 0, 2*len(rest)+1)
	if greeting != nil {
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: greeting.AssistantResponse})
	}
	for _, t := range rest {
		in := t.UserInput
		if t.Silent() {
			in = "(silence)"
		}
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: in},
			llm.Message{Role: llm.RoleAssistant, Content: t.AssistantResponse},
		)
	}
	return msgs
}
