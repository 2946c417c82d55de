package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/soyeahso/calldesk/internal/llm"
)

// LLMAnnotator asks a language model for a strict JSON object of field
// values.
type LLMAnnotator struct {
	client    llm.Client
	maxTokens int
}

// NewLLMAnnotator creates an annotator backed by client.
func NewLLMAnnotator(client llm.Client) *LLMAnnotator {
	return &LLMAnnotator{client: client, maxTokens: 400}
}

func (a *LLMAnnotator) Name() string { return "llm" }

// Annotate prompts for the fields and parses the reply.
func (a *LLMAnnotator) Annotate(ctx context.Context, turns []domain.ConversationTurn, fields []string) (map[string]string, error) {
	resp, err := a.client.Complete(ctx, llm.CompletionRequest{
		System:      "You are a data extraction assistant. Return only valid JSON.",
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: annotationPrompt(turns, fields)}},
		MaxTokens:   a.maxTokens,
		Temperature: llm.Float(0),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrExtractionFailure, err)
	}
	values, err := parseAnnotation(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrExtractionFailure, err)
	}
	return values, nil
}

func annotationPrompt(turns []domain.ConversationTurn, fields []string) string {
	var b strings.Builder
	b.WriteString("Extract information from this phone call transcript.\n\nTranscript:\n")
	for _, t := range turns {
		if !t.Silent() {
			fmt.Fprintf(&b, "Caller: %s\n", t.UserInput)
		}
		if t.AssistantResponse != "" {
			fmt.Fprintf(&b, "Assistant: %s\n", t.AssistantResponse)
		}
	}
	b.WriteString("\nReturn ONLY a JSON object with exactly these keys: ")
	b.WriteString(strings.Join(fields, ", "))
	b.WriteString(".\nEach value is a short string taken from what the caller said, or null if it was never mentioned.")
	return b.String()
}

// parseAnnotation accepts a JSON object, optionally wrapped in a markdown
// fence or surrounded by prose. Non-string values are stringified and nulls
// are dropped.
func parseAnnotation(text string) (map[string]string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in annotation")
	}

	var raw map[string]any
	dec := json.NewDecoder(strings.NewReader(text[start : end+1]))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parsing annotation: %w", err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[k] = strings.Join(parts, ", ")
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}
