package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/soyeahso/calldesk/internal/llm"
	"github.com/soyeahso/calldesk/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLog() *logging.Logger {
	return logging.New(nil, "silent")
}

func testRegistry(mock llm.Client) *llm.Registry {
	reg := llm.NewRegistry(silentLog())
	reg.Register("mock", mock)
	reg.SetFallback("mock")
	return reg
}

func testRules(t *testing.T) *Rules {
	t.Helper()
	r, err := NewRules(context.Background(), "")
	require.NoError(t, err)
	return r
}

func pizzaBusiness() *domain.BusinessContext {
	b := &domain.BusinessContext{
		BusinessID:  "nunzio",
		Name:        "Nunzio's Pizza",
		PhoneNumber: "+15550100100",
		Category:    domain.CategoryPizza,
	}
	b.ApplyDefaults()
	return b
}

func dentistBusiness() *domain.BusinessContext {
	b := &domain.BusinessContext{
		BusinessID:  "smile",
		Name:        "Smile Dental",
		PhoneNumber: "+15550100200",
		Category:    domain.CategoryDentist,
	}
	b.ApplyDefaults()
	return b
}

func testSession() *domain.CallSession {
	return &domain.CallSession{CallID: "CA1", BusinessID: "nunzio", State: domain.StateProcessing}
}

func greetingHistory(biz *domain.BusinessContext) []domain.ConversationTurn {
	return []domain.ConversationTurn{{CallID: "CA1", Seq: 0, AssistantResponse: biz.GreetingText}}
}

// fixedExtractor returns a transaction with the given completeness.
type fixedExtractor struct {
	complete bool
	calls    int
}

func (f *fixedExtractor) Extract(_ context.Context, turns []domain.ConversationTurn, fields []string) *domain.ExtractedTransaction {
	f.calls++
	tx := domain.NewTransaction("CA1", fields)
	if f.complete {
		for _, field := range fields {
			tx.Set(field, "x")
		}
	}
	tx.Recompute()
	return tx
}

func replying(text string, calls *int) *llm.MockClient {
	return &llm.MockClient{
		ProviderName: "mock",
		CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			*calls++
			return &llm.CompletionResponse{Content: text}, nil
		},
	}
}

func newTestEngine(t *testing.T, client llm.Client, ex Extractor) *Engine {
	return NewEngine(PolicyConfig{HistoryWindow: 4}, client, testRules(t), ex, silentLog())
}

// --- Policy tests ---

func TestNextTurn_Continue(t *testing.T) {
	biz := pizzaBusiness()
	var got llm.CompletionRequest
	client := &llm.MockClient{
		ProviderName: "mock",
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			got = req
			return &llm.CompletionResponse{Content: "Assistant: \"Large pepperoni, got it. Pickup or delivery?\""}, nil
		},
	}
	e := newTestEngine(t, client, &fixedExtractor{})

	d, err := e.NextTurn(context.Background(), testSession(), biz, greetingHistory(biz), "I want a large pepperoni pizza")
	require.NoError(t, err)
	assert.Equal(t, SignalContinue, d.Signal)
	assert.Equal(t, "Large pepperoni, got it. Pickup or delivery?", d.Text)

	assert.Equal(t, 60, got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.3, *got.Temperature, 1e-9)
	assert.Contains(t, got.System, "You are John")
	require.Len(t, got.Messages, 2)
	assert.Equal(t, llm.RoleAssistant, got.Messages[0].Role)
	assert.Equal(t, "I want a large pepperoni pizza", got.Messages[1].Content)
}

func TestNextTurn_SilenceDoesNotCallLLM(t *testing.T) {
	calls := 0
	e := newTestEngine(t, replying("hi", &calls), &fixedExtractor{})

	d, err := e.NextTurn(context.Background(), testSession(), pizzaBusiness(), nil, "   ")
	require.NoError(t, err)
	assert.Equal(t, RepromptText, d.Text)
	assert.Equal(t, SignalContinue, d.Signal)
	assert.Zero(t, calls)
}

func TestNextTurn_EscalateOnHumanRequest(t *testing.T) {
	calls := 0
	e := newTestEngine(t, replying("hi", &calls), &fixedExtractor{})
	biz := pizzaBusiness()

	d, err := e.NextTurn(context.Background(), testSession(), biz, greetingHistory(biz), "Can I talk to your MANAGER?")
	require.NoError(t, err)
	assert.Equal(t, SignalEscalate, d.Signal)
	assert.Equal(t, biz.EscalationText(), d.Text)
	assert.False(t, d.Emergency)
	assert.Contains(t, d.Reason, "manager")
	assert.Zero(t, calls)
}

func TestNextTurn_MedicalEmergency(t *testing.T) {
	calls := 0
	e := newTestEngine(t, replying("hi", &calls), &fixedExtractor{})
	biz := dentistBusiness()

	d, err := e.NextTurn(context.Background(), testSession(), biz, greetingHistory(biz), "I have severe pain and swelling")
	require.NoError(t, err)
	assert.Equal(t, SignalEscalate, d.Signal)
	assert.True(t, d.Emergency)
	assert.Contains(t, d.Text, "911")
}

func TestNextTurn_MedicalHumanRequestIsNotEmergency(t *testing.T) {
	calls := 0
	e := newTestEngine(t, replying("hi", &calls), &fixedExtractor{})
	biz := dentistBusiness()

	d, err := e.NextTurn(context.Background(), testSession(), biz, greetingHistory(biz), "Can I speak to a human please?")
	require.NoError(t, err)
	assert.Equal(t, SignalEscalate, d.Signal)
	assert.False(t, d.Emergency)
	assert.Equal(t, biz.EscalationText(), d.Text)
	assert.Contains(t, d.Reason, "speak to a human")
}

func TestNextTurn_KeywordNeedsWordBoundary(t *testing.T) {
	calls := 0
	e := newTestEngine(t, replying("Sure.", &calls), &fixedExtractor{})
	biz := pizzaBusiness()

	// "managers" does not match the "manager" keyword.
	d, err := e.NextTurn(context.Background(), testSession(), biz, greetingHistory(biz), "tell the managers thanks")
	require.NoError(t, err)
	assert.Equal(t, SignalContinue, d.Signal)
	assert.Equal(t, 1, calls)
}

func TestNextTurn_CompleteWhenConfirmedAndExtracted(t *testing.T) {
	calls := 0
	ex := &fixedExtractor{complete: true}
	e := newTestEngine(t, replying("hi", &calls), ex)
	biz := pizzaBusiness()

	d, err := e.NextTurn(context.Background(), testSession(), biz, greetingHistory(biz), "Yes, that's correct.")
	require.NoError(t, err)
	assert.Equal(t, SignalComplete, d.Signal)
	assert.Equal(t, biz.ClosingText, d.Text)
	assert.Equal(t, 1, ex.calls)
	assert.Zero(t, calls)
}

func TestNextTurn_ConfirmedButIncompleteContinues(t *testing.T) {
	var got llm.CompletionRequest
	client := &llm.MockClient{
		ProviderName: "mock",
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			got = req
			return &llm.CompletionResponse{Content: "Can I get a phone number?"}, nil
		},
	}
	e := newTestEngine(t, client, &fixedExtractor{complete: false})
	biz := pizzaBusiness()

	d, err := e.NextTurn(context.Background(), testSession(), biz, greetingHistory(biz), "no that's it")
	require.NoError(t, err)
	assert.Equal(t, SignalContinue, d.Signal)
	assert.Contains(t, got.System, "Still needed from the caller: items, order_type, contact")
}

func TestNextTurn_RetriesWithShortPrompt(t *testing.T) {
	var systems []string
	client := &llm.MockClient{
		ProviderName: "mock",
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			systems = append(systems, req.System)
			if len(systems) == 1 {
				return &llm.CompletionResponse{Content: "  "}, nil
			}
			return &llm.CompletionResponse{Content: "What size would you like?"}, nil
		},
	}
	e := newTestEngine(t, client, nil)
	biz := pizzaBusiness()

	d, err := e.NextTurn(context.Background(), testSession(), biz, greetingHistory(biz), "a pizza")
	require.NoError(t, err)
	assert.Equal(t, "What size would you like?", d.Text)
	require.Len(t, systems, 2)
	assert.Equal(t, BuildShortPrompt(biz), systems[1])
}

func TestNextTurn_GenerationFailure(t *testing.T) {
	calls := 0
	client := &llm.MockClient{
		ProviderName: "mock",
		CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			calls++
			return nil, errors.New("connection refused")
		},
	}
	e := newTestEngine(t, client, nil)

	_, err := e.NextTurn(context.Background(), testSession(), pizzaBusiness(), nil, "hello")
	assert.ErrorIs(t, err, domain.ErrGenerationFailure)
	assert.Equal(t, 2, calls, "exactly one retry")
}

func TestGreeting(t *testing.T) {
	e := newTestEngine(t, &llm.MockClient{}, nil)
	biz := pizzaBusiness()
	assert.Equal(t, biz.GreetingText, e.Greeting(biz))
}

// --- Rules tests ---

func TestRulesEvaluate(t *testing.T) {
	r := testRules(t)
	biz := pizzaBusiness()

	tests := []struct {
		input    string
		escalate bool
		confirm  bool
	}{
		{"I'd like a pizza", false, false},
		{"Can I speak to someone?", true, false},
		{"yes that’s correct", false, true},
		{"bye!", false, true},
		{"nothing else, thanks", false, true},
		{"nobody", false, false},
		{"no", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := r.Evaluate(context.Background(), tt.input, biz)
			require.NoError(t, err)
			assert.Equal(t, tt.escalate, v.Escalate)
			assert.Equal(t, tt.confirm, v.Confirm)
		})
	}
}

func TestRulesEvaluateUrgent(t *testing.T) {
	r := testRules(t)
	biz := dentistBusiness()

	v, err := r.Evaluate(context.Background(), "It's an emergency, can I talk to a person?", biz)
	require.NoError(t, err)
	assert.True(t, v.Escalate)
	assert.ElementsMatch(t, []string{"emergency", "talk to a person"}, v.Matched)
	assert.Equal(t, []string{"emergency"}, v.Urgent)

	v, err = r.Evaluate(context.Background(), "I'd like to talk to a person", biz)
	require.NoError(t, err)
	assert.True(t, v.Escalate)
	assert.Empty(t, v.Urgent)
}

func TestRulesCustomModule(t *testing.T) {
	r, err := NewRules(context.Background(), `
package call_policy

import rego.v1

default escalate := true

default confirm := false
`)
	require.NoError(t, err)
	v, err := r.Evaluate(context.Background(), "anything", pizzaBusiness())
	require.NoError(t, err)
	assert.True(t, v.Escalate)
	assert.Empty(t, v.Matched)
}

func TestNewRulesInvalidModule(t *testing.T) {
	_, err := NewRules(context.Background(), "package call_policy\nescalate if {")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "i can't eat", normalize("  I CAN’T   eat!! "))
	assert.Equal(t, "", normalize("?!"))
}

// --- Prompt tests ---

func TestHistoryMessagesWindowKeepsGreeting(t *testing.T) {
	history := []domain.ConversationTurn{{Seq: 0, AssistantResponse: "greeting"}}
	for i := 1; i <= 6; i++ {
		history = append(history, domain.ConversationTurn{
			Seq:               i,
			UserInput:         fmt.Sprintf("u%d", i),
			AssistantResponse: fmt.Sprintf("a%d", i),
		})
	}
	history[5].UserInput = ""

	msgs := historyMessages(history, 2)
	require.Len(t, msgs, 5)
	assert.Equal(t, "greeting", msgs[0].Content)
	assert.Equal(t, "(silence)", msgs[1].Content)
	assert.Equal(t, "a5", msgs[2].Content)
	assert.Equal(t, "u6", msgs[3].Content)
}

func TestBuildSystemPrompt(t *testing.T) {
	p := BuildSystemPrompt(PromptConfig{Business: pizzaBusiness(), Missing: []string{"contact"}})
	assert.Contains(t, p, "Nunzio's Pizza")
	assert.Contains(t, p, "Still needed from the caller: contact")
	assert.NotContains(t, p, "Current date")
}

// --- Failover tests ---

func TestFailoverSuccess(t *testing.T) {
	calls := 0
	fc := NewFailoverClient(testRegistry(replying("ok", &calls)), silentLog())

	resp, err := fc.Complete(context.Background(), llm.CompletionRequest{Model: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestFailoverTriesFallback(t *testing.T) {
	callOrder := []string{}

	primary := &llm.MockClient{
		ProviderName: "primary",
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			callOrder = append(callOrder, "primary")
			return nil, &llm.ProviderError{Provider: "primary", Message: "overloaded", Code: 529}
		},
	}

	fallback := &llm.MockClient{
		ProviderName: "fallback",
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			callOrder = append(callOrder, "fallback")
			return &llm.CompletionResponse{Content: "fallback response"}, nil
		},
	}

	reg := llm.NewRegistry(silentLog())
	reg.Register("fallback", fallback)
	reg.Register("primary", primary)
	reg.SetFallback("primary")

	fc := NewFailoverClient(reg, silentLog())

	resp, err := fc.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "fallback response", resp.Content)
	assert.Equal(t, []string{"primary", "fallback"}, callOrder)
}

func TestFailoverNonRetryableStops(t *testing.T) {
	callCount := 0

	primary := &llm.MockClient{
		ProviderName: "primary",
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			callCount++
			return nil, fmt.Errorf("non-retryable error")
		},
	}

	fallback := &llm.MockClient{
		ProviderName: "fallback",
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			callCount++
			return &llm.CompletionResponse{Content: "should not reach"}, nil
		},
	}

	reg := llm.NewRegistry(silentLog())
	reg.Register("primary", primary)
	reg.Register("fallback", fallback)
	reg.SetFallback("primary")

	_, err := NewFailoverClient(reg, silentLog()).Complete(context.Background(), llm.CompletionRequest{})
	assert.Error(t, err)
	assert.Equal(t, 1, callCount)
}

func TestFailoverNoProviders(t *testing.T) {
	_, err := NewFailoverClient(llm.NewRegistry(silentLog()), silentLog()).Complete(context.Background(), llm.CompletionRequest{})
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(nil))
	assert.True(t, isRetryable(&llm.ProviderError{Code: 429}))
	assert.True(t, isRetryable(&llm.ProviderError{Code: 503}))
	assert.False(t, isRetryable(&llm.ProviderError{Code: 400}))
	assert.True(t, isRetryable(errors.New("request timeout")))
	assert.False(t, isRetryable(errors.New("bad request")))
}

// --- Reply cleanup tests ---

func TestCleanReply(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Sure thing!", "Sure thing!"},
		{"  \"What size?\"  ", "What size?"},
		{"Assistant: Pickup or delivery?", "Pickup or delivery?"},
		{"Got it.\n\n  Anything   else?", "Got it. Anything else?"},
		{"```\nOne large.\n```", "One large."},
		{"“Sounds good.”", "Sounds good."},
		{"<reply>Thanks!</reply>", "Thanks!"},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanReply(tt.in), tt.in)
	}
}
