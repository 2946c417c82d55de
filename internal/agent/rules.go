package agent

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/open-policy-agent/opa/rego"

	"github.com/soyeahso/calldesk/internal/domain"
)

// DefaultRules decides escalation and confirmation for one utterance.
// Phrases match on word boundaries of the normalised, space-padded text.
const DefaultRules = `
package call_policy

import rego.v1

urgent contains kw if {
	some kw in input.urgent
	contains(input.padded, concat("", [" ", kw, " "]))
}

matched contains kw if {
	some kw in input.keywords
	contains(input.padded, concat("", [" ", kw, " "]))
}

matched contains kw if {
	some kw in urgent
}

default escalate := false

escalate if count(matched) > 0

default confirm := false

confirm if {
	some phrase in input.confirmations
	contains(input.padded, concat("", [" ", phrase, " "]))
}
`

// Verdict is the rule outcome for one utterance. Urgent holds the matched
// keywords that mark an emergency and is a subset of Matched.
type Verdict struct {
	Escalate bool
	Confirm  bool
	Matched  []string
	Urgent   []string
}

// Rules evaluates the call policy with OPA.
type Rules struct {
	query rego.PreparedEvalQuery
}

// NewRules prepares the given policy module. An empty module uses
// DefaultRules.
func NewRules(ctx context.Context, module string) (*Rules, error) {
	if module == "" {
		module = DefaultRules
	}
	r := rego.New(
		rego.Query("data.call_policy"),
		rego.Module("call_policy.rego", module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Rules{query: query}, nil
}

// Evaluate checks utterance against the business's escalation and urgent
// keywords and its confirmation phrases.
func (r *Rules) Evaluate(ctx context.Context, utterance string, biz *domain.BusinessContext) (Verdict, error) {
	input := map[string]any{
		"padded":        " " + normalize(utterance) + " ",
		"keywords":      normalizeAll(biz.EscalationKeywords),
		"urgent":        normalizeAll(biz.UrgentKeywords),
		"confirmations": normalizeAll(biz.ConfirmationPhrases),
	}

	results, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Verdict{}, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Verdict{}, fmt.Errorf("unexpected policy result %T", results[0].Expressions[0].Value)
	}

	var v Verdict
	v.Escalate, _ = doc["escalate"].(bool)
	v.Confirm, _ = doc["confirm"].(bool)
	v.Matched = stringSet(doc["matched"])
	v.Urgent = stringSet(doc["urgent"])
	return v, nil
}

// stringSet converts a Rego set result to a string slice.
func stringSet(val any) []string {
	items, ok := val.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// normalize lowercases s and reduces it to words separated by single
// spaces. Apostrophes survive so "can't" stays one word.
func normalize(s string) string {
	s = strings.ToLower(strings.NewReplacer("’", "'", "‘", "'").Replace(s))
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	return strings.Join(fields, " ")
}

func normalizeAll(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if n := normalize(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}
