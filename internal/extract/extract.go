// Package extract derives a structured transaction from a call transcript.
package extract

import (
	"context"
	"strings"
	"time"

	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/soyeahso/calldesk/internal/logging"
)

// Annotator proposes field values for a transcript. The result may be
// partial and may contain keys outside the requested fields.
type Annotator interface {
	Annotate(ctx context.Context, turns []domain.ConversationTurn, fields []string) (map[string]string, error)
	Name() string
}

// Engine merges deterministic rule values with an annotator's proposals and
// decides completeness locally.
type Engine struct {
	annotator Annotator
	rules     *RuleAnnotator
	log       *logging.Logger
	now       func() time.Time
}

// NewEngine creates an extraction engine. A nil annotator runs rules only.
func NewEngine(annotator Annotator, log *logging.Logger) *Engine {
	return &Engine{
		annotator: annotator,
		rules:     NewRuleAnnotator(),
		log:       log.Sub("extract"),
		now:       time.Now,
	}
}

// Extract never fails. Rule values fill the fields and annotator values
// override them. When the annotator fails the result has every field
// unresolved, so a failed annotation can never complete an order. Without
// an annotator the rule values stand alone.
func (e *Engine) Extract(ctx context.Context, turns []domain.ConversationTurn, requiredFields []string) *domain.ExtractedTransaction {
	callID := ""
	if len(turns) > 0 {
		callID = turns[0].CallID
	}
	tx := domain.NewTransaction(callID, requiredFields)
	tx.RawItemsText = rawItemsText(turns)
	tx.ExtractedAt = e.now().UTC()

	var annotated map[string]string
	if e.annotator != nil {
		var err error
		annotated, err = e.annotator.Annotate(ctx, turns, requiredFields)
		if err != nil {
			e.log.Warn().Err(err).Str("callSid", callID).Str("annotator", e.annotator.Name()).
				Msg("annotator failed, leaving every field unresolved")
			tx.Recompute()
			return tx
		}
	}

	ruled, _ := e.rules.Annotate(ctx, turns, requiredFields)
	for f, v := range ruled {
		tx.Set(f, v)
	}
	for _, f := range requiredFields {
		v, ok := annotated[f]
		if !ok {
			continue
		}
		proposed := domain.Resolve(v)
		if !proposed.Resolved {
			continue
		}
		if prev := tx.Fields[f]; prev.Resolved && !strings.EqualFold(prev.Value, proposed.Value) {
			tx.Ambiguous = append(tx.Ambiguous, f)
		}
		tx.Fields[f] = proposed
	}
	tx.Recompute()

	e.log.Debug().
		Str("callSid", callID).
		Bool("complete", tx.Complete).
		Strs("unresolved", tx.Unresolved()).
		Msg("extraction finished")
	return tx
}

// rawItemsText joins the caller utterances that mention ordering, falling
// back to all caller input.
func rawItemsText(turns []domain.ConversationTurn) string {
	var items, all []string
	for _, t := range turns {
		if t.Silent() {
			continue
		}
		all = append(all, t.UserInput)
		if mentionsItems(t.UserInput) {
			items = append(items, t.UserInput)
		}
	}
	if len(items) == 0 {
		items = all
	}
	return strings.Join(items, " ")
}
