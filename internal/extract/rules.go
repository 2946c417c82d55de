package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/soyeahso/calldesk/internal/domain"
)

// RuleAnnotator derives field values with local patterns. It is
// deterministic and never errors.
type RuleAnnotator struct{}

// NewRuleAnnotator creates a rule annotator.
func NewRuleAnnotator() *RuleAnnotator { return &RuleAnnotator{} }

func (r *RuleAnnotator) Name() string { return "rules" }

var (
	phoneRe  = regexp.MustCompile(`(?:\+?1[\s.-]?)?(?:\(?\d{3}\)?[\s.-]?)?\d{3}[\s.-]?\d{4}\b`)
	emailRe  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	nameRe   = regexp.MustCompile(`(?i)\b(?:my name is|my name's|name is|under the name|it's under)\s+([a-z][a-z'-]*(?:\s+[a-z][a-z'-]*)?)`)
	itemRe   = regexp.MustCompile(`(?i)\b(?:i'd like|i would like|i want|i'll have|i'll take|i will have|can i get|can i have|could i get|could i have|give me|let me get|i need|order)\s+(?:to (?:place |make )?(?:an )?order(?: of| for)?\s*|an order of\s+)?(.+)`)
	addrRe   = regexp.MustCompile(`(?i)\b(?:deliver(?:ed|y)? to|my address is|address is)\s+(.+)`)
	timeRe   = regexp.MustCompile(`(?i)\b(?:(?:next\s+)?(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)|today|tomorrow|next week|(?:in the\s+)?(?:morning|afternoon|evening)|\d{1,2}(?::\d{2})?\s?(?:am|pm|a\.m|p\.m)|noon)\b`)
	reasonRe = regexp.MustCompile(`(?i)\b(?:appointment for|come in for|coming in for|because|i have (?:a|an)|my \w+ (?:hurts|is hurting))\s*(.*)`)

	clauseEndRe  = regexp.MustCompile(`[.!?;]`)
	clauseTailRe = regexp.MustCompile(`(?i)(?:,?\s+(?:for|and it's|it's|it is)\s+(?:pick\s?up|delivery|carry\s?out|take\s?out)|,?\s+please|,?\s+thanks?(?: you)?)+$`)
)

// Annotate scans the caller's utterances in order. Later mentions replace
// earlier ones except for items, which accumulate.
func (r *RuleAnnotator) Annotate(_ context.Context, turns []domain.ConversationTurn, fields []string) (map[string]string, error) {
	out := make(map[string]string)
	var items []string

	for _, t := range turns {
		if t.Silent() {
			continue
		}
		in := t.UserInput
		lower := strings.ToLower(in)

		for _, f := range fields {
			switch fieldKind(f) {
			case kindPhone:
				if m := phoneRe.FindString(in); m != "" {
					out[f] = m
				}
			case kindEmail:
				if m := emailRe.FindString(in); m != "" {
					out[f] = m
				}
			case kindContact:
				if m := phoneRe.FindString(in); m != "" {
					out[f] = m
				} else if m := emailRe.FindString(in); m != "" {
					out[f] = m
				}
			case kindOrderType:
				if ot := orderType(lower); ot != "" {
					out[f] = ot
				}
			case kindName:
				if m := nameRe.FindStringSubmatch(in); m != nil {
					out[f] = personName(m[1])
				}
			case kindAddress:
				if m := addrRe.FindStringSubmatch(in); m != nil {
					out[f] = clause(m[1])
				}
			case kindTime:
				if m := timeRe.FindAllString(in, -1); len(m) > 0 {
					out[f] = strings.Join(m, " ")
				}
			case kindReason:
				if m := reasonRe.FindStringSubmatch(in); m != nil {
					v := clause(m[1])
					if v == "" {
						v = clause(m[0])
					}
					if v != "" {
						out[f] = v
					}
				}
			}
		}

		if m := itemRe.FindStringSubmatch(in); m != nil {
			if v := clause(m[1]); v != "" && orderType(strings.ToLower(v)) != strings.ToLower(v) {
				items = append(items, v)
			}
		}
	}

	if len(items) > 0 {
		for _, f := range fields {
			if fieldKind(f) == kindItems {
				out[f] = strings.Join(items, ", ")
			}
		}
	}
	return out, nil
}

type kind int

const (
	kindUnknown kind = iota
	kindItems
	kindOrderType
	kindContact
	kindPhone
	kindEmail
	kindName
	kindAddress
	kindTime
	kindReason
)

func fieldKind(field string) kind {
	switch strings.ToLower(field) {
	case "items", "item", "order":
		return kindItems
	case "order_type", "ordertype", "fulfillment":
		return kindOrderType
	case "contact":
		return kindContact
	case "phone", "phone_number", "callback", "callback_number":
		return kindPhone
	case "email":
		return kindEmail
	case "name", "caller_name", "customer_name", "pickup_name", "patient_name":
		return kindName
	case "address", "delivery_address":
		return kindAddress
	case "preferred_time", "time", "appointment_time":
		return kindTime
	case "reason", "reason_for_visit":
		return kindReason
	}
	return kindUnknown
}

// orderType returns "pickup" or "delivery" for the last fulfilment mention
// in lower, or "".
func orderType(lower string) string {
	pick := max(
		strings.LastIndex(lower, "pickup"),
		strings.LastIndex(lower, "pick up"),
		strings.LastIndex(lower, "pick it up"),
		strings.LastIndex(lower, "carry out"),
		strings.LastIndex(lower, "takeout"),
	)
	deliver := max(
		strings.LastIndex(lower, "delivery"),
		strings.LastIndex(lower, "deliver"),
	)
	switch {
	case pick < 0 && deliver < 0:
		return ""
	case pick > deliver:
		return "pickup"
	default:
		return "delivery"
	}
}

var orderWords = []string{"pizza", "order", "want", "like", "get", "have", "slice", "bagel", "coffee", "sandwich"}

func mentionsItems(s string) bool {
	lower := strings.ToLower(s)
	for _, w := range orderWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// clause keeps the first sentence of s and drops fulfilment and courtesy
// tails.
func clause(s string) string {
	if loc := clauseEndRe.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	s = clauseTailRe.ReplaceAllString(strings.TrimSpace(s), "")
	return strings.TrimSpace(strings.TrimSuffix(s, ","))
}

var nameStopWords = map[string]bool{
	"and": true, "for": true, "i": true, "my": true, "the": true, "it's": true, "please": true, "thanks": true,
}

// personName title-cases a captured name, dropping a trailing connective.
func personName(s string) string {
	words := strings.Fields(s)
	if len(words) > 1 && nameStopWords[strings.ToLower(words[1])] {
		words = words[:1]
	}
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
