package domain

import (
	"fmt"
	"strings"
)

// Category selects the conversation variant for a business.
type Category string

const (
	CategoryPizza   Category = "pizza"
	CategoryCafe    Category = "cafe"
	CategoryBagel   Category = "bagel"
	CategoryDoctor  Category = "doctor"
	CategoryDentist Category = "dentist"
	CategoryGeneric Category = "generic"
)

// Categories lists every supported business category.
var Categories = []Category{
	CategoryPizza, CategoryCafe, CategoryBagel, CategoryDoctor, CategoryDentist, CategoryGeneric,
}

// Medical reports whether calls for this category follow the urgent-care
// escalation script.
func (c Category) Medical() bool {
	return c == CategoryDoctor || c == CategoryDentist
}

// DefaultVoice is the Polly voice used when a business does not pick one.
const DefaultVoice = "Polly.Joanna-Neural"

// BusinessContext describes how to converse for one business. It is resolved
// once per call and passed explicitly through the pipeline.
type BusinessContext struct {
	BusinessID          string   `json:"businessId" yaml:"id"`
	Name                string   `json:"name" yaml:"name"`
	PhoneNumber         string   `json:"phoneNumber" yaml:"phoneNumber"`
	Category            Category `json:"category" yaml:"category"`
	AssistantName       string   `json:"assistantName,omitempty" yaml:"assistantName,omitempty"`
	PromptTemplate      string   `json:"promptTemplate,omitempty" yaml:"promptTemplate,omitempty"`
	RequiredFields      []string `json:"requiredFields" yaml:"requiredFields,omitempty"`
	GreetingText        string   `json:"greetingText" yaml:"greeting,omitempty"`
	ClosingText         string   `json:"closingText,omitempty" yaml:"closing,omitempty"`
	EscalationKeywords  []string `json:"escalationKeywords,omitempty" yaml:"escalationKeywords,omitempty"`
	UrgentKeywords      []string `json:"urgentKeywords,omitempty" yaml:"urgentKeywords,omitempty"`
	ConfirmationPhrases []string `json:"confirmationPhrases,omitempty" yaml:"confirmationPhrases,omitempty"`
	Voice               string   `json:"voice,omitempty" yaml:"voice,omitempty"`
	NotifyEmail         string   `json:"notifyEmail,omitempty" yaml:"notifyEmail,omitempty"`
	Active              bool     `json:"active" yaml:"-"`
}

// SystemPrompt renders the prompt template with the business's name and
// assistant name substituted for {{business}} and {{assistant}}.
func (b *BusinessContext) SystemPrompt() string {
	r := strings.NewReplacer(
		"{{business}}", b.Name,
		"{{assistant}}", b.AssistantName,
		"{{fields}}", strings.Join(b.RequiredFields, ", "),
	)
	return r.Replace(b.PromptTemplate)
}

// EscalationText is spoken when the caller asks for a human.
func (b *BusinessContext) EscalationText() string {
	return "Let me connect you with a member of our team. Someone will call you back shortly. Thank you for calling!"
}

// UrgentText is spoken when the caller describes an emergency.
func (b *BusinessContext) UrgentText() string {
	return "That sounds urgent. If this is a medical emergency, please hang up and dial 911. " +
		"Otherwise I'm flagging your call so a member of our staff calls you back right away."
}

// categoryDefaults holds the per-category fallback for every field a
// business may leave empty.
type categoryDefaults struct {
	assistant    string
	greeting     string
	closing      string
	prompt       string
	fields       []string
	urgent       []string
	confirmation []string
}

var orderConfirmations = []string{
	"no", "no thanks", "nothing else", "that's all", "no that's it", "goodbye", "bye",
	"that's everything", "yes that's correct", "yes that's right", "correct", "that's correct",
}

var humanRequests = []string{
	"speak to a human", "talk to a person", "real person", "speak to someone", "manager", "representative",
}

var medicalKeywords = []string{
	"severe pain", "bleeding", "swelling", "infection", "can't eat", "can't sleep", "urgent", "emergency",
}

const orderPrompt = `You are {{assistant}}, a friendly order taker for {{business}}.

RULES:
- Keep responses very brief (1 sentence, max 15 words).
- Be warm, friendly and efficient. Never mention AI or automation.
- Repeat back key items the caller mentions.
- Don't repeat the same question. Accept information in any order.
- You must collect: {{fields}}.
- When everything is collected, read back the complete order and ask "Is that correct?"`

const appointmentPrompt = `You are {{assistant}}, the receptionist at {{business}}.

RULES:
- Keep responses very brief (1 sentence, max 15 words).
- Be calm, warm and professional. Never give medical advice.
- You must collect: {{fields}}.
- When everything is collected, read the details back and ask "Is that correct?"`

var defaultsByCategory = map[Category]categoryDefaults{
	CategoryPizza: {
		assistant: "John",
		greeting:  "Thank you for calling {{business}}! This is {{assistant}}. How can I help you today?",
		closing:   "Perfect! Your order is all set. Thank you for calling! Have a great day!",
		prompt:    orderPrompt,
		fields:    []string{"items", "order_type", "contact"},
	},
	CategoryCafe: {
		assistant: "Alex",
		greeting:  "Thank you for calling! This is {{assistant}}. How can I help you today?",
		closing:   "Perfect! Your order is all set. Thank you for calling! Have a great day!",
		prompt:    orderPrompt,
		fields:    []string{"items", "order_type", "contact"},
	},
	CategoryBagel: {
		assistant: "Sam",
		greeting:  "Thank you for calling! This is {{assistant}}. How can I help you today?",
		closing:   "Perfect! Your order is all set. Thank you for calling! Have a great day!",
		prompt:    orderPrompt,
		fields:    []string{"items", "order_type", "contact"},
	},
	CategoryDoctor: {
		assistant:  "Sarah",
		greeting:   "Thank you for calling our medical office. This is {{assistant}}. How can I help you today?",
		closing:    "You're all set. We'll see you then. Thank you for calling!",
		prompt:     appointmentPrompt,
		fields:     []string{"caller_name", "reason", "preferred_time", "contact"},
		urgent:     medicalKeywords,
	},
	CategoryDentist: {
		assistant:  "Sarah",
		greeting:   "Thank you for calling our dental office. This is {{assistant}}. How can I help you today?",
		closing:    "You're all set. We'll see you then. Thank you for calling!",
		prompt:     appointmentPrompt,
		fields:     []string{"caller_name", "reason", "preferred_time", "contact"},
		urgent:     medicalKeywords,
	},
	CategoryGeneric: {
		assistant: "Alex",
		greeting:  "Thank you for calling {{business}}! How can I help you today?",
		closing:   "Thank you for calling! Have a great day!",
		prompt:    orderPrompt,
		fields:    []string{"items", "contact"},
	},
}

// ApplyDefaults fills empty fields from the business's category variant.
// Unknown categories are treated as generic.
func (b *BusinessContext) ApplyDefaults() {
	if _, ok := defaultsByCategory[b.Category]; !ok {
		b.Category = CategoryGeneric
	}
	d := defaultsByCategory[b.Category]

	if b.AssistantName == "" {
		b.AssistantName = d.assistant
	}
	if b.Name == "" {
		b.Name = "our office"
	}
	if b.PromptTemplate == "" {
		b.PromptTemplate = d.prompt
	}
	if len(b.RequiredFields) == 0 {
		b.RequiredFields = append([]string(nil), d.fields...)
	}
	if b.GreetingText == "" {
		b.GreetingText = d.greeting
	}
	b.GreetingText = strings.NewReplacer("{{business}}", b.Name, "{{assistant}}", b.AssistantName).Replace(b.GreetingText)
	if b.ClosingText == "" {
		b.ClosingText = d.closing
	}
	if len(b.EscalationKeywords) == 0 {
		b.EscalationKeywords = append([]string(nil), humanRequests...)
	}
	if len(b.UrgentKeywords) == 0 {
		b.UrgentKeywords = append([]string(nil), d.urgent...)
	}
	if len(b.ConfirmationPhrases) == 0 {
		b.ConfirmationPhrases = append([]string(nil), orderConfirmations...)
	}
	if b.Voice == "" {
		b.Voice = DefaultVoice
	}
}

// Validate reports the first structural problem with a business profile.
func (b *BusinessContext) Validate() error {
	switch {
	case b.BusinessID == "":
		return fmt.Errorf("business id is required")
	case NormalizePhone(b.PhoneNumber) == "":
		return fmt.Errorf("business %s: phone number is required", b.BusinessID)
	case len(b.RequiredFields) == 0:
		return fmt.Errorf("business %s: at least one required field", b.BusinessID)
	}
	seen := make(map[string]bool, len(b.RequiredFields))
	for _, f := range b.RequiredFields {
		if seen[f] {
			return fmt.Errorf("business %s: duplicate required field %q", b.BusinessID, f)
		}
		seen[f] = true
	}
	return nil
}

// NormalizePhone reduces a phone number to its digits so "+1 (555) 010-0100"
// and "15550100100" resolve to the same business.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
