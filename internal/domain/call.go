package domain

import (
	"slices"
	"time"
)

// CallState is the lifecycle state of a call session.
type CallState string

const (
	StateStarted       CallState = "STARTED"
	StateAwaitingInput CallState = "AWAITING_INPUT"
	StateProcessing    CallState = "PROCESSING"
	StateCompleted     CallState = "COMPLETED"
	StateEscalated     CallState = "ESCALATED"
	StateAbandoned     CallState = "ABANDONED"
)

// AllStates lists every call state in lifecycle order.
var AllStates = []CallState{
	StateStarted,
	StateAwaitingInput,
	StateProcessing,
	StateCompleted,
	StateEscalated,
	StateAbandoned,
}

// transitions is the allowed state machine. Terminal states have no entry.
var transitions = map[CallState][]CallState{
	StateStarted:       {StateAwaitingInput, StateEscalated, StateAbandoned},
	StateAwaitingInput: {StateProcessing, StateCompleted, StateEscalated, StateAbandoned},
	StateProcessing:    {StateAwaitingInput, StateCompleted, StateEscalated, StateAbandoned},
}

// Terminal reports whether no further transitions or turns are allowed.
func (s CallState) Terminal() bool {
	return s == StateCompleted || s == StateEscalated || s == StateAbandoned
}

// Valid reports whether s is a known state.
func (s CallState) Valid() bool {
	return slices.Contains(AllStates, s)
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to CallState) bool {
	return slices.Contains(transitions[from], to)
}

// ParseCallState converts a stored or user-supplied string to a CallState.
func ParseCallState(s string) (CallState, bool) {
	st := CallState(s)
	return st, st.Valid()
}

// CallSession is the durable record of one telephone call.
type CallSession struct {
	CallID             string     `json:"callId"`
	BusinessID         string     `json:"businessId"`
	CallerAddress      string     `json:"callerAddress"`
	DestinationAddress string     `json:"destinationAddress,omitempty"`
	State              CallState  `json:"state"`
	TurnCount          int        `json:"turnCount"`
	Emergency          bool       `json:"emergency,omitempty"`
	DurationSeconds    int        `json:"durationSeconds,omitempty"`
	StartedAt          time.Time  `json:"startedAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	EndedAt            *time.Time `json:"endedAt,omitempty"`
}

// Stale reports whether the session has been sitting in PROCESSING for longer
// than window as of now.
func (s *CallSession) Stale(now time.Time, window time.Duration) bool {
	return s.State == StateProcessing && window > 0 && now.Sub(s.UpdatedAt) > window
}

// ConversationTurn is one caller-utterance/assistant-response pair.
// Turns are append-only and immutable once written.
type ConversationTurn struct {
	CallID            string    `json:"callId"`
	Seq               int       `json:"seq"`
	UserInput         string    `json:"userInput"`
	AssistantResponse string    `json:"assistantResponse"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Silent reports whether the caller said nothing on this turn.
func (t ConversationTurn) Silent() bool {
	return t.UserInput == ""
}

// TrailingSilences counts consecutive silent turns at the end of history,
// ignoring the greeting at sequence 0.
func TrailingSilences(turns []ConversationTurn) int {
	n := 0
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Seq == 0 || !turns[i].Silent() {
			break
		}
		n++
	}
	return n
}
