package domain

import (
	"slices"
	"strings"
	"time"
)

// FieldValue is one extracted field. A zero FieldValue is unresolved.
type FieldValue struct {
	Value    string `json:"value,omitempty"`
	Resolved bool   `json:"resolved"`
}

// Resolve returns a resolved field holding v, or an unresolved one when v
// carries no information.
func Resolve(v string) FieldValue {
	v = strings.TrimSpace(v)
	if placeholderValue(v) {
		return FieldValue{}
	}
	return FieldValue{Value: v, Resolved: true}
}

func placeholderValue(v string) bool {
	switch strings.ToLower(v) {
	case "", "null", "none", "nil", "unknown", "n/a", "na", "unresolved", "not provided", "not mentioned":
		return true
	}
	return false
}

// OrderStatus tracks a dispatched order through the business's kitchen or
// front desk. Staff set it after the call.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderReady     OrderStatus = "ready"
	OrderFulfilled OrderStatus = "fulfilled"
	OrderCancelled OrderStatus = "cancelled"
)

// OrderStatuses lists every order status in workflow order.
var OrderStatuses = []OrderStatus{OrderPending, OrderConfirmed, OrderReady, OrderFulfilled, OrderCancelled}

// ParseOrderStatus matches s case-insensitively against the known statuses.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(strings.ToLower(strings.TrimSpace(s)))
	return st, slices.Contains(OrderStatuses, st)
}

// ExtractedTransaction is the structured result derived from a call's
// transcript. Fields holds exactly the business's required fields.
type ExtractedTransaction struct {
	CallID       string                `json:"callId"`
	Fields       map[string]FieldValue `json:"fields"`
	Order        []string              `json:"order"`
	Caller       string                `json:"caller,omitempty"`
	Complete     bool                  `json:"complete"`
	RawItemsText string                `json:"rawItemsText,omitempty"`
	Ambiguous    []string              `json:"ambiguous,omitempty"`
	ExtractedAt  time.Time             `json:"extractedAt"`
	DispatchedAt *time.Time            `json:"dispatchedAt,omitempty"`
	Status       OrderStatus           `json:"status,omitempty"`
}

// NewTransaction builds a transaction with every required field unresolved.
func NewTransaction(callID string, requiredFields []string) *ExtractedTransaction {
	tx := &ExtractedTransaction{
		CallID: callID,
		Fields: make(map[string]FieldValue, len(requiredFields)),
		Order:  slices.Clone(requiredFields),
	}
	for _, f := range requiredFields {
		tx.Fields[f] = FieldValue{}
	}
	return tx
}

// Set records a value for a required field. Unknown fields are ignored.
func (t *ExtractedTransaction) Set(field, value string) bool {
	if _, ok := t.Fields[field]; !ok {
		return false
	}
	t.Fields[field] = Resolve(value)
	return t.Fields[field].Resolved
}

// Recompute derives Complete from Fields. It is the only place completeness
// is decided.
func (t *ExtractedTransaction) Recompute() bool {
	t.Complete = true
	for _, v := range t.Fields {
		if !v.Resolved {
			t.Complete = false
			break
		}
	}
	return t.Complete
}

// Unresolved lists the required fields still missing, in required order.
func (t *ExtractedTransaction) Unresolved() []string {
	var out []string
	for _, f := range t.Order {
		if !t.Fields[f].Resolved {
			out = append(out, f)
		}
	}
	return out
}

// Value returns a field's value, or "" when unresolved.
func (t *ExtractedTransaction) Value(field string) string {
	return t.Fields[field].Value
}
