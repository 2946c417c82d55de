package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/soyeahso/calldesk/internal/domain"
)

type memoryCall struct {
	session domain.CallSession
	turns   []domain.ConversationTurn
}

// MemoryCallStore implements CallStore in process memory. A single mutex
// makes every operation atomic, which gives the same guarantees as the
// SQLite store's lock plus compare-and-set.
type MemoryCallStore struct {
	mu    sync.Mutex
	calls map[string]*memoryCall
	txs   map[string]*domain.ExtractedTransaction
	now   func() time.Time
}

// NewMemoryCallStore creates an empty in-memory call store.
func NewMemoryCallStore() *MemoryCallStore {
	return &MemoryCallStore{
		calls: make(map[string]*memoryCall),
		txs:   make(map[string]*domain.ExtractedTransaction),
		now:   time.Now,
	}
}

func (m *MemoryCallStore) get(callID string) (*memoryCall, error) {
	c, ok := m.calls[callID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", callID, domain.ErrNotFound)
	}
	return c, nil
}

func (m *MemoryCallStore) CreateSession(_ context.Context, callID, businessID, caller, destination string) (*domain.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.calls[callID]; ok {
		return nil, fmt.Errorf("session %s: %w", callID, domain.ErrDuplicateSession)
	}
	now := m.now()
	c := &memoryCall{session: domain.CallSession{
		CallID:             callID,
		BusinessID:         businessID,
		CallerAddress:      caller,
		DestinationAddress: destination,
		State:              domain.StateStarted,
		StartedAt:          now,
		UpdatedAt:          now,
	}}
	m.calls[callID] = c
	sess := c.session
	return &sess, nil
}

func (m *MemoryCallStore) GetSession(_ context.Context, callID string) (*domain.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.get(callID)
	if err != nil {
		return nil, err
	}
	sess := c.session
	return &sess, nil
}

func (m *MemoryCallStore) AppendTurn(_ context.Context, callID, userInput, assistantResponse string) (*domain.ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.get(callID)
	if err != nil {
		return nil, err
	}
	if c.session.State.Terminal() {
		return nil, fmt.Errorf("append to %s call %s: %w", c.session.State, callID, domain.ErrInvalidState)
	}
	now := m.now()
	t := domain.ConversationTurn{
		CallID:            callID,
		Seq:               c.session.TurnCount,
		UserInput:         userInput,
		AssistantResponse: assistantResponse,
		CreatedAt:         now,
	}
	c.turns = append(c.turns, t)
	c.session.TurnCount++
	c.session.UpdatedAt = now
	return &t, nil
}

func (m *MemoryCallStore) SetState(ctx context.Context, callID string, to domain.CallState) (*domain.CallSession, error) {
	return m.SetStateFrom(ctx, callID, "", to)
}

// SetStateFrom moves the call to to only while it is still in from. An
// empty from accepts any current state.
func (m *MemoryCallStore) SetStateFrom(_ context.Context, callID string, from, to domain.CallState) (*domain.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.get(callID)
	if err != nil {
		return nil, err
	}
	cur := c.session.State
	if from != "" && cur != from {
		return nil, fmt.Errorf("call %s is %s, not %s: %w", callID, cur, from, ErrConflict)
	}
	if !domain.CanTransition(cur, to) {
		return nil, fmt.Errorf("call %s %s -> %s: %w", callID, cur, to, domain.ErrIllegalTransition)
	}
	now := m.now()
	c.session.State = to
	c.session.UpdatedAt = now
	if to.Terminal() {
		c.session.EndedAt = &now
	}
	sess := c.session
	return &sess, nil
}

func (m *MemoryCallStore) ListTurns(_ context.Context, callID string) ([]domain.ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[callID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(c.turns), nil
}

func (m *MemoryCallStore) FinishCall(_ context.Context, callID string, durationSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.get(callID)
	if err != nil {
		return err
	}
	c.session.DurationSeconds = durationSeconds
	c.session.UpdatedAt = m.now()
	return nil
}

func (m *MemoryCallStore) MarkEmergency(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.get(callID)
	if err != nil {
		return err
	}
	c.session.Emergency = true
	c.session.UpdatedAt = m.now()
	return nil
}

func (m *MemoryCallStore) ListSessions(_ context.Context, filter SessionFilter) ([]domain.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.CallSession
	for _, c := range m.calls {
		if filter.match(&c.session) {
			out = append(out, c.session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryCallStore) SaveTransaction(_ context.Context, t *domain.ExtractedTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.get(t.CallID); err != nil {
		return err
	}
	if _, ok := m.txs[t.CallID]; ok {
		return fmt.Errorf("transaction %s: %w", t.CallID, domain.ErrDuplicateSession)
	}
	cp := cloneTransaction(t)
	if cp.ExtractedAt.IsZero() {
		cp.ExtractedAt = m.now()
	}
	if cp.Status == "" {
		cp.Status = domain.OrderPending
	}
	m.txs[t.CallID] = cp
	return nil
}

func (m *MemoryCallStore) GetTransaction(_ context.Context, callID string) (*domain.ExtractedTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[callID]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", callID, domain.ErrNotFound)
	}
	return cloneTransaction(t), nil
}

func (m *MemoryCallStore) ClaimDispatch(_ context.Context, callID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[callID]
	if !ok || t.DispatchedAt != nil {
		return false, nil
	}
	now := m.now()
	t.DispatchedAt = &now
	return true, nil
}

func (m *MemoryCallStore) SetOrderStatus(_ context.Context, callID string, status domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[callID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", callID, domain.ErrNotFound)
	}
	t.Status = status
	return nil
}

func cloneTransaction(t *domain.ExtractedTransaction) *domain.ExtractedTransaction {
	cp := *t
	cp.Fields = make(map[string]domain.FieldValue, len(t.Fields))
	for k, v := range t.Fields {
		cp.Fields[k] = v
	}
	cp.Order = slices.Clone(t.Order)
	cp.Ambiguous = slices.Clone(t.Ambiguous)
	if t.DispatchedAt != nil {
		d := *t.DispatchedAt
		cp.DispatchedAt = &d
	}
	return &cp
}

// MemoryBusinessStore implements BusinessStore in process memory.
type MemoryBusinessStore struct {
	mu         sync.RWMutex
	businesses map[string]domain.BusinessContext
}

// NewMemoryBusinessStore creates a store holding the given businesses.
func NewMemoryBusinessStore(businesses ...domain.BusinessContext) *MemoryBusinessStore {
	s := &MemoryBusinessStore{businesses: make(map[string]domain.BusinessContext)}
	for _, b := range businesses {
		b.ApplyDefaults()
		s.businesses[b.BusinessID] = b
	}
	return s
}

func (s *MemoryBusinessStore) Resolve(_ context.Context, destination string) (*domain.BusinessContext, error) {
	phone := domain.NormalizePhone(destination)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if phone != "" {
		for _, b := range s.businesses {
			if b.Active && domain.NormalizePhone(b.PhoneNumber) == phone {
				return &b, nil
			}
		}
	}
	return nil, fmt.Errorf("business for %q: %w", destination, domain.ErrNotFound)
}

func (s *MemoryBusinessStore) Get(_ context.Context, businessID string) (*domain.BusinessContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.businesses[businessID]
	if !ok {
		return nil, fmt.Errorf("business %s: %w", businessID, domain.ErrNotFound)
	}
	return &b, nil
}

func (s *MemoryBusinessStore) Upsert(_ context.Context, b domain.BusinessContext) error {
	b.ApplyDefaults()
	if err := b.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.businesses[b.BusinessID] = b
	return nil
}

func (s *MemoryBusinessStore) List(_ context.Context) ([]domain.BusinessContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BusinessContext, 0, len(s.businesses))
	for _, b := range s.businesses {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusinessID < out[j].BusinessID })
	return out, nil
}
