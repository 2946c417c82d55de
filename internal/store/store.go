package store

import (
	"context"
	"errors"
	"time"

	"github.com/soyeahso/calldesk/internal/domain"
)

// ErrConflict means a compare-and-set write lost to a concurrent writer.
var ErrConflict = errors.New("concurrent modification")

// CallStore is the durable home of call sessions, their turns and the
// transaction extracted at the end of each call.
type CallStore interface {
	CreateSession(ctx context.Context, callID, businessID, caller, destination string) (*domain.CallSession, error)
	GetSession(ctx context.Context, callID string) (*domain.CallSession, error)
	AppendTurn(ctx context.Context, callID, userInput, assistantResponse string) (*domain.ConversationTurn, error)
	SetState(ctx context.Context, callID string, to domain.CallState) (*domain.CallSession, error)
	// SetStateFrom is SetState that fails with ErrConflict unless the call
	// is still in from.
	SetStateFrom(ctx context.Context, callID string, from, to domain.CallState) (*domain.CallSession, error)
	ListTurns(ctx context.Context, callID string) ([]domain.ConversationTurn, error)

	FinishCall(ctx context.Context, callID string, durationSeconds int) error
	MarkEmergency(ctx context.Context, callID string) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]domain.CallSession, error)

	SaveTransaction(ctx context.Context, tx *domain.ExtractedTransaction) error
	GetTransaction(ctx context.Context, callID string) (*domain.ExtractedTransaction, error)
	ClaimDispatch(ctx context.Context, callID string) (bool, error)
	// SetOrderStatus updates a saved transaction's status. It returns
	// ErrNotFound when the call has no transaction.
	SetOrderStatus(ctx context.Context, callID string, status domain.OrderStatus) error
}

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	BusinessID string
	State      domain.CallState
	Since      time.Time
	Limit      int
}

func (f SessionFilter) match(s *domain.CallSession) bool {
	if f.BusinessID != "" && s.BusinessID != f.BusinessID {
		return false
	}
	if f.State != "" && s.State != f.State {
		return false
	}
	if !f.Since.IsZero() && s.StartedAt.Before(f.Since) {
		return false
	}
	return true
}

// BusinessResolver maps the dialled number to a business profile.
type BusinessResolver interface {
	Resolve(ctx context.Context, destination string) (*domain.BusinessContext, error)
}

// BusinessStore manages business profiles.
type BusinessStore interface {
	BusinessResolver
	Upsert(ctx context.Context, b domain.BusinessContext) error
	Get(ctx context.Context, businessID string) (*domain.BusinessContext, error)
	List(ctx context.Context) ([]domain.BusinessContext, error)
}

// Seed upserts every business into bs. Profiles get their category
// defaults before they are validated and written.
func Seed(ctx context.Context, bs BusinessStore, businesses []domain.BusinessContext) (int, error) {
	n := 0
	for _, b := range businesses {
		if err := bs.Upsert(ctx, b); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

var (
	_ CallStore     = (*SQLiteCallStore)(nil)
	_ CallStore     = (*MemoryCallStore)(nil)
	_ BusinessStore = (*SQLiteBusinessStore)(nil)
	_ BusinessStore = (*MemoryBusinessStore)(nil)
	_ Locker        = (*KeyedLocker)(nil)
	_ Locker        = (*RedisLocker)(nil)
)
