package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/calldesk/internal/domain"
)

// SQLiteCallStore implements CallStore on SQLite. Writes for one call are
// serialized by the Locker and guarded by compare-and-set updates.
type SQLiteCallStore struct {
	db     *DB
	locker Locker
	now    func() time.Time
}

// NewSQLiteCallStore creates a call store. A nil locker uses an in-process
// KeyedLocker.
func NewSQLiteCallStore(db *DB, locker Locker) *SQLiteCallStore {
	if locker == nil {
		locker = NewKeyedLocker()
	}
	return &SQLiteCallStore{db: db, locker: locker, now: time.Now}
}

const sessionColumns = `call_id, business_id, caller, destination, state, turn_count,
	emergency, duration_seconds, started_at, updated_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.CallSession, error) {
	var s domain.CallSession
	var state, startedAt, updatedAt string
	var endedAt sql.NullString
	if err := row.Scan(
		&s.CallID, &s.BusinessID, &s.CallerAddress, &s.DestinationAddress, &state, &s.TurnCount,
		&s.Emergency, &s.DurationSeconds, &startedAt, &updatedAt, &endedAt,
	); err != nil {
		return nil, err
	}
	s.State = domain.CallState(state)
	s.StartedAt = parseTime(startedAt)
	s.UpdatedAt = parseTime(updatedAt)
	s.EndedAt = parseNullTime(endedAt)
	return &s, nil
}

// CreateSession inserts a STARTED session. It returns ErrDuplicateSession if
// the call already exists.
func (s *SQLiteCallStore) CreateSession(ctx context.Context, callID, businessID, caller, destination string) (*domain.CallSession, error) {
	now := s.now()
	res, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO calls (call_id, business_id, caller, destination, state, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_id) DO NOTHING`,
		callID, businessID, caller, destination, string(domain.StateStarted), formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("creating session %s: %w", callID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("session %s: %w", callID, domain.ErrDuplicateSession)
	}
	return s.GetSession(ctx, callID)
}

// GetSession returns the session for callID or ErrNotFound.
func (s *SQLiteCallStore) GetSession(ctx context.Context, callID string) (*domain.CallSession, error) {
	sess, err := scanSession(s.db.sql.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM calls WHERE call_id = ?`, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", callID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", callID, err)
	}
	return sess, nil
}

// withCall runs fn inside a transaction while holding the call's lock.
// fn receives the session as read inside the transaction.
func (s *SQLiteCallStore) withCall(ctx context.Context, callID string, fn func(tx *sql.Tx, sess *domain.CallSession) error) error {
	unlock, err := s.locker.Lock(ctx, callID)
	if err != nil {
		return fmt.Errorf("locking call %s: %w", callID, err)
	}
	defer unlock()

	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sess, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM calls WHERE call_id = ?`, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", callID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("loading session %s: %w", callID, err)
	}

	if err := fn(tx, sess); err != nil {
		return err
	}
	return tx.Commit()
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return nil
}

// AppendTurn writes the next turn at seq = turn_count. Terminal sessions
// reject the write with ErrInvalidState.
func (s *SQLiteCallStore) AppendTurn(ctx context.Context, callID, userInput, assistantResponse string) (*domain.ConversationTurn, error) {
	var turn *domain.ConversationTurn
	err := s.withCall(ctx, callID, func(tx *sql.Tx, sess *domain.CallSession) error {
		if sess.State.Terminal() {
			return fmt.Errorf("append to %s call %s: %w", sess.State, callID, domain.ErrInvalidState)
		}

		now := s.now()
		t := domain.ConversationTurn{
			CallID:            callID,
			Seq:               sess.TurnCount,
			UserInput:         userInput,
			AssistantResponse: assistantResponse,
			CreatedAt:         now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (call_id, seq, user_input, assistant_response, created_at) VALUES (?, ?, ?, ?, ?)`,
			callID, t.Seq, userInput, assistantResponse, formatTime(now),
		); err != nil {
			return fmt.Errorf("inserting turn %d: %w", t.Seq, err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE calls SET turn_count = turn_count + 1, updated_at = ?
			 WHERE call_id = ? AND turn_count = ?`,
			formatTime(now), callID, sess.TurnCount,
		)
		if err != nil {
			return fmt.Errorf("advancing turn count: %w", err)
		}
		if err := expectOneRow(res, "advancing turn count"); err != nil {
			return err
		}
		turn = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return turn, nil
}

// SetState moves the session to a new state if the transition table allows it.
func (s *SQLiteCallStore) SetState(ctx context.Context, callID string, to domain.CallState) (*domain.CallSession, error) {
	return s.setState(ctx, callID, "", to)
}

// SetStateFrom moves the call to to only while it is still in from.
func (s *SQLiteCallStore) SetStateFrom(ctx context.Context, callID string, from, to domain.CallState) (*domain.CallSession, error) {
	return s.setState(ctx, callID, from, to)
}

func (s *SQLiteCallStore) setState(ctx context.Context, callID string, from, to domain.CallState) (*domain.CallSession, error) {
	var out *domain.CallSession
	err := s.withCall(ctx, callID, func(tx *sql.Tx, sess *domain.CallSession) error {
		if from != "" && sess.State != from {
			return fmt.Errorf("call %s is %s, not %s: %w", callID, sess.State, from, ErrConflict)
		}
		if !domain.CanTransition(sess.State, to) {
			return fmt.Errorf("call %s %s -> %s: %w", callID, sess.State, to, domain.ErrIllegalTransition)
		}

		now := s.now()
		var endedAt *time.Time
		if to.Terminal() {
			endedAt = &now
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE calls SET state = ?, updated_at = ?, ended_at = COALESCE(?, ended_at)
			 WHERE call_id = ? AND state = ?`,
			string(to), formatTime(now), nullTime(endedAt), callID, string(sess.State),
		)
		if err != nil {
			return fmt.Errorf("updating state: %w", err)
		}
		if err := expectOneRow(res, "updating state"); err != nil {
			return err
		}

		sess.State = to
		sess.UpdatedAt = now
		if endedAt != nil {
			sess.EndedAt = endedAt
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListTurns returns the transcript ordered by seq.
func (s *SQLiteCallStore) ListTurns(ctx context.Context, callID string) ([]domain.ConversationTurn, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT call_id, seq, user_input, assistant_response, created_at
		 FROM turns WHERE call_id = ? ORDER BY seq`, callID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing turns for %s: %w", callID, err)
	}
	defer rows.Close()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var t domain.ConversationTurn
		var createdAt string
		if err := rows.Scan(&t.CallID, &t.Seq, &t.UserInput, &t.AssistantResponse, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// FinishCall records the provider-reported call duration.
func (s *SQLiteCallStore) FinishCall(ctx context.Context, callID string, durationSeconds int) error {
	return s.withCall(ctx, callID, func(tx *sql.Tx, _ *domain.CallSession) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE calls SET duration_seconds = ?, updated_at = ? WHERE call_id = ?`,
			durationSeconds, formatTime(s.now()), callID,
		)
		return err
	})
}

// MarkEmergency flags the call as escalated for an urgent reason.
func (s *SQLiteCallStore) MarkEmergency(ctx context.Context, callID string) error {
	return s.withCall(ctx, callID, func(tx *sql.Tx, _ *domain.CallSession) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE calls SET emergency = 1, updated_at = ? WHERE call_id = ?`,
			formatTime(s.now()), callID,
		)
		return err
	})
}

// ListSessions returns sessions newest first.
func (s *SQLiteCallStore) ListSessions(ctx context.Context, filter SessionFilter) ([]domain.CallSession, error) {
	var where []string
	var args []any
	if filter.BusinessID != "" {
		where = append(where, "business_id = ?")
		args = append(args, filter.BusinessID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, formatTime(filter.Since))
	}

	q := `SELECT ` + sessionColumns + ` FROM calls`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.CallSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// SaveTransaction stores the call's extracted transaction once. A second
// save returns ErrDuplicateSession.
func (s *SQLiteCallStore) SaveTransaction(ctx context.Context, t *domain.ExtractedTransaction) error {
	fields, err := json.Marshal(t.Fields)
	if err != nil {
		return fmt.Errorf("encoding fields: %w", err)
	}
	order, err := json.Marshal(t.Order)
	if err != nil {
		return fmt.Errorf("encoding field order: %w", err)
	}
	var ambiguous sql.NullString
	if len(t.Ambiguous) > 0 {
		data, err := json.Marshal(t.Ambiguous)
		if err != nil {
			return fmt.Errorf("encoding ambiguous fields: %w", err)
		}
		ambiguous = sql.NullString{String: string(data), Valid: true}
	}
	extractedAt := t.ExtractedAt
	if extractedAt.IsZero() {
		extractedAt = s.now()
	}
	status := t.Status
	if status == "" {
		status = domain.OrderPending
	}

	res, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO transactions (call_id, fields, field_order, caller, complete, raw_items, ambiguous, extracted_at, dispatched_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_id) DO NOTHING`,
		t.CallID, string(fields), string(order), t.Caller, t.Complete, t.RawItemsText, ambiguous,
		formatTime(extractedAt), nullTime(t.DispatchedAt), string(status),
	)
	if err != nil {
		return fmt.Errorf("saving transaction %s: %w", t.CallID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s: %w", t.CallID, domain.ErrDuplicateSession)
	}
	return nil
}

// GetTransaction returns the stored transaction or ErrNotFound.
func (s *SQLiteCallStore) GetTransaction(ctx context.Context, callID string) (*domain.ExtractedTransaction, error) {
	var t domain.ExtractedTransaction
	var fields, order, extractedAt, status string
	var ambiguous, dispatchedAt sql.NullString
	err := s.db.sql.QueryRowContext(ctx,
		`SELECT call_id, fields, field_order, caller, complete, raw_items, ambiguous, extracted_at, dispatched_at, status
		 FROM transactions WHERE call_id = ?`, callID,
	).Scan(&t.CallID, &fields, &order, &t.Caller, &t.Complete, &t.RawItemsText, &ambiguous, &extractedAt, &dispatchedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", callID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading transaction %s: %w", callID, err)
	}

	if err := json.Unmarshal([]byte(fields), &t.Fields); err != nil {
		return nil, fmt.Errorf("decoding fields: %w", err)
	}
	if err := json.Unmarshal([]byte(order), &t.Order); err != nil {
		return nil, fmt.Errorf("decoding field order: %w", err)
	}
	if ambiguous.Valid {
		_ = json.Unmarshal([]byte(ambiguous.String), &t.Ambiguous)
	}
	t.ExtractedAt = parseTime(extractedAt)
	t.DispatchedAt = parseNullTime(dispatchedAt)
	t.Status = domain.OrderStatus(status)
	return &t, nil
}

// ClaimDispatch marks the transaction dispatched. Only the first caller
// gets true.
func (s *SQLiteCallStore) ClaimDispatch(ctx context.Context, callID string) (bool, error) {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE transactions SET dispatched_at = ? WHERE call_id = ? AND dispatched_at IS NULL`,
		formatTime(s.now()), callID,
	)
	if err != nil {
		return false, fmt.Errorf("claiming dispatch for %s: %w", callID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetOrderStatus updates the status of a saved transaction.
func (s *SQLiteCallStore) SetOrderStatus(ctx context.Context, callID string, status domain.OrderStatus) error {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE transactions SET status = ? WHERE call_id = ?`, string(status), callID,
	)
	if err != nil {
		return fmt.Errorf("setting order status for %s: %w", callID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s: %w", callID, domain.ErrNotFound)
	}
	return nil
}
