package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/soyeahso/calldesk/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// callStores runs fn against every CallStore implementation.
func callStores(t *testing.T, fn func(t *testing.T, s CallStore)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, NewSQLiteCallStore(testDB(t), nil))
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryCallStore())
	})
}

func startedCall(t *testing.T, s CallStore, callID string) {
	t.Helper()
	_, err := s.CreateSession(context.Background(), callID, "nunzio", "+15550001111", "+15550100100")
	require.NoError(t, err)
}

// --- DB/Migration tests ---

func TestOpen_InMemory(t *testing.T) {
	db := testDB(t)
	assert.NotNil(t, db)
	assert.NotNil(t, db.SQL())
}

func TestMigrations_Applied(t *testing.T) {
	db := testDB(t)

	var count int
	err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestMigrations_Idempotent(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.migrate())

	var count int
	err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestSchema_TablesExist(t *testing.T) {
	db := testDB(t)

	for _, table := range []string{"businesses", "calls", "turns", "transactions"} {
		var name string
		err := db.sql.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	a := time.Date(2026, 1, 2, 3, 4, 5, 100_000_000, time.UTC)
	b := a.Add(20 * time.Millisecond)
	assert.Less(t, formatTime(a), formatTime(b))
	assert.True(t, parseTime(formatTime(b)).Equal(b))
}

// --- CallStore contract ---

func TestCreateSession(t *testing.T) {
	callStores(t, func(t *testing.T, s CallStore) {
		ctx := context.Background()
		sess, err := s.CreateSession(ctx, "CA1", "nunzio", "+15550001111", "+15550100100")
		require.NoError(t, err)
		assert.Equal(t, "CA1", sess.CallID)
		assert.Equal(t, "nunzio", sess.BusinessID)
		assert.Equal(t, domain.StateStarted, sess.State)
		assert.Equal(t, 0, sess.TurnCount)
		assert.Nil(t, sess.EndedAt)

		_, err = s.CreateSession(ctx, "CA1", "nunzio", "", "")
		assert.ErrorIs(t, err, domain.ErrDuplicateSession)
	})
}

func TestGetSession_NotFound(t *testing.T) {
	callStores(t, func(t *testing.T, s CallStore) {
		_, err := s.GetSession(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = s.AppendTurn(context.Background(), "missing", "", "hi")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = s.SetState(context.Background(), "missing", domain.StateAwaitingInput)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestAppendTurn_ContiguousSeq(t *testing.T) {
	callStores(t, func(t *testing.T, s CallStore) {
		ctx := context.Background()
		startedCall(t, s, "CA1")

		for i := 0; i < 5; i++ {
			turn, err := s.AppendTurn(ctx, "CA1", fmt.Sprintf("input %d", i), fmt.Sprintf("reply %d", i))
			require.NoError(t, err)
			assert.Equal(t, i, turn.Seq)
		}

		turns, err := s.ListTurns(ctx, "CA1")
		require.NoError(t, err)
		require.Len(t, turns, 5)
		for i, turn := range turns {
			assert.Equal(t, i, turn.Seq)
			assert.Equal(t, fmt.Sprintf("input %d", i), turn.UserInput)
		}

		sess, err := s.GetSession(ctx, "CA1")
		require.NoError(t, err)
		assert.Equal(t, 5, sess.TurnCount)
	})
}

func TestAppendTurn_ConcurrentWritersStayContiguous(t *testing.T) {
	callStores(t, func(t *testing.T, s CallStore) {
		ctx := context.Background()
		startedCall(t, s, "CA1")

		const writers = 20
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AppendTurn(ctx, "CA1", fmt.Sprintf("u%d", i), "r")
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		turns, err := s.ListTurns(ctx, "CA1")
		require.NoError(t, err)
		require.Len(t, turns, writers)
		for i, turn := range turns {
			assert.Equal(t, i, turn.Seq)
		}
	})
}

func TestAppendTurn_RejectedAfterEveryTerminalState(t *testing.T) {
	for _, terminal := range []domain.CallState{domain.StateCompleted, domain.StateEscalated, domain.StateAbandoned} {
		t.Run(string(terminal), func(t *testing.T) {
			callStores(t, func(t *testing.T, s CallStore) {
				ctx := context.Background()
				startedCall(t, s, "CA1")
				_, err := s.AppendTurn(ctx, "CA1", "", "greeting")
				require.NoError(t, err)
				_, err = s.SetState(ctx, "CA1", domain.StateAwaitingInput)
				require.NoError(t, err)

				sess, err := s.SetState(ctx, "CA1", terminal)
				require.NoError(t, err)
				require.NotNil(t, sess.EndedAt)

				_, err = s.AppendTurn(ctx, "CA1", "more", "reply")
				assert.ErrorIs(t, err, domain.ErrInvalidState)

				turns, err := s.ListTurns(ctx, "CA1")
				require.NoError(t, err)
				assert.Len(t, turns, 1)
			})
		})
	}
}

func TestSetState_FollowsTransitionTable(t *testing.T) {
	callStores(t, func(t *testing.T, s CallStore) {
		ctx := context.Background()
		startedCall(t, s, "CA1")

		_, err := s.SetState(ctx, "CA1", domain.StateProcessing)
		assert.ErrorIs(t, err, domain.ErrIllegalTransition)

		steps := []domain.CallState{
			domain.StateAwaitingInput,
			domain.StateProcessing,
			domain.StateAwaitingInput,
			domain.StateProcessing,
			domain.StateCompleted,
		}
		for _, to := range steps {
			sess, err := s.SetState(ctx, "CA1", to)
			require.NoError(t, err, "-> %s", to)
			assert.Equal(t, to, sess.State)
		}

		for _, to := range domain.AllStates {
			_, err := s.SetState(ctx, "CA1", to)
			assert.ErrorIs(t, err, domain.ErrIllegalTransition, "COMPLETED -> %s", to)
		}

		sess, err := s.GetSession(ctx, "CA1")
		require.NoError(t, err)
		assert.Equal(t, domain.StateCompleted, sess.State)
		assert.NotNil(t, sess.EndedAt)
	})
}

func TestSetState_ConcurrentSingleWinner(t *testing.T) {
	callStores(t, func(t *testing.T, s CallStore) {
		ctx := context.Background()
		startedCall(t, s, "CA1")
		_, err := s.SetState(ctx, "CA1", domain.StateAwaitingInput)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.SetState(ctx, "CA1", domain.StateProcessing)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.True(t, errors.Is(err, domain.ErrIllegalTransition), "unexpected error %v", err)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestSetStateFrom_ExpectedState(t *testing.T) {
	callStores(t, func(t *testing.T, s CallStore) {
		ctx := context.Background()
		startedCall(t, s, "CA1")
		_, err := s.SetState(ctx, "CA1", domain.StateAwaitingInput)
		require.NoError(t, err)

		sess, err := s.SetStateFrom(ctx, "CA1", domain.StateAwaitingInput, domain.StateProcessing)
		require.NoError(t, err)
		assert.Equal(t, domain.StateProcessing, sess.State)

		// A second claim read AWAITING_INPUT too, but the call has moved on.
		_, err = s.SetStateFrom(ctx, "CA1", domain.StateAwaitingInput, domain.StateProcessing)
		assert.ErrorIs(t, err, ErrConflict)

		// The expected state matches but the move is still illegal.
		_, err = s.SetStateFrom(ctx, "CA1", domain.StateProcessing, domain.StateStarted)
		assert.ErrorIs(t, err, domain.ErrIllegalTransition)

		_, err = s.SetStateFrom(ctx, "missing", domain.StateAwaitingInput, domain.StateProcessing)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		got, err := s.GetSession(ctx, "CA1")
		require.NoError(t, err)
		assert.Equal(t, domain.StateProcessing, got.State)
	})
}

func TestFinishCallAndEmergency(t *testing.T) {
	callStores(t, func(t *testing.T, s CallStore) {
		ctx := context.Background()
		startedCall(t, s, "CA1")

		require.NoError(t, s.FinishCall(ctx, "CA1", 73))
		require.NoError(t, s.MarkEmergency(ctx, "CA1"))

		sess, err := s.GetSession(ctx, "CA1")
		require.NoError(t, err)
		assert.Equal(t, 73, sess.DurationSeconds)
		assert.True(t, sess.Emergency)

		assert.ErrorIs(t, s.FinishCall(ctx, "missing", 1), domain.ErrNotFound)
	})
}

func TestListSessions(t *testing.T) {
	callStores(t, func(t *testing.T, s CallStore) {
		ctx := context.Background()
		for i, biz := range []string{"nunzio", "cafe", "nunzio"} {
			_, err := s.CreateSession(ctx, fmt.Sprintf("CA%d", i), biz, "", "")
			require.NoError(t, err)
			time.Sleep(2 * time.Millisecond)
		}
		_, err := s.SetState(ctx, "CA2", domain.StateAbandoned)
		require.NoError(t, err)

		all, err := s.ListSessions(ctx, SessionFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "CA2", all[0].CallID, "newest first")

		nunzio, err := s.ListSessions(ctx, SessionFilter{BusinessID: "nunzio"})
		require.NoError(t, err)
		assert.Len(t, nunzio, 2)

		abandoned, err := s.ListSessions(ctx, SessionFilter{State: domain.StateAbandoned})
		require.NoError(t, err)
		require.Len(t, abandoned, 1)
		assert.Equal(t, "CA2", abandoned[0].CallID)

		limited, err := s.ListSessions(ctx, SessionFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestTransaction_SaveOnceAndClaimOnce(t *testing.T) {
	callStores(t, func(t *testing.T, s CallStore) {
		ctx := context.Background()
		startedCall(t, s, "CA1")

		_, err := s.GetTransaction(ctx, "CA1")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		tx := domain.NewTransaction("CA1", []string{"items", "contact"})
		tx.Set("items", "large pepperoni pizza")
		tx.Set("contact", "555-123-4567")
		tx.Recompute()
		tx.RawItemsText = "I want a large pepperoni pizza"
		tx.Ambiguous = []string{"items"}
		tx.Caller = "+15551230000"

		require.NoError(t, s.SaveTransaction(ctx, tx))
		assert.ErrorIs(t, s.SaveTransaction(ctx, tx), domain.ErrDuplicateSession)

		got, err := s.GetTransaction(ctx, "CA1")
		require.NoError(t, err)
		assert.True(t, got.Complete)
		assert.Equal(t, []string{"items", "contact"}, got.Order)
		assert.Equal(t, "large pepperoni pizza", got.Value("items"))
		assert.Equal(t, []string{"items"}, got.Ambiguous)
		assert.Equal(t, "+15551230000", got.Caller)
		assert.False(t, got.ExtractedAt.IsZero())
		assert.Nil(t, got.DispatchedAt)

		var wg sync.WaitGroup
		var mu sync.Mutex
		claims := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.ClaimDispatch(ctx, "CA1")
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					claims++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, claims)

		got, err = s.GetTransaction(ctx, "CA1")
		require.NoError(t, err)
		assert.NotNil(t, got.DispatchedAt)
	})
}

func TestClaimDispatch_NoTransaction(t *testing.T) {
	callStores(t, func(t *testing.T, s CallStore) {
		ok, err := s.ClaimDispatch(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSetOrderStatus(t *testing.T) {
	callStores(t, func(t *testing.T, s CallStore) {
		ctx := context.Background()
		startedCall(t, s, "CA1")

		assert.ErrorIs(t, s.SetOrderStatus(ctx, "CA1", domain.OrderReady), domain.ErrNotFound)

		require.NoError(t, s.SaveTransaction(ctx, domain.NewTransaction("CA1", []string{"items"})))
		got, err := s.GetTransaction(ctx, "CA1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderPending, got.Status)

		require.NoError(t, s.SetOrderStatus(ctx, "CA1", domain.OrderReady))
		got, err = s.GetTransaction(ctx, "CA1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderReady, got.Status)
	})
}

func TestCollectStats(t *testing.T) {
	callStores(t, func(t *testing.T, s CallStore) {
		ctx := context.Background()
		now := time.Now()

		startedCall(t, s, "CA1")
		tx := domain.NewTransaction("CA1", []string{"items", "order_type"})
		tx.Set("items", "large pepperoni pizza")
		tx.Set("order_type", "Pickup")
		tx.Recompute()
		require.NoError(t, s.SaveTransaction(ctx, tx))
		require.NoError(t, s.SetOrderStatus(ctx, "CA1", domain.OrderReady))
		_, err := s.SetState(ctx, "CA1", domain.StateAwaitingInput)
		require.NoError(t, err)
		_, err = s.SetState(ctx, "CA1", domain.StateCompleted)
		require.NoError(t, err)
		require.NoError(t, s.FinishCall(ctx, "CA1", 60))

		_, err = s.CreateSession(ctx, "CA2", "smile", "+15550002222", "+15550100200")
		require.NoError(t, err)
		_, err = s.SetState(ctx, "CA2", domain.StateEscalated)
		require.NoError(t, err)
		require.NoError(t, s.MarkEmergency(ctx, "CA2"))
		require.NoError(t, s.FinishCall(ctx, "CA2", 30))

		startedCall(t, s, "CA3")

		st, err := CollectStats(ctx, s, SessionFilter{Limit: 1}, nil, now)
		require.NoError(t, err)
		assert.Equal(t, 3, st.TotalCalls)
		assert.Equal(t, 3, st.CallsToday)
		assert.Equal(t, 3, st.CallsThisWeek)
		assert.Equal(t, 1, st.Emergencies)
		assert.Equal(t, 45, st.AvgDurationSeconds)
		assert.Equal(t, map[domain.CallState]int{
			domain.StateCompleted: 1,
			domain.StateEscalated: 1,
			domain.StateStarted:   1,
		}, st.ByState)
		assert.Equal(t, map[string]int{"nunzio": 2, "smile": 1}, st.ByBusiness)
		assert.Equal(t, 1, st.Orders)
		assert.Equal(t, 1, st.CompleteOrders)
		assert.Equal(t, map[domain.OrderStatus]int{domain.OrderReady: 1}, st.OrdersByStatus)
		assert.Equal(t, map[string]int{"pickup": 1}, st.OrdersByType)

		onlyNunzio := func(sess *domain.CallSession) bool { return sess.BusinessID == "nunzio" }
		st, err = CollectStats(ctx, s, SessionFilter{}, onlyNunzio, now)
		require.NoError(t, err)
		assert.Equal(t, 2, st.TotalCalls)
		assert.Zero(t, st.Emergencies)
		assert.Equal(t, 60, st.AvgDurationSeconds)

		st, err = CollectStats(ctx, s, SessionFilter{Since: now.Add(time.Hour)}, nil, now)
		require.NoError(t, err)
		assert.Zero(t, st.TotalCalls)
		assert.Zero(t, st.AvgDurationSeconds)
		assert.Empty(t, st.ByState)
	})
}

// --- Business store ---

func businessStores(t *testing.T, fn func(t *testing.T, s BusinessStore)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, NewSQLiteBusinessStore(testDB(t)))
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryBusinessStore())
	})
}

func TestBusinessStore_SeedAndResolve(t *testing.T) {
	businessStores(t, func(t *testing.T, s BusinessStore) {
		ctx := context.Background()
		n, err := Seed(ctx, s, []domain.BusinessContext{
			{BusinessID: "nunzio", Name: "Nunzio's Pizza", PhoneNumber: "+1 (555) 010-0100", Category: domain.CategoryPizza, Active: true},
			{BusinessID: "closed", Name: "Closed Cafe", PhoneNumber: "+15550100199", Category: domain.CategoryCafe},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		b, err := s.Resolve(ctx, "+15550100100")
		require.NoError(t, err)
		assert.Equal(t, "nunzio", b.BusinessID)
		assert.Equal(t, "John", b.AssistantName)
		assert.Equal(t, []string{"items", "order_type", "contact"}, b.RequiredFields)

		_, err = s.Resolve(ctx, "+15550100199")
		assert.ErrorIs(t, err, domain.ErrNotFound, "inactive businesses never resolve")

		_, err = s.Resolve(ctx, "+19999999999")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = s.Resolve(ctx, "")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		closed, err := s.Get(ctx, "closed")
		require.NoError(t, err)
		assert.False(t, closed.Active)

		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "closed", list[0].BusinessID)
	})
}

func TestBusinessStore_UpsertReplaces(t *testing.T) {
	businessStores(t, func(t *testing.T, s BusinessStore) {
		ctx := context.Background()
		b := domain.BusinessContext{BusinessID: "sam", Name: "Sam's Bagels", PhoneNumber: "15550100111", Category: domain.CategoryBagel, Active: true}
		require.NoError(t, s.Upsert(ctx, b))

		b.GreetingText = "Bagels! What can I get you?"
		require.NoError(t, s.Upsert(ctx, b))

		got, err := s.Get(ctx, "sam")
		require.NoError(t, err)
		assert.Equal(t, "Bagels! What can I get you?", got.GreetingText)

		list, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestBusinessStore_UpsertValidates(t *testing.T) {
	businessStores(t, func(t *testing.T, s BusinessStore) {
		err := s.Upsert(context.Background(), domain.BusinessContext{BusinessID: "nophone"})
		assert.Error(t, err)
	})
}
