package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/calldesk/internal/domain"
)

// Stats summarises calls and the orders taken on them.
type Stats struct {
	TotalCalls         int                        `json:"totalCalls"`
	CallsToday         int                        `json:"callsToday"`
	CallsThisWeek      int                        `json:"callsThisWeek"`
	Emergencies        int                        `json:"emergencies"`
	AvgDurationSeconds int                        `json:"avgDurationSeconds"`
	ByState            map[domain.CallState]int   `json:"byState"`
	ByBusiness         map[string]int             `json:"byBusiness"`
	Orders             int                        `json:"orders"`
	CompleteOrders     int                        `json:"completeOrders"`
	OrdersByStatus     map[domain.OrderStatus]int `json:"ordersByStatus"`
	OrdersByType       map[string]int             `json:"ordersByType"`
}

// StatsReader is the read side CollectStats needs.
type StatsReader interface {
	ListSessions(ctx context.Context, filter SessionFilter) ([]domain.CallSession, error)
	GetTransaction(ctx context.Context, callID string) (*domain.ExtractedTransaction, error)
}

// CollectStats summarises every session matching filter, ignoring its
// Limit. A non-nil keep drops sessions the caller may not see. "Today"
// starts at midnight in now's location.
func CollectStats(ctx context.Context, r StatsReader, filter SessionFilter, keep func(*domain.CallSession) bool, now time.Time) (*Stats, error) {
	filter.Limit = 0
	sessions, err := r.ListSessions(ctx, filter)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		ByState:        make(map[domain.CallState]int),
		ByBusiness:     make(map[string]int),
		OrdersByStatus: make(map[domain.OrderStatus]int),
		OrdersByType:   make(map[string]int),
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekAgo := now.Add(-7 * 24 * time.Hour)

	var durationTotal, timed int
	for i := range sessions {
		sess := &sessions[i]
		if keep != nil && !keep(sess) {
			continue
		}
		st.TotalCalls++
		st.ByState[sess.State]++
		st.ByBusiness[sess.BusinessID]++
		if !sess.StartedAt.Before(today) {
			st.CallsToday++
		}
		if !sess.StartedAt.Before(weekAgo) {
			st.CallsThisWeek++
		}
		if sess.Emergency {
			st.Emergencies++
		}
		if sess.DurationSeconds > 0 {
			durationTotal += sess.DurationSeconds
			timed++
		}

		tx, err := r.GetTransaction(ctx, sess.CallID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading transaction %s: %w", sess.CallID, err)
		}
		st.Orders++
		if tx.Complete {
			st.CompleteOrders++
		}
		status := tx.Status
		if status == "" {
			status = domain.OrderPending
		}
		st.OrdersByStatus[status]++
		if kind := strings.ToLower(tx.Value("order_type")); kind != "" {
			st.OrdersByType[kind]++
		}
	}
	if timed > 0 {
		st.AvgDurationSeconds = durationTotal / timed
	}
	return st, nil
}
