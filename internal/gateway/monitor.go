package gateway

import (
	"context"
	"time"

	"github.com/soyeahso/calldesk/internal/hooks"
)

// monitorEvents maps hook events to the event names monitors receive.
var monitorEvents = map[string]string{
	hooks.EventCallStarted:          "call.started",
	hooks.EventTurnAppended:         "call.turn",
	hooks.EventCallStateChanged:     "call.state",
	hooks.EventCallEnded:            "call.ended",
	hooks.EventTransactionExtracted: "call.transaction",
	hooks.EventNotificationSent:     "call.notified",
	hooks.EventAlert:                "alert",
}

func monitorEventNames() []string {
	names := []string{"connect.challenge"}
	for _, ev := range hooks.AllEvents {
		if name, ok := monitorEvents[ev]; ok {
			names = append(names, name)
		}
	}
	return names
}

// MonitorEvent is the payload of every call event sent to monitors.
type MonitorEvent struct {
	CallID     string         `json:"callId"`
	BusinessID string         `json:"businessId,omitempty"`
	At         time.Time      `json:"at"`
	Data       map[string]any `json:"data,omitempty"`
}

func (s *Server) bridgeHooks() {
	if s.hooks == nil {
		return
	}
	for _, ev := range hooks.AllEvents {
		name, ok := monitorEvents[ev]
		if !ok {
			continue
		}
		s.hooks.On(ev, "monitor", func(ctx context.Context, p hooks.Payload) error {
			s.publish(ctx, name, p)
			return nil
		})
	}
}

// publish forwards a hook payload to interested monitors. The business is
// looked up only when some monitor filters by business.
func (s *Server) publish(ctx context.Context, name string, p hooks.Payload) {
	if s.clients.Count() == 0 {
		return
	}
	ev := MonitorEvent{CallID: p.CallID, At: p.At, Data: p.Data}
	if s.clients.Filtered() && p.CallID != "" && s.sessions != nil {
		if sess, err := s.sessions.GetSession(ctx, p.CallID); err == nil {
			ev.BusinessID = sess.BusinessID
		}
	}
	n := s.clients.Broadcast(name, ev, s.eventSeq.Add(1), ev.BusinessID)
	s.log.Debug().Str("event", name).Str("callSid", p.CallID).Int("monitors", n).Msg("event published")
}
