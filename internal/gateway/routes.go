package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/soyeahso/calldesk/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	rpcTimeout       = 10 * time.Second
)

// registerHTTPRoutes sets up all HTTP routes on the mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	voice := func(h http.HandlerFunc) http.Handler {
		return rateLimitMiddleware(s.signatureMiddleware(h), s.limiter, s.log)
	}
	mux.Handle("POST "+pathAnswer, voice(s.handleAnswer))
	mux.Handle("POST "+pathProcess, voice(s.handleProcess))
	mux.Handle("POST "+pathStatus, voice(s.handleStatus))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("/", handleNotFound)
}

// registerRPCHandlers sets up the monitor methods.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("calls.list", s.rpcCallsList)
	s.Handle("calls.get", s.rpcCallsGet)
	s.Handle("calls.stats", s.rpcCallsStats)
	if s.businesses != nil {
		s.Handle("businesses.list", s.rpcBusinessesList)
	}
}

func (s *Server) rpcHealth(rc *RequestContext) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Clients: s.clients.Count(),
	}
	if !s.startedAt.IsZero() {
		resp.UptimeMs = time.Since(s.startedAt).Milliseconds()
	}
	if s.plugins != nil {
		for _, p := range s.plugins.Info() {
			resp.Plugins = append(resp.Plugins, PluginInfo{ID: p.ID, Running: p.Running})
		}
	}
	rc.Respond(resp)
}

type callsListParams struct {
	Business string `json:"business,omitempty"`
	State    string `json:"state,omitempty"`
	Since    string `json:"since,omitempty"` // RFC 3339
	Limit    int    `json:"limit,omitempty"`
}

func (s *Server) rpcCallsList(rc *RequestContext) {
	var p callsListParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	filter := store.SessionFilter{BusinessID: p.Business, Limit: p.Limit}
	if p.State != "" {
		st, ok := domain.ParseCallState(strings.ToUpper(p.State))
		if !ok {
			rc.RespondError("invalid_params", "unknown state: "+p.State)
			return
		}
		filter.State = st
	}
	if p.Since != "" {
		since, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			rc.RespondError("invalid_params", "since must be RFC 3339")
			return
		}
		filter.Since = since
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	filter.Limit = min(filter.Limit, maxListLimit)
	if filter.BusinessID == "" && len(rc.Client.Businesses) == 1 {
		filter.BusinessID = rc.Client.Businesses[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	sessions, err := s.sessions.ListSessions(ctx, filter)
	if err != nil {
		s.log.Error().Err(err).Msg("listing calls")
		rc.RespondError("internal", "listing calls failed")
		return
	}

	visible := make([]domain.CallSession, 0, len(sessions))
	for _, sess := range sessions {
		if rc.Client.Wants(sess.BusinessID) {
			visible = append(visible, sess)
		}
	}
	rc.Respond(map[string]any{"calls": visible})
}

type callsGetParams struct {
	CallID string `json:"callId"`
}

// CallDetail is the calls.get response.
type CallDetail struct {
	Session     *domain.CallSession           `json:"session"`
	Turns       []domain.ConversationTurn     `json:"turns"`
	Transaction *domain.ExtractedTransaction `json:"transaction,omitempty"`
}

func (s *Server) rpcCallsGet(rc *RequestContext) {
	var p callsGetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.CallID == "" {
		rc.RespondError("invalid_params", "callId is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	sess, err := s.sessions.GetSession(ctx, p.CallID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !rc.Client.Wants(sess.BusinessID)) {
		rc.RespondError("not_found", "call not found: "+p.CallID)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("callSid", p.CallID).Msg("loading call")
		rc.RespondError("internal", "loading call failed")
		return
	}

	detail := CallDetail{Session: sess}
	if detail.Turns, err = s.sessions.ListTurns(ctx, p.CallID); err != nil {
		rc.RespondError("internal", "loading transcript failed")
		return
	}
	tx, err := s.sessions.GetTransaction(ctx, p.CallID)
	switch {
	case err == nil:
		detail.Transaction = tx
	case !errors.Is(err, domain.ErrNotFound):
		rc.RespondError("internal", "loading transaction failed")
		return
	}
	rc.Respond(detail)
}

type callsStatsParams struct {
	Business string `json:"business,omitempty"`
	Since    string `json:"since,omitempty"` // RFC 3339
}

func (s *Server) rpcCallsStats(rc *RequestContext) {
	var p callsStatsParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	filter := store.SessionFilter{BusinessID: p.Business}
	if p.Since != "" {
		since, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			rc.RespondError("invalid_params", "since must be RFC 3339")
			return
		}
		filter.Since = since
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	visible := func(sess *domain.CallSession) bool { return rc.Client.Wants(sess.BusinessID) }
	stats, err := store.CollectStats(ctx, s.sessions, filter, visible, time.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("collecting call stats")
		rc.RespondError("internal", "collecting stats failed")
		return
	}
	rc.Respond(stats)
}

func (s *Server) rpcBusinessesList(rc *RequestContext) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	list, err := s.businesses.List(ctx)
	if err != nil {
		rc.RespondError("internal", "listing businesses failed")
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, b := range list {
		if !rc.Client.Wants(b.BusinessID) {
			continue
		}
		out = append(out, map[string]any{
			"id":       b.BusinessID,
			"name":     b.Name,
			"phone":    b.PhoneNumber,
			"category": b.Category,
			"active":   b.Active,
		})
	}
	rc.Respond(map[string]any{"businesses": out})
}
