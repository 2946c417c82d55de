package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"

	"github.com/soyeahso/calldesk/internal/call"
	"github.com/soyeahso/calldesk/internal/config"
	"github.com/soyeahso/calldesk/internal/domain"
)

// Voice webhook paths.
const (
	pathAnswer  = "/voice/answer"
	pathProcess = "/voice/process"
	pathStatus  = "/voice/status"
)

// Controller is the call lifecycle the voice webhooks drive.
type Controller interface {
	Begin(ctx context.Context, req call.BeginRequest) (call.Reply, error)
	Utterance(ctx context.Context, req call.UtteranceRequest) (call.Reply, error)
	End(ctx context.Context, req call.EndRequest) error
}

// terminalStatuses are the provider call statuses that end a call.
var terminalStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}

var apology = call.Reply{Text: call.ErrorText, Voice: domain.DefaultVoice, Hangup: true}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	callID := r.PostFormValue("CallSid")
	if callID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}
	to := r.PostFormValue("To")
	if to == "" {
		to = r.PostFormValue("Called")
	}

	reply, err := s.calls.Begin(r.Context(), call.BeginRequest{
		CallID: callID,
		From:   r.PostFormValue("From"),
		To:     to,
	})
	if err != nil {
		s.log.Error().Err(err).Str("callSid", callID).Msg("answering call")
		reply = apology
	}
	s.writeTwiML(w, callID, reply)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	callID := r.PostFormValue("CallSid")
	if callID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}
	confidence, _ := strconv.ParseFloat(r.PostFormValue("Confidence"), 64)

	reply, err := s.calls.Utterance(r.Context(), call.UtteranceRequest{
		CallID:       callID,
		SpeechResult: r.PostFormValue("SpeechResult"),
		Confidence:   confidence,
	})
	if err != nil {
		s.log.Error().Err(err).Str("callSid", callID).Msg("processing utterance")
		reply = apology
	}
	s.writeTwiML(w, callID, reply)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	callID := r.PostFormValue("CallSid")
	status := strings.ToLower(r.PostFormValue("CallStatus"))
	if callID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	if terminalStatuses[status] {
		duration, _ := strconv.Atoi(r.PostFormValue("CallDuration"))
		err := s.calls.End(r.Context(), call.EndRequest{
			CallID:          callID,
			DurationSeconds: duration,
			Status:          status,
		})
		if err != nil {
			s.log.Error().Err(err).Str("callSid", callID).Msg("ending call")
		}
	} else {
		s.log.Debug().Str("callSid", callID).Str("status", status).Msg("call status")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeTwiML(w http.ResponseWriter, callID string, reply call.Reply) {
	doc, err := renderTwiML(reply, s.cfg.Twilio)
	if err != nil {
		s.log.Error().Err(err).Str("callSid", callID).Msg("rendering TwiML")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Write([]byte(doc))
}

// renderTwiML speaks reply. Unless the reply hangs up, the speech is
// wrapped in a Gather that posts to the process webhook; a Gather that
// hears nothing falls through to a Redirect, which arrives as silence.
func renderTwiML(reply call.Reply, cfg config.TwilioConfig) (string, error) {
	voice := reply.Voice
	if voice == "" {
		voice = domain.DefaultVoice
	}
	say := &twiml.VoiceSay{Message: reply.Text, Voice: voice}

	if reply.Hangup {
		return twiml.Voice([]twiml.Element{say, &twiml.VoiceHangup{}})
	}

	timeout := cfg.GatherTimeout
	if timeout <= 0 {
		timeout = 5
	}
	language := cfg.Language
	if language == "" {
		language = "en-US"
	}
	gather := &twiml.VoiceGather{
		Input:         "speech",
		Action:        pathProcess,
		Method:        http.MethodPost,
		Timeout:       strconv.Itoa(timeout),
		SpeechTimeout: "auto",
		Language:      language,
		InnerElements: []twiml.Element{say},
	}
	redirect := &twiml.VoiceRedirect{Url: pathProcess, Method: http.MethodPost}
	return twiml.Voice([]twiml.Element{gather, redirect})
}

// signatureMiddleware rejects webhooks whose X-Twilio-Signature does not
// match. A nil validator disables the check.
func (s *Server) signatureMiddleware(next http.Handler) http.Handler {
	if s.validator == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		url := s.webhookURL(r)
		if !s.validator.Validate(url, params, r.Header.Get("X-Twilio-Signature")) {
			s.log.Warn().
				Str("url", url).
				Str("remote", r.RemoteAddr).
				Str("callSid", params["CallSid"]).
				Msg("invalid webhook signature")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// webhookURL is the URL the provider signed: the configured public base
// plus the request path and query.
func (s *Server) webhookURL(r *http.Request) string {
	base := strings.TrimSuffix(s.cfg.Server.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		}
		base = scheme + "://" + r.Host
	}
	return base + r.URL.RequestURI()
}

func newValidator(cfg config.TwilioConfig) *client.RequestValidator {
	if !cfg.ValidateSignature || cfg.AuthToken == "" {
		return nil
	}
	v := client.NewRequestValidator(cfg.AuthToken)
	return &v
}
