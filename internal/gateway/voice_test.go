package gateway

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/calldesk/internal/call"
	"github.com/soyeahso/calldesk/internal/config"
)

func postForm(t *testing.T, handler http.Handler, path string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func body(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	b, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	return string(b)
}

func TestAnswerWebhook_Gathers(t *testing.T) {
	env := newTestEnv(t)
	env.ctl.reply = call.Reply{Text: "Thank you for calling Nunzio", Voice: "Polly.Matthew-Neural"}

	rr := postForm(t, env.srv.Handler(), pathAnswer, url.Values{
		"CallSid": {"CA1"},
		"From":    {"+15551234567"},
		"To":      {"+15550100100"},
	}, nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/xml; charset=utf-8", rr.Header().Get("Content-Type"))
	doc := body(t, rr)
	assert.Contains(t, doc, "<Gather")
	assert.Contains(t, doc, `action="/voice/process"`)
	assert.Contains(t, doc, `input="speech"`)
	assert.Contains(t, doc, "Polly.Matthew-Neural")
	assert.Contains(t, doc, "Thank you for calling Nunzio")
	assert.Contains(t, doc, "<Redirect")
	assert.NotContains(t, doc, "<Hangup")

	require.Len(t, env.ctl.begins, 1)
	assert.Equal(t, call.BeginRequest{CallID: "CA1", From: "+15551234567", To: "+15550100100"}, env.ctl.begins[0])
}

func TestAnswerWebhook_CalledFallback(t *testing.T) {
	env := newTestEnv(t)
	postForm(t, env.srv.Handler(), pathAnswer, url.Values{
		"CallSid": {"CA1"},
		"Called":  {"+15550100100"},
	}, nil)
	require.Len(t, env.ctl.begins, 1)
	assert.Equal(t, "+15550100100", env.ctl.begins[0].To)
}

func TestAnswerWebhook_MissingCallSid(t *testing.T) {
	env := newTestEnv(t)
	rr := postForm(t, env.srv.Handler(), pathAnswer, url.Values{"From": {"+15551234567"}}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, env.ctl.begins)
}

func TestAnswerWebhook_HangupReply(t *testing.T) {
	env := newTestEnv(t)
	env.ctl.reply = call.Reply{Text: call.FallbackText, Hangup: true}

	rr := postForm(t, env.srv.Handler(), pathAnswer, url.Values{"CallSid": {"CA1"}}, nil)
	doc := body(t, rr)
	assert.Contains(t, doc, "<Hangup")
	assert.NotContains(t, doc, "<Gather")
	assert.Contains(t, doc, "Polly.Joanna-Neural", "empty voice falls back to the default")
}

func TestProcessWebhook(t *testing.T) {
	env := newTestEnv(t)
	env.ctl.reply = call.Reply{Text: "Got it. Anything else?"}

	rr := postForm(t, env.srv.Handler(), pathProcess, url.Values{
		"CallSid":      {"CA1"},
		"SpeechResult": {"A large pepperoni"},
		"Confidence":   {"0.92"},
	}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, env.ctl.utterances, 1)
	assert.Equal(t, "A large pepperoni", env.ctl.utterances[0].SpeechResult)
	assert.InDelta(t, 0.92, env.ctl.utterances[0].Confidence, 1e-9)
}

func TestProcessWebhook_SilenceRedirect(t *testing.T) {
	env := newTestEnv(t)
	postForm(t, env.srv.Handler(), pathProcess, url.Values{"CallSid": {"CA1"}}, nil)
	require.Len(t, env.ctl.utterances, 1)
	assert.Empty(t, env.ctl.utterances[0].SpeechResult)
}

func TestProcessWebhook_ControllerErrorApologizes(t *testing.T) {
	env := newTestEnv(t)
	env.ctl.err = errors.New("database is locked")

	rr := postForm(t, env.srv.Handler(), pathProcess, url.Values{"CallSid": {"CA1"}, "SpeechResult": {"hi"}}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	doc := body(t, rr)
	assert.Contains(t, doc, "there was an error")
	assert.Contains(t, doc, "<Hangup")
}

func TestStatusWebhook(t *testing.T) {
	tests := []struct {
		status string
		ended  bool
	}{
		{"completed", true},
		{"no-answer", true},
		{"Busy", true},
		{"ringing", false},
		{"in-progress", false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			env := newTestEnv(t)
			rr := postForm(t, env.srv.Handler(), pathStatus, url.Values{
				"CallSid":      {"CA1"},
				"CallStatus":   {tt.status},
				"CallDuration": {"42"},
			}, nil)
			assert.Equal(t, http.StatusNoContent, rr.Code)
			if !tt.ended {
				assert.Empty(t, env.ctl.ends)
				return
			}
			require.Len(t, env.ctl.ends, 1)
			assert.Equal(t, 42, env.ctl.ends[0].DurationSeconds)
			assert.Equal(t, strings.ToLower(tt.status), env.ctl.ends[0].Status)
		})
	}
}

func TestVoiceRoutes_GetFallsThrough(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, pathAnswer, nil)
	rr := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Empty(t, env.ctl.begins)
}

// twilioSignature signs a form post the way the provider does.
func twilioSignature(token, fullURL string, form url.Values) string {
	parts := make([]string, 0, len(form))
	for k, v := range form {
		parts = append(parts, k+v[0])
	}
	sort.Strings(parts)
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(fullURL + strings.Join(parts, "")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureMiddleware(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Twilio.ValidateSignature = true
		cfg.Twilio.AuthToken = "twilio-secret"
		cfg.Server.PublicURL = "https://calldesk.example.com/"
	})
	form := url.Values{"CallSid": {"CA1"}, "From": {"+15551234567"}, "To": {"+15550100100"}}

	rr := postForm(t, env.srv.Handler(), pathAnswer, form, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = postForm(t, env.srv.Handler(), pathAnswer, form, http.Header{
		"X-Twilio-Signature": {twilioSignature("wrong", "https://calldesk.example.com/voice/answer", form)},
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, env.ctl.begins)

	rr = postForm(t, env.srv.Handler(), pathAnswer, form, http.Header{
		"X-Twilio-Signature": {twilioSignature("twilio-secret", "https://calldesk.example.com/voice/answer", form)},
	})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, env.ctl.begins, 1)
}

func TestNewValidator(t *testing.T) {
	assert.Nil(t, newValidator(config.TwilioConfig{}))
	assert.Nil(t, newValidator(config.TwilioConfig{ValidateSignature: true}), "no token, nothing to check against")
	assert.Nil(t, newValidator(config.TwilioConfig{AuthToken: "x"}))
	assert.NotNil(t, newValidator(config.TwilioConfig{ValidateSignature: true, AuthToken: "x"}))
}

func TestWebhookURL(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "http://10.0.0.5:8080/voice/process?attempt=2", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://10.0.0.5:8080/voice/process?attempt=2", env.srv.webhookURL(req))

	env.srv.cfg.Server.PublicURL = "https://calldesk.example.com/"
	assert.Equal(t, "https://calldesk.example.com/voice/process?attempt=2", env.srv.webhookURL(req))
}

func TestVoiceWebhooks_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	})
	form := url.Values{"CallSid": {"CA1"}}
	assert.Equal(t, http.StatusOK, postForm(t, env.srv.Handler(), pathAnswer, form, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, postForm(t, env.srv.Handler(), pathProcess, form, nil).Code)
	assert.Len(t, env.ctl.begins, 1)
}

func TestRenderTwiML_GatherSettings(t *testing.T) {
	doc, err := renderTwiML(call.Reply{Text: "Hola"}, config.TwilioConfig{Language: "es-US", GatherTimeout: 7})
	require.NoError(t, err)
	assert.Contains(t, doc, `language="es-US"`)
	assert.Contains(t, doc, `timeout="7"`)
	assert.Contains(t, doc, `speechTimeout="auto"`)
}
