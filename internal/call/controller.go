// Package call drives one telephone call from answer to hangup. Each
// webhook is handled on its own; all state lives in the store.
package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/soyeahso/calldesk/internal/agent"
	"github.com/soyeahso/calldesk/internal/domain"
	"github.com/soyeahso/calldesk/internal/hooks"
	"github.com/soyeahso/calldesk/internal/logging"
	"github.com/soyeahso/calldesk/internal/notify"
	"github.com/soyeahso/calldesk/internal/store"
)

// Spoken lines the controller produces itself.
const (
	FallbackText   = "Thank you for calling. We're unable to take your call right now. Please try again later. Goodbye."
	LostCallText   = "I'm sorry, I lost track of our conversation. Please call back. Goodbye."
	GoodbyeText    = "Thank you for calling. Goodbye!"
	HoldText       = "One moment please."
	SilenceByeText = "I haven't heard anything, so I'll let you go. Please call back any time. Goodbye!"
	ErrorText      = "I'm sorry, there was an error. Please call back."
)

// Businesses resolves the dialled number and reloads a call's business.
type Businesses interface {
	store.BusinessResolver
	Get(ctx context.Context, businessID string) (*domain.BusinessContext, error)
}

// Policy picks replies. *agent.Engine implements it.
type Policy interface {
	Greeting(biz *domain.BusinessContext) string
	NextTurn(ctx context.Context, session *domain.CallSession, biz *domain.BusinessContext, history []domain.ConversationTurn, userInput string) (agent.Decision, error)
}

// Config tunes the controller.
type Config struct {
	SilenceThreshold int
	EventTimeout     time.Duration
	StaleAfter       time.Duration
	NotifyTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 3
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = 8 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 30 * time.Second
	}
}

// Reply is what the caller hears next. Unless Hangup is set the gateway
// listens for more speech after saying Text.
type Reply struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Hangup bool   `json:"hangup"`
}

// BeginRequest is an answered call.
type BeginRequest struct {
	CallID string
	From   string
	To     string
}

// UtteranceRequest is one transcribed caller utterance. SpeechResult is
// empty when the caller said nothing.
type UtteranceRequest struct {
	CallID       string
	SpeechResult string
	Confidence   float64
}

// EndRequest is the provider's final status for a call.
type EndRequest struct {
	CallID          string
	DurationSeconds int
	Status          string
}

// Controller runs the call lifecycle.
type Controller struct {
	cfg        Config
	calls      store.CallStore
	businesses Businesses
	policy     Policy
	extractor  agent.Extractor
	dispatcher notify.Dispatcher
	hooks      *hooks.Manager
	log        *logging.Logger
	now        func() time.Time

	begins singleflight.Group
	wg     sync.WaitGroup
}

// Deps are the collaborators of a Controller. Hooks may be nil.
type Deps struct {
	Calls      store.CallStore
	Businesses Businesses
	Policy     Policy
	Extractor  agent.Extractor
	Dispatcher notify.Dispatcher
	Hooks      *hooks.Manager
}

// NewController creates a call controller.
func NewController(cfg Config, deps Deps, log *logging.Logger) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:        cfg,
		calls:      deps.Calls,
		businesses: deps.Businesses,
		policy:     deps.Policy,
		extractor:  deps.Extractor,
		dispatcher: deps.Dispatcher,
		hooks:      deps.Hooks,
		log:        log.Sub("call"),
		now:        time.Now,
	}
}

// Wait blocks until every background finalization has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func voiceOf(biz *domain.BusinessContext) string {
	if biz == nil || biz.Voice == "" {
		return domain.DefaultVoice
	}
	return biz.Voice
}

func hangup(text string, biz *domain.BusinessContext) Reply {
	return Reply{Text: text, Voice: voiceOf(biz), Hangup: true}
}

func gather(text string, biz *domain.BusinessContext) Reply {
	return Reply{Text: text, Voice: voiceOf(biz)}
}

// Begin answers a call with the business greeting. Repeated begins for the
// same call return the greeting already spoken.
func (c *Controller) Begin(ctx context.Context, req BeginRequest) (Reply, error) {
	v, err, _ := c.begins.Do(req.CallID, func() (any, error) {
		return c.begin(ctx, req)
	})
	if err != nil {
		return Reply{}, err
	}
	return v.(Reply), nil
}

func (c *Controller) begin(ctx context.Context, req BeginRequest) (Reply, error) {
	log := c.log.ForCall(req.CallID)

	biz, err := c.businesses.Resolve(ctx, req.To)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn().Str("to", req.To).Msg("no business for dialled number")
		return hangup(FallbackText, nil), nil
	}
	if err != nil {
		return Reply{}, c.fault(ctx, req.CallID, "resolving business", err)
	}

	sess, err := c.calls.CreateSession(ctx, req.CallID, biz.BusinessID, req.From, req.To)
	if errors.Is(err, domain.ErrDuplicateSession) {
		return c.repeatGreeting(ctx, req.CallID, biz)
	}
	if err != nil {
		return Reply{}, c.fault(ctx, req.CallID, "creating session", err)
	}

	log.Info().
		Str("business", biz.BusinessID).
		Str("from", req.From).
		Msg("call started")
	c.hooks.Emit(ctx, hooks.EventCallStarted, req.CallID, map[string]any{
		"business": biz.BusinessID,
		"caller":   req.From,
		"to":       req.To,
	})

	return c.openCall(ctx, sess, biz)
}

// openCall writes the greeting turn unless it already exists and opens the
// call for input. A begin retried after failing part-way resumes here.
func (c *Controller) openCall(ctx context.Context, sess *domain.CallSession, biz *domain.BusinessContext) (Reply, error) {
	greeting := c.policy.Greeting(biz)
	if sess.TurnCount == 0 {
		if _, err := c.appendTurn(ctx, sess.CallID, "", greeting); err != nil {
			return Reply{}, c.fault(ctx, sess.CallID, "writing greeting", err)
		}
	} else if spoken, err := c.spokenGreeting(ctx, sess.CallID); err != nil {
		return Reply{}, err
	} else if spoken != "" {
		greeting = spoken
	}

	_, err := c.transition(ctx, sess, domain.StateAwaitingInput, nil)
	switch {
	case errors.Is(err, errContended):
		cur, gerr := c.calls.GetSession(ctx, sess.CallID)
		if gerr != nil || cur.State.Terminal() {
			return hangup(GoodbyeText, biz), nil
		}
	case err != nil:
		return hangup(ErrorText, biz), nil
	}
	return gather(greeting, biz), nil
}

// spokenGreeting returns the persisted turn 0, or "" if none is written.
func (c *Controller) spokenGreeting(ctx context.Context, callID string) (string, error) {
	turns, err := c.calls.ListTurns(ctx, callID)
	if err != nil {
		return "", c.fault(ctx, callID, "loading transcript", err)
	}
	if len(turns) > 0 && turns[0].Seq == 0 {
		return turns[0].AssistantResponse, nil
	}
	return "", nil
}

func (c *Controller) repeatGreeting(ctx context.Context, callID string, biz *domain.BusinessContext) (Reply, error) {
	log := c.log.ForCall(callID)

	sess, err := c.calls.GetSession(ctx, callID)
	if err != nil {
		return Reply{}, c.fault(ctx, callID, "loading session", err)
	}
	if sess.State.Terminal() {
		return hangup(GoodbyeText, biz), nil
	}
	if sess.State == domain.StateStarted {
		log.Info().Int("turns", sess.TurnCount).Msg("resuming interrupted begin")
		return c.openCall(ctx, sess, biz)
	}

	log.Debug().Msg("duplicate begin, repeating greeting")
	greeting, err := c.spokenGreeting(ctx, callID)
	if err != nil {
		return Reply{}, err
	}
	if greeting == "" {
		greeting = c.policy.Greeting(biz)
	}
	return gather(greeting, biz), nil
}

// Utterance answers one caller utterance.
func (c *Controller) Utterance(ctx context.Context, req UtteranceRequest) (Reply, error) {
	log := c.log.ForCall(req.CallID)

	sess, err := c.calls.GetSession(ctx, req.CallID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn().Msg("utterance for unknown call")
		return hangup(LostCallText, nil), nil
	}
	if err != nil {
		return Reply{}, c.fault(ctx, req.CallID, "loading session", err)
	}

	biz, err := c.businesses.Get(ctx, sess.BusinessID)
	if err != nil {
		return Reply{}, c.fault(ctx, req.CallID, "loading business", err)
	}

	if sess.State.Terminal() {
		return hangup(GoodbyeText, biz), nil
	}

	if sess.State == domain.StateProcessing {
		if !sess.Stale(c.now(), c.cfg.StaleAfter) {
			log.Debug().Msg("previous utterance still processing")
			return gather(HoldText, biz), nil
		}
		log.Warn().Time("since", sess.UpdatedAt).Msg("recovering stale session")
		if sess, err = c.transition(ctx, sess, domain.StateAwaitingInput, map[string]any{"reason": "stale"}); err != nil {
			return c.contended(ctx, req.CallID, biz, err), nil
		}
	}

	if sess, err = c.transition(ctx, sess, domain.StateProcessing, nil); err != nil {
		return c.contended(ctx, req.CallID, biz, err), nil
	}

	history, err := c.calls.ListTurns(ctx, req.CallID)
	if err != nil {
		return Reply{}, c.fault(ctx, req.CallID, "loading transcript", err)
	}

	speech := strings.TrimSpace(req.SpeechResult)
	log.Debug().
		Str("speech", speech).
		Float64("confidence", req.Confidence).
		Int("turns", len(history)).
		Msg("utterance")

	if speech == "" {
		silences := domain.TrailingSilences(history) + 1
		if silences >= c.cfg.SilenceThreshold {
			log.Info().Int("silences", silences).Msg("caller silent, abandoning call")
			if _, err := c.setState(ctx, sess, domain.StateAbandoned, map[string]any{"reason": "silence"}); err != nil {
				return hangup(ErrorText, biz), nil
			}
			c.finalize(req.CallID, biz, nil)
			return hangup(SilenceByeText, biz), nil
		}
	}

	turnCtx, cancel := context.WithTimeout(ctx, c.cfg.EventTimeout)
	decision, err := c.policy.NextTurn(turnCtx, sess, biz, history, speech)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("reply generation failed")
		c.hooks.Emit(ctx, hooks.EventAlert, req.CallID, map[string]any{"message": "reply generation failed", "error": err.Error()})
		if _, err := c.appendTurn(ctx, req.CallID, speech, ErrorText); err != nil {
			return c.afterAppendError(ctx, req.CallID, biz, err)
		}
		c.setState(ctx, sess, domain.StateEscalated, map[string]any{"reason": "generation failure"})
		c.finalize(req.CallID, biz, nil)
		return hangup(ErrorText, biz), nil
	}

	if _, err := c.appendTurn(ctx, req.CallID, speech, decision.Text); err != nil {
		return c.afterAppendError(ctx, req.CallID, biz, err)
	}

	switch decision.Signal {
	case agent.SignalEscalate:
		if decision.Emergency {
			if err := c.calls.MarkEmergency(ctx, req.CallID); err != nil {
				log.Error().Err(err).Msg("marking emergency")
			}
		}
		log.Info().Str("reason", decision.Reason).Bool("emergency", decision.Emergency).Msg("escalating call")
		c.setState(ctx, sess, domain.StateEscalated, map[string]any{
			"reason":    decision.Reason,
			"emergency": decision.Emergency,
		})
		c.finalize(req.CallID, biz, nil)
		return hangup(decision.Text, biz), nil

	case agent.SignalComplete:
		log.Info().Msg("order confirmed")
		if _, err := c.setState(ctx, sess, domain.StateCompleted, map[string]any{"reason": decision.Reason}); err != nil {
			return hangup(decision.Text, biz), nil
		}
		c.finalize(req.CallID, biz, nil)
		return hangup(decision.Text, biz), nil

	default:
		if _, err := c.setState(ctx, sess, domain.StateAwaitingInput, nil); err != nil {
			return hangup(ErrorText, biz), nil
		}
		return gather(decision.Text, biz), nil
	}
}

// afterAppendError handles a failed turn write. A session that ended
// underneath us gets a goodbye.
func (c *Controller) afterAppendError(ctx context.Context, callID string, biz *domain.BusinessContext, err error) (Reply, error) {
	if errors.Is(err, domain.ErrInvalidState) {
		c.log.ForCall(callID).Info().Msg("call ended while replying")
		return hangup(GoodbyeText, biz), nil
	}
	return Reply{}, c.fault(ctx, callID, "writing turn", err)
}

// End records the call's final status. Settling the session and delivering
// the transaction happen in the background.
func (c *Controller) End(ctx context.Context, req EndRequest) error {
	log := c.log.ForCall(req.CallID)

	if err := c.calls.FinishCall(ctx, req.CallID, req.DurationSeconds); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Debug().Str("status", req.Status).Msg("status for unknown call")
			return nil
		}
		return c.fault(ctx, req.CallID, "recording duration", err)
	}
	log.Info().Str("status", req.Status).Int("duration", req.DurationSeconds).Msg("call ended")
	c.hooks.Emit(ctx, hooks.EventCallEnded, req.CallID, map[string]any{
		"status":   req.Status,
		"duration": req.DurationSeconds,
	})

	c.background(func(ctx context.Context) {
		c.settle(ctx, req.CallID)
	})
	return nil
}

// settle moves a call that was still live when the line dropped to a
// terminal state, then finalizes it.
func (c *Controller) settle(ctx context.Context, callID string) {
	log := c.log.ForCall(callID)

	sess, err := c.calls.GetSession(ctx, callID)
	if err != nil {
		c.fault(ctx, callID, "loading session", err)
		return
	}
	biz, err := c.businesses.Get(ctx, sess.BusinessID)
	if err != nil {
		c.fault(ctx, callID, "loading business", err)
		return
	}

	var tx *domain.ExtractedTransaction
	switch sess.State {
	case domain.StateAwaitingInput, domain.StateProcessing:
		turns, err := c.calls.ListTurns(ctx, callID)
		if err != nil {
			c.fault(ctx, callID, "loading transcript", err)
			return
		}
		tx = c.extractor.Extract(ctx, turns, biz.RequiredFields)
		to := domain.StateAbandoned
		if tx.Complete {
			to = domain.StateCompleted
		}
		log.Info().Bool("complete", tx.Complete).Str("state", string(to)).Msg("settling call after hangup")
		if !c.settleState(ctx, sess, to) {
			tx = nil
		}
	case domain.StateStarted:
		c.settleState(ctx, sess, domain.StateAbandoned)
	}

	if sess, err = c.calls.GetSession(ctx, callID); err != nil || !sess.State.Terminal() {
		return
	}
	c.runFinalize(ctx, callID, biz, tx)
}

// settleState is setState for hangups. Losing the race to another event
// that already ended the call is expected and not an alert.
func (c *Controller) settleState(ctx context.Context, sess *domain.CallSession, to domain.CallState) bool {
	next, err := c.calls.SetState(ctx, sess.CallID, to)
	if err == nil {
		c.announceState(ctx, next, sess.State, map[string]any{"reason": "hangup"})
		return true
	}
	if errors.Is(err, domain.ErrIllegalTransition) {
		if cur, gerr := c.calls.GetSession(ctx, sess.CallID); gerr == nil && cur.State.Terminal() {
			c.log.ForCall(sess.CallID).Debug().Str("state", string(cur.State)).Msg("call already settled")
			return false
		}
		c.forceEscalate(ctx, sess, err)
		return false
	}
	c.fault(ctx, sess.CallID, "setting state", err)
	return false
}

// finalize extracts and delivers the transaction without blocking the
// caller.
func (c *Controller) finalize(callID string, biz *domain.BusinessContext, tx *domain.ExtractedTransaction) {
	c.background(func(ctx context.Context) {
		c.runFinalize(ctx, callID, biz, tx)
	})
}

func (c *Controller) background(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.NotifyTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// runFinalize saves the transaction once and dispatches it at most once.
func (c *Controller) runFinalize(ctx context.Context, callID string, biz *domain.BusinessContext, tx *domain.ExtractedTransaction) {
	log := c.log.ForCall(callID)

	sess, err := c.calls.GetSession(ctx, callID)
	if err != nil {
		c.fault(ctx, callID, "loading session", err)
		return
	}
	turns, err := c.calls.ListTurns(ctx, callID)
	if err != nil {
		c.fault(ctx, callID, "loading transcript", err)
		return
	}
	if tx == nil {
		tx = c.extractor.Extract(ctx, turns, biz.RequiredFields)
	}
	tx.CallID = callID
	tx.Caller = sess.CallerAddress

	if err := c.calls.SaveTransaction(ctx, tx); err != nil {
		if errors.Is(err, domain.ErrDuplicateSession) {
			log.Debug().Msg("transaction already saved")
			return
		}
		c.fault(ctx, callID, "saving transaction", err)
		return
	}
	log.Info().
		Bool("complete", tx.Complete).
		Strs("unresolved", tx.Unresolved()).
		Str("state", string(sess.State)).
		Msg("transaction extracted")
	c.hooks.Emit(ctx, hooks.EventTransactionExtracted, callID, map[string]any{
		"complete": tx.Complete,
		"state":    string(sess.State),
	})

	if !tx.Complete || c.dispatcher == nil {
		return
	}
	claimed, err := c.calls.ClaimDispatch(ctx, callID)
	if err != nil {
		c.fault(ctx, callID, "claiming dispatch", err)
		return
	}
	if !claimed {
		log.Debug().Msg("transaction already dispatched")
		return
	}

	data := map[string]any{"dispatcher": c.dispatcher.Name()}
	if err := c.dispatcher.Dispatch(ctx, biz, tx, turns); err != nil {
		log.Error().Err(err).Msg("delivering transaction")
		data["error"] = err.Error()
	}
	c.hooks.Emit(ctx, hooks.EventNotificationSent, callID, data)
}

func (c *Controller) appendTurn(ctx context.Context, callID, userInput, response string) (*domain.ConversationTurn, error) {
	turn, err := c.calls.AppendTurn(ctx, callID, userInput, response)
	if err != nil {
		return nil, err
	}
	c.hooks.Emit(ctx, hooks.EventTurnAppended, callID, map[string]any{
		"seq":       turn.Seq,
		"userInput": turn.UserInput,
		"response":  turn.AssistantResponse,
	})
	return turn, nil
}

// setState moves sess to the given state and announces the change. An
// illegal transition raises an alert and forces the call to ESCALATED.
func (c *Controller) setState(ctx context.Context, sess *domain.CallSession, to domain.CallState, data map[string]any) (*domain.CallSession, error) {
	from := sess.State
	next, err := c.calls.SetState(ctx, sess.CallID, to)
	if err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) {
			c.forceEscalate(ctx, sess, err)
		} else {
			c.fault(ctx, sess.CallID, "setting state", err)
		}
		return nil, err
	}
	c.announceState(ctx, next, from, data)
	return next, nil
}

// errContended means a concurrent event for the same call changed the
// state between our read and our write.
var errContended = errors.New("turn claimed by another event")

// transition is setState for the moves an event makes to claim a turn. The
// write only applies while the call is still in the state we read, so two
// events racing for the same turn cannot both win. The loser gets
// errContended and nothing escalates.
func (c *Controller) transition(ctx context.Context, sess *domain.CallSession, to domain.CallState, data map[string]any) (*domain.CallSession, error) {
	if !domain.CanTransition(sess.State, to) {
		return c.setState(ctx, sess, to, data)
	}
	next, err := c.calls.SetStateFrom(ctx, sess.CallID, sess.State, to)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, domain.ErrIllegalTransition) {
		return nil, errContended
	}
	if err != nil {
		return nil, c.fault(ctx, sess.CallID, "setting state", err)
	}
	c.announceState(ctx, next, sess.State, data)
	return next, nil
}

// contended answers an event whose claim on the turn failed. When another
// event owns the turn the caller holds, or hears goodbye if that event
// ended the call.
func (c *Controller) contended(ctx context.Context, callID string, biz *domain.BusinessContext, err error) Reply {
	if !errors.Is(err, errContended) {
		return hangup(ErrorText, biz)
	}
	cur, err := c.calls.GetSession(ctx, callID)
	if err != nil {
		c.fault(ctx, callID, "loading session", err)
		return hangup(ErrorText, biz)
	}
	if cur.State.Terminal() {
		return hangup(GoodbyeText, biz)
	}
	c.log.ForCall(callID).Debug().Str("state", string(cur.State)).Msg("another event is answering this turn")
	return gather(HoldText, biz)
}

func (c *Controller) forceEscalate(ctx context.Context, sess *domain.CallSession, cause error) {
	log := c.log.ForCall(sess.CallID)
	log.Error().Err(cause).Msg("illegal state transition")
	c.hooks.Emit(ctx, hooks.EventAlert, sess.CallID, map[string]any{
		"message": "illegal state transition",
		"error":   cause.Error(),
	})

	cur, err := c.calls.GetSession(ctx, sess.CallID)
	if err != nil || !domain.CanTransition(cur.State, domain.StateEscalated) {
		return
	}
	next, err := c.calls.SetState(ctx, sess.CallID, domain.StateEscalated)
	if err != nil {
		log.Error().Err(err).Msg("forcing escalation")
		return
	}
	c.announceState(ctx, next, cur.State, map[string]any{"reason": "illegal transition"})
}

func (c *Controller) announceState(ctx context.Context, sess *domain.CallSession, from domain.CallState, data map[string]any) {
	payload := map[string]any{
		"from":   string(from),
		"to":     string(sess.State),
		"caller": sess.CallerAddress,
	}
	for k, v := range data {
		payload[k] = v
	}
	c.log.ForCall(sess.CallID).Debug().
		Str("from", string(from)).
		Str("to", string(sess.State)).
		Msg("state changed")
	c.hooks.Emit(ctx, hooks.EventCallStateChanged, sess.CallID, payload)
}

// fault logs a storage or resolver failure and raises an alert.
func (c *Controller) fault(ctx context.Context, callID, what string, err error) error {
	c.log.ForCall(callID).Error().Err(err).Msg(what)
	c.hooks.Emit(ctx, hooks.EventAlert, callID, map[string]any{
		"message": what,
		"error":   err.Error(),
	})
	return fmt.Errorf("%s: %w", what, err)
}
