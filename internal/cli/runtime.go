package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/soyeahso/calldesk/internal/agent"
	"github.com/soyeahso/calldesk/internal/call"
	"github.com/soyeahso/calldesk/internal/config"
	"github.com/soyeahso/calldesk/internal/extract"
	"github.com/soyeahso/calldesk/internal/hooks"
	"github.com/soyeahso/calldesk/internal/llm"
	"github.com/soyeahso/calldesk/internal/notify"
	"github.com/soyeahso/calldesk/internal/plugin"
	"github.com/soyeahso/calldesk/internal/store"
)

// stores are the opened call and business stores.
type stores struct {
	calls      store.CallStore
	businesses store.BusinessStore
	closers    []io.Closer
}

// openStores opens the configured store. memory forces the in-memory
// implementation regardless of config.
func openStores(ctx context.Context, cfg *config.Config, memory bool) (*stores, error) {
	if memory || cfg.Store.Driver == "memory" {
		log.Info().Msg("using in-memory call store")
		return &stores{
			calls:      store.NewMemoryCallStore(),
			businesses: store.NewMemoryBusinessStore(),
		}, nil
	}

	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("creating data directories: %w", err)
	}
	dbPath := paths.StorePath(cfg)
	db, err := store.Open(dbPath, log)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &stores{closers: []io.Closer{db}}

	var locker store.Locker = store.NewKeyedLocker()
	if cfg.Lock.Driver == "redis" {
		rl, err := store.NewRedisLocker(ctx, store.RedisOptions{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
			TTL:      cfg.Lock.TTLDuration(),
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		locker = rl
		s.closers = append(s.closers, rl)
		log.Info().Str("addr", cfg.Lock.RedisAddr).Msg("using redis call locks")
	}

	s.calls = store.NewSQLiteCallStore(db, locker)
	s.businesses = store.NewSQLiteBusinessStore(db)
	log.Info().Str("path", dbPath).Msg("using SQLite call store")
	return s, nil
}

// Close releases the stores in reverse order of opening.
func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

// runtime is a fully wired call pipeline.
type runtime struct {
	*stores
	hooks      *hooks.Manager
	plugins    *plugin.Registry
	controller *call.Controller
}

// newRuntime wires stores, policy, extraction and notification for cfg and
// seeds the configured businesses. Plugins are started with ctx.
func newRuntime(ctx context.Context, cfg config.Config, memory bool) (*runtime, error) {
	st, err := openStores(ctx, &cfg, memory)
	if err != nil {
		return nil, err
	}
	rt := &runtime{stores: st, hooks: hooks.NewManager(log)}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	if n, err := store.Seed(ctx, st.businesses, cfg.BusinessContexts()); err != nil {
		return nil, fmt.Errorf("seeding businesses: %w", err)
	} else if n > 0 {
		log.Info().Int("businesses", n).Msg("businesses seeded from config")
	}

	registry := llm.NewRegistryFromConfig(cfg.LLM, log)
	if providers := registry.List(); len(providers) > 0 {
		log.Info().Strs("providers", providers).Msg("LLM providers available")
	} else {
		log.Warn().Msg("no LLM providers available, callers will be escalated")
	}
	client := agent.NewFailoverClient(registry, log)

	rules, err := agent.NewRules(ctx, "")
	if err != nil {
		return nil, err
	}

	var annotator extract.Annotator
	if cfg.Conversation.Extraction != "rules" {
		annotator = extract.NewLLMAnnotator(client)
	}
	extractor := extract.NewEngine(annotator, log)

	policy := agent.NewEngine(agent.PolicyConfig{
		HistoryWindow: cfg.Conversation.HistoryWindow,
		MaxTokens:     cfg.LLM.MaxTokens,
		Temperature:   cfg.LLM.Temperature,
	}, client, rules, extractor, log)

	dispatcher, irc, err := notify.FromConfig(ctx, cfg.Notify, paths.Credentials, log)
	if err != nil {
		return nil, fmt.Errorf("building notifiers: %w", err)
	}
	log.Info().Strs("dispatchers", dispatcher.Names()).Msg("notifications configured")

	rt.plugins = plugin.NewRegistry(rt.hooks, log)
	if irc != nil {
		if err := rt.plugins.Register(irc); err != nil {
			return nil, err
		}
	}
	if err := rt.plugins.InitAll(ctx); err != nil {
		return nil, fmt.Errorf("initializing plugins: %w", err)
	}

	rt.controller = call.NewController(call.Config{
		SilenceThreshold: cfg.Conversation.SilenceThreshold,
		EventTimeout:     cfg.Conversation.EventTimeoutDuration(),
		StaleAfter:       cfg.Conversation.StaleAfterDuration(),
		NotifyTimeout:    cfg.Notify.TimeoutDuration(),
	}, call.Deps{
		Calls:      st.calls,
		Businesses: st.businesses,
		Policy:     policy,
		Extractor:  extractor,
		Dispatcher: dispatcher,
		Hooks:      rt.hooks,
	}, log)

	ok = true
	return rt, nil
}

// Close waits for pending notifications, then stops plugins and stores.
func (rt *runtime) Close() error {
	if rt.controller != nil {
		rt.controller.Wait()
	}
	if rt.plugins != nil {
		rt.plugins.CloseAll()
	}
	return rt.stores.Close()
}
