package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/iblai/iblai-web-mentor/internal/broker"
	"github.com/iblai/iblai-web-mentor/internal/config"
	"github.com/iblai/iblai-web-mentor/internal/contextrelay"
	"github.com/iblai/iblai-web-mentor/internal/eventbus"
	"github.com/iblai/iblai-web-mentor/internal/identity"
	"github.com/iblai/iblai-web-mentor/internal/popup"
	"github.com/iblai/iblai-web-mentor/internal/server"
	"github.com/iblai/iblai-web-mentor/internal/store"
)

// stack is the fully wired broker and its supporting pieces.
type stack struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *eventbus.Bus
	store  store.Store
	broker *broker.Broker
	relay  *contextrelay.Relay
	popups *popup.Coordinator
	server *server.Server
}

// buildStack loads the config and wires every component. When mirrorLogs
// is set, log records are also published on the bus for the monitor.
func buildStack(configPath string, mirrorLogs bool) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logLevel := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}

	bus := eventbus.New()
	if mirrorLogs {
		handler = eventbus.NewSlogHandler(handler, bus)
	}
	logger := slog.New(handler)

	st, err := store.New(cfg.Storage)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	idc, err := identity.NewClient(cfg.Widget.APIURL, cfg.Auth.RequestTimeout.Duration, logger)
	if err != nil {
		st.Close()
		bus.Close()
		return nil, err
	}

	proxy := server.NewHostProxy(st, logger)
	env := proxy.Env()

	popups := popup.New(env, cfg.Popup.Width, cfg.Popup.Height, bus, logger)

	// Context awareness is opt-in; without it the relay never runs.
	var b *broker.Broker
	var relay *contextrelay.Relay
	if cfg.Widget.ContextAware {
		sanitizer := contextrelay.NewSanitizer(cfg.Relay.ExtraDenylist, cfg.Relay.MaxContentBytes)
		relay = contextrelay.New(env, sanitizer,
			func(v any) error { return b.SendToMentor(v) },
			cfg.Relay.Interval.Duration, cfg.Widget.ContextWhitelist, bus, logger)
	}

	var verifier broker.TokenVerifier
	if cfg.Auth.Issuer != "" {
		v, err := identity.NewVerifier(cfg.Auth.Issuer)
		if err != nil {
			st.Close()
			bus.Close()
			return nil, fmt.Errorf("jwks verifier: %w", err)
		}
		verifier = v
	}

	b = broker.New(cfg, env, idc, verifier, st, relay, popups, bus, logger)
	srv := server.NewServer(cfg, b, proxy, st, bus, logger)

	return &stack{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		store:  st,
		broker: b,
		relay:  relay,
		popups: popups,
		server: srv,
	}, nil
}

func (s *stack) close() {
	s.broker.Close()
	s.bus.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", "error", err)
	}
}
