package contextrelay

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iblai/iblai-web-mentor/internal/eventbus"
	"github.com/iblai/iblai-web-mentor/internal/hostenv"
	"github.com/iblai/iblai-web-mentor/pkg/protocol"
)

// SendFunc delivers one outbound message to the mentor application.
type SendFunc func(v any) error

// Relay polls the host page, merges in whitelisted nested-frame fragments,
// and pushes a context update whenever the combined snapshot changes.
type Relay struct {
	env       *hostenv.Env
	sanitizer *Sanitizer
	send      SendFunc
	interval  time.Duration
	whitelist map[string]bool
	bus       *eventbus.Bus
	logger    *slog.Logger

	mu        sync.Mutex
	fragments map[string]string // origin → sanitized fragment
	lastSent  string
}

// New creates a Relay. whitelist lists the nested-frame origins whose
// fragments are accepted; all other origins are dropped.
func New(env *hostenv.Env, sanitizer *Sanitizer, send SendFunc, interval time.Duration,
	whitelist []string, bus *eventbus.Bus, logger *slog.Logger) *Relay {
	wl := make(map[string]bool, len(whitelist))
	for _, o := range whitelist {
		wl[o] = true
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		env:       env,
		sanitizer: sanitizer,
		send:      send,
		interval:  interval,
		whitelist: wl,
		bus:       bus,
		logger:    logger.With("component", "contextrelay"),
		fragments: make(map[string]string),
	}
}

// Run polls until ctx is cancelled. The ticker is released on return; no
// timer survives the relay.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick takes one snapshot and pushes it if it differs from the last one
// sent. It is exposed for tests and for forced pushes after navigation.
func (r *Relay) Tick() {
	content, err := r.snapshot()
	if err != nil {
		r.logger.Warn("snapshot failed", "error", err)
		return
	}

	r.mu.Lock()
	changed := content != r.lastSent
	if changed {
		r.lastSent = content
	}
	r.mu.Unlock()
	if !changed {
		return
	}

	update := protocol.NewContextUpdate(r.env.Page.Title(), r.env.Page.URL(), content)
	if err := r.send(update); err != nil {
		r.logger.Warn("push failed", "error", err)
		// Resend on the next tick.
		r.mu.Lock()
		r.lastSent = ""
		r.mu.Unlock()
		return
	}
	r.bus.PublishType(eventbus.ContextPushed, map[string]any{"bytes": len(content)})
}

// AddFragment records a context fragment reported by a nested frame. The
// fragment replaces any earlier one from the same origin and is dropped
// when the origin is not whitelisted.
func (r *Relay) AddFragment(origin, rawHTML string) {
	if !r.whitelist[origin] {
		r.logger.Debug("fragment from unlisted origin dropped", "origin", origin)
		return
	}
	clean, err := r.sanitizer.Sanitize(rawHTML)
	if err != nil {
		r.logger.Warn("fragment sanitize failed", "origin", origin, "error", err)
		return
	}
	r.mu.Lock()
	r.fragments[origin] = clean
	r.mu.Unlock()
}

// Reset clears cached fragments and the change detector, forcing the next
// tick to push. Called after a page navigation.
func (r *Relay) Reset() {
	r.mu.Lock()
	r.fragments = make(map[string]string)
	r.lastSent = ""
	r.mu.Unlock()
}

// snapshot sanitizes the current page and appends fragments in stable
// origin order.
func (r *Relay) snapshot() (string, error) {
	page, err := r.sanitizer.Sanitize(r.env.Page.HTML())
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	origins := make([]string, 0, len(r.fragments))
	for o := range r.fragments {
		origins = append(origins, o)
	}
	sort.Strings(origins)
	parts := make([]string, 0, len(origins)+1)
	parts = append(parts, page)
	for _, o := range origins {
		parts = append(parts, r.fragments[o])
	}
	r.mu.Unlock()

	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}
