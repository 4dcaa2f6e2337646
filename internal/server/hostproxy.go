package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/iblai/iblai-web-mentor/internal/hostenv"
	"github.com/iblai/iblai-web-mentor/internal/store"
	"github.com/iblai/iblai-web-mentor/pkg/protocol"
)

// HostProxy implements the broker's host capabilities over the host page
// connection. Reads are served from the page state the host mirrors in;
// writes become host commands. Popup windows resolve against the registry
// of connected popup sockets.
type HostProxy struct {
	store  store.Store
	logger *slog.Logger

	mu     sync.Mutex
	host   *wsConn
	state  protocol.PageState
	popups map[string]*wsConn
}

// NewHostProxy creates a HostProxy. The store backs the persistent KV
// capability so popup state survives broker restarts.
func NewHostProxy(st store.Store, logger *slog.Logger) *HostProxy {
	return &HostProxy{
		store:  st,
		logger: logger.With("component", "hostproxy"),
		popups: make(map[string]*wsConn),
	}
}

// Env returns the capability bundle backed by this proxy.
func (p *HostProxy) Env() *hostenv.Env {
	return &hostenv.Env{
		Cookies: (*proxyCookies)(p),
		Local:   &storeStorage{store: p.store, logger: p.logger},
		Page:    (*proxyPage)(p),
		Chrome:  (*proxyChrome)(p),
		Windows: (*proxyWindows)(p),
	}
}

// AttachHost binds the host connection. A newer connection replaces an
// older one.
func (p *HostProxy) AttachHost(c *wsConn) {
	p.mu.Lock()
	p.host = c
	p.mu.Unlock()
}

// DetachHost unbinds the host connection if it is still the current one.
func (p *HostProxy) DetachHost(c *wsConn) {
	p.mu.Lock()
	if p.host == c {
		p.host = nil
	}
	p.mu.Unlock()
}

// HostConnected reports whether a host page is attached.
func (p *HostProxy) HostConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.host != nil
}

// UpdatePageState replaces the mirrored page state.
func (p *HostProxy) UpdatePageState(state protocol.PageState) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

// AttachPopup registers a popup socket under its window name.
func (p *HostProxy) AttachPopup(name string, c *wsConn) {
	p.mu.Lock()
	p.popups[name] = c
	p.mu.Unlock()
}

// DetachPopup removes a popup socket if it is still the registered one.
func (p *HostProxy) DetachPopup(name string, c *wsConn) {
	p.mu.Lock()
	if p.popups[name] == c {
		delete(p.popups, name)
	}
	p.mu.Unlock()
}

func (p *HostProxy) popupConn(name string) *wsConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.popups[name]
}

// command sends a host command, dropping it with a log line when no host
// is attached.
func (p *HostProxy) command(typ string, payload any) error {
	p.mu.Lock()
	host := p.host
	p.mu.Unlock()
	if host == nil {
		p.logger.Debug("host command dropped, no host attached", "type", typ)
		return errors.New("no host attached")
	}
	return host.sendJSON(protocol.HostCommand{Type: typ, Payload: payload})
}

func (p *HostProxy) pageState() protocol.PageState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// --- capability implementations ---

type proxyCookies HostProxy

func (c *proxyCookies) Get(name string) (string, bool) {
	state := (*HostProxy)(c).pageState()
	v, ok := state.Cookies[name]
	return v, ok
}

func (c *proxyCookies) Set(name, value string, maxAge time.Duration) error {
	p := (*HostProxy)(c)
	// Keep the mirror coherent until the host reports fresh state.
	p.mu.Lock()
	if p.state.Cookies == nil {
		p.state.Cookies = make(map[string]string)
	}
	p.state.Cookies[name] = value
	p.mu.Unlock()
	return p.command(protocol.TypeHostSetCookie, protocol.SetCookieCommand{
		Name: name, Value: value, MaxAge: int(maxAge.Seconds()),
	})
}

func (c *proxyCookies) Delete(name string) error {
	p := (*HostProxy)(c)
	p.mu.Lock()
	delete(p.state.Cookies, name)
	p.mu.Unlock()
	return p.command(protocol.TypeHostSetCookie, protocol.SetCookieCommand{Name: name, MaxAge: -1})
}

// storeStorage serves the Storage capability from the persistent store, so
// popup names survive broker restarts the way browser localStorage would.
type storeStorage struct {
	store  store.Store
	logger *slog.Logger
}

func (s *storeStorage) Get(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("storage read failed", "key", key, "error", err)
		}
		return "", false
	}
	return v, true
}

func (s *storeStorage) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.store.Put(ctx, key, value)
}

func (s *storeStorage) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.store.Delete(ctx, key)
}

type proxyPage HostProxy

func (pg *proxyPage) URL() string    { return (*HostProxy)(pg).pageState().URL }
func (pg *proxyPage) Title() string  { return (*HostProxy)(pg).pageState().Title }
func (pg *proxyPage) HTML() string   { return (*HostProxy)(pg).pageState().HTML }
func (pg *proxyPage) Embedded() bool { return (*HostProxy)(pg).pageState().Embedded }

func (pg *proxyPage) QueryParam(name string) (string, bool) {
	u, err := url.Parse((*HostProxy)(pg).pageState().URL)
	if err != nil {
		return "", false
	}
	q := u.Query()
	if !q.Has(name) {
		return "", false
	}
	return q.Get(name), true
}

func (pg *proxyPage) Navigate(target string) error {
	return (*HostProxy)(pg).command(protocol.TypeHostNavigate, map[string]string{"url": target})
}

func (pg *proxyPage) ReplaceURL(target string) error {
	p := (*HostProxy)(pg)
	p.mu.Lock()
	p.state.URL = target
	p.mu.Unlock()
	return p.command(protocol.TypeHostReplaceURL, map[string]string{"url": target})
}

type proxyChrome HostProxy

func (c *proxyChrome) SetHeight(px int) {
	_ = (*HostProxy)(c).command(protocol.TypeHostSetHeight, map[string]int{"height": px})
}

func (c *proxyChrome) ShowSpinner(on bool) {
	_ = (*HostProxy)(c).command(protocol.TypeHostShowSpinner, map[string]bool{"on": on})
}

func (c *proxyChrome) ShowRefreshNotice() {
	_ = (*HostProxy)(c).command(protocol.TypeHostShowRefreshNotice, nil)
}

func (c *proxyChrome) ShowOverlay(text string) {
	_ = (*HostProxy)(c).command(protocol.TypeHostShowOverlay, map[string]string{"text": text})
}

func (c *proxyChrome) HideOverlay() {
	_ = (*HostProxy)(c).command(protocol.TypeHostHideOverlay, nil)
}

func (c *proxyChrome) SetAudioStatus(state hostenv.AudioState) {
	_ = (*HostProxy)(c).command(protocol.TypeHostAudioStatus, state)
}

func (c *proxyChrome) Focus() {
	_ = (*HostProxy)(c).command(protocol.TypeHostFocus, nil)
}

type proxyWindows HostProxy

// Open asks the host to open the named window. The handle resolves
// liveness against the popup socket registry, so it becomes live once the
// popup connects back.
func (ws *proxyWindows) Open(target, name string, width, height int) (hostenv.Window, error) {
	p := (*HostProxy)(ws)
	err := p.command(protocol.TypeHostOpenWindow, protocol.OpenWindowCommand{
		URL: target, Name: name, Width: width, Height: height,
	})
	if err != nil {
		return nil, fmt.Errorf("open window: %w", err)
	}
	return &proxyWindow{name: name, proxy: p}, nil
}

func (ws *proxyWindows) Lookup(name string) (hostenv.Window, bool) {
	p := (*HostProxy)(ws)
	if p.popupConn(name) == nil {
		return nil, false
	}
	return &proxyWindow{name: name, proxy: p}, true
}

// proxyWindow is a handle to a popup resolved through the socket registry.
type proxyWindow struct {
	name  string
	proxy *HostProxy
}

func (w *proxyWindow) Name() string { return w.name }

func (w *proxyWindow) Closed() bool {
	return w.proxy.popupConn(w.name) == nil
}

func (w *proxyWindow) Post(msg []byte) error {
	c := w.proxy.popupConn(w.name)
	if c == nil {
		return fmt.Errorf("popup %q not connected", w.name)
	}
	return c.sendRaw(msg)
}

func (w *proxyWindow) Focus() error {
	c := w.proxy.popupConn(w.name)
	if c == nil {
		return fmt.Errorf("popup %q not connected", w.name)
	}
	return c.sendJSON(protocol.HostCommand{Type: protocol.TypeHostFocus})
}

func (w *proxyWindow) Close() error {
	c := w.proxy.popupConn(w.name)
	if c == nil {
		return nil
	}
	return c.sendJSON(protocol.HostCommand{Type: protocol.TypeHostCloseWindow})
}
