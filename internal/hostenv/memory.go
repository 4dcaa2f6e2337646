package hostenv

import (
	"fmt"
	"net/url"
	"sync"
	"time"
)

// Memory is an in-process Env. It backs tests and the monitor's detached
// mode, and records chrome calls so assertions can observe them.
type Memory struct {
	MemCookies *MemCookies
	MemLocal   *MemKV
	MemPage    *MemPage
	MemChrome  *MemChrome
	MemWindows *MemWindows
}

// NewMemory creates a Memory with empty state.
func NewMemory() *Memory {
	return &Memory{
		MemCookies: &MemCookies{MemKV: NewMemKV()},
		MemLocal:   NewMemKV(),
		MemPage:    &MemPage{},
		MemChrome:  &MemChrome{},
		MemWindows: NewMemWindows(),
	}
}

// Env returns the capability bundle backed by this Memory.
func (m *Memory) Env() *Env {
	return &Env{
		Cookies: m.MemCookies,
		Local:   m.MemLocal,
		Page:    m.MemPage,
		Chrome:  m.MemChrome,
		Windows: m.MemWindows,
	}
}

// MemKV is a thread-safe string map implementing Cookies and Storage.
type MemKV struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemKV() *MemKV {
	return &MemKV{m: make(map[string]string)}
}

func (kv *MemKV) Get(key string) (string, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.m[key]
	return v, ok
}

func (kv *MemKV) Set(key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.m[key] = value
	return nil
}

func (kv *MemKV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.m, key)
	return nil
}

var _ Storage = (*MemKV)(nil)

// MemCookies wraps MemKV with the cookie signature. Expiry is not
// simulated.
type MemCookies struct {
	*MemKV
}

func (c *MemCookies) Set(name, value string, _ time.Duration) error {
	return c.MemKV.Set(name, value)
}

var _ Cookies = (*MemCookies)(nil)

// MemPage is a settable Page.
type MemPage struct {
	mu         sync.Mutex
	PageURL    string
	PageTitle  string
	PageHTML   string
	IsEmbedded bool

	Navigations []string
	Replaced    []string
}

func (p *MemPage) SetPage(url, title, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PageURL, p.PageTitle, p.PageHTML = url, title, html
}

func (p *MemPage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PageURL
}

func (p *MemPage) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PageTitle
}

func (p *MemPage) HTML() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PageHTML
}

func (p *MemPage) Embedded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.IsEmbedded
}

func (p *MemPage) QueryParam(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, err := url.Parse(p.PageURL)
	if err != nil {
		return "", false
	}
	vals := u.Query()
	if !vals.Has(name) {
		return "", false
	}
	return vals.Get(name), true
}

func (p *MemPage) Navigate(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Navigations = append(p.Navigations, url)
	p.PageURL = url
	return nil
}

func (p *MemPage) ReplaceURL(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Replaced = append(p.Replaced, url)
	p.PageURL = url
	return nil
}

// MemChrome records chrome calls.
type MemChrome struct {
	mu             sync.Mutex
	Height         int
	Spinner        bool
	RefreshNotices int
	Overlay        string
	OverlayShown   bool
	Audio          AudioState
	Focused        int
}

func (c *MemChrome) SetHeight(px int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Height = px
}

func (c *MemChrome) ShowSpinner(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Spinner = on
}

func (c *MemChrome) ShowRefreshNotice() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RefreshNotices++
}

func (c *MemChrome) ShowOverlay(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Overlay = text
	c.OverlayShown = true
}

func (c *MemChrome) HideOverlay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OverlayShown = false
}

func (c *MemChrome) SetAudioStatus(state AudioState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Audio = state
}

func (c *MemChrome) Focus() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Focused++
}

// State returns a copy of the recorded chrome state.
func (c *MemChrome) State() MemChrome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return MemChrome{
		Height:         c.Height,
		Spinner:        c.Spinner,
		RefreshNotices: c.RefreshNotices,
		Overlay:        c.Overlay,
		OverlayShown:   c.OverlayShown,
		Audio:          c.Audio,
		Focused:        c.Focused,
	}
}

// MemWindow is an in-memory secondary window.
type MemWindow struct {
	mu     sync.Mutex
	name   string
	url    string
	closed bool

	Posted  [][]byte
	Focused int
}

func (w *MemWindow) Name() string { return w.name }

func (w *MemWindow) URL() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.url
}

func (w *MemWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *MemWindow) Post(msg []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("window %q is closed", w.name)
	}
	w.Posted = append(w.Posted, msg)
	return nil
}

func (w *MemWindow) Focus() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("window %q is closed", w.name)
	}
	w.Focused++
	return nil
}

func (w *MemWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// MemWindows tracks opened windows by name.
type MemWindows struct {
	mu      sync.Mutex
	windows map[string]*MemWindow

	Opens int
}

func NewMemWindows() *MemWindows {
	return &MemWindows{windows: make(map[string]*MemWindow)}
}

func (ws *MemWindows) Open(url, name string, width, height int) (Window, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.Opens++
	w := &MemWindow{name: name, url: url}
	ws.windows[name] = w
	return w, nil
}

func (ws *MemWindows) Lookup(name string) (Window, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w, ok := ws.windows[name]
	if !ok || w.Closed() {
		return nil, false
	}
	return w, true
}

// Preopen registers a live window without counting it as an Open call.
func (ws *MemWindows) Preopen(name string) *MemWindow {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w := &MemWindow{name: name}
	ws.windows[name] = w
	return w
}
