// Package popup coordinates the screen-share popup window: one live popup
// at a time, reused across widget reloads via a persisted window name.
package popup

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/iblai/iblai-web-mentor/internal/eventbus"
	"github.com/iblai/iblai-web-mentor/internal/hostenv"
)

// Storage keys for state that must survive a widget reload.
const (
	keyWindowName    = "mentor.popup.name"
	keySharingActive = "mentor.screenshare.active"
)

// Coordinator owns the screen-share popup lifecycle.
type Coordinator struct {
	env    *hostenv.Env
	width  int
	height int
	bus    *eventbus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	current hostenv.Window
	audio   hostenv.AudioState
}

// New creates a Coordinator.
func New(env *hostenv.Env, width, height int, bus *eventbus.Bus, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		env:    env,
		width:  width,
		height: height,
		bus:    bus,
		logger: logger.With("component", "popup"),
	}
}

// Open focuses the existing popup if one is still alive, otherwise opens a
// fresh one under a new name. The name is persisted so a reloaded widget
// can find the window again. Existence is checked by name lookup; no blank
// window is ever opened just to probe.
func (c *Coordinator) Open(url string) (hostenv.Window, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.lookupLocked(); ok {
		if err := w.Focus(); err == nil {
			c.current = w
			c.bus.PublishType(eventbus.PopupReused, map[string]any{"name": w.Name()})
			return w, true, nil
		}
		// Focus failing means the handle went stale between lookup and use.
		c.logger.Debug("stale popup handle", "name", w.Name())
	}

	name := "mentor-popup-" + uuid.New().String()
	w, err := c.env.Windows.Open(url, name, c.width, c.height)
	if err != nil {
		return nil, false, err
	}
	if err := c.env.Local.Set(keyWindowName, name); err != nil {
		c.logger.Warn("persist popup name failed", "error", err)
	}
	c.current = w
	c.bus.PublishType(eventbus.PopupOpened, map[string]any{"name": name})
	return w, false, nil
}

// Current returns the live popup, if any.
func (c *Coordinator) Current() (hostenv.Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked()
}

func (c *Coordinator) lookupLocked() (hostenv.Window, bool) {
	if c.current != nil && !c.current.Closed() {
		return c.current, true
	}
	c.current = nil
	name, ok := c.env.Local.Get(keyWindowName)
	if !ok || name == "" {
		return nil, false
	}
	w, ok := c.env.Windows.Lookup(name)
	if !ok {
		return nil, false
	}
	c.current = w
	return w, true
}

// Restore reconciles persisted state on startup. A sharing flag left behind
// by a session whose popup died is cleared; a flag with a live popup
// re-shows the overlay.
func (c *Coordinator) Restore() {
	active, _ := c.env.Local.Get(keySharingActive)
	if active != "true" {
		return
	}
	if _, ok := c.Current(); !ok {
		c.logger.Info("clearing stale sharing flag")
		_ = c.env.Local.Delete(keySharingActive)
		return
	}
	c.env.Chrome.ShowOverlay("Screen sharing in progress")
}

// SharingStarted marks sharing active and shows the host overlay.
func (c *Coordinator) SharingStarted() {
	if err := c.env.Local.Set(keySharingActive, "true"); err != nil {
		c.logger.Warn("persist sharing flag failed", "error", err)
	}
	c.env.Chrome.ShowOverlay("Screen sharing in progress")
}

// SharingStopped clears the sharing flag, hides the overlay, resets the
// audio indicators, and closes the popup.
func (c *Coordinator) SharingStopped() {
	_ = c.env.Local.Delete(keySharingActive)
	c.env.Chrome.HideOverlay()

	c.mu.Lock()
	c.audio = hostenv.AudioState{}
	c.mu.Unlock()
	c.env.Chrome.SetAudioStatus(hostenv.AudioState{})

	c.mu.Lock()
	w, ok := c.lookupLocked()
	c.current = nil
	c.mu.Unlock()
	_ = c.env.Local.Delete(keyWindowName)

	if ok {
		if err := w.Close(); err != nil {
			c.logger.Warn("close popup failed", "name", w.Name(), "error", err)
		}
		c.bus.PublishType(eventbus.PopupClosed, map[string]any{"name": w.Name()})
	}
}

// SharingActive reports whether a share is marked in progress.
func (c *Coordinator) SharingActive() bool {
	v, _ := c.env.Local.Get(keySharingActive)
	return v == "true"
}

// SetLocalMuted records the local mute state optimistically: the
// indicators reflect the request immediately, before the popup confirms.
func (c *Coordinator) SetLocalMuted(muted bool) {
	c.setAudio(func(a *hostenv.AudioState) { a.LocalMuted = muted })
}

// SetLocalSpeaking records local voice activity.
func (c *Coordinator) SetLocalSpeaking(speaking bool) {
	c.setAudio(func(a *hostenv.AudioState) { a.LocalSpeaking = speaking })
}

// SetMentorMuted records the mentor's reported mute state.
func (c *Coordinator) SetMentorMuted(muted bool) {
	c.setAudio(func(a *hostenv.AudioState) { a.MentorMuted = muted })
}

// SetMentorSpeaking records the mentor's reported voice activity.
func (c *Coordinator) SetMentorSpeaking(speaking bool) {
	c.setAudio(func(a *hostenv.AudioState) { a.MentorSpeaking = speaking })
}

func (c *Coordinator) setAudio(mutate func(*hostenv.AudioState)) {
	c.mu.Lock()
	mutate(&c.audio)
	state := c.audio
	c.mu.Unlock()
	c.env.Chrome.SetAudioStatus(state)
}

// AudioStatus returns the current indicator set.
func (c *Coordinator) AudioStatus() hostenv.AudioState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio
}

// Forward posts a message to the live popup, if any.
func (c *Coordinator) Forward(msg []byte) {
	w, ok := c.Current()
	if !ok {
		return
	}
	if err := w.Post(msg); err != nil {
		c.logger.Warn("forward to popup failed", "name", w.Name(), "error", err)
	}
}
