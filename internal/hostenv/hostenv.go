// Package hostenv defines the capabilities the broker needs from its host
// environment: cookies, persistent storage, the current page, widget chrome,
// and secondary windows.
//
// Production wires these to a connected host page over WebSocket; tests use
// the in-memory implementation. Broker logic never touches a browser API
// directly.
package hostenv

import "time"

// Cookies reads and writes cookies on the host document.
type Cookies interface {
	Get(name string) (string, bool)
	Set(name, value string, maxAge time.Duration) error
	Delete(name string) error
}

// Storage is a persistent string KV scoped to the host origin.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// Page exposes the host page the widget is embedded in.
type Page interface {
	URL() string
	Title() string
	// HTML returns the current serialized document.
	HTML() string
	// QueryParam reads a query parameter from the current URL.
	QueryParam(name string) (string, bool)
	// Embedded reports whether the host page is itself inside an iframe.
	Embedded() bool
	// Navigate performs a full navigation to url.
	Navigate(url string) error
	// ReplaceURL swaps the address bar URL without navigating.
	ReplaceURL(url string) error
}

// AudioState is the mute/speaking indicator set for the local user and the
// mentor, shown on the screen-share overlay.
type AudioState struct {
	LocalMuted     bool `json:"localMuted"`
	LocalSpeaking  bool `json:"localSpeaking"`
	MentorMuted    bool `json:"mentorMuted"`
	MentorSpeaking bool `json:"mentorSpeaking"`
}

// Chrome controls the widget's visual shell on the host page.
type Chrome interface {
	SetHeight(px int)
	ShowSpinner(on bool)
	// ShowRefreshNotice tells the user to re-authenticate via the host.
	ShowRefreshNotice()
	ShowOverlay(text string)
	HideOverlay()
	// SetAudioStatus updates the overlay's mute/speaking indicators.
	SetAudioStatus(state AudioState)
	// Focus brings the host tab to the foreground.
	Focus()
}

// Window is a handle to one secondary browser window.
type Window interface {
	Name() string
	Closed() bool
	Post(msg []byte) error
	Focus() error
	Close() error
}

// Windows opens and looks up secondary windows.
type Windows interface {
	Open(url, name string, width, height int) (Window, error)
	// Lookup finds a live window by name without creating one.
	Lookup(name string) (Window, bool)
}

// Env bundles the host capabilities handed to the broker.
type Env struct {
	Cookies Cookies
	Local   Storage
	Page    Page
	Chrome  Chrome
	Windows Windows

	// Now supplies the clock; nil means time.Now.
	Now func() time.Time
}

// Clock returns the current time via Now, defaulting to time.Now.
func (e *Env) Clock() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
