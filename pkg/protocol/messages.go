// Package protocol defines the cross-window messages exchanged between the
// host page, the embedded mentor application, and the screen-share popup.
//
// Payloads travel as JSON (an object, or a JSON-encoded string). Namespaced
// "type" strings identify actions; a handful of legacy boolean flags
// (ready, loaded, authExpired, closeEmbed, height) identify lifecycle
// messages. The flags are not mutually exclusive: a single message may carry
// several of them at once.
package protocol

import "encoding/json"

// Inbound action type strings.
const (
	TypeContext = "context"

	TypeChatActionVoiceCall   = "MENTOR:CHAT_ACTION_VOICECALL"
	TypeChatActionScreenShare = "MENTOR:CHAT_ACTION_SCREENSHARE"

	TypeScreenSharingStarted  = "MENTOR:SCREENSHARING_STARTED"
	TypeScreenSharingStopped  = "MENTOR:SCREENSHARING_STOPPED"
	TypeScreenSharingMuted    = "MENTOR:SCREENSHARING_MUTED"
	TypeScreenSharingSpeaking = "MENTOR:SCREENSHARING_SPEAKING"
	TypeMentorIsMuted         = "MENTOR:MENTOR_IS_MUTED"
	TypeMentorIsSpeaking      = "MENTOR:MENTOR_IS_SPEAKING"

	TypeFocusParent = "MENTOR:FOCUS_PARENT"
)

// Outbound message type strings.
const (
	TypeContextUpdate          = "MENTOR:CONTEXT_UPDATE"
	TypeDocumentFilter         = "MENTOR:DOCUMENTFILTER"
	TypeEnableChatActionPopups = "MENTOR:ENABLE_CHAT_ACTION_POPUPS"
	TypeEdxUserID              = "MENTOR:EDX_USER_ID"
	TypeEdxUsageID             = "MENTOR:EDX_USAGE_ID"
	TypeEdxCourseID            = "MENTOR:EDX_COURSE_ID"
	TypeOpenNewWindow          = "ACTION:OPEN_NEW_WINDOW"
)

// Host command type strings. These are sent by the broker to the host page,
// which executes them against the real DOM (navigation, cookies, chrome).
const (
	TypeHostPageState         = "HOST:PAGE_STATE"
	TypeHostNavigate          = "HOST:NAVIGATE"
	TypeHostReplaceURL        = "HOST:REPLACE_URL"
	TypeHostSetCookie         = "HOST:SET_COOKIE"
	TypeHostFocus             = "HOST:FOCUS"
	TypeHostSetHeight         = "HOST:SET_HEIGHT"
	TypeHostShowSpinner       = "HOST:SHOW_SPINNER"
	TypeHostShowRefreshNotice = "HOST:SHOW_REFRESH_NOTICE"
	TypeHostShowOverlay       = "HOST:SHOW_OVERLAY"
	TypeHostHideOverlay       = "HOST:HIDE_OVERLAY"
	TypeHostAudioStatus       = "HOST:AUDIO_STATUS"
	TypeHostOpenWindow        = "HOST:OPEN_WINDOW"
	TypeHostCloseWindow       = "HOST:CLOSE_WINDOW"
)

// AuthSnapshot is the credential snapshot the mentor app reports alongside
// the "loaded" flag. Expiry values stay as wire strings; freshness checks
// parse them lazily.
type AuthSnapshot struct {
	AccessToken   string `json:"axd_token"`
	AccessExpiry  string `json:"axd_token_expires"`
	RefreshToken  string `json:"dm_token"`
	RefreshExpiry string `json:"dm_token_expires"`
	Tenant        string `json:"tenant"`
	UserData      string `json:"userData"`
}

// Message is the decoded form of one inbound cross-window payload.
// A zero Message means "not for us": it triggers no handlers.
type Message struct {
	Ready       bool
	Loaded      bool
	AuthExpired bool
	CloseEmbed  bool
	Height      *int
	Auth        *AuthSnapshot

	Type    string
	Payload json.RawMessage
	Data    json.RawMessage

	// Origin is the sender's origin, attached by the transport (or, for
	// messages relayed by the host from a nested frame, by the host).
	Origin string
}

// Empty reports whether no recognized discriminator was present.
func (m Message) Empty() bool {
	return !m.Ready && !m.Loaded && !m.AuthExpired && !m.CloseEmbed &&
		m.Height == nil && m.Type == ""
}

// HostInfo describes the host page in a context update.
type HostInfo struct {
	Title string `json:"title"`
	Href  string `json:"href"`
}

// ContextUpdate delivers the sanitized page snapshot to the mentor app.
type ContextUpdate struct {
	Type        string   `json:"type"`
	HostInfo    HostInfo `json:"hostInfo"`
	PageContent string   `json:"pageContent"`
}

// NewContextUpdate builds a context update payload.
func NewContextUpdate(title, href, content string) ContextUpdate {
	return ContextUpdate{
		Type:        TypeContextUpdate,
		HostInfo:    HostInfo{Title: title, Href: href},
		PageContent: content,
	}
}

// DocumentFilter restricts which documents the mentor app may draw on.
type DocumentFilter struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// NewDocumentFilter builds a document filter push.
func NewDocumentFilter(filter string) DocumentFilter {
	return DocumentFilter{Type: TypeDocumentFilter, Data: filter}
}

// ThemePush tells the mentor app which theme the host selected.
type ThemePush struct {
	Theme string `json:"theme"`
}

// EnablePayload is the payload of an ENABLE_CHAT_ACTION_POPUPS push.
type EnablePayload struct {
	Enable bool `json:"enable"`
}

// EnableChatActionPopups toggles voice-call/screen-share actions in the
// mentor app UI.
type EnableChatActionPopups struct {
	Type    string        `json:"type"`
	Payload EnablePayload `json:"payload"`
}

// NewEnableChatActionPopups builds the popup-enable push.
func NewEnableChatActionPopups(enable bool) EnableChatActionPopups {
	return EnableChatActionPopups{
		Type:    TypeEnableChatActionPopups,
		Payload: EnablePayload{Enable: enable},
	}
}

// EdxID carries an edX usage or course identifier to the mentor app.
type EdxID struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// OpenWindowPayload is the payload of an ACTION:OPEN_NEW_WINDOW request.
type OpenWindowPayload struct {
	URL string `json:"url"`
}

// OpenNewWindow asks the embedding parent to open a secondary window on the
// widget's behalf (the widget cannot reliably do so from a cross-origin
// iframe).
type OpenNewWindow struct {
	Type    string            `json:"type"`
	Payload OpenWindowPayload `json:"payload"`
}

// NewOpenNewWindow builds the window-open delegation message.
func NewOpenNewWindow(url string) OpenNewWindow {
	return OpenNewWindow{Type: TypeOpenNewWindow, Payload: OpenWindowPayload{URL: url}}
}

// AudioPayload carries a mute or speaking state change.
type AudioPayload struct {
	Muted    *bool `json:"muted,omitempty"`
	Speaking *bool `json:"speaking,omitempty"`
}

// AudioToggle notifies the opposite endpoint of a mute/speaking change.
type AudioToggle struct {
	Type    string       `json:"type"`
	Payload AudioPayload `json:"payload"`
}

// NewMuteToggle builds a mute notification of the given type
// (TypeScreenSharingMuted or TypeMentorIsMuted).
func NewMuteToggle(typ string, muted bool) AudioToggle {
	return AudioToggle{Type: typ, Payload: AudioPayload{Muted: &muted}}
}

// NewSpeakingToggle builds a speaking notification of the given type
// (TypeScreenSharingSpeaking or TypeMentorIsSpeaking).
func NewSpeakingToggle(typ string, speaking bool) AudioToggle {
	return AudioToggle{Type: typ, Payload: AudioPayload{Speaking: &speaking}}
}

// CloseRequest is re-broadcast to the embedding parent when the mentor app
// asks to be closed.
type CloseRequest struct {
	CloseEmbed bool `json:"closeEmbed"`
}

// ContextFragment is the payload of a "context" message from a whitelisted
// nested frame.
type ContextFragment struct {
	HTML string `json:"html"`
}

// PageState mirrors the host page's current state to the broker. The host
// sends it on connect and again whenever the page changes.
type PageState struct {
	URL      string            `json:"url"`
	Title    string            `json:"title"`
	HTML     string            `json:"html"`
	Cookies  map[string]string `json:"cookies,omitempty"`
	Embedded bool              `json:"embedded"`
}

// HostCommand is a directive for the host page.
type HostCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// OpenWindowCommand asks the host to open a named secondary window.
type OpenWindowCommand struct {
	URL    string `json:"url"`
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// SetCookieCommand asks the host to persist a cookie on its document.
type SetCookieCommand struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	MaxAge int    `json:"max_age,omitempty"`
}
