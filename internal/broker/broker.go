// Package broker is the widget's core: it routes cross-window messages,
// reconciles session credentials with the mentor application, and drives
// the popup coordinator and context relay.
package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sync"

	"github.com/iblai/iblai-web-mentor/internal/config"
	"github.com/iblai/iblai-web-mentor/internal/contextrelay"
	"github.com/iblai/iblai-web-mentor/internal/eventbus"
	"github.com/iblai/iblai-web-mentor/internal/hostenv"
	"github.com/iblai/iblai-web-mentor/internal/identity"
	"github.com/iblai/iblai-web-mentor/internal/popup"
	"github.com/iblai/iblai-web-mentor/internal/session"
	"github.com/iblai/iblai-web-mentor/internal/store"
	"github.com/iblai/iblai-web-mentor/pkg/protocol"
)

// redirectParam is the query parameter the auth flow returns credentials
// in. It is consumed exactly once and stripped from the address bar.
const redirectParam = "ibl-data"

// SendFunc delivers one outbound message to a connected endpoint.
type SendFunc func(v any) error

// TokenVerifier validates a host-supplied source JWT before the broker
// trusts the payload carrying it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*identity.Claims, error)
}

// Broker routes widget traffic and owns session state for one tenant.
type Broker struct {
	cfg      *config.Config
	env      *hostenv.Env
	idc      *identity.Client
	verifier TokenVerifier
	store    store.Store
	relay    *contextrelay.Relay
	popups   *popup.Coordinator
	bus      *eventbus.Bus
	logger   *slog.Logger

	mu         sync.Mutex
	creds      session.Credentials
	hasCreds   bool
	pending    *session.Credentials // redirect payload not yet applied
	ready      bool
	loaded     bool
	sendMentor SendFunc
	notifyHost SendFunc
}

// New creates a Broker. verifier, relay, and popups may be nil: without a
// verifier payload JWTs are accepted unverified, and tests exercising only
// the auth paths skip the relay and coordinator.
func New(cfg *config.Config, env *hostenv.Env, idc *identity.Client, verifier TokenVerifier,
	st store.Store, relay *contextrelay.Relay, popups *popup.Coordinator,
	bus *eventbus.Bus, logger *slog.Logger) *Broker {
	return &Broker{
		cfg:      cfg,
		env:      env,
		idc:      idc,
		verifier: verifier,
		store:    st,
		relay:    relay,
		popups:   popups,
		bus:      bus,
		logger:   logger.With("component", "broker"),
	}
}

// SetMentorSend wires the channel to the mentor application. A nil send
// detaches it.
func (b *Broker) SetMentorSend(send SendFunc) {
	b.mu.Lock()
	b.sendMentor = send
	b.mu.Unlock()
}

// SetHostNotify wires the pass-through channel to the embedding page, used
// for messages the host handles itself (close requests, window-open
// delegation).
func (b *Broker) SetHostNotify(send SendFunc) {
	b.mu.Lock()
	b.notifyHost = send
	b.mu.Unlock()
}

// Start restores persisted state: the redirect payload from the URL if one
// is present, otherwise the session cookie, otherwise the store. It also
// reconciles leftover popup state.
func (b *Broker) Start(ctx context.Context) {
	if creds, ok := b.consumeRedirectPayload(ctx); ok {
		b.mu.Lock()
		b.pending = &creds
		b.mu.Unlock()
		b.logger.Info("redirect payload captured", "tenant", creds.Tenant)
	}

	if creds, ok := b.loadPersisted(ctx); ok {
		b.mu.Lock()
		b.creds = creds
		b.hasCreds = true
		b.mu.Unlock()
		b.logger.Info("session restored", "tenant", creds.Tenant, "user", creds.UserID())
	}

	if b.popups != nil {
		b.popups.Restore()
	}
}

// Handle dispatches one decoded inbound message. Discriminators are not
// mutually exclusive: a typed action and lifecycle flags may ride on the
// same message, and every matching handler fires.
func (b *Broker) Handle(ctx context.Context, m protocol.Message) {
	if m.Empty() {
		return
	}
	if m.Type != "" {
		b.handleTyped(ctx, m)
	}

	if m.Ready {
		b.onReady(ctx)
	}
	if m.Loaded {
		b.onLoaded(ctx, m.Auth)
	}
	if m.AuthExpired {
		b.onAuthExpired(ctx)
	}
	if m.Height != nil {
		b.env.Chrome.SetHeight(*m.Height)
	}
	if m.CloseEmbed {
		b.onCloseEmbed()
	}
}

func (b *Broker) handleTyped(ctx context.Context, m protocol.Message) {
	switch m.Type {
	case protocol.TypeContext:
		var frag protocol.ContextFragment
		if err := json.Unmarshal(m.Data, &frag); err != nil || frag.HTML == "" {
			return
		}
		if b.relay != nil {
			b.relay.AddFragment(m.Origin, frag.HTML)
		}

	case protocol.TypeChatActionVoiceCall, protocol.TypeChatActionScreenShare:
		b.openActionPopup(m)

	case protocol.TypeScreenSharingStarted:
		if b.popups != nil {
			b.popups.SharingStarted()
		}
	case protocol.TypeScreenSharingStopped:
		if b.popups != nil {
			b.popups.SharingStopped()
		}

	case protocol.TypeScreenSharingMuted:
		p := decodeAudio(m.Payload)
		if b.popups != nil && p.Muted != nil {
			b.popups.SetLocalMuted(*p.Muted)
		}
		b.toMentor(protocol.AudioToggle{Type: m.Type, Payload: p})

	case protocol.TypeScreenSharingSpeaking:
		p := decodeAudio(m.Payload)
		if b.popups != nil && p.Speaking != nil {
			b.popups.SetLocalSpeaking(*p.Speaking)
		}
		b.toMentor(protocol.AudioToggle{Type: m.Type, Payload: p})

	case protocol.TypeMentorIsMuted:
		p := decodeAudio(m.Payload)
		if b.popups != nil {
			if p.Muted != nil {
				b.popups.SetMentorMuted(*p.Muted)
			}
			b.popups.Forward(protocol.Encode(protocol.AudioToggle{Type: m.Type, Payload: p}))
		}

	case protocol.TypeMentorIsSpeaking:
		p := decodeAudio(m.Payload)
		if b.popups != nil {
			if p.Speaking != nil {
				b.popups.SetMentorSpeaking(*p.Speaking)
			}
			b.popups.Forward(protocol.Encode(protocol.AudioToggle{Type: m.Type, Payload: p}))
		}

	case protocol.TypeFocusParent:
		b.env.Chrome.Focus()

	case protocol.TypeOpenNewWindow:
		var p protocol.OpenWindowPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil || p.URL == "" {
			return
		}
		b.toHost(protocol.NewOpenNewWindow(p.URL))

	default:
		b.logger.Debug("unhandled message type", "type", m.Type)
	}
}

func decodeAudio(raw json.RawMessage) protocol.AudioPayload {
	var p protocol.AudioPayload
	_ = json.Unmarshal(raw, &p)
	return p
}

// onReady runs when the mentor app signals it can receive messages:
// configuration pushes first, then the session. A one-time redirect
// payload is applied right here; with no usable session at all the host
// page goes to login, unless the host owns the login flow.
func (b *Broker) onReady(ctx context.Context) {
	b.mu.Lock()
	b.ready = true
	creds, hasCreds := b.creds, b.hasCreds
	pending := b.pending
	b.mu.Unlock()

	w := b.cfg.Widget
	if w.Theme != "" {
		b.toMentor(protocol.ThemePush{Theme: w.Theme})
	}
	if w.DocumentFilter != "" {
		b.toMentor(protocol.NewDocumentFilter(w.DocumentFilter))
	}
	if w.EdxUserID != "" {
		b.toMentor(protocol.EdxID{Type: protocol.TypeEdxUserID, Data: w.EdxUserID})
	}
	if w.EdxUsageID != "" {
		b.toMentor(protocol.EdxID{Type: protocol.TypeEdxUsageID, Data: w.EdxUsageID})
	}
	if w.EdxCourseID != "" {
		b.toMentor(protocol.EdxID{Type: protocol.TypeEdxCourseID, Data: w.EdxCourseID})
	}
	b.toMentor(protocol.NewEnableChatActionPopups(true))

	if b.relay != nil {
		b.relay.Reset()
	}
	b.bus.PublishType(eventbus.MentorReady, nil)

	if w.Anonymous {
		return
	}
	switch {
	case pending != nil:
		b.applyPending(ctx)

	// Only a fresh session for this tenant is handed over. A stale or
	// foreign one stays here and runs through reconcile when the mentor
	// app reports it.
	case hasCreds && creds.Tenant == w.Tenant && creds.AccessValid(b.env.Clock()):
		b.toMentor(creds.WithoutTenants())

	case !hasCreds && !w.AuthRelyOnHost:
		b.redirectToLogin(ctx, false)
	}
}

// onLoaded reconciles the credential snapshot the mentor app reports after
// it finishes loading. A fresh matching session is adopted as-is; a stale or
// foreign-tenant one runs through the recovery ladder instead, without
// forcing a logout on redirect since nothing failed interactively yet.
func (b *Broker) onLoaded(ctx context.Context, snap *protocol.AuthSnapshot) {
	b.mu.Lock()
	b.loaded = true
	prev, hadPrev := b.creds, b.hasCreds
	b.mu.Unlock()
	b.bus.PublishType(eventbus.MentorLoaded, nil)

	if snap == nil || b.cfg.Widget.Anonymous {
		return
	}

	reported := credsFromSnapshot(snap)
	if reported.AccessToken == "" {
		return
	}
	if reported.Tenant == "" {
		reported.Tenant = b.cfg.Widget.Tenant
	}

	if hadPrev && prev.UserID() != 0 && reported.UserID() != 0 && prev.UserID() != reported.UserID() {
		b.logger.Info("user switch detected", "old", prev.UserID(), "new", reported.UserID())
		b.auditEvent(ctx, "user_switch", reported.UserID())
		b.bus.PublishType(eventbus.AuthUserSwitch, map[string]any{
			"old": prev.UserID(), "new": reported.UserID(),
		})

		// Re-derive a session for the new user instead of trusting the
		// reported tokens: the one-time payload wins, else the fetch flow
		// keyed on the new user's refresh token.
		if b.applyPending(ctx) {
			return
		}
		if refreshed, err := b.refresh(ctx, reported); err == nil {
			b.adopt(ctx, refreshed)
			b.pushCredentials(refreshed)
			b.auditEvent(ctx, "refresh", refreshed.UserID())
			b.bus.PublishType(eventbus.AuthRefreshed, map[string]any{"tenant": refreshed.Tenant})
			return
		}
	}

	if reported.Tenant != b.cfg.Widget.Tenant {
		b.logger.Warn("reported session is for another tenant",
			"reported", reported.Tenant, "configured", b.cfg.Widget.Tenant)
		b.reconcile(ctx, false)
		return
	}

	b.adopt(ctx, reported)
	if !reported.AccessValid(b.env.Clock()) {
		b.reconcile(ctx, false)
	}
}

// onCloseEmbed re-broadcasts the close request to the embedding page.
func (b *Broker) onCloseEmbed() {
	b.toHost(protocol.CloseRequest{CloseEmbed: true})
}

// openActionPopup opens (or refocuses) the voice-call/screen-share popup.
// The target URL carries the action discriminator and, for authenticated
// widgets, a one-time credential payload so the popup can boot without its
// own login round trip. A host page that is itself embedded cannot open
// windows reliably, so the request is delegated to its parent instead.
func (b *Broker) openActionPopup(m protocol.Message) {
	if b.popups == nil {
		return
	}
	var p protocol.OpenWindowPayload
	_ = json.Unmarshal(m.Payload, &p)
	if p.URL == "" {
		b.logger.Warn("popup action without url", "type", m.Type)
		return
	}

	target := b.popupTarget(m.Type, p.URL)
	if b.env.Page.Embedded() {
		b.toHost(protocol.NewOpenNewWindow(target))
		return
	}
	if _, _, err := b.popups.Open(target); err != nil {
		b.logger.Error("open popup failed", "error", err)
	}
}

// popupTarget appends the action discriminator and the credential payload
// to the popup URL.
func (b *Broker) popupTarget(action, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	switch action {
	case protocol.TypeChatActionVoiceCall:
		q.Set("action", "voicecall")
	case protocol.TypeChatActionScreenShare:
		q.Set("action", "screenshare")
	}

	b.mu.Lock()
	creds, hasCreds := b.creds, b.hasCreds
	b.mu.Unlock()
	if hasCreds && !b.cfg.Widget.Anonymous {
		if blob, err := json.Marshal(creds.WithoutTenants()); err == nil {
			q.Set(redirectParam, base64.RawURLEncoding.EncodeToString(blob))
		}
	}

	u.RawQuery = q.Encode()
	return u.String()
}

// SendToMentor pushes one message to the mentor app, erroring when it is
// not connected. The context relay sends through here.
func (b *Broker) SendToMentor(v any) error {
	b.mu.Lock()
	send := b.sendMentor
	b.mu.Unlock()
	if send == nil {
		return errors.New("mentor not connected")
	}
	return send(v)
}

func (b *Broker) toMentor(v any) {
	if err := b.SendToMentor(v); err != nil {
		b.logger.Debug("push to mentor dropped", "error", err)
	}
}

func (b *Broker) toHost(v any) {
	b.mu.Lock()
	send := b.notifyHost
	b.mu.Unlock()
	if send == nil {
		return
	}
	if err := send(v); err != nil {
		b.logger.Warn("notify host failed", "error", err)
	}
}

// Close detaches both endpoints. Outbound pushes after Close are dropped;
// the relay and server own their own shutdown.
func (b *Broker) Close() {
	b.mu.Lock()
	b.sendMentor = nil
	b.notifyHost = nil
	b.mu.Unlock()
}

// Credentials returns a copy of the current session credentials.
func (b *Broker) Credentials() (session.Credentials, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creds, b.hasCreds
}

// consumeRedirectPayload reads the one-time credential payload from the
// page URL and strips the parameter so a reload cannot replay it. A
// payload carrying a source JWT must pass JWKS verification when a
// verifier is configured.
func (b *Broker) consumeRedirectPayload(ctx context.Context) (session.Credentials, bool) {
	raw, ok := b.env.Page.QueryParam(redirectParam)
	if !ok || raw == "" {
		return session.Credentials{}, false
	}
	defer b.stripRedirectParam()

	decoded, err := decodePayload(raw)
	if err != nil {
		b.logger.Warn("redirect payload not base64", "error", err)
		return session.Credentials{}, false
	}
	var creds session.Credentials
	if err := json.Unmarshal(decoded, &creds); err != nil {
		b.logger.Warn("redirect payload not valid JSON", "error", err)
		return session.Credentials{}, false
	}
	if creds.AccessToken == "" {
		return session.Credentials{}, false
	}
	if b.verifier != nil && creds.EdxJWT != "" {
		if _, err := b.verifier.Verify(ctx, creds.EdxJWT); err != nil {
			b.logger.Warn("redirect payload source JWT rejected", "error", err)
			return session.Credentials{}, false
		}
	}
	if creds.Tenant == "" {
		creds.Tenant = b.cfg.Widget.Tenant
	}
	return creds, true
}

// decodePayload accepts the base64 variants senders actually produce:
// URL-safe with or without padding, and standard.
func decodePayload(raw string) ([]byte, error) {
	if d, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return d, nil
	}
	if d, err := base64.URLEncoding.DecodeString(raw); err == nil {
		return d, nil
	}
	return base64.StdEncoding.DecodeString(raw)
}

func (b *Broker) stripRedirectParam() {
	u := b.env.Page.URL()
	stripped, changed := removeQueryParam(u, redirectParam)
	if !changed {
		return
	}
	if err := b.env.Page.ReplaceURL(stripped); err != nil {
		b.logger.Warn("strip redirect param failed", "error", err)
	}
}

func credsFromSnapshot(snap *protocol.AuthSnapshot) session.Credentials {
	return session.Credentials{
		AccessToken:   snap.AccessToken,
		AccessExpiry:  parseExpiry(snap.AccessExpiry),
		RefreshToken:  snap.RefreshToken,
		RefreshExpiry: parseExpiry(snap.RefreshExpiry),
		Tenant:        snap.Tenant,
		UserData:      snap.UserData,
	}
}
