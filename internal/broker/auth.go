package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/iblai/iblai-web-mentor/internal/eventbus"
	"github.com/iblai/iblai-web-mentor/internal/identity"
	"github.com/iblai/iblai-web-mentor/internal/session"
	"github.com/iblai/iblai-web-mentor/internal/store"
)

// onAuthExpired runs the recovery ladder when the mentor app explicitly
// reports stale credentials. The eventual redirect carries logout=true: the
// auth SPA must not revive the very session that just failed.
func (b *Broker) onAuthExpired(ctx context.Context) {
	b.reconcile(ctx, true)
}

// reconcile recovers a usable session: silent refresh, then the pending
// redirect payload, then either a host notice or an interactive login
// redirect.
func (b *Broker) reconcile(ctx context.Context, forceLogout bool) {
	if b.cfg.Widget.Anonymous {
		return
	}
	now := b.env.Clock()

	b.mu.Lock()
	creds, hasCreds := b.creds, b.hasCreds
	b.mu.Unlock()

	if hasCreds && creds.RefreshValid(now) {
		if refreshed, err := b.refresh(ctx, creds); err == nil {
			b.adopt(ctx, refreshed)
			b.pushCredentials(refreshed)
			b.auditEvent(ctx, "refresh", refreshed.UserID())
			b.bus.PublishType(eventbus.AuthRefreshed, map[string]any{"tenant": refreshed.Tenant})
			return
		} else if !errors.Is(err, identity.ErrUnauthorized) {
			b.logger.Warn("silent refresh failed", "error", err)
		}
	}

	if b.applyPending(ctx) {
		return
	}

	if b.cfg.Widget.AuthRelyOnHost {
		// The host owns the login flow; never navigate away from under it.
		b.env.Chrome.ShowRefreshNotice()
		b.auditEvent(ctx, "notice", creds.UserID())
		return
	}

	b.redirectToLogin(ctx, forceLogout)
}

// refresh exchanges the refresh token for a fresh bundle and rebuilds the
// credential set, including the tenant directory.
func (b *Broker) refresh(ctx context.Context, creds session.Credentials) (session.Credentials, error) {
	tenant := creds.Tenant
	if tenant == "" {
		tenant = b.cfg.Widget.Tenant
	}

	bundle, err := b.idc.ConsolidatedToken(ctx, creds.RefreshToken, tenant)
	if err != nil {
		return session.Credentials{}, err
	}

	next := session.Credentials{
		AccessToken:   bundle.Access.Token,
		AccessExpiry:  bundle.Access.Expires,
		RefreshToken:  bundle.Refresh.Token,
		RefreshExpiry: bundle.Refresh.Expires,
		Tenant:        tenant,
		UserData:      string(bundle.User),
		EdxJWT:        creds.EdxJWT,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = creds.RefreshToken
		next.RefreshExpiry = creds.RefreshExpiry
	}

	if tenants, err := b.idc.Tenants(ctx, next.RefreshToken); err == nil {
		if raw, err := json.Marshal(tenants); err == nil {
			next.Tenants = raw
		}
	} else {
		b.logger.Debug("tenant directory fetch failed", "error", err)
	}
	return next, nil
}

// applyPending consumes the one-time redirect payload if one is still
// waiting, adopting and pushing it. It reports whether a payload was
// applied.
func (b *Broker) applyPending(ctx context.Context) bool {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	if pending == nil {
		return false
	}
	b.adopt(ctx, *pending)
	b.pushCredentials(*pending)
	b.auditEvent(ctx, "redirect_payload", pending.UserID())
	return true
}

// adopt makes creds the current session and persists them.
func (b *Broker) adopt(ctx context.Context, creds session.Credentials) {
	b.mu.Lock()
	b.creds = creds
	b.hasCreds = true
	b.mu.Unlock()
	b.persist(ctx, creds)
}

// pushCredentials hands the session to the mentor app, tenant directory
// stripped.
func (b *Broker) pushCredentials(creds session.Credentials) {
	b.toMentor(creds.WithoutTenants())
}

// redirectToLogin sends the host page to the auth SPA. logout forces the
// SPA to drop its own session first, so a half-expired session cannot
// short-circuit the flow.
func (b *Broker) redirectToLogin(ctx context.Context, logout bool) {
	target := b.cfg.Widget.LoginURL(b.env.Page.URL(), logout)
	b.auditEvent(ctx, "redirect", 0)
	b.bus.PublishType(eventbus.AuthRedirect, map[string]any{"logout": logout})
	if err := b.env.Page.Navigate(target); err != nil {
		b.logger.Error("login redirect failed", "error", err)
	}
}

// persist writes the session to the cookie and the store. Either failing
// alone is tolerated; the other copy still restores the session.
func (b *Broker) persist(ctx context.Context, creds session.Credentials) {
	blob, err := json.Marshal(creds)
	if err != nil {
		b.logger.Error("serialize session failed", "error", err)
		return
	}
	if err := b.env.Cookies.Set(b.cfg.Auth.CookieName, string(blob), b.cfg.Auth.CookieMaxAge.Duration); err != nil {
		b.logger.Warn("session cookie write failed", "error", err)
	}
	if b.store != nil {
		rec := &store.SessionRecord{
			Tenant:      creds.Tenant,
			UserID:      creds.UserID(),
			Credentials: string(blob),
		}
		if err := b.store.PutSession(ctx, rec); err != nil {
			b.logger.Warn("session store write failed", "error", err)
		}
	}
}

// loadPersisted restores the session from the cookie, falling back to the
// store.
func (b *Broker) loadPersisted(ctx context.Context) (session.Credentials, bool) {
	if blob, ok := b.env.Cookies.Get(b.cfg.Auth.CookieName); ok && blob != "" {
		var creds session.Credentials
		if err := json.Unmarshal([]byte(blob), &creds); err == nil && creds.AccessToken != "" {
			return creds, true
		}
		b.logger.Warn("session cookie unreadable, dropping it")
		_ = b.env.Cookies.Delete(b.cfg.Auth.CookieName)
	}

	if b.store == nil {
		return session.Credentials{}, false
	}
	rec, err := b.store.GetSession(ctx, b.cfg.Widget.Tenant)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Warn("session store read failed", "error", err)
		}
		return session.Credentials{}, false
	}
	var creds session.Credentials
	if err := json.Unmarshal([]byte(rec.Credentials), &creds); err != nil {
		return session.Credentials{}, false
	}
	return creds, creds.AccessToken != ""
}

func (b *Broker) auditEvent(ctx context.Context, kind string, userID int64) {
	if b.store == nil {
		return
	}
	ev := &store.AuthEvent{
		Tenant: b.cfg.Widget.Tenant,
		UserID: userID,
		Kind:   kind,
	}
	if err := b.store.LogAuthEvent(ctx, ev); err != nil {
		b.logger.Debug("audit write failed", "error", err)
	}
}

// parseExpiry accepts the expiry formats seen on the wire: RFC 3339 and
// epoch milliseconds.
func parseExpiry(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}

// removeQueryParam strips one parameter from a URL, reporting whether it
// was present.
func removeQueryParam(rawURL, name string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, false
	}
	q := u.Query()
	if !q.Has(name) {
		return rawURL, false
	}
	q.Del(name)
	u.RawQuery = q.Encode()
	return u.String(), true
}
