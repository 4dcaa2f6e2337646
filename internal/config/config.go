// Package config handles broker configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config is the top-level broker configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Widget  WidgetConfig  `json:"widget"`
	Auth    AuthConfig    `json:"auth"`
	Relay   RelayConfig   `json:"relay"`
	Popup   PopupConfig   `json:"popup"`
	Storage StorageConfig `json:"storage"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig defines the broker's listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr"`                        // e.g. ":8091"
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`   // WebSocket origins; default ["*"]
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max inbound frame; default 1MB
}

// WidgetConfig mirrors the embed attributes the host page configures the
// widget with.
type WidgetConfig struct {
	MentorURL string `json:"mentor_url"` // mentor app origin, e.g. "https://mentor.example.com"
	AuthURL   string `json:"auth_url"`   // auth SPA origin
	APIURL    string `json:"api_url"`    // identity API origin
	Tenant    string `json:"tenant"`
	Mentor    string `json:"mentor"`

	Anonymous      bool   `json:"anonymous,omitempty"`         // skip auth entirely
	Advanced       bool   `json:"advanced,omitempty"`          // advanced chat UI
	ContextAware   bool   `json:"context_aware,omitempty"`     // enable the page-context relay
	AuthRelyOnHost bool   `json:"auth_rely_on_host,omitempty"` // host owns login; never redirect
	Theme          string `json:"theme,omitempty"`
	Component      string `json:"component,omitempty"` // mentor app surface, e.g. "chat"
	Modal          string `json:"modal,omitempty"`
	DocumentFilter string `json:"document_filter,omitempty"`
	RedirectToken  string `json:"redirect_token,omitempty"` // one-time token the auth SPA echoes back
	EdxUserID      string `json:"edx_user_id,omitempty"`
	EdxUsageID     string `json:"edx_usage_id,omitempty"`
	EdxCourseID    string `json:"edx_course_id,omitempty"`

	// ExtraParams rides verbatim on the embed URL.
	ExtraParams map[string]string `json:"extra_params,omitempty"`

	// ContextWhitelist lists nested-frame origins whose "context" messages
	// are accepted.
	ContextWhitelist []string `json:"context_whitelist,omitempty"`
}

// AuthConfig defines credential handling settings.
type AuthConfig struct {
	// Issuer enables JWKS verification of redirect tokens when set.
	Issuer         string   `json:"issuer,omitempty"`
	RequestTimeout Duration `json:"request_timeout,omitempty"` // identity API timeout; default 15s
	CookieName     string   `json:"cookie_name,omitempty"`     // session cookie; default "userData"
	CookieMaxAge   Duration `json:"cookie_max_age,omitempty"`  // default 24h
}

// RelayConfig defines page-context relay settings.
type RelayConfig struct {
	Interval        Duration `json:"interval,omitempty"`          // snapshot cadence; default 1s
	MaxContentBytes int      `json:"max_content_bytes,omitempty"` // sanitized snapshot cap; default 512KB
	// ExtraDenylist extends the built-in selector denylist.
	ExtraDenylist []string `json:"extra_denylist,omitempty"`
}

// PopupConfig defines screen-share popup settings.
type PopupConfig struct {
	Width  int `json:"width,omitempty"`  // default 480
	Height int `json:"height,omitempty"` // default 360
}

// StorageConfig defines database settings for the session KV store.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "mentor.db" or ":memory:"
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	for name, raw := range map[string]string{
		"widget.mentor_url": c.Widget.MentorURL,
		"widget.auth_url":   c.Widget.AuthURL,
		"widget.api_url":    c.Widget.APIURL,
	} {
		if raw == "" {
			return fmt.Errorf("%s is required", name)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}
	if c.Widget.Tenant == "" {
		return fmt.Errorf("widget.tenant is required")
	}
	if c.Widget.Mentor == "" {
		return fmt.Errorf("widget.mentor is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 1024 * 1024 // 1MB
	}
	if c.Auth.RequestTimeout.Duration == 0 {
		c.Auth.RequestTimeout.Duration = 15 * time.Second
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "userData"
	}
	if c.Auth.CookieMaxAge.Duration == 0 {
		c.Auth.CookieMaxAge.Duration = 24 * time.Hour
	}
	if c.Relay.Interval.Duration == 0 {
		c.Relay.Interval.Duration = time.Second
	}
	if c.Relay.MaxContentBytes == 0 {
		c.Relay.MaxContentBytes = 512 * 1024 // 512KB
	}
	if c.Popup.Width == 0 {
		c.Popup.Width = 480
	}
	if c.Popup.Height == 0 {
		c.Popup.Height = 360
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "mentor.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// EmbedURL builds the mentor iframe URL for the configured tenant and
// mentor. Anonymous mode and the externally-iframed marker ride along as
// query parameters the mentor app keys its behavior on.
func (w WidgetConfig) EmbedURL() string {
	q := url.Values{}
	q.Set("embed", "true")
	if w.Anonymous {
		q.Set("mode", "anonymous")
	}
	q.Set("extra-body-classes", "iframed-externally")
	if w.Advanced {
		q.Set("chat", "advanced")
	}
	if w.Component != "" {
		q.Set("component", w.Component)
	}
	if w.Modal != "" {
		q.Set("modal", w.Modal)
	}
	if w.Theme != "" {
		q.Set("theme", w.Theme)
	}
	for k, v := range w.ExtraParams {
		q.Set(k, v)
	}
	return fmt.Sprintf("%s/platform/%s/%s?%s",
		w.MentorURL, url.PathEscape(w.Tenant), url.PathEscape(w.Mentor), q.Encode())
}

// LoginURL builds the auth SPA redirect for an interactive login. The
// current host location travels as redirect-path so the flow can return;
// logout forces the auth SPA to clear its own session first.
func (w WidgetConfig) LoginURL(redirectPath string, logout bool) string {
	q := url.Values{}
	q.Set("redirect-path", redirectPath)
	q.Set("tenant", w.Tenant)
	if logout {
		q.Set("logout", strconv.FormatBool(logout))
	}
	if w.RedirectToken != "" {
		q.Set("redirect-token", w.RedirectToken)
	}
	return w.AuthURL + "/login?" + q.Encode()
}
