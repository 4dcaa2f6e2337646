package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iblai/iblai-web-mentor/internal/broker"
	"github.com/iblai/iblai-web-mentor/internal/config"
	"github.com/iblai/iblai-web-mentor/internal/eventbus"
	"github.com/iblai/iblai-web-mentor/internal/identity"
	"github.com/iblai/iblai-web-mentor/internal/popup"
	"github.com/iblai/iblai-web-mentor/internal/store"
	"github.com/iblai/iblai-web-mentor/pkg/protocol"
)

type testServer struct {
	http  *httptest.Server
	wsURL string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	t.Cleanup(api.Close)

	cfg := &config.Config{}
	cfg.Server.Addr = ":0"
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.MaxMessageBytes = 1024 * 1024
	cfg.Widget = config.WidgetConfig{
		MentorURL: "https://mentor.example.com",
		AuthURL:   "https://auth.example.com",
		APIURL:    api.URL,
		Tenant:    "main",
		Mentor:    "ai-tutor",
		Theme:     "dark",
	}
	cfg.Auth.CookieName = "userData"
	cfg.Auth.CookieMaxAge.Duration = time.Hour

	idc, err := identity.NewClient(api.URL, 5*time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	proxy := NewHostProxy(st, logger)
	env := proxy.Env()
	popups := popup.New(env, 480, 360, bus, logger)
	b := broker.New(cfg, env, idc, nil, st, nil, popups, bus, logger)

	srv := NewServer(cfg, b, proxy, st, bus, logger)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &testServer{
		http:  hs,
		wsURL: "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readTyped(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if typ, _ := m["type"].(string); typ == wantType {
			return m
		}
	}
	t.Fatalf("no %q message received", wantType)
	return nil
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestReadyzRequiresHost(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status before host = %d", resp.StatusCode)
	}

	dial(t, ts.wsURL+"/ws/host")

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(ts.http.URL + "/readyz")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("readyz stayed %d after host connect", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMentorReadyReceivesPushes(t *testing.T) {
	ts := newTestServer(t)
	mentor := dial(t, ts.wsURL+"/ws/mentor")

	if err := mentor.WriteMessage(websocket.TextMessage, []byte(`{"ready":true}`)); err != nil {
		t.Fatal(err)
	}

	m := readTyped(t, mentor, protocol.TypeEnableChatActionPopups)
	payload, _ := m["payload"].(map[string]any)
	if enable, _ := payload["enable"].(bool); !enable {
		t.Fatalf("enable payload = %v", m)
	}
}

func TestHostRelayedHeightBecomesCommand(t *testing.T) {
	ts := newTestServer(t)
	host := dial(t, ts.wsURL+"/ws/host")

	frame := `{"origin":"https://mentor.example.com","data":{"height":512}}`
	if err := host.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatal(err)
	}

	m := readTyped(t, host, protocol.TypeHostSetHeight)
	payload, _ := m["payload"].(map[string]any)
	if h, _ := payload["height"].(float64); h != 512 {
		t.Fatalf("height command = %v", m)
	}
}

func TestHostPageStateServesQueryParams(t *testing.T) {
	ts := newTestServer(t)
	host := dial(t, ts.wsURL+"/ws/host")

	state := `{"type":"HOST:PAGE_STATE","payload":{"url":"https://host.example/p?x=1","title":"T","html":"<body></body>"}}`
	if err := host.WriteMessage(websocket.TextMessage, []byte(state)); err != nil {
		t.Fatal(err)
	}

	// A garbage relayed frame must be ignored, not kill the connection.
	if err := host.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}

	// The mirror is applied asynchronously; the close request proves the
	// read loop survived the garbage frame.
	if err := host.WriteMessage(websocket.TextMessage, []byte(`{"data":{"closeEmbed":true}}`)); err != nil {
		t.Fatal(err)
	}
	host.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := host.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "closeEmbed") {
		t.Fatalf("host got %q", data)
	}
}

func TestPopupRequiresName(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.http.URL + "/ws/popup")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSessionEndpointUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.http.URL + "/api/session")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if auth, _ := body["authenticated"].(bool); auth {
		t.Fatalf("body = %v", body)
	}
}

func TestEmbedURLEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.http.URL + "/api/embed-url")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body["url"], "/platform/main/ai-tutor") {
		t.Fatalf("embed url = %q", body["url"])
	}
}
