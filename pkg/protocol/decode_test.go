package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeGarbage(t *testing.T) {
	inputs := []string{
		"",
		"not json",
		"<html>",
		`"still not json"`,
		"42",
		"[1,2,3]",
		"null",
	}
	for _, in := range inputs {
		m := Decode([]byte(in))
		if !m.Empty() {
			t.Errorf("Decode(%q) = %+v, want empty message", in, m)
		}
	}
}

func TestDecodeFlags(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		check func(m Message) bool
	}{
		{"ready bool", `{"ready":true}`, func(m Message) bool { return m.Ready }},
		{"ready number", `{"ready":1}`, func(m Message) bool { return m.Ready }},
		{"ready zero is false", `{"ready":0}`, func(m Message) bool { return !m.Ready }},
		{"ready null is false", `{"ready":null}`, func(m Message) bool { return !m.Ready }},
		{"authExpired", `{"authExpired":true}`, func(m Message) bool { return m.AuthExpired }},
		{"closeEmbed", `{"closeEmbed":true}`, func(m Message) bool { return m.CloseEmbed }},
		{"loaded string", `{"loaded":"yes"}`, func(m Message) bool { return m.Loaded }},
		{"empty string is false", `{"loaded":""}`, func(m Message) bool { return !m.Loaded }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Decode([]byte(tt.in))
			if !tt.check(m) {
				t.Errorf("Decode(%q) = %+v", tt.in, m)
			}
		})
	}
}

func TestDecodeFlagsNotExclusive(t *testing.T) {
	m := Decode([]byte(`{"loaded":true,"authExpired":true,"height":420}`))
	if !m.Loaded || !m.AuthExpired {
		t.Fatalf("expected both loaded and authExpired: %+v", m)
	}
	if m.Height == nil || *m.Height != 420 {
		t.Fatalf("height = %v, want 420", m.Height)
	}
}

func TestDecodeHeight(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{`{"height":600}`, 600, true},
		{`{"height":"600"}`, 600, true},
		{`{"height":"600px"}`, 600, true},
		{`{"height":"tall"}`, 0, false},
		{`{"height":true}`, 0, false},
		{`{}`, 0, false},
	}
	for _, tt := range tests {
		m := Decode([]byte(tt.in))
		if tt.ok {
			if m.Height == nil || *m.Height != tt.want {
				t.Errorf("Decode(%q).Height = %v, want %d", tt.in, m.Height, tt.want)
			}
		} else if m.Height != nil {
			t.Errorf("Decode(%q).Height = %d, want nil", tt.in, *m.Height)
		}
	}
}

func TestDecodeStringified(t *testing.T) {
	inner := `{"type":"MENTOR:FOCUS_PARENT"}`
	outer, err := json.Marshal(inner)
	if err != nil {
		t.Fatal(err)
	}
	m := Decode(outer)
	if m.Type != TypeFocusParent {
		t.Fatalf("type = %q, want %q", m.Type, TypeFocusParent)
	}
}

func TestDecodeAuthSnapshot(t *testing.T) {
	in := `{
		"loaded": true,
		"auth": {
			"axd_token": "acc",
			"axd_token_expires": "2026-09-01T00:00:00Z",
			"dm_token": "ref",
			"dm_token_expires": "2026-10-01T00:00:00Z",
			"tenant": "main",
			"userData": "{\"user_id\":7}"
		}
	}`
	m := Decode([]byte(in))
	if !m.Loaded {
		t.Fatal("expected loaded")
	}
	if m.Auth == nil {
		t.Fatal("expected auth snapshot")
	}
	if m.Auth.AccessToken != "acc" || m.Auth.RefreshToken != "ref" {
		t.Fatalf("tokens = %q/%q", m.Auth.AccessToken, m.Auth.RefreshToken)
	}
	if m.Auth.Tenant != "main" {
		t.Fatalf("tenant = %q", m.Auth.Tenant)
	}
}

func TestDecodeAuthImpliesLoaded(t *testing.T) {
	m := Decode([]byte(`{"auth":{"axd_token":"acc"}}`))
	if !m.Loaded {
		t.Fatal("auth snapshot with token should imply loaded")
	}
}

func TestDecodeTypedPayload(t *testing.T) {
	m := Decode([]byte(`{"type":"MENTOR:SCREENSHARING_MUTED","payload":{"muted":true}}`))
	if m.Type != TypeScreenSharingMuted {
		t.Fatalf("type = %q", m.Type)
	}
	var p AudioPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Muted == nil || !*p.Muted {
		t.Fatalf("payload = %+v, want muted", p)
	}
}

func TestDecodeContextData(t *testing.T) {
	m := Decode([]byte(`{"type":"context","data":{"html":"<p>hi</p>"}}`))
	if m.Type != TypeContext {
		t.Fatalf("type = %q", m.Type)
	}
	var f ContextFragment
	if err := json.Unmarshal(m.Data, &f); err != nil {
		t.Fatal(err)
	}
	if f.HTML != "<p>hi</p>" {
		t.Fatalf("html = %q", f.HTML)
	}
}

func TestEncodeBuilders(t *testing.T) {
	b := Encode(NewContextUpdate("Title", "https://host.example/page", "<main/>"))
	var cu ContextUpdate
	if err := json.Unmarshal(b, &cu); err != nil {
		t.Fatal(err)
	}
	if cu.Type != TypeContextUpdate || cu.HostInfo.Href != "https://host.example/page" {
		t.Fatalf("round trip = %+v", cu)
	}

	b = Encode(NewEnableChatActionPopups(true))
	var en EnableChatActionPopups
	if err := json.Unmarshal(b, &en); err != nil {
		t.Fatal(err)
	}
	if !en.Payload.Enable {
		t.Fatal("enable flag lost")
	}
}
