package hostenv

import (
	"testing"
	"time"
)

func TestMemoryEnvSatisfiesInterfaces(t *testing.T) {
	env := NewMemory().Env()
	if env.Cookies == nil || env.Local == nil || env.Page == nil || env.Chrome == nil || env.Windows == nil {
		t.Fatal("incomplete env")
	}
}

func TestMemCookies(t *testing.T) {
	m := NewMemory()
	if err := m.MemCookies.Set("userData", "blob", 24*time.Hour); err != nil {
		t.Fatal(err)
	}
	if v, ok := m.MemCookies.Get("userData"); !ok || v != "blob" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	if err := m.MemCookies.Delete("userData"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.MemCookies.Get("userData"); ok {
		t.Fatal("cookie survived delete")
	}
}

func TestMemPageQueryParam(t *testing.T) {
	p := &MemPage{}
	p.SetPage("https://host.example/page?ibl-data=tok&x=", "T", "")

	if v, ok := p.QueryParam("ibl-data"); !ok || v != "tok" {
		t.Fatalf("QueryParam = %q, %v", v, ok)
	}
	if v, ok := p.QueryParam("x"); !ok || v != "" {
		t.Fatalf("empty param = %q, %v", v, ok)
	}
	if _, ok := p.QueryParam("missing"); ok {
		t.Fatal("missing param reported present")
	}
}

func TestMemPageReplaceURL(t *testing.T) {
	p := &MemPage{}
	p.SetPage("https://host.example/page?ibl-data=tok", "T", "")
	if err := p.ReplaceURL("https://host.example/page"); err != nil {
		t.Fatal(err)
	}
	if p.URL() != "https://host.example/page" {
		t.Fatalf("URL = %q", p.URL())
	}
	if len(p.Navigations) != 0 {
		t.Fatal("ReplaceURL must not navigate")
	}
}

func TestMemWindowsLookup(t *testing.T) {
	ws := NewMemWindows()
	if _, ok := ws.Lookup("mentor-popup-1"); ok {
		t.Fatal("lookup of unknown window succeeded")
	}

	w, err := ws.Open("https://mentor.example/share", "mentor-popup-1", 480, 360)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := ws.Lookup("mentor-popup-1"); !ok || got.Name() != w.Name() {
		t.Fatal("lookup after open failed")
	}
	if ws.Opens != 1 {
		t.Fatalf("Opens = %d", ws.Opens)
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := ws.Lookup("mentor-popup-1"); ok {
		t.Fatal("closed window still reported live")
	}
	if err := w.Post([]byte("x")); err == nil {
		t.Fatal("post to closed window must fail")
	}
}
