package popup

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/iblai/iblai-web-mentor/internal/eventbus"
	"github.com/iblai/iblai-web-mentor/internal/hostenv"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *hostenv.Memory) {
	t.Helper()
	mem := hostenv.NewMemory()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(mem.Env(), 480, 360, bus, logger), mem
}

func TestOpenCreatesNamedWindow(t *testing.T) {
	c, mem := newTestCoordinator(t)

	w, reused, err := c.Open("https://mentor.example/share")
	if err != nil {
		t.Fatal(err)
	}
	if reused {
		t.Fatal("first open reported reuse")
	}
	if !strings.HasPrefix(w.Name(), "mentor-popup-") {
		t.Fatalf("name = %q", w.Name())
	}
	if stored, ok := mem.MemLocal.Get("mentor.popup.name"); !ok || stored != w.Name() {
		t.Fatalf("persisted name = %q, %v", stored, ok)
	}
}

func TestOpenReusesLiveWindow(t *testing.T) {
	c, mem := newTestCoordinator(t)

	w1, _, err := c.Open("https://mentor.example/share")
	if err != nil {
		t.Fatal(err)
	}
	w2, reused, err := c.Open("https://mentor.example/share")
	if err != nil {
		t.Fatal(err)
	}
	if !reused || w2.Name() != w1.Name() {
		t.Fatalf("reused = %v, name = %q vs %q", reused, w2.Name(), w1.Name())
	}
	if mem.MemWindows.Opens != 1 {
		t.Fatalf("opens = %d, want 1", mem.MemWindows.Opens)
	}
}

func TestOpenAfterReloadFindsPersistedWindow(t *testing.T) {
	// Simulate a widget reload: a fresh coordinator, but the window name is
	// already persisted and the window is still alive.
	mem := hostenv.NewMemory()
	bus := eventbus.New()
	defer bus.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	live := mem.MemWindows.Preopen("mentor-popup-old")
	mem.MemLocal.Set("mentor.popup.name", "mentor-popup-old")

	c := New(mem.Env(), 480, 360, bus, logger)
	w, reused, err := c.Open("https://mentor.example/share")
	if err != nil {
		t.Fatal(err)
	}
	if !reused || w.Name() != "mentor-popup-old" {
		t.Fatalf("reused = %v, name = %q", reused, w.Name())
	}
	if live.Focused == 0 {
		t.Fatal("reused window not focused")
	}
	if mem.MemWindows.Opens != 0 {
		t.Fatal("lookup must not open windows")
	}
}

func TestOpenReplacesClosedWindow(t *testing.T) {
	c, mem := newTestCoordinator(t)

	w1, _, err := c.Open("https://mentor.example/share")
	if err != nil {
		t.Fatal(err)
	}
	if err := w1.Close(); err != nil {
		t.Fatal(err)
	}

	w2, reused, err := c.Open("https://mentor.example/share")
	if err != nil {
		t.Fatal(err)
	}
	if reused {
		t.Fatal("closed window reported as reused")
	}
	if w2.Name() == w1.Name() {
		t.Fatal("replacement window kept the old name")
	}
	if mem.MemWindows.Opens != 2 {
		t.Fatalf("opens = %d, want 2", mem.MemWindows.Opens)
	}
}

func TestSharingLifecycle(t *testing.T) {
	c, mem := newTestCoordinator(t)

	if _, _, err := c.Open("https://mentor.example/share"); err != nil {
		t.Fatal(err)
	}
	c.SharingStarted()
	if !c.SharingActive() {
		t.Fatal("sharing not active after start")
	}
	if !mem.MemChrome.State().OverlayShown {
		t.Fatal("overlay not shown")
	}

	c.SharingStopped()
	if c.SharingActive() {
		t.Fatal("sharing still active after stop")
	}
	if mem.MemChrome.State().OverlayShown {
		t.Fatal("overlay not hidden")
	}
	if _, ok := c.Current(); ok {
		t.Fatal("popup survived stop")
	}
	if _, ok := mem.MemLocal.Get("mentor.popup.name"); ok {
		t.Fatal("window name not cleared")
	}
}

func TestRestoreClearsStaleFlag(t *testing.T) {
	c, mem := newTestCoordinator(t)

	// Flag set, but no live popup: a previous session died mid-share.
	mem.MemLocal.Set("mentor.screenshare.active", "true")
	c.Restore()
	if c.SharingActive() {
		t.Fatal("stale sharing flag not cleared")
	}
	if mem.MemChrome.State().OverlayShown {
		t.Fatal("overlay shown without a live popup")
	}
}

func TestRestoreWithLivePopupShowsOverlay(t *testing.T) {
	c, mem := newTestCoordinator(t)

	mem.MemWindows.Preopen("mentor-popup-old")
	mem.MemLocal.Set("mentor.popup.name", "mentor-popup-old")
	mem.MemLocal.Set("mentor.screenshare.active", "true")

	c.Restore()
	if !c.SharingActive() {
		t.Fatal("live share flag cleared")
	}
	if !mem.MemChrome.State().OverlayShown {
		t.Fatal("overlay not restored")
	}
}

func TestOptimisticMute(t *testing.T) {
	c, mem := newTestCoordinator(t)
	if c.AudioStatus().LocalMuted {
		t.Fatal("muted by default")
	}
	c.SetLocalMuted(true)
	if !c.AudioStatus().LocalMuted {
		t.Fatal("mute not recorded before confirmation")
	}
	if !mem.MemChrome.State().Audio.LocalMuted {
		t.Fatal("mute not pushed to the host chrome")
	}
}

func TestAudioTracksBothSides(t *testing.T) {
	c, mem := newTestCoordinator(t)

	c.SetLocalMuted(true)
	c.SetLocalSpeaking(true)
	c.SetMentorMuted(true)
	c.SetMentorSpeaking(true)

	want := hostenv.AudioState{LocalMuted: true, LocalSpeaking: true, MentorMuted: true, MentorSpeaking: true}
	if got := c.AudioStatus(); got != want {
		t.Fatalf("audio = %+v, want %+v", got, want)
	}
	if got := mem.MemChrome.State().Audio; got != want {
		t.Fatalf("chrome audio = %+v, want %+v", got, want)
	}

	c.SetLocalSpeaking(false)
	if c.AudioStatus().LocalSpeaking {
		t.Fatal("local speaking not cleared")
	}
	if !c.AudioStatus().MentorSpeaking {
		t.Fatal("clearing one side touched the other")
	}
}

func TestSharingStoppedResetsAudio(t *testing.T) {
	c, mem := newTestCoordinator(t)

	if _, _, err := c.Open("https://mentor.example/share"); err != nil {
		t.Fatal(err)
	}
	c.SharingStarted()
	c.SetLocalMuted(true)
	c.SetMentorSpeaking(true)

	c.SharingStopped()
	if got := c.AudioStatus(); got != (hostenv.AudioState{}) {
		t.Fatalf("audio = %+v after stop, want zero", got)
	}
	if got := mem.MemChrome.State().Audio; got != (hostenv.AudioState{}) {
		t.Fatalf("chrome audio = %+v after stop, want zero", got)
	}
}

func TestForward(t *testing.T) {
	c, mem := newTestCoordinator(t)

	// No popup: forwarding is a no-op.
	c.Forward([]byte("x"))

	if _, _, err := c.Open("https://mentor.example/share"); err != nil {
		t.Fatal(err)
	}
	c.Forward([]byte(`{"type":"MENTOR:SCREENSHARING_MUTED"}`))

	name, _ := mem.MemLocal.Get("mentor.popup.name")
	w, ok := mem.MemWindows.Lookup(name)
	if !ok {
		t.Fatal("popup missing")
	}
	if got := len(w.(*hostenv.MemWindow).Posted); got != 1 {
		t.Fatalf("posted = %d, want 1", got)
	}
}
