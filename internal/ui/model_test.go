// ABOUTME: Tests for TUI model and state management
// ABOUTME: Tests status updates, key handling and rendering
package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio/controller"
	tea "github.com/charmbracelet/bubbletea"
)

func key(s string) tea.KeyMsg {
	switch s {
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

func press(t *testing.T, m Model, k string) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(key(k))
	model, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return model, cmd
}

func TestNewModel(t *testing.T) {
	model := NewModel(nil)

	if model.volume != 100 {
		t.Errorf("expected default volume 100, got %d", model.volume)
	}
	if model.showDebug {
		t.Error("expected showDebug to be false initially")
	}
	if model.View() != "Loading..." {
		t.Error("expected loading view before first resize")
	}
}

func TestKeysSendCommands(t *testing.T) {
	tests := []struct {
		key  string
		want Command
	}{
		{" ", Command{Kind: CmdTogglePlay}},
		{"down", Command{Kind: CmdSetVolume, Volume: 95}},
		{"n", Command{Kind: CmdNextDevice}},
		{"m", Command{Kind: CmdToggleMirror}},
	}

	for _, tt := range tests {
		controls := NewControls()
		model := NewModel(controls)
		press(t, model, tt.key)

		select {
		case got := <-controls.Commands:
			if got != tt.want {
				t.Errorf("key %q: expected %+v, got %+v", tt.key, tt.want, got)
			}
		default:
			t.Errorf("key %q sent no command", tt.key)
		}
	}
}

func TestVolumeKeysClamp(t *testing.T) {
	model := NewModel(NewControls())

	model, _ = press(t, model, "up")
	if model.volume != 100 {
		t.Errorf("volume should stay at 100, got %d", model.volume)
	}

	for i := 0; i < 25; i++ {
		model, _ = press(t, model, "down")
	}
	if model.volume != 0 {
		t.Errorf("volume should clamp at 0, got %d", model.volume)
	}
}

func TestQuitKey(t *testing.T) {
	controls := NewControls()
	model := NewModel(controls)

	_, cmd := press(t, model, "q")
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if got := <-controls.Commands; got.Kind != CmdQuit {
		t.Errorf("expected CmdQuit, got %+v", got)
	}
}

func TestDebugToggle(t *testing.T) {
	model := NewModel(nil)
	model, _ = press(t, model, "p")
	if !model.showDebug {
		t.Error("expected debug on")
	}
	model, _ = press(t, model, "p")
	if model.showDebug {
		t.Error("expected debug off")
	}
}

func TestControlsNeverBlock(t *testing.T) {
	controls := NewControls()
	for i := 0; i < 50; i++ {
		controls.send(Command{Kind: CmdNextDevice})
	}
	if len(controls.Commands) != cap(controls.Commands) {
		t.Errorf("expected full channel, got %d", len(controls.Commands))
	}
}

func TestApplyStatus(t *testing.T) {
	model := NewModel(nil)

	volume := 0
	power := -12.5
	mirroring := true
	errText := "device lost"
	model.applyStatus(StatusMsg{
		ControllerID: "abcd1234",
		State:        "playing",
		Error:        &errText,
		Backend:      "malgo",
		Device:       "default",
		Mirroring:    &mirroring,
		MirrorURL:    "ws://kitchen:8928/mirror",
		SampleRate:   48000,
		Channels:     2,
		BitDepth:     16,
		Title:        "Song",
		Volume:       &volume,
		Power:        &power,
		Clipped:      true,
		Stats:        &controller.Stats{StartupSuccesses: 2, Recreates: 1, LastPlay: time.Millisecond},
		Underruns:    3,
	})

	if model.state != "playing" || model.controllerID != "abcd1234" || model.lastError != "device lost" {
		t.Errorf("controller fields not applied: %+v", model)
	}
	if !model.mirroring || model.mirrorURL != "ws://kitchen:8928/mirror" {
		t.Error("mirror fields not applied")
	}
	if model.volume != 0 {
		t.Errorf("expected explicit zero volume, got %d", model.volume)
	}
	if model.power != -12.5 || !model.clipped {
		t.Error("power fields not applied")
	}
	if model.startups != 2 || model.recreates != 1 || model.underruns != 3 {
		t.Error("stats not applied")
	}

	// empty fields leave state alone
	model.applyStatus(StatusMsg{})
	if model.state != "playing" || model.volume != 0 || model.title != "Song" {
		t.Error("empty status should not reset fields")
	}
}

func TestViewRendersState(t *testing.T) {
	model := NewModel(nil)
	next, _ := model.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	model = next.(Model)

	mirroring := true
	model.applyStatus(StatusMsg{State: "paused", Title: "Song", Mirroring: &mirroring, MirrorURL: "ws://den/mirror"})

	view := model.View()
	for _, want := range []string{"paused", "Song", "mirror ws://den/mirror", "q │"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestPowerPercent(t *testing.T) {
	tests := []struct {
		dbfs float64
		want int
	}{
		{-1000, 0},
		{-60, 0},
		{-30, 50},
		{0, 100},
		{3, 100},
	}
	for _, tt := range tests {
		if got := powerPercent(tt.dbfs); got != tt.want {
			t.Errorf("powerPercent(%v): expected %d, got %d", tt.dbfs, tt.want, got)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected unchanged, got %q", got)
	}
	if got := truncate("a very long title", 10); got != "a very ..." {
		t.Errorf("expected truncated, got %q", got)
	}
}
