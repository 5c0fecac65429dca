// ABOUTME: Bubbletea model for the player TUI
// ABOUTME: Shows controller state, device, volume, power and stats; maps keys to commands
package ui

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Model represents the TUI state
type Model struct {
	// Controller
	controllerID string
	state        string
	lastError    string

	// Output
	backend    string
	device     string
	mirroring  bool
	mirrorURL  string
	sampleRate int
	channels   int
	bitDepth   int
	frames     int

	// Source
	title  string
	artist string
	album  string

	// Playback
	volume  int
	power   float64
	clipped bool

	// Stats
	startups   int64
	failures   int64
	recreates  int64
	errors     int64
	underruns  uint64
	bufferedMs int
	lastCreate time.Duration
	lastPlay   time.Duration

	// Debug
	showDebug bool

	controls *Controls

	// Dimensions
	width  int
	height int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString(m.renderSource())
	b.WriteString(m.renderControls())
	b.WriteString(m.renderStats())
	if m.showDebug {
		b.WriteString(m.renderDebug())
	}
	b.WriteString(m.renderHelp())
	return b.String()
}

func line(format string, args ...any) string {
	return fmt.Sprintf("│ %-52s │\n", truncate(fmt.Sprintf(format, args...), 52))
}

func (m Model) renderHeader() string {
	state := m.state
	if state == "" {
		state = "empty"
	}
	target := fmt.Sprintf("%s (%s)", m.device, m.backend)
	if m.mirroring {
		target = "mirror " + m.mirrorURL
	}

	s := "┌─ Resonate Output ────────────────────────────────────┐\n"
	s += line("State:  %s", state)
	s += line("Output: %s", target)
	if m.lastError != "" {
		s += line("Error:  %s", m.lastError)
	}
	s += "├──────────────────────────────────────────────────────┤\n"
	return s
}

func (m Model) renderSource() string {
	if m.title == "" {
		return line("(No source)")
	}

	s := line("Now Playing:")
	s += line("  Track:  %s", m.title)
	if m.artist != "" {
		s += line("  Artist: %s", m.artist)
	}
	if m.album != "" {
		s += line("  Album:  %s", m.album)
	}
	if m.sampleRate > 0 {
		s += line("Format: %dHz %s %d-bit, %d frames/buffer",
			m.sampleRate, channelName(m.channels), m.bitDepth, m.frames)
	}
	return s
}

func (m Model) renderControls() string {
	clip := ""
	if m.clipped {
		clip = " CLIP"
	}
	return line("") +
		line("Volume: [%s] %d%%", renderBar(m.volume, 100, 10), m.volume) +
		line("Level:  [%s] %s%s", renderBar(powerPercent(m.power), 100, 10), formatPower(m.power), clip) +
		line("Buffer: %dms", m.bufferedMs)
}

func (m Model) renderStats() string {
	return "├──────────────────────────────────────────────────────┤\n" +
		line("Starts: %d  Failed: %d  Recreates: %d  Errors: %d",
			m.startups, m.failures, m.recreates, m.errors) +
		line("Underruns: %d", m.underruns)
}

func (m Model) renderDebug() string {
	return line("DEBUG:") +
		line("  Controller: %s", m.controllerID) +
		line("  Last create: %v  Last play: %v", m.lastCreate, m.lastPlay) +
		line("  Power: %.2f dBFS", m.power)
}

func (m Model) renderHelp() string {
	return `│ space:Play/Pause ↑/↓:Vol n:Device m:Mirror p:Debug q │
└──────────────────────────────────────────────────────┘
`
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.controls.send(Command{Kind: CmdQuit})
		return m, tea.Quit
	case " ", "space":
		m.controls.send(Command{Kind: CmdTogglePlay})
	case "up":
		m.volume = clampPercent(m.volume + 5)
		m.controls.send(Command{Kind: CmdSetVolume, Volume: m.volume})
	case "down":
		m.volume = clampPercent(m.volume - 5)
		m.controls.send(Command{Kind: CmdSetVolume, Volume: m.volume})
	case "n":
		m.controls.send(Command{Kind: CmdNextDevice})
	case "m":
		m.controls.send(Command{Kind: CmdToggleMirror})
	case "p":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.ControllerID != "" {
		m.controllerID = msg.ControllerID
	}
	if msg.State != "" {
		m.state = msg.State
	}
	if msg.Error != nil {
		m.lastError = *msg.Error
	}
	if msg.Backend != "" {
		m.backend = msg.Backend
	}
	if msg.Device != "" {
		m.device = msg.Device
	}
	if msg.Mirroring != nil {
		m.mirroring = *msg.Mirroring
		m.mirrorURL = msg.MirrorURL
	}
	if msg.SampleRate != 0 {
		m.sampleRate = msg.SampleRate
		m.channels = msg.Channels
		m.bitDepth = msg.BitDepth
		m.frames = msg.FramesPerBuffer
	}
	if msg.Title != "" {
		m.title = msg.Title
		m.artist = msg.Artist
		m.album = msg.Album
	}
	if msg.Volume != nil {
		m.volume = clampPercent(*msg.Volume)
	}
	if msg.Power != nil {
		m.power = *msg.Power
		m.clipped = msg.Clipped
	}
	if msg.Stats != nil {
		m.startups = msg.Stats.StartupSuccesses
		m.failures = msg.Stats.StartupFailures
		m.recreates = msg.Stats.Recreates
		m.errors = msg.Stats.Errors
		m.lastCreate = msg.Stats.LastCreate
		m.lastPlay = msg.Stats.LastPlay
		m.underruns = msg.Underruns
		m.bufferedMs = msg.BufferedMs
	}
}

// Utility functions
func renderBar(value, max, width int) string {
	filled := (value * width) / max
	var b strings.Builder
	for i := 0; i < width; i++ {
		if i < filled {
			b.WriteString("█")
		} else {
			b.WriteString("░")
		}
	}
	return b.String()
}

func truncate(s string, length int) string {
	r := []rune(s)
	if len(r) <= length {
		return s
	}
	return string(r[:length-3]) + "..."
}

func channelName(channels int) string {
	switch channels {
	case 1:
		return "Mono"
	case 2:
		return "Stereo"
	default:
		return fmt.Sprintf("%dch", channels)
	}
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// powerPercent maps [-60, 0] dBFS onto a meter percentage
func powerPercent(dbfs float64) int {
	if dbfs <= -60 || math.IsNaN(dbfs) {
		return 0
	}
	if dbfs >= 0 {
		return 100
	}
	return int((dbfs + 60) * 100 / 60)
}

func formatPower(dbfs float64) string {
	if dbfs <= -100 {
		return "-inf dBFS"
	}
	return fmt.Sprintf("%.1f dBFS", dbfs)
}
