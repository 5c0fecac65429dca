// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and the command channel back to the player
package ui

import (
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/controller"
	tea "github.com/charmbracelet/bubbletea"
)

// CommandKind identifies a user action
type CommandKind int

const (
	CmdTogglePlay CommandKind = iota
	CmdSetVolume
	CmdNextDevice
	CmdToggleMirror
	CmdQuit
)

// Command is sent from the TUI to the player
type Command struct {
	Kind   CommandKind
	Volume int // percent, for CmdSetVolume
}

// Controls carries user commands out of the TUI
type Controls struct {
	Commands chan Command
}

// NewControls creates a control channel set
func NewControls() *Controls {
	return &Controls{
		Commands: make(chan Command, 10),
	}
}

// send never blocks the UI; commands are dropped if the player is behind
func (c *Controls) send(cmd Command) {
	if c == nil {
		return
	}
	select {
	case c.Commands <- cmd:
	default:
	}
}

// StatusMsg updates TUI state. Zero or nil fields are left unchanged.
type StatusMsg struct {
	ControllerID string
	State        string
	Error        *string

	Backend   string
	Device    string
	Mirroring *bool
	MirrorURL string

	SampleRate      int
	Channels        int
	BitDepth        int
	FramesPerBuffer int

	Title  string
	Artist string
	Album  string

	Volume  *int
	Power   *float64
	Clipped bool

	Stats      *controller.Stats
	Underruns  uint64
	BufferedMs int
}

// NewModel creates a new TUI model
func NewModel(controls *Controls) Model {
	return Model{
		volume:   100,
		power:    -1000,
		controls: controls,
	}
}

// Run creates the TUI program; the caller runs it and feeds it StatusMsg
func Run(controls *Controls) *tea.Program {
	return tea.NewProgram(NewModel(controls), tea.WithAltScreen())
}
