// ABOUTME: Controller states, operations and the transition table
// ABOUTME: Every loop handler consults Permits before touching the stream
package controller

// State is the controller's lifecycle state
type State int

const (
	StateEmpty State = iota
	StateCreated
	StatePlaying
	StatePaused
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateCreated:
		return "created"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Op is a control operation executed on the controller's loop
type Op int

const (
	OpCreate Op = iota
	OpPlay
	OpPause
	OpClose
	OpSetVolume
	OpSwitchDevice
	OpDeviceChange
	OpStartDiverting
	OpStopDiverting
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpPlay:
		return "play"
	case OpPause:
		return "pause"
	case OpClose:
		return "close"
	case OpSetVolume:
		return "set-volume"
	case OpSwitchDevice:
		return "switch-device"
	case OpDeviceChange:
		return "device-change"
	case OpStartDiverting:
		return "start-diverting"
	case OpStopDiverting:
		return "stop-diverting"
	default:
		return "unknown"
	}
}

// AllStates lists every state, in declaration order
var AllStates = []State{StateEmpty, StateCreated, StatePlaying, StatePaused, StateError, StateClosed}

// AllOps lists every operation, in declaration order
var AllOps = []Op{
	OpCreate, OpPlay, OpPause, OpClose, OpSetVolume,
	OpSwitchDevice, OpDeviceChange, OpStartDiverting, OpStopDiverting,
}

// Permits reports whether op has any effect in state s. Nothing is permitted
// once Closed; a Close issued then is a no-op that still delivers its reply.
// A permitted DeviceChange is still ignored while output is diverted.
func Permits(s State, op Op) bool {
	if s == StateClosed {
		return false
	}

	switch op {
	case OpCreate:
		return s == StateEmpty || s == StateError
	case OpPlay:
		return s == StateCreated || s == StatePaused
	case OpPause:
		return s == StatePlaying
	case OpDeviceChange:
		return hasStream(s)
	case OpClose, OpSetVolume, OpSwitchDevice, OpStartDiverting, OpStopDiverting:
		return true
	default:
		return false
	}
}

// hasStream reports whether a stream is open in state s
func hasStream(s State) bool {
	return s == StateCreated || s == StatePlaying || s == StatePaused
}
