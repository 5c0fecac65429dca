// ABOUTME: Audio output stream interfaces
// ABOUTME: Stream, render Callback and device Registry contracts shared by all backends
package output

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
)

var (
	ErrNotOpen            = errors.New("stream not open")
	ErrAlreadyOpen        = errors.New("stream already open")
	ErrUnsupportedBackend = errors.New("unsupported audio backend")
	ErrDeviceNotFound     = errors.New("audio device not found")
	ErrDeviceStopped      = errors.New("audio device stopped unexpectedly")
	ErrFormatMismatch     = errors.New("stream format does not match the shared audio context")
)

// Callback is the render target a Stream drives once started.
//
// OnMoreIOData is invoked on the platform's audio thread. source carries
// captured input for duplex streams and is nil otherwise. pendingBytes is the
// amount of audio the platform still has buffered. It returns the number of
// frames written to dest; the stream plays silence for the rest.
type Callback interface {
	OnMoreIOData(source, dest *audio.Bus, pendingBytes int) int

	// OnError reports an asynchronous platform failure. It may be called from
	// any goroutine.
	OnError(stream Stream, err error)
}

// Stream is one opened audio sink
type Stream interface {
	// Open acquires the device. Must be called before Start.
	Open() error

	// Start begins invoking cb from the audio thread
	Start(cb Callback) error

	// Stop halts the callback. No callback runs after Stop returns.
	Stop() error

	// Close releases the device. The stream may not be restarted.
	Close() error

	// SetVolume sets the output gain in [0, 1]
	SetVolume(volume float64)
}

// DeviceChangeListener is notified when the set of output devices changes
type DeviceChangeListener interface {
	OnDeviceChange()
}

// Registry creates platform streams and distributes device change events
type Registry interface {
	MakeOutputStream(params audio.Params, outputDeviceID, inputDeviceID string) (Stream, error)
	AddDeviceChangeListener(l DeviceChangeListener)
	RemoveDeviceChangeListener(l DeviceChangeListener)
}

// DefaultDeviceID selects the system default device
const DefaultDeviceID = "default"

// IsDefaultDevice reports whether id selects the default device
func IsDefaultDevice(id string) bool {
	return id == "" || id == DefaultDeviceID
}

// Backend selects the platform audio library
type Backend int

const (
	BackendMalgo Backend = iota
	BackendOto
	BackendPortAudio
)

func (b Backend) String() string {
	switch b {
	case BackendMalgo:
		return "malgo"
	case BackendOto:
		return "oto"
	case BackendPortAudio:
		return "portaudio"
	default:
		return "unknown"
	}
}

// ParseBackend parses a backend name as used in configuration
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "malgo", "miniaudio":
		return BackendMalgo, nil
	case "oto":
		return BackendOto, nil
	case "portaudio":
		return BackendPortAudio, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedBackend, name)
	}
}

// DeviceInfo describes an output device
type DeviceInfo struct {
	ID      string
	Name    string
	Default bool
}
