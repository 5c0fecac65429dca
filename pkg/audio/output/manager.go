// ABOUTME: Registry implementation backed by a platform audio library
// ABOUTME: Creates streams, enumerates devices and fans out device change events
package output

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
	"github.com/gen2brain/malgo"
)

// DefaultWatchInterval is how often Watch polls the device list
const DefaultWatchInterval = 2 * time.Second

// Manager is the platform Registry. It is safe for concurrent use.
type Manager struct {
	backend Backend

	mu        sync.Mutex
	listeners []DeviceChangeListener
	malgoCtx  *malgo.AllocatedContext
	closed    bool
}

// NewManager creates a registry for the given backend
func NewManager(backend Backend) (*Manager, error) {
	switch backend {
	case BackendMalgo, BackendOto, BackendPortAudio:
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedBackend, backend)
	}
	return &Manager{backend: backend}, nil
}

// Backend returns the platform library in use
func (m *Manager) Backend() Backend {
	return m.backend
}

// MakeOutputStream creates an unopened stream on the named output device.
// inputDeviceID is only honoured by the malgo backend, which opens a duplex
// device when it is set.
func (m *Manager) MakeOutputStream(params audio.Params, outputDeviceID, inputDeviceID string) (Stream, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	switch m.backend {
	case BackendMalgo:
		ctx, err := m.malgoContext()
		if err != nil {
			return nil, err
		}
		return newMalgoStream(ctx, params, outputDeviceID, inputDeviceID), nil
	case BackendOto:
		if !IsDefaultDevice(outputDeviceID) {
			return nil, fmt.Errorf("%w: oto only plays to the default device, got %q", ErrDeviceNotFound, outputDeviceID)
		}
		return newOtoStream(params), nil
	case BackendPortAudio:
		return newPortAudioStream(params, outputDeviceID)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedBackend, m.backend)
	}
}

// AddDeviceChangeListener registers l. Adding the same listener twice has no effect.
func (m *Manager) AddDeviceChangeListener(l DeviceChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.listeners {
		if existing == l {
			return
		}
	}
	m.listeners = append(m.listeners, l)
}

// RemoveDeviceChangeListener unregisters l
func (m *Manager) RemoveDeviceChangeListener(l DeviceChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// ListenerCount returns the number of registered listeners
func (m *Manager) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// NotifyDeviceChange delivers a device change to every registered listener.
// Listeners are called without the lock held so they may deregister.
func (m *Manager) NotifyDeviceChange() {
	m.mu.Lock()
	snapshot := make([]DeviceChangeListener, len(m.listeners))
	copy(snapshot, m.listeners)
	m.mu.Unlock()

	for _, l := range snapshot {
		l.OnDeviceChange()
	}
}

// Devices lists the output devices known to the backend
func (m *Manager) Devices() ([]DeviceInfo, error) {
	switch m.backend {
	case BackendMalgo:
		ctx, err := m.malgoContext()
		if err != nil {
			return nil, err
		}
		return malgoDevices(ctx)
	case BackendOto:
		return []DeviceInfo{{ID: DefaultDeviceID, Name: "System default", Default: true}}, nil
	case BackendPortAudio:
		return portAudioDevices()
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedBackend, m.backend)
	}
}

// Watch polls the device list and notifies listeners when it changes.
// It blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	known, err := m.Devices()
	if err != nil {
		return fmt.Errorf("initial device scan failed: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current, err := m.Devices()
			if err != nil {
				log.Printf("Device scan failed: %v", err)
				continue
			}
			if DevicesChanged(known, current) {
				log.Printf("Output devices changed (%d -> %d)", len(known), len(current))
				known = current
				m.NotifyDeviceChange()
			}
		}
	}
}

// Close releases the shared backend context. Streams must be closed first.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.listeners = nil

	if m.malgoCtx != nil {
		if err := m.malgoCtx.Uninit(); err != nil {
			log.Printf("Warning: malgo context uninit error: %v", err)
		}
		m.malgoCtx.Free()
		m.malgoCtx = nil
	}
	return nil
}

func (m *Manager) malgoContext() (*malgo.AllocatedContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("audio manager closed")
	}
	if m.malgoCtx == nil {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
		}
		m.malgoCtx = ctx
	}
	return m.malgoCtx, nil
}

// DevicesChanged reports whether two device lists differ in membership or in
// which device is the default
func DevicesChanged(before, after []DeviceInfo) bool {
	if len(before) != len(after) {
		return true
	}
	key := func(list []DeviceInfo) []string {
		keys := make([]string, len(list))
		for i, d := range list {
			def := "0"
			if d.Default {
				def = "1"
			}
			keys[i] = d.ID + "\x00" + def
		}
		sort.Strings(keys)
		return keys
	}
	a, b := key(before), key(after)
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}
