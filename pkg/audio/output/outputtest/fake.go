// ABOUTME: In-memory Stream and Registry fakes for testing output consumers
// ABOUTME: Renders on demand and records every call so tests can assert ordering
package outputtest

import (
	"errors"
	"sync"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/output"
)

// ErrInjected is the default error returned by scripted failures
var ErrInjected = errors.New("injected failure")

// FakeStream is an output.Stream driven by the test. Nothing renders until
// Render is called.
type FakeStream struct {
	DeviceID string
	Params   audio.Params

	renderMu sync.Mutex // held across a render so Stop can wait for it

	mu         sync.Mutex
	openErr    error
	startErr   error
	opened     bool
	started    bool
	closed     bool
	cb         output.Callback
	lastCb     output.Callback
	volume     float64
	volumes    []float64
	openCalls  int
	startCalls int
	stopCalls  int
	closeCalls int
	pending    int
}

// NewFakeStream creates an unopened fake stream
func NewFakeStream(params audio.Params, deviceID string) *FakeStream {
	return &FakeStream{DeviceID: deviceID, Params: params, volume: 1.0}
}

// FailOpen makes the next Open calls return err
func (s *FakeStream) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// FailStart makes the next Start calls return err
func (s *FakeStream) FailStart(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

// SetPendingBytes sets the delay reported to the callback
func (s *FakeStream) SetPendingBytes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = n
}

func (s *FakeStream) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openCalls++
	if s.openErr != nil {
		return s.openErr
	}
	if s.closed {
		return errors.New("fake stream closed")
	}
	s.opened = true
	return nil
}

func (s *FakeStream) Start(cb output.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	if s.startErr != nil {
		return s.startErr
	}
	if !s.opened || s.closed {
		return output.ErrNotOpen
	}
	s.started = true
	s.cb = cb
	s.lastCb = cb
	return nil
}

func (s *FakeStream) Stop() error {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	s.started = false
	s.cb = nil
	return nil
}

func (s *FakeStream) Close() error {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.started = false
	s.cb = nil
	s.closed = true
	return nil
}

func (s *FakeStream) SetVolume(volume float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = volume
	s.volumes = append(s.volumes, volume)
}

// Render runs one callback of the given size as the audio thread would.
// Returns the frames the callback produced and false if the stream is not
// started.
func (s *FakeStream) Render(frames int) (int, bool) {
	bus := audio.NewBus(s.Params.Channels, frames)
	n, ok := s.RenderInto(bus)
	return n, ok
}

// RenderInto renders into a caller-provided bus
func (s *FakeStream) RenderInto(dest *audio.Bus) (int, bool) {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	s.mu.Lock()
	cb := s.cb
	pending := s.pending
	s.mu.Unlock()

	if cb == nil {
		return 0, false
	}
	return cb.OnMoreIOData(nil, dest, pending), true
}

// FireError reports an asynchronous platform error to the most recent callback
func (s *FakeStream) FireError(err error) bool {
	s.mu.Lock()
	cb := s.lastCb
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb.OnError(s, err)
	return true
}

func (s *FakeStream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened && !s.closed
}

func (s *FakeStream) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *FakeStream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FakeStream) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// Volumes returns every value passed to SetVolume
func (s *FakeStream) Volumes() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.volumes))
	copy(out, s.volumes)
	return out
}

// Calls reports how often each lifecycle method ran
type Calls struct {
	Open, Start, Stop, Close int
}

func (s *FakeStream) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Calls{Open: s.openCalls, Start: s.startCalls, Stop: s.stopCalls, Close: s.closeCalls}
}

// FakeRegistry is an output.Registry that hands out FakeStreams
type FakeRegistry struct {
	mu        sync.Mutex
	createErr error
	openErr   error
	startErr  error
	streams   []*FakeStream
	listeners []output.DeviceChangeListener
	added     int
	removed   int
}

func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{}
}

// FailCreate makes MakeOutputStream return err until cleared with nil
func (r *FakeRegistry) FailCreate(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createErr = err
}

// FailOpen makes streams created from now on fail to open
func (r *FakeRegistry) FailOpen(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openErr = err
}

// FailStart makes streams created from now on fail to start
func (r *FakeRegistry) FailStart(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

func (r *FakeRegistry) MakeOutputStream(params audio.Params, outputDeviceID, inputDeviceID string) (output.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return nil, r.createErr
	}
	s := NewFakeStream(params, outputDeviceID)
	s.openErr = r.openErr
	s.startErr = r.startErr
	r.streams = append(r.streams, s)
	return s, nil
}

func (r *FakeRegistry) AddDeviceChangeListener(l output.DeviceChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added++
	r.listeners = append(r.listeners, l)
}

func (r *FakeRegistry) RemoveDeviceChangeListener(l output.DeviceChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.removed++
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// NotifyDeviceChange calls every registered listener
func (r *FakeRegistry) NotifyDeviceChange() {
	r.mu.Lock()
	snapshot := make([]output.DeviceChangeListener, len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.Unlock()

	for _, l := range snapshot {
		l.OnDeviceChange()
	}
}

func (r *FakeRegistry) ListenerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// ListenerChanges returns how many adds and effective removes happened
func (r *FakeRegistry) ListenerChanges() (added, removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.added, r.removed
}

// Streams returns every stream created so far, oldest first
func (r *FakeRegistry) Streams() []*FakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*FakeStream, len(r.streams))
	copy(out, r.streams)
	return out
}

// Last returns the most recently created stream or nil
func (r *FakeRegistry) Last() *FakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.streams) == 0 {
		return nil
	}
	return r.streams[len(r.streams)-1]
}

// OpenStreams counts streams that are open and not yet closed
func (r *FakeRegistry) OpenStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.streams {
		if s.IsOpen() {
			n++
		}
	}
	return n
}
