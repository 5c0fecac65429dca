// ABOUTME: Tests for the output package
// ABOUTME: Covers backend parsing, the device registry and render paths without hardware
package output

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
)

type countingListener struct {
	calls atomic.Int32
}

func (l *countingListener) OnDeviceChange() {
	l.calls.Add(1)
}

// constCallback fills frames with a constant value
type constCallback struct {
	value   int32
	frames  int // frames to report per call, -1 for all
	calls   int
	pending []int
}

func (c *constCallback) OnMoreIOData(source, dest *audio.Bus, pendingBytes int) int {
	c.calls++
	c.pending = append(c.pending, pendingBytes)
	n := dest.Frames
	if c.frames >= 0 && c.frames < n {
		n = c.frames
	}
	for i := 0; i < n*dest.Channels; i++ {
		dest.Samples[i] = c.value
	}
	return n
}

func (c *constCallback) OnError(Stream, error) {}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    Backend
		wantErr bool
	}{
		{"", BackendMalgo, false},
		{"malgo", BackendMalgo, false},
		{"MiniAudio", BackendMalgo, false},
		{" oto ", BackendOto, false},
		{"portaudio", BackendPortAudio, false},
		{"alsa", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseBackend(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnsupportedBackend) {
				t.Errorf("ParseBackend(%q): expected ErrUnsupportedBackend, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseBackend(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBackend(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewManagerRejectsUnknownBackend(t *testing.T) {
	if _, err := NewManager(Backend(42)); !errors.Is(err, ErrUnsupportedBackend) {
		t.Errorf("expected ErrUnsupportedBackend, got %v", err)
	}
}

func TestManagerListeners(t *testing.T) {
	mgr, err := NewManager(BackendOto)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	a, b := &countingListener{}, &countingListener{}
	mgr.AddDeviceChangeListener(a)
	mgr.AddDeviceChangeListener(a)
	mgr.AddDeviceChangeListener(b)
	if n := mgr.ListenerCount(); n != 2 {
		t.Fatalf("expected 2 listeners, got %d", n)
	}

	mgr.NotifyDeviceChange()
	if a.calls.Load() != 1 || b.calls.Load() != 1 {
		t.Errorf("expected one notification each, got %d and %d", a.calls.Load(), b.calls.Load())
	}

	mgr.RemoveDeviceChangeListener(a)
	mgr.NotifyDeviceChange()
	if a.calls.Load() != 1 {
		t.Errorf("removed listener was notified")
	}
	if b.calls.Load() != 2 {
		t.Errorf("expected second notification for remaining listener, got %d", b.calls.Load())
	}
}

type selfRemovingListener struct {
	mgr   *Manager
	calls int
}

func (l *selfRemovingListener) OnDeviceChange() {
	l.calls++
	l.mgr.RemoveDeviceChangeListener(l)
}

func TestListenerMayDeregisterDuringNotify(t *testing.T) {
	mgr, _ := NewManager(BackendOto)
	l := &selfRemovingListener{mgr: mgr}
	mgr.AddDeviceChangeListener(l)

	mgr.NotifyDeviceChange()
	mgr.NotifyDeviceChange()
	if l.calls != 1 {
		t.Errorf("expected 1 call, got %d", l.calls)
	}
}

func TestMakeOutputStreamValidatesParams(t *testing.T) {
	mgr, _ := NewManager(BackendOto)

	_, err := mgr.MakeOutputStream(audio.Params{}, DefaultDeviceID, "")
	if !errors.Is(err, audio.ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}

	_, err = mgr.MakeOutputStream(audio.DefaultParams(), "hdmi-2", "")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound for oto non-default device, got %v", err)
	}
}

func TestOtoDevices(t *testing.T) {
	mgr, _ := NewManager(BackendOto)
	devices, err := mgr.Devices()
	if err != nil {
		t.Fatalf("Devices failed: %v", err)
	}
	if len(devices) != 1 || !devices[0].Default || devices[0].ID != DefaultDeviceID {
		t.Errorf("unexpected device list: %+v", devices)
	}
}

func TestDevicesChanged(t *testing.T) {
	base := []DeviceInfo{{ID: "a", Default: true}, {ID: "b"}}

	tests := []struct {
		name  string
		after []DeviceInfo
		want  bool
	}{
		{"same", []DeviceInfo{{ID: "a", Default: true}, {ID: "b"}}, false},
		{"reordered", []DeviceInfo{{ID: "b"}, {ID: "a", Default: true}}, false},
		{"renamed only", []DeviceInfo{{ID: "a", Name: "Speakers", Default: true}, {ID: "b"}}, false},
		{"added", []DeviceInfo{{ID: "a", Default: true}, {ID: "b"}, {ID: "c"}}, true},
		{"removed", []DeviceInfo{{ID: "a", Default: true}}, true},
		{"default moved", []DeviceInfo{{ID: "a"}, {ID: "b", Default: true}}, true},
	}

	for _, tt := range tests {
		if got := DevicesChanged(base, tt.after); got != tt.want {
			t.Errorf("%s: DevicesChanged = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsDefaultDevice(t *testing.T) {
	if !IsDefaultDevice("") || !IsDefaultDevice(DefaultDeviceID) {
		t.Error("empty and default ids should select the default device")
	}
	if IsDefaultDevice("hw:1,0") {
		t.Error("explicit id should not be the default device")
	}
}

func TestRenderGateCloseWaitsForRender(t *testing.T) {
	var g renderGate
	g.open(&constCallback{})

	if g.enter() == nil {
		t.Fatal("expected callback while open")
	}

	closed := make(chan struct{})
	go func() {
		g.close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned while a render was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	g.exit()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close did not return after render finished")
	}

	if cb := g.enter(); cb != nil {
		t.Error("expected nil callback after close")
	}
	g.exit()
	if g.isOpen() {
		t.Error("gate should report closed")
	}
}

func TestMalgoRenderChunksAndPacks(t *testing.T) {
	params := audio.Params{SampleRate: 48000, Channels: 2, BitDepth: 16, FramesPerBuffer: 4}
	s := newMalgoStream(nil, params, DefaultDeviceID, "")
	cb := &constCallback{value: 0x010000, frames: -1}
	s.gate.open(cb)

	out := make([]byte, 10*params.BytesPerFrame())
	s.onData(out, nil, 10)

	if cb.calls != 3 {
		t.Errorf("expected 10 frames rendered in 3 chunks, got %d calls", cb.calls)
	}
	// 0x010000 >> 8 = 0x0100 little-endian
	for i := 0; i < len(out); i += 2 {
		if out[i] != 0x00 || out[i+1] != 0x01 {
			t.Fatalf("byte %d: expected 00 01, got %02x %02x", i, out[i], out[i+1])
		}
	}
}

func TestMalgoReportsQueuedBytes(t *testing.T) {
	params := audio.Params{SampleRate: 48000, Channels: 2, BitDepth: 16, FramesPerBuffer: 4}
	s := newMalgoStream(nil, params, DefaultDeviceID, "")
	cb := &constCallback{value: 1, frames: -1}
	s.gate.open(cb)

	s.onData(make([]byte, 10*params.BytesPerFrame()), nil, 10)

	queued := malgoPeriods * 4 * params.BytesPerFrame()
	want := []int{queued, queued + 4*params.BytesPerFrame(), queued + 8*params.BytesPerFrame()}
	if len(cb.pending) != len(want) {
		t.Fatalf("expected %d renders, got %d", len(want), len(cb.pending))
	}
	for i := range want {
		if cb.pending[i] != want[i] {
			t.Errorf("render %d: expected pending %d, got %d", i, want[i], cb.pending[i])
		}
	}
}

func TestMalgoRenderZeroFillsShortReadAndAppliesGain(t *testing.T) {
	params := audio.Params{SampleRate: 48000, Channels: 1, BitDepth: 24, FramesPerBuffer: 8}
	s := newMalgoStream(nil, params, DefaultDeviceID, "")
	s.SetVolume(0.5)
	cb := &constCallback{value: 0x200000, frames: 2}
	s.gate.open(cb)

	out := make([]byte, 4*3)
	for i := range out {
		out[i] = 0xAA
	}
	s.onData(out, nil, 4)

	want := []byte{0x00, 0x00, 0x10, 0x00, 0x00, 0x10, 0, 0, 0, 0, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("expected %x, got %x", want, out)
		}
	}
}

func TestMalgoRenderSilentWhenStopped(t *testing.T) {
	params := audio.Params{SampleRate: 48000, Channels: 1, BitDepth: 16, FramesPerBuffer: 8}
	s := newMalgoStream(nil, params, DefaultDeviceID, "")

	out := []byte{1, 2, 3, 4}
	s.onData(out, nil, 2)
	for i, b := range out {
		if b != 0 {
			t.Fatalf("byte %d: expected silence, got %d", i, b)
		}
	}
}

func TestOtoReaderPullsFromCallback(t *testing.T) {
	params := audio.Params{SampleRate: 48000, Channels: 2, BitDepth: 16, FramesPerBuffer: 4}
	s := newOtoStream(params)
	cb := &constCallback{value: -0x010000, frames: -1}
	s.gate.open(cb)

	p := make([]byte, 6*4+1)
	n, err := otoReader{s}.Read(p)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 24 {
		t.Errorf("expected whole frames only (24 bytes), got %d", n)
	}
	if cb.calls != 2 {
		t.Errorf("expected 2 render calls, got %d", cb.calls)
	}
	for _, pending := range cb.pending {
		if pending != s.pending {
			t.Errorf("expected pending %d, got %d", s.pending, pending)
		}
	}
	if p[0] != 0x00 || p[1] != 0xFF {
		t.Errorf("expected -256 as 00 ff, got %02x %02x", p[0], p[1])
	}
}

func TestClampVolume(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{-1, 0}, {0, 0}, {0.25, 0.25}, {1, 1}, {3, 1}, {math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := clampVolume(tt.in); got != tt.want {
			t.Errorf("clampVolume(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNotifyDeviceChangeConcurrentWithRegistration(t *testing.T) {
	mgr, _ := NewManager(BackendOto)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := &countingListener{}
			mgr.AddDeviceChangeListener(l)
			mgr.NotifyDeviceChange()
			mgr.RemoveDeviceChangeListener(l)
		}()
	}
	wg.Wait()
	if n := mgr.ListenerCount(); n != 0 {
		t.Errorf("expected all listeners removed, got %d", n)
	}
}
