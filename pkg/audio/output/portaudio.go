//go:build portaudio

// ABOUTME: PortAudio output stream
// ABOUTME: Cross-platform playback using PortAudio's callback API
package output

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
	"github.com/gordonklaus/portaudio"
)

var (
	paMu    sync.Mutex
	paUsers int
)

func portAudioAcquire() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paUsers == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize portaudio: %w", err)
		}
	}
	paUsers++
	return nil
}

func portAudioRelease() {
	paMu.Lock()
	defer paMu.Unlock()
	paUsers--
	if paUsers == 0 {
		portaudio.Terminate()
	}
}

type portAudioStream struct {
	params   audio.Params
	deviceID string

	mu       sync.Mutex
	stream   *portaudio.Stream
	acquired bool
	started  bool
	closed   bool

	gate     renderGate
	gainBits atomic.Uint64

	// PortAudio callback thread only
	bus *audio.Bus
}

func newPortAudioStream(params audio.Params, deviceID string) (Stream, error) {
	s := &portAudioStream{
		params:   params,
		deviceID: deviceID,
		bus:      audio.NewBus(params.Channels, params.FramesPerBuffer),
	}
	s.gainBits.Store(math.Float64bits(1.0))
	return s, nil
}

func (s *portAudioStream) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if s.stream != nil {
		return ErrAlreadyOpen
	}

	if err := portAudioAcquire(); err != nil {
		return err
	}
	s.acquired = true

	var (
		stream *portaudio.Stream
		err    error
	)
	if IsDefaultDevice(s.deviceID) {
		stream, err = portaudio.OpenDefaultStream(0, s.params.Channels, float64(s.params.SampleRate),
			s.params.FramesPerBuffer, s.render)
	} else {
		var dev *portaudio.DeviceInfo
		dev, err = portAudioDevice(s.deviceID)
		if err == nil {
			p := portaudio.HighLatencyParameters(nil, dev)
			p.Output.Channels = s.params.Channels
			p.SampleRate = float64(s.params.SampleRate)
			p.FramesPerBuffer = s.params.FramesPerBuffer
			stream, err = portaudio.OpenStream(p, s.render)
		}
	}
	if err != nil {
		portAudioRelease()
		s.acquired = false
		return fmt.Errorf("failed to open stream: %w", err)
	}

	s.stream = stream
	return nil
}

func (s *portAudioStream) Start(cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return ErrNotOpen
	}
	if s.started {
		return nil
	}
	s.gate.open(cb)
	if err := s.stream.Start(); err != nil {
		s.gate.close()
		return fmt.Errorf("failed to start stream: %w", err)
	}
	s.started = true
	return nil
}

func (s *portAudioStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gate.close()
	if s.stream == nil || !s.started {
		return nil
	}
	s.started = false
	return s.stream.Stop()
}

func (s *portAudioStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.gate.close()

	var err error
	if s.stream != nil {
		if s.started {
			err = s.stream.Stop()
			s.started = false
		}
		if cerr := s.stream.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.stream = nil
	}
	if s.acquired {
		portAudioRelease()
		s.acquired = false
	}
	return err
}

func (s *portAudioStream) SetVolume(volume float64) {
	s.gainBits.Store(math.Float64bits(clampVolume(volume)))
}

// render runs on PortAudio's callback thread. Samples are 24-bit values in
// the upper bits of the int32 container.
func (s *portAudioStream) render(out []int32) {
	cb := s.gate.enter()
	defer s.gate.exit()

	if cb == nil {
		clear(out)
		return
	}

	channels := s.params.Channels
	total := len(out) / channels
	gain := math.Float64frombits(s.gainBits.Load())

	for offset := 0; offset < total; {
		n := total - offset
		if n > s.params.FramesPerBuffer {
			n = s.params.FramesPerBuffer
		}
		s.bus.Resize(n)

		written := cb.OnMoreIOData(nil, s.bus, 0)
		if written < 0 {
			written = 0
		}
		s.bus.ZeroFramesFrom(written)
		audio.ApplyGain(s.bus.Samples, gain)

		dst := out[offset*channels : (offset+n)*channels]
		for i, v := range s.bus.Samples {
			dst[i] = v << 8
		}
		offset += n
	}
}

func portAudioDevice(id string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for i, d := range devices {
		if d.MaxOutputChannels > 0 && (strconv.Itoa(i) == id || d.Name == id) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
}

func portAudioDevices() ([]DeviceInfo, error) {
	if err := portAudioAcquire(); err != nil {
		return nil, err
	}
	defer portAudioRelease()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	def, _ := portaudio.DefaultOutputDevice()

	var out []DeviceInfo
	for i, d := range devices {
		if d.MaxOutputChannels == 0 {
			continue
		}
		out = append(out, DeviceInfo{
			ID:      strconv.Itoa(i),
			Name:    d.Name,
			Default: def != nil && d.Name == def.Name,
		})
	}
	return out, nil
}
