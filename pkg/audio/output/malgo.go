// ABOUTME: Malgo-based output stream with 16, 24 and 32-bit support
// ABOUTME: Pulls audio from the render Callback on miniaudio's device thread
package output

import (
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
	"github.com/gen2brain/malgo"
)

// malgoStream is one miniaudio playback (or duplex) device
// malgoPeriods is the number of device periods miniaudio queues ahead
const malgoPeriods = 3

type malgoStream struct {
	ctx      *malgo.AllocatedContext
	params   audio.Params
	outputID string
	inputID  string

	mu      sync.Mutex
	device  *malgo.Device
	started bool
	closed  bool

	// device IDs must outlive the device that points at them
	playbackID malgo.DeviceID
	captureID  malgo.DeviceID

	gate     renderGate
	gainBits atomic.Uint64
	stopping atomic.Bool

	// render thread only
	bus     *audio.Bus
	input   *audio.Bus
	pending int
}

func newMalgoStream(ctx *malgo.AllocatedContext, params audio.Params, outputID, inputID string) *malgoStream {
	s := &malgoStream{
		ctx:      ctx,
		params:   params,
		outputID: outputID,
		inputID:  inputID,
		bus:      audio.NewBus(params.Channels, params.FramesPerBuffer),
		pending:  malgoPendingBytes(params),
	}
	if inputID != "" {
		s.input = audio.NewBus(params.Channels, params.FramesPerBuffer)
	}
	s.gainBits.Store(math.Float64bits(1.0))
	return s
}

func malgoFormat(bitDepth int) (malgo.FormatType, error) {
	switch bitDepth {
	case 16:
		return malgo.FormatS16, nil
	case 24:
		return malgo.FormatS24, nil
	case 32:
		return malgo.FormatS32, nil
	default:
		return malgo.FormatUnknown, fmt.Errorf("unsupported bit depth: %d (supported: 16, 24, 32)", bitDepth)
	}
}

func (s *malgoStream) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if s.device != nil {
		return ErrAlreadyOpen
	}

	format, err := malgoFormat(s.params.BitDepth)
	if err != nil {
		return err
	}

	kind := malgo.Playback
	if s.input != nil {
		kind = malgo.Duplex
	}

	deviceConfig := malgo.DefaultDeviceConfig(kind)
	deviceConfig.Playback.Format = format
	deviceConfig.Playback.Channels = uint32(s.params.Channels)
	deviceConfig.SampleRate = uint32(s.params.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(s.params.FramesPerBuffer)
	deviceConfig.Periods = malgoPeriods
	deviceConfig.Alsa.NoMMap = 1

	if !IsDefaultDevice(s.outputID) {
		id, err := findMalgoDevice(s.ctx, malgo.Playback, s.outputID)
		if err != nil {
			return err
		}
		s.playbackID = id
		deviceConfig.Playback.DeviceID = s.playbackID.Pointer()
	}

	if s.input != nil {
		deviceConfig.Capture.Format = format
		deviceConfig.Capture.Channels = uint32(s.params.Channels)
		if !IsDefaultDevice(s.inputID) {
			id, err := findMalgoDevice(s.ctx, malgo.Capture, s.inputID)
			if err != nil {
				return err
			}
			s.captureID = id
			deviceConfig.Capture.DeviceID = s.captureID.Pointer()
		}
	}

	device, err := malgo.InitDevice(s.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize playback device %q: %w", s.outputID, err)
	}

	s.device = device
	log.Printf("Audio stream opened: %s on %q (malgo/%s)", s.params, s.deviceLabel(), formatName(format))
	return nil
}

func (s *malgoStream) Start(cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return ErrNotOpen
	}
	if s.started {
		return nil
	}

	s.gate.open(&streamCallback{stream: s, cb: cb})
	s.stopping.Store(false)
	if err := s.device.Start(); err != nil {
		s.gate.close()
		return fmt.Errorf("failed to start device: %w", err)
	}
	s.started = true
	return nil
}

func (s *malgoStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil || !s.started {
		s.gate.close()
		return nil
	}

	s.stopping.Store(true)
	s.gate.close()
	s.started = false
	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop device: %w", err)
	}
	return nil
}

func (s *malgoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.stopping.Store(true)
	s.gate.close()

	if s.device != nil {
		if s.started {
			if err := s.device.Stop(); err != nil {
				log.Printf("Warning: device stop error: %v", err)
			}
			s.started = false
		}
		s.device.Uninit()
		s.device = nil
	}
	return nil
}

func (s *malgoStream) SetVolume(volume float64) {
	s.gainBits.Store(math.Float64bits(clampVolume(volume)))
}

// onData is called by miniaudio on its device thread
func (s *malgoStream) onData(pOutput, pInput []byte, frameCount uint32) {
	cb := s.gate.enter()
	defer s.gate.exit()

	if cb == nil {
		clear(pOutput)
		return
	}

	bitDepth := s.params.BitDepth
	frameBytes := s.params.BytesPerFrame()
	gain := math.Float64frombits(s.gainBits.Load())
	total := int(frameCount)

	for offset := 0; offset < total; {
		n := total - offset
		if n > s.params.FramesPerBuffer {
			n = s.params.FramesPerBuffer
		}
		s.bus.Resize(n)

		var source *audio.Bus
		if s.input != nil && len(pInput) >= (offset+n)*frameBytes {
			s.input.Resize(n)
			audio.ReadPCM(pInput[offset*frameBytes:(offset+n)*frameBytes], s.input.Samples, bitDepth)
			source = s.input
		}

		written := cb.OnMoreIOData(source, s.bus, s.pending+offset*frameBytes)
		if written < 0 {
			written = 0
		}
		s.bus.ZeroFramesFrom(written)
		audio.ApplyGain(s.bus.Samples, gain)
		audio.PutPCM(pOutput[offset*frameBytes:], s.bus.Samples, bitDepth)

		offset += n
	}
}

// onStop fires when miniaudio stops the device, including when the device
// disappears underneath us
func (s *malgoStream) onStop() {
	if s.stopping.Load() {
		return
	}
	cb := s.gate.enter()
	defer s.gate.exit()
	if cb != nil {
		go cb.OnError(s, fmt.Errorf("%w: %q", ErrDeviceStopped, s.deviceLabel()))
	}
}

func (s *malgoStream) deviceLabel() string {
	if IsDefaultDevice(s.outputID) {
		return DefaultDeviceID
	}
	return s.outputID
}

// streamCallback wraps the callback so OnError reports the public stream
type streamCallback struct {
	stream Stream
	cb     Callback
}

func (w *streamCallback) OnMoreIOData(source, dest *audio.Bus, pendingBytes int) int {
	return w.cb.OnMoreIOData(source, dest, pendingBytes)
}

func (w *streamCallback) OnError(_ Stream, err error) {
	w.cb.OnError(w.stream, err)
}

func findMalgoDevice(ctx *malgo.AllocatedContext, kind malgo.DeviceType, id string) (malgo.DeviceID, error) {
	infos, err := ctx.Devices(kind)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for i := range infos {
		if infos[i].ID.String() == id {
			return infos[i].ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
}

func malgoDevices(ctx *malgo.AllocatedContext) ([]DeviceInfo, error) {
	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		info := &infos[i]
		devices = append(devices, DeviceInfo{
			ID:      info.ID.String(),
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// formatName returns human-readable format name
func formatName(format malgo.FormatType) string {
	switch format {
	case malgo.FormatS16:
		return "S16"
	case malgo.FormatS24:
		return "S24"
	case malgo.FormatS32:
		return "S32"
	default:
		return fmt.Sprintf("Unknown(%d)", format)
	}
}

// malgoPendingBytes estimates the audio queued in the device ahead of the
// block being rendered
func malgoPendingBytes(params audio.Params) int {
	return malgoPeriods * params.FramesPerBuffer * params.BytesPerFrame()
}

func clampVolume(volume float64) float64 {
	if volume < 0 || math.IsNaN(volume) {
		return 0
	}
	if volume > 1 {
		return 1
	}
	return volume
}
