// ABOUTME: Oto-based output stream
// ABOUTME: Feeds an oto Player from the render Callback with 16-bit PCM
package output

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
	"github.com/ebitengine/oto/v3"
)

// oto only allows one context per process
var (
	otoMu     sync.Mutex
	otoCtx    *oto.Context
	otoParams audio.Params
)

func sharedOtoContext(params audio.Params) (*oto.Context, error) {
	otoMu.Lock()
	defer otoMu.Unlock()

	if otoCtx != nil {
		if otoParams.SampleRate != params.SampleRate || otoParams.Channels != params.Channels {
			return nil, fmt.Errorf("%w: have %dHz/%dch, want %dHz/%dch", ErrFormatMismatch,
				otoParams.SampleRate, otoParams.Channels, params.SampleRate, params.Channels)
		}
		return otoCtx, nil
	}

	op := &oto.NewContextOptions{
		SampleRate:   params.SampleRate,
		ChannelCount: params.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   otoBufferDuration(params),
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	otoCtx = ctx
	otoParams = params
	log.Printf("Oto context initialized: %dHz, %d channels", params.SampleRate, params.Channels)
	return otoCtx, nil
}

func otoBufferDuration(params audio.Params) time.Duration {
	return time.Duration(2*params.FramesPerBuffer) * time.Second / time.Duration(params.SampleRate)
}

// otoStream always renders 16-bit regardless of the requested depth
type otoStream struct {
	params audio.Params

	mu      sync.Mutex
	player  *oto.Player
	started bool
	closed  bool
	volume  float64

	gate    renderGate
	pending int

	// oto's reader goroutine only
	bus *audio.Bus
}

func newOtoStream(params audio.Params) *otoStream {
	if params.BitDepth != 16 {
		log.Printf("Warning: oto only supports 16-bit output, ignoring requested bitDepth=%d", params.BitDepth)
	}
	return &otoStream{
		params:  params,
		volume:  1.0,
		bus:     audio.NewBus(params.Channels, params.FramesPerBuffer),
		pending: 2 * params.FramesPerBuffer * params.Channels * 2,
	}
}

func (s *otoStream) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if s.player != nil {
		return ErrAlreadyOpen
	}

	ctx, err := sharedOtoContext(s.params)
	if err != nil {
		return err
	}
	s.player = ctx.NewPlayer(otoReader{s})
	s.player.SetVolume(s.volume)
	return nil
}

func (s *otoStream) Start(cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.player == nil {
		return ErrNotOpen
	}
	if s.started {
		return nil
	}
	s.gate.open(cb)
	s.player.Play()
	s.started = true
	return nil
}

func (s *otoStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gate.close()
	if s.player != nil && s.started {
		s.player.Pause()
	}
	s.started = false
	return nil
}

func (s *otoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.gate.close()
	s.started = false

	if s.player != nil {
		s.player.Pause()
		if err := s.player.Close(); err != nil {
			log.Printf("Warning: oto player close error: %v", err)
		}
		s.player = nil
	}
	return nil
}

func (s *otoStream) SetVolume(volume float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.volume = clampVolume(volume)
	if s.player != nil {
		s.player.SetVolume(s.volume)
	}
}

// otoReader adapts the render callback to the io.Reader oto pulls from
type otoReader struct {
	s *otoStream
}

func (r otoReader) Read(p []byte) (int, error) {
	s := r.s
	frameBytes := s.params.Channels * 2
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0, nil
	}

	cb := s.gate.enter()
	defer s.gate.exit()

	if cb == nil {
		clear(p[:frames*frameBytes])
		return frames * frameBytes, nil
	}

	for offset := 0; offset < frames; {
		n := frames - offset
		if n > s.params.FramesPerBuffer {
			n = s.params.FramesPerBuffer
		}
		s.bus.Resize(n)

		written := cb.OnMoreIOData(nil, s.bus, s.pending)
		if written < 0 {
			written = 0
		}
		s.bus.ZeroFramesFrom(written)
		audio.PutPCM(p[offset*frameBytes:], s.bus.Samples, 16)

		offset += n
	}
	return frames * frameBytes, nil
}
