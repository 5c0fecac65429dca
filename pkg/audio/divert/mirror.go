// ABOUTME: Output stream that mirrors rendered audio to a remote sink over websocket
// ABOUTME: Used as a diversion target by the output controller
package divert

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/output"
	"github.com/gorilla/websocket"
)

const (
	// DefaultInterval is the duration of audio sent per message
	DefaultInterval = 20 * time.Millisecond

	// DefaultCodec is used when MirrorConfig.Codec is empty
	DefaultCodec = "pcm"

	writeTimeout     = 2 * time.Second
	handshakeTimeout = 5 * time.Second
)

// MirrorConfig holds mirror stream configuration
type MirrorConfig struct {
	URL      string        // ws://host:port/mirror
	Codec    string        // "pcm" or "opus"
	Interval time.Duration // audio per message
}

// MirrorStream is an output.Stream whose "device" is a websocket sink.
// Unlike platform streams it may be reopened after Close.
type MirrorStream struct {
	config    MirrorConfig
	params    audio.Params
	format    audio.Format
	frameType byte

	mu      sync.Mutex
	conn    *websocket.Conn
	enc     encoder
	stop    chan struct{}
	done    chan struct{}
	started bool

	gainBits atomic.Uint64
	sent     atomic.Uint64

	bus   *audio.Bus
	frame []byte
}

// NewMirrorStream creates a mirror stream. Nothing is dialled until Open.
func NewMirrorStream(params audio.Params, config MirrorConfig) (*MirrorStream, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if config.URL == "" {
		return nil, errors.New("mirror URL is required")
	}
	if config.Codec == "" {
		config.Codec = DefaultCodec
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	frameType, err := frameTypeFor(config.Codec)
	if err != nil {
		return nil, err
	}

	frames := int(int64(params.SampleRate) * int64(config.Interval) / int64(time.Second))
	if frames < 1 {
		return nil, fmt.Errorf("mirror interval %v too short for %dHz", config.Interval, params.SampleRate)
	}

	s := &MirrorStream{
		config: config,
		params: params,
		format: audio.Format{
			Codec:      config.Codec,
			SampleRate: params.SampleRate,
			Channels:   params.Channels,
			BitDepth:   16,
		},
		frameType: frameType,
		bus:       audio.NewBus(params.Channels, frames),
		frame:     make([]byte, 0, frameHeaderSize+frames*params.Channels*2),
	}
	s.gainBits.Store(math.Float64bits(1.0))
	return s, nil
}

// URL returns the sink address
func (s *MirrorStream) URL() string { return s.config.URL }

// Format returns the format announced to the sink
func (s *MirrorStream) Format() audio.Format { return s.format }

// FramesSent counts audio messages written since creation
func (s *MirrorStream) FramesSent() uint64 { return s.sent.Load() }

// Open dials the sink and sends the hello
func (s *MirrorStream) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return output.ErrAlreadyOpen
	}

	enc, err := newEncoder(s.format, s.bus.Frames)
	if err != nil {
		return err
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout
	conn, _, err := dialer.Dial(s.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to mirror sink: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(NewHello(s.format)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send hello: %w", err)
	}

	log.Printf("Mirroring to %s (%s %dHz %dch)", s.config.URL, s.format.Codec, s.format.SampleRate, s.format.Channels)
	s.conn = conn
	s.enc = enc
	return nil
}

// Start begins rendering cb every interval and sending the result
func (s *MirrorStream) Start(cb output.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return output.ErrNotOpen
	}
	if s.started {
		return nil
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.started = true
	go s.run(cb, s.conn, s.enc, s.stop, s.done)
	return nil
}

// Stop halts rendering and waits for the send goroutine to exit
func (s *MirrorStream) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	return nil
}

// Close stops and disconnects. The stream can be opened again.
func (s *MirrorStream) Close() error {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	s.enc = nil

	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

// SetVolume sets the software gain applied before encoding
func (s *MirrorStream) SetVolume(volume float64) {
	switch {
	case volume < 0 || math.IsNaN(volume):
		volume = 0
	case volume > 1:
		volume = 1
	}
	s.gainBits.Store(math.Float64bits(volume))
}

func (s *MirrorStream) run(cb output.Callback, conn *websocket.Conn, enc encoder, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if err := s.sendOnce(cb, conn, enc); err != nil {
			log.Printf("Mirror send failed: %v", err)
			cb.OnError(s, err)
			return
		}
	}
}

// sendOnce renders one interval and writes it as a binary message
func (s *MirrorStream) sendOnce(cb output.Callback, conn *websocket.Conn, enc encoder) error {
	bus := s.bus
	bus.Resize(cap(bus.Samples) / bus.Channels)
	timestamp := time.Now().UnixMicro()

	frames := cb.OnMoreIOData(nil, bus, 0)
	if frames < 0 {
		frames = 0
	} else if frames > bus.Frames {
		frames = bus.Frames
	}
	bus.ZeroFramesFrom(frames)
	audio.ApplyGain(bus.Samples, math.Float64frombits(s.gainBits.Load()))

	payload, err := enc.Encode(bus.Samples)
	if err != nil {
		return err
	}
	s.frame = AppendFrame(s.frame[:0], s.frameType, timestamp, payload)

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, s.frame); err != nil {
		return fmt.Errorf("mirror write failed: %w", err)
	}
	s.sent.Add(1)
	return nil
}
