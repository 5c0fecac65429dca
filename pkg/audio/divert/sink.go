// ABOUTME: Websocket endpoint receiving mirrored audio into a sample ring
// ABOUTME: Accepts one mirror connection at a time
package divert

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio/reader"
	"github.com/gorilla/websocket"
)

// ErrFormatRejected is returned when a mirror announces a format the sink
// cannot play
var ErrFormatRejected = errors.New("mirror format rejected")

// SinkConfig holds sink configuration
type SinkConfig struct {
	// OnConnect is called after a valid hello
	OnConnect func(remote string, hello Hello)

	// OnDisconnect is called when the active mirror goes away
	OnDisconnect func(remote string, err error)
}

// Sink is an http.Handler that decodes mirrored audio into a Ring.
// The mirror must send audio at the ring's sample rate and channel count.
type Sink struct {
	ring       *reader.Ring
	sampleRate int
	config     SinkConfig
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	active string

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewSink creates a sink writing into ring at sampleRate
func NewSink(ring *reader.Ring, sampleRate int, config SinkConfig) *Sink {
	return &Sink{
		ring:       ring,
		sampleRate: sampleRate,
		config:     config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Mirrors are local network peers, not browsers
				origin := r.Header.Get("Origin")
				if origin != "" {
					log.Printf("Warning: accepting mirror from origin: %s", origin)
				}
				return true
			},
		},
	}
}

// Active returns the remote address of the connected mirror, if any
func (s *Sink) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// FramesReceived counts audio messages decoded into the ring
func (s *Sink) FramesReceived() uint64 { return s.received.Load() }

// SamplesDropped counts samples discarded because the ring was full
func (s *Sink) SamplesDropped() uint64 { return s.dropped.Load() }

// ServeHTTP upgrades the request and consumes the mirror until it closes
func (s *Sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.claim(r.RemoteAddr) {
		http.Error(w, "sink busy", http.StatusConflict)
		return
	}
	defer s.release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Mirror upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	err = s.consume(conn, r.RemoteAddr)
	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(r.RemoteAddr, err)
	}
}

func (s *Sink) claim(remote string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != "" {
		return false
	}
	s.active = remote
	return true
}

func (s *Sink) release() {
	s.mu.Lock()
	s.active = ""
	s.mu.Unlock()
}

func (s *Sink) consume(conn *websocket.Conn, remote string) error {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hello Hello
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("failed to read hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	dec, frameType, err := s.accept(hello)
	if err != nil {
		log.Printf("Rejecting mirror %s: %v", remote, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseUnsupportedData, err.Error()),
			time.Now().Add(time.Second))
		return err
	}

	log.Printf("Mirror connected from %s (%s %dHz %dch)", remote, hello.Codec, hello.SampleRate, hello.Channels)
	if s.config.OnConnect != nil {
		s.config.OnConnect(remote, hello)
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Mirror %s disconnected", remote)
				return nil
			}
			return err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		if err := s.handleFrame(dec, frameType, data); err != nil {
			log.Printf("Dropping mirror frame: %v", err)
		}
	}
}

// accept validates a hello and returns the matching decoder and frame type
func (s *Sink) accept(hello Hello) (decoder, byte, error) {
	if hello.Type != HelloType {
		return nil, 0, fmt.Errorf("%w: expected %s, got %q", ErrFormatRejected, HelloType, hello.Type)
	}
	if hello.SampleRate != s.sampleRate {
		return nil, 0, fmt.Errorf("%w: sample rate %d, sink plays %d", ErrFormatRejected, hello.SampleRate, s.sampleRate)
	}
	if hello.Channels != s.ring.Channels() {
		return nil, 0, fmt.Errorf("%w: %d channels, sink plays %d", ErrFormatRejected, hello.Channels, s.ring.Channels())
	}
	frameType, err := frameTypeFor(hello.Codec)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrFormatRejected, err)
	}
	dec, err := newDecoder(hello.Format())
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrFormatRejected, err)
	}
	return dec, frameType, nil
}

func (s *Sink) handleFrame(dec decoder, want byte, data []byte) error {
	frameType, _, payload, err := ParseFrame(data)
	if err != nil {
		return err
	}
	if frameType != want {
		return fmt.Errorf("%w: %d on a %d stream", ErrUnknownFrameType, frameType, want)
	}
	samples, err := dec.Decode(payload)
	if err != nil {
		return err
	}

	n := s.ring.Write(samples)
	if n < len(samples) {
		s.dropped.Add(uint64(len(samples) - n))
	}
	s.received.Add(1)
	return nil
}
