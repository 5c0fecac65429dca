// ABOUTME: Tests for the mirror stream, sink and wire format
// ABOUTME: Runs a real websocket round trip over httptest
package divert

import (
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/output"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/reader"
	"github.com/gorilla/websocket"
)

// constCallback renders a constant sample value
type constCallback struct {
	value  int32
	frames int // frames to report; -1 means all
	calls  atomic.Int64

	mu   sync.Mutex
	errs []error
}

func (c *constCallback) OnMoreIOData(source, dest *audio.Bus, pendingBytes int) int {
	c.calls.Add(1)
	for i := range dest.Samples {
		dest.Samples[i] = c.value
	}
	if c.frames >= 0 {
		return c.frames
	}
	return dest.Frames
}

func (c *constCallback) OnError(stream output.Stream, err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *constCallback) errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func testParams() audio.Params {
	return audio.Params{SampleRate: 48000, Channels: 2, BitDepth: 16, FramesPerBuffer: 480}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/mirror"
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3}
	data := AppendFrame(nil, FrameOpus, 1234567, payload)

	if len(data) != frameHeaderSize+len(payload) {
		t.Fatalf("expected %d bytes, got %d", frameHeaderSize+len(payload), len(data))
	}
	frameType, ts, got, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if frameType != FrameOpus || ts != 1234567 || string(got) != string(payload) {
		t.Errorf("unexpected frame: type=%d ts=%d payload=%v", frameType, ts, got)
	}
}

func TestParseFrameErrors(t *testing.T) {
	if _, _, _, err := ParseFrame([]byte{4, 0, 0}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("expected ErrShortFrame, got %v", err)
	}
	bad := AppendFrame(nil, 9, 0, nil)
	if _, _, _, err := ParseFrame(bad); !errors.Is(err, ErrUnknownFrameType) {
		t.Errorf("expected ErrUnknownFrameType, got %v", err)
	}
}

func TestNewMirrorStreamValidation(t *testing.T) {
	tests := []struct {
		name   string
		params audio.Params
		config MirrorConfig
	}{
		{"missing url", testParams(), MirrorConfig{}},
		{"bad codec", testParams(), MirrorConfig{URL: "ws://x", Codec: "flac"}},
		{"bad params", audio.Params{}, MirrorConfig{URL: "ws://x"}},
	}
	for _, tt := range tests {
		if _, err := NewMirrorStream(tt.params, tt.config); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}

	s, err := NewMirrorStream(testParams(), MirrorConfig{URL: "ws://x"})
	if err != nil {
		t.Fatalf("NewMirrorStream failed: %v", err)
	}
	if s.Format().Codec != DefaultCodec || s.bus.Frames != 960 {
		t.Errorf("expected pcm with 960-frame bus, got %s/%d", s.Format().Codec, s.bus.Frames)
	}
}

func TestMirrorSetVolumeClamps(t *testing.T) {
	s, err := NewMirrorStream(testParams(), MirrorConfig{URL: "ws://x"})
	if err != nil {
		t.Fatalf("NewMirrorStream failed: %v", err)
	}

	tests := []struct {
		in, want float64
	}{
		{0.5, 0.5},
		{-0.1, 0},
		{1.7, 1},
		{math.NaN(), 0},
		{math.Inf(1), 1},
	}
	for _, tt := range tests {
		s.SetVolume(tt.in)
		if got := math.Float64frombits(s.gainBits.Load()); got != tt.want {
			t.Errorf("SetVolume(%v): expected gain %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestStartBeforeOpen(t *testing.T) {
	s, _ := NewMirrorStream(testParams(), MirrorConfig{URL: "ws://x"})
	if err := s.Start(&constCallback{}); !errors.Is(err, output.ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
}

func TestOpenUnreachableSink(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	s, _ := NewMirrorStream(testParams(), MirrorConfig{URL: url})
	if err := s.Open(); err == nil {
		t.Error("expected dial error")
	}
}

func TestMirrorToSinkPCM(t *testing.T) {
	params := testParams()
	ring := reader.NewRing(params.Channels, params.SampleRate)

	var connected atomic.Bool
	sink := NewSink(ring, params.SampleRate, SinkConfig{
		OnConnect: func(remote string, hello Hello) { connected.Store(true) },
	})
	server := httptest.NewServer(sink)
	defer server.Close()

	mirror, err := NewMirrorStream(params, MirrorConfig{URL: wsURL(server), Interval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewMirrorStream failed: %v", err)
	}
	if err := mirror.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := mirror.Open(); !errors.Is(err, output.ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}

	cb := &constCallback{value: 0x1234 << 8, frames: -1}
	mirror.SetVolume(0.5)
	if err := mirror.Start(cb); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "mirrored audio", func() bool { return ring.Available() >= 480 })
	if err := mirror.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !connected.Load() {
		t.Error("OnConnect not called")
	}

	dest := audio.NewBus(params.Channels, 240)
	ring.Read(nil, dest)
	want := int32(0x091A << 8)
	for i, s := range dest.Samples {
		if s != want {
			t.Fatalf("sample %d: expected %#x, got %#x", i, want, s)
		}
	}

	calls := cb.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if cb.calls.Load() != calls {
		t.Error("callback invoked after Stop returned")
	}

	mirror.Close()
	waitFor(t, "sink release", func() bool { return sink.Active() == "" })
	if sink.FramesReceived() == 0 || mirror.FramesSent() < sink.FramesReceived() {
		t.Errorf("sent %d, received %d", mirror.FramesSent(), sink.FramesReceived())
	}
}

func TestMirrorZeroFillsShortRender(t *testing.T) {
	params := testParams()
	ring := reader.NewRing(params.Channels, params.SampleRate)
	server := httptest.NewServer(NewSink(ring, params.SampleRate, SinkConfig{}))
	defer server.Close()

	mirror, _ := NewMirrorStream(params, MirrorConfig{URL: wsURL(server)})
	if err := mirror.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer mirror.Close()

	// half of each interval rendered, the rest must arrive as silence
	cb := &constCallback{value: 1 << 8, frames: 480}
	if err := mirror.sendOnce(cb, mirror.conn, mirror.enc); err != nil {
		t.Fatalf("sendOnce failed: %v", err)
	}
	waitFor(t, "one frame", func() bool { return ring.Available() == 960 })

	dest := audio.NewBus(params.Channels, 960)
	ring.Read(nil, dest)
	if dest.Samples[0] != 1<<8 || dest.Samples[479*2] != 1<<8 {
		t.Error("rendered frames lost")
	}
	if dest.Samples[480*2] != 0 || dest.Samples[959*2+1] != 0 {
		t.Error("unrendered frames not silenced")
	}
}

func TestMirrorReopenAfterClose(t *testing.T) {
	params := testParams()
	ring := reader.NewRing(params.Channels, params.SampleRate)
	sink := NewSink(ring, params.SampleRate, SinkConfig{})
	server := httptest.NewServer(sink)
	defer server.Close()

	mirror, _ := NewMirrorStream(params, MirrorConfig{URL: wsURL(server)})
	for i := 0; i < 2; i++ {
		if err := mirror.Open(); err != nil {
			t.Fatalf("open %d failed: %v", i, err)
		}
		waitFor(t, "sink claim", func() bool { return sink.Active() != "" })
		if err := mirror.Close(); err != nil {
			t.Fatalf("close %d failed: %v", i, err)
		}
		waitFor(t, "sink release", func() bool { return sink.Active() == "" })
	}
}

func TestSinkRejectsSecondMirror(t *testing.T) {
	params := testParams()
	ring := reader.NewRing(params.Channels, params.SampleRate)
	sink := NewSink(ring, params.SampleRate, SinkConfig{})
	server := httptest.NewServer(sink)
	defer server.Close()

	first, _ := NewMirrorStream(params, MirrorConfig{URL: wsURL(server)})
	if err := first.Open(); err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	defer first.Close()
	waitFor(t, "sink claim", func() bool { return sink.Active() != "" })

	second, _ := NewMirrorStream(params, MirrorConfig{URL: wsURL(server)})
	if err := second.Open(); err == nil {
		second.Close()
		t.Error("expected second mirror to be rejected")
	}
}

func TestSinkRejectsFormatMismatch(t *testing.T) {
	params := testParams()
	ring := reader.NewRing(params.Channels, params.SampleRate)

	disconnected := make(chan error, 1)
	sink := NewSink(ring, 44100, SinkConfig{
		OnDisconnect: func(remote string, err error) { disconnected <- err },
	})
	server := httptest.NewServer(sink)
	defer server.Close()

	mirror, _ := NewMirrorStream(params, MirrorConfig{URL: wsURL(server)})
	if err := mirror.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer mirror.Close()

	select {
	case err := <-disconnected:
		if !errors.Is(err, ErrFormatRejected) {
			t.Errorf("expected ErrFormatRejected, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("sink did not reject the mirror")
	}
}

func TestSinkIgnoresBadFrames(t *testing.T) {
	params := testParams()
	ring := reader.NewRing(params.Channels, params.SampleRate)
	sink := NewSink(ring, params.SampleRate, SinkConfig{})
	server := httptest.NewServer(sink)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	hello := NewHello(audio.Format{Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 16})
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("hello failed: %v", err)
	}

	conn.WriteMessage(websocket.BinaryMessage, []byte{4})
	conn.WriteMessage(websocket.BinaryMessage, AppendFrame(nil, FrameOpus, 0, []byte{0, 0}))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"noise"}`))
	good := AppendFrame(nil, FramePCM, 0, []byte{0x00, 0x01, 0x00, 0x02})
	if err := conn.WriteMessage(websocket.BinaryMessage, good); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, "good frame", func() bool { return sink.FramesReceived() == 1 })
	dest := audio.NewBus(2, 1)
	ring.Read(nil, dest)
	if dest.Samples[0] != 0x0100<<8 || dest.Samples[1] != 0x0200<<8 {
		t.Errorf("unexpected samples %#x %#x", dest.Samples[0], dest.Samples[1])
	}
}

func TestSinkCountsDroppedSamples(t *testing.T) {
	ring := reader.NewRing(2, 1)
	sink := NewSink(ring, 48000, SinkConfig{})
	dec, frameType, err := sink.accept(NewHello(audio.Format{Codec: "pcm", SampleRate: 48000, Channels: 2}))
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	frame := AppendFrame(nil, frameType, 0, make([]byte, 3*2*2))
	if err := sink.handleFrame(dec, frameType, frame); err != nil {
		t.Fatalf("handleFrame failed: %v", err)
	}
	if sink.SamplesDropped() != 4 {
		t.Errorf("expected 4 dropped samples, got %d", sink.SamplesDropped())
	}
}

func TestMirrorReportsWriteFailure(t *testing.T) {
	// a sink that hangs up right after the hello
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.ReadMessage()
		conn.Close()
	}))
	defer server.Close()

	mirror, _ := NewMirrorStream(testParams(), MirrorConfig{URL: wsURL(server), Interval: 5 * time.Millisecond})
	if err := mirror.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer mirror.Close()

	cb := &constCallback{frames: -1}
	if err := mirror.Start(cb); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "write failure", func() bool { return len(cb.errors()) > 0 })
	if err := mirror.Stop(); err != nil {
		t.Errorf("Stop after failure returned %v", err)
	}
	if len(cb.errors()) != 1 {
		t.Errorf("expected exactly one error report, got %d", len(cb.errors()))
	}
}

func TestOpusRoundTrip(t *testing.T) {
	format := audio.Format{Codec: "opus", SampleRate: 48000, Channels: 2}
	enc, err := newEncoder(format, 960)
	if err != nil {
		t.Fatalf("newEncoder failed: %v", err)
	}
	dec, err := newDecoder(format)
	if err != nil {
		t.Fatalf("newDecoder failed: %v", err)
	}

	samples := make([]int32, 960*2)
	payload, err := enc.Encode(samples)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(payload) == 0 {
		t.Fatal("empty opus packet")
	}

	out, err := dec.Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(out) != 960*2 {
		t.Errorf("expected %d samples, got %d", 960*2, len(out))
	}
}

func TestOpusRejectsUnsupportedRate(t *testing.T) {
	if _, err := newEncoder(audio.Format{Codec: "opus", SampleRate: 44100, Channels: 2}, 882); err == nil {
		t.Error("expected error for 44.1kHz opus")
	}
}
