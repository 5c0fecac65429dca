// ABOUTME: Wire format for mirrored audio
// ABOUTME: JSON hello followed by binary frames of [type:1][timestamp:8][payload]
package divert

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
)

// Binary frame types
const (
	FramePCM  byte = 4 // s16le interleaved
	FrameOpus byte = 5
)

// HelloType identifies the handshake message
const HelloType = "mirror/hello"

const frameHeaderSize = 9

var (
	ErrShortFrame       = errors.New("mirror frame too short")
	ErrUnknownFrameType = errors.New("unknown mirror frame type")
	ErrUnsupportedCodec = errors.New("unsupported mirror codec")
)

// Hello is the first (text) message on a mirror connection
type Hello struct {
	Type       string `json:"type"`
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
}

// NewHello describes format as a handshake
func NewHello(format audio.Format) Hello {
	return Hello{
		Type:       HelloType,
		Codec:      format.Codec,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		BitDepth:   format.BitDepth,
	}
}

// Format returns the stream format announced by the hello
func (h Hello) Format() audio.Format {
	return audio.Format{
		Codec:      h.Codec,
		SampleRate: h.SampleRate,
		Channels:   h.Channels,
		BitDepth:   h.BitDepth,
	}
}

// AppendFrame appends a binary frame to dst
func AppendFrame(dst []byte, frameType byte, timestamp int64, payload []byte) []byte {
	dst = append(dst, frameType)
	dst = binary.BigEndian.AppendUint64(dst, uint64(timestamp))
	return append(dst, payload...)
}

// ParseFrame splits a binary frame. payload aliases data.
func ParseFrame(data []byte) (frameType byte, timestamp int64, payload []byte, err error) {
	if len(data) < frameHeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	frameType = data[0]
	if frameType != FramePCM && frameType != FrameOpus {
		return 0, 0, nil, fmt.Errorf("%w: %d", ErrUnknownFrameType, frameType)
	}
	timestamp = int64(binary.BigEndian.Uint64(data[1:frameHeaderSize]))
	return frameType, timestamp, data[frameHeaderSize:], nil
}

func frameTypeFor(codec string) (byte, error) {
	switch codec {
	case "pcm":
		return FramePCM, nil
	case "opus":
		return FrameOpus, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
	}
}
