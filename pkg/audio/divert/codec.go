// ABOUTME: PCM and Opus codecs for mirrored audio
// ABOUTME: Reuse their buffers so the mirror render loop does not allocate per frame
package divert

import (
	"fmt"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
	"gopkg.in/hraban/opus.v2"
)

// maxOpusPacket is the largest Opus packet we produce
const maxOpusPacket = 4000

// maxOpusFrameSize is 120ms at 48kHz, the longest Opus frame
const maxOpusFrameSize = 5760

type encoder interface {
	// Encode returns the payload for samples. The result is valid until the
	// next call.
	Encode(samples []int32) ([]byte, error)
}

type decoder interface {
	// Decode returns interleaved samples valid until the next call
	Decode(payload []byte) ([]int32, error)
}

func newEncoder(format audio.Format, frames int) (encoder, error) {
	switch format.Codec {
	case "pcm":
		return &pcmEncoder{buf: make([]byte, frames*format.Channels*2)}, nil
	case "opus":
		enc, err := opus.NewEncoder(format.SampleRate, format.Channels, opus.AppAudio)
		if err != nil {
			return nil, fmt.Errorf("failed to create opus encoder: %w", err)
		}
		return &opusEncoder{
			enc:  enc,
			pcm:  make([]int16, frames*format.Channels),
			data: make([]byte, maxOpusPacket),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, format.Codec)
	}
}

func newDecoder(format audio.Format) (decoder, error) {
	switch format.Codec {
	case "pcm":
		return &pcmDecoder{}, nil
	case "opus":
		dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
		if err != nil {
			return nil, fmt.Errorf("failed to create opus decoder: %w", err)
		}
		return &opusDecoder{
			dec:      dec,
			channels: format.Channels,
			pcm:      make([]int16, maxOpusFrameSize*format.Channels),
			out:      make([]int32, maxOpusFrameSize*format.Channels),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, format.Codec)
	}
}

type pcmEncoder struct {
	buf []byte
}

func (e *pcmEncoder) Encode(samples []int32) ([]byte, error) {
	if need := len(samples) * 2; cap(e.buf) < need {
		e.buf = make([]byte, need)
	}
	n := audio.PutPCM(e.buf[:len(samples)*2], samples, 16)
	return e.buf[:n], nil
}

type pcmDecoder struct {
	out []int32
}

func (d *pcmDecoder) Decode(payload []byte) ([]int32, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("odd PCM payload length %d", len(payload))
	}
	n := len(payload) / 2
	if cap(d.out) < n {
		d.out = make([]int32, n)
	}
	return d.out[:audio.ReadPCM(payload, d.out[:n], 16)], nil
}

type opusEncoder struct {
	enc  *opus.Encoder
	pcm  []int16
	data []byte
}

func (e *opusEncoder) Encode(samples []int32) ([]byte, error) {
	if cap(e.pcm) < len(samples) {
		e.pcm = make([]int16, len(samples))
	}
	pcm := e.pcm[:len(samples)]
	for i, s := range samples {
		pcm[i] = audio.SampleToInt16(s)
	}

	n, err := e.enc.Encode(pcm, e.data)
	if err != nil {
		return nil, fmt.Errorf("opus encode error: %w", err)
	}
	return e.data[:n], nil
}

type opusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
	out      []int32
}

func (d *opusDecoder) Decode(payload []byte) ([]int32, error) {
	frames, err := d.dec.Decode(payload, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}
	n := frames * d.channels
	for i := 0; i < n; i++ {
		d.out[i] = audio.SampleFromInt16(d.pcm[i])
	}
	return d.out[:n], nil
}
