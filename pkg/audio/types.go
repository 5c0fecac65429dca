// ABOUTME: Audio type definitions
// ABOUTME: Defines stream parameters, sample blocks and sample conversions
package audio

import (
	"errors"
	"fmt"
)

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23

	// MaxChannels is the largest channel count a stream may be opened with
	MaxChannels = 32

	// MaxSampleRate bounds Params.SampleRate
	MaxSampleRate = 384000

	// MaxFramesPerBuffer bounds Params.FramesPerBuffer (~1s at 96kHz)
	MaxFramesPerBuffer = 96000
)

// ErrInvalidParams is returned when stream parameters fail validation
var ErrInvalidParams = errors.New("invalid audio parameters")

// Format describes audio stream format
type Format struct {
	Codec       string
	SampleRate  int
	Channels    int
	BitDepth    int
	CodecHeader []byte // For FLAC, Opus, etc.
}

// Params describes how an output stream is opened
type Params struct {
	SampleRate      int
	Channels        int
	BitDepth        int // 16, 24 or 32
	FramesPerBuffer int // frames requested per render callback
}

// DefaultParams returns 48kHz stereo 16-bit with 10ms buffers
func DefaultParams() Params {
	return Params{
		SampleRate:      48000,
		Channels:        2,
		BitDepth:        16,
		FramesPerBuffer: 480,
	}
}

// Validate reports why the parameters cannot be used to open a stream
func (p Params) Validate() error {
	if p.SampleRate <= 0 || p.SampleRate > MaxSampleRate {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidParams, p.SampleRate)
	}
	if p.Channels <= 0 || p.Channels > MaxChannels {
		return fmt.Errorf("%w: channels %d", ErrInvalidParams, p.Channels)
	}
	switch p.BitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("%w: bit depth %d (supported: 16, 24, 32)", ErrInvalidParams, p.BitDepth)
	}
	if p.FramesPerBuffer <= 0 || p.FramesPerBuffer > MaxFramesPerBuffer {
		return fmt.Errorf("%w: frames per buffer %d", ErrInvalidParams, p.FramesPerBuffer)
	}
	return nil
}

// IsValid is shorthand for Validate() == nil
func (p Params) IsValid() bool {
	return p.Validate() == nil
}

// BytesPerFrame returns the size of one frame on the device
func (p Params) BytesPerFrame() int {
	return p.Channels * (p.BitDepth / 8)
}

// BufferDurationMs returns the length of one callback buffer in milliseconds
func (p Params) BufferDurationMs() float64 {
	if p.SampleRate == 0 {
		return 0
	}
	return float64(p.FramesPerBuffer) * 1000 / float64(p.SampleRate)
}

func (p Params) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit/%dframes", p.SampleRate, p.Channels, p.BitDepth, p.FramesPerBuffer)
}

// Bus is a block of interleaved samples in the 24-bit int32 range.
// Samples has capacity for at least Frames*Channels values.
type Bus struct {
	Channels int
	Frames   int
	Samples  []int32
}

// NewBus allocates a bus for the given shape
func NewBus(channels, frames int) *Bus {
	return &Bus{
		Channels: channels,
		Frames:   frames,
		Samples:  make([]int32, channels*frames),
	}
}

// Resize changes the frame count without allocating when capacity allows.
// Returns false if the bus would have to grow.
func (b *Bus) Resize(frames int) bool {
	n := frames * b.Channels
	if n > cap(b.Samples) {
		return false
	}
	b.Samples = b.Samples[:n]
	b.Frames = frames
	return true
}

// Zero silences the whole bus
func (b *Bus) Zero() {
	b.ZeroFramesFrom(0)
}

// ZeroFramesFrom silences frames [start, Frames)
func (b *Bus) ZeroFramesFrom(start int) {
	if start < 0 {
		start = 0
	}
	for i := start * b.Channels; i < len(b.Samples); i++ {
		b.Samples[i] = 0
	}
}

// Frame returns the samples of frame i
func (b *Bus) Frame(i int) []int32 {
	return b.Samples[i*b.Channels : (i+1)*b.Channels]
}

// SampleToInt16 converts int32 sample to int16 (for 16-bit playback)
func SampleToInt16(sample int32) int16 {
	// Right-shift to convert 24-bit (or 16-bit) to 16-bit range
	return int16(sample >> 8)
}

// SampleFromInt16 converts int16 sample to int32 (left-justified in 24-bit)
func SampleFromInt16(sample int16) int32 {
	// Left-shift to position 16-bit value in upper bits
	return int32(sample) << 8
}

// SampleTo24Bit converts int32 to 24-bit packed bytes (little-endian)
func SampleTo24Bit(sample int32) [3]byte {
	return [3]byte{
		byte(sample),
		byte(sample >> 8),
		byte(sample >> 16),
	}
}

// SampleFrom24Bit converts 24-bit packed bytes to int32 (little-endian)
func SampleFrom24Bit(b [3]byte) int32 {
	val := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	// Sign extend from 24-bit to 32-bit
	if val&0x800000 != 0 {
		val |= ^0xFFFFFF
	}
	return val
}

// SampleToFloat maps a 24-bit sample onto [-1, 1]
func SampleToFloat(sample int32) float64 {
	return float64(sample) / float64(Max24Bit)
}

// ApplyGain scales samples in place, clamping to the 24-bit range
func ApplyGain(samples []int32, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, s := range samples {
		scaled := int64(float64(s) * gain)
		if scaled > Max24Bit {
			scaled = Max24Bit
		} else if scaled < Min24Bit {
			scaled = Min24Bit
		}
		samples[i] = int32(scaled)
	}
}
