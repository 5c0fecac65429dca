// ABOUTME: Test tone generator
// ABOUTME: Generates a sine wave at half scale on every channel
package source

import (
	"math"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
)

const (
	DefaultToneFrequency = 440.0 // A4
	DefaultToneRate      = 48000
)

// Tone generates a continuous sine wave
type Tone struct {
	frequency  float64
	sampleRate int
	channels   int
	index      uint64
}

// NewTone creates a tone generator
func NewTone(frequency float64, sampleRate, channels int) *Tone {
	return &Tone{frequency: frequency, sampleRate: sampleRate, channels: channels}
}

func (s *Tone) Read(samples []int32) (int, error) {
	frames := len(samples) / s.channels
	for i := 0; i < frames; i++ {
		t := float64(s.index+uint64(i)) / float64(s.sampleRate)
		v := int32(math.Sin(2*math.Pi*s.frequency*t) * float64(audio.Max24Bit) * 0.5)
		for ch := 0; ch < s.channels; ch++ {
			samples[i*s.channels+ch] = v
		}
	}
	s.index += uint64(frames)
	return frames * s.channels, nil
}

func (s *Tone) SampleRate() int { return s.sampleRate }
func (s *Tone) Channels() int   { return s.channels }
func (s *Tone) Metadata() (string, string, string) {
	return "Test Tone", "Resonate Output", "Reference Implementation"
}
func (s *Tone) Close() error { return nil }
