// ABOUTME: Decoder pump that keeps a Ring topped up from an audio source
// ABOUTME: Remaps channels and resamples to the output stream format
package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/resample"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/source"
)

const (
	// DefaultChunk is how much source audio is decoded per step
	DefaultChunk = 20 * time.Millisecond

	// DefaultPollInterval is how often the pump checks for free space
	DefaultPollInterval = 5 * time.Millisecond
)

// PumpConfig holds pump configuration
type PumpConfig struct {
	Chunk        time.Duration
	PollInterval time.Duration
}

// Pump moves audio from a Source into a Ring in the ring's format
type Pump struct {
	src       source.Source
	ring      *Ring
	params    audio.Params
	config    PumpConfig
	resampler *resample.Resampler

	decoded   []int32
	remapped  []int32
	resampled []int32
	leftover  []int32
}

// NewPump creates a pump converting src to params. The ring must have
// params.Channels channels.
func NewPump(src source.Source, ring *Ring, params audio.Params, config PumpConfig) (*Pump, error) {
	if ring.Channels() != params.Channels {
		return nil, fmt.Errorf("ring has %d channels, stream has %d", ring.Channels(), params.Channels)
	}
	if src.Channels() < 1 || src.SampleRate() < 1 {
		return nil, fmt.Errorf("invalid source format %dHz/%dch", src.SampleRate(), src.Channels())
	}
	if config.Chunk <= 0 {
		config.Chunk = DefaultChunk
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}

	srcFrames := int(int64(src.SampleRate()) * int64(config.Chunk) / int64(time.Second))
	if srcFrames < 1 {
		srcFrames = 1
	}
	r := resample.New(src.SampleRate(), params.SampleRate, params.Channels)
	outSamples := r.OutputSamplesNeeded(srcFrames*params.Channels) + 2*params.Channels

	if !r.Passthrough() {
		log.Printf("Resampling %dHz -> %dHz", src.SampleRate(), params.SampleRate)
	}

	return &Pump{
		src:       src,
		ring:      ring,
		params:    params,
		config:    config,
		resampler: r,
		decoded:   make([]int32, srcFrames*src.Channels()),
		remapped:  make([]int32, srcFrames*params.Channels),
		resampled: make([]int32, outSamples),
	}, nil
}

// Run fills the ring until ctx is cancelled, the ring is closed or the
// source ends. Returns nil when the source ends or the ring closes.
func (p *Pump) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				log.Printf("Audio source ended")
				return nil
			}
			return err
		}
		if p.ring.Closed() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fill writes until the ring is full or the source is exhausted
func (p *Pump) fill() error {
	for !p.ring.Closed() {
		if len(p.leftover) > 0 {
			n := p.ring.Write(p.leftover)
			p.leftover = p.leftover[n:]
			if len(p.leftover) > 0 {
				return nil
			}
		}
		if p.ring.Free() == 0 {
			return nil
		}

		out, err := p.decode()
		if len(out) > 0 {
			n := p.ring.Write(out)
			p.leftover = out[n:]
		}
		if err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
	}
	return nil
}

// decode reads one chunk and converts it to the ring format
func (p *Pump) decode() ([]int32, error) {
	n, err := p.src.Read(p.decoded)
	srcCh := p.src.Channels()
	frames := n / srcCh

	dstCh := p.params.Channels
	for i := 0; i < frames; i++ {
		in := p.decoded[i*srcCh : (i+1)*srcCh]
		out := p.remapped[i*dstCh : (i+1)*dstCh]
		remap(in, out)
	}

	converted := p.resampler.Resample(p.remapped[:frames*dstCh], p.resampled)
	return p.resampled[:converted], err
}

// remap maps one frame between channel layouts. Downmix to mono averages;
// otherwise channels repeat cyclically.
func remap(in, out []int32) {
	if len(in) == len(out) {
		copy(out, in)
		return
	}
	if len(out) == 1 {
		var sum int64
		for _, s := range in {
			sum += int64(s)
		}
		out[0] = int32(sum / int64(len(in)))
		return
	}
	for c := range out {
		out[c] = in[c%len(in)]
	}
}
