// ABOUTME: Lock-free single-producer single-consumer sample ring
// ABOUTME: Feeds the output controller's real-time callback from a decoder goroutine
package reader

import (
	"sync/atomic"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
)

// Ring buffers interleaved samples between one producer goroutine and the
// audio thread. It implements the controller's SyncReader.
type Ring struct {
	buf      []int32
	channels int

	// totals of samples ever written and read; only the producer stores
	// writePos and only the consumer stores readPos
	writePos atomic.Uint64
	readPos  atomic.Uint64

	pendingBytes atomic.Int64
	playing      atomic.Bool
	closed       atomic.Bool
	underruns    atomic.Uint64
}

// NewRing creates a ring holding frames frames of channels channels
func NewRing(channels, frames int) *Ring {
	if channels < 1 {
		channels = 1
	}
	if frames < 1 {
		frames = 1
	}
	return &Ring{
		buf:      make([]int32, channels*frames),
		channels: channels,
	}
}

// Channels returns the interleaving of the ring
func (r *Ring) Channels() int { return r.channels }

// Capacity returns the ring size in frames
func (r *Ring) Capacity() int { return len(r.buf) / r.channels }

// Available returns the frames ready to read
func (r *Ring) Available() int {
	return int(r.writePos.Load()-r.readPos.Load()) / r.channels
}

// Free returns the frames that can be written
func (r *Ring) Free() int {
	return r.Capacity() - r.Available()
}

// Write copies whole frames from samples into the ring and returns the
// number of samples taken. Producer side only.
func (r *Ring) Write(samples []int32) int {
	if r.closed.Load() {
		return 0
	}

	w := r.writePos.Load()
	free := len(r.buf) - int(w-r.readPos.Load())
	n := len(samples)
	if n > free {
		n = free
	}
	n -= n % r.channels
	if n == 0 {
		return 0
	}

	start := int(w % uint64(len(r.buf)))
	first := copy(r.buf[start:], samples[:n])
	copy(r.buf, samples[first:n])

	r.writePos.Store(w + uint64(n))
	return n
}

// Read fills dest from the ring. On underrun the rest of dest is silenced
// and fewer frames are reported. Consumer side only; never blocks or allocates.
func (r *Ring) Read(source, dest *audio.Bus) int {
	r.playing.Store(true)

	if dest.Channels != r.channels {
		dest.Zero()
		return 0
	}

	rd := r.readPos.Load()
	avail := int(r.writePos.Load()-rd) / r.channels
	frames := dest.Frames
	if frames > avail {
		frames = avail
		r.underruns.Add(1)
	}

	n := frames * r.channels
	start := int(rd % uint64(len(r.buf)))
	first := copy(dest.Samples[:n], r.buf[start:])
	copy(dest.Samples[first:n], r.buf)
	dest.ZeroFramesFrom(frames)

	r.readPos.Store(rd + uint64(n))
	return frames
}

// NotifyPendingBytes records how much audio the device has queued
func (r *Ring) NotifyPendingBytes(bytes int) {
	r.pendingBytes.Store(int64(bytes))
}

// PendingBytes returns the last value reported by the device
func (r *Ring) PendingBytes() int {
	return int(r.pendingBytes.Load())
}

// NotifyPlaybackStopped marks the consumer idle until the next Read
func (r *Ring) NotifyPlaybackStopped() {
	r.playing.Store(false)
}

// Playing reports whether the device has read since the last stop
func (r *Ring) Playing() bool {
	return r.playing.Load()
}

// Underruns counts reads that found too little audio
func (r *Ring) Underruns() uint64 {
	return r.underruns.Load()
}

// Close stops accepting writes
func (r *Ring) Close() error {
	r.closed.Store(true)
	return nil
}

// Closed reports whether Close was called
func (r *Ring) Closed() bool {
	return r.closed.Load()
}
