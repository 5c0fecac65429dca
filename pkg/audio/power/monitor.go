// ABOUTME: Signal power monitor for rendered audio
// ABOUTME: Tracks smoothed power in dBFS and clipping without locks
package power

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
)

const (
	// ZeroPower is reported for silence (dBFS)
	ZeroPower = -1000.0

	// MaxPower is a full-scale signal (dBFS)
	MaxPower = 0.0

	// DefaultTimeConstant is the smoothing window for power readings
	DefaultTimeConstant = 10 * time.Millisecond
)

// Monitor computes an exponentially weighted average of signal power.
//
// Scan is called from the render thread only; Read and Reset may be called
// from any goroutine. Reset must not race with Scan (call it while the stream
// is stopped).
type Monitor struct {
	sampleWeight float64

	// render thread only
	averages []float64
	clipped  bool

	// published for readers
	powerBits   atomic.Uint64
	clipPending atomic.Bool
}

// NewMonitor creates a monitor for a stream of the given rate and channel count
func NewMonitor(sampleRate, channels int, timeConstant time.Duration) *Monitor {
	if timeConstant <= 0 {
		timeConstant = DefaultTimeConstant
	}
	weight := 1.0
	if sampleRate > 0 {
		weight = 1.0 - math.Exp(-1.0/(float64(sampleRate)*timeConstant.Seconds()))
	}

	m := &Monitor{
		sampleWeight: weight,
		averages:     make([]float64, channels),
	}
	m.powerBits.Store(math.Float64bits(0))
	return m
}

// Reset clears accumulated power and clipping state
func (m *Monitor) Reset() {
	for i := range m.averages {
		m.averages[i] = 0
	}
	m.clipped = false
	m.powerBits.Store(math.Float64bits(0))
	m.clipPending.Store(false)
}

// Scan folds the first frames of bus into the running average
func (m *Monitor) Scan(bus *audio.Bus, frames int) {
	if frames <= 0 || bus == nil {
		return
	}
	if frames > bus.Frames {
		frames = bus.Frames
	}
	channels := bus.Channels
	if channels > len(m.averages) {
		channels = len(m.averages)
	}
	if channels == 0 {
		return
	}

	clipped := false
	sum := 0.0
	for ch := 0; ch < channels; ch++ {
		avg := m.averages[ch]
		for i := 0; i < frames; i++ {
			s := bus.Samples[i*bus.Channels+ch]
			if s >= audio.Max24Bit || s <= audio.Min24Bit {
				clipped = true
			}
			f := audio.SampleToFloat(s)
			avg += m.sampleWeight * (f*f - avg)
		}
		// Keep denormals and NaN from poisoning later scans
		if !(avg > 1e-12) || math.IsInf(avg, 0) {
			avg = 0
		}
		m.averages[ch] = avg
		sum += avg
	}

	m.powerBits.Store(math.Float64bits(sum / float64(channels)))
	if clipped {
		m.clipPending.Store(true)
	}
}

// Read returns the current power in dBFS and whether clipping occurred since
// the previous Read
func (m *Monitor) Read() (dbfs float64, clipped bool) {
	avg := math.Float64frombits(m.powerBits.Load())
	clipped = m.clipPending.Swap(false)
	return PowerToDBFS(avg), clipped
}

// PowerToDBFS converts mean square power to dBFS clamped to [ZeroPower, MaxPower]
func PowerToDBFS(meanSquare float64) float64 {
	if meanSquare <= 0 {
		return ZeroPower
	}
	db := 10 * math.Log10(meanSquare)
	if db < ZeroPower {
		return ZeroPower
	}
	if db > MaxPower {
		return MaxPower
	}
	return db
}
