// ABOUTME: Tests for the power monitor
// ABOUTME: Tests silence, full scale, clipping and reset behavior
package power

import (
	"math"
	"testing"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
)

func fill(bus *audio.Bus, value int32) {
	for i := range bus.Samples {
		bus.Samples[i] = value
	}
}

func TestSilenceReportsZeroPower(t *testing.T) {
	m := NewMonitor(48000, 2, 0)
	bus := audio.NewBus(2, 480)

	m.Scan(bus, bus.Frames)
	level, clipped := m.Read()
	if level != ZeroPower {
		t.Errorf("expected %v, got %v", ZeroPower, level)
	}
	if clipped {
		t.Error("silence should not clip")
	}
}

func TestHalfScaleConverges(t *testing.T) {
	m := NewMonitor(48000, 2, DefaultTimeConstant)
	bus := audio.NewBus(2, 4800) // 100ms, ten time constants
	fill(bus, audio.Max24Bit/2)

	m.Scan(bus, bus.Frames)
	level, _ := m.Read()

	want := 20 * math.Log10(0.5) // about -6 dBFS
	if math.Abs(level-want) > 0.1 {
		t.Errorf("expected ~%.2f dBFS, got %.2f", want, level)
	}
}

func TestClippingIsLatchedUntilRead(t *testing.T) {
	m := NewMonitor(48000, 1, 0)
	bus := audio.NewBus(1, 16)
	fill(bus, audio.Max24Bit)

	m.Scan(bus, bus.Frames)
	if _, clipped := m.Read(); !clipped {
		t.Error("expected clipping to be reported")
	}
	if _, clipped := m.Read(); clipped {
		t.Error("clipping should be cleared after read")
	}
}

func TestScanHonorsFrameCount(t *testing.T) {
	m := NewMonitor(48000, 1, 0)
	bus := audio.NewBus(1, 16)
	fill(bus, audio.Max24Bit)

	m.Scan(bus, 0)
	if level, clipped := m.Read(); level != ZeroPower || clipped {
		t.Errorf("zero frames should be ignored, got %v %v", level, clipped)
	}
}

func TestReset(t *testing.T) {
	m := NewMonitor(48000, 2, 0)
	bus := audio.NewBus(2, 4800)
	fill(bus, audio.Max24Bit/4)
	m.Scan(bus, bus.Frames)

	m.Reset()
	level, clipped := m.Read()
	if level != ZeroPower || clipped {
		t.Errorf("expected reset monitor to read silence, got %v %v", level, clipped)
	}
}

func TestPowerToDBFS(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0, ZeroPower},
		{-1, ZeroPower},
		{1, 0},
		{4, MaxPower},
		{0.01, -20},
	}

	for _, tt := range tests {
		got := PowerToDBFS(tt.in)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("PowerToDBFS(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
