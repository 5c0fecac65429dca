// ABOUTME: Tests for audio resampler
// ABOUTME: Tests rate conversion, passthrough and continuity across chunks
package resample

import (
	"testing"
)

func ramp(frames, channels int, step int32) []int32 {
	out := make([]int32, frames*channels)
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = int32(i) * step
		}
	}
	return out
}

func abs(x int32) int32 {
	if x < 0 {
		return -x
	}
	return x
}

func TestNew(t *testing.T) {
	r := New(44100, 48000, 2)
	if r.InputRate() != 44100 || r.OutputRate() != 48000 {
		t.Errorf("unexpected rates %d -> %d", r.InputRate(), r.OutputRate())
	}
	if r.Passthrough() {
		t.Error("44.1k -> 48k should not be passthrough")
	}
	if !New(48000, 48000, 2).Passthrough() {
		t.Error("equal rates should be passthrough")
	}
}

func TestResampleRatio(t *testing.T) {
	tests := []struct {
		name    string
		in, out int
	}{
		{"upsample", 44100, 48000},
		{"downsample", 48000, 44100},
		{"double", 24000, 48000},
	}

	for _, tt := range tests {
		r := New(tt.in, tt.out, 2)
		input := ramp(1000, 2, 100)
		output := make([]int32, r.OutputSamplesNeeded(len(input))+4)

		n := r.Resample(input, output)
		want := r.OutputSamplesNeeded(len(input))
		if n < want-4 || n > want+4 {
			t.Errorf("%s: expected ~%d samples, got %d", tt.name, want, n)
		}
		if n%2 != 0 {
			t.Errorf("%s: output not whole frames: %d", tt.name, n)
		}
	}
}

func TestResamplePassthroughCopies(t *testing.T) {
	r := New(48000, 48000, 2)
	input := ramp(10, 2, 7)
	output := make([]int32, len(input))

	if n := r.Resample(input, output); n != len(input) {
		t.Fatalf("expected %d samples, got %d", len(input), n)
	}
	for i := range input {
		if output[i] != input[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, input[i], output[i])
		}
	}
}

func TestResampleInterpolatesRamp(t *testing.T) {
	// 2x upsampling of a ramp puts midpoints between input samples
	r := New(24000, 48000, 1)
	input := ramp(5, 1, 100)
	output := make([]int32, 16)

	n := r.Resample(input, output)
	want := []int32{0, 50, 100, 150, 200, 250, 300, 350}
	if n != len(want) {
		t.Fatalf("expected %d samples, got %d: %v", len(want), n, output[:n])
	}
	for i := range want {
		if output[i] != want[i] {
			t.Errorf("sample %d: expected %d, got %d", i, want[i], output[i])
		}
	}
}

func TestResampleContinuousAcrossChunks(t *testing.T) {
	r := New(44100, 48000, 2)
	input := ramp(4410, 2, 10)

	var joined []int32
	buf := make([]int32, 1200)
	for start := 0; start < len(input); start += 882 {
		end := start + 882
		if end > len(input) {
			end = len(input)
		}
		n := r.Resample(input[start:end], buf)
		joined = append(joined, buf[:n]...)
	}

	// a ramp stays monotonic with a constant step if no frames were lost
	step := float64(10) * 44100 / 48000
	for i := 2; i+2 < len(joined); i += 2 {
		diff := joined[i+2] - joined[i]
		if abs(diff-int32(step)) > 1 {
			t.Fatalf("discontinuity at frame %d: step %d, expected ~%.2f", i/2, diff, step)
		}
	}

	total := r.OutputSamplesNeeded(len(input))
	if len(joined) < total-4 {
		t.Errorf("expected ~%d samples across chunks, got %d", total, len(joined))
	}
}

func TestResampleEmptyInput(t *testing.T) {
	r := New(44100, 48000, 2)
	if n := r.Resample(nil, make([]int32, 10)); n != 0 {
		t.Errorf("expected 0 samples, got %d", n)
	}
}

func TestReset(t *testing.T) {
	r := New(24000, 48000, 1)
	r.Resample(ramp(5, 1, 100), make([]int32, 16))

	r.Reset()
	output := make([]int32, 4)
	r.Resample([]int32{1000, 1000}, output)
	if output[0] != 1000 {
		t.Errorf("reset resampler should not interpolate from old data, got %d", output[0])
	}
}
