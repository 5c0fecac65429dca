// ABOUTME: Streaming linear resampler for interleaved int32 audio
// ABOUTME: Carries the last input frame across calls so chunk boundaries are seamless
package resample

// Resampler converts interleaved audio from one sample rate to another by
// linear interpolation. Not safe for concurrent use.
type Resampler struct {
	inputRate  int
	outputRate int
	channels   int
	ratio      float64

	// position of the next output frame, in input frames, where frame 0 is
	// the carried frame when hasLast is set
	position float64
	last     []int32
	hasLast  bool
}

// New creates a resampler
func New(inputRate, outputRate, channels int) *Resampler {
	if channels < 1 {
		channels = 1
	}
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		channels:   channels,
		ratio:      float64(inputRate) / float64(outputRate),
		last:       make([]int32, channels),
	}
}

// InputRate returns the source sample rate
func (r *Resampler) InputRate() int { return r.inputRate }

// OutputRate returns the target sample rate
func (r *Resampler) OutputRate() int { return r.outputRate }

// Passthrough reports whether the rates match and no conversion is needed
func (r *Resampler) Passthrough() bool {
	return r.inputRate == r.outputRate
}

// Resample converts input to the output rate and returns the number of
// samples written. output should hold at least OutputSamplesNeeded(len(input))
// plus one frame; input that does not fit is dropped.
func (r *Resampler) Resample(input []int32, output []int32) int {
	ch := r.channels
	inputFrames := len(input) / ch
	if inputFrames == 0 {
		return 0
	}

	if r.Passthrough() {
		n := copy(output, input[:inputFrames*ch])
		return n - n%ch
	}

	offset := 0
	if r.hasLast {
		offset = 1
	}
	total := inputFrames + offset
	frame := func(i, c int) int32 {
		if i < offset {
			return r.last[c]
		}
		return input[(i-offset)*ch+c]
	}

	outputFrames := len(output) / ch
	outIdx := 0
	for outIdx < outputFrames {
		idx := int(r.position)
		if idx+1 >= total {
			break
		}
		frac := r.position - float64(idx)

		for c := 0; c < ch; c++ {
			s1 := float64(frame(idx, c))
			s2 := float64(frame(idx+1, c))
			output[outIdx*ch+c] = int32(s1 + (s2-s1)*frac)
		}

		outIdx++
		r.position += r.ratio
	}

	// The last input frame becomes frame 0 of the next call
	copy(r.last, input[(inputFrames-1)*ch:inputFrames*ch])
	r.hasLast = true
	r.position -= float64(total - 1)
	if r.position < 0 {
		r.position = 0
	}

	return outIdx * ch
}

// Reset forgets carried state, for use after a seek or source change
func (r *Resampler) Reset() {
	r.position = 0
	r.hasLast = false
	for i := range r.last {
		r.last[i] = 0
	}
}

// OutputSamplesNeeded estimates how many output samples inputSamples produce
func (r *Resampler) OutputSamplesNeeded(inputSamples int) int {
	inputFrames := inputSamples / r.channels
	outputFrames := int(float64(inputFrames) / r.ratio)
	return outputFrames * r.channels
}

// InputSamplesNeeded estimates how many input samples produce outputSamples
func (r *Resampler) InputSamplesNeeded(outputSamples int) int {
	outputFrames := outputSamples / r.channels
	inputFrames := int(float64(outputFrames) * r.ratio)
	return inputFrames * r.channels
}
