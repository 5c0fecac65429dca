// ABOUTME: Audio resampling package using linear interpolation
// ABOUTME: Converts decoded audio to the output stream's sample rate
// Package resample provides streaming sample rate conversion.
//
// Example:
//
//	r := resample.New(44100, 48000, 2)
//	n := r.Resample(inputSamples, outputSamples)
package resample
