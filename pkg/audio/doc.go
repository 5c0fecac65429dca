// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Params, Bus types and sample conversion functions
// Package audio provides fundamental audio types shared by the output stack.
//
// This package defines core types used throughout the module:
//   - Params: how an output stream is opened (rate, channels, bit depth, buffer size)
//   - Bus: a block of interleaved samples exchanged on the render callback
//   - Format: describes an encoded stream (codec, rate, channels, bit depth)
//
// Samples are carried as int32 in the 24-bit range so 16-bit and 24-bit
// sources share one representation.
//
// Example:
//
//	params := audio.DefaultParams()
//	if err := params.Validate(); err != nil {
//	    return err
//	}
//	bus := audio.NewBus(params.Channels, params.FramesPerBuffer)
package audio
