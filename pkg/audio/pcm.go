// ABOUTME: PCM packing between int32 samples and device byte layouts
// ABOUTME: Allocation-free so it can run on the render thread
package audio

import "encoding/binary"

// PutPCM packs samples into dst as little-endian PCM of the given bit depth.
// Returns the number of bytes written; stops early if dst is too small.
func PutPCM(dst []byte, samples []int32, bitDepth int) int {
	width := bitDepth / 8
	n := len(samples)
	if width == 0 {
		return 0
	}
	if max := len(dst) / width; n > max {
		n = max
	}

	switch bitDepth {
	case 16:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(SampleToInt16(samples[i])))
		}
	case 24:
		for i := 0; i < n; i++ {
			b := SampleTo24Bit(samples[i])
			dst[i*3] = b[0]
			dst[i*3+1] = b[1]
			dst[i*3+2] = b[2]
		}
	case 32:
		for i := 0; i < n; i++ {
			// 24-bit value in the upper bits of the 32-bit container
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(samples[i]<<8))
		}
	default:
		return 0
	}
	return n * width
}

// ReadPCM unpacks little-endian PCM of the given bit depth into dst.
// Returns the number of samples decoded.
func ReadPCM(src []byte, dst []int32, bitDepth int) int {
	width := bitDepth / 8
	if width == 0 {
		return 0
	}
	n := len(src) / width
	if n > len(dst) {
		n = len(dst)
	}

	switch bitDepth {
	case 16:
		for i := 0; i < n; i++ {
			dst[i] = SampleFromInt16(int16(binary.LittleEndian.Uint16(src[i*2:])))
		}
	case 24:
		for i := 0; i < n; i++ {
			dst[i] = SampleFrom24Bit([3]byte{src[i*3], src[i*3+1], src[i*3+2]})
		}
	case 32:
		for i := 0; i < n; i++ {
			dst[i] = int32(binary.LittleEndian.Uint32(src[i*4:])) >> 8
		}
	default:
		return 0
	}
	return n
}
