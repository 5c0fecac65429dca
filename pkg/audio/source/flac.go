// ABOUTME: FLAC file source backed by mewkiz/flac
// ABOUTME: Decodes frame by frame, carrying partial frames between reads
package source

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/mewkiz/flac"
)

// FLAC reads from a FLAC file and loops at EOF
type FLAC struct {
	file       *os.File
	stream     *flac.Stream
	sampleRate int
	channels   int
	bitDepth   int
	title      string

	// decoded samples not yet returned
	pending []int32
}

// NewFLAC opens a FLAC file
func NewFLAC(path string) (*FLAC, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}

	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}

	info := stream.Info
	s := &FLAC{
		file:       f,
		stream:     stream,
		sampleRate: int(info.SampleRate),
		channels:   int(info.NChannels),
		bitDepth:   int(info.BitsPerSample),
		title:      titleFromPath(path),
	}

	log.Printf("Loaded FLAC: %s (sample rate: %d Hz, channels: %d, bit depth: %d)",
		s.title, s.sampleRate, s.channels, s.bitDepth)
	return s, nil
}

func (s *FLAC) Read(samples []int32) (int, error) {
	read := copy(samples, s.pending)
	s.pending = s.pending[read:]
	restarted := false

	for read < len(samples) {
		frame, err := s.stream.ParseNext()
		if err == io.EOF {
			if restarted {
				// empty file
				return read, io.EOF
			}
			if err := s.restart(); err != nil {
				return read, err
			}
			restarted = true
			continue
		}
		if err != nil {
			return read, fmt.Errorf("failed to parse FLAC frame: %w", err)
		}

		blockSize := int(frame.BlockSize)
		for i := 0; i < blockSize; i++ {
			for ch := 0; ch < s.channels; ch++ {
				v := scaleTo24(frame.Subframes[ch].Samples[i], s.bitDepth)
				if read < len(samples) {
					samples[read] = v
					read++
				} else {
					s.pending = append(s.pending, v)
				}
			}
		}
	}
	return read, nil
}

func (s *FLAC) restart() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}
	stream, err := flac.New(s.file)
	if err != nil {
		return fmt.Errorf("failed to restart FLAC stream: %w", err)
	}
	s.stream = stream
	return nil
}

func (s *FLAC) SampleRate() int { return s.sampleRate }
func (s *FLAC) Channels() int   { return s.channels }
func (s *FLAC) Metadata() (string, string, string) {
	return s.title, "Unknown Artist", "Unknown Album"
}
func (s *FLAC) Close() error {
	return s.file.Close()
}
