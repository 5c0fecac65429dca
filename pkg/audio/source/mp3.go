// ABOUTME: MP3 sources backed by go-mp3
// ABOUTME: Looping file playback and one-shot HTTP streaming
package source

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
	"github.com/hajimehoshi/go-mp3"
)

// mp3Channels is fixed: go-mp3 always decodes to 16-bit stereo
const mp3Channels = 2

// MP3 reads from an MP3 file and loops at EOF
type MP3 struct {
	file    *os.File
	decoder *mp3.Decoder
	title   string
	buf     []byte
}

// NewMP3 opens an MP3 file
func NewMP3(path string) (*MP3, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	title := titleFromPath(path)
	log.Printf("Loaded MP3: %s (sample rate: %d Hz)", title, decoder.SampleRate())

	return &MP3{file: f, decoder: decoder, title: title}, nil
}

func (s *MP3) Read(samples []int32) (int, error) {
	s.buf = growBytes(s.buf, len(samples)*2)

	n, err := s.decoder.Read(s.buf)
	if err != nil && err != io.EOF {
		return 0, err
	}
	numSamples := audio.ReadPCM(s.buf[:n], samples, 16)

	if err == io.EOF {
		if _, seekErr := s.file.Seek(0, io.SeekStart); seekErr != nil {
			return numSamples, fmt.Errorf("failed to seek to start: %w", seekErr)
		}
		decoder, decErr := mp3.NewDecoder(s.file)
		if decErr != nil {
			return numSamples, fmt.Errorf("failed to restart MP3 decoder: %w", decErr)
		}
		s.decoder = decoder
	}
	return numSamples, nil
}

func (s *MP3) SampleRate() int { return s.decoder.SampleRate() }
func (s *MP3) Channels() int   { return mp3Channels }
func (s *MP3) Metadata() (string, string, string) {
	return s.title, "Unknown Artist", "Unknown Album"
}
func (s *MP3) Close() error {
	return s.file.Close()
}

// HTTPMP3 streams MP3 from an HTTP URL. It does not loop.
type HTTPMP3 struct {
	url      string
	response *http.Response
	decoder  *mp3.Decoder
	buf      []byte
}

// NewHTTPMP3 starts streaming url
func NewHTTPMP3(url string) (*HTTPMP3, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch HTTP stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	decoder, err := mp3.NewDecoder(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to decode MP3 stream: %w", err)
	}

	log.Printf("Streaming MP3 from HTTP: %s (sample rate: %d Hz)", url, decoder.SampleRate())
	return &HTTPMP3{url: url, response: resp, decoder: decoder}, nil
}

func (s *HTTPMP3) Read(samples []int32) (int, error) {
	s.buf = growBytes(s.buf, len(samples)*2)

	n, err := s.decoder.Read(s.buf)
	numSamples := audio.ReadPCM(s.buf[:n], samples, 16)
	if err != nil && numSamples == 0 {
		return 0, err
	}
	return numSamples, nil
}

func (s *HTTPMP3) SampleRate() int { return s.decoder.SampleRate() }
func (s *HTTPMP3) Channels() int   { return mp3Channels }
func (s *HTTPMP3) Metadata() (string, string, string) {
	return "HTTP Stream", s.url, ""
}
func (s *HTTPMP3) Close() error {
	return s.response.Body.Close()
}

func growBytes(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}
