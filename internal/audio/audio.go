// Package audio builds and checks the WAV clips sent with playBytes.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const DefaultSampleRate = 16000

// WAVE format tags.
const (
	FormatPCM        uint16 = 1
	FormatFloat      uint16 = 3
	FormatExtensible uint16 = 0xFFFE
)

var ErrInvalidWAV = errors.New("invalid wav data")

// Format describes a decoded WAV header.
type Format struct {
	AudioFormat uint16
	SampleRate  int
	BitDepth    int
	Channels    int
	Duration    time.Duration
}

// EncodePCM wraps integer samples in a RIFF/WAVE container. Samples are
// interleaved when channels > 1.
func EncodePCM(samples []int, sampleRate, bitDepth, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid format: rate=%d channels=%d", sampleRate, channels)
	}
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("pcm payload not aligned to %d channels", channels)
	}

	// the encoder seeks back to patch the header sizes
	file, err := os.CreateTemp("", "hermes-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp wav: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	enc := wav.NewEncoder(file, sampleRate, bitDepth, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return os.ReadFile(file.Name())
}

// EncodePCM16 converts little-endian 16 bit PCM bytes into a WAV clip.
func EncodePCM16(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
	}
	return EncodePCM(samples, sampleRate, 16, channels)
}

// Tone renders a mono 16 bit sine beep, handy as an acknowledgement sound.
func Tone(frequency float64, duration time.Duration, sampleRate int) []int {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	n := int(duration.Seconds() * float64(sampleRate))
	samples := make([]int, n)
	for i := range samples {
		v := math.Sin(2 * math.Pi * frequency * float64(i) / float64(sampleRate))
		samples[i] = int(v * 0.5 * math.MaxInt16)
	}
	return samples
}

// Header reads the RIFF/WAVE format chunk without decoding any samples.
// Every encoding is accepted (PCM, IEEE float, extensible); the audio server
// decides what it can play. Duration is left zero.
func Header(data []byte) (Format, error) {
	if len(data) < 12 || string(data[8:12]) != "WAVE" {
		return Format{}, ErrInvalidWAV
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return Format{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if dec.SampleRate == 0 || dec.NumChans == 0 || dec.BitDepth < 8 {
		return Format{}, fmt.Errorf("%w: missing or empty format chunk", ErrInvalidWAV)
	}
	return Format{
		AudioFormat: dec.WavAudioFormat,
		SampleRate:  int(dec.SampleRate),
		BitDepth:    int(dec.BitDepth),
		Channels:    int(dec.NumChans),
	}, nil
}

// Validate decodes the whole clip and checks that it is integer PCM. It is
// stricter and slower than Header; use it when a clip is built or loaded
// locally and must play on PCM-only audio servers.
func Validate(data []byte) (Format, error) {
	format, err := Header(data)
	if err != nil {
		return Format{}, err
	}
	if format.AudioFormat != FormatPCM {
		return Format{}, fmt.Errorf("%w: audio format %d is not PCM", ErrInvalidWAV, format.AudioFormat)
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Format{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	frames := len(buf.Data) / format.Channels
	format.Duration = time.Duration(frames) * time.Second / time.Duration(format.SampleRate)
	return format, nil
}
