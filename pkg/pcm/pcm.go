package pcm

import (
	"fmt"
	"time"
)

// Common raw PCM formats.
var (
	// L16Mono8K is audio/L16; rate=8000; channels=1
	L16Mono8K = Format{SampleRate: 8000, Channels: 1, Bits: 16}
	// L16Mono16K is audio/L16; rate=16000; channels=1
	L16Mono16K = Format{SampleRate: 16000, Channels: 1, Bits: 16}
	// L16Stereo16K is audio/L16; rate=16000; channels=2
	L16Stereo16K = Format{SampleRate: 16000, Channels: 2, Bits: 16}
)

// Format describes a raw PCM stream: sample rate in Hz, channel count and
// bits per sample.
type Format struct {
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`
	Channels   int `json:"channels" yaml:"channels"`
	Bits       int `json:"bits" yaml:"bits"`
}

// Validate reports whether the format is usable for streaming.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("pcm: invalid sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("pcm: invalid channel count %d", f.Channels)
	}
	if f.Bits <= 0 || f.Bits%8 != 0 {
		return fmt.Errorf("pcm: invalid bit depth %d", f.Bits)
	}
	return nil
}

// BytesRate returns the byte rate of the audio data.
func (f Format) BytesRate() int {
	return f.SampleRate * f.Channels * f.Bits / 8
}

// BytesInDuration returns the number of bytes covering the given duration.
func (f Format) BytesInDuration(d time.Duration) int {
	return int(int64(f.BytesRate()) * int64(d) / int64(time.Second))
}

// Duration returns the play time of the given number of bytes.
func (f Format) Duration(bytes int64) time.Duration {
	return time.Duration(bytes) * time.Second / time.Duration(f.BytesRate())
}

func (f Format) String() string {
	return fmt.Sprintf("audio/L%d; rate=%d; channels=%d", f.Bits, f.SampleRate, f.Channels)
}
