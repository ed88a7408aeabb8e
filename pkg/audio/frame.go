// Package audio defines the PCM frame type shared by the transport, the
// voice-activity detector, and the turn orchestrator, together with a few
// helpers for 16-bit signed little-endian PCM buffers.
//
// All audio inside Voluble is 16-bit signed little-endian PCM, mono, at
// [SampleRate] Hz unless a component documents otherwise.
package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

const (
	// SampleRate is the default sample rate in Hz for inbound and outbound PCM.
	SampleRate = 16000

	// BytesPerSample is fixed at 2 for 16-bit PCM.
	BytesPerSample = 2

	// BytesPerSecond is the PCM byte rate at the default sample rate, mono.
	BytesPerSecond = SampleRate * BytesPerSample
)

// ErrOddLength is returned when a PCM buffer's length is not a multiple of
// the 16-bit sample size.
var ErrOddLength = errors.New("audio: pcm length is not a multiple of 2")

// Frame is one chunk of 16-bit signed little-endian PCM plus its arrival
// timestamp. Chunk size is unconstrained.
type Frame struct {
	Data []byte
	At   time.Time
}

// RMSEnergy returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer, normalised to [0, 1]. An empty buffer yields 0.
// Buffers whose length is not a multiple of 2 are rejected with
// [ErrOddLength].
func RMSEnergy(pcm []byte) (float64, error) {
	if len(pcm)%2 != 0 {
		return 0, ErrOddLength
	}
	n := len(pcm) / 2
	if n == 0 {
		return 0, nil
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n)), nil
}

// Duration returns the playback duration of n PCM bytes at the given sample
// rate (mono, 16-bit). Returns 0 for non-positive sample rates.
func Duration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * BytesPerSample
	return time.Duration(n) * time.Second / time.Duration(bytesPerSec)
}

// Tone fills a PCM buffer of the given byte length with a constant-amplitude
// square wave. amplitude is expressed in 16-bit sample units (0–32767).
// Useful for constructing deterministic test input.
func Tone(length int, amplitude int16) []byte {
	if length%2 != 0 {
		length++
	}
	buf := make([]byte, length)
	for i := 0; i < length; i += 2 {
		binary.LittleEndian.PutUint16(buf[i:i+2], uint16(amplitude))
	}
	return buf
}
