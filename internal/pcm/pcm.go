// Package pcm holds small helpers for 16-bit little-endian mono PCM buffers.
package pcm

import (
	"bytes"
	"encoding/binary"
	"math"
)

const (
	// InputRate is the sample rate the transcription stage expects.
	InputRate = 16000
	// SpeechRate is the sample rate of synthesized speech chunks.
	SpeechRate = 48000
	// TelephonyRate is the narrowband rate used by phone media streams.
	TelephonyRate = 8000
)

// Samples decodes PCM16LE bytes into samples. A trailing odd byte is ignored.
func Samples(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// Bytes encodes samples as PCM16LE.
func Bytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// RMS returns the root mean square energy of a PCM16LE buffer.
func RMS(b []byte) float64 {
	n := len(b) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(b[2*i:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Resample converts samples between integer-ratio rates. Downsampling averages
// each group of input samples, upsampling interpolates linearly.
func Resample(in []int16, from, to int) []int16 {
	if from == to || len(in) == 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	if from > to {
		ratio := from / to
		out := make([]int16, len(in)/ratio)
		for i := range out {
			var sum int
			for j := 0; j < ratio; j++ {
				sum += int(in[i*ratio+j])
			}
			out[i] = int16(sum / ratio)
		}
		return out
	}
	ratio := to / from
	out := make([]int16, len(in)*ratio)
	for i, v := range in {
		next := v
		if i+1 < len(in) {
			next = in[i+1]
		}
		for j := 0; j < ratio; j++ {
			out[i*ratio+j] = int16(int(v) + (int(next)-int(v))*j/ratio)
		}
	}
	return out
}

// WAV wraps PCM16LE mono data in a RIFF/WAVE container.
func WAV(data []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(data))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}
