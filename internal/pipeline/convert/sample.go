package convert

import (
	"encoding/binary"
	"math"
)

// SampleFormat identifies the native PCM layout captured from the loopback
// device, per spec §4.3's input-format table.
type SampleFormat int

const (
	// SampleFormatS16LE is interleaved signed 16-bit little-endian PCM.
	SampleFormatS16LE SampleFormat = iota
	// SampleFormatS32LE is interleaved signed 32-bit little-endian PCM.
	SampleFormatS32LE
	// SampleFormatF32LE is interleaved IEEE-754 32-bit float PCM, the
	// typical WASAPI/CoreAudio native capture format.
	SampleFormatF32LE
)

// FormatFromName maps the `sample_format` config string (spec §6) to a
// SampleFormat, defaulting to SampleFormatF32LE for "fltp"/"f32"/unknown
// values, since float planar is the native loopback capture format this
// pipeline's providers are expected to hand back.
func FormatFromName(name string) SampleFormat {
	switch name {
	case "s16", "s16le":
		return SampleFormatS16LE
	case "s32", "s32le":
		return SampleFormatS32LE
	default:
		return SampleFormatF32LE
	}
}

// SampleConverter normalizes captured PCM into interleaved float32 samples
// in [-1, 1] and detects silence, so downstream encoders always see one
// consistent format regardless of the capture device's native layout.
type SampleConverter struct {
	Format   SampleFormat
	Channels int
}

// NewSampleConverter constructs a converter for the given native format.
func NewSampleConverter(format SampleFormat, channels int) *SampleConverter {
	return &SampleConverter{Format: format, Channels: channels}
}

// SilenceThreshold is the peak-amplitude cutoff below which a packet is
// flagged silent.
const SilenceThreshold = 1e-4

// Convert decodes raw bytes in the converter's native format into
// interleaved float32 samples, and reports whether the packet is silent.
func (c *SampleConverter) Convert(raw []byte) (samples []float32, silent bool) {
	switch c.Format {
	case SampleFormatS16LE:
		samples = decodeS16LE(raw)
	case SampleFormatS32LE:
		samples = decodeS32LE(raw)
	default:
		samples = decodeF32LE(raw)
	}

	var peak float32
	for _, s := range samples {
		if a := absf32(s); a > peak {
			peak = a
		}
	}
	return samples, peak < SilenceThreshold
}

func decodeS16LE(raw []byte) []float32 {
	n := len(raw) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

func decodeS32LE(raw []byte) []float32 {
	n := len(raw) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int32(binary.LittleEndian.Uint32(raw[i*4:]))
		out[i] = float32(v) / 2147483648.0
	}
	return out
}

func decodeF32LE(raw []byte) []float32 {
	n := len(raw) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func absf32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// SamplesPerChannel returns the per-channel sample count encoded in an
// interleaved float32 slice.
func (c *SampleConverter) SamplesPerChannel(samples []float32) int {
	if c.Channels <= 0 {
		return 0
	}
	return len(samples) / c.Channels
}
