package convert

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConvertS16LERoundTrips(t *testing.T) {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint16(raw[0:], uint16(int16(16384)))
	binary.LittleEndian.PutUint16(raw[2:], uint16(int16(-16384)))

	c := NewSampleConverter(SampleFormatS16LE, 2)
	samples, silent := c.Convert(raw)
	require.False(t, silent)
	require.InDelta(t, 0.5, samples[0], 0.001)
	require.InDelta(t, -0.5, samples[1], 0.001)
}

func TestConvertF32LEPassesThrough(t *testing.T) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw[0:], math.Float32bits(0.25))
	binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(-0.75))

	c := NewSampleConverter(SampleFormatF32LE, 2)
	samples, silent := c.Convert(raw)
	require.False(t, silent)
	require.Equal(t, float32(0.25), samples[0])
	require.Equal(t, float32(-0.75), samples[1])
}

func TestConvertDetectsSilence(t *testing.T) {
	raw := make([]byte, 16)
	c := NewSampleConverter(SampleFormatS16LE, 2)
	_, silent := c.Convert(raw)
	require.True(t, silent)
}

func TestSamplesPerChannel(t *testing.T) {
	c := NewSampleConverter(SampleFormatF32LE, 2)
	require.Equal(t, 4, c.SamplesPerChannel(make([]float32, 8)))
}
