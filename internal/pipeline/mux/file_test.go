package mux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/require"

	"github.com/magixtical/video/internal/pipeline/encode"
)

func testSpsPps() ([]byte, []byte) {
	return []byte{0x67, 0x42, 0x00, 0x1e}, []byte{0x68, 0xce, 0x3c, 0x80}
}

func TestFileMuxerWritesNonEmptyOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.mp4")

	sps, pps := testSpsPps()
	m := NewFileMuxer(path, CodecParams{
		VideoSPS: sps,
		VideoPPS: pps,
		AudioConfig: mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   44100,
			ChannelCount: 2,
		},
	})

	require.NoError(t, m.Open())
	require.NoError(t, m.WriteHeader())

	// WritePacket receives packets already rescaled by fanout.Dispatch into
	// this sink's VideoTimebase/AudioTimebase (90000 for video, the
	// configured sample rate for audio), not raw encoder microseconds.
	videoAU := append([]byte{0x00, 0x00, 0x00, 0x01, 0x65}, make([]byte, 32)...)
	require.NoError(t, m.WritePacket(encode.EncodedPacket{
		Data: videoAU, PTS: 0, StreamKind: encode.StreamKindVideo, IsKeyframe: true,
	}))
	require.NoError(t, m.WritePacket(encode.EncodedPacket{
		Data: []byte{0x01, 0x02, 0x03}, PTS: 882, StreamKind: encode.StreamKindAudio,
	}))

	require.NoError(t, m.WriteTrailer())
	require.NoError(t, m.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestFmp4TrackTimingUsesTimescaleUnitsDirectly(t *testing.T) {
	// Regression test for the fanout/mux double-rescale bug: fanout.Dispatch
	// already converts PTS into the sink's declared timescale (90000 for a
	// 1080p30 video track here), so two packets one frame apart must yield
	// a base/duration of exactly one frame interval (3000 @ 90kHz/30fps),
	// not a further-divided value.
	track := &fmp4Track{id: 1, timeScale: 90000}

	base, duration := track.timing(0, 0)
	require.Equal(t, int64(0), base)
	require.Equal(t, uint32(0), duration)

	base, duration = track.timing(3000, 0)
	require.Equal(t, int64(3000), base)
	require.Equal(t, uint32(3000), duration)
}

func TestFmp4TrackTimingFallsBackToPacketDuration(t *testing.T) {
	// A single sample has no gap to infer from; the muxer must fall back to
	// the packet's own (already-rescaled) duration.
	track := &fmp4Track{id: 2, timeScale: 44100}

	base, duration := track.timing(0, 1024)
	require.Equal(t, int64(0), base)
	require.Equal(t, uint32(1024), duration)
}

func TestFileMuxerRejectsPacketBeforeHeader(t *testing.T) {
	dir := t.TempDir()
	m := NewFileMuxer(filepath.Join(dir, "out.mp4"), CodecParams{})
	require.NoError(t, m.Open())
	err := m.WritePacket(encode.EncodedPacket{Data: []byte{1}, StreamKind: encode.StreamKindVideo})
	require.Error(t, err)
}

func TestFileMuxerOpenFailsOnUnwritableDir(t *testing.T) {
	m := NewFileMuxer("/nonexistent-dir-xyz/out.mp4", CodecParams{})
	require.Error(t, m.Open())
}
