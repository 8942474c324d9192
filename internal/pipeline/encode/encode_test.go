package encode

import (
	"sync"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/require"

	"github.com/magixtical/video/internal/pipeline/capture"
	"github.com/magixtical/video/internal/pipeline/clock"
	"github.com/magixtical/video/internal/pipeline/h264nal"
)

type fakeVideoCodec struct {
	opened    bool
	keyframe  bool
	sps, pps  []byte
	encodeErr error
}

func newFakeVideoCodec() *fakeVideoCodec {
	sps := append([]byte{0x00, 0x00, 0x00, 0x01, 0x67}, []byte{1, 2, 3}...)
	pps := append([]byte{0x00, 0x00, 0x00, 0x01, 0x68}, []byte{4, 5}...)
	return &fakeVideoCodec{sps: sps, pps: pps}
}

func (f *fakeVideoCodec) Open(cfg VideoCodecConfig) error { f.opened = true; return nil }

func (f *fakeVideoCodec) Encode(frame capture.VideoFrame) ([]byte, bool, error) {
	if f.encodeErr != nil {
		return nil, false, f.encodeErr
	}
	isKey := !f.keyframe
	f.keyframe = true

	var au []byte
	if isKey {
		au = append(au, f.sps...)
		au = append(au, f.pps...)
	}
	slice := append([]byte{0x00, 0x00, 0x00, 0x01, 0x41}, frame.Data[:min(4, len(frame.Data))]...)
	au = append(au, slice...)
	return au, isKey, nil
}

func (f *fakeVideoCodec) Flush() ([][]byte, error) {
	return [][]byte{{0x00, 0x00, 0x00, 0x01, 0x41, 0xAA}}, nil
}
func (f *fakeVideoCodec) Close() error { f.opened = false; return nil }

func (f *fakeVideoCodec) Headers() (sps, pps []byte, err error) {
	return h264nal.StripStartCode(f.sps), h264nal.StripStartCode(f.pps), nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func TestVideoEncoderAssignsMonotonicPTSAndExtractsSpsPps(t *testing.T) {
	codec := newFakeVideoCodec()
	c := clock.New()
	c.Start()
	defer c.Stop()

	enc := NewVideoEncoder(codec, c)

	var mu sync.Mutex
	var packets []EncodedPacket
	enc.RegisterCallback(func(p EncodedPacket) {
		mu.Lock()
		packets = append(packets, p)
		mu.Unlock()
	})

	require.NoError(t, enc.Open(VideoCodecConfig{Width: 1280, Height: 720, FrameRate: 30}))

	frame := capture.VideoFrame{Width: 1280, Height: 720, Data: make([]byte, 16)}
	require.NoError(t, enc.Submit(frame))
	require.NoError(t, enc.Submit(frame))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, packets, 2)
	require.True(t, packets[0].IsKeyframe)
	require.False(t, packets[1].IsKeyframe)
	require.LessOrEqual(t, packets[0].PTS, packets[1].PTS)
	sps, pps := enc.SpsPps()
	require.NotEmpty(t, sps)
	require.NotEmpty(t, pps)
}

func TestVideoEncoderRejectsSubmitBeforeOpen(t *testing.T) {
	enc := NewVideoEncoder(newFakeVideoCodec(), clock.New())
	err := enc.Submit(capture.VideoFrame{})
	require.Error(t, err)
}

func TestVideoEncoderFlushDispatchesBufferedUnits(t *testing.T) {
	codec := newFakeVideoCodec()
	enc := NewVideoEncoder(codec, clock.New())

	var got []EncodedPacket
	enc.RegisterCallback(func(p EncodedPacket) { got = append(got, p) })
	require.NoError(t, enc.Open(VideoCodecConfig{FrameRate: 30}))
	require.NoError(t, enc.Flush())
	require.Len(t, got, 1)
}

func TestExtractSpsPpsFindsBothUnits(t *testing.T) {
	codec := newFakeVideoCodec()
	au, _, err := codec.Encode(capture.VideoFrame{Data: make([]byte, 8)})
	require.NoError(t, err)

	sps, pps, ok := extractSpsPps(au)
	require.True(t, ok)

	require.Equal(t, h264nal.NALUnitTypeSPS, h264nal.NALUnitType(sps[0]&0x1F))
	require.Equal(t, h264nal.NALUnitTypePPS, h264nal.NALUnitType(pps[0]&0x1F))
}

type fakeAudioCodec struct {
	opened bool
	asc    mpeg4audio.AudioSpecificConfig
}

func (f *fakeAudioCodec) Open(cfg AudioCodecConfig) error { f.opened = true; return nil }
func (f *fakeAudioCodec) Encode(samples []float32) ([]byte, int, error) {
	return []byte{0xAA, 0xBB}, 1024, nil
}
func (f *fakeAudioCodec) Flush() ([][]byte, error) { return [][]byte{{0xCC}}, nil }
func (f *fakeAudioCodec) Close() error              { f.opened = false; return nil }
func (f *fakeAudioCodec) AudioSpecificConfig() mpeg4audio.AudioSpecificConfig {
	return f.asc
}

func TestAudioEncoderAdvancesCumulativeSamplesBySamplesConsumed(t *testing.T) {
	codec := &fakeAudioCodec{}
	c := clock.New()
	c.Start()
	defer c.Stop()

	enc := NewAudioEncoder(codec, c)
	var packets []EncodedPacket
	enc.RegisterCallback(func(p EncodedPacket) { packets = append(packets, p) })

	require.NoError(t, enc.Open(AudioCodecConfig{SampleRate: 44100, Channels: 2}))
	require.NoError(t, enc.Submit(capture.AudioPacket{}, make([]float32, 2048)))
	require.NoError(t, enc.Submit(capture.AudioPacket{}, make([]float32, 2048)))

	require.Len(t, packets, 2)
	require.Less(t, packets[0].PTS, packets[1].PTS)
}

func TestAudioEncoderRejectsSubmitBeforeOpen(t *testing.T) {
	enc := NewAudioEncoder(&fakeAudioCodec{}, clock.New())
	err := enc.Submit(capture.AudioPacket{}, nil)
	require.Error(t, err)
}
