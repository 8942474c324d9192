package controller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/require"

	"github.com/magixtical/video/config"
	"github.com/magixtical/video/internal/pipeline/capture"
	"github.com/magixtical/video/internal/pipeline/encode"
	"github.com/magixtical/video/internal/pipeline/h264nal"
)

type fakeSurfaceProvider struct{}

func (f *fakeSurfaceProvider) CaptureFrame(ctx context.Context) ([]byte, int, int, error) {
	return make([]byte, 16*16*4), 16, 16, nil
}

type fakeLoopbackProvider struct{}

func (f *fakeLoopbackProvider) CaptureSamples(ctx context.Context) ([]byte, error) {
	time.Sleep(time.Millisecond)
	return make([]byte, 64), nil
}

type fakeVideoCodec struct {
	opened   bool
	keyframe bool
	sps, pps []byte
	failOpen bool
}

func newFakeVideoCodec() *fakeVideoCodec {
	sps := append([]byte{0x00, 0x00, 0x00, 0x01, 0x67}, []byte{1, 2, 3}...)
	pps := append([]byte{0x00, 0x00, 0x00, 0x01, 0x68}, []byte{4, 5}...)
	return &fakeVideoCodec{sps: sps, pps: pps}
}

func (f *fakeVideoCodec) Open(cfg encode.VideoCodecConfig) error {
	f.opened = true
	return nil
}

func (f *fakeVideoCodec) Encode(frame capture.VideoFrame) ([]byte, bool, error) {
	isKey := !f.keyframe
	f.keyframe = true

	var au []byte
	if isKey {
		au = append(au, f.sps...)
		au = append(au, f.pps...)
	}
	n := len(frame.Data)
	if n > 4 {
		n = 4
	}
	au = append(au, append([]byte{0x00, 0x00, 0x00, 0x01, 0x41}, frame.Data[:n]...)...)
	return au, isKey, nil
}

func (f *fakeVideoCodec) Flush() ([][]byte, error) {
	return [][]byte{{0x00, 0x00, 0x00, 0x01, 0x41, 0xAA}}, nil
}

func (f *fakeVideoCodec) Close() error { f.opened = false; return nil }

func (f *fakeVideoCodec) Headers() (sps, pps []byte, err error) {
	return h264nal.StripStartCode(f.sps), h264nal.StripStartCode(f.pps), nil
}

type fakeAudioCodec struct {
	opened bool
}

func (f *fakeAudioCodec) Open(cfg encode.AudioCodecConfig) error { f.opened = true; return nil }
func (f *fakeAudioCodec) Encode(samples []float32) ([]byte, int, error) {
	return []byte{0xAA, 0xBB}, 1024, nil
}
func (f *fakeAudioCodec) Flush() ([][]byte, error) { return [][]byte{{0xCC}}, nil }
func (f *fakeAudioCodec) Close() error              { f.opened = false; return nil }
func (f *fakeAudioCodec) AudioSpecificConfig() mpeg4audio.AudioSpecificConfig {
	return mpeg4audio.AudioSpecificConfig{Type: mpeg4audio.ObjectTypeAACLC, SampleRate: 44100, ChannelCount: 2}
}

func testRecordConfig(t *testing.T) config.RecordConfig {
	dir := t.TempDir()
	return config.RecordConfig{
		TargetWidth:  16,
		TargetHeight: 16,
		FrameRate:    100,
		VideoBitRate: 1_000_000,
		GOPSize:      10,
		Preset:       "veryfast",
		Tune:         "zerolatency",

		SampleRate: 44100,
		Channels:   2,

		RecordToFile:    true,
		OutputDirectory: dir,
		OutputFilename:  "out_%Y%m%d_%H%M%S.mp4",

		StreamToRTMP: false,

		ProbeTimeout:     time.Second,
		LiveWriteTimeout: time.Second,
	}
}

func newTestController() *Controller {
	return New(Dependencies{
		SurfaceProvider:  &fakeSurfaceProvider{},
		LoopbackProvider: &fakeLoopbackProvider{},
		VideoCodec:       newFakeVideoCodec(),
		AudioCodec:       &fakeAudioCodec{},
	})
}

func TestControllerStartWritesFileAndStopFlushes(t *testing.T) {
	c := newTestController()
	cfg := testRecordConfig(t)

	require.NoError(t, c.Init(cfg))
	require.Equal(t, StateInitialized, c.CurrentState())

	require.NoError(t, c.Start())
	require.True(t, c.IsRunning())

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, c.Stop())
	require.False(t, c.IsRunning())
	require.Equal(t, StateStopped, c.CurrentState())

	entries, err := os.ReadDir(cfg.OutputDirectory)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, filepath.Ext(entries[0].Name()) == ".mp4")
}

func TestControllerStartFailsWhenNoSinksConfigured(t *testing.T) {
	c := newTestController()
	cfg := testRecordConfig(t)
	cfg.RecordToFile = false
	cfg.StreamToRTMP = false

	require.NoError(t, c.Init(cfg))
	err := c.Start()
	require.Error(t, err)
	require.Equal(t, StateInitialized, c.CurrentState())
}

func TestControllerStartFailsWhenFileSinkCannotOpen(t *testing.T) {
	c := newTestController()
	cfg := testRecordConfig(t)
	cfg.OutputDirectory = filepath.Join(cfg.OutputDirectory, "missing", "nested")
	cfg.StreamToRTMP = false

	require.NoError(t, c.Init(cfg))
	err := c.Start()
	require.Error(t, err)
}

func TestControllerRejectsDoubleStart(t *testing.T) {
	c := newTestController()
	cfg := testRecordConfig(t)
	require.NoError(t, c.Init(cfg))
	require.NoError(t, c.Start())
	defer c.Stop()

	require.Error(t, c.Start())
}

func TestControllerRejectsStopWhenNotRunning(t *testing.T) {
	c := newTestController()
	require.Error(t, c.Stop())
}

func TestControllerRestartAfterStopProducesFreshFile(t *testing.T) {
	c := newTestController()
	cfg := testRecordConfig(t)
	require.NoError(t, c.Init(cfg))

	require.NoError(t, c.Start())
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Stop())

	require.NoError(t, c.Start())
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Stop())

	entries, err := os.ReadDir(cfg.OutputDirectory)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestControllerStatusReportsStateAndCounters(t *testing.T) {
	c := newTestController()
	cfg := testRecordConfig(t)
	require.NoError(t, c.Init(cfg))

	st := c.Status()
	require.Equal(t, StateInitialized, st.State)
	require.NoError(t, st.FatalError)
	require.Zero(t, st.DroppedVideoFrames)
	require.Zero(t, st.NonFatalSinkFailures)

	require.NoError(t, c.Start())
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, c.Stop())

	st = c.Status()
	require.Equal(t, StateStopped, st.State)
	require.NoError(t, st.FatalError)
}

func TestExpandFilenameTemplateSubstitutesTokens(t *testing.T) {
	ts := time.Date(2026, 3, 5, 9, 7, 3, 0, time.UTC)
	got := expandFilenameTemplate("rec_%Y%m%d_%H%M%S.mp4", ts)
	require.Equal(t, "rec_20260305_090703.mp4", got)
}
