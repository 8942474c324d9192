package fanout

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/magixtical/video/internal/pipeline/encode"
)

type fakeMuxer struct {
	mu            sync.Mutex
	openErr       error
	headerErr     error
	writeErr      error
	packets       []encode.EncodedPacket
	headerCalled  bool
	trailerCalled bool
	closeCalled   bool
}

func (m *fakeMuxer) Open() error        { return m.openErr }
func (m *fakeMuxer) WriteHeader() error { m.headerCalled = true; return m.headerErr }
func (m *fakeMuxer) WritePacket(pkt encode.EncodedPacket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.packets = append(m.packets, pkt)
	return nil
}
func (m *fakeMuxer) WriteTrailer() error { m.trailerCalled = true; return nil }
func (m *fakeMuxer) Close() error        { m.closeCalled = true; return nil }

func openedStreamingSink(name string, isFile bool, muxer Muxer) *Sink {
	s := &Sink{
		Name:          name,
		IsFile:        isFile,
		VideoTimebase: Timebase{Num: 1, Den: 90000},
		AudioTimebase: Timebase{Num: 1, Den: 48000},
		Muxer:         muxer,
	}
	_ = s.Open()
	_ = s.WriteHeader()
	return s
}

func TestDispatchRescalesTimestampsPerSink(t *testing.T) {
	m := &fakeMuxer{}
	s := openedStreamingSink("file", true, m)

	f := New()
	f.Add(s)

	err := f.Dispatch(encode.EncodedPacket{
		StreamKind:  encode.StreamKindVideo,
		PTS:         1_000_000, // 1s in microseconds
		TimebaseNum: 1,
		TimebaseDen: 1_000_000,
	})
	require.NoError(t, err)
	require.Len(t, m.packets, 1)
	require.Equal(t, int64(90000), m.packets[0].PTS) // 1s at 90kHz timebase
}

func TestDispatchIsolatesNonFileSinkFailures(t *testing.T) {
	goodMuxer := &fakeMuxer{}
	badMuxer := &fakeMuxer{writeErr: errors.New("connection reset")}

	good := openedStreamingSink("file", true, goodMuxer)
	bad := openedStreamingSink("network", false, badMuxer)

	f := New()
	f.Add(good)
	f.Add(bad)

	err := f.Dispatch(encode.EncodedPacket{StreamKind: encode.StreamKindVideo, TimebaseDen: 1_000_000})
	require.NoError(t, err) // non-file sink failure must not be fatal
	require.Equal(t, SinkFailed, bad.State())
	require.Equal(t, SinkStreaming, good.State())
	require.Len(t, goodMuxer.packets, 1)
	require.Equal(t, int64(1), f.NonFatalFailures())
}

func TestDispatchReturnsFatalOnFileSinkFailure(t *testing.T) {
	fileMuxer := &fakeMuxer{writeErr: errors.New("disk full")}
	file := openedStreamingSink("file", true, fileMuxer)

	f := New()
	f.Add(file)

	err := f.Dispatch(encode.EncodedPacket{StreamKind: encode.StreamKindVideo, TimebaseDen: 1_000_000})
	require.Error(t, err)
	require.Equal(t, SinkFailed, file.State())
}

func TestCloseAllWritesTrailerForStreamingSinks(t *testing.T) {
	m := &fakeMuxer{}
	s := openedStreamingSink("file", true, m)
	s.beginStreaming()

	f := New()
	f.Add(s)
	require.NoError(t, f.CloseAll())
	require.True(t, m.trailerCalled)
	require.True(t, m.closeCalled)
	require.Equal(t, SinkClosed, s.State())
}

func TestLiveCountExcludesFailedAndClosed(t *testing.T) {
	f := New()
	f.Add(openedStreamingSink("a", false, &fakeMuxer{}))
	failing := openedStreamingSink("b", false, &fakeMuxer{writeErr: errors.New("x")})
	f.Add(failing)

	require.Equal(t, 2, f.LiveCount())
	_ = f.Dispatch(encode.EncodedPacket{TimebaseDen: 1_000_000})
	require.Equal(t, 1, f.LiveCount())
}

func TestRescaleTimestampIdentityWhenTimebasesMatch(t *testing.T) {
	tb := Timebase{Num: 1, Den: 1_000_000}
	require.Equal(t, int64(12345), RescaleTimestamp(12345, tb, tb))
}
