package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/magixtical/video/internal/pipeline/clock"
	"github.com/magixtical/video/internal/pipeline/convert"
	"github.com/stretchr/testify/require"
)

type fakeSurfaceProvider struct {
	w, h int
	err  error
}

func (f *fakeSurfaceProvider) CaptureFrame(ctx context.Context) ([]byte, int, int, error) {
	if f.err != nil {
		return nil, 0, 0, f.err
	}
	return make([]byte, f.w*f.h*4), f.w, f.h, nil
}

func TestFrameSourceDeliversFramesAtConfiguredRate(t *testing.T) {
	provider := &fakeSurfaceProvider{w: 16, h: 16}
	c := clock.New()
	c.Start()
	defer c.Stop()

	src := NewFrameSource(provider, c, FrameSourceConfig{
		FrameRate: 100,
		Quality:   convert.QualityFast,
	})

	var mu sync.Mutex
	var frames []VideoFrame
	require.NoError(t, src.Start(context.Background(), func(f VideoFrame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}))
	defer src.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 16, frames[0].Width)
	require.Equal(t, 16, frames[0].Height)
	require.Len(t, frames[0].Data, 16*16*3/2)
}

func TestFrameSourceRejectsDoubleStart(t *testing.T) {
	provider := &fakeSurfaceProvider{w: 4, h: 4}
	src := NewFrameSource(provider, clock.New(), FrameSourceConfig{FrameRate: 10})
	require.NoError(t, src.Start(context.Background(), func(VideoFrame) {}))
	defer src.Stop()
	require.Error(t, src.Start(context.Background(), func(VideoFrame) {}))
}

func TestFrameSourceStopsAfterConsecutiveFailures(t *testing.T) {
	provider := &fakeSurfaceProvider{err: errors.New("capture device unavailable")}
	src := NewFrameSource(provider, clock.New(), FrameSourceConfig{FrameRate: 200})

	done := make(chan struct{})
	require.NoError(t, src.Start(context.Background(), func(VideoFrame) {}))
	go func() {
		for {
			src.mu.Lock()
			running := src.running
			src.mu.Unlock()
			if !running {
				close(done)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("frame source did not stop after repeated capture failures")
	}
}

func TestFrameSourceReportsDeviceLostAfterConsecutiveFailures(t *testing.T) {
	provider := &fakeSurfaceProvider{err: errors.New("capture device unavailable")}
	src := NewFrameSource(provider, clock.New(), FrameSourceConfig{FrameRate: 200})

	lost := make(chan *DeviceLost, 1)
	src.OnDeviceLost(func(dl *DeviceLost) {
		lost <- dl
	})
	require.NoError(t, src.Start(context.Background(), func(VideoFrame) {}))
	defer src.Stop()

	select {
	case dl := <-lost:
		require.True(t, dl.Permanent)
		require.Error(t, dl.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("frame source did not report device lost after repeated capture failures")
	}
}

type fakeLoopbackProvider struct {
	data [][]byte
	idx  int
	mu   sync.Mutex
}

func (f *fakeLoopbackProvider) CaptureSamples(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.data) {
		time.Sleep(5 * time.Millisecond)
		return make([]byte, 8), nil
	}
	d := f.data[f.idx]
	f.idx++
	return d, nil
}

func TestAudioSourceAccumulatesCumulativeSamples(t *testing.T) {
	provider := &fakeLoopbackProvider{data: [][]byte{make([]byte, 16), make([]byte, 16)}}
	c := clock.New()
	c.Start()
	defer c.Stop()

	src := NewAudioSource(provider, c, AudioSourceConfig{
		SampleRate: 44100,
		Channels:   2,
		Format:     convert.SampleFormatS16LE,
	})

	var mu sync.Mutex
	var packets []AudioPacket
	require.NoError(t, src.Start(context.Background(), func(p AudioPacket) {
		mu.Lock()
		packets = append(packets, p)
		mu.Unlock()
	}))
	defer src.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(packets) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int64(4), packets[0].CumulativeSamples)
	require.Equal(t, int64(8), packets[1].CumulativeSamples)
	require.True(t, packets[0].IsSilent)
}
