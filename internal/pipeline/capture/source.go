package capture

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/magixtical/video/internal/pipeline/clock"
	"github.com/magixtical/video/internal/pipeline/convert"
	"github.com/magixtical/video/internal/util"
)

// SurfaceProvider is the injected capture primitive: one call returns one
// tightly packed BGRA frame of the full source surface. Implementations
// live outside this package (desktop duplication APIs, a virtual display,
// a test fake); this package owns everything around the call: pacing,
// region handling, conversion and recovery.
type SurfaceProvider interface {
	// CaptureFrame returns one BGRA frame and the surface's current
	// width/height, which may change across calls (e.g. display mode
	// switch, window resize).
	CaptureFrame(ctx context.Context) (data []byte, width, height int, err error)
}

// LoopbackProvider is the injected audio capture primitive: one call
// returns one buffer of native-format PCM captured since the previous
// call.
type LoopbackProvider interface {
	CaptureSamples(ctx context.Context) (raw []byte, err error)
}

// maxConsecutiveFailures is the number of consecutive failed capture calls
// after which a source reports a permanent DeviceLost, mirroring the "three
// consecutive failures" style tracking in scrcpy/manager.go's
// needsAudioCodecRestart. The provider is not re-initialized between
// failures; each retry is simply the next capture call.
const maxConsecutiveFailures = 3

// FrameSource drives a SurfaceProvider at a fixed frame rate, cropping to
// a configured region, converting to YUV420P and invoking callback once
// per frame, per spec §4.2.
type FrameSource struct {
	provider  SurfaceProvider
	converter *convert.PixelConverter
	clock     *clock.Clock

	frameRate      int
	region         convert.Region
	targetW        int
	targetH        int
	maintainAspect bool

	mu           sync.Mutex
	cancel       context.CancelFunc
	frameIndex   int64
	running      bool
	onDeviceLost func(*DeviceLost)
}

// FrameSourceConfig configures a FrameSource's capture geometry and pacing.
type FrameSourceConfig struct {
	FrameRate      int
	Region         convert.Region
	TargetWidth    int
	TargetHeight   int
	MaintainAspect bool
	Quality        convert.Quality
}

// NewFrameSource constructs a FrameSource over the given provider and clock.
func NewFrameSource(provider SurfaceProvider, c *clock.Clock, cfg FrameSourceConfig) *FrameSource {
	return &FrameSource{
		provider:       provider,
		converter:      convert.NewPixelConverter(cfg.Quality),
		clock:          c,
		frameRate:      cfg.FrameRate,
		region:         cfg.Region,
		targetW:        cfg.TargetWidth,
		targetH:        cfg.TargetHeight,
		maintainAspect: cfg.MaintainAspect,
	}
}

// OnDeviceLost registers a callback invoked once this source's capture
// loop sees maxConsecutiveFailures consecutive CaptureFrame failures and
// gives up permanently, per spec §4.2's device-loss reporting requirement
// (the provider is not re-initialized in between). Set
// before Start; the capture loop holds no lock around reading it.
func (s *FrameSource) OnDeviceLost(fn func(*DeviceLost)) {
	s.onDeviceLost = fn
}

// Start begins the capture loop on a background goroutine, invoking
// callback once per frame until ctx is canceled or Stop is called.
// Calling Start while already running returns an error.
func (s *FrameSource) Start(ctx context.Context, callback func(VideoFrame)) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("capture: frame source already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	go s.runLoop(runCtx, callback)
	return nil
}

// Stop cancels the capture loop. Safe to call multiple times.
func (s *FrameSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
}

func (s *FrameSource) runLoop(ctx context.Context, callback func(VideoFrame)) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	interval := time.Second / time.Duration(s.frameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := s.captureOne(ctx)
			if err != nil {
				failures++
				util.GetLogger().Warn("frame capture failed", "error", err, "consecutive_failures", failures)
				if failures >= maxConsecutiveFailures {
					util.GetLogger().Error("frame source permanently lost", "error", err)
					if s.onDeviceLost != nil {
						s.onDeviceLost(&DeviceLost{Permanent: true, Err: err})
					}
					return
				}
				continue
			}
			failures = 0
			callback(frame)
		}
	}
}

func (s *FrameSource) captureOne(ctx context.Context) (VideoFrame, error) {
	data, width, height, err := s.provider.CaptureFrame(ctx)
	if err != nil {
		return VideoFrame{}, err
	}

	region := s.region
	if region == (convert.Region{}) {
		region = convert.Region{Left: 0, Top: 0, Right: width, Bottom: height}
	}

	yuv, outW, outH, err := s.converter.Convert(data, width, height, region, s.targetW, s.targetH, s.maintainAspect)
	if err != nil {
		return VideoFrame{}, err
	}

	idx := s.frameIndex
	s.frameIndex++

	return VideoFrame{
		Width:       outW,
		Height:      outH,
		Data:        yuv,
		TimestampUs: s.clock.SyncedVideoPTS(idx, s.frameRate),
	}, nil
}

// AudioSource drives a LoopbackProvider, converting captured PCM to
// interleaved float32 and invoking callback once per buffer, per spec
// §4.3.
type AudioSource struct {
	provider  LoopbackProvider
	converter *convert.SampleConverter
	clock     *clock.Clock

	sampleRate int
	channels   int

	mu                sync.Mutex
	cancel            context.CancelFunc
	cumulativeSamples int64
	running           bool
	onDeviceLost      func(*DeviceLost)
}

// AudioSourceConfig configures an AudioSource's native format and pacing.
type AudioSourceConfig struct {
	SampleRate int
	Channels   int
	Format     convert.SampleFormat
}

// NewAudioSource constructs an AudioSource over the given provider and clock.
func NewAudioSource(provider LoopbackProvider, c *clock.Clock, cfg AudioSourceConfig) *AudioSource {
	return &AudioSource{
		provider:   provider,
		converter:  convert.NewSampleConverter(cfg.Format, cfg.Channels),
		clock:      c,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
	}
}

// OnDeviceLost registers a callback invoked once this source's capture
// loop sees maxConsecutiveFailures consecutive CaptureSamples failures and
// gives up permanently, per spec §4.3's device-loss reporting requirement
// (the provider is not re-initialized in between). Set
// before Start; the capture loop holds no lock around reading it.
func (s *AudioSource) OnDeviceLost(fn func(*DeviceLost)) {
	s.onDeviceLost = fn
}

// Start begins the capture loop on a background goroutine.
func (s *AudioSource) Start(ctx context.Context, callback func(AudioPacket)) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("capture: audio source already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	go s.runLoop(runCtx, callback)
	return nil
}

// Stop cancels the capture loop. Safe to call multiple times.
func (s *AudioSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
}

func (s *AudioSource) runLoop(ctx context.Context, callback func(AudioPacket)) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := s.provider.CaptureSamples(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			util.GetLogger().Warn("audio capture failed", "error", err, "consecutive_failures", failures)
			if failures >= maxConsecutiveFailures {
				util.GetLogger().Error("audio source permanently lost", "error", err)
				if s.onDeviceLost != nil {
					s.onDeviceLost(&DeviceLost{Permanent: true, Err: err})
				}
				return
			}
			continue
		}
		failures = 0

		samples, silent := s.converter.Convert(raw)
		perChannel := s.converter.SamplesPerChannel(samples)

		s.mu.Lock()
		s.cumulativeSamples += int64(perChannel)
		cumulative := s.cumulativeSamples
		s.mu.Unlock()

		callback(AudioPacket{
			Data:              float32SliceToBytes(samples),
			SamplesPerChannel: perChannel,
			Channels:          s.channels,
			SampleRate:        s.sampleRate,
			CumulativeSamples: cumulative,
			IsSilent:          silent,
			TimestampUs:       s.clock.SyncedAudioPTS(cumulative, s.sampleRate),
		})
	}
}

func float32SliceToBytes(samples []float32) []byte {
	out := make([]byte, 0, len(samples)*4)
	for _, v := range samples {
		bits := math.Float32bits(v)
		out = append(out, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	}
	return out
}
