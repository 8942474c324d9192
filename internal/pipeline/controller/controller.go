// Package controller owns the pipeline's lifecycle: the encoders, the
// queues, the fanout and the capture threads, per spec §4.8. Grounded on
// device_connect/server.go's {Start,Stop,IsRunning} shape and
// scrcpy/manager.go's started-check-under-lock / cleanup-on-failure idiom.
package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/magixtical/video/config"
	"github.com/magixtical/video/internal/pipeline/capture"
	"github.com/magixtical/video/internal/pipeline/clock"
	"github.com/magixtical/video/internal/pipeline/convert"
	"github.com/magixtical/video/internal/pipeline/encode"
	"github.com/magixtical/video/internal/pipeline/fanout"
	"github.com/magixtical/video/internal/pipeline/mux"
	"github.com/magixtical/video/internal/pipeline/queue"
	"github.com/magixtical/video/internal/util"
)

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateInitialized
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	videoQueueCapacity = 10
	audioQueueCapacity = 30
)

// Dependencies carries the out-of-scope capture and codec capabilities the
// controller wires together. Concrete platform/codec implementations are
// supplied by the cmd layer; this package never constructs them itself.
type Dependencies struct {
	SurfaceProvider  capture.SurfaceProvider
	LoopbackProvider capture.LoopbackProvider
	VideoCodec       encode.VideoCodec
	AudioCodec       encode.AudioCodec
}

// Controller implements spec §4.8's init/start/stop/is_running state
// machine, owning every long-lived goroutine and resource in the live
// pipeline.
type Controller struct {
	deps Dependencies

	mu    sync.Mutex
	state State
	cfg   config.RecordConfig

	clock        *clock.Clock
	frameSource  *capture.FrameSource
	audioSource  *capture.AudioSource
	videoQueue   *queue.DropOldestQueue[capture.VideoFrame]
	audioQueue   *queue.DropOldestQueue[capture.AudioPacket]
	videoEncoder *encode.VideoEncoder
	audioEncoder *encode.AudioEncoder
	fanout       *fanout.MuxFanout

	captureCancel context.CancelFunc
	wg            sync.WaitGroup
	fatalErr      error
}

// Status reports the pipeline's lifecycle state plus the non-fatal
// counters spec §7 requires be observable: dropped capture frames (queue
// pressure) and sink write failures that were logged and skipped rather
// than torn down. FatalError is set once a fatal sink error has stopped
// the pipeline.
type Status struct {
	State                State
	DroppedVideoFrames   int64
	DroppedAudioFrames   int64
	NonFatalSinkFailures int64
	FatalError           error
}

// Status returns a snapshot of the pipeline's current state and counters.
// Safe to call from any goroutine at any point in the Controller's
// lifecycle.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{State: c.state, FatalError: c.fatalErr}
	videoQueue, audioQueue, fo := c.videoQueue, c.audioQueue, c.fanout
	c.mu.Unlock()

	if videoQueue != nil {
		st.DroppedVideoFrames = videoQueue.Dropped()
	}
	if audioQueue != nil {
		st.DroppedAudioFrames = audioQueue.Dropped()
	}
	if fo != nil {
		st.NonFatalSinkFailures = fo.NonFatalFailures()
	}
	return st
}

// New constructs an un-initialized Controller around the given
// out-of-scope capture and codec capabilities.
func New(deps Dependencies) *Controller {
	return &Controller{deps: deps, clock: clock.Default()}
}

// Init configures the pipeline for the given RecordConfig without starting
// any goroutines. Safe to call again after Stop to reconfigure.
func (c *Controller) Init(cfg config.RecordConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		return fmt.Errorf("controller: cannot init while running")
	}

	c.cfg = cfg
	c.fatalErr = nil
	c.videoQueue = queue.New[capture.VideoFrame](videoQueueCapacity)
	c.audioQueue = queue.New[capture.AudioPacket](audioQueueCapacity)
	c.fanout = fanout.New() // replaced per-run by buildSinks once Start opens the encoders

	c.videoEncoder = encode.NewVideoEncoder(c.deps.VideoCodec, c.clock)
	c.audioEncoder = encode.NewAudioEncoder(c.deps.AudioCodec, c.clock)
	c.videoEncoder.RegisterCallback(func(pkt encode.EncodedPacket) {
		if err := c.fanout.Dispatch(pkt); err != nil {
			c.handleFatalError(err)
		}
	})
	c.audioEncoder.RegisterCallback(func(pkt encode.EncodedPacket) {
		if err := c.fanout.Dispatch(pkt); err != nil {
			c.handleFatalError(err)
		}
	})

	region := convert.Region{}
	if cfg.CaptureRegion {
		region = convert.Region{
			Left:   cfg.RegionX,
			Top:    cfg.RegionY,
			Right:  cfg.RegionX + cfg.RegionWidth,
			Bottom: cfg.RegionY + cfg.RegionHeight,
		}
	}
	quality := convert.Quality(cfg.RegionQuality)

	c.frameSource = capture.NewFrameSource(c.deps.SurfaceProvider, c.clock, capture.FrameSourceConfig{
		FrameRate:      cfg.FrameRate,
		Region:         region,
		TargetWidth:    cfg.TargetWidth,
		TargetHeight:   cfg.TargetHeight,
		MaintainAspect: cfg.MaintainAspectRatio,
		Quality:        quality,
	})

	c.audioSource = capture.NewAudioSource(c.deps.LoopbackProvider, c.clock, capture.AudioSourceConfig{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Format:     convert.FormatFromName(cfg.SampleFormat),
	})

	c.frameSource.OnDeviceLost(func(dl *capture.DeviceLost) {
		c.handleFatalError(fmt.Errorf("controller: video capture device lost: %w", dl))
	})
	c.audioSource.OnDeviceLost(func(dl *capture.DeviceLost) {
		c.handleFatalError(fmt.Errorf("controller: audio capture device lost: %w", dl))
	})

	c.state = StateInitialized
	return nil
}

// buildSinks constructs this run's fanout sinks, per spec §4.8 step 2/3:
// a fresh output filename is composed from the template and wall-clock
// time, and each sink is built with the codec parameters the just-opened
// encoders now expose.
func (c *Controller) buildSinks(cfg config.RecordConfig) error {
	c.fanout = fanout.New()
	videoTimebase := fanout.Timebase{Num: 1, Den: 1_000_000}
	audioTimebase := fanout.Timebase{Num: 1, Den: 1_000_000}

	if cfg.RecordToFile {
		sps, pps := c.videoEncoder.SpsPps()
		path := expandFilenameTemplate(cfg.OutputDirectory+"/"+cfg.OutputFilename, time.Now())
		// Runs started within the same second expand to the same name; add
		// a "_N" suffix so an earlier recording is never overwritten.
		if _, err := os.Stat(path); err == nil {
			ext := filepath.Ext(path)
			stem := strings.TrimSuffix(path, ext)
			for n := 1; ; n++ {
				candidate := stem + "_" + strconv.Itoa(n) + ext
				if _, err := os.Stat(candidate); err != nil {
					path = candidate
					break
				}
			}
		}
		fileMuxer := mux.NewFileMuxer(path, mux.CodecParams{
			VideoSPS:    sps,
			VideoPPS:    pps,
			AudioConfig: c.audioEncoder.AudioSpecificConfig(),
		})
		c.fanout.Add(&fanout.Sink{
			Name:          "file",
			IsFile:        true,
			VideoTimebase: fanout.Timebase{Num: 1, Den: 90000},
			AudioTimebase: fanout.Timebase{Num: 1, Den: int(cfg.SampleRate)},
			Muxer:         fileMuxer,
		})
	}

	if cfg.StreamToRTMP {
		netMuxer := mux.NewNetworkMuxer(mux.NetworkMuxerConfig{
			Address:      cfg.RTMPURL,
			DialTimeout:  cfg.ProbeTimeout,
			WriteTimeout: cfg.LiveWriteTimeout,
		})
		c.fanout.Add(&fanout.Sink{
			Name:          "network",
			IsFile:        false,
			VideoTimebase: videoTimebase,
			AudioTimebase: audioTimebase,
			Muxer:         netMuxer,
		})
	}

	if len(c.fanout.Sinks()) == 0 {
		return fmt.Errorf("controller: no sinks configured")
	}
	return nil
}

// handleFatalError reacts to a condition spec §7 treats as fatal: a file
// sink write failure surfaced by fanout.Dispatch (item 6, "the file sink
// never fails silently; its errors are fatal"), or a capture source
// reporting permanent DeviceLost after three consecutive failed capture
// calls. It
// records the error for Status/Stop to surface and tears the pipeline
// down, mirroring spec §7 item 5's "flip running=false, drain what is
// possible, report" pattern. Torn down asynchronously: this can be called
// from inside the video/audio encode loop goroutines that Stop's
// wg.Wait() joins, so calling Stop synchronously here could deadlock
// against itself.
func (c *Controller) handleFatalError(err error) {
	c.mu.Lock()
	if c.fatalErr != nil || c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.fatalErr = err
	c.mu.Unlock()

	util.GetLogger().Error("fatal sink error, stopping pipeline", "error", err)
	go func() {
		if stopErr := c.Stop(); stopErr != nil {
			util.GetLogger().Error("controller: stop after fatal sink error", "error", stopErr)
		}
	}()
}

// IsRunning reports whether the pipeline is actively capturing.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRunning
}

// CurrentState returns the controller's current lifecycle state.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start runs spec §4.8's start sequence: re-open encoders if this is a
// restart, open and header-write every sink, start the Clock, then spawn
// capture and encode goroutines.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		return fmt.Errorf("controller: already running")
	}
	if c.state != StateInitialized && c.state != StateStopped {
		return fmt.Errorf("controller: start requires init first, state=%s", c.state)
	}

	// Per spec §4.8 step 1: a pipeline that previously ran (Run/Stopped)
	// re-opens its encoders here exactly as a first start does — Open
	// always tears down any prior codec context via the codec's own Open
	// semantics, so there is no separate reopen path.
	if err := c.videoEncoder.Open(encode.VideoCodecConfig{
		Width: c.cfg.TargetWidth, Height: c.cfg.TargetHeight, FrameRate: c.cfg.FrameRate,
		BitRate: c.cfg.VideoBitRate, GOPSize: c.cfg.GOPSize, MaxBFrames: c.cfg.MaxBFrames,
		Preset: c.cfg.Preset, Tune: c.cfg.Tune,
	}); err != nil {
		return fmt.Errorf("controller: open video encoder: %w", err)
	}
	if err := c.audioEncoder.Open(encode.AudioCodecConfig{
		SampleRate: c.cfg.SampleRate, Channels: c.cfg.Channels, BitRate: c.cfg.AudioBitRate,
	}); err != nil {
		return fmt.Errorf("controller: open audio encoder: %w", err)
	}

	// Step 2/3: compose this run's output filename and build sinks now
	// that the encoders have exposed their parameter sets.
	if err := c.buildSinks(c.cfg); err != nil {
		return fmt.Errorf("controller: build sinks: %w", err)
	}

	liveSinks := 0
	for _, s := range c.fanout.Sinks() {
		if err := s.Open(); err != nil {
			util.GetLogger().Warn("sink open failed, excluded from fanout", "sink", s.Name, "error", err)
			continue
		}
		if err := s.WriteHeader(); err != nil {
			util.GetLogger().Warn("sink header write failed, excluded from fanout", "sink", s.Name, "error", err)
			continue
		}
		liveSinks++
	}
	if liveSinks == 0 {
		return fmt.Errorf("controller: no sinks remained live after open/write_header")
	}

	c.clock.Start()

	// Stop closed the previous run's queues; a restart needs open ones.
	if c.state == StateStopped {
		c.videoQueue = queue.New[capture.VideoFrame](videoQueueCapacity)
		c.audioQueue = queue.New[capture.AudioPacket](audioQueueCapacity)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.captureCancel = cancel

	if err := c.frameSource.Start(ctx, func(f capture.VideoFrame) { c.videoQueue.Push(f) }); err != nil {
		cancel()
		c.clock.Stop()
		return fmt.Errorf("controller: start frame source: %w", err)
	}
	if err := c.audioSource.Start(ctx, func(a capture.AudioPacket) { c.audioQueue.Push(a) }); err != nil {
		c.frameSource.Stop()
		cancel()
		c.clock.Stop()
		return fmt.Errorf("controller: start audio source: %w", err)
	}

	c.wg.Add(2)
	go c.runVideoEncodeLoop()
	go c.runAudioEncodeLoop()

	c.state = StateRunning
	util.GetLogger().Info("pipeline started", "sinks", liveSinks)
	return nil
}

func (c *Controller) runVideoEncodeLoop() {
	defer c.wg.Done()
	for {
		frame, ok := c.videoQueue.Pop()
		if !ok {
			return
		}
		if err := c.videoEncoder.Submit(frame); err != nil {
			util.GetLogger().Error("video encode failed", "error", err)
		}
	}
}

func (c *Controller) runAudioEncodeLoop() {
	defer c.wg.Done()
	for {
		packet, ok := c.audioQueue.Pop()
		if !ok {
			return
		}
		if err := c.audioEncoder.Submit(packet, packet.Float32Samples()); err != nil {
			util.GetLogger().Error("audio encode failed", "error", err)
		}
	}
}

// Stop runs spec §4.8's stop sequence: stop capture, join capture and
// encode goroutines, flush both encoders, write trailers for any
// Streaming sink, and stop the Clock.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("controller: not running")
	}
	c.state = StateStopping
	fatalErr := c.fatalErr
	c.mu.Unlock()

	c.frameSource.Stop()
	c.audioSource.Stop()
	if c.captureCancel != nil {
		c.captureCancel()
	}

	c.videoQueue.Close()
	c.audioQueue.Close()

	c.wg.Wait()

	var firstErr error
	if fatalErr != nil {
		firstErr = fmt.Errorf("controller: stopped after fatal sink error: %w", fatalErr)
	}
	if err := c.videoEncoder.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("controller: flush video encoder: %w", err)
	}
	if err := c.audioEncoder.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("controller: flush audio encoder: %w", err)
	}

	if err := c.fanout.CloseAll(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("controller: close sinks: %w", err)
	}

	c.clock.Stop()

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	util.GetLogger().Info("pipeline stopped")
	return firstErr
}

// expandFilenameTemplate substitutes a small set of strftime-style tokens
// with the given wall-clock time, per spec §4.8 step 2 ("compose a unique
// output filename from the template and the current wall-clock time").
func expandFilenameTemplate(template string, t time.Time) string {
	repl := strings.NewReplacer(
		"%Y", pad(t.Year(), 4),
		"%m", pad(int(t.Month()), 2),
		"%d", pad(t.Day(), 2),
		"%H", pad(t.Hour(), 2),
		"%M", pad(t.Minute(), 2),
		"%S", pad(t.Second(), 2),
	)
	return repl.Replace(template)
}

func pad(v, width int) string {
	s := strconv.Itoa(v)
	for len(s) < width {
		s = "0" + s
	}
	return s
}
