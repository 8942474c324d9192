package encode

import (
	"fmt"
	"sync"

	"github.com/magixtical/video/internal/pipeline/capture"
	"github.com/magixtical/video/internal/pipeline/clock"
	"github.com/magixtical/video/internal/pipeline/h264nal"
)

// VideoCodecConfig mirrors spec §4.5's open(config) parameter set for the
// video leg: target dimensions, frame rate, bitrate, GOP/B-frame settings
// and encoder tuning. It names no codec; the injected VideoCodec is the
// codec.
type VideoCodecConfig struct {
	Width       int
	Height      int
	FrameRate   int
	BitRate     int
	GOPSize     int
	MaxBFrames  int
	Preset      string // e.g. "veryfast"
	Tune        string // e.g. "zerolatency"
}

// VideoCodec is the injected, out-of-scope compression capability. A
// concrete implementation wraps a real H.264 encoder; this package never
// performs the compression itself.
type VideoCodec interface {
	Open(cfg VideoCodecConfig) error
	// Encode compresses one YUV420P frame and returns its Annex-B access
	// unit (possibly empty if the codec is buffering B-frames).
	Encode(frame capture.VideoFrame) (annexB []byte, isKeyframe bool, err error)
	// Flush drains any frames the codec buffered internally and returns
	// their access units in presentation order.
	Flush() ([][]byte, error)
	Close() error
	// Headers returns the SPS/PPS parameter sets (no Annex-B start code)
	// the codec made available immediately after Open, mirroring
	// libx264's x264_encoder_headers so a muxer can write its init
	// segment before the first frame is submitted.
	Headers() (sps, pps []byte, err error)
}

// VideoEncoder assigns frame-index PTS, invokes the injected VideoCodec,
// extracts SPS/PPS from keyframes, and fans the resulting EncodedPackets
// out to registered callbacks, per spec §4.5.
type VideoEncoder struct {
	codec VideoCodec
	clock *clock.Clock
	cfg   VideoCodecConfig

	callbacks callbackList

	mu         sync.Mutex
	frameIndex int64
	sps        []byte
	pps        []byte
	opened     bool
}

// NewVideoEncoder constructs a VideoEncoder around the given codec and
// shared clock.
func NewVideoEncoder(codec VideoCodec, c *clock.Clock) *VideoEncoder {
	return &VideoEncoder{codec: codec, clock: c}
}

// RegisterCallback adds an observer invoked for every packet Submit
// produces. Must be called during wiring, before Open.
func (e *VideoEncoder) RegisterCallback(fn func(EncodedPacket)) {
	e.callbacks.Register(fn)
}

// Open allocates the underlying codec context.
func (e *VideoEncoder) Open(cfg VideoCodecConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.codec.Open(cfg); err != nil {
		return fmt.Errorf("encode: open video codec: %w", err)
	}
	e.cfg = cfg
	e.frameIndex = 0
	e.opened = true

	if sps, pps, err := e.codec.Headers(); err == nil && len(sps) > 0 && len(pps) > 0 {
		e.sps = sps
		e.pps = pps
	}
	return nil
}

// Submit pushes a raw frame into the codec and immediately drains and
// dispatches any access unit it produces, mirroring spec §4.5's
// submit-then-drain pairing for a zero-latency preset.
func (e *VideoEncoder) Submit(frame capture.VideoFrame) error {
	e.mu.Lock()
	if !e.opened {
		e.mu.Unlock()
		return fmt.Errorf("encode: video encoder not open")
	}
	idx := e.frameIndex
	e.frameIndex++
	e.mu.Unlock()

	annexB, isKeyframe, err := e.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode: video encode: %w", err)
	}
	if len(annexB) == 0 {
		return nil
	}

	if isKeyframe {
		if sps, pps, ok := extractSpsPps(annexB); ok {
			e.mu.Lock()
			e.sps = sps
			e.pps = pps
			e.mu.Unlock()
		}
	}

	pts := e.clock.SyncedVideoPTS(idx, e.cfg.FrameRate)
	pkt := EncodedPacket{
		Data:        annexB,
		PTS:         pts,
		DTS:         pts,
		Duration:    clock.FrameDuration(e.cfg.FrameRate),
		TimebaseNum: 1,
		TimebaseDen: 1_000_000,
		StreamKind:  StreamKindVideo,
		IsKeyframe:  isKeyframe,
	}
	e.callbacks.invoke(pkt)
	return nil
}

// Flush drains remaining buffered access units and dispatches them, then
// must be called before the muxer writes its trailer.
func (e *VideoEncoder) Flush() error {
	e.mu.Lock()
	cfg := e.cfg
	idx := e.frameIndex
	e.mu.Unlock()

	units, err := e.codec.Flush()
	if err != nil {
		return fmt.Errorf("encode: video flush: %w", err)
	}

	for _, u := range units {
		pts := e.clock.SyncedVideoPTS(idx, cfg.FrameRate)
		idx++
		e.callbacks.invoke(EncodedPacket{
			Data:        u,
			PTS:         pts,
			DTS:         pts,
			Duration:    clock.FrameDuration(cfg.FrameRate),
			TimebaseNum: 1,
			TimebaseDen: 1_000_000,
			StreamKind:  StreamKindVideo,
		})
	}

	e.mu.Lock()
	e.frameIndex = idx
	e.mu.Unlock()
	return nil
}

// Reinitialize tears down and rebuilds the codec context with the same
// config, used when the pipeline restarts without a full process restart.
func (e *VideoEncoder) Reinitialize() error {
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	if err := e.codec.Close(); err != nil {
		return fmt.Errorf("encode: close video codec: %w", err)
	}
	return e.Open(cfg)
}

// SpsPps returns the most recently observed SPS and PPS, each a raw NAL
// payload with its Annex-B start code stripped, ready for mp4.CodecH264.
// Used by the file muxer to build its init segment.
func (e *VideoEncoder) SpsPps() (sps, pps []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sps, e.pps
}

func extractSpsPps(annexB []byte) (sps, pps []byte, ok bool) {
	for _, nal := range h264nal.SplitByStartCodes(annexB) {
		nalType, got := h264nal.GetNALUnitType(nal)
		if !got {
			continue
		}
		switch nalType {
		case h264nal.NALUnitTypeSPS:
			sps = h264nal.StripStartCode(nal)
		case h264nal.NALUnitTypePPS:
			pps = h264nal.StripStartCode(nal)
		}
	}
	return sps, pps, len(sps) > 0 && len(pps) > 0
}
