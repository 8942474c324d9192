package encode

import (
	"fmt"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/magixtical/video/internal/pipeline/capture"
	"github.com/magixtical/video/internal/pipeline/clock"
)

// AudioCodecConfig mirrors spec §4.5's open(config) parameter set for the
// audio leg.
type AudioCodecConfig struct {
	SampleRate int
	Channels   int
	BitRate    int
}

// AudioCodec is the injected, out-of-scope compression capability for the
// audio leg. A concrete implementation wraps a real AAC encoder.
type AudioCodec interface {
	Open(cfg AudioCodecConfig) error
	// Encode compresses one buffer of interleaved float32 samples and
	// returns its raw AAC access unit (no ADTS header) plus the sample
	// count it consumed.
	Encode(samples []float32) (accessUnit []byte, samplesConsumed int, err error)
	Flush() ([][]byte, error)
	Close() error
	// AudioSpecificConfig returns the MPEG-4 audio config describing the
	// encoder's output, needed by the muxer's init segment.
	AudioSpecificConfig() mpeg4audio.AudioSpecificConfig
}

// AudioEncoder assigns cumulative-sample PTS, invokes the injected
// AudioCodec, and fans resulting EncodedPackets out to registered
// callbacks, per spec §4.5.
type AudioEncoder struct {
	codec AudioCodec
	clock *clock.Clock
	cfg   AudioCodecConfig

	callbacks callbackList

	mu                sync.Mutex
	cumulativeSamples int64
	opened            bool
}

// NewAudioEncoder constructs an AudioEncoder around the given codec and
// shared clock.
func NewAudioEncoder(codec AudioCodec, c *clock.Clock) *AudioEncoder {
	return &AudioEncoder{codec: codec, clock: c}
}

// RegisterCallback adds an observer invoked for every packet Submit
// produces. Must be called during wiring, before Open.
func (e *AudioEncoder) RegisterCallback(fn func(EncodedPacket)) {
	e.callbacks.Register(fn)
}

// Open allocates the underlying codec context.
func (e *AudioEncoder) Open(cfg AudioCodecConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.codec.Open(cfg); err != nil {
		return fmt.Errorf("encode: open audio codec: %w", err)
	}
	e.cfg = cfg
	e.cumulativeSamples = 0
	e.opened = true
	return nil
}

// Submit converts a capture.AudioPacket's raw float32 buffer through the
// codec and dispatches the resulting packet, advancing the cumulative
// sample count by however many samples the codec actually consumed (an
// AAC frame is a fixed 1024 samples regardless of the input buffer size).
func (e *AudioEncoder) Submit(packet capture.AudioPacket, samples []float32) error {
	e.mu.Lock()
	if !e.opened {
		e.mu.Unlock()
		return fmt.Errorf("encode: audio encoder not open")
	}
	e.mu.Unlock()

	au, consumed, err := e.codec.Encode(samples)
	if err != nil {
		return fmt.Errorf("encode: audio encode: %w", err)
	}
	if len(au) == 0 {
		return nil
	}

	e.mu.Lock()
	pts := e.clock.SyncedAudioPTS(e.cumulativeSamples, e.cfg.SampleRate)
	e.cumulativeSamples += int64(consumed)
	e.mu.Unlock()

	e.callbacks.invoke(EncodedPacket{
		Data:        au,
		PTS:         pts,
		DTS:         pts,
		Duration:    clock.SampleDuration(consumed, e.cfg.SampleRate),
		TimebaseNum: 1,
		TimebaseDen: 1_000_000,
		StreamKind:  StreamKindAudio,
		IsKeyframe:  true, // every AAC access unit is independently decodable
	})
	return nil
}

// Flush drains remaining buffered access units and dispatches them.
func (e *AudioEncoder) Flush() error {
	units, err := e.codec.Flush()
	if err != nil {
		return fmt.Errorf("encode: audio flush: %w", err)
	}

	for _, u := range units {
		e.mu.Lock()
		pts := e.clock.SyncedAudioPTS(e.cumulativeSamples, e.cfg.SampleRate)
		e.mu.Unlock()
		e.callbacks.invoke(EncodedPacket{
			Data:        u,
			PTS:         pts,
			DTS:         pts,
			TimebaseNum: 1,
			TimebaseDen: 1_000_000,
			StreamKind:  StreamKindAudio,
			IsKeyframe:  true,
		})
	}
	return nil
}

// Reinitialize tears down and rebuilds the codec context with the same
// config.
func (e *AudioEncoder) Reinitialize() error {
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	if err := e.codec.Close(); err != nil {
		return fmt.Errorf("encode: close audio codec: %w", err)
	}
	return e.Open(cfg)
}

// AudioSpecificConfig exposes the codec's MPEG-4 audio config for the
// muxer's init segment.
func (e *AudioEncoder) AudioSpecificConfig() mpeg4audio.AudioSpecificConfig {
	return e.codec.AudioSpecificConfig()
}
