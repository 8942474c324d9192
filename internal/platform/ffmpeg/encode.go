package ffmpeg

import (
	"fmt"
	"math"

	"github.com/asticode/go-astiav"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/magixtical/video/internal/pipeline/capture"
	"github.com/magixtical/video/internal/pipeline/encode"
	"github.com/magixtical/video/internal/pipeline/h264nal"
)

// VideoEncoder implements encode.VideoCodec around libx264 through
// astiav, mirroring the AAC-encoder setup e1z0-QAnotherRTSP's recording
// path performs for audio (AllocCodecContext, field setters, Open) but for
// the video leg, feeding it YUV420P capture.VideoFrame buffers.
type VideoEncoder struct {
	ctx    *astiav.CodecContext
	frame  *astiav.Frame
	pkt    *astiav.Packet
	cfg    encode.VideoCodecConfig
	sps    []byte
	pps    []byte
	frames int64
}

// NewVideoEncoder constructs an unopened libx264 encoder.
func NewVideoEncoder() *VideoEncoder { return &VideoEncoder{} }

// Open allocates and opens the libx264 encoder context per cfg.
func (v *VideoEncoder) Open(cfg encode.VideoCodecConfig) error {
	codec := astiav.FindEncoderByName("libx264")
	if codec == nil {
		return fmt.Errorf("ffmpeg: libx264 encoder not available")
	}
	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return fmt.Errorf("ffmpeg: AllocCodecContext(libx264)")
	}

	ctx.SetWidth(cfg.Width)
	ctx.SetHeight(cfg.Height)
	ctx.SetPixelFormat(astiav.PixelFormatYuv420P)
	ctx.SetTimeBase(astiav.NewRational(1, cfg.FrameRate))
	ctx.SetFramerate(astiav.NewRational(cfg.FrameRate, 1))
	ctx.SetBitRate(int64(cfg.BitRate))
	ctx.SetGopSize(cfg.GOPSize)
	ctx.SetMaxBFrames(cfg.MaxBFrames)

	opts := astiav.NewDictionary()
	defer opts.Free()
	if cfg.Preset != "" {
		_ = opts.Set("preset", cfg.Preset, 0)
	}
	if cfg.Tune != "" {
		_ = opts.Set("tune", cfg.Tune, 0)
	}

	if err := ctx.Open(codec, opts); err != nil {
		ctx.Free()
		return fmt.Errorf("ffmpeg: open libx264: %w", err)
	}

	v.ctx = ctx
	v.cfg = cfg
	v.frame = astiav.AllocFrame()
	v.pkt = astiav.AllocPacket()
	v.frames = 0

	sps, pps, err := extractParameterSets(ctx.ExtraData())
	if err != nil {
		return fmt.Errorf("ffmpeg: extract SPS/PPS: %w", err)
	}
	v.sps, v.pps = sps, pps
	return nil
}

// Encode submits one YUV420P frame and returns the encoded Annex-B access
// unit if the encoder emitted one this call (it may still be buffering
// B-frames, in which case the returned slice is empty).
func (v *VideoEncoder) Encode(frame capture.VideoFrame) ([]byte, bool, error) {
	v.frame.SetWidth(frame.Width)
	v.frame.SetHeight(frame.Height)
	v.frame.SetPixelFormat(astiav.PixelFormatYuv420P)
	if err := v.frame.AllocBuffer(1); err != nil {
		return nil, false, fmt.Errorf("ffmpeg: alloc video frame buffer: %w", err)
	}
	if err := v.frame.ImageCopyFromBuffer(frame.Data, 1); err != nil {
		v.frame.Unref()
		return nil, false, fmt.Errorf("ffmpeg: copy frame into buffer: %w", err)
	}
	v.frame.SetPts(v.frames)
	v.frames++

	if err := v.ctx.SendFrame(v.frame); err != nil {
		v.frame.Unref()
		return nil, false, fmt.Errorf("ffmpeg: send video frame: %w", err)
	}
	v.frame.Unref()

	if err := v.ctx.ReceivePacket(v.pkt); err != nil {
		return nil, false, nil
	}
	defer v.pkt.Unref()

	au := append([]byte(nil), v.pkt.Data()...)
	isKey := v.pkt.Flags().Has(astiav.PacketFlagKey)
	return au, isKey, nil
}

// Flush drains any frames the encoder buffered internally.
func (v *VideoEncoder) Flush() ([][]byte, error) {
	if err := v.ctx.SendFrame(nil); err != nil {
		return nil, fmt.Errorf("ffmpeg: flush video encoder: %w", err)
	}
	var out [][]byte
	for {
		if err := v.ctx.ReceivePacket(v.pkt); err != nil {
			break
		}
		out = append(out, append([]byte(nil), v.pkt.Data()...))
		v.pkt.Unref()
	}
	return out, nil
}

// Close releases the encoder context.
func (v *VideoEncoder) Close() error {
	if v.pkt != nil {
		v.pkt.Free()
	}
	if v.frame != nil {
		v.frame.Free()
	}
	if v.ctx != nil {
		v.ctx.Free()
	}
	return nil
}

// Headers returns the SPS/PPS parameter sets libx264 produced at Open.
func (v *VideoEncoder) Headers() (sps, pps []byte, err error) {
	return v.sps, v.pps, nil
}

// extractParameterSets pulls the SPS and PPS NAL units (the last of each
// if one repeats) out of a start-code prefixed Annex-B extradata blob.
// Length-prefixed (AVCC) extradata is not parsed.
func extractParameterSets(extraData []byte) (sps, pps []byte, err error) {
	units := h264nal.SplitByStartCodes(extraData)
	for _, raw := range units {
		u := h264nal.StripStartCode(raw)
		if len(u) == 0 {
			continue
		}
		switch u[0] & 0x1F {
		case 7:
			sps = append([]byte(nil), u...)
		case 8:
			pps = append([]byte(nil), u...)
		}
	}
	if sps == nil || pps == nil {
		return nil, nil, fmt.Errorf("ffmpeg: extradata missing SPS/PPS")
	}
	return sps, pps, nil
}

// AudioEncoder implements encode.AudioCodec around the AAC encoder
// through astiav, grounded on e1z0-QAnotherRTSP's AAC recording setup:
// FindEncoder(CodecIDAac), AllocCodecContext, field setters and Open.
type AudioEncoder struct {
	ctx   *astiav.CodecContext
	frame *astiav.Frame
	pkt   *astiav.Packet
	cfg   encode.AudioCodecConfig
	asc   mpeg4audio.AudioSpecificConfig
}

// NewAudioEncoder constructs an unopened AAC encoder.
func NewAudioEncoder() *AudioEncoder { return &AudioEncoder{} }

// Open allocates and opens the AAC encoder context per cfg.
func (a *AudioEncoder) Open(cfg encode.AudioCodecConfig) error {
	codec := astiav.FindEncoder(astiav.CodecIDAac)
	if codec == nil {
		return fmt.Errorf("ffmpeg: AAC encoder not available")
	}
	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return fmt.Errorf("ffmpeg: AllocCodecContext(aac)")
	}

	layout := astiav.ChannelLayoutDefault(cfg.Channels)
	ctx.SetChannelLayout(layout)
	ctx.SetSampleRate(cfg.SampleRate)
	ctx.SetSampleFormat(astiav.SampleFormatFltp)
	ctx.SetBitRate(int64(cfg.BitRate))
	ctx.SetTimeBase(astiav.NewRational(1, cfg.SampleRate))

	if err := ctx.Open(codec, nil); err != nil {
		ctx.Free()
		return fmt.Errorf("ffmpeg: open aac: %w", err)
	}

	a.ctx = ctx
	a.cfg = cfg
	a.frame = astiav.AllocFrame()
	a.pkt = astiav.AllocPacket()
	a.asc = mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.Channels,
	}
	return nil
}

// Encode submits one buffer of interleaved float32 samples, planarizing
// it into the encoder's FLTP input layout, and returns the resulting AAC
// access unit if the encoder had enough samples buffered to emit one.
func (a *AudioEncoder) Encode(samples []float32) ([]byte, int, error) {
	channels := a.cfg.Channels
	if channels == 0 {
		channels = 1
	}
	frameSize := a.ctx.FrameSize()
	if frameSize <= 0 {
		frameSize = 1024
	}
	nbSamples := len(samples) / channels
	if nbSamples > frameSize {
		nbSamples = frameSize
	}

	a.frame.SetSampleFormat(astiav.SampleFormatFltp)
	a.frame.SetChannelLayout(astiav.ChannelLayoutDefault(channels))
	a.frame.SetSampleRate(a.cfg.SampleRate)
	a.frame.SetNbSamples(nbSamples)
	if err := a.frame.AllocBuffer(0); err != nil {
		return nil, 0, fmt.Errorf("ffmpeg: alloc audio frame buffer: %w", err)
	}

	for ch := 0; ch < channels; ch++ {
		plane, err := a.frame.Data().Bytes(ch)
		if err != nil {
			a.frame.Unref()
			return nil, 0, fmt.Errorf("ffmpeg: audio frame plane %d: %w", ch, err)
		}
		for i := 0; i < nbSamples; i++ {
			writeFloat32LE(plane[i*4:], samples[i*channels+ch])
		}
	}

	if err := a.ctx.SendFrame(a.frame); err != nil {
		a.frame.Unref()
		return nil, 0, fmt.Errorf("ffmpeg: send audio frame: %w", err)
	}
	a.frame.Unref()

	if err := a.ctx.ReceivePacket(a.pkt); err != nil {
		return nil, nbSamples * channels, nil
	}
	defer a.pkt.Unref()
	return append([]byte(nil), a.pkt.Data()...), nbSamples * channels, nil
}

// Flush drains any samples the encoder buffered internally.
func (a *AudioEncoder) Flush() ([][]byte, error) {
	if err := a.ctx.SendFrame(nil); err != nil {
		return nil, fmt.Errorf("ffmpeg: flush audio encoder: %w", err)
	}
	var out [][]byte
	for {
		if err := a.ctx.ReceivePacket(a.pkt); err != nil {
			break
		}
		out = append(out, append([]byte(nil), a.pkt.Data()...))
		a.pkt.Unref()
	}
	return out, nil
}

// Close releases the encoder context.
func (a *AudioEncoder) Close() error {
	if a.pkt != nil {
		a.pkt.Free()
	}
	if a.frame != nil {
		a.frame.Free()
	}
	if a.ctx != nil {
		a.ctx.Free()
	}
	return nil
}

// AudioSpecificConfig returns the MPEG-4 audio config describing the
// encoder's output.
func (a *AudioEncoder) AudioSpecificConfig() mpeg4audio.AudioSpecificConfig {
	return a.asc
}

func writeFloat32LE(dst []byte, v float32) {
	bits := math.Float32bits(v)
	dst[0] = byte(bits)
	dst[1] = byte(bits >> 8)
	dst[2] = byte(bits >> 16)
	dst[3] = byte(bits >> 24)
}
