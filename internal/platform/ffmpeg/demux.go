package ffmpeg

import (
	"fmt"
	"io"
	"math"

	"github.com/asticode/go-astiav"

	"github.com/magixtical/video/internal/pipeline/capture"
	"github.com/magixtical/video/internal/pipeline/hls"
)

// FileDemuxer implements hls.Demuxer around astiav's FormatContext,
// grounded on e1z0-QAnotherRTSP's openAndDecode: AllocFormatContext,
// OpenInput, FindStreamInfo, then ReadFrame per packet.
type FileDemuxer struct {
	fc       *astiav.FormatContext
	videoIdx int
	audioIdx int
	video    hls.StreamInfo
	audio    hls.StreamInfo
	hasVideo bool
	hasAudio bool
	pkt      *astiav.Packet
}

// NewFileDemuxer constructs an unopened FileDemuxer.
func NewFileDemuxer() *FileDemuxer { return &FileDemuxer{videoIdx: -1, audioIdx: -1} }

// Open opens path and probes its stream info.
func (d *FileDemuxer) Open(path string) error {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return fmt.Errorf("ffmpeg: AllocFormatContext")
	}
	if err := fc.OpenInput(path, nil, nil); err != nil {
		fc.Free()
		return fmt.Errorf("ffmpeg: open %q: %w", path, err)
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		return fmt.Errorf("ffmpeg: find stream info: %w", err)
	}

	for i, st := range fc.Streams() {
		par := st.CodecParameters()
		switch par.MediaType() {
		case astiav.MediaTypeVideo:
			if d.hasVideo {
				continue
			}
			d.videoIdx = i
			d.hasVideo = true
			d.video = hls.StreamInfo{
				Codec:        videoCodecOf(par),
				PixelYUV420P: par.PixelFormat() == astiav.PixelFormatYuv420P,
				Width:        par.Width(),
				Height:       par.Height(),
			}
		case astiav.MediaTypeAudio:
			if d.hasAudio {
				continue
			}
			d.audioIdx = i
			d.hasAudio = true
			d.audio = hls.StreamInfo{
				Codec:      audioCodecOf(par),
				SampleRate: par.SampleRate(),
				Channels:   par.ChannelLayout().Channels(),
			}
		}
	}

	d.fc = fc
	d.pkt = astiav.AllocPacket()
	return nil
}

func videoCodecOf(par *astiav.CodecParameters) hls.StreamCodec {
	if par.CodecID() == astiav.CodecIDH264 {
		return hls.CodecH264
	}
	return hls.CodecOther
}

func audioCodecOf(par *astiav.CodecParameters) hls.StreamCodec {
	if par.CodecID() == astiav.CodecIDAac {
		return hls.CodecAAC
	}
	return hls.CodecOther
}

// VideoInfo returns the probed video stream's characteristics.
func (d *FileDemuxer) VideoInfo() (hls.StreamInfo, bool) { return d.video, d.hasVideo }

// AudioInfo returns the probed audio stream's characteristics.
func (d *FileDemuxer) AudioInfo() (hls.StreamInfo, bool) { return d.audio, d.hasAudio }

// ReadPacket returns the next video or audio packet, io.EOF once the
// source is exhausted.
func (d *FileDemuxer) ReadPacket() (hls.Packet, error) {
	for {
		if err := d.fc.ReadFrame(d.pkt); err != nil {
			return hls.Packet{}, io.EOF
		}
		idx := d.pkt.StreamIndex()
		if idx != d.videoIdx && idx != d.audioIdx {
			d.pkt.Unref()
			continue
		}

		isVideo := idx == d.videoIdx
		stream := d.fc.Streams()[idx]
		tb := stream.TimeBase()
		ptsUs := rescaleToMicros(d.pkt.Pts(), tb)

		data := append([]byte(nil), d.pkt.Data()...)
		isKey := d.pkt.Flags().Has(astiav.PacketFlagKey)
		d.pkt.Unref()

		return hls.Packet{IsVideo: isVideo, Data: data, PTSUs: ptsUs, IsKeyframe: isKey}, nil
	}
}

func rescaleToMicros(pts int64, tb astiav.Rational) int64 {
	if tb.Den() == 0 {
		return 0
	}
	return pts * 1_000_000 * int64(tb.Num()) / int64(tb.Den())
}

// Close releases the format context.
func (d *FileDemuxer) Close() error {
	if d.pkt != nil {
		d.pkt.Free()
	}
	if d.fc != nil {
		d.fc.CloseInput()
		d.fc.Free()
	}
	return nil
}

// FileVideoDecoder implements hls.VideoDecoder, decoding H.264 sources with
// the H.264 decoder and any other source codec with the MPEG-4 Part 2
// decoder, into capture.VideoFrame buffers for re-encoding.
type FileVideoDecoder struct {
	ctx   *astiav.CodecContext
	frame *astiav.Frame
}

// NewFileVideoDecoder constructs an unopened video decoder.
func NewFileVideoDecoder() *FileVideoDecoder { return &FileVideoDecoder{} }

// Open allocates and opens a decoder matching info.
func (v *FileVideoDecoder) Open(info hls.StreamInfo) error {
	codecID := astiav.CodecIDH264
	if info.Codec != hls.CodecH264 {
		codecID = astiav.CodecIDMpeg4
	}
	dec := astiav.FindDecoder(codecID)
	if dec == nil {
		return fmt.Errorf("ffmpeg: no video decoder for stream")
	}
	ctx := astiav.AllocCodecContext(dec)
	if ctx == nil {
		return fmt.Errorf("ffmpeg: AllocCodecContext")
	}
	ctx.SetWidth(info.Width)
	ctx.SetHeight(info.Height)
	if err := ctx.Open(dec, nil); err != nil {
		ctx.Free()
		return fmt.Errorf("ffmpeg: open video decoder: %w", err)
	}
	v.ctx = ctx
	v.frame = astiav.AllocFrame()
	return nil
}

// Decode converts one compressed packet into a VideoFrame holding the
// picture in the decoder's own output pixel format; no pixel-format
// conversion is applied.
func (v *FileVideoDecoder) Decode(pkt hls.Packet) (capture.VideoFrame, error) {
	apkt := astiav.AllocPacket()
	defer apkt.Free()
	if err := apkt.FromData(pkt.Data); err != nil {
		return capture.VideoFrame{}, fmt.Errorf("ffmpeg: wrap decode packet: %w", err)
	}
	if err := v.ctx.SendPacket(apkt); err != nil {
		return capture.VideoFrame{}, fmt.Errorf("ffmpeg: send video packet: %w", err)
	}
	if err := v.ctx.ReceiveFrame(v.frame); err != nil {
		return capture.VideoFrame{}, fmt.Errorf("ffmpeg: receive video frame: %w", err)
	}
	defer v.frame.Unref()

	w, h := v.frame.Width(), v.frame.Height()
	n, err := v.frame.ImageBufferSize(1)
	if err != nil {
		return capture.VideoFrame{}, fmt.Errorf("ffmpeg: image buffer size: %w", err)
	}
	buf := make([]byte, n)
	if _, err := v.frame.ImageCopyToBuffer(buf, 1); err != nil {
		return capture.VideoFrame{}, fmt.Errorf("ffmpeg: image copy to buffer: %w", err)
	}
	return capture.VideoFrame{Width: w, Height: h, Data: buf, TimestampUs: pkt.PTSUs}, nil
}

// Close releases the decoder context.
func (v *FileVideoDecoder) Close() error {
	if v.frame != nil {
		v.frame.Free()
	}
	if v.ctx != nil {
		v.ctx.Free()
	}
	return nil
}

// FileAudioDecoder implements hls.AudioDecoder, decoding into interleaved
// float32 PCM.
type FileAudioDecoder struct {
	ctx   *astiav.CodecContext
	frame *astiav.Frame
}

// NewFileAudioDecoder constructs an unopened audio decoder.
func NewFileAudioDecoder() *FileAudioDecoder { return &FileAudioDecoder{} }

// Open allocates and opens a decoder matching info.
func (a *FileAudioDecoder) Open(info hls.StreamInfo) error {
	codecID := astiav.CodecIDAac
	if info.Codec != hls.CodecAAC {
		codecID = astiav.CodecIDMp3
	}
	dec := astiav.FindDecoder(codecID)
	if dec == nil {
		return fmt.Errorf("ffmpeg: no audio decoder for stream")
	}
	ctx := astiav.AllocCodecContext(dec)
	if ctx == nil {
		return fmt.Errorf("ffmpeg: AllocCodecContext")
	}
	ctx.SetSampleRate(info.SampleRate)
	ctx.SetChannelLayout(astiav.ChannelLayoutDefault(info.Channels))
	if err := ctx.Open(dec, nil); err != nil {
		ctx.Free()
		return fmt.Errorf("ffmpeg: open audio decoder: %w", err)
	}
	a.ctx = ctx
	a.frame = astiav.AllocFrame()
	return nil
}

// Decode converts one compressed packet into interleaved float32 samples.
func (a *FileAudioDecoder) Decode(pkt hls.Packet) ([]float32, error) {
	apkt := astiav.AllocPacket()
	defer apkt.Free()
	if err := apkt.FromData(pkt.Data); err != nil {
		return nil, fmt.Errorf("ffmpeg: wrap decode packet: %w", err)
	}
	if err := a.ctx.SendPacket(apkt); err != nil {
		return nil, fmt.Errorf("ffmpeg: send audio packet: %w", err)
	}
	if err := a.ctx.ReceiveFrame(a.frame); err != nil {
		return nil, fmt.Errorf("ffmpeg: receive audio frame: %w", err)
	}
	defer a.frame.Unref()

	channels := a.frame.ChannelLayout().Channels()
	nbSamples := a.frame.NbSamples()
	out := make([]float32, nbSamples*channels)

	if isPlanarFormat(a.frame.SampleFormat()) {
		for ch := 0; ch < channels; ch++ {
			plane, err := a.frame.Data().Bytes(ch)
			if err != nil {
				return nil, fmt.Errorf("ffmpeg: audio frame plane %d: %w", ch, err)
			}
			for i := 0; i < nbSamples; i++ {
				out[i*channels+ch] = readSampleAsFloat32(a.frame.SampleFormat(), plane, i)
			}
		}
	} else {
		plane, err := a.frame.Data().Bytes(0)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: audio frame data: %w", err)
		}
		for i := 0; i < nbSamples*channels; i++ {
			out[i] = readSampleAsFloat32(a.frame.SampleFormat(), plane, i)
		}
	}
	return out, nil
}

// Close releases the decoder context.
func (a *FileAudioDecoder) Close() error {
	if a.frame != nil {
		a.frame.Free()
	}
	if a.ctx != nil {
		a.ctx.Free()
	}
	return nil
}

func isPlanarFormat(f astiav.SampleFormat) bool {
	switch f {
	case astiav.SampleFormatFltp, astiav.SampleFormatS16P, astiav.SampleFormatS32P:
		return true
	default:
		return false
	}
}

func readSampleAsFloat32(format astiav.SampleFormat, data []byte, index int) float32 {
	switch format {
	case astiav.SampleFormatFlt, astiav.SampleFormatFltp:
		bits := uint32(data[index*4]) | uint32(data[index*4+1])<<8 | uint32(data[index*4+2])<<16 | uint32(data[index*4+3])<<24
		return math.Float32frombits(bits)
	case astiav.SampleFormatS16, astiav.SampleFormatS16P:
		v := int16(uint16(data[index*2]) | uint16(data[index*2+1])<<8)
		return float32(v) / 32768.0
	default:
		return 0
	}
}
