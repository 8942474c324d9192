// Package ffmpeg provides the concrete, platform-specific implementations
// of the pipeline's injected capabilities (capture.SurfaceProvider,
// capture.LoopbackProvider, encode.VideoCodec, encode.AudioCodec and the
// hls package's Demuxer/VideoDecoder/AudioDecoder), all built on
// libav* through github.com/asticode/go-astiav. It is grounded on
// e1z0-QAnotherRTSP's astiav usage: AllocFormatContext/OpenInput for
// demuxing, AllocCodecContext/Open for codec contexts, and the
// SoftwareScaleContext-based BGRA conversion.
package ffmpeg

import (
	"context"
	"fmt"
	"runtime"

	"github.com/asticode/go-astiav"

	"github.com/magixtical/video/internal/util"
)

// screenInputFormat returns the libavdevice input format name ffmpeg uses
// for desktop screen capture on the running platform.
func screenInputFormat() string {
	switch runtime.GOOS {
	case "windows":
		return "gdigrab"
	case "darwin":
		return "avfoundation"
	default:
		return "x11grab"
	}
}

// loopbackInputFormat returns the libavdevice input format name ffmpeg
// uses for desktop audio loopback capture on the running platform.
func loopbackInputFormat() string {
	switch runtime.GOOS {
	case "windows":
		return "dshow"
	case "darwin":
		return "avfoundation"
	default:
		return "pulse"
	}
}

// ScreenCapture implements capture.SurfaceProvider by opening a
// libavdevice screen-grab input and decoding one frame per CaptureFrame
// call into tightly packed BGRA, using the same CreateSoftwareScaleContext
// + ImageCopyToBuffer conversion e1z0-QAnotherRTSP's bgraScaler performs.
type ScreenCapture struct {
	device string // e.g. ":0.0" on X11, "1" on macOS, "desktop" on Windows

	fc     *astiav.FormatContext
	stream *astiav.Stream
	decCtx *astiav.CodecContext
	pkt    *astiav.Packet
	frame  *astiav.Frame
	scaler *bgraScaler
}

// NewScreenCapture constructs a ScreenCapture for the given device
// specifier, opening it immediately.
func NewScreenCapture(device string) (*ScreenCapture, error) {
	s := &ScreenCapture{device: device}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ScreenCapture) open() error {
	inputFormat := astiav.FindInputFormat(screenInputFormat())
	if inputFormat == nil {
		return fmt.Errorf("ffmpeg: input format %q not available", screenInputFormat())
	}

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return fmt.Errorf("ffmpeg: AllocFormatContext")
	}

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("framerate", "60", 0)
	_ = opts.Set("draw_mouse", "1", 0)

	if err := fc.OpenInput(s.device, inputFormat, opts); err != nil {
		fc.Free()
		return fmt.Errorf("ffmpeg: open screen device %q: %w", s.device, err)
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		return fmt.Errorf("ffmpeg: find stream info: %w", err)
	}

	var vst *astiav.Stream
	for _, st := range fc.Streams() {
		if st.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			vst = st
			break
		}
	}
	if vst == nil {
		fc.CloseInput()
		return fmt.Errorf("ffmpeg: screen device %q exposes no video stream", s.device)
	}

	dec := astiav.FindDecoder(vst.CodecParameters().CodecID())
	if dec == nil {
		fc.CloseInput()
		return fmt.Errorf("ffmpeg: no decoder for screen device codec")
	}
	decCtx := astiav.AllocCodecContext(dec)
	if decCtx == nil {
		fc.CloseInput()
		return fmt.Errorf("ffmpeg: AllocCodecContext")
	}
	if err := vst.CodecParameters().ToCodecContext(decCtx); err != nil {
		decCtx.Free()
		fc.CloseInput()
		return fmt.Errorf("ffmpeg: codec parameters to context: %w", err)
	}
	if err := decCtx.Open(dec, nil); err != nil {
		decCtx.Free()
		fc.CloseInput()
		return fmt.Errorf("ffmpeg: open screen decoder: %w", err)
	}

	s.fc = fc
	s.stream = vst
	s.decCtx = decCtx
	s.pkt = astiav.AllocPacket()
	s.frame = astiav.AllocFrame()
	s.scaler = &bgraScaler{}
	return nil
}

// CaptureFrame reads packets from the device until one full video frame
// decodes, then returns it as tightly packed BGRA.
func (s *ScreenCapture) CaptureFrame(ctx context.Context) ([]byte, int, int, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, 0, 0, ctx.Err()
		default:
		}

		if err := s.fc.ReadFrame(s.pkt); err != nil {
			return nil, 0, 0, fmt.Errorf("ffmpeg: read screen packet: %w", err)
		}
		if s.pkt.StreamIndex() != s.stream.Index() {
			s.pkt.Unref()
			continue
		}
		if err := s.decCtx.SendPacket(s.pkt); err != nil {
			s.pkt.Unref()
			return nil, 0, 0, fmt.Errorf("ffmpeg: send screen packet: %w", err)
		}
		s.pkt.Unref()

		if err := s.decCtx.ReceiveFrame(s.frame); err != nil {
			continue
		}
		w, h, bgra, err := s.scaler.toBGRA(s.frame)
		s.frame.Unref()
		if err != nil {
			return nil, 0, 0, fmt.Errorf("ffmpeg: scale screen frame: %w", err)
		}
		return bgra, w, h, nil
	}
}

// Close releases the device and decoder.
func (s *ScreenCapture) Close() error {
	if s.scaler != nil {
		s.scaler.close()
	}
	if s.pkt != nil {
		s.pkt.Free()
	}
	if s.frame != nil {
		s.frame.Free()
	}
	if s.decCtx != nil {
		s.decCtx.Free()
	}
	if s.fc != nil {
		s.fc.CloseInput()
		s.fc.Free()
	}
	util.GetLogger().Info("ffmpeg: screen capture closed", "device", s.device)
	return nil
}

// LoopbackCapture implements capture.LoopbackProvider by opening a
// libavdevice audio loopback input and handing back raw native-format PCM
// read straight from the decoded frame's packed data buffer.
type LoopbackCapture struct {
	device string

	fc     *astiav.FormatContext
	stream *astiav.Stream
	decCtx *astiav.CodecContext
	pkt    *astiav.Packet
	frame  *astiav.Frame
}

// NewLoopbackCapture constructs a LoopbackCapture for the given device
// specifier, opening it immediately.
func NewLoopbackCapture(device string) (*LoopbackCapture, error) {
	l := &LoopbackCapture{device: device}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LoopbackCapture) open() error {
	inputFormat := astiav.FindInputFormat(loopbackInputFormat())
	if inputFormat == nil {
		return fmt.Errorf("ffmpeg: input format %q not available", loopbackInputFormat())
	}

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return fmt.Errorf("ffmpeg: AllocFormatContext")
	}
	if err := fc.OpenInput(l.device, inputFormat, nil); err != nil {
		fc.Free()
		return fmt.Errorf("ffmpeg: open loopback device %q: %w", l.device, err)
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		return fmt.Errorf("ffmpeg: find stream info: %w", err)
	}

	var ast *astiav.Stream
	for _, st := range fc.Streams() {
		if st.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			ast = st
			break
		}
	}
	if ast == nil {
		fc.CloseInput()
		return fmt.Errorf("ffmpeg: loopback device %q exposes no audio stream", l.device)
	}

	dec := astiav.FindDecoder(ast.CodecParameters().CodecID())
	if dec == nil {
		fc.CloseInput()
		return fmt.Errorf("ffmpeg: no decoder for loopback device codec")
	}
	decCtx := astiav.AllocCodecContext(dec)
	if decCtx == nil {
		fc.CloseInput()
		return fmt.Errorf("ffmpeg: AllocCodecContext")
	}
	if err := ast.CodecParameters().ToCodecContext(decCtx); err != nil {
		decCtx.Free()
		fc.CloseInput()
		return fmt.Errorf("ffmpeg: codec parameters to context: %w", err)
	}
	if err := decCtx.Open(dec, nil); err != nil {
		decCtx.Free()
		fc.CloseInput()
		return fmt.Errorf("ffmpeg: open loopback decoder: %w", err)
	}

	l.fc = fc
	l.stream = ast
	l.decCtx = decCtx
	l.pkt = astiav.AllocPacket()
	l.frame = astiav.AllocFrame()
	return nil
}

// CaptureSamples reads packets until one decoded audio frame is available
// and returns its packed native PCM bytes.
func (l *LoopbackCapture) CaptureSamples(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := l.fc.ReadFrame(l.pkt); err != nil {
			return nil, fmt.Errorf("ffmpeg: read loopback packet: %w", err)
		}
		if l.pkt.StreamIndex() != l.stream.Index() {
			l.pkt.Unref()
			continue
		}
		if err := l.decCtx.SendPacket(l.pkt); err != nil {
			l.pkt.Unref()
			return nil, fmt.Errorf("ffmpeg: send loopback packet: %w", err)
		}
		l.pkt.Unref()

		if err := l.decCtx.ReceiveFrame(l.frame); err != nil {
			continue
		}
		data, err := l.frame.Data().Bytes(0)
		l.frame.Unref()
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: read loopback frame data: %w", err)
		}
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
}

// Close releases the device and decoder.
func (l *LoopbackCapture) Close() error {
	if l.pkt != nil {
		l.pkt.Free()
	}
	if l.frame != nil {
		l.frame.Free()
	}
	if l.decCtx != nil {
		l.decCtx.Free()
	}
	if l.fc != nil {
		l.fc.CloseInput()
		l.fc.Free()
	}
	util.GetLogger().Info("ffmpeg: loopback capture closed", "device", l.device)
	return nil
}

// bgraScaler converts decoded frames of any size/pixel format into tightly
// packed BGRA, lazily recreating the scale context when the source
// geometry or format changes.
type bgraScaler struct {
	ssc    *astiav.SoftwareScaleContext
	dst    *astiav.Frame
	srcW   int
	srcH   int
	srcPix astiav.PixelFormat
}

func (s *bgraScaler) close() {
	if s.dst != nil {
		s.dst.Free()
		s.dst = nil
	}
	if s.ssc != nil {
		s.ssc.Free()
		s.ssc = nil
	}
}

func (s *bgraScaler) ensure(src *astiav.Frame) error {
	w, h, pix := src.Width(), src.Height(), src.PixelFormat()
	if s.ssc != nil && w == s.srcW && h == s.srcH && pix == s.srcPix {
		return nil
	}
	s.close()

	ssc, err := astiav.CreateSoftwareScaleContext(w, h, pix, w, h, astiav.PixelFormatBgra, astiav.NewSoftwareScaleContextFlags())
	if err != nil {
		return fmt.Errorf("create scale context: %w", err)
	}
	dst := astiav.AllocFrame()
	dst.SetWidth(w)
	dst.SetHeight(h)
	dst.SetPixelFormat(astiav.PixelFormatBgra)
	if err := dst.AllocBuffer(1); err != nil {
		dst.Free()
		ssc.Free()
		return fmt.Errorf("alloc scaled frame buffer: %w", err)
	}

	s.ssc, s.dst, s.srcW, s.srcH, s.srcPix = ssc, dst, w, h, pix
	return nil
}

func (s *bgraScaler) toBGRA(src *astiav.Frame) (width, height int, data []byte, err error) {
	if err := s.ensure(src); err != nil {
		return 0, 0, nil, err
	}
	if err := s.ssc.ScaleFrame(src, s.dst); err != nil {
		return 0, 0, nil, fmt.Errorf("scale frame: %w", err)
	}
	n, err := s.dst.ImageBufferSize(1)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("image buffer size: %w", err)
	}
	out := make([]byte, n)
	if _, err := s.dst.ImageCopyToBuffer(out, 1); err != nil {
		return 0, 0, nil, fmt.Errorf("image copy to buffer: %w", err)
	}
	return s.srcW, s.srcH, out, nil
}
