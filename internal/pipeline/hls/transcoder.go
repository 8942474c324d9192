// Package hls implements the file-to-HLS transcoder mode: read a source
// media file, decide per-stream whether it can be copied straight into an
// MPEG-TS segment or needs a decode/encode round trip, and drive the
// segmented muxer from package mux (the live pipeline's sinks are file and
// network only). Collapsed from original_source/hls_generator.cpp's
// HLSGenerator into needsTranscode, shouldReconvert and checkIntegrity,
// with the stream-copy path inline in process.
package hls

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/magixtical/video/config"
	"github.com/magixtical/video/internal/pipeline/capture"
	"github.com/magixtical/video/internal/pipeline/encode"
	"github.com/magixtical/video/internal/pipeline/mux"
	"github.com/magixtical/video/internal/util"
)

// StreamCodec identifies a demuxed stream's compression format, the
// handful of values needsTranscode compares against, mirroring
// original_source/hls_generator.cpp's AV_CODEC_ID_H264/AV_CODEC_ID_AAC
// checks.
type StreamCodec int

const (
	CodecUnknown StreamCodec = iota
	CodecH264
	CodecAAC
	CodecOther
)

// StreamInfo describes one demuxed input stream: enough to decide
// stream-copy vs transcode and, on the transcode path, to open the
// matching decoder.
type StreamInfo struct {
	Codec        StreamCodec
	PixelYUV420P bool // video only; a non-YUV420P H.264 stream still needs transcode
	Width        int
	Height       int
	SampleRate   int
	Channels     int
}

// Packet is one demuxed compressed access unit.
type Packet struct {
	IsVideo    bool
	Data       []byte
	PTSUs      int64
	IsKeyframe bool
}

// Demuxer is the injected, out-of-scope container-reading capability. A
// concrete implementation opens a media file and hands back its stream
// descriptions and compressed packets in file order; this package never
// parses a container format itself, the same out-of-scope boundary
// package encode draws around the codec bitstream.
type Demuxer interface {
	Open(path string) error
	VideoInfo() (info StreamInfo, ok bool)
	AudioInfo() (info StreamInfo, ok bool)
	// ReadPacket returns io.EOF once the input is exhausted.
	ReadPacket() (Packet, error)
	Close() error
}

// VideoDecoder is the decode-direction counterpart to encode.VideoCodec,
// needed only when the input video stream is not already H.264/YUV420P.
type VideoDecoder interface {
	Open(info StreamInfo) error
	Decode(pkt Packet) (frame capture.VideoFrame, err error)
	Close() error
}

// AudioDecoder is the decode-direction counterpart to encode.AudioCodec.
type AudioDecoder interface {
	Open(info StreamInfo) error
	Decode(pkt Packet) (samples []float32, err error)
	Close() error
}

// Dependencies carries the out-of-scope demux/decode/encode capabilities
// the transcoder wires together.
type Dependencies struct {
	Demuxer      Demuxer
	VideoDecoder VideoDecoder
	AudioDecoder AudioDecoder
	VideoCodec   encode.VideoCodec
	AudioCodec   encode.AudioCodec
}

// Transcoder runs the file-to-HLS conversion named by an HLSConfig.
type Transcoder struct {
	deps Dependencies
}

// New constructs a Transcoder around the given capabilities.
func New(deps Dependencies) *Transcoder {
	return &Transcoder{deps: deps}
}

// batchFrameRate is the frame rate assumed for index-driven video PTS
// when transcoding, matching original_source/hls_generator.cpp's
// hardcoded 30fps assumption for its re-encoded output.
const batchFrameRate = 30

// Run converts cfg.VideoPath into a rolling HLS playlist under
// cfg.HLSDir, skipping the conversion entirely if shouldReconvert finds
// the existing output still valid for the input.
func (t *Transcoder) Run(cfg config.HLSConfig) error {
	reconvert, err := t.shouldReconvert(cfg)
	if err != nil {
		return fmt.Errorf("hls: check existing output: %w", err)
	}
	if !reconvert {
		util.GetLogger().Info("hls output already up to date, skipping conversion", "dir", cfg.HLSDir)
		return nil
	}

	if err := t.deps.Demuxer.Open(cfg.VideoPath); err != nil {
		return fmt.Errorf("hls: open input %q: %w", cfg.VideoPath, err)
	}
	defer t.deps.Demuxer.Close()

	videoInfo, hasVideo := t.deps.Demuxer.VideoInfo()
	if !hasVideo {
		return fmt.Errorf("hls: no video stream found in %q", cfg.VideoPath)
	}
	audioInfo, hasAudio := t.deps.Demuxer.AudioInfo()

	videoCopy := !needsTranscode(videoInfo, true)
	audioCopy := !hasAudio || !needsTranscode(audioInfo, false)

	segMuxer := mux.NewSegmentMuxer(mux.SegmentMuxerConfig{
		OutputDir:        cfg.HLSDir,
		PlaylistFilename: cfg.M3U8Filename,
		SegmentDuration:  cfg.SegmentDuration,
		DeleteOld:        cfg.CleanOldSegments,
	})

	var videoOut, audioOut *batchEncoder
	if !videoCopy {
		if err := t.deps.VideoDecoder.Open(videoInfo); err != nil {
			return fmt.Errorf("hls: open video decoder: %w", err)
		}
		defer t.deps.VideoDecoder.Close()
		if err := t.deps.VideoCodec.Open(encode.VideoCodecConfig{
			Width: videoInfo.Width, Height: videoInfo.Height,
			BitRate: cfg.VideoBitRate, FrameRate: batchFrameRate,
			Preset: "ultrafast", Tune: "zerolatency",
		}); err != nil {
			return fmt.Errorf("hls: open video encoder: %w", err)
		}
		defer t.deps.VideoCodec.Close()
		videoOut = &batchEncoder{rate: batchFrameRate}
	}
	if hasAudio && !audioCopy {
		if err := t.deps.AudioDecoder.Open(audioInfo); err != nil {
			return fmt.Errorf("hls: open audio decoder: %w", err)
		}
		defer t.deps.AudioDecoder.Close()
		if err := t.deps.AudioCodec.Open(encode.AudioCodecConfig{
			SampleRate: audioInfo.SampleRate, Channels: audioInfo.Channels, BitRate: cfg.AudioBitRate,
		}); err != nil {
			return fmt.Errorf("hls: open audio encoder: %w", err)
		}
		defer t.deps.AudioCodec.Close()
		audioOut = &batchEncoder{rate: audioInfo.SampleRate}
	}

	if err := segMuxer.Open(); err != nil {
		return fmt.Errorf("hls: open segment muxer: %w", err)
	}
	if err := segMuxer.WriteHeader(); err != nil {
		return fmt.Errorf("hls: write segment header: %w", err)
	}

	for {
		pkt, err := t.deps.Demuxer.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("hls: read packet: %w", err)
		}
		if err := t.process(pkt, videoCopy, audioCopy, videoOut, audioOut, segMuxer); err != nil {
			return err
		}
	}

	if videoOut != nil {
		units, err := t.deps.VideoCodec.Flush()
		if err != nil {
			return fmt.Errorf("hls: flush video encoder: %w", err)
		}
		for _, u := range units {
			if err := segMuxer.WritePacket(videoOut.packet(u, true)); err != nil {
				return fmt.Errorf("hls: write flushed video segment: %w", err)
			}
		}
	}
	if audioOut != nil {
		units, err := t.deps.AudioCodec.Flush()
		if err != nil {
			return fmt.Errorf("hls: flush audio encoder: %w", err)
		}
		for _, u := range units {
			if err := segMuxer.WritePacket(audioOut.packetAudio(u)); err != nil {
				return fmt.Errorf("hls: write flushed audio segment: %w", err)
			}
		}
	}

	if err := segMuxer.WriteTrailer(); err != nil {
		return fmt.Errorf("hls: write trailer: %w", err)
	}
	return segMuxer.Close()
}

// batchEncoder assigns index-driven presentation timestamps for the
// offline transcode path: no wall-clock resync is needed since there is
// no live capture jitter to correct for, only a source index (frame
// count or cumulative sample count) advancing once per submitted unit.
type batchEncoder struct {
	rate  int
	index int64
}

func (b *batchEncoder) packet(data []byte, isKeyframe bool) encode.EncodedPacket {
	pts := b.index * 1_000_000 / int64(b.rate)
	b.index++
	return encode.EncodedPacket{
		Data: data, PTS: pts, DTS: pts,
		TimebaseNum: 1, TimebaseDen: 1_000_000,
		StreamKind: encode.StreamKindVideo, IsKeyframe: isKeyframe,
	}
}

func (b *batchEncoder) packetAudio(data []byte) encode.EncodedPacket {
	pts := b.index * 1_000_000 / int64(b.rate)
	return encode.EncodedPacket{
		Data: data, PTS: pts, DTS: pts,
		TimebaseNum: 1, TimebaseDen: 1_000_000,
		StreamKind: encode.StreamKindAudio, IsKeyframe: true,
	}
}

func (b *batchEncoder) advanceAudio(samplesConsumed int) {
	b.index += int64(samplesConsumed)
}

// process routes one demuxed packet to the stream-copy path (wrap and
// write straight through) or the transcode path (decode, then feed the
// injected encoder).
func (t *Transcoder) process(pkt Packet, videoCopy, audioCopy bool, videoOut, audioOut *batchEncoder, segMuxer *mux.SegmentMuxer) error {
	if pkt.IsVideo {
		if videoCopy {
			return segMuxer.WritePacket(encode.EncodedPacket{
				Data: pkt.Data, PTS: pkt.PTSUs, DTS: pkt.PTSUs,
				TimebaseNum: 1, TimebaseDen: 1_000_000,
				StreamKind: encode.StreamKindVideo, IsKeyframe: pkt.IsKeyframe,
			})
		}
		frame, err := t.deps.VideoDecoder.Decode(pkt)
		if err != nil {
			return fmt.Errorf("hls: decode video packet: %w", err)
		}
		annexB, isKeyframe, err := t.deps.VideoCodec.Encode(frame)
		if err != nil {
			return fmt.Errorf("hls: encode video frame: %w", err)
		}
		if len(annexB) == 0 {
			return nil
		}
		return segMuxer.WritePacket(videoOut.packet(annexB, isKeyframe))
	}

	if audioCopy {
		return segMuxer.WritePacket(encode.EncodedPacket{
			Data: pkt.Data, PTS: pkt.PTSUs, DTS: pkt.PTSUs,
			TimebaseNum: 1, TimebaseDen: 1_000_000,
			StreamKind: encode.StreamKindAudio, IsKeyframe: true,
		})
	}
	samples, err := t.deps.AudioDecoder.Decode(pkt)
	if err != nil {
		return fmt.Errorf("hls: decode audio packet: %w", err)
	}
	au, consumed, err := t.deps.AudioCodec.Encode(samples)
	if err != nil {
		return fmt.Errorf("hls: encode audio samples: %w", err)
	}
	if len(au) == 0 {
		return nil
	}
	out := audioOut.packetAudio(au)
	audioOut.advanceAudio(consumed)
	return segMuxer.WritePacket(out)
}

// needsTranscode reports whether a stream must be decoded and
// re-encoded, mirroring original_source/hls_generator.cpp's
// needs_transcoding: H.264/YUV420P video and AAC audio pass straight
// through, everything else is transcoded.
func needsTranscode(info StreamInfo, isVideo bool) bool {
	if isVideo {
		return !(info.Codec == CodecH264 && info.PixelYUV420P)
	}
	return info.Codec != CodecAAC
}

// shouldReconvert decides whether an existing HLS output can be served
// as-is, mirroring original_source/hls_generator.cpp's should_reconvert:
// a forced reconvert, a missing playlist, a source file newer than the
// playlist, or (if configured) a failed integrity check all trigger a
// fresh conversion.
func (t *Transcoder) shouldReconvert(cfg config.HLSConfig) (bool, error) {
	if cfg.ForceReconvert {
		return true, nil
	}

	playlistPath := filepath.Join(cfg.HLSDir, cfg.M3U8Filename)
	playlistInfo, err := os.Stat(playlistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}

	sourceInfo, err := os.Stat(cfg.VideoPath)
	if err != nil {
		return false, fmt.Errorf("stat source %q: %w", cfg.VideoPath, err)
	}
	if sourceInfo.ModTime().After(playlistInfo.ModTime()) {
		return true, nil
	}

	if cfg.CheckHLSIntegrity {
		ok, err := t.checkIntegrity(cfg)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
	}
	return false, nil
}

// checkIntegrity validates every segment the playlist references exists
// on disk and is larger than a trivially-truncated size, mirroring
// original_source/hls_generator.cpp's check_hls_integrity (its 1024-byte
// minimum segment size heuristic).
func (t *Transcoder) checkIntegrity(cfg config.HLSConfig) (bool, error) {
	const minSegmentBytes = 1024

	playlistPath := filepath.Join(cfg.HLSDir, cfg.M3U8Filename)
	data, err := os.ReadFile(playlistPath)
	if err != nil {
		return false, fmt.Errorf("read playlist %q: %w", playlistPath, err)
	}

	segmentCount := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		segPath := filepath.Join(cfg.HLSDir, line)
		info, err := os.Stat(segPath)
		if err != nil {
			util.GetLogger().Warn("hls integrity check: missing segment", "segment", segPath)
			return false, nil
		}
		if info.Size() < minSegmentBytes {
			util.GetLogger().Warn("hls integrity check: truncated segment", "segment", segPath, "size", info.Size())
			return false, nil
		}
		segmentCount++
	}
	return segmentCount > 0, nil
}
