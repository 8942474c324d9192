// Package mux implements the three concrete Sink shapes named in spec
// §4.7: file, network and segment (HLS) muxers, all behind the shared
// {Open, WriteHeader, WritePacket, WriteTrailer, Close} contract defined
// by fanout.Muxer.
package mux

import (
	"fmt"
	"os"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/magixtical/video/internal/pipeline/encode"
	"github.com/magixtical/video/internal/pipeline/h264nal"
)

// fmp4Track tracks per-stream state needed to compute each sample's base
// time and duration, mirroring transport/stream/fmp4_writer.go's
// fmp4Track.
type fmp4Track struct {
	id        int
	codec     mp4.Codec
	timeScale uint32
	lastDTS   int64
	firstDTS  int64
	hasDTS    bool
}

// timing records one sample's already-rescaled PTS (in this track's
// timeScale units, per fanout.Sink.VideoTimebase/AudioTimebase) and
// returns the part's base time and the sample's duration: the gap to the
// previous sample, or the packet's own duration when there is no previous
// sample or no positive gap.
func (t *fmp4Track) timing(pts, duration int64) (base int64, sampleDuration uint32) {
	dts := pts
	if dts < 0 {
		dts = 0
	}
	if !t.hasDTS {
		t.firstDTS = dts
		t.hasDTS = true
	} else if d := dts - t.lastDTS; d > 0 {
		sampleDuration = uint32(d)
	}
	if sampleDuration == 0 && duration > 0 {
		sampleDuration = uint32(duration)
	}

	base = dts - t.firstDTS
	if base < 0 {
		base = 0
	}
	t.lastDTS = dts
	return base, sampleDuration
}

// CodecParams carries the SPS/PPS and audio config the file muxer needs
// to build its init segment, supplied by the pipeline controller after
// copying them out of the encoders per spec §4.8 step 3.
type CodecParams struct {
	VideoSPS    []byte
	VideoPPS    []byte
	AudioConfig mpeg4audio.AudioSpecificConfig
}

// FileMuxer writes a fragmented MP4 file: always fragmented MP4, whatever
// the path's extension (the container is not inferred from it), single
// output file, no network timeouts.
// Adapted from transport/stream/fmp4_writer.go's FMP4StreamWriter,
// retargeted from an HTTP response writer to a plain *os.File and driven
// by encode.EncodedPacket instead of raw byte frames.
type FileMuxer struct {
	path   string
	params CodecParams

	mu             sync.Mutex
	file           *os.File
	videoTrack     *fmp4Track
	audioTrack     *fmp4Track
	sequenceNumber uint32
	initWritten    bool
}

// NewFileMuxer constructs a FileMuxer that will write to path once
// opened.
func NewFileMuxer(path string, params CodecParams) *FileMuxer {
	return &FileMuxer{
		path:   path,
		params: params,
		videoTrack: &fmp4Track{
			id:        1,
			timeScale: 90000,
		},
		audioTrack: &fmp4Track{
			id:        2,
			timeScale: uint32(params.AudioConfig.SampleRate),
		},
		sequenceNumber: 1,
	}
}

// Open creates the output file. No network timeouts apply to a file
// sink, per spec §4.7.
func (m *FileMuxer) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := os.Create(m.path)
	if err != nil {
		return fmt.Errorf("mux: create file %q: %w", m.path, err)
	}
	m.file = f
	return nil
}

// WriteHeader writes the fMP4 init segment (ftyp + moov).
func (m *FileMuxer) WriteHeader() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initWritten {
		return nil
	}

	videoCodec := &mp4.CodecH264{SPS: m.params.VideoSPS, PPS: m.params.VideoPPS}
	audioCodec := &mp4.CodecMPEG4Audio{Config: m.params.AudioConfig}
	m.videoTrack.codec = videoCodec
	m.audioTrack.codec = audioCodec

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{ID: m.videoTrack.id, TimeScale: m.videoTrack.timeScale, Codec: videoCodec},
			{ID: m.audioTrack.id, TimeScale: m.audioTrack.timeScale, Codec: audioCodec},
		},
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("mux: marshal init segment: %w", err)
	}
	if _, err := m.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("mux: write init segment: %w", err)
	}
	m.initWritten = true
	return nil
}

// WritePacket converts an Annex-B video access unit to AVCC, takes an
// audio access unit's payload as given (no ADTS header is removed), and
// writes one fMP4 media part per packet.
func (m *FileMuxer) WritePacket(pkt encode.EncodedPacket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initWritten {
		return fmt.Errorf("mux: write_packet before write_header")
	}
	if len(pkt.Data) == 0 {
		return nil
	}

	var track *fmp4Track
	var sample *fmp4.Sample

	if pkt.StreamKind == encode.StreamKindVideo {
		avc, err := h264nal.ConvertAnnexBToAVC(pkt.Data)
		if err != nil {
			return fmt.Errorf("mux: annexb to avcc: %w", err)
		}
		if len(avc) == 0 {
			return nil
		}
		if pkt.IsKeyframe {
			if len(m.params.VideoSPS) > 0 && len(m.params.VideoPPS) > 0 {
				avc = h264nal.PrependParameterSetsAVCC(avc, m.params.VideoSPS, m.params.VideoPPS)
			}
		}
		track = m.videoTrack
		sample = &fmp4.Sample{IsNonSyncSample: !pkt.IsKeyframe, Payload: avc}
	} else {
		track = m.audioTrack
		sample = &fmp4.Sample{Payload: pkt.Data}
	}

	// fanout.Dispatch already rescaled pkt.PTS/pkt.Duration from the
	// encoder's microsecond timebase into this sink's VideoTimebase/
	// AudioTimebase (90000 for video, the configured sample rate for
	// audio), which is exactly track.timeScale here — no further scaling
	// is needed.
	base, duration := track.timing(pkt.PTS, pkt.Duration)
	sample.Duration = duration

	segment := &fmp4.Part{
		Tracks: []*fmp4.PartTrack{
			{ID: track.id, BaseTime: uint64(base), Samples: []*fmp4.Sample{sample}},
		},
		SequenceNumber: m.sequenceNumber,
	}

	var buf seekablebuffer.Buffer
	if err := segment.Marshal(&buf); err != nil {
		return fmt.Errorf("mux: marshal media part: %w", err)
	}
	if _, err := m.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("mux: write media part: %w", err)
	}

	m.sequenceNumber++
	return nil
}

// WriteTrailer is a no-op: a fragmented MP4 file needs no closing atom
// beyond its final media part, matching spec §4.7's note that fragmented
// output remains playable without one.
func (m *FileMuxer) WriteTrailer() error {
	return nil
}

// Close closes the output file.
func (m *FileMuxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}
