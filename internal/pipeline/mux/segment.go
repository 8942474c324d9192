package mux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/asticode/go-astits"

	"github.com/magixtical/video/internal/pipeline/encode"
	"github.com/magixtical/video/internal/pipeline/h264nal"
)

// SegmentMuxerConfig configures the HLS sink: segment duration, playlist
// window size and old-segment cleanup, per spec §4.7's "segment
// duration, segment list size (0 = unbounded), and delete-old-segments
// behavior are configured at open".
type SegmentMuxerConfig struct {
	OutputDir        string
	PlaylistFilename string // e.g. "stream.m3u8"
	SegmentDuration  time.Duration
	MaxSegments      int // 0 = unbounded, keep every segment in the playlist
	DeleteOld        bool
}

type segmentEntry struct {
	filename string
	duration time.Duration
}

// SegmentMuxer writes a rolling HLS playlist and MPEG-TS segments, per
// spec §4.7. Each segment's TS container is written with
// github.com/asticode/go-astits, the same library the network muxer uses
// for its live-push container; the playlist itself is hand-written since
// no HLS playlist library is used anywhere in the reference pack this
// module was built from. Segment rotation (duration-bounded, key-frame
// aligned) is grounded on original_source/hls_generator.h's segment
// lifecycle.
type SegmentMuxer struct {
	cfg SegmentMuxerConfig

	mu             sync.Mutex
	segments       []segmentEntry
	sequenceBase   int
	currentFile    *os.File
	currentMux     *astits.Muxer
	currentName    string
	segmentStartUs int64
	segmentOpen    bool
	lastPTSUs      int64
	closed         bool
}

// NewSegmentMuxer constructs a SegmentMuxer.
func NewSegmentMuxer(cfg SegmentMuxerConfig) *SegmentMuxer {
	return &SegmentMuxer{cfg: cfg}
}

// Open ensures the output directory exists.
func (m *SegmentMuxer) Open() error {
	return os.MkdirAll(m.cfg.OutputDir, 0o755)
}

// WriteHeader starts the first segment.
func (m *SegmentMuxer) WriteHeader() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked(0)
}

func (m *SegmentMuxer) rotateLocked(startUs int64) error {
	if m.currentFile != nil {
		m.currentFile.Close()
	}

	name := fmt.Sprintf("segment_%05d.ts", m.sequenceBase+len(m.segments))
	path := filepath.Join(m.cfg.OutputDir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("mux: create segment %q: %w", path, err)
	}

	muxer := astits.NewMuxer(context.Background(), f)
	if err := muxer.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: videoPID,
		StreamType:    astits.StreamTypeH264Video,
	}); err != nil {
		f.Close()
		return fmt.Errorf("mux: add video stream: %w", err)
	}
	if err := muxer.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: audioPID,
		StreamType:    astits.StreamTypeAACAudio,
	}); err != nil {
		f.Close()
		return fmt.Errorf("mux: add audio stream: %w", err)
	}
	muxer.SetPCRPID(videoPID)
	if err := muxer.WriteTables(); err != nil {
		f.Close()
		return fmt.Errorf("mux: write PAT/PMT: %w", err)
	}

	m.currentFile = f
	m.currentMux = muxer
	m.currentName = name
	m.segmentStartUs = startUs
	m.segmentOpen = true
	return nil
}

// WritePacket writes one PES-wrapped access unit into the current
// segment, rotating to a new segment once the configured duration has
// elapsed and the next video packet is a keyframe (so every segment
// starts on a keyframe boundary).
func (m *SegmentMuxer) WritePacket(pkt encode.EncodedPacket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentMux == nil {
		return fmt.Errorf("mux: write_packet before write_header")
	}
	if len(pkt.Data) == 0 {
		return nil
	}

	if pkt.StreamKind == encode.StreamKindVideo && pkt.IsKeyframe && m.segmentOpen {
		elapsed := time.Duration(pkt.PTS-m.segmentStartUs) * time.Microsecond
		if m.cfg.SegmentDuration > 0 && elapsed >= m.cfg.SegmentDuration {
			m.finishSegmentLocked(elapsed)
			if err := m.rotateLocked(pkt.PTS); err != nil {
				return err
			}
		}
	}

	pid := uint16(audioPID)
	streamID := uint8(astits.StreamIDPrivateStream1)
	payload := pkt.Data
	if pkt.StreamKind == encode.StreamKindVideo {
		pid = videoPID
		streamID = astits.StreamIDVideo
		payload = h264nal.PrependAUD(pkt.Data)
	}

	pts := &astits.ClockReference{Base: pkt.PTS * 90 / 1000}
	dts := pts
	if pkt.DTS != pkt.PTS {
		dts = &astits.ClockReference{Base: pkt.DTS * 90 / 1000}
	}

	_, err := m.currentMux.WriteData(&astits.MuxerData{
		PID: pid,
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				StreamID: streamID,
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorBothPresent,
					PTS:             pts,
					DTS:             dts,
				},
			},
			Data: payload,
		},
	})
	if err != nil {
		return fmt.Errorf("mux: write PES: %w", err)
	}

	m.lastPTSUs = pkt.PTS
	return nil
}

func (m *SegmentMuxer) finishSegmentLocked(duration time.Duration) {
	m.segments = append(m.segments, segmentEntry{filename: m.currentName, duration: duration})
	m.writePlaylistLocked()

	if m.cfg.MaxSegments > 0 && len(m.segments) > m.cfg.MaxSegments {
		drop := len(m.segments) - m.cfg.MaxSegments
		if m.cfg.DeleteOld {
			for _, s := range m.segments[:drop] {
				os.Remove(filepath.Join(m.cfg.OutputDir, s.filename))
			}
		}
		m.segments = m.segments[drop:]
		m.sequenceBase += drop
	}
}

// WriteTrailer finalizes the last segment and appends #EXT-X-ENDLIST.
func (m *SegmentMuxer) WriteTrailer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentMux != nil {
		m.finishSegmentLocked(time.Duration(m.lastPTSUs-m.segmentStartUs) * time.Microsecond)
	}
	return m.writePlaylistFinalLocked()
}

func (m *SegmentMuxer) writePlaylistLocked() error {
	return m.writePlaylist(false)
}

func (m *SegmentMuxer) writePlaylistFinalLocked() error {
	return m.writePlaylist(true)
}

func (m *SegmentMuxer) writePlaylist(ended bool) error {
	target := 0
	for _, s := range m.segments {
		if secs := int(s.duration.Round(time.Second).Seconds()); secs > target {
			target = secs
		}
	}
	if target == 0 {
		target = 1
	}

	path := filepath.Join(m.cfg.OutputDir, m.cfg.PlaylistFilename)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("mux: write playlist: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:%d\n#EXT-X-MEDIA-SEQUENCE:%d\n", target, m.sequenceBase)
	for _, s := range m.segments {
		fmt.Fprintf(f, "#EXTINF:%.3f,\n%s\n", s.duration.Seconds(), s.filename)
	}
	if ended {
		fmt.Fprint(f, "#EXT-X-ENDLIST\n")
	}
	return nil
}

// Close closes the current segment file.
func (m *SegmentMuxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.currentFile == nil {
		return nil
	}
	err := m.currentFile.Close()
	m.currentFile = nil
	return err
}
