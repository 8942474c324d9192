// Package fanout implements MuxFanout, the single-writer multi-reader sink
// multiplexer described in spec §4.6. Grounded on
// device_connect/pipeline/broadcaster.go's Broadcaster (subscriber map,
// per-sink write, drop-on-full) and pipeline/pipeline.go's
// PublishVideo/PublishAudio, generalized here from "broadcast bytes to
// many readers" into "write one rescaled packet to many Sinks", each
// guarded by its own lock instead of a shared one.
package fanout

import (
	"fmt"
	"sync"

	"github.com/magixtical/video/internal/pipeline/encode"
)

// SinkState is the per-sink lifecycle state, per spec §4.6/§4.7.
type SinkState int

const (
	SinkConfigured SinkState = iota
	SinkHeaderWritten
	SinkStreaming
	SinkClosed
	SinkFailed
)

func (s SinkState) String() string {
	switch s {
	case SinkConfigured:
		return "configured"
	case SinkHeaderWritten:
		return "header_written"
	case SinkStreaming:
		return "streaming"
	case SinkClosed:
		return "closed"
	case SinkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Timebase is a rational time unit, e.g. {1, 1000000} for microseconds.
type Timebase struct {
	Num int
	Den int
}

// Sink is the shared per-sink contract: file, network and segment muxers
// all implement it identically, per spec §4.7's "all share the same
// {open, write_header, write_packet, write_trailer, close} contract".
type Sink struct {
	Name          string
	IsFile        bool // file sink failures are fatal to the pipeline, others are not
	VideoTimebase Timebase
	AudioTimebase Timebase
	Muxer         Muxer

	mu    sync.Mutex
	state SinkState
}

// Muxer is implemented by the concrete file/network/segment writers in
// package mux.
type Muxer interface {
	Open() error
	WriteHeader() error
	WritePacket(pkt encode.EncodedPacket) error
	WriteTrailer() error
	Close() error
}

// State returns the sink's current lifecycle state.
func (s *Sink) State() SinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open transitions Configured -> (muxer opened). Errors here are always
// fatal to starting this sink, per spec §4.8 step 3.
func (s *Sink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Muxer.Open(); err != nil {
		s.state = SinkFailed
		return fmt.Errorf("fanout: sink %q open: %w", s.Name, err)
	}
	return nil
}

// WriteHeader transitions into HeaderWritten, or Failed if the muxer
// rejects the header (e.g. a network sink that cannot connect).
func (s *Sink) WriteHeader() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Muxer.WriteHeader(); err != nil {
		s.state = SinkFailed
		return fmt.Errorf("fanout: sink %q write_header: %w", s.Name, err)
	}
	s.state = SinkHeaderWritten
	return nil
}

// beginStreaming marks the sink Streaming once the fanout starts writing
// packets to it.
func (s *Sink) beginStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SinkHeaderWritten {
		s.state = SinkStreaming
	}
}

// writePacket writes one rescaled packet, demoting the sink to Failed on
// error and returning that error for every kind of sink; Dispatch decides
// whether it is fatal (a file sink, per spec §4.6) or only ends this sink.
func (s *Sink) writePacket(pkt encode.EncodedPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SinkStreaming && s.state != SinkHeaderWritten {
		return nil
	}
	s.state = SinkStreaming

	if err := s.Muxer.WritePacket(pkt); err != nil {
		s.state = SinkFailed
		return fmt.Errorf("fanout: sink %q write_packet: %w", s.Name, err)
	}
	return nil
}

// Close writes the trailer (if the sink was ever Streaming) and closes
// the underlying transport. Safe to call on a Failed sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SinkClosed {
		return nil
	}

	var trailerErr error
	if s.state == SinkStreaming || s.state == SinkHeaderWritten {
		trailerErr = s.Muxer.WriteTrailer()
	}
	closeErr := s.Muxer.Close()
	s.state = SinkClosed

	if trailerErr != nil {
		return fmt.Errorf("fanout: sink %q write_trailer: %w", s.Name, trailerErr)
	}
	if closeErr != nil {
		return fmt.Errorf("fanout: sink %q close: %w", s.Name, closeErr)
	}
	return nil
}

// RescaleTimestamp converts a timestamp from one rational timebase to
// another, mirroring av_rescale_q. Grounded on
// original_source/time_manager.cpp's convertTimebase, which performs the
// equivalent integer rescale between the encoder's internal clock and a
// stream's declared timebase.
func RescaleTimestamp(value int64, from, to Timebase) int64 {
	if from.Den == 0 || to.Num == 0 {
		return value
	}
	// value * (from.num/from.den) / (to.num/to.den)
	//   = value * from.num * to.den / (from.den * to.num)
	num := value * int64(from.Num) * int64(to.Den)
	den := int64(from.Den) * int64(to.Num)
	if den == 0 {
		return value
	}
	return num / den
}
