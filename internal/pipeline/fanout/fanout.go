package fanout

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/magixtical/video/internal/pipeline/encode"
	"github.com/magixtical/video/internal/util"
)

// EncoderTimebase is the fixed timebase the encode package stamps every
// EncodedPacket with (see encode.EncodedPacket's TimebaseNum/Den), used
// as the rescale source for every sink.
var EncoderTimebase = Timebase{Num: 1, Den: 1_000_000}

// MuxFanout is a single-writer, multi-reader sink multiplexer: one
// encoder callback fans each packet out to every live Sink, per spec
// §4.6. Per-sink locking lives on Sink itself; MuxFanout only owns the
// sink set.
type MuxFanout struct {
	mu    sync.RWMutex
	sinks []*Sink

	nonFatalFailures atomic.Int64
}

// New constructs an empty MuxFanout. Sinks are registered with Add before
// the pipeline controller opens them.
func New() *MuxFanout {
	return &MuxFanout{}
}

// Add registers a sink. Must be called before Dispatch starts receiving
// packets; the sink set is read-locked during dispatch but not designed
// for concurrent registration during streaming.
func (f *MuxFanout) Add(s *Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Sinks returns a snapshot of the registered sinks, in registration order.
func (f *MuxFanout) Sinks() []*Sink {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Sink, len(f.sinks))
	copy(out, f.sinks)
	return out
}

// LiveCount returns the number of sinks not in the Failed or Closed
// state.
func (f *MuxFanout) LiveCount() int {
	n := 0
	for _, s := range f.Sinks() {
		switch s.State() {
		case SinkFailed, SinkClosed:
		default:
			n++
		}
	}
	return n
}

// Dispatch copies pkt's metadata once per live sink (every sink shares the
// same read-only Data slice; the payload is not copied), rescales its PTS/DTS/duration
// from the encoder timebase to that sink's stream timebase, and writes
// it. A write error demotes only that sink to Failed and dispatch
// continues to the remaining sinks, except for a file sink's error,
// which is returned to the caller as fatal per spec §4.6/§4.8 (the file
// sink's failure has no "continue without it" path; it tears down the
// pipeline).
func (f *MuxFanout) Dispatch(pkt encode.EncodedPacket) error {
	var fatal error

	for _, s := range f.Sinks() {
		switch s.State() {
		case SinkFailed, SinkClosed, SinkConfigured:
			continue
		}

		clone := pkt
		tb := s.VideoTimebase
		if pkt.StreamKind == encode.StreamKindAudio {
			tb = s.AudioTimebase
		}
		clone.PTS = RescaleTimestamp(pkt.PTS, EncoderTimebase, tb)
		clone.DTS = RescaleTimestamp(pkt.DTS, EncoderTimebase, tb)
		clone.Duration = RescaleTimestamp(pkt.Duration, EncoderTimebase, tb)

		s.beginStreaming()
		if err := s.writePacket(clone); err != nil {
			if s.IsFile {
				fatal = fmt.Errorf("fanout: fatal file sink error: %w", err)
				continue
			}
			f.nonFatalFailures.Add(1)
			util.GetLogger().Warn("sink failed, continuing without it", "sink", s.Name, "error", err)
		}
	}

	return fatal
}

// NonFatalFailures returns the cumulative count of non-file sink write
// failures that were logged and skipped rather than torn down, per spec
// §7's status accessor requirement.
func (f *MuxFanout) NonFatalFailures() int64 {
	return f.nonFatalFailures.Load()
}

// CloseAll writes trailers and closes every sink that successfully wrote
// a header, per spec §4.8's stop sequence step 6.
func (f *MuxFanout) CloseAll() error {
	var firstErr error
	for _, s := range f.Sinks() {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
