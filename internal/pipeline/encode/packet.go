// Package encode wraps the out-of-scope codec library behind a small
// Encoder contract, per spec §4.5. The actual bitstream compression is an
// injected VideoCodec/AudioCodec capability; this package owns PTS
// assignment, the submit/flush lifecycle, and the callback
// registration discipline.
package encode

import "sync"

// StreamKind identifies which elementary stream a packet belongs to.
type StreamKind int

const (
	StreamKindVideo StreamKind = iota
	StreamKindAudio
)

func (k StreamKind) String() string {
	if k == StreamKindVideo {
		return "video"
	}
	return "audio"
}

// EncodedPacket is the opaque compressed payload handed from encoder to
// fanout. The encoder is its sole producer; the fanout its sole consumer,
// copying its metadata once per sink before timebase rescaling while all
// sinks share the same Data slice.
type EncodedPacket struct {
	Data        []byte
	PTS         int64
	DTS         int64
	Duration    int64
	TimebaseNum int
	TimebaseDen int
	StreamKind  StreamKind
	IsKeyframe  bool
}

// Clone returns a packet sharing no mutable state with the receiver, safe
// to hand to a sink that may rescale its own copy's timestamps.
func (p EncodedPacket) Clone() EncodedPacket {
	data := make([]byte, len(p.Data))
	copy(data, p.Data)
	clone := p
	clone.Data = data
	return clone
}

// callbackList is the mutex-guarded-at-registration-only observer list
// shared by VideoEncoder and AudioEncoder, per spec §4.5 and §5's "the
// encoder callback list is guarded by a mutex but is written only during
// setup" invariant.
type callbackList struct {
	mu        sync.Mutex
	callbacks []func(EncodedPacket)
}

// Register adds a callback invoked for every packet produced by Submit or
// Flush. Must be called during wiring, before the capture loop starts.
func (c *callbackList) Register(fn func(EncodedPacket)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

func (c *callbackList) snapshot() []func(EncodedPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(EncodedPacket), len(c.callbacks))
	copy(out, c.callbacks)
	return out
}

func (c *callbackList) invoke(pkt EncodedPacket) {
	for _, fn := range c.snapshot() {
		fn(pkt)
	}
}
