package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Device opens capture streams. Open returns a *MediaAccessError when the
// constraints cannot be served.
type Device interface {
	Open(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream is a live capture. Stop releases the device.
type Stream struct {
	constraints Constraints
	tracks      []webrtc.TrackLocal
	stop        func()

	mu      sync.Mutex
	stopped bool
}

// NewStream wraps tracks produced under c. stop is called once by Stop.
func NewStream(c Constraints, tracks []webrtc.TrackLocal, stop func()) *Stream {
	return &Stream{constraints: c, tracks: tracks, stop: stop}
}

// Constraints returns the constraint set the stream was opened with.
func (s *Stream) Constraints() Constraints {
	return s.constraints
}

// Tracks returns the local tracks to attach to a peer connection.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

// Live reports whether the stream still holds the device.
func (s *Stream) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

// Stop releases the capture device. It is safe to call more than once.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.stop != nil {
		s.stop()
	}
}
