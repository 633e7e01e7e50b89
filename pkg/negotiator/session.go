package negotiator

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/haneulee/HEAD-plaza/pkg/candidate"
	"github.com/haneulee/HEAD-plaza/pkg/signal"
)

// session is the peer connection to one remote identity.
type session struct {
	remote    signal.PeerID
	epoch     uint64
	initiator bool
	pc        *webrtc.PeerConnection
	buffer    *candidate.Buffer
	call      *Call
	log       *zap.Logger

	// attempt is the call id stamped on every message of this negotiation.
	attempt string

	// offerSDP is the remote offer an answering session was created for.
	offerSDP string

	// ready is closed once the remote description is set and the buffered
	// candidates are applied.
	ready chan struct{}

	mu        sync.Mutex
	state     State
	remoteSet bool
	timer     *time.Timer
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setRemote applies the remote description and then flushes the candidates
// that arrived before it. Candidate failures are logged, not fatal.
func (s *session) setRemote(desc webrtc.SessionDescription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remoteSet {
		return false, nil
	}
	if !s.state.Pending() {
		return false, errors.Errorf("session with %q is %s", s.remote, s.state)
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return false, errors.Wrapf(err, "setting remote %s", desc.Type)
	}
	s.remoteSet = true

	queued := s.buffer.Len()
	if err := s.buffer.Flush(s.pc.AddICECandidate); err != nil {
		s.log.Warn("Applying buffered candidates failed", zap.Error(err))
	}
	close(s.ready)

	s.log.Debug("Remote description set", zap.String("type", desc.Type.String()), zap.Int("flushed", queued))
	return true, nil
}

// addCandidate buffers c until the remote description is set.
func (s *session) addCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.remoteSet {
		s.buffer.Push(c)
		return nil
	}
	if s.state.Terminal() {
		return nil
	}
	return errors.Wrap(s.pc.AddICECandidate(c), "adding candidate")
}

// transition moves the session to `to` and reports the previous state.
// With pendingOnly it refuses to touch a session that already connected.
func (s *session) transition(to State, pendingOnly bool) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	if pendingOnly && !from.Pending() {
		return from, false
	}
	if !canTransition(from, to) {
		return from, false
	}
	s.state = to
	if to != AwaitingRemoteDescription && s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return from, true
}
