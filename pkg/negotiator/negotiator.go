// Package negotiator establishes one pion PeerConnection per remote
// identity through offer/answer exchanged over the relay.
package negotiator

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/haneulee/HEAD-plaza/pkg/candidate"
	"github.com/haneulee/HEAD-plaza/pkg/control"
	"github.com/haneulee/HEAD-plaza/pkg/signal"
)

const defaultNegotiationTimeout = 30 * time.Second

// DefaultICEServers are the STUN servers used when none are configured.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:global.stun.twilio.com:3478"}},
}

// Sender delivers signaling messages. *signaling.Channel implements it.
type Sender interface {
	Send(msg signal.Message) error
}

// TrackSource provides the local tracks attached to an outgoing call.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

// Config configures a negotiator.
type Config struct {
	// ICEServers defaults to DefaultICEServers when nil. An empty non-nil
	// slice disables STUN.
	ICEServers []webrtc.ICEServer

	// IncludeLoopback gathers 127.0.0.1 candidates, for tests and
	// single-host installations.
	IncludeLoopback bool

	NetworkTypes []webrtc.NetworkType

	// NegotiationTimeout bounds the time from offer to connection.
	NegotiationTimeout time.Duration

	Logger *zap.Logger
}

// EventKind tells which field of an Event is set.
type EventKind int

// Event kinds.
const (
	EventState EventKind = iota
	EventControl
	EventTrack
)

// Event is published for state changes, opened control channels and
// remote tracks.
type Event struct {
	Kind    EventKind
	Remote  signal.PeerID
	State   State
	Err     error
	Control *control.Channel
	Track   *webrtc.TrackRemote
}

// Negotiator owns the peer connections of a device.
type Negotiator struct {
	config Config
	api    *webrtc.API
	log    *zap.Logger

	senderMu sync.RWMutex
	sender   Sender

	// mu is always taken before a session's mu.
	mu       sync.Mutex
	closed   bool
	epoch    uint64
	sessions map[signal.PeerID]*session
	orphans  map[signal.PeerID]*orphan

	events  chan Event
	queueMu sync.Mutex
	queue   []Event
	wake    chan struct{}
	done    chan struct{}
}

// orphan holds candidates of an attempt whose offer has not arrived yet.
type orphan struct {
	attempt string
	buf     *candidate.Buffer
}

// New creates a negotiator sending through sender. sender may be nil until
// the first Rebind.
func New(config Config, sender Sender) (*Negotiator, error) {
	if config.ICEServers == nil {
		config.ICEServers = DefaultICEServers
	}
	if config.NegotiationTimeout <= 0 {
		config.NegotiationTimeout = defaultNegotiationTimeout
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	api, err := newAPI(config, log)
	if err != nil {
		return nil, err
	}

	n := &Negotiator{
		config:   config,
		api:      api,
		log:      log.Named("negotiator"),
		sender:   sender,
		sessions: make(map[signal.PeerID]*session),
		orphans:  make(map[signal.PeerID]*orphan),
		events:   make(chan Event),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go n.pump()
	return n, nil
}

// Events returns the event stream. Events are queued, never dropped, until
// the negotiator is closed.
func (n *Negotiator) Events() <-chan Event {
	return n.events
}

// State returns the state of the connection to remote.
func (n *Negotiator) State(remote signal.PeerID) (State, bool) {
	n.mu.Lock()
	sess := n.sessions[remote]
	n.mu.Unlock()

	if sess == nil {
		return Idle, false
	}
	return sess.State(), true
}

// BufferedCandidates returns how many candidates from remote wait for its
// remote description.
func (n *Negotiator) BufferedCandidates(remote signal.PeerID) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	if o := n.orphans[remote]; o != nil {
		return o.buf.Len()
	}
	if sess := n.sessions[remote]; sess != nil {
		return sess.buffer.Len()
	}
	return 0
}

// InitiateCall offers a connection to target carrying the tracks of local
// and the ordered control data channel. At most one negotiation per target
// may be in flight.
func (n *Negotiator) InitiateCall(ctx context.Context, target signal.PeerID, local TrackSource) (*Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	sess, err := n.openSession(target, true, signal.NewCallID(), "")
	if err != nil {
		return nil, err
	}

	if err := n.offer(sess, local); err != nil {
		n.finish(sess, Failed, err, true)
		return nil, err
	}
	return sess.call, nil
}

func (n *Negotiator) offer(sess *session, local TrackSource) error {
	if local != nil {
		for _, track := range local.Tracks() {
			sender, err := sess.pc.AddTrack(track)
			if err != nil {
				return errors.Wrapf(err, "adding track %s", track.ID())
			}
			go drainRTCP(sender)
		}
	}

	ordered := true
	dc, err := sess.pc.CreateDataChannel(control.Label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return errors.Wrap(err, "creating control channel")
	}
	n.emit(Event{Kind: EventControl, Remote: sess.remote, Control: control.Attach(dc, sess.ready, n.log)})

	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		return errors.Wrap(err, "creating offer")
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "setting local offer")
	}
	n.finish(sess, AwaitingRemoteDescription, nil, true)

	return n.send(signal.TypeOffer, sess.remote, sess.attempt, signal.SessionPayload{SDP: offer})
}

// HandleIncomingOffer answers the offer of call attempt from a remote
// initiator.
func (n *Negotiator) HandleIncomingOffer(from signal.PeerID, attempt string, offer webrtc.SessionDescription) error {
	sess, err := n.openSession(from, false, attempt, offer.SDP)
	if err != nil {
		if IsKind(err, KindAlreadyNegotiating) {
			n.reject(from, attempt, string(KindAlreadyNegotiating))
		}
		return err
	}
	if sess == nil {
		return nil
	}

	if err := n.answer(sess, offer); err != nil {
		n.finish(sess, Failed, err, true)
		n.reject(from, attempt, "offer-failed")
		return err
	}
	return nil
}

func (n *Negotiator) answer(sess *session, offer webrtc.SessionDescription) error {
	n.finish(sess, AwaitingRemoteDescription, nil, true)

	if _, err := sess.setRemote(offer); err != nil {
		return err
	}
	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		return errors.Wrap(err, "creating answer")
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		return errors.Wrap(err, "setting local answer")
	}
	return n.send(signal.TypeAnswer, sess.remote, sess.attempt, signal.SessionPayload{SDP: answer})
}

// HandleIncomingAnswer completes an outgoing call. Repeated answers are
// ignored.
func (n *Negotiator) HandleIncomingAnswer(from signal.PeerID, attempt string, answer webrtc.SessionDescription) error {
	n.mu.Lock()
	sess := n.sessions[from]
	n.mu.Unlock()

	if sess == nil || !sess.initiator {
		return errors.Errorf("unexpected answer from %q", from)
	}
	if attempt != "" && attempt != sess.attempt {
		return errors.Errorf("answer from %q belongs to a replaced call", from)
	}

	applied, err := sess.setRemote(answer)
	if err != nil {
		n.finish(sess, Failed, err, true)
		return err
	}
	if !applied {
		sess.log.Debug("Ignoring repeated answer")
	}
	return nil
}

// HandleCandidate applies c, or buffers it until the remote description of
// the session with from is set. Candidates of an attempt without a session
// yet are kept for the session its offer creates; candidates of a finished
// session are dropped.
func (n *Negotiator) HandleCandidate(from signal.PeerID, attempt string, c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	sess := n.sessions[from]
	if sess != nil && (attempt == "" || attempt == sess.attempt) {
		n.mu.Unlock()
		if sess.State().Terminal() {
			sess.log.Debug("Dropping candidate of a finished connection")
			return nil
		}
		return sess.addCandidate(c)
	}

	o := n.orphans[from]
	if o == nil || o.attempt != attempt {
		o = &orphan{attempt: attempt, buf: candidate.New()}
		n.orphans[from] = o
	}
	o.buf.Push(c)
	n.mu.Unlock()
	return nil
}

// HandleRejection fails the pending negotiation with from. A rejection of
// an earlier attempt leaves the current one alone.
func (n *Negotiator) HandleRejection(from signal.PeerID, attempt, reason string) {
	n.mu.Lock()
	sess := n.sessions[from]
	n.mu.Unlock()

	if sess == nil {
		return
	}
	if attempt != "" && attempt != sess.attempt {
		sess.log.Debug("Ignoring rejection of a replaced call", zap.String("reason", reason))
		return
	}
	n.finish(sess, Failed, &NegotiationError{
		Kind:   KindRemoteRejected,
		Remote: from,
		Err:    errors.Errorf("remote rejected: %s", reason),
	}, true)
}

// HandleMessage dispatches a relay message to the matching handler.
func (n *Negotiator) HandleMessage(msg signal.Message) error {
	switch msg.Type {
	case signal.TypeOffer, signal.TypeAnswer:
		var p signal.SessionPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		if msg.Type == signal.TypeOffer {
			return n.HandleIncomingOffer(msg.Src, msg.Call, p.SDP)
		}
		return n.HandleIncomingAnswer(msg.Src, msg.Call, p.SDP)

	case signal.TypeCandidate:
		var p signal.CandidatePayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		return n.HandleCandidate(msg.Src, msg.Call, p.Candidate)

	case signal.TypeReject, signal.TypeUnavailable:
		n.HandleRejection(msg.Src, msg.Call, msg.Reason())
		return nil

	default:
		return nil
	}
}

// Rebind switches to the sender of a fresh registration. Negotiations
// started under the previous registration fail with a timeout; established
// connections are kept.
func (n *Negotiator) Rebind(sender Sender) {
	n.senderMu.Lock()
	n.sender = sender
	n.senderMu.Unlock()

	n.mu.Lock()
	n.epoch++
	stale := make([]*session, 0, len(n.sessions))
	for _, sess := range n.sessions {
		if sess.epoch < n.epoch {
			stale = append(stale, sess)
		}
	}
	n.orphans = make(map[signal.PeerID]*orphan)
	epoch := n.epoch
	n.mu.Unlock()

	n.log.Debug("Rebound to new registration", zap.Uint64("epoch", epoch))
	for _, sess := range stale {
		n.finish(sess, Failed, &NegotiationError{
			Kind:   KindTimeout,
			Remote: sess.remote,
			Err:    errors.New("signaling registration replaced"),
		}, true)
	}
}

// Close closes every connection. Pending calls fail with ErrClosed.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	sessions := n.sessions
	n.sessions = map[signal.PeerID]*session{}
	n.mu.Unlock()

	for _, sess := range sessions {
		n.finish(sess, Closed, ErrClosed, false)
	}
	close(n.done)
	return nil
}

// openSession registers a new session for attempt with remote. For answers
// it returns nil when offerSDP is a redelivery of the offer already being
// answered.
func (n *Negotiator) openSession(remote signal.PeerID, initiator bool, attempt, offerSDP string) (*session, error) {
	n.mu.Lock()

	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}

	prev := n.sessions[remote]
	if prev != nil {
		state := prev.State()
		switch {
		case !initiator && !prev.initiator && prev.attempt == attempt && prev.offerSDP == offerSDP && !state.Terminal():
			n.mu.Unlock()
			return nil, nil
		case state.Pending() && (initiator || prev.initiator):
			n.mu.Unlock()
			return nil, &NegotiationError{
				Kind:   KindAlreadyNegotiating,
				Remote: remote,
				Err:    errors.New("negotiation already in flight"),
			}
		}
	}

	pc, err := n.api.NewPeerConnection(webrtc.Configuration{ICEServers: n.config.ICEServers})
	if err != nil {
		n.mu.Unlock()
		return nil, errors.Wrap(err, "creating peer connection")
	}

	// Only an answer adopts early candidates; anything parked before our own
	// offer belongs to an older attempt.
	buf := candidate.New()
	if o := n.orphans[remote]; o != nil && !initiator && o.attempt == attempt {
		buf = o.buf
	}
	delete(n.orphans, remote)

	sess := &session{
		remote:    remote,
		epoch:     n.epoch,
		initiator: initiator,
		attempt:   attempt,
		pc:        pc,
		buffer:    buf,
		offerSDP:  offerSDP,
		ready:     make(chan struct{}),
		log: n.log.With(
			zap.String("remote", string(remote)),
			zap.Bool("initiator", initiator)),
	}
	if initiator {
		sess.call = newCall(remote)
	}
	n.sessions[remote] = sess
	n.mu.Unlock()

	if prev != nil {
		prev.log.Info("Replacing connection")
		n.finish(prev, Closed, ErrClosed, false)
	}

	n.watch(sess)
	sess.mu.Lock()
	sess.timer = time.AfterFunc(n.config.NegotiationTimeout, func() {
		n.finish(sess, Failed, &NegotiationError{
			Kind:   KindTimeout,
			Remote: remote,
			Err:    errors.Errorf("not connected within %s", n.config.NegotiationTimeout),
		}, true)
	})
	sess.mu.Unlock()

	n.emit(Event{Kind: EventState, Remote: remote, State: Idle})
	return sess, nil
}

// watch bridges pion callbacks into session transitions and events. The
// callbacks never take n.mu.
func (n *Negotiator) watch(sess *session) {
	sess.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := n.send(signal.TypeCandidate, sess.remote, sess.attempt, signal.CandidatePayload{Candidate: c.ToJSON()}); err != nil {
			sess.log.Debug("Sending candidate failed", zap.Error(err))
		}
	})

	sess.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		sess.log.Debug("Peer connection state", zap.String("state", state.String()))

		switch state {
		case webrtc.PeerConnectionStateConnected:
			n.finish(sess, Connected, nil, true)
		case webrtc.PeerConnectionStateFailed:
			n.finish(sess, Failed, &NegotiationError{
				Kind:   KindTimeout,
				Remote: sess.remote,
				Err:    errors.New("ice connectivity failed"),
			}, false)
		case webrtc.PeerConnectionStateClosed:
			n.finish(sess, Closed, ErrClosed, false)
		}
	})

	sess.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != control.Label {
			sess.log.Debug("Ignoring data channel", zap.String("label", dc.Label()))
			return
		}
		n.emit(Event{Kind: EventControl, Remote: sess.remote, Control: control.Attach(dc, sess.ready, n.log)})
	})

	sess.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		sess.log.Info("Remote track", zap.String("kind", track.Kind().String()), zap.String("id", track.ID()))
		n.emit(Event{Kind: EventTrack, Remote: sess.remote, Track: track})
	})
}

// finish moves sess to `to`, resolves its call and closes the peer
// connection on terminal states. It must be called without locks held.
func (n *Negotiator) finish(sess *session, to State, cause error, pendingOnly bool) {
	from, ok := sess.transition(to, pendingOnly)
	if !ok {
		return
	}

	fields := []zap.Field{zap.Stringer("from", from), zap.Stringer("to", to)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if to == Failed {
		sess.log.Warn("Negotiation failed", fields...)
	} else {
		sess.log.Info("Connection state", fields...)
	}

	if sess.call != nil {
		switch {
		case to == Connected:
			sess.call.resolve(nil)
		case to.Terminal():
			sess.call.resolve(cause)
		}
	}
	if to.Terminal() {
		if err := sess.pc.Close(); err != nil {
			sess.log.Debug("Closing peer connection failed", zap.Error(err))
		}
	}

	n.emit(Event{Kind: EventState, Remote: sess.remote, State: to, Err: cause})
}

func (n *Negotiator) send(t signal.Type, dst signal.PeerID, attempt string, payload any) error {
	n.senderMu.RLock()
	sender := n.sender
	n.senderMu.RUnlock()

	if sender == nil {
		return errors.Errorf("no signaling channel for %s to %q", t, dst)
	}
	msg, err := signal.New(t, dst, payload)
	if err != nil {
		return err
	}
	msg.Call = attempt
	return sender.Send(msg)
}

func (n *Negotiator) reject(to signal.PeerID, attempt, reason string) {
	if err := n.send(signal.TypeReject, to, attempt, signal.ErrorPayload{Reason: reason}); err != nil {
		n.log.Debug("Sending reject failed", zap.String("remote", string(to)), zap.Error(err))
	}
}

func (n *Negotiator) emit(e Event) {
	n.queueMu.Lock()
	n.queue = append(n.queue, e)
	n.queueMu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// pump delivers queued events in order so pion callbacks never block on a
// slow consumer.
func (n *Negotiator) pump() {
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}

		for {
			n.queueMu.Lock()
			if len(n.queue) == 0 {
				n.queueMu.Unlock()
				break
			}
			e := n.queue[0]
			n.queue = n.queue[1:]
			n.queueMu.Unlock()

			select {
			case n.events <- e:
			case <-n.done:
				return
			}
		}
	}
}

// drainRTCP reads RTCP so the interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
