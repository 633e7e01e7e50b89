// Package signal defines the JSON envelope exchanged with the relay.
package signal

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// PeerID is the routing key of a device on the relay.
type PeerID string

// NewPeerID generates a random identity for devices without a fixed one.
func NewPeerID() PeerID {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return PeerID(id[:13])
}

// NewCallID generates the id of one negotiation attempt.
func NewCallID() string {
	return uuid.NewString()
}

// Type is the kind of a relay message.
type Type string

// Relay message types.
const (
	TypeOpen        Type = "open"        // relay -> client, registration acknowledged
	TypeOffer       Type = "offer"       // SDP offer
	TypeAnswer      Type = "answer"      // SDP answer
	TypeCandidate   Type = "candidate"   // trickled ICE candidate
	TypeReject      Type = "reject"      // callee declined the offer
	TypeUnavailable Type = "unavailable" // relay: destination is not registered
	TypeHeartbeat   Type = "heartbeat"
	TypeError       Type = "error"
)

// Error reasons sent by the relay in ErrorPayload.
const (
	ReasonMissingID = "missing-id"
	ReasonInvalid   = "invalid-message"
)

// Message is the envelope sent over the signaling socket. Src is filled in
// by the relay from the sender's registration, Dst addresses the peer.
// Call ties offers, answers, candidates and rejections to one negotiation
// attempt; the relay copies it into the unavailable reply.
type Message struct {
	Type    Type            `json:"type"`
	Src     PeerID          `json:"src,omitempty"`
	Dst     PeerID          `json:"dst,omitempty"`
	Call    string          `json:"call,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionPayload carries an offer or an answer.
type SessionPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// CandidatePayload carries one trickled candidate.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ErrorPayload carries the reason of reject, unavailable and error messages.
type ErrorPayload struct {
	Reason string `json:"reason,omitempty"`
}

// New builds a message addressed to dst with the JSON encoding of payload.
func New(t Type, dst PeerID, payload any) (Message, error) {
	msg := Message{Type: t, Dst: dst}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, errors.Wrapf(err, "encoding %s payload", t)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into out.
func (m Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return errors.Errorf("%s message from %q has no payload", m.Type, m.Src)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return errors.Wrapf(err, "decoding %s payload from %q", m.Type, m.Src)
	}
	return nil
}

// Reason returns the ErrorPayload reason or an empty string.
func (m Message) Reason() string {
	var p ErrorPayload
	if len(m.Payload) == 0 || json.Unmarshal(m.Payload, &p) != nil {
		return ""
	}
	return p.Reason
}
