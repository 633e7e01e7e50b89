package negotiator

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/haneulee/HEAD-plaza/pkg/signal"
)

// ErrClosed is returned once the negotiator is closed.
var ErrClosed = errors.New("negotiator closed")

// ErrorKind classifies negotiation failures.
type ErrorKind string

// Negotiation failure kinds.
const (
	KindAlreadyNegotiating ErrorKind = "alreadyNegotiating"
	KindRemoteRejected     ErrorKind = "remoteRejected"
	KindTimeout            ErrorKind = "timeout"
)

// NegotiationError is the status of a call that did not connect.
type NegotiationError struct {
	Kind   ErrorKind
	Remote signal.PeerID
	Err    error
}

func (e *NegotiationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("negotiation with %q: %s", e.Remote, e.Kind)
	}
	return fmt.Sprintf("negotiation with %q: %s: %v", e.Remote, e.Kind, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a NegotiationError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var nErr *NegotiationError
	return errors.As(err, &nErr) && nErr.Kind == kind
}
