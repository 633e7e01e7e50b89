package signaling

import (
	"context"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/haneulee/HEAD-plaza/pkg/signal"
)

// ErrorKind classifies signaling failures.
type ErrorKind string

// Signaling failure kinds.
const (
	KindRefused ErrorKind = "refused"
	KindClosed  ErrorKind = "closed"
	KindTimeout ErrorKind = "timeout"
)

// SignalingError is the single failure reported for a signaling socket.
type SignalingError struct {
	Kind     ErrorKind
	Identity signal.PeerID
	Err      error
}

func (e *SignalingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("signaling %s for %q", e.Kind, e.Identity)
	}
	return fmt.Sprintf("signaling %s for %q: %v", e.Kind, e.Identity, e.Err)
}

func (e *SignalingError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a SignalingError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var sErr *SignalingError
	return errors.As(err, &sErr) && sErr.Kind == kind
}

// classify maps a socket error onto a kind.
func classify(err error) ErrorKind {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	case errors.Is(err, websocket.ErrBadHandshake):
		return KindRefused
	default:
		return KindClosed
	}
}
