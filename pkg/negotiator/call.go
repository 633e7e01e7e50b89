package negotiator

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/haneulee/HEAD-plaza/pkg/signal"
)

// Call is the handle of an outgoing negotiation. It resolves once, either
// when the connection is established or when it fails.
type Call struct {
	remote signal.PeerID
	done   chan struct{}
	once   sync.Once
	err    error
}

func newCall(remote signal.PeerID) *Call {
	return &Call{remote: remote, done: make(chan struct{})}
}

// Remote returns the called identity.
func (c *Call) Remote() signal.PeerID {
	return c.remote
}

// Done is closed when the call resolves.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Err returns nil for a connected call and the failure otherwise. It must
// only be read after Done is closed.
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the call resolves or ctx is done.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

func (c *Call) resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}
