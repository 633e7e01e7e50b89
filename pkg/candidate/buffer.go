// Package candidate queues ICE candidates that arrive before the remote
// session description is known.
package candidate

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

// Buffer is a FIFO of candidates. It never reorders or drops entries.
type Buffer struct {
	mu    sync.Mutex
	items []webrtc.ICECandidateInit
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Push appends c to the queue.
func (b *Buffer) Push(c webrtc.ICECandidateInit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, c)
}

// Len returns the number of queued candidates.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Flush hands every queued candidate to apply in arrival order and clears the
// queue. Every candidate is attempted; the apply errors are combined.
func (b *Buffer) Flush(apply func(webrtc.ICECandidateInit) error) error {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()

	var err error
	for _, c := range items {
		err = multierr.Append(err, apply(c))
	}
	return err
}
