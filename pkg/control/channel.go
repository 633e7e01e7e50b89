package control

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrClosed is returned when sending on a closed channel.
var ErrClosed = errors.New("control channel closed")

const inboundBuffer = 32

// Transport is the text-frame transport under a Channel. *webrtc.DataChannel
// satisfies it.
type Transport interface {
	SendText(text string) error
	Close() error
}

// Channel carries control messages over an ordered transport. Sends issued
// before the transport opens are queued and flushed on open. Inbound frames
// are held until the ready gate opens.
type Channel struct {
	transport Transport
	ready     <-chan struct{}
	log       *zap.Logger

	mu      sync.Mutex
	open    bool
	closed  bool
	pending []string

	inbound   chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// New wraps transport. The caller reports transport events through
// HandleOpen, HandleFrame and HandleClose. A nil ready gate is open.
func New(transport Transport, ready <-chan struct{}, logger *zap.Logger) *Channel {
	if ready == nil {
		gate := make(chan struct{})
		close(gate)
		ready = gate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		transport: transport,
		ready:     ready,
		log:       logger.Named("control"),
		inbound:   make(chan Message, inboundBuffer),
		done:      make(chan struct{}),
	}
}

// Attach wraps a pion data channel and subscribes to its events.
func Attach(dc *webrtc.DataChannel, ready <-chan struct{}, logger *zap.Logger) *Channel {
	c := New(dc, ready, logger)

	dc.OnOpen(c.HandleOpen)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.HandleFrame(msg.Data)
	})
	dc.OnClose(c.HandleClose)

	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.HandleOpen()
	}
	return c
}

// Messages returns the inbound stream.
func (c *Channel) Messages() <-chan Message {
	return c.inbound
}

// Done is closed when the channel closes.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// IsOpen reports whether the transport is open.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

// Send encodes and sends m, queueing it until the transport opens.
func (c *Channel) Send(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.open {
		c.pending = append(c.pending, string(data))
		return nil
	}
	return errors.Wrapf(c.transport.SendText(string(data)), "sending %s", m.Type)
}

// HandleOpen flushes queued sends.
func (c *Channel) HandleOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open || c.closed {
		return
	}
	c.open = true
	c.log.Debug("Control channel open", zap.Int("queued", len(c.pending)))

	for _, text := range c.pending {
		if err := c.transport.SendText(text); err != nil {
			c.log.Warn("Sending queued control message failed", zap.Error(err))
		}
	}
	c.pending = nil
}

// HandleFrame decodes an inbound frame and delivers it once the ready gate
// is open. Unknown message types are dropped.
func (c *Channel) HandleFrame(data []byte) {
	select {
	case <-c.ready:
	case <-c.done:
		return
	}

	msg, ok, err := Decode(data)
	if err != nil {
		c.log.Warn("Dropping malformed control message", zap.Error(err))
		return
	}
	if !ok {
		c.log.Debug("Ignoring unknown control message", zap.ByteString("frame", data))
		return
	}

	select {
	case c.inbound <- msg:
	case <-c.done:
	}
}

// HandleClose marks the channel closed.
func (c *Channel) HandleClose() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.pending = nil
		c.mu.Unlock()
		close(c.done)
	})
}

// Close closes the channel and its transport.
func (c *Channel) Close() error {
	c.HandleClose()
	return errors.WithStack(c.transport.Close())
}
