package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/haneulee/HEAD-plaza/pkg/signal"
)

// Peer represents a registered device socket.
type Peer struct {
	ID   signal.PeerID
	Conn *websocket.Conn

	mu        sync.Mutex
	writeWait time.Duration
	closeOnce sync.Once
}

func newPeer(id signal.PeerID, conn *websocket.Conn, writeWait time.Duration) *Peer {
	return &Peer{
		ID:        id,
		Conn:      conn,
		writeWait: writeWait,
	}
}

// SendMessage sends a signaling message to the peer
func (p *Peer) SendMessage(msg signal.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.Conn.SetWriteDeadline(time.Now().Add(p.writeWait)); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(p.Conn.WriteJSON(msg))
}

// Close sends a close frame with the given reason and closes the socket. It
// reports whether this call closed it.
func (p *Peer) Close(code int, reason string) bool {
	closed := false
	p.closeOnce.Do(func() {
		closed = true
		_ = p.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(p.writeWait))
		_ = p.Conn.Close()
	})
	return closed
}
