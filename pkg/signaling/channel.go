// Package signaling is the device side of the relay connection: one
// WebSocket per identity carrying registration, offers, answers and
// candidates.
package signaling

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/haneulee/HEAD-plaza/pkg/signal"
)

const (
	defaultRegisterTimeout = 10 * time.Second
	defaultPingInterval    = 5 * time.Second
	defaultPongWait        = 15 * time.Second
	writeWait              = 5 * time.Second
	inboundBuffer          = 64
)

// claims holds the identities with an open channel in this process.
var claims = struct {
	sync.Mutex
	ids map[signal.PeerID]struct{}
}{ids: map[signal.PeerID]struct{}{}}

func claim(id signal.PeerID) bool {
	claims.Lock()
	defer claims.Unlock()

	if _, exists := claims.ids[id]; exists {
		return false
	}
	claims.ids[id] = struct{}{}
	return true
}

func release(id signal.PeerID) {
	claims.Lock()
	defer claims.Unlock()
	delete(claims.ids, id)
}

// Config configures a signaling channel.
type Config struct {
	// URL is the relay endpoint, e.g. ws://localhost:9000/myapp.
	URL string

	// Identity is registered through the ?id= query parameter.
	Identity signal.PeerID

	// RegisterTimeout bounds the wait for the relay's open acknowledgement.
	RegisterTimeout time.Duration

	PingInterval time.Duration
	PongWait     time.Duration

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// Channel is a registered signaling socket. It is never reopened: after
// Done is closed the owner dials a new Channel.
type Channel struct {
	identity signal.PeerID
	conn     *websocket.Conn
	log      *zap.Logger
	config   Config

	writeMu sync.Mutex
	inbound chan signal.Message

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       *SignalingError
}

// Dial opens the socket for config.Identity and waits for the relay to
// acknowledge the registration. Every failure is a *SignalingError. Dialing
// an identity that already has an open channel in this process is refused
// until that channel is closed.
func Dial(ctx context.Context, config Config) (c *Channel, retErr error) {
	if config.RegisterTimeout <= 0 {
		config.RegisterTimeout = defaultRegisterTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaultPingInterval
	}
	if config.PongWait <= 0 {
		config.PongWait = defaultPongWait
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	fail := func(kind ErrorKind, err error) error {
		return &SignalingError{Kind: kind, Identity: config.Identity, Err: err}
	}

	if config.Identity == "" {
		return nil, fail(KindRefused, errors.New("empty identity"))
	}
	if !claim(config.Identity) {
		return nil, fail(KindRefused, errors.New("identity already has an open channel"))
	}
	defer func() {
		if retErr != nil {
			release(config.Identity)
		}
	}()

	endpoint, err := url.Parse(config.URL)
	if err != nil {
		return nil, fail(KindRefused, errors.Wrapf(err, "parsing relay url %q", config.URL))
	}
	query := endpoint.Query()
	query.Set("id", string(config.Identity))
	endpoint.RawQuery = query.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, config.RegisterTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, endpoint.String(), nil)
	if err != nil {
		kind := KindRefused
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, fail(kind, errors.Wrap(err, "websocket dial failed"))
	}

	deadline, _ := dialCtx.Deadline()
	if err := conn.SetReadDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, fail(KindClosed, errors.WithStack(err))
	}
	var ack signal.Message
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, fail(classify(err), errors.Wrap(err, "waiting for registration"))
	}
	if ack.Type != signal.TypeOpen {
		_ = conn.Close()
		return nil, fail(KindRefused, errors.Errorf("registration rejected: %s %s", ack.Type, ack.Reason()))
	}

	c = &Channel{
		identity: config.Identity,
		conn:     conn,
		log:      log.Named("signaling").With(zap.String("identity", string(config.Identity))),
		config:   config,
		inbound:  make(chan signal.Message, inboundBuffer),
		done:     make(chan struct{}),
	}

	c.extendDeadline()
	conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	go c.readLoop()
	go c.pingLoop()

	c.log.Info("Registered on relay")
	return c, nil
}

// Identity returns the registered identity.
func (c *Channel) Identity() signal.PeerID {
	return c.identity
}

// Messages returns the inbound stream. It is closed when the socket fails or
// is closed.
func (c *Channel) Messages() <-chan signal.Message {
	return c.inbound
}

// Done is closed once the channel is no longer usable.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the failure that closed the channel, nil while it is open.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	if c.err == nil {
		return nil
	}
	return c.err
}

// Send writes msg to the relay.
func (c *Channel) Send(msg signal.Message) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return c.fail(classify(err), errors.WithStack(err))
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return c.fail(classify(err), errors.Wrapf(err, "sending %s", msg.Type))
	}
	return nil
}

// Close closes the socket. It is safe to call more than once.
func (c *Channel) Close() error {
	c.shutdown(&SignalingError{Kind: KindClosed, Identity: c.identity, Err: errors.New("closed locally")}, true)
	return nil
}

func (c *Channel) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return &SignalingError{Kind: KindClosed, Identity: c.identity}
}

func (c *Channel) fail(kind ErrorKind, err error) error {
	c.shutdown(&SignalingError{Kind: kind, Identity: c.identity, Err: err}, false)
	return c.closedErr()
}

func (c *Channel) shutdown(sErr *SignalingError, local bool) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = sErr
		c.errMu.Unlock()

		if local {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
		} else {
			c.log.Warn("Signaling channel lost", zap.String("kind", string(sErr.Kind)), zap.Error(sErr.Err))
		}
		_ = c.conn.Close()
		release(c.identity)
		close(c.done)
	})
}

func (c *Channel) extendDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
}

func (c *Channel) readLoop() {
	defer close(c.inbound)

	for {
		var msg signal.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.fail(classify(err), errors.Wrap(err, "reading from relay"))
			return
		}
		c.extendDeadline()

		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.fail(classify(err), errors.Wrap(err, "ping failed"))
				return
			}
			if err := c.Send(signal.Message{Type: signal.TypeHeartbeat}); err != nil {
				return
			}
		}
	}
}
