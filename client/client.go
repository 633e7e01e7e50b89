// Package client is the per-device session manager. A Client owns the
// signaling supervisor, the negotiator, the control channel and the session
// state machine of one driver or follower process and runs them on a single
// event loop.
package client

import (
	"context"
	"time"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/haneulee/HEAD-plaza/pkg/control"
	"github.com/haneulee/HEAD-plaza/pkg/media"
	"github.com/haneulee/HEAD-plaza/pkg/negotiator"
	"github.com/haneulee/HEAD-plaza/pkg/session"
	"github.com/haneulee/HEAD-plaza/pkg/signal"
	"github.com/haneulee/HEAD-plaza/pkg/signaling"
	"github.com/haneulee/HEAD-plaza/pkg/supervisor"
	"github.com/haneulee/HEAD-plaza/pkg/upload"
)

const (
	defaultEndingTimeout = 60 * time.Second
	defaultMaxRecording  = 60 * time.Second
	callBuffer           = 8
)

var (
	// ErrStopped is returned by commands issued after Run returned.
	ErrStopped = errors.New("client stopped")

	// ErrUploadInProgress is returned by FinishRecording while an earlier
	// call is still uploading the clip.
	ErrUploadInProgress = errors.New("upload in progress")
)

// Config configures a device.
type Config struct {
	// Identity registered on the relay. Empty generates a random one.
	Identity signal.PeerID
	Role     session.Role

	// RemoteID is the follower the driver calls.
	RemoteID signal.PeerID
	RelayURL string

	ICEServers         []webrtc.ICEServer
	IncludeLoopback    bool
	NetworkTypes       []webrtc.NetworkType
	NegotiationTimeout time.Duration
	RegisterTimeout    time.Duration
	ReconnectBackoff   time.Duration

	// RetryInterval re-initiates a failed call from the driver. Zero leaves
	// retries to Dial.
	RetryInterval time.Duration

	// EndingTimeout returns an ended session to Intro.
	EndingTimeout time.Duration

	// MaxRecording finishes a recording that runs too long.
	MaxRecording time.Duration

	// Capture is opened with Constraints, tried in order. A nil device or a
	// failed capture leaves the device without a local stream.
	Capture     media.Device
	Constraints []media.Constraints

	Recorder      media.Recorder
	Uploader      upload.Uploader
	UploadOptions upload.Options

	Logger *zap.Logger
}

// Client is the session manager of one device.
type Client struct {
	config Config
	id     signal.PeerID
	log    *zap.Logger

	machine    *session.Machine
	negotiator *negotiator.Negotiator
	supervisor *supervisor.Supervisor

	commands chan func(ctx context.Context)
	calls    chan *negotiator.Call
	stopped  chan struct{}

	// Owned by the loop.
	channel        *signaling.Channel
	control        *control.Channel
	stream         *media.Stream
	call           *negotiator.Call
	clip           []byte
	uploading      bool
	retryTimer     *time.Timer
	endingTimer    *time.Timer
	recordingTimer *time.Timer
}

// New creates a device session manager.
func New(config Config) (*Client, error) {
	if !config.Role.Valid() {
		return nil, errors.Errorf("invalid role %q", config.Role)
	}
	if config.Role == session.Driver && config.RemoteID == "" {
		return nil, errors.New("driver needs a remote identity")
	}
	if config.Identity == "" {
		config.Identity = signal.NewPeerID()
	}
	if config.EndingTimeout <= 0 {
		config.EndingTimeout = defaultEndingTimeout
	}
	if config.MaxRecording <= 0 {
		config.MaxRecording = defaultMaxRecording
	}
	if config.Recorder == nil {
		config.Recorder = &media.MemoryRecorder{}
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("id", string(config.Identity)), zap.String("role", string(config.Role)))

	n, err := negotiator.New(negotiator.Config{
		ICEServers:         config.ICEServers,
		IncludeLoopback:    config.IncludeLoopback,
		NetworkTypes:       config.NetworkTypes,
		NegotiationTimeout: config.NegotiationTimeout,
		Logger:             log,
	}, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:     config,
		id:         config.Identity,
		log:        log,
		machine:    session.New(config.Role, log),
		negotiator: n,
		commands:   make(chan func(ctx context.Context)),
		calls:      make(chan *negotiator.Call, callBuffer),
		stopped:    make(chan struct{}),
	}
	c.supervisor = supervisor.New(supervisor.Config{
		Backoff: config.ReconnectBackoff,
		Logger:  log,
		Dial: func(ctx context.Context) (*signaling.Channel, error) {
			return signaling.Dial(ctx, signaling.Config{
				URL:             config.RelayURL,
				Identity:        config.Identity,
				RegisterTimeout: config.RegisterTimeout,
				Logger:          log,
			})
		},
	})
	return c, nil
}

// ID returns the registered identity.
func (c *Client) ID() signal.PeerID {
	return c.id
}

// Snapshot returns the session state.
func (c *Client) Snapshot() session.Snapshot {
	return c.machine.Snapshot()
}

// Transitions streams session transitions.
func (c *Client) Transitions() <-chan session.Transition {
	return c.machine.Subscribe()
}

// Calls streams the handle of every call the driver initiates.
func (c *Client) Calls() <-chan *negotiator.Call {
	return c.calls
}

// Run acquires the capture device and runs the device until ctx is done.
// Everything acquired is released on return.
func (c *Client) Run(ctx context.Context) error {
	ctx = logger.WithLogger(ctx, c.log)
	defer close(c.stopped)
	defer c.teardown()

	if c.config.Capture != nil {
		stream, err := media.Acquire(ctx, c.config.Capture, c.config.Constraints, c.log)
		if err != nil {
			var mErr *media.MediaAccessError
			if !errors.As(err, &mErr) {
				return err
			}
			c.log.Warn("Continuing without local stream", zap.Error(err), zap.String("hint", mErr.Hint()))
		}
		c.stream = stream
	}
	c.machine.Begin()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("supervisor", parallel.Fail, c.supervisor.Run)
		spawn("loop", parallel.Fail, c.loop)
		return nil
	})
}

func (c *Client) teardown() {
	for _, t := range []*time.Timer{c.retryTimer, c.endingTimer, c.recordingTimer} {
		if t != nil {
			t.Stop()
		}
	}
	if c.control != nil {
		_ = c.control.Close()
	}
	_ = c.negotiator.Close()
	if c.stream != nil {
		c.stream.Stop()
	}
	c.log.Info("Device stopped")
}

func (c *Client) loop(ctx context.Context) error {
	for {
		var (
			signals     <-chan signal.Message
			controls    <-chan control.Message
			controlDone <-chan struct{}
			callDone    <-chan struct{}
		)
		if c.channel != nil {
			signals = c.channel.Messages()
		}
		if c.control != nil {
			controls = c.control.Messages()
			controlDone = c.control.Done()
		}
		if c.call != nil {
			callDone = c.call.Done()
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())

		case status := <-c.supervisor.Statuses():
			c.onStatus(ctx, status)

		case msg, ok := <-signals:
			if !ok {
				c.channel = nil
				continue
			}
			if err := c.negotiator.HandleMessage(msg); err != nil {
				c.log.Warn("Handling signal failed", zap.String("type", string(msg.Type)),
					zap.String("src", string(msg.Src)), zap.Error(err))
			}

		case e := <-c.negotiator.Events():
			c.onEvent(e)

		case msg := <-controls:
			c.onControl(msg)

		case <-controlDone:
			c.log.Info("Control channel closed")
			c.control = nil

		case <-callDone:
			c.onCallResolved()

		case cmd := <-c.commands:
			cmd(ctx)

		case <-timerC(c.retryTimer):
			c.retryTimer = nil
			c.initiate(ctx)

		case <-timerC(c.endingTimer):
			c.endingTimer = nil
			if c.machine.Reset() {
				c.log.Info("Session reset for the next visitor")
			}

		case <-timerC(c.recordingTimer):
			c.recordingTimer = nil
			c.log.Info("Maximum recording time reached")
			go func() {
				if _, err := c.FinishRecording(ctx); err != nil {
					c.log.Warn("Finishing recording failed", zap.Error(err))
				}
			}()
		}
	}
}

func (c *Client) onStatus(ctx context.Context, status supervisor.Status) {
	switch status.State {
	case supervisor.Connected:
		c.channel = status.Channel
		c.negotiator.Rebind(status.Channel)
		if c.config.Role == session.Driver {
			c.initiate(ctx)
		}
	case supervisor.Reconnecting:
		c.channel = nil
		c.log.Info("Signaling reconnecting", zap.Int("attempt", status.Attempt))
	}
}

func (c *Client) onEvent(e negotiator.Event) {
	switch e.Kind {
	case negotiator.EventState:
		c.log.Debug("Connection state", zap.String("remote", string(e.Remote)), zap.Stringer("state", e.State))
		// An established connection that fails has no pending call to retry.
		if e.State == negotiator.Failed && c.call == nil {
			c.scheduleRetry()
		}

	case negotiator.EventControl:
		if c.control != nil && c.control != e.Control {
			_ = c.control.Close()
		}
		c.control = e.Control
		for _, msg := range c.machine.Replay() {
			c.sendControl(msg)
		}

	case negotiator.EventTrack:
		go drainTrack(e.Track)
	}
}

func (c *Client) onControl(msg control.Message) {
	if !c.machine.Apply(msg) {
		return
	}
	if c.machine.State() == session.Ending {
		c.startEnding()
	}
}

func (c *Client) onCallResolved() {
	call := c.call
	c.call = nil

	err := call.Err()
	if err == nil {
		c.log.Info("Call connected", zap.String("remote", string(call.Remote())))
		return
	}
	c.log.Warn("Call failed", zap.String("remote", string(call.Remote())), zap.Error(err))
	c.scheduleRetry()
}

func (c *Client) scheduleRetry() {
	if c.config.Role != session.Driver || c.config.RetryInterval <= 0 || c.retryTimer != nil {
		return
	}
	c.retryTimer = time.NewTimer(c.config.RetryInterval)
}

// initiate calls the remote unless a connection is already up or pending.
func (c *Client) initiate(ctx context.Context) {
	if c.config.Role != session.Driver || c.channel == nil {
		return
	}
	if state, ok := c.negotiator.State(c.config.RemoteID); ok && (state == negotiator.Connected || state.Pending()) {
		return
	}

	var local negotiator.TrackSource
	if c.stream != nil {
		local = c.stream
	}
	call, err := c.negotiator.InitiateCall(ctx, c.config.RemoteID, local)
	if err != nil {
		c.log.Warn("Initiating call failed", zap.String("remote", string(c.config.RemoteID)), zap.Error(err))
		return
	}
	c.call = call
	select {
	case c.calls <- call:
	default:
	}
}

// sendControl sends msg on the control channel. Without a usable channel the
// message is dropped: the next channel starts with a replay of the state.
func (c *Client) sendControl(msg control.Message) {
	if c.control == nil {
		c.log.Debug("No control channel, state is replayed on the next one", zap.String("type", string(msg.Type)))
		return
	}
	if err := c.control.Send(msg); err != nil {
		c.log.Warn("Sending control message failed", zap.String("type", string(msg.Type)), zap.Error(err))
		_ = c.control.Close()
		c.control = nil
	}
}

func (c *Client) startEnding() {
	if c.endingTimer != nil {
		c.endingTimer.Stop()
	}
	c.endingTimer = time.NewTimer(c.config.EndingTimeout)
}

// do runs fn on the loop.
func (c *Client) do(ctx context.Context, fn func(ctx context.Context)) error {
	done := make(chan struct{})
	select {
	case c.commands <- func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
	<-done
	return nil
}

// Dial re-initiates the call to the remote after a failure.
func (c *Client) Dial(ctx context.Context) error {
	return c.do(ctx, c.initiate)
}

// Reset returns an ended session to Intro before the ending timeout.
func (c *Client) Reset(ctx context.Context) (bool, error) {
	var changed bool
	err := c.do(ctx, func(context.Context) {
		changed = c.machine.Reset()
		if changed && c.endingTimer != nil {
			c.endingTimer.Stop()
			c.endingTimer = nil
		}
	})
	return changed, err
}

// StartGuide moves the driver from Intro to Guide and tells the follower.
func (c *Client) StartGuide(ctx context.Context) (bool, error) {
	var changed bool
	err := c.do(ctx, func(context.Context) {
		var msg control.Message
		if msg, changed = c.machine.StartGuide(); changed {
			c.sendControl(msg)
		}
	})
	return changed, err
}

// StartRecording moves the driver from Guide to Recording, starts the
// recorder and tells the follower.
func (c *Client) StartRecording(ctx context.Context) (bool, error) {
	var changed bool
	var recErr error
	err := c.do(ctx, func(context.Context) {
		if c.machine.Role() != session.Driver || c.machine.State() != session.Guide {
			return
		}
		if recErr = c.config.Recorder.Start(); recErr != nil {
			return
		}
		c.clip = nil

		var msg control.Message
		if msg, changed = c.machine.StartRecording(); changed {
			c.sendControl(msg)
			c.recordingTimer = time.NewTimer(c.config.MaxRecording)
		}
	})
	if err != nil {
		return false, err
	}
	return changed, recErr
}

// FinishRecording stops the recorder, uploads the clip and moves both
// devices to Ending with the clip URL. On upload failure the follower is
// told through upload-status error and the call may be repeated.
func (c *Client) FinishRecording(ctx context.Context) (string, error) {
	var clip []byte
	var stepErr error
	err := c.do(ctx, func(context.Context) {
		if c.machine.Role() != session.Driver || c.machine.State() != session.Recording {
			stepErr = errors.Errorf("no recording in progress (state %s)", c.machine.State())
			return
		}
		if c.uploading {
			stepErr = ErrUploadInProgress
			return
		}
		if c.config.Uploader == nil {
			stepErr = errors.New("no uploader configured")
			return
		}
		if c.recordingTimer != nil {
			c.recordingTimer.Stop()
			c.recordingTimer = nil
		}
		if c.clip == nil {
			c.clip, stepErr = c.config.Recorder.Stop()
			if stepErr != nil {
				return
			}
		}
		clip = c.clip
		c.uploading = true
		if msg, ok := c.machine.SetUploading(control.UploadStart); ok {
			c.sendControl(msg)
		}
	})
	if err != nil {
		return "", err
	}
	if stepErr != nil {
		return "", stepErr
	}

	url, uploadErr := c.config.Uploader.Upload(ctx, clip, c.config.UploadOptions)

	// The result is applied even if ctx ended during the upload, otherwise
	// the recording would stay locked.
	err = c.do(context.WithoutCancel(ctx), func(context.Context) {
		c.uploading = false
		if uploadErr != nil {
			if msg, ok := c.machine.SetUploading(control.UploadError); ok {
				c.sendControl(msg)
			}
			return
		}
		if msg, ok := c.machine.SetUploading(control.UploadComplete); ok {
			c.sendControl(msg)
		}
		if msg, ok := c.machine.FinishRecording(url); ok {
			c.sendControl(msg)
			c.clip = nil
			c.startEnding()
		}
	})
	if uploadErr != nil {
		return "", uploadErr
	}
	if err != nil {
		return "", err
	}
	return url, nil
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// drainTrack reads a remote track so its buffers never fill up.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
