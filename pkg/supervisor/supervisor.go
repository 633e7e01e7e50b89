// Package supervisor keeps a signaling channel registered, redialing with a
// fixed backoff whenever it is lost.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/haneulee/HEAD-plaza/pkg/signaling"
)

const defaultBackoff = 5 * time.Second

// State is the supervisor's view of the signaling connection.
type State int

// Supervisor states.
const (
	Reconnecting State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "reconnecting"
}

// Status is published on every change. Each Connected status carries a
// fresh registration with a new Epoch.
type Status struct {
	State   State
	Attempt int
	Epoch   uint64
	Channel *signaling.Channel
	Err     error
}

// DialFunc opens and registers a signaling channel.
type DialFunc func(ctx context.Context) (*signaling.Channel, error)

// Config configures a supervisor.
type Config struct {
	Dial    DialFunc
	Backoff time.Duration
	Logger  *zap.Logger
}

// Supervisor owns the signaling channel of a device.
type Supervisor struct {
	config   Config
	log      *zap.Logger
	statuses chan Status

	mu      sync.Mutex
	current Status
}

// New creates a supervisor.
func New(config Config) *Supervisor {
	if config.Backoff <= 0 {
		config.Backoff = defaultBackoff
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		config:   config,
		log:      log.Named("supervisor"),
		statuses: make(chan Status, 1),
	}
}

// Statuses returns the status stream. Run blocks until each status is
// received.
func (s *Supervisor) Statuses() <-chan Status {
	return s.statuses
}

// Current returns the latest status.
func (s *Supervisor) Current() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Run dials, waits for the channel to be lost and redials until ctx is
// done. The open channel is closed on return.
func (s *Supervisor) Run(ctx context.Context) error {
	var epoch uint64
	attempt := 0

	for {
		ch, err := s.config.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			attempt++
			s.log.Warn("Signaling unavailable", zap.Int("attempt", attempt), zap.Error(err))
			if err := s.publish(ctx, Status{State: Reconnecting, Attempt: attempt, Epoch: epoch, Err: err}); err != nil {
				return err
			}
			if err := s.wait(ctx); err != nil {
				return err
			}
			continue
		}

		epoch++
		attempt = 0
		s.log.Info("Signaling registered", zap.Uint64("epoch", epoch))
		if err := s.publish(ctx, Status{State: Connected, Epoch: epoch, Channel: ch}); err != nil {
			_ = ch.Close()
			return err
		}

		select {
		case <-ctx.Done():
			_ = ch.Close()
			return errors.WithStack(ctx.Err())
		case <-ch.Done():
		}

		attempt = 1
		s.log.Warn("Signaling lost", zap.Error(ch.Err()))
		if err := s.publish(ctx, Status{State: Reconnecting, Attempt: attempt, Epoch: epoch, Err: ch.Err()}); err != nil {
			return err
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
}

func (s *Supervisor) publish(ctx context.Context, status Status) error {
	s.mu.Lock()
	s.current = status
	s.mu.Unlock()

	select {
	case s.statuses <- status:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

func (s *Supervisor) wait(ctx context.Context) error {
	timer := time.NewTimer(s.config.Backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-timer.C:
		return nil
	}
}
