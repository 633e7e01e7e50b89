package supervisor_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/haneulee/HEAD-plaza/pkg/relay"
	"github.com/haneulee/HEAD-plaza/pkg/signal"
	"github.com/haneulee/HEAD-plaza/pkg/signaling"
	"github.com/haneulee/HEAD-plaza/pkg/supervisor"
)

const identity signal.PeerID = "viewer-1"

func next(t *testing.T, s *supervisor.Supervisor) supervisor.Status {
	t.Helper()

	select {
	case status := <-s.Statuses():
		return status
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no status")
		return supervisor.Status{}
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	requireT := require.New(t)

	srv := relay.NewServer(relay.Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/myapp"

	s := supervisor.New(supervisor.Config{
		Backoff: 50 * time.Millisecond,
		Dial: func(ctx context.Context) (*signaling.Channel, error) {
			return signaling.Dial(ctx, signaling.Config{URL: url, Identity: identity})
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(ctx)
	}()

	var last *signaling.Channel
	for cycle := 1; cycle <= 3; cycle++ {
		status := next(t, s)
		requireT.Equal(supervisor.Connected, status.State)
		requireT.Equal(uint64(cycle), status.Epoch)
		requireT.NotNil(status.Channel)
		requireT.LessOrEqual(srv.OpenSockets(identity), 1)
		last = status.Channel

		requireT.True(srv.Disconnect(identity))

		status = next(t, s)
		requireT.Equal(supervisor.Reconnecting, status.State)
		requireT.Equal(1, status.Attempt)
		requireT.True(signaling.IsKind(status.Err, signaling.KindClosed))
		requireT.LessOrEqual(srv.OpenSockets(identity), 1)
	}

	status := next(t, s)
	requireT.Equal(supervisor.Connected, status.State)
	requireT.Equal(uint64(4), status.Epoch)
	requireT.Equal(status, s.Current())
	requireT.Equal(1, srv.OpenSockets(identity))
	requireT.NotSame(last, status.Channel)

	cancel()
	requireT.ErrorIs(<-runErr, context.Canceled)

	<-status.Channel.Done()
	requireT.Eventually(func() bool {
		return srv.OpenSockets(identity) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCountsFailedAttempts(t *testing.T) {
	requireT := require.New(t)

	var dials atomic.Int32
	errRefused := errors.New("refused")
	s := supervisor.New(supervisor.Config{
		Backoff: 10 * time.Millisecond,
		Dial: func(ctx context.Context) (*signaling.Channel, error) {
			dials.Add(1)
			return nil, errRefused
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = s.Run(ctx)
	}()

	for attempt := 1; attempt <= 3; attempt++ {
		status := next(t, s)
		requireT.Equal(supervisor.Reconnecting, status.State)
		requireT.Equal(attempt, status.Attempt)
		requireT.ErrorIs(status.Err, errRefused)
	}
}

func TestCancelStopsBackoff(t *testing.T) {
	requireT := require.New(t)

	s := supervisor.New(supervisor.Config{
		Backoff: time.Hour,
		Dial: func(ctx context.Context) (*signaling.Channel, error) {
			return nil, errors.New("refused")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(ctx)
	}()

	next(t, s)
	cancel()

	select {
	case err := <-runErr:
		requireT.ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		requireT.FailNow("backoff timer not cancelled")
	}
}
