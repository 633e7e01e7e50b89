package client_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pion/transport/v3/test"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/haneulee/HEAD-plaza/client"
	"github.com/haneulee/HEAD-plaza/pkg/media"
	"github.com/haneulee/HEAD-plaza/pkg/negotiator"
	"github.com/haneulee/HEAD-plaza/pkg/relay"
	"github.com/haneulee/HEAD-plaza/pkg/session"
	"github.com/haneulee/HEAD-plaza/pkg/signal"
	"github.com/haneulee/HEAD-plaza/pkg/upload"
)

const (
	driverID   signal.PeerID = "camera-1"
	followerID signal.PeerID = "viewer-1"
)

func startRelay(t *testing.T) (*relay.Server, string) {
	t.Helper()

	srv := relay.NewServer(relay.Config{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/myapp"
}

func baseConfig(url string) client.Config {
	return client.Config{
		RelayURL:         url,
		ICEServers:       []webrtc.ICEServer{},
		IncludeLoopback:  true,
		NetworkTypes:     []webrtc.NetworkType{webrtc.NetworkTypeUDP4},
		ReconnectBackoff: 100 * time.Millisecond,
		RetryInterval:    200 * time.Millisecond,
		EndingTimeout:    500 * time.Millisecond,
	}
}

// runDevices runs the devices until the returned stop function is called or
// the test ends.
func runDevices(t *testing.T, devices ...*client.Client) (context.Context, func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), zap.NewNop()))
	group := parallel.NewGroup(ctx)
	for _, d := range devices {
		group.Spawn(string(d.ID()), parallel.Fail, d.Run)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			group.Exit(nil)
			_ = group.Wait()
			cancel()
		})
	}
	t.Cleanup(stop)
	return ctx, stop
}

func waitFor(t *testing.T, c *client.Client, expected session.State) session.Snapshot {
	t.Helper()

	require.Eventually(t, func() bool {
		return c.Snapshot().State == expected
	}, 15*time.Second, 20*time.Millisecond, "waiting for %s", expected)
	return c.Snapshot()
}

func TestDriverAndFollowerRunASession(t *testing.T) {
	lim := test.TimeOut(60 * time.Second)
	defer lim.Stop()

	requireT := require.New(t)
	_, url := startRelay(t)

	rec := &media.MemoryRecorder{}
	camera := &media.SyntheticDevice{ID: string(driverID), Sink: rec}

	driverConfig := baseConfig(url)
	driverConfig.Identity = driverID
	driverConfig.Role = session.Driver
	driverConfig.RemoteID = followerID
	driverConfig.Capture = camera
	driverConfig.Recorder = rec
	driverConfig.Uploader = upload.NewDisk(t.TempDir(), "http://localhost/clips", nil)
	driver, err := client.New(driverConfig)
	requireT.NoError(err)

	followerConfig := baseConfig(url)
	followerConfig.Identity = followerID
	followerConfig.Role = session.Follower
	follower, err := client.New(followerConfig)
	requireT.NoError(err)

	ctx, stop := runDevices(t, follower, driver)

	waitFor(t, follower, session.Intro)
	waitFor(t, driver, session.Intro)
	requireT.Equal(1, camera.Active())

	changed, err := driver.StartGuide(ctx)
	requireT.NoError(err)
	requireT.True(changed)
	waitFor(t, follower, session.Guide)

	// Repeated local input changes nothing.
	changed, err = driver.StartGuide(ctx)
	requireT.NoError(err)
	requireT.False(changed)

	changed, err = driver.StartRecording(ctx)
	requireT.NoError(err)
	requireT.True(changed)
	waitFor(t, follower, session.Recording)

	time.Sleep(100 * time.Millisecond)
	clipURL, err := driver.FinishRecording(ctx)
	requireT.NoError(err)
	requireT.True(strings.HasPrefix(clipURL, "http://localhost/clips/video-"))

	snap := waitFor(t, follower, session.Ending)
	requireT.Equal(clipURL, snap.VideoURL)
	requireT.False(snap.Uploading)

	waitFor(t, follower, session.Intro)
	waitFor(t, driver, session.Intro)

	stop()

	requireT.Zero(camera.Active())
	_, err = driver.StartGuide(context.Background())
	requireT.ErrorIs(err, client.ErrStopped)
}

type failingUploader struct{}

func (failingUploader) Upload(context.Context, []byte, upload.Options) (string, error) {
	return "", &upload.UploadError{Backend: "test", Status: 500}
}

func TestUploadFailureKeepsRecording(t *testing.T) {
	requireT := require.New(t)
	_, url := startRelay(t)

	config := baseConfig(url)
	config.Identity = driverID
	config.Role = session.Driver
	config.RemoteID = followerID
	config.RetryInterval = 0
	config.Uploader = failingUploader{}
	driver, err := client.New(config)
	requireT.NoError(err)

	ctx, _ := runDevices(t, driver)

	waitFor(t, driver, session.Intro)
	_, err = driver.StartGuide(ctx)
	requireT.NoError(err)
	_, err = driver.StartRecording(ctx)
	requireT.NoError(err)

	_, err = driver.FinishRecording(ctx)
	var uErr *upload.UploadError
	requireT.ErrorAs(err, &uErr)

	snap := driver.Snapshot()
	requireT.Equal(session.Recording, snap.State)
	requireT.False(snap.Uploading)
}

func TestSignalingDropRebindsPendingCall(t *testing.T) {
	lim := test.TimeOut(60 * time.Second)
	defer lim.Stop()

	requireT := require.New(t)
	srv, url := startRelay(t)

	// A follower that registers but never answers keeps the call pending.
	silent, _, err := websocket.DefaultDialer.Dial(url+"?id="+string(followerID), nil)
	requireT.NoError(err)
	defer silent.Close()
	var ack signal.Message
	requireT.NoError(silent.ReadJSON(&ack))
	requireT.Equal(signal.TypeOpen, ack.Type)

	offers := make(chan struct{}, 16)
	go func() {
		for {
			var msg signal.Message
			if err := silent.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == signal.TypeOffer {
				offers <- struct{}{}
			}
		}
	}()

	config := baseConfig(url)
	config.Identity = driverID
	config.Role = session.Driver
	config.RemoteID = followerID
	config.RetryInterval = 0
	driver, err := client.New(config)
	requireT.NoError(err)

	ctx, _ := runDevices(t, driver)

	first := <-driver.Calls()
	<-offers

	requireT.True(srv.Disconnect(driverID))

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	requireT.True(negotiator.IsKind(first.Wait(waitCtx), negotiator.KindTimeout))

	second := <-driver.Calls()
	requireT.NotSame(first, second)
	<-offers
	requireT.Equal(1, srv.OpenSockets(driverID))
}

type slowUploader struct {
	uploads atomic.Int32
}

func (u *slowUploader) Upload(ctx context.Context, _ []byte, _ upload.Options) (string, error) {
	u.uploads.Add(1)
	select {
	case <-time.After(300 * time.Millisecond):
		return "https://x/y.webm", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestFinishRecordingUploadsOnce(t *testing.T) {
	requireT := require.New(t)
	_, url := startRelay(t)

	uploader := &slowUploader{}
	config := baseConfig(url)
	config.Identity = driverID
	config.Role = session.Driver
	config.RemoteID = followerID
	config.RetryInterval = 0
	config.EndingTimeout = time.Minute
	config.Capture = &media.SyntheticDevice{ID: string(driverID)}
	config.Uploader = uploader
	driver, err := client.New(config)
	requireT.NoError(err)

	ctx, _ := runDevices(t, driver)

	waitFor(t, driver, session.Intro)
	_, err = driver.StartGuide(ctx)
	requireT.NoError(err)
	_, err = driver.StartRecording(ctx)
	requireT.NoError(err)

	type result struct {
		url string
		err error
	}
	results := make(chan result, 2)
	for range 2 {
		go func() {
			url, err := driver.FinishRecording(ctx)
			results <- result{url: url, err: err}
		}()
	}

	var urls []string
	var busy int
	for range 2 {
		r := <-results
		switch {
		case r.err == nil:
			urls = append(urls, r.url)
		default:
			requireT.ErrorIs(r.err, client.ErrUploadInProgress)
			busy++
		}
	}
	requireT.Equal([]string{"https://x/y.webm"}, urls)
	requireT.Equal(1, busy)
	requireT.EqualValues(1, uploader.uploads.Load())
	requireT.Equal(session.Ending, driver.Snapshot().State)
}

func TestRecordingFinishesAtMaxDuration(t *testing.T) {
	lim := test.TimeOut(60 * time.Second)
	defer lim.Stop()

	requireT := require.New(t)
	_, url := startRelay(t)

	rec := &media.MemoryRecorder{}
	driverConfig := baseConfig(url)
	driverConfig.Identity = driverID
	driverConfig.Role = session.Driver
	driverConfig.RemoteID = followerID
	driverConfig.EndingTimeout = time.Minute
	driverConfig.MaxRecording = 500 * time.Millisecond
	driverConfig.Capture = &media.SyntheticDevice{ID: string(driverID), Sink: rec}
	driverConfig.Recorder = rec
	driverConfig.Uploader = upload.NewDisk(t.TempDir(), "http://localhost/clips", nil)
	driver, err := client.New(driverConfig)
	requireT.NoError(err)

	followerConfig := baseConfig(url)
	followerConfig.Identity = followerID
	followerConfig.Role = session.Follower
	followerConfig.EndingTimeout = time.Minute
	follower, err := client.New(followerConfig)
	requireT.NoError(err)

	ctx, _ := runDevices(t, follower, driver)

	waitFor(t, follower, session.Intro)
	waitFor(t, driver, session.Intro)
	_, err = driver.StartGuide(ctx)
	requireT.NoError(err)
	_, err = driver.StartRecording(ctx)
	requireT.NoError(err)

	// Nobody finishes the recording, the device does.
	snap := waitFor(t, follower, session.Ending)
	requireT.True(strings.HasPrefix(snap.VideoURL, "http://localhost/clips/video-"))
	requireT.Equal(snap.VideoURL, driver.Snapshot().VideoURL)
}
