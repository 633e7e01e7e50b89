package media_test

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/haneulee/HEAD-plaza/pkg/media"
)

func TestAcquireFallsBackInOrder(t *testing.T) {
	requireT := require.New(t)

	var tried []media.Constraints
	dev := &media.SyntheticDevice{
		Fail: func(c media.Constraints) *media.MediaAccessError {
			tried = append(tried, c)
			switch {
			case c.Width > 0:
				return &media.MediaAccessError{Kind: media.KindOverconstrained}
			case c.Video:
				return &media.MediaAccessError{Kind: media.KindNotFound}
			default:
				return nil
			}
		},
	}

	stream, err := media.Acquire(context.Background(), dev, nil, nil)
	requireT.NoError(err)
	defer stream.Stop()

	requireT.Equal(media.DefaultFallback, tried)
	requireT.Equal(media.Constraints{Audio: true}, stream.Constraints())
	requireT.Len(stream.Tracks(), 1)
	requireT.Equal(webrtc.RTPCodecTypeAudio, stream.Tracks()[0].Kind())
}

func TestAcquireStopsOnPermissionDenied(t *testing.T) {
	requireT := require.New(t)

	calls := 0
	dev := &media.SyntheticDevice{
		Fail: func(c media.Constraints) *media.MediaAccessError {
			calls++
			return &media.MediaAccessError{Kind: media.KindPermissionDenied}
		},
	}

	_, err := media.Acquire(context.Background(), dev, nil, nil)
	var mErr *media.MediaAccessError
	requireT.ErrorAs(err, &mErr)
	requireT.Equal(media.KindPermissionDenied, mErr.Kind)
	requireT.Equal(media.DefaultFallback[0], mErr.Constraints)
	requireT.NotEmpty(mErr.Hint())
	requireT.Equal(1, calls)
	requireT.Zero(dev.Active())
}

func TestAcquireReportsLastError(t *testing.T) {
	requireT := require.New(t)

	dev := &media.SyntheticDevice{
		Fail: func(c media.Constraints) *media.MediaAccessError {
			return &media.MediaAccessError{Kind: media.KindNotFound}
		},
	}

	_, err := media.Acquire(context.Background(), dev, nil, nil)
	var mErr *media.MediaAccessError
	requireT.ErrorAs(err, &mErr)
	requireT.Equal(media.Constraints{Audio: true}, mErr.Constraints)
}

func TestStopReleasesDevice(t *testing.T) {
	requireT := require.New(t)

	rec := &media.MemoryRecorder{}
	dev := &media.SyntheticDevice{ID: "driver", Sink: rec}

	stream, err := dev.Open(context.Background(), media.DefaultFallback[0])
	requireT.NoError(err)
	requireT.Len(stream.Tracks(), 2)
	requireT.Equal(1, dev.Active())
	requireT.True(stream.Live())

	requireT.NoError(rec.Start())
	time.Sleep(100 * time.Millisecond)
	clip, err := rec.Stop()
	requireT.NoError(err)
	requireT.NotEmpty(clip)

	stream.Stop()
	stream.Stop()
	requireT.False(stream.Live())
	requireT.Zero(dev.Active())
}

func TestRecorder(t *testing.T) {
	requireT := require.New(t)

	rec := &media.MemoryRecorder{}
	_, err := rec.Write([]byte("ignored"))
	requireT.NoError(err)

	_, err = rec.Stop()
	requireT.ErrorIs(err, media.ErrNotRecording)

	requireT.NoError(rec.Start())
	requireT.Error(rec.Start())
	_, err = rec.Write([]byte("clip"))
	requireT.NoError(err)

	clip, err := rec.Stop()
	requireT.NoError(err)
	requireT.Equal([]byte("clip"), clip)
}
