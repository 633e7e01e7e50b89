package media

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	audioFrameInterval = 20 * time.Millisecond
	audioFrameSamples  = 960 // 20ms at 48kHz
	videoFrameInterval = time.Second / 30
	videoFrameTicks    = 90000 / 30

	opusPayloadType = 111
	vp8PayloadType  = 96
)

var (
	// Opus TOC byte for a silence frame followed by padding.
	opusSilence = []byte{0xFC, 0xFF, 0xFE}

	// VP8 payload descriptor with the start bit set and an empty frame.
	vp8Blank = []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a}
)

// SyntheticDevice is a capture device without hardware. It produces silent
// Opus audio and blank VP8 video as RTP, which is enough to carry a session
// end to end on installations and in tests.
type SyntheticDevice struct {
	// ID prefixes the track and stream identifiers.
	ID string

	// Fail, when set, is consulted before opening and may refuse the
	// constraints.
	Fail func(c Constraints) *MediaAccessError

	// Sink receives every generated payload, e.g. a Recorder.
	Sink io.Writer

	Logger *zap.Logger

	active atomic.Int32
}

// Active returns the number of streams currently holding the device.
func (d *SyntheticDevice) Active() int {
	return int(d.active.Load())
}

// Open starts generating tracks for c.
func (d *SyntheticDevice) Open(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if d.Fail != nil {
		if mErr := d.Fail(c); mErr != nil {
			mErr.Constraints = c
			return nil, mErr
		}
	}
	if !c.Video && !c.Audio {
		return nil, &MediaAccessError{Kind: KindOverconstrained, Constraints: c, Err: errors.New("no media requested")}
	}

	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	id := d.ID
	if id == "" {
		id = "synthetic"
	}

	var tracks []webrtc.TrackLocal
	var generators []*generator

	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}, "audio-"+id, "stream-"+id)
		if err != nil {
			return nil, errors.Wrap(err, "creating audio track")
		}
		tracks = append(tracks, track)
		generators = append(generators, &generator{
			track:       track,
			payloadType: opusPayloadType,
			interval:    audioFrameInterval,
			ticks:       audioFrameSamples,
			payload:     opusSilence,
		})
	}
	if c.Video {
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video-"+id, "stream-"+id)
		if err != nil {
			return nil, errors.Wrap(err, "creating video track")
		}
		tracks = append(tracks, track)
		generators = append(generators, &generator{
			track:       track,
			payloadType: vp8PayloadType,
			interval:    videoFrameInterval,
			ticks:       videoFrameTicks,
			payload:     vp8Blank,
			marker:      true,
		})
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, g := range generators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.run(done, d.Sink, log)
		}()
	}

	d.active.Add(1)
	return NewStream(c, tracks, func() {
		close(done)
		wg.Wait()
		d.active.Add(-1)
		log.Debug("Synthetic capture stopped", zap.String("id", id))
	}), nil
}

type generator struct {
	track       *webrtc.TrackLocalStaticRTP
	payloadType uint8
	interval    time.Duration
	ticks       uint32
	payload     []byte
	marker      bool

	seqNum    uint16
	timestamp uint32
}

func (g *generator) run(done <-chan struct{}, sink io.Writer, log *zap.Logger) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			packet := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Marker:         g.marker,
					PayloadType:    g.payloadType,
					SequenceNumber: g.seqNum,
					Timestamp:      g.timestamp,
				},
				Payload: g.payload,
			}
			g.seqNum++
			g.timestamp += g.ticks

			if err := g.track.WriteRTP(packet); err != nil {
				log.Warn("Write error", zap.String("track", g.track.ID()), zap.Error(err))
				return
			}
			if sink != nil {
				if _, err := sink.Write(g.payload); err != nil {
					log.Debug("Sink write failed", zap.Error(err))
				}
			}
		}
	}
}
