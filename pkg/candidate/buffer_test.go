package candidate_test

import (
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/haneulee/HEAD-plaza/pkg/candidate"
)

func cand(i int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 %d typ host", i, 50000+i),
	}
}

func TestFlushPreservesPushOrder(t *testing.T) {
	requireT := require.New(t)

	for _, n := range []int{1, 2, 7, 64} {
		b := candidate.New()
		var pushed []string
		for i := range n {
			c := cand(i)
			pushed = append(pushed, c.Candidate)
			b.Push(c)
		}
		requireT.Equal(n, b.Len())

		var applied []string
		requireT.NoError(b.Flush(func(c webrtc.ICECandidateInit) error {
			applied = append(applied, c.Candidate)
			return nil
		}))
		requireT.Equal(pushed, applied)
		requireT.Zero(b.Len())
	}
}

func TestFlushEmptyIsNoop(t *testing.T) {
	requireT := require.New(t)

	b := candidate.New()
	calls := 0
	requireT.NoError(b.Flush(func(webrtc.ICECandidateInit) error {
		calls++
		return nil
	}))
	requireT.Zero(calls)

	b.Push(cand(1))
	requireT.NoError(b.Flush(func(webrtc.ICECandidateInit) error { return nil }))
	requireT.NoError(b.Flush(func(webrtc.ICECandidateInit) error {
		calls++
		return nil
	}))
	requireT.Zero(calls)
}

func TestDuplicatesAreKept(t *testing.T) {
	requireT := require.New(t)

	b := candidate.New()
	b.Push(cand(1))
	b.Push(cand(1))
	b.Push(cand(2))

	var applied []string
	requireT.NoError(b.Flush(func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	}))
	requireT.Equal([]string{cand(1).Candidate, cand(1).Candidate, cand(2).Candidate}, applied)
}

func TestFlushAttemptsEveryCandidate(t *testing.T) {
	requireT := require.New(t)

	b := candidate.New()
	for i := range 4 {
		b.Push(cand(i))
	}

	errBad := errors.New("bad candidate")
	attempted := 0
	err := b.Flush(func(c webrtc.ICECandidateInit) error {
		attempted++
		if c.Candidate == cand(1).Candidate || c.Candidate == cand(3).Candidate {
			return errBad
		}
		return nil
	})
	requireT.Equal(4, attempted)
	requireT.Len(multierr.Errors(err), 2)
	requireT.Zero(b.Len())
}

func TestPushAfterFlushStartsNewQueue(t *testing.T) {
	requireT := require.New(t)

	b := candidate.New()
	b.Push(cand(1))
	requireT.NoError(b.Flush(func(c webrtc.ICECandidateInit) error {
		b.Push(cand(2))
		return nil
	}))
	requireT.Equal(1, b.Len())
}
