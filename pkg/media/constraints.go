// Package media acquires the local capture stream and records clips.
package media

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Facing selects the camera direction.
type Facing string

// Camera directions.
const (
	FacingAny         Facing = ""
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Constraints describe the stream requested from a capture device. Zero
// Width and Height leave the resolution unconstrained.
type Constraints struct {
	Video  bool
	Width  int
	Height int
	Facing Facing
	Audio  bool
}

func (c Constraints) String() string {
	if !c.Video {
		return fmt.Sprintf("audio=%t", c.Audio)
	}
	return fmt.Sprintf("video=%dx%d facing=%q audio=%t", c.Width, c.Height, c.Facing, c.Audio)
}

// DefaultFallback is tried in order: the ideal camera setup, any camera,
// then audio only.
var DefaultFallback = []Constraints{
	{Video: true, Width: 1280, Height: 720, Facing: FacingEnvironment, Audio: true},
	{Video: true, Audio: true},
	{Audio: true},
}

// ErrorKind classifies capture failures.
type ErrorKind string

// Capture failure kinds.
const (
	KindPermissionDenied ErrorKind = "permissionDenied"
	KindNotFound         ErrorKind = "notFound"
	KindNotReadable      ErrorKind = "notReadable"
	KindOverconstrained  ErrorKind = "overconstrained"
)

// MediaAccessError reports why a capture device could not be opened.
type MediaAccessError struct {
	Kind        ErrorKind
	Constraints Constraints
	Err         error
}

func (e *MediaAccessError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media access %s (%s)", e.Kind, e.Constraints)
	}
	return fmt.Sprintf("media access %s (%s): %v", e.Kind, e.Constraints, e.Err)
}

func (e *MediaAccessError) Unwrap() error {
	return e.Err
}

// Hint is the remediation shown to the operator.
func (e *MediaAccessError) Hint() string {
	switch e.Kind {
	case KindPermissionDenied:
		return "Allow camera and microphone access for this device and restart."
	case KindNotFound:
		return "Connect a camera or microphone."
	case KindNotReadable:
		return "Close other applications using the camera and try again."
	case KindOverconstrained:
		return "The camera does not support the requested resolution."
	default:
		return "Check the capture device."
	}
}

// Retryable reports whether a narrower constraint set may succeed.
func (e *MediaAccessError) Retryable() bool {
	return e.Kind == KindNotFound || e.Kind == KindOverconstrained
}

// Acquire opens dev with each constraint set of chain in order and returns
// the first stream. It stops at the first error a narrower set cannot fix.
func Acquire(ctx context.Context, dev Device, chain []Constraints, log *zap.Logger) (*Stream, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(chain) == 0 {
		chain = DefaultFallback
	}

	var lastErr error
	for _, c := range chain {
		stream, err := dev.Open(ctx, c)
		if err == nil {
			log.Info("Capture acquired", zap.Stringer("constraints", c))
			return stream, nil
		}
		lastErr = err

		var mErr *MediaAccessError
		if !errors.As(err, &mErr) {
			return nil, err
		}
		log.Warn("Capture failed", zap.Stringer("constraints", c), zap.String("kind", string(mErr.Kind)), zap.Error(err))
		if !mErr.Retryable() {
			return nil, err
		}
	}
	return nil, lastErr
}
