// Package upload stores recorded clips and returns a URL they can be
// played back from.
package upload

import (
	"context"
	"fmt"
)

// ResourceKind is the kind of asset uploaded.
type ResourceKind string

// Resource kinds.
const (
	ResourceVideo ResourceKind = "video"
	ResourceImage ResourceKind = "image"
	ResourceRaw   ResourceKind = "raw"
)

// DefaultQuality is the delivery quality hint used when none is set.
const DefaultQuality = "auto:low"

// Options are the named upload options.
type Options struct {
	Quality      string
	ResourceKind ResourceKind
}

func (o Options) withDefaults() Options {
	if o.Quality == "" {
		o.Quality = DefaultQuality
	}
	if o.ResourceKind == "" {
		o.ResourceKind = ResourceVideo
	}
	return o
}

// Uploader turns clip bytes into a retrievable URL.
type Uploader interface {
	Upload(ctx context.Context, clip []byte, opts Options) (string, error)
}

// UploadError is returned when a clip could not be stored.
type UploadError struct {
	Backend string
	Status  int
	Err     error
}

func (e *UploadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s upload failed (%d): %v", e.Backend, e.Status, e.Err)
	}
	return fmt.Sprintf("%s upload failed: %v", e.Backend, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
