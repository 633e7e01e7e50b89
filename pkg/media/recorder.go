package media

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"
)

// Recorder captures the clip of one recording.
type Recorder interface {
	Start() error
	Stop() ([]byte, error)
}

// ErrNotRecording is returned by Stop without a matching Start.
var ErrNotRecording = errors.New("not recording")

// MemoryRecorder buffers everything written while recording. Writes outside
// a recording are discarded.
type MemoryRecorder struct {
	mu        sync.Mutex
	recording bool
	buf       bytes.Buffer
}

// Start begins a new clip.
func (r *MemoryRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return errors.New("already recording")
	}
	r.recording = true
	r.buf.Reset()
	return nil
}

// Write implements io.Writer.
func (r *MemoryRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return len(p), nil
	}
	return r.buf.Write(p)
}

// Stop ends the clip and returns its bytes.
func (r *MemoryRecorder) Stop() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return nil, ErrNotRecording
	}
	r.recording = false
	return bytes.Clone(r.buf.Bytes()), nil
}

// Recording reports whether a clip is in progress.
func (r *MemoryRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}
