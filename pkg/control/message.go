// Package control implements the application protocol carried over the
// ordered data channel between driver and follower.
package control

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Label is the data channel label used for control traffic.
const Label = "control"

// Type identifies a control message.
type Type string

// Control message types.
const (
	TypeStartGuide     Type = "start-guide"
	TypeStartRecording Type = "start-recording"
	TypeRecordedVideo  Type = "recorded-video"
	TypeUploadStatus   Type = "upload-status"
)

// UploadStatus is the payload of upload-status messages.
type UploadStatus string

// Upload states reported by the driver.
const (
	UploadStart    UploadStatus = "start"
	UploadComplete UploadStatus = "complete"
	UploadError    UploadStatus = "error"
)

// Message is a control message. Only the fields of its type are set.
type Message struct {
	Type   Type         `json:"type"`
	URL    string       `json:"url,omitempty"`
	Status UploadStatus `json:"status,omitempty"`
}

// StartGuide returns a start-guide message.
func StartGuide() Message {
	return Message{Type: TypeStartGuide}
}

// StartRecording returns a start-recording message.
func StartRecording() Message {
	return Message{Type: TypeStartRecording}
}

// RecordedVideo returns a recorded-video message for url.
func RecordedVideo(url string) Message {
	return Message{Type: TypeRecordedVideo, URL: url}
}

// Upload returns an upload-status message.
func Upload(status UploadStatus) Message {
	return Message{Type: TypeUploadStatus, Status: status}
}

// Known reports whether t belongs to the protocol.
func (t Type) Known() bool {
	switch t {
	case TypeStartGuide, TypeStartRecording, TypeRecordedVideo, TypeUploadStatus:
		return true
	default:
		return false
	}
}

// Validate checks the payload of a known message.
func (m Message) Validate() error {
	switch m.Type {
	case TypeStartGuide, TypeStartRecording:
		return nil
	case TypeRecordedVideo:
		if m.URL == "" {
			return errors.New("recorded-video without url")
		}
		return nil
	case TypeUploadStatus:
		switch m.Status {
		case UploadStart, UploadComplete, UploadError:
			return nil
		default:
			return errors.Errorf("invalid upload status %q", m.Status)
		}
	default:
		return errors.Errorf("unknown control message type %q", m.Type)
	}
}

// Encode serializes m as {type, ...payload}.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

// Decode parses a control frame. Frames with an unknown type return ok ==
// false and no error so newer peers can add messages.
func Decode(data []byte) (msg Message, ok bool, err error) {
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false, errors.Wrap(err, "decoding control message")
	}
	if !msg.Type.Known() {
		return Message{}, false, nil
	}
	if err := msg.Validate(); err != nil {
		return Message{}, false, err
	}
	return msg, true, nil
}
