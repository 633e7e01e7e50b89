// Package session holds the interactive state shared by driver and follower.
// The driver advances it from local input and emits the matching control
// message; the follower advances it only from inbound control messages.
package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/haneulee/HEAD-plaza/pkg/control"
)

// State is the interactive phase of a device.
type State int

// Session states.
const (
	Idle State = iota
	Intro
	Guide
	Recording
	Ending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Intro:
		return "intro"
	case Guide:
		return "guide"
	case Recording:
		return "recording"
	case Ending:
		return "ending"
	default:
		return "unknown"
	}
}

// Role tells whether a device drives the session or follows it.
type Role string

// Device roles.
const (
	Driver   Role = "driver"
	Follower Role = "follower"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == Driver || r == Follower
}

// Snapshot is the observable state of a machine.
type Snapshot struct {
	State     State
	VideoURL  string
	Uploading bool
}

// Transition is published on every state or indicator change.
type Transition struct {
	From Snapshot
	To   Snapshot
}

const subscriberBuffer = 16

// Machine is the session state machine. Transitions whose guard does not
// match are no-ops, so redelivered messages change nothing.
type Machine struct {
	role Role
	log  *zap.Logger

	mu          sync.Mutex
	snap        Snapshot
	subscribers []chan Transition
}

// New creates a machine in Idle.
func New(role Role, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		role: role,
		log:  logger.Named("session").With(zap.String("role", string(role))),
	}
}

// Role returns the device role.
func (m *Machine) Role() Role {
	return m.role
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// State returns the current primary state.
func (m *Machine) State() State {
	return m.Snapshot().State
}

// Uploading reports whether the loading indicator is on.
func (m *Machine) Uploading() bool {
	return m.Snapshot().Uploading
}

// Subscribe returns a stream of transitions. Slow subscribers miss
// transitions rather than block the machine.
func (m *Machine) Subscribe() <-chan Transition {
	ch := make(chan Transition, subscriberBuffer)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Begin moves Idle to Intro once the device is ready.
func (m *Machine) Begin() bool {
	return m.update(func(s *Snapshot) bool {
		if s.State != Idle {
			return false
		}
		s.State = Intro
		return true
	})
}

// Reset returns an ended session to Intro for the next visitor.
func (m *Machine) Reset() bool {
	return m.update(func(s *Snapshot) bool {
		if s.State != Ending {
			return false
		}
		*s = Snapshot{State: Intro}
		return true
	})
}

// StartGuide is the driver's local action for Intro -> Guide. It returns
// the message to send to the follower, ok is false when the guard fails.
func (m *Machine) StartGuide() (control.Message, bool) {
	msg := control.StartGuide()
	return msg, m.driverApply(msg)
}

// StartRecording is the driver's local action for Guide -> Recording.
func (m *Machine) StartRecording() (control.Message, bool) {
	msg := control.StartRecording()
	return msg, m.driverApply(msg)
}

// FinishRecording is the driver's local action for Recording -> Ending
// after the clip was uploaded to url.
func (m *Machine) FinishRecording(url string) (control.Message, bool) {
	msg := control.RecordedVideo(url)
	return msg, m.driverApply(msg)
}

// SetUploading is the driver's local action toggling the loading indicator.
func (m *Machine) SetUploading(status control.UploadStatus) (control.Message, bool) {
	msg := control.Upload(status)
	return msg, m.driverApply(msg)
}

// Replay returns the messages that bring a follower from any state up to
// the driver's current one. The driver sends them on every new control
// channel, so messages lost with a replaced connection are recovered.
func (m *Machine) Replay() []control.Message {
	if m.role != Driver {
		return nil
	}
	snap := m.Snapshot()

	switch snap.State {
	case Guide:
		return []control.Message{control.StartGuide()}
	case Recording:
		status := control.UploadComplete
		if snap.Uploading {
			status = control.UploadStart
		}
		return []control.Message{control.StartGuide(), control.StartRecording(), control.Upload(status)}
	case Ending:
		return []control.Message{control.RecordedVideo(snap.VideoURL)}
	default:
		return nil
	}
}

func (m *Machine) driverApply(msg control.Message) bool {
	if m.role != Driver {
		m.log.Debug("Ignoring local action on follower", zap.String("type", string(msg.Type)))
		return false
	}
	return m.transition(msg)
}

// Apply advances a follower from an inbound control message and reports
// whether anything changed. Drivers ignore inbound messages.
func (m *Machine) Apply(msg control.Message) bool {
	if m.role != Follower {
		m.log.Debug("Ignoring inbound control message on driver", zap.String("type", string(msg.Type)))
		return false
	}
	return m.transition(msg)
}

func (m *Machine) transition(msg control.Message) bool {
	return m.update(func(s *Snapshot) bool {
		switch msg.Type {
		case control.TypeStartGuide:
			if s.State != Intro {
				return false
			}
			s.State = Guide

		case control.TypeStartRecording:
			if s.State != Guide {
				return false
			}
			s.State = Recording

		case control.TypeRecordedVideo:
			// A follower that missed earlier messages still shows the clip.
			switch {
			case msg.URL == "", s.State == Idle:
				return false
			case m.role == Driver && s.State != Recording:
				return false
			case s.State == Ending && s.VideoURL == msg.URL:
				return false
			}
			s.State = Ending
			s.VideoURL = msg.URL
			s.Uploading = false

		case control.TypeUploadStatus:
			uploading := msg.Status == control.UploadStart
			if s.Uploading == uploading {
				return false
			}
			s.Uploading = uploading

		default:
			return false
		}
		return true
	})
}

func (m *Machine) update(fn func(s *Snapshot) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.snap
	if !fn(&m.snap) {
		return false
	}
	t := Transition{From: from, To: m.snap}

	m.log.Info("Session transition",
		zap.Stringer("from", from.State),
		zap.Stringer("to", t.To.State),
		zap.Bool("uploading", t.To.Uploading))

	for _, ch := range m.subscribers {
		select {
		case ch <- t:
		default:
		}
	}
	return true
}
