// Package sidechannel holds the per-session reference to the outbound data
// channel and the non-blocking send used by pipelines.
package sidechannel

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Channel is the part of a data channel the gate needs.
// *webrtc.DataChannel satisfies it.
type Channel interface {
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
}

// Outcome reports what happened to a single send attempt
type Outcome int

const (
	Sent Outcome = iota
	NoChannel
	NotOpen
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case NoChannel:
		return "no_channel"
	case NotOpen:
		return "not_open"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// TrySend transmits payload when ch is open. A nil or non-open channel is not
// an error. The payload is handed to the transport once; there is no retry.
func TrySend(ch Channel, payload []byte) (Outcome, error) {
	if ch == nil {
		return NoChannel, nil
	}
	if ch.ReadyState() != webrtc.DataChannelStateOpen {
		return NotOpen, nil
	}
	if err := ch.Send(payload); err != nil {
		return Failed, err
	}
	return Sent, nil
}

type holder struct {
	ch Channel
}

// Slot is the session's current data channel. Writers replace it atomically;
// readers get a consistent snapshot.
type Slot struct {
	p atomic.Pointer[holder]
}

// Store replaces the current channel
func (s *Slot) Store(ch Channel) {
	if ch == nil {
		s.p.Store(nil)
		return
	}
	s.p.Store(&holder{ch: ch})
}

// Load returns the current channel, or nil
func (s *Slot) Load() Channel {
	h := s.p.Load()
	if h == nil {
		return nil
	}
	return h.ch
}

// Clear empties the slot only if it still holds ch
func (s *Slot) Clear(ch Channel) bool {
	for {
		h := s.p.Load()
		if h == nil || h.ch != ch {
			return false
		}
		if s.p.CompareAndSwap(h, nil) {
			return true
		}
	}
}

// TrySend sends payload on the channel currently held by the slot
func (s *Slot) TrySend(payload []byte) (Outcome, error) {
	return TrySend(s.Load(), payload)
}
