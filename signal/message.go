// Package signal defines the call signaling messages exchanged between two
// peers and the transport contract that delivers them.
//
// Signaling is addressed by user identity, not by device: every device a user
// has signed in receives every message addressed to that user. Delivery is
// at-least-once and unordered across message types, so consumers must
// tolerate duplicates and out-of-order candidates.
package signal

import (
	"encoding/json"
	"errors"
	"time"
)

// StalenessWindow is how long a signaling message stays deliverable.
// Messages older than this are dropped by the transport rather than
// delivered, so a client reconnecting after an outage does not see a
// long-dead call ring again.
const StalenessWindow = 120 * time.Second

// Type identifies the kind of signaling message.
type Type string

const (
	// TypeOffer carries a session description proposing a new call.
	TypeOffer Type = "offer"
	// TypeAnswer carries the session description accepting an offer.
	TypeAnswer Type = "answer"
	// TypeCandidate carries one ICE candidate.
	TypeCandidate Type = "candidate"
	// TypeEnd terminates an established or pending call.
	TypeEnd Type = "end"
	// TypeReject declines a pending offer.
	TypeReject Type = "reject"
	// TypeBusy tells the caller the callee cannot take the call.
	TypeBusy Type = "busy"
	// TypeAnsweredElsewhere is broadcast to the answering user's own
	// identity so sibling devices can dismiss their incoming-call state.
	TypeAnsweredElsewhere Type = "answered-elsewhere"
)

// CallKind distinguishes audio-only calls from video calls.
type CallKind string

const (
	// KindAudio is a microphone-only call.
	KindAudio CallKind = "audio"
	// KindVideo is a call with camera video in addition to audio.
	KindVideo CallKind = "video"
)

// Message is the signaling envelope exchanged between two identities.
//
// Wire format is JSON:
//
//	{"type","senderId","receiverId","timestamp","sdp?","candidate?","callType?","deviceId?"}
//
// Timestamp travels as Unix milliseconds. Payload fields are populated per
// type: offer/answer carry SDP, candidate carries Candidate, offer carries
// CallType, answered-elsewhere carries DeviceID.
type Message struct {
	Type       Type      `json:"type"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Timestamp  time.Time `json:"-"`

	SDP       string   `json:"sdp,omitempty"`
	Candidate string   `json:"candidate,omitempty"`
	CallType  CallKind `json:"callType,omitempty"`
	DeviceID  string   `json:"deviceId,omitempty"`
}

// wireMessage mirrors Message with the timestamp as Unix milliseconds.
type wireMessage struct {
	Type       Type     `json:"type"`
	SenderID   string   `json:"senderId"`
	ReceiverID string   `json:"receiverId"`
	Timestamp  int64    `json:"timestamp"`
	SDP        string   `json:"sdp,omitempty"`
	Candidate  string   `json:"candidate,omitempty"`
	CallType   CallKind `json:"callType,omitempty"`
	DeviceID   string   `json:"deviceId,omitempty"`
}

// MarshalJSON encodes the message with a millisecond Unix timestamp.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		Type:       m.Type,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Timestamp:  m.Timestamp.UnixMilli(),
		SDP:        m.SDP,
		Candidate:  m.Candidate,
		CallType:   m.CallType,
		DeviceID:   m.DeviceID,
	})
}

// UnmarshalJSON decodes a message, converting the millisecond timestamp back
// to time.Time.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type == "" {
		return errors.New("signal message missing type")
	}
	m.Type = w.Type
	m.SenderID = w.SenderID
	m.ReceiverID = w.ReceiverID
	m.Timestamp = time.UnixMilli(w.Timestamp)
	m.SDP = w.SDP
	m.Candidate = w.Candidate
	m.CallType = w.CallType
	m.DeviceID = w.DeviceID
	return nil
}

// Validate checks that the message carries the fields its type requires.
func (m Message) Validate() error {
	if m.SenderID == "" {
		return errors.New("signal message missing sender")
	}
	if m.ReceiverID == "" {
		return errors.New("signal message missing receiver")
	}
	switch m.Type {
	case TypeOffer:
		if m.SDP == "" {
			return errors.New("offer missing sdp")
		}
		if m.CallType != KindAudio && m.CallType != KindVideo {
			return errors.New("offer missing call type")
		}
	case TypeAnswer:
		if m.SDP == "" {
			return errors.New("answer missing sdp")
		}
	case TypeCandidate:
		if m.Candidate == "" {
			return errors.New("candidate message missing candidate")
		}
	case TypeAnsweredElsewhere:
		if m.DeviceID == "" {
			return errors.New("answered-elsewhere missing device id")
		}
	case TypeEnd, TypeReject, TypeBusy:
		// No payload.
	default:
		return errors.New("unknown signal message type")
	}
	return nil
}

// Stale reports whether the message has outlived the staleness window at the
// given instant.
func (m Message) Stale(now time.Time) bool {
	return now.Sub(m.Timestamp) > StalenessWindow
}
