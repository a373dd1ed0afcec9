// Package rtc wraps the peer connection behind a small interface so the
// session state machine can be driven with fakes in tests.
//
// The wrapper exposes exactly the surface the call flow needs: offer/answer
// creation, trickle candidates in both directions, track attachment, state
// change notification and the inbound receive counters the quality monitor
// samples.
package rtc

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/loqui-im/callkit/quality"
)

// Sentinel errors for peer connection operations.
var (
	// ErrPeerClosed indicates an operation on a closed peer connection.
	ErrPeerClosed = errors.New("peer connection closed")

	// ErrBadCandidate indicates a candidate payload that could not be
	// parsed.
	ErrBadCandidate = errors.New("malformed ice candidate")
)

// State is the coarse connection state surfaced to the session state
// machine.
type State int

const (
	// StateNew is the initial state before ICE starts.
	StateNew State = iota
	// StateConnecting means ICE/DTLS negotiation is in progress.
	StateConnecting
	// StateConnected means media can flow.
	StateConnected
	// StateDisconnected means connectivity was lost but may recover.
	StateDisconnected
	// StateFailed means the connection is not recoverable.
	StateFailed
	// StateClosed means the connection was shut down locally.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender is the outbound track sender returned by AddTrack. The media
// controller substitutes tracks through it during screen share.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerConnection is one peer connection for one call.
type PeerConnection interface {
	// CreateOffer produces the local offer SDP and installs it as the
	// local description, which starts candidate gathering.
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer installs the remote offer and produces the local
	// answer SDP.
	CreateAnswer(ctx context.Context, remoteOfferSDP string) (string, error)

	// SetRemoteAnswer installs the remote answer on the offering side.
	SetRemoteAnswer(sdp string) error

	// AddICECandidate applies one remote trickle candidate, serialized as
	// its JSON form.
	AddICECandidate(candidate string) error

	// AddTrack attaches an outbound track and returns its sender.
	AddTrack(track webrtc.TrackLocal) (Sender, error)

	// OnICECandidate registers a handler for locally gathered candidates
	// in their JSON form. Must be set before CreateOffer/CreateAnswer.
	OnICECandidate(fn func(candidate string))

	// OnTrack registers a handler for inbound remote tracks.
	OnTrack(fn func(track *webrtc.TrackRemote))

	// OnStateChange registers a handler for connection state changes.
	OnStateChange(fn func(state State))

	// InboundVideoSample returns the cumulative inbound video receive
	// counters, or false before the first report exists.
	InboundVideoSample() (quality.Sample, bool)

	// Close shuts the connection down. Safe to call more than once.
	Close() error
}

// Factory creates peer connections. One call consumes one connection.
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}
