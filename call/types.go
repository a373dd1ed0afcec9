package call

import (
	"time"

	"github.com/loqui-im/callkit/quality"
	"github.com/loqui-im/callkit/rtc"
	"github.com/loqui-im/callkit/signal"
)

// Phase is the lifecycle stage of a call session.
type Phase int

const (
	// PhaseDialing means the offer is out and the remote side is ringing.
	PhaseDialing Phase = iota
	// PhaseConnecting means signaling completed and ICE is negotiating.
	PhaseConnecting
	// PhaseActive means the transport is connected and media flows.
	PhaseActive
	// PhaseEnded is terminal; the session is destroyed.
	PhaseEnded
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseDialing:
		return "dialing"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Role distinguishes the side that placed the call from the side that
// accepted it.
type Role int

const (
	// RoleInitiator placed the call.
	RoleInitiator Role = iota
	// RoleAcceptor answered it.
	RoleAcceptor
)

// String returns a human-readable role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	default:
		return "acceptor"
	}
}

// session is the one active call. Owned by the Manager; all fields are
// guarded by the Manager's mutex except where the peer connection invokes
// its own callbacks.
type session struct {
	peerID string
	kind   signal.CallKind
	role   Role
	phase  Phase

	pc      rtc.PeerConnection
	monitor *quality.Monitor

	// connectedAt is stamped once, when the transport first reports
	// connected. Duration bookkeeping is measured from this instant on
	// both roles.
	connectedAt time.Time

	// pendingCandidates buffers remote candidates that arrived before the
	// remote description was set; drained in arrival order.
	pendingCandidates []string
	remoteDescSet     bool

	ringTimer *time.Timer

	// generation ties peer connection callbacks and timers to this
	// session; a stale generation means the session was torn down.
	generation uint64
}

// incomingCall is a pending offer waiting for the user to accept or reject.
// At most one exists; a newer offer supersedes it.
type incomingCall struct {
	callerID string
	kind     signal.CallKind
	offerSDP string

	// candidates arriving before accept are buffered here and transferred
	// to the session's queue at accept time.
	candidates []string

	ringTimer  *time.Timer
	generation uint64
}

// SessionInfo is a read-only snapshot of the active session.
type SessionInfo struct {
	PeerID      string
	Kind        signal.CallKind
	Role        Role
	Phase       Phase
	ConnectedAt time.Time
}

// IncomingInfo is a read-only snapshot of the pending incoming call.
type IncomingInfo struct {
	CallerID string
	Kind     signal.CallKind
}
