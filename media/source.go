// Package media owns the local capture devices for a call and the toggles
// that operate on them.
//
// Capture itself is a platform concern: microphones, cameras and screen
// capture are opened through the Provider interface, and the controller only
// manipulates the resulting sources. Mute and camera-off flip an enabled
// flag on the existing source instead of re-acquiring the device, so
// toggling is instantaneous and reversible. Screen share swaps the track
// feeding the outbound video sender without renegotiating the connection.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Sentinel errors for media operations.
var (
	// ErrAcquisition indicates a capture device could not be opened
	// (denied or unavailable). The call attempt aborts and no signal is
	// sent.
	ErrAcquisition = errors.New("media acquisition failed")

	// ErrNoMedia indicates no local media has been acquired yet.
	ErrNoMedia = errors.New("no local media acquired")

	// ErrNoVideoSender indicates screen share was requested before the
	// outbound video sender existed.
	ErrNoVideoSender = errors.New("no outbound video sender")

	// ErrAlreadySharing indicates a screen share is already in progress.
	ErrAlreadySharing = errors.New("screen share already active")

	// ErrNotSharing indicates no screen share is in progress.
	ErrNotSharing = errors.New("no screen share active")
)

// SourceKind identifies a local capture source.
type SourceKind int

const (
	// Microphone captures local audio.
	Microphone SourceKind = iota
	// Camera captures local camera video.
	Camera
	// Screen captures display content.
	Screen
)

// String returns a human-readable source kind.
func (k SourceKind) String() string {
	switch k {
	case Microphone:
		return "microphone"
	case Camera:
		return "camera"
	case Screen:
		return "screen"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Source is one local capture device feeding one outbound track.
type Source interface {
	// Kind identifies the capture device.
	Kind() SourceKind

	// Track returns the outbound track fed by this source.
	Track() webrtc.TrackLocal

	// SetEnabled pauses or resumes the source without releasing the
	// device. Disabled sources produce silence/blackness instantly.
	SetEnabled(enabled bool)

	// Enabled reports whether the source is currently producing media.
	Enabled() bool

	// SetTargetBitrate hints the encoder's maximum bitrate in bits per
	// second. Only meaningful for video sources.
	SetTargetBitrate(bps uint32)

	// OnEnded registers a handler invoked when the capture stops outside
	// the application's control, e.g. the platform's "stop sharing"
	// button for screen capture.
	OnEnded(fn func())

	// Close releases the capture device. Safe to call more than once.
	Close() error
}

// Provider opens capture devices. Platform capture backends (and the
// synthetic sources used in tests and examples) implement this.
type Provider interface {
	OpenMicrophone(ctx context.Context) (Source, error)
	OpenCamera(ctx context.Context) (Source, error)
	OpenScreen(ctx context.Context) (Source, error)
}

// RemoteTrack is an inbound track surfaced to the application for playback.
type RemoteTrack struct {
	// Track is the underlying inbound track.
	Track *webrtc.TrackRemote
	// PeerID is the remote party the track belongs to.
	PeerID string
	// Enabled is always true on arrival: some clients deliver tracks
	// flagged disabled even though media flows, so the receiving side
	// force-enables rather than trusting the flag.
	Enabled bool
}
