package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// TrackSender is the outbound sender whose track can be substituted without
// renegotiation. *webrtc.RTPSender satisfies it.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// Controller owns the local capture devices for the one active call.
//
// There is exactly one device handle set per client; whichever call session
// is active owns the controller, and the session state machine releases it
// fully before a new session acquires it.
type Controller struct {
	provider Provider

	mu          sync.Mutex
	mic         Source
	camera      Source
	screen      Source
	videoSender TrackSender

	sharing bool
	// videoOff is the user's camera-off flag. While screen-sharing it is
	// suppressed: the snapshot below is restored when sharing stops.
	videoOff            bool
	videoOffBeforeShare bool
}

// NewController creates a controller that opens devices through provider.
func NewController(provider Provider) *Controller {
	return &Controller{provider: provider}
}

// Acquire opens the microphone, and the camera when withVideo is set. On any
// failure every partially-opened device is released and the returned error
// wraps ErrAcquisition.
func (c *Controller) Acquire(ctx context.Context, withVideo bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mic != nil || c.camera != nil {
		return fmt.Errorf("%w: devices already held", ErrAcquisition)
	}

	mic, err := c.provider.OpenMicrophone(ctx)
	if err != nil {
		return fmt.Errorf("%w: microphone: %v", ErrAcquisition, err)
	}

	var camera Source
	if withVideo {
		camera, err = c.provider.OpenCamera(ctx)
		if err != nil {
			mic.Close()
			return fmt.Errorf("%w: camera: %v", ErrAcquisition, err)
		}
	}

	c.mic = mic
	c.camera = camera
	c.videoOff = false

	logrus.WithFields(logrus.Fields{
		"with_video": withVideo,
	}).Info("Local media acquired")
	return nil
}

// AudioTrack returns the outbound audio track, or nil before Acquire.
func (c *Controller) AudioTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mic == nil {
		return nil
	}
	return c.mic.Track()
}

// VideoTrack returns the outbound camera track, or nil for audio-only calls.
func (c *Controller) VideoTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.camera == nil {
		return nil
	}
	return c.camera.Track()
}

// SetVideoSender wires the outbound video sender once the peer connection
// has added the camera track. Screen share substitutes tracks through it.
func (c *Controller) SetVideoSender(sender TrackSender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoSender = sender
}

// SetAudioEnabled flips the microphone mute flag on the existing track.
func (c *Controller) SetAudioEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mic == nil {
		return ErrNoMedia
	}
	c.mic.SetEnabled(enabled)
	logrus.WithField("enabled", enabled).Debug("Microphone toggled")
	return nil
}

// AudioEnabled reports whether outbound audio is live.
func (c *Controller) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mic != nil && c.mic.Enabled()
}

// SetVideoEnabled flips the camera-off flag. While a screen share is active
// the flag is suppressed: screen content stays visible and the flag's prior
// value is restored when sharing stops.
func (c *Controller) SetVideoEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.camera == nil {
		return ErrNoMedia
	}
	if c.sharing {
		logrus.Debug("Camera toggle suppressed during screen share")
		return nil
	}
	c.videoOff = !enabled
	c.camera.SetEnabled(enabled)
	logrus.WithField("enabled", enabled).Debug("Camera toggled")
	return nil
}

// VideoEnabled reports whether outbound video (camera or screen) is live.
func (c *Controller) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sharing {
		return c.screen != nil && c.screen.Enabled()
	}
	return c.camera != nil && c.camera.Enabled()
}

// StartScreenShare captures the display and substitutes the screen track for
// the camera track on the outbound sender. The connection is not
// renegotiated.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sharing {
		return ErrAlreadySharing
	}
	if c.camera == nil {
		return ErrNoMedia
	}
	if c.videoSender == nil {
		return ErrNoVideoSender
	}

	screen, err := c.provider.OpenScreen(ctx)
	if err != nil {
		return fmt.Errorf("%w: screen: %v", ErrAcquisition, err)
	}
	if err := c.videoSender.ReplaceTrack(screen.Track()); err != nil {
		screen.Close()
		return fmt.Errorf("failed to substitute screen track: %w", err)
	}

	c.screen = screen
	c.sharing = true
	c.videoOffBeforeShare = c.videoOff
	c.videoOff = false
	screen.SetEnabled(true)
	// Platform "stop sharing" affordance ends the capture underneath us.
	screen.OnEnded(func() {
		if err := c.endScreenShare(false); err != nil && err != ErrNotSharing {
			logrus.WithField("error", err.Error()).Warn("Screen share cleanup failed")
		}
	})

	logrus.Info("Screen share started")
	return nil
}

// StopScreenShare ends the share manually: the camera track is substituted
// back and the screen capture is stopped to release the device.
func (c *Controller) StopScreenShare() error {
	return c.endScreenShare(true)
}

// endScreenShare restores the camera track and the pre-share camera-off
// flag. stopCapture distinguishes a manual stop (the capture must be
// released) from the platform ending the capture itself.
func (c *Controller) endScreenShare(stopCapture bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sharing {
		return ErrNotSharing
	}

	screen := c.screen
	c.screen = nil
	c.sharing = false

	var substituteErr error
	if c.videoSender != nil && c.camera != nil {
		substituteErr = c.videoSender.ReplaceTrack(c.camera.Track())
	}

	c.videoOff = c.videoOffBeforeShare
	if c.camera != nil {
		c.camera.SetEnabled(!c.videoOff)
	}
	if stopCapture && screen != nil {
		screen.Close()
	}

	if substituteErr != nil {
		return fmt.Errorf("failed to restore camera track: %w", substituteErr)
	}
	logrus.WithField("manual", stopCapture).Info("Screen share stopped")
	return nil
}

// Sharing reports whether a screen share is in progress.
func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

// SetMaxBitrate forwards the encoder bitrate cap to whichever video source
// currently feeds the outbound sender. The quality monitor calls this when
// the measured loss bucket changes.
func (c *Controller) SetMaxBitrate(bps uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	source := c.camera
	if c.sharing {
		source = c.screen
	}
	if source == nil {
		return ErrNoMedia
	}
	source.SetTargetBitrate(bps)
	return nil
}

// Release stops every capture device and clears the sender wiring. It is
// idempotent and is invoked from every teardown path.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, src := range []Source{c.screen, c.camera, c.mic} {
		if src != nil {
			src.Close()
		}
	}
	released := c.mic != nil || c.camera != nil || c.screen != nil
	c.mic, c.camera, c.screen = nil, nil, nil
	c.videoSender = nil
	c.sharing = false
	c.videoOff = false
	c.videoOffBeforeShare = false

	if released {
		logrus.Info("Local media released")
	}
}
