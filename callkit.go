// Package callkit wires the call session controller together: signaling
// transport, peer connections, media capture, quality adaptation, call
// history and device identity behind one Client.
//
// A minimal client:
//
//	client, err := callkit.New(&callkit.Options{
//		SelfID:   "alice",
//		RelayURL: "ws://localhost:8080/ws",
//		DataDir:  "/var/lib/myapp",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnIncomingCall(func(info call.IncomingInfo) {
//		client.AcceptCall(context.Background())
//	})
//	client.Start()
package callkit

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loqui-im/callkit/call"
	"github.com/loqui-im/callkit/device"
	"github.com/loqui-im/callkit/history"
	"github.com/loqui-im/callkit/media"
	"github.com/loqui-im/callkit/quality"
	"github.com/loqui-im/callkit/rtc"
	"github.com/loqui-im/callkit/signal"
)

// Options configures a Client. SelfID is required; every other field has a
// working default.
type Options struct {
	// SelfID is the local user identity used for signaling addressing.
	SelfID string

	// DataDir holds the device identity file and the call history
	// database. When empty both fall back to in-memory stores.
	DataDir string

	// RelayURL is the websocket signaling relay. Ignored when Transport
	// is set; when both are empty an in-process transport is used, which
	// only reaches peers in the same process.
	RelayURL string

	// Transport overrides the signaling transport entirely.
	Transport signal.Transport

	// MediaProvider opens capture devices. Defaults to the synthetic
	// sample-fed provider; real clients supply a platform backend.
	MediaProvider media.Provider

	// Notifier wakes the callee's devices on outgoing calls.
	Notifier call.Notifier

	// ICE is the STUN/TURN server pool.
	ICE rtc.Config

	// Quality tunes the loss sampler and bitrate ladder.
	Quality quality.Config

	// RingTimeout overrides how long calls ring before being abandoned.
	// Zero keeps the default; negative disables the timeout.
	RingTimeout time.Duration
}

// NewOptions returns Options with the default ICE pool and quality ladder.
func NewOptions() *Options {
	return &Options{
		ICE:     rtc.DefaultConfig(),
		Quality: quality.DefaultConfig(),
	}
}

// Client is the assembled call controller.
type Client struct {
	selfID   string
	deviceID string

	manager   *call.Manager
	media     *media.Controller
	transport signal.Transport
	sqlite    *history.SQLiteStore

	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles a Client from the given options.
func New(options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.SelfID == "" {
		return nil, fmt.Errorf("callkit requires a self identity")
	}

	var identityStore device.Store
	if options.DataDir != "" {
		identityStore = device.NewFileStore(options.DataDir)
	} else {
		identityStore = device.NewMemoryStore()
	}
	deviceID, err := identityStore.Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to load device identity: %w", err)
	}

	transport := options.Transport
	if transport == nil {
		if options.RelayURL != "" {
			transport = signal.NewWSTransport(options.RelayURL)
		} else {
			transport = signal.NewMemoryTransport()
		}
	}

	provider := options.MediaProvider
	if provider == nil {
		provider = media.NewStaticProvider()
	}
	controller := media.NewController(provider)

	ice := options.ICE
	if len(ice.ICEServers) == 0 {
		ice = rtc.DefaultConfig()
	}
	peers, err := rtc.NewPionFactory(ice)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare webrtc stack: %w", err)
	}

	var recorder history.Recorder
	var sqlite *history.SQLiteStore
	if options.DataDir != "" {
		sqlite, err = history.OpenSQLiteStore(filepath.Join(options.DataDir, "history.db"))
		if err != nil {
			return nil, err
		}
		recorder = sqlite
	} else {
		recorder = history.NewMemoryStore()
	}

	manager, err := call.NewManager(call.Options{
		SelfID:    options.SelfID,
		DeviceID:  deviceID,
		Transport: transport,
		Peers:     peers,
		Media:     controller,
		History:   recorder,
		Notifier:  options.Notifier,
		Quality:   options.Quality,
	})
	if err != nil {
		if sqlite != nil {
			sqlite.Close()
		}
		return nil, err
	}
	if options.RingTimeout > 0 {
		manager.SetRingTimeout(options.RingTimeout)
	} else if options.RingTimeout < 0 {
		manager.SetRingTimeout(0)
	}

	logrus.WithFields(logrus.Fields{
		"self":   options.SelfID,
		"device": deviceID,
	}).Info("Call client assembled")

	return &Client{
		selfID:    options.SelfID,
		deviceID:  deviceID,
		manager:   manager,
		media:     controller,
		transport: transport,
		sqlite:    sqlite,
	}, nil
}

// SelfID returns the local user identity.
func (c *Client) SelfID() string { return c.selfID }

// DeviceID returns this installation's device identity.
func (c *Client) DeviceID() string { return c.deviceID }

// Start connects to the signaling transport in the background. The client
// handles calls until Close.
func (c *Client) Start() {
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		if err := c.manager.Run(ctx); err != nil {
			logrus.WithField("error", err.Error()).Error("Call manager stopped")
		}
	}()
}

// Close hangs up any active call, stops the signaling loop and releases
// storage.
func (c *Client) Close() error {
	if _, ok := c.manager.Session(); ok {
		if err := c.manager.EndCall(context.Background()); err != nil {
			logrus.WithField("error", err.Error()).Warn("Failed to end call on close")
		}
	}
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
	}
	if closer, ok := c.transport.(interface{ Close() error }); ok {
		closer.Close()
	}
	if c.sqlite != nil {
		return c.sqlite.Close()
	}
	return nil
}

// StartCall places an outgoing call to peerID.
func (c *Client) StartCall(ctx context.Context, peerID string, kind signal.CallKind) error {
	return c.manager.StartCall(ctx, peerID, kind)
}

// AcceptCall answers the pending incoming call, ending any active call
// first.
func (c *Client) AcceptCall(ctx context.Context) error {
	return c.manager.AcceptCall(ctx)
}

// RejectCall declines the pending incoming call.
func (c *Client) RejectCall(ctx context.Context) error {
	return c.manager.RejectCall(ctx)
}

// EndCall hangs up the active call.
func (c *Client) EndCall(ctx context.Context) error {
	return c.manager.EndCall(ctx)
}

// Session returns a snapshot of the active call, if any.
func (c *Client) Session() (call.SessionInfo, bool) {
	return c.manager.Session()
}

// Incoming returns a snapshot of the pending incoming call, if any.
func (c *Client) Incoming() (call.IncomingInfo, bool) {
	return c.manager.Incoming()
}

// SetMuted toggles the microphone.
func (c *Client) SetMuted(muted bool) error {
	return c.media.SetAudioEnabled(!muted)
}

// SetCameraEnabled toggles outbound camera video.
func (c *Client) SetCameraEnabled(enabled bool) error {
	return c.media.SetVideoEnabled(enabled)
}

// StartScreenShare substitutes screen capture for the camera on the active
// call.
func (c *Client) StartScreenShare(ctx context.Context) error {
	return c.media.StartScreenShare(ctx)
}

// StopScreenShare restores the camera track.
func (c *Client) StopScreenShare() error {
	return c.media.StopScreenShare()
}

// RecentCalls returns up to limit history records, newest first. Only
// available when the client was created with a DataDir.
func (c *Client) RecentCalls(ctx context.Context, limit int) ([]history.Record, error) {
	if c.sqlite == nil {
		return nil, fmt.Errorf("call history persistence is not configured")
	}
	return c.sqlite.Recent(ctx, c.selfID, limit)
}

// OnIncomingCall registers the incoming-call handler.
func (c *Client) OnIncomingCall(fn func(call.IncomingInfo)) {
	c.manager.SetOnIncomingCall(fn)
}

// OnPhaseChange registers the call phase handler.
func (c *Client) OnPhaseChange(fn func(peerID string, phase call.Phase)) {
	c.manager.SetOnPhaseChange(fn)
}

// OnRemoteTrack registers the remote media handler.
func (c *Client) OnRemoteTrack(fn func(track media.RemoteTrack)) {
	c.manager.SetOnRemoteTrack(fn)
}

// OnCallEnded registers the handler invoked with every call's history
// record.
func (c *Client) OnCallEnded(fn func(rec history.Record)) {
	c.manager.SetOnCallEnded(fn)
}
