package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/loqui-im/callkit/quality"
)

// PionFactory builds peer connections on a shared media engine with the
// default codec set registered.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory prepares the media engine and API once; every call reuses
// them.
func NewPionFactory(config Config) (*PionFactory, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	return &PionFactory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(engine)),
		config: config.webrtcConfiguration(),
	}, nil
}

// NewPeerConnection creates one peer connection for one call.
func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newPionPeer(pc), nil
}

// pionPeer adapts *webrtc.PeerConnection to the PeerConnection interface.
type pionPeer struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	closed bool
}

func newPionPeer(pc *webrtc.PeerConnection) *pionPeer {
	return &pionPeer{pc: pc}
}

func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context, remoteOfferSDP string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteOfferSDP}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *pionPeer) SetRemoteAnswer(sdp string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

func (p *pionPeer) AddICECandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("%w: %v", ErrBadCandidate, err)
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}
	return sender, nil
}

func (p *pionPeer) OnICECandidate(fn func(candidate string)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks end of gathering.
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			logrus.WithField("error", err.Error()).Warn("Failed to serialize ice candidate")
			return
		}
		fn(string(payload))
	})
}

func (p *pionPeer) OnTrack(fn func(track *webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *pionPeer) OnStateChange(fn func(state State)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(mapConnectionState(s))
	})
}

func (p *pionPeer) InboundVideoSample() (quality.Sample, bool) {
	for _, stat := range p.pc.GetStats() {
		inbound, ok := stat.(webrtc.InboundRTPStreamStats)
		if !ok || inbound.Kind != "video" {
			continue
		}
		return quality.Sample{
			PacketsReceived: inbound.PacketsReceived,
			PacketsLost:     inbound.PacketsLost,
		}, true
	}
	return quality.Sample{}, false
}

func (p *pionPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.pc.Close()
}

func mapConnectionState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}
