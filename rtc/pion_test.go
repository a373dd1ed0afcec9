package rtc

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateNew, "new"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateDisconnected, "disconnected"},
		{StateFailed, "failed"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestMapConnectionState(t *testing.T) {
	tests := []struct {
		in   webrtc.PeerConnectionState
		want State
	}{
		{webrtc.PeerConnectionStateNew, StateNew},
		{webrtc.PeerConnectionStateConnecting, StateConnecting},
		{webrtc.PeerConnectionStateConnected, StateConnected},
		{webrtc.PeerConnectionStateDisconnected, StateDisconnected},
		{webrtc.PeerConnectionStateFailed, StateFailed},
		{webrtc.PeerConnectionStateClosed, StateClosed},
	}
	for _, tt := range tests {
		if got := mapConnectionState(tt.in); got != tt.want {
			t.Errorf("mapConnectionState(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOfferAnswerExchange(t *testing.T) {
	factory, err := NewPionFactory(DefaultConfig())
	if err != nil {
		t.Fatalf("NewPionFactory failed: %v", err)
	}

	caller, err := factory.NewPeerConnection()
	if err != nil {
		t.Fatalf("caller connection failed: %v", err)
	}
	defer caller.Close()

	callee, err := factory.NewPeerConnection()
	if err != nil {
		t.Fatalf("callee connection failed: %v", err)
	}
	defer callee.Close()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "caller")
	if err != nil {
		t.Fatalf("track creation failed: %v", err)
	}
	if _, err := caller.AddTrack(track); err != nil {
		t.Fatalf("AddTrack failed: %v", err)
	}

	ctx := context.Background()
	offerSDP, err := caller.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if !strings.Contains(offerSDP, "v=0") {
		t.Error("offer does not look like SDP")
	}

	answerSDP, err := callee.CreateAnswer(ctx, offerSDP)
	if err != nil {
		t.Fatalf("CreateAnswer failed: %v", err)
	}
	if err := caller.SetRemoteAnswer(answerSDP); err != nil {
		t.Fatalf("SetRemoteAnswer failed: %v", err)
	}
}

func TestAddICECandidateRejectsGarbage(t *testing.T) {
	factory, err := NewPionFactory(DefaultConfig())
	if err != nil {
		t.Fatalf("NewPionFactory failed: %v", err)
	}
	peer, err := factory.NewPeerConnection()
	if err != nil {
		t.Fatalf("NewPeerConnection failed: %v", err)
	}
	defer peer.Close()

	if err := peer.AddICECandidate("not json"); err == nil {
		t.Error("expected error for malformed candidate")
	}
}

func TestCandidateJSONRoundTrip(t *testing.T) {
	init := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host"}
	payload, err := json.Marshal(init)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Candidate != init.Candidate {
		t.Errorf("candidate = %q, want %q", decoded.Candidate, init.Candidate)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	factory, err := NewPionFactory(DefaultConfig())
	if err != nil {
		t.Fatalf("NewPionFactory failed: %v", err)
	}
	peer, err := factory.NewPeerConnection()
	if err != nil {
		t.Fatalf("NewPeerConnection failed: %v", err)
	}

	if err := peer.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := peer.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
