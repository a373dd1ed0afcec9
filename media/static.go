package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// StaticProvider opens synthetic sources backed by sample tracks. It serves
// the example programs and any client that encodes media itself and pushes
// samples; platform capture backends replace it in real deployments.
type StaticProvider struct{}

// NewStaticProvider creates a provider of synthetic sample-fed sources.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

// OpenMicrophone opens a synthetic Opus audio source.
func (p *StaticProvider) OpenMicrophone(ctx context.Context) (Source, error) {
	return newSampleSource(Microphone, webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeOpus,
	}, "audio")
}

// OpenCamera opens a synthetic VP8 video source.
func (p *StaticProvider) OpenCamera(ctx context.Context) (Source, error) {
	return newSampleSource(Camera, webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeVP8,
	}, "video")
}

// OpenScreen opens a synthetic VP8 screen source.
func (p *StaticProvider) OpenScreen(ctx context.Context) (Source, error) {
	return newSampleSource(Screen, webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeVP8,
	}, "screen")
}

// sampleSource feeds a TrackLocalStaticSample and implements the enabled
// flag by dropping samples while disabled.
type sampleSource struct {
	kind  SourceKind
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	bitrate uint32
	closed  bool
	onEnded func()
}

func newSampleSource(kind SourceKind, codec webrtc.RTPCodecCapability, streamID string) (*sampleSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(codec, uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}
	return &sampleSource{kind: kind, track: track, enabled: true}, nil
}

func (s *sampleSource) Kind() SourceKind { return s.kind }

func (s *sampleSource) Track() webrtc.TrackLocal { return s.track }

func (s *sampleSource) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *sampleSource) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled && !s.closed
}

func (s *sampleSource) SetTargetBitrate(bps uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bitrate = bps
}

// TargetBitrate returns the most recent encoder bitrate hint.
func (s *sampleSource) TargetBitrate() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitrate
}

func (s *sampleSource) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = fn
}

// WriteSample pushes one encoded sample to the track. Samples are dropped
// silently while the source is disabled, which is what makes mute and
// camera-off instantaneous.
func (s *sampleSource) WriteSample(data []byte, duration time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNoMedia
	}
	if !s.enabled {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.track.WriteSample(pionmedia.Sample{Data: data, Duration: duration})
}

// EndCapture simulates the capture stopping outside application control and
// fires the OnEnded handler.
func (s *sampleSource) EndCapture() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fn := s.onEnded
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (s *sampleSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
