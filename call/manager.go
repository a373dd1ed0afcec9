// Package call implements the session state machine that drives a
// peer-to-peer call from offer to teardown.
//
// The Manager owns at most one active session and at most one pending
// incoming call at a time. Every transition is serialized under one mutex;
// only media acquisition runs outside it, with a generation counter
// revalidating the state afterwards so a reject or end arriving mid-acquire
// cancels cleanly. All teardown paths converge on a single idempotent
// routine that stops the quality monitor, releases capture devices, closes
// the peer connection and records history.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/loqui-im/callkit/history"
	"github.com/loqui-im/callkit/media"
	"github.com/loqui-im/callkit/quality"
	"github.com/loqui-im/callkit/rtc"
	"github.com/loqui-im/callkit/signal"
)

// DefaultRingTimeout is how long an unanswered call rings before it is
// abandoned and recorded as missed.
const DefaultRingTimeout = 45 * time.Second

// Options configures a Manager. Transport, Peers, Media and History are
// required.
type Options struct {
	// SelfID is the local user identity.
	SelfID string
	// DeviceID is this installation's device identity, used for
	// multi-device disambiguation.
	DeviceID string

	Transport signal.Transport
	Peers     rtc.Factory
	Media     *media.Controller
	History   history.Recorder

	// Notifier wakes the callee's devices on outgoing calls. Defaults to
	// LogNotifier.
	Notifier Notifier
	// Quality tunes the loss sampler. Zero values take the defaults.
	Quality quality.Config
	// Time defaults to the system clock.
	Time TimeProvider
}

// Manager is the session state machine.
//
// Callback re-entrancy: the incoming-call and remote-track callbacks run
// after the manager's lock is released and may call back into the Manager
// (accepting a call directly from the incoming-call callback is fine). The
// phase-change and call-ended callbacks run while the lock is held and must
// not re-enter.
type Manager struct {
	selfID   string
	deviceID string

	transport  signal.Transport
	peers      rtc.Factory
	media      *media.Controller
	recorder   history.Recorder
	notifier   Notifier
	clock      TimeProvider
	qualityCfg quality.Config

	mu          sync.Mutex
	session     *session
	incoming    *incomingCall
	generation  uint64
	incomingSeq uint64
	ringTimeout time.Duration
	running     bool

	onIncoming func(IncomingInfo)
	onPhase    func(peerID string, phase Phase)
	onTrack    func(track media.RemoteTrack)
	onEnded    func(rec history.Record)
}

// NewManager creates a Manager with the default ring timeout.
func NewManager(opts Options) (*Manager, error) {
	if opts.SelfID == "" {
		return nil, fmt.Errorf("manager requires a self identity")
	}
	if opts.Transport == nil || opts.Peers == nil || opts.Media == nil || opts.History == nil {
		return nil, fmt.Errorf("manager requires transport, peers, media and history")
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{}
	}
	if opts.Time == nil {
		opts.Time = DefaultTimeProvider{}
	}
	return &Manager{
		selfID:      opts.SelfID,
		deviceID:    opts.DeviceID,
		transport:   opts.Transport,
		peers:       opts.Peers,
		media:       opts.Media,
		recorder:    opts.History,
		notifier:    opts.Notifier,
		clock:       opts.Time,
		qualityCfg:  opts.Quality,
		ringTimeout: DefaultRingTimeout,
	}, nil
}

// SetRingTimeout changes how long calls ring before they are abandoned.
// Zero disables the timeout entirely.
func (m *Manager) SetRingTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ringTimeout = d
}

// SetOnIncomingCall registers the handler invoked when an offer arrives.
func (m *Manager) SetOnIncomingCall(fn func(IncomingInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIncoming = fn
}

// SetOnPhaseChange registers the handler invoked on session phase changes.
func (m *Manager) SetOnPhaseChange(fn func(peerID string, phase Phase)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPhase = fn
}

// SetOnRemoteTrack registers the handler invoked when a remote track
// arrives for playback.
func (m *Manager) SetOnRemoteTrack(fn func(track media.RemoteTrack)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrack = fn
}

// SetOnCallEnded registers the handler invoked with the history record of
// every terminated call.
func (m *Manager) SetOnCallEnded(fn func(rec history.Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnded = fn
}

// Session returns a snapshot of the active session, if any.
func (m *Manager) Session() (SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return SessionInfo{}, false
	}
	return SessionInfo{
		PeerID:      m.session.peerID,
		Kind:        m.session.kind,
		Role:        m.session.role,
		Phase:       m.session.phase,
		ConnectedAt: m.session.connectedAt,
	}, true
}

// Incoming returns a snapshot of the pending incoming call, if any.
func (m *Manager) Incoming() (IncomingInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incoming == nil {
		return IncomingInfo{}, false
	}
	return IncomingInfo{CallerID: m.incoming.callerID, Kind: m.incoming.kind}, true
}

// Run subscribes to the signaling transport and dispatches messages until
// the context is cancelled or the transport closes.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	ch, err := m.transport.Subscribe(ctx, m.selfID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to signaling: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"self":     m.selfID,
		"device":   m.deviceID,
	}).Info("Call manager running")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			m.HandleSignal(ctx, msg)
		}
	}
}

// HandleSignal applies one signaling message to the state machine. Run
// calls it for every received message; it is exported so alternative
// delivery paths can feed the machine directly.
func (m *Manager) HandleSignal(ctx context.Context, msg signal.Message) {
	if err := msg.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleSignal",
			"type":     string(msg.Type),
			"error":    err.Error(),
		}).Warn("Dropping invalid signal")
		return
	}

	switch msg.Type {
	case signal.TypeOffer:
		m.handleOffer(msg)
	case signal.TypeAnswer:
		m.handleAnswer(ctx, msg)
	case signal.TypeCandidate:
		m.handleCandidate(msg)
	case signal.TypeEnd:
		m.handleEnd(ctx, msg)
	case signal.TypeReject:
		m.handleReject(ctx, msg)
	case signal.TypeBusy:
		m.handleBusy(ctx, msg)
	case signal.TypeAnsweredElsewhere:
		m.handleAnsweredElsewhere(msg)
	}
}

// StartCall places an outgoing call. Media is acquired before any signal is
// sent, so an acquisition failure aborts silently from the remote side's
// point of view.
func (m *Manager) StartCall(ctx context.Context, peerID string, kind signal.CallKind) error {
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	gen := m.generation
	m.mu.Unlock()

	if err := m.media.Acquire(ctx, kind == signal.KindVideo); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil || m.generation != gen {
		m.media.Release()
		return ErrCallAborted
	}

	pc, err := m.peers.NewPeerConnection()
	if err != nil {
		m.media.Release()
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	m.generation++
	s := &session{
		peerID:     peerID,
		kind:       kind,
		role:       RoleInitiator,
		phase:      PhaseDialing,
		pc:         pc,
		generation: m.generation,
	}
	m.wirePeerLocked(s)
	if err := m.attachTracksLocked(s); err != nil {
		pc.Close()
		m.media.Release()
		return err
	}

	offerSDP, err := pc.CreateOffer(ctx)
	if err != nil {
		pc.Close()
		m.media.Release()
		return fmt.Errorf("failed to create offer: %w", err)
	}

	m.session = s
	if err := m.transport.Send(ctx, signal.Message{
		Type:       signal.TypeOffer,
		SenderID:   m.selfID,
		ReceiverID: peerID,
		Timestamp:  m.clock.Now(),
		SDP:        offerSDP,
		CallType:   kind,
	}); err != nil {
		m.teardownLocked(ctx, teardown{})
		return fmt.Errorf("failed to send offer: %w", err)
	}

	m.armRingTimerLocked(s)
	if err := m.notifier.CallPlaced(ctx, peerID, kind); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "StartCall",
			"callee":   peerID,
			"error":    err.Error(),
		}).Warn("Push notification failed")
	}

	logrus.WithFields(logrus.Fields{
		"function": "StartCall",
		"callee":   peerID,
		"kind":     string(kind),
	}).Info("Outgoing call placed")
	m.notifyPhaseLocked(peerID, PhaseDialing)
	return nil
}

// AcceptCall answers the pending incoming call. If a session is already
// active it is torn down first (call waiting): the old call ends cleanly
// and is recorded before the new one is answered. If media acquisition or
// signaling then fails, both calls are lost and the manager is idle.
func (m *Manager) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	inc := m.incoming
	if inc == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	hadSession := m.session != nil
	if hadSession {
		status := history.StatusMissed
		if !m.session.connectedAt.IsZero() {
			status = history.StatusCompleted
		}
		m.teardownLocked(ctx, teardown{status: status, sendEnd: true, record: true})
	}
	m.mu.Unlock()

	if err := m.media.Acquire(ctx, inc.kind == signal.KindVideo); err != nil {
		// Standard accept: the request keeps ringing so the user can retry.
		// Call waiting: the old session is already gone, so the request is
		// dropped too rather than left ringing against an idle manager.
		if hadSession {
			m.abandonIncoming(ctx, inc)
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incoming != inc || m.session != nil {
		m.media.Release()
		return ErrCallAborted
	}
	m.incoming = nil
	if inc.ringTimer != nil {
		inc.ringTimer.Stop()
	}

	pc, err := m.peers.NewPeerConnection()
	if err != nil {
		m.media.Release()
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	m.generation++
	s := &session{
		peerID:     inc.callerID,
		kind:       inc.kind,
		role:       RoleAcceptor,
		phase:      PhaseConnecting,
		pc:         pc,
		generation: m.generation,
	}
	m.wirePeerLocked(s)
	if err := m.attachTracksLocked(s); err != nil {
		pc.Close()
		m.media.Release()
		return err
	}

	answerSDP, err := pc.CreateAnswer(ctx, inc.offerSDP)
	if err != nil {
		pc.Close()
		m.media.Release()
		return fmt.Errorf("failed to create answer: %w", err)
	}
	s.remoteDescSet = true

	// Candidates that trickled in while ringing, in arrival order.
	for _, candidate := range inc.candidates {
		if err := pc.AddICECandidate(candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "AcceptCall",
				"error":    err.Error(),
			}).Warn("Failed to apply buffered candidate")
		}
	}

	m.session = s
	if err := m.transport.Send(ctx, signal.Message{
		Type:       signal.TypeAnswer,
		SenderID:   m.selfID,
		ReceiverID: inc.callerID,
		Timestamp:  m.clock.Now(),
		SDP:        answerSDP,
	}); err != nil {
		m.teardownLocked(ctx, teardown{})
		return fmt.Errorf("failed to send answer: %w", err)
	}

	// Sibling devices dismiss their ringing state on this broadcast.
	if err := m.transport.Send(ctx, signal.Message{
		Type:       signal.TypeAnsweredElsewhere,
		SenderID:   m.selfID,
		ReceiverID: m.selfID,
		Timestamp:  m.clock.Now(),
		DeviceID:   m.deviceID,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AcceptCall",
			"error":    err.Error(),
		}).Warn("Failed to broadcast answered-elsewhere")
	}

	logrus.WithFields(logrus.Fields{
		"function": "AcceptCall",
		"caller":   inc.callerID,
		"kind":     string(inc.kind),
	}).Info("Incoming call accepted")
	m.notifyPhaseLocked(inc.callerID, PhaseConnecting)
	return nil
}

// abandonIncoming drops a pending request that can no longer be answered.
// The caller is not signaled; their side times out and records on its own.
func (m *Manager) abandonIncoming(ctx context.Context, inc *incomingCall) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.incoming != inc {
		return
	}
	m.incoming = nil
	if inc.ringTimer != nil {
		inc.ringTimer.Stop()
	}
	m.recordLocked(ctx, history.Record{
		Kind:         string(inc.kind),
		Status:       history.StatusMissed,
		Participants: [2]string{inc.callerID, m.selfID},
		CallerID:     inc.callerID,
		EndedAt:      m.clock.Now(),
	})
	logrus.WithFields(logrus.Fields{
		"function": "abandonIncoming",
		"caller":   inc.callerID,
	}).Warn("Pending call abandoned after media failure")
}

// RejectCall declines the pending incoming call. An active session is never
// touched.
func (m *Manager) RejectCall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc := m.incoming
	if inc == nil {
		return ErrNoIncomingCall
	}
	m.incoming = nil
	if inc.ringTimer != nil {
		inc.ringTimer.Stop()
	}

	if err := m.transport.Send(ctx, signal.Message{
		Type:       signal.TypeReject,
		SenderID:   m.selfID,
		ReceiverID: inc.callerID,
		Timestamp:  m.clock.Now(),
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RejectCall",
			"caller":   inc.callerID,
			"error":    err.Error(),
		}).Warn("Failed to send reject")
	}

	m.recordLocked(ctx, history.Record{
		Kind:         string(inc.kind),
		Status:       history.StatusDeclined,
		Participants: [2]string{inc.callerID, m.selfID},
		CallerID:     inc.callerID,
		EndedAt:      m.clock.Now(),
	})

	logrus.WithFields(logrus.Fields{
		"function": "RejectCall",
		"caller":   inc.callerID,
	}).Info("Incoming call rejected")
	return nil
}

// EndCall hangs up the active session.
func (m *Manager) EndCall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return ErrNoActiveCall
	}
	status := history.StatusMissed
	if !m.session.connectedAt.IsZero() {
		status = history.StatusCompleted
	}
	m.teardownLocked(ctx, teardown{status: status, sendEnd: true, record: true})
	return nil
}

func (m *Manager) handleOffer(msg signal.Message) {
	m.mu.Lock()

	if msg.SenderID == m.selfID {
		m.mu.Unlock()
		return
	}

	if m.incoming != nil {
		if m.incoming.ringTimer != nil {
			m.incoming.ringTimer.Stop()
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleOffer",
			"old":      m.incoming.callerID,
			"new":      msg.SenderID,
		}).Info("Newer offer supersedes pending incoming call")
	}

	// The incoming slot has its own sequence so an offer arriving while an
	// outgoing call is suspended in media acquisition does not abort the dial.
	m.incomingSeq++
	inc := &incomingCall{
		callerID:   msg.SenderID,
		kind:       msg.CallType,
		offerSDP:   msg.SDP,
		generation: m.incomingSeq,
	}
	m.incoming = inc
	if m.ringTimeout > 0 {
		gen := inc.generation
		inc.ringTimer = time.AfterFunc(m.ringTimeout, func() {
			m.expireIncoming(gen)
		})
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleOffer",
		"caller":   msg.SenderID,
		"kind":     string(msg.CallType),
	}).Info("Incoming call")

	cb := m.onIncoming
	info := IncomingInfo{CallerID: inc.callerID, Kind: inc.kind}
	m.mu.Unlock()

	if cb != nil {
		cb(info)
	}
}

func (m *Manager) handleAnswer(ctx context.Context, msg signal.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil || s.role != RoleInitiator || msg.SenderID != s.peerID || s.remoteDescSet {
		return
	}

	if err := s.pc.SetRemoteAnswer(msg.SDP); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswer",
			"peer":     msg.SenderID,
			"error":    err.Error(),
		}).Error("Failed to apply remote answer")
		m.teardownLocked(ctx, teardown{status: history.StatusMissed, sendEnd: true, record: true})
		return
	}
	s.remoteDescSet = true
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}

	for _, candidate := range s.pendingCandidates {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleAnswer",
				"error":    err.Error(),
			}).Warn("Failed to apply buffered candidate")
		}
	}
	s.pendingCandidates = nil

	s.phase = PhaseConnecting
	logrus.WithFields(logrus.Fields{
		"function": "handleAnswer",
		"peer":     s.peerID,
	}).Info("Call answered")
	m.notifyPhaseLocked(s.peerID, PhaseConnecting)
}

func (m *Manager) handleCandidate(msg signal.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.session; s != nil && msg.SenderID == s.peerID {
		if !s.remoteDescSet {
			s.pendingCandidates = append(s.pendingCandidates, msg.Candidate)
			return
		}
		if err := s.pc.AddICECandidate(msg.Candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleCandidate",
				"error":    err.Error(),
			}).Warn("Failed to apply candidate")
		}
		return
	}

	if m.incoming != nil && msg.SenderID == m.incoming.callerID {
		m.incoming.candidates = append(m.incoming.candidates, msg.Candidate)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleCandidate",
		"sender":   msg.SenderID,
	}).Debug("Dropping candidate for dead session")
}

func (m *Manager) handleEnd(ctx context.Context, msg signal.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inc := m.incoming; inc != nil && msg.SenderID == inc.callerID {
		m.incoming = nil
		if inc.ringTimer != nil {
			inc.ringTimer.Stop()
		}
		m.recordLocked(ctx, history.Record{
			Kind:         string(inc.kind),
			Status:       history.StatusMissed,
			Participants: [2]string{inc.callerID, m.selfID},
			CallerID:     inc.callerID,
			EndedAt:      m.clock.Now(),
		})
		logrus.WithFields(logrus.Fields{
			"function": "handleEnd",
			"caller":   inc.callerID,
		}).Info("Caller hung up before answer")
	}

	if s := m.session; s != nil && msg.SenderID == s.peerID {
		status := history.StatusMissed
		if !s.connectedAt.IsZero() {
			status = history.StatusCompleted
		}
		m.teardownLocked(ctx, teardown{status: status, record: true})
	}
}

func (m *Manager) handleReject(ctx context.Context, msg signal.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil || s.role != RoleInitiator || msg.SenderID != s.peerID {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleReject",
		"peer":     s.peerID,
	}).Info("Call rejected by remote")
	m.teardownLocked(ctx, teardown{status: history.StatusDeclined, record: true})
}

func (m *Manager) handleBusy(ctx context.Context, msg signal.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil || msg.SenderID != s.peerID {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleBusy",
		"peer":     s.peerID,
	}).Info("Remote is busy")
	m.teardownLocked(ctx, teardown{status: history.StatusMissed, record: true})
}

func (m *Manager) handleAnsweredElsewhere(msg signal.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.SenderID != m.selfID || msg.DeviceID == m.deviceID {
		return
	}
	inc := m.incoming
	if inc == nil {
		return
	}
	m.incoming = nil
	if inc.ringTimer != nil {
		inc.ringTimer.Stop()
	}
	// The answering device records the call; this one dismisses silently.
	logrus.WithFields(logrus.Fields{
		"function": "handleAnsweredElsewhere",
		"caller":   inc.callerID,
		"device":   msg.DeviceID,
	}).Info("Call answered on another device")
}

// wirePeerLocked attaches the peer connection callbacks. They arrive on
// transport goroutines and revalidate the session generation before acting.
func (m *Manager) wirePeerLocked(s *session) {
	gen := s.generation
	peerID := s.peerID

	s.pc.OnICECandidate(func(candidate string) {
		m.sendCandidate(peerID, gen, candidate)
	})
	s.pc.OnTrack(func(track *webrtc.TrackRemote) {
		m.surfaceTrack(peerID, gen, track)
	})
	s.pc.OnStateChange(func(state rtc.State) {
		m.handlePeerState(gen, state)
	})
}

func (m *Manager) attachTracksLocked(s *session) error {
	if audio := m.media.AudioTrack(); audio != nil {
		if _, err := s.pc.AddTrack(audio); err != nil {
			return fmt.Errorf("failed to attach audio track: %w", err)
		}
	}
	if s.kind != signal.KindVideo {
		return nil
	}
	video := m.media.VideoTrack()
	if video == nil {
		return nil
	}
	sender, err := s.pc.AddTrack(video)
	if err != nil {
		return fmt.Errorf("failed to attach video track: %w", err)
	}
	m.media.SetVideoSender(sender)
	return nil
}

func (m *Manager) armRingTimerLocked(s *session) {
	if m.ringTimeout <= 0 {
		return
	}
	gen := s.generation
	s.ringTimer = time.AfterFunc(m.ringTimeout, func() {
		m.expireDialing(gen)
	})
}

func (m *Manager) sendCandidate(peerID string, gen uint64, candidate string) {
	m.mu.Lock()
	if m.session == nil || m.session.generation != gen {
		m.mu.Unlock()
		return
	}
	msg := signal.Message{
		Type:       signal.TypeCandidate,
		SenderID:   m.selfID,
		ReceiverID: peerID,
		Timestamp:  m.clock.Now(),
		Candidate:  candidate,
	}
	m.mu.Unlock()

	if err := m.transport.Send(context.Background(), msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendCandidate",
			"peer":     peerID,
			"error":    err.Error(),
		}).Warn("Failed to send candidate")
	}
}

func (m *Manager) surfaceTrack(peerID string, gen uint64, track *webrtc.TrackRemote) {
	m.mu.Lock()
	if m.session == nil || m.session.generation != gen {
		m.mu.Unlock()
		return
	}
	cb := m.onTrack
	m.mu.Unlock()

	if cb != nil {
		// Force-enabled: some clients deliver tracks flagged disabled even
		// though media flows.
		cb(media.RemoteTrack{Track: track, PeerID: peerID, Enabled: true})
	}
}

func (m *Manager) handlePeerState(gen uint64, state rtc.State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil || s.generation != gen {
		return
	}

	switch state {
	case rtc.StateConnected:
		if !s.connectedAt.IsZero() {
			return
		}
		s.connectedAt = m.clock.Now()
		s.phase = PhaseActive
		s.monitor = quality.NewMonitor(m.qualityCfg, s.pc, m.media)
		s.monitor.Start()
		logrus.WithFields(logrus.Fields{
			"function": "handlePeerState",
			"peer":     s.peerID,
		}).Info("Call connected")
		m.notifyPhaseLocked(s.peerID, PhaseActive)

	case rtc.StateDisconnected, rtc.StateFailed:
		status := history.StatusMissed
		if !s.connectedAt.IsZero() {
			status = history.StatusCompleted
		}
		logrus.WithFields(logrus.Fields{
			"function": "handlePeerState",
			"peer":     s.peerID,
			"state":    state.String(),
		}).Warn("Peer connection lost")
		m.teardownLocked(context.Background(), teardown{status: status, sendEnd: true, record: true})
	}
}

func (m *Manager) expireDialing(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil || s.generation != gen || s.phase != PhaseDialing {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "expireDialing",
		"peer":     s.peerID,
	}).Info("Outgoing call rang out")
	m.teardownLocked(context.Background(), teardown{status: history.StatusMissed, sendEnd: true, record: true})
}

func (m *Manager) expireIncoming(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc := m.incoming
	if inc == nil || inc.generation != gen {
		return
	}
	m.incoming = nil
	m.recordLocked(context.Background(), history.Record{
		Kind:         string(inc.kind),
		Status:       history.StatusMissed,
		Participants: [2]string{inc.callerID, m.selfID},
		CallerID:     inc.callerID,
		EndedAt:      m.clock.Now(),
	})
	logrus.WithFields(logrus.Fields{
		"function": "expireIncoming",
		"caller":   inc.callerID,
	}).Info("Incoming call rang out")
}

// teardown parameterizes teardownLocked. The zero value tears down without
// signaling or recording, for calls that never reached the remote side.
type teardown struct {
	status  history.Status
	sendEnd bool
	record  bool
}

// teardownLocked destroys the active session. Idempotent: a second call
// finds no session and returns. The incoming call slot is never touched, so
// call waiting can tear down the old session while keeping the pending
// offer.
func (m *Manager) teardownLocked(ctx context.Context, td teardown) {
	s := m.session
	if s == nil {
		return
	}
	m.session = nil
	m.generation++

	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}
	m.media.Release()
	if err := s.pc.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "teardownLocked",
			"error":    err.Error(),
		}).Warn("Failed to close peer connection")
	}

	if td.sendEnd {
		if err := m.transport.Send(ctx, signal.Message{
			Type:       signal.TypeEnd,
			SenderID:   m.selfID,
			ReceiverID: s.peerID,
			Timestamp:  m.clock.Now(),
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "teardownLocked",
				"peer":     s.peerID,
				"error":    err.Error(),
			}).Warn("Failed to send end")
		}
	}

	if td.record {
		duration := 0
		if !s.connectedAt.IsZero() {
			duration = int(m.clock.Now().Sub(s.connectedAt).Seconds())
		}
		participants := [2]string{m.selfID, s.peerID}
		callerID := m.selfID
		if s.role == RoleAcceptor {
			participants = [2]string{s.peerID, m.selfID}
			callerID = s.peerID
		}
		m.recordLocked(ctx, history.Record{
			Kind:         string(s.kind),
			Duration:     duration,
			Status:       td.status,
			Participants: participants,
			CallerID:     callerID,
			EndedAt:      m.clock.Now(),
		})
	}

	s.phase = PhaseEnded
	logrus.WithFields(logrus.Fields{
		"function": "teardownLocked",
		"peer":     s.peerID,
		"status":   string(td.status),
		"recorded": td.record,
	}).Info("Call torn down")
	m.notifyPhaseLocked(s.peerID, PhaseEnded)
}

func (m *Manager) recordLocked(ctx context.Context, rec history.Record) {
	if err := m.recorder.Record(ctx, rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "recordLocked",
			"error":    err.Error(),
		}).Error("Failed to record call history")
	}
	if m.onEnded != nil {
		m.onEnded(rec)
	}
}

func (m *Manager) notifyPhaseLocked(peerID string, phase Phase) {
	if m.onPhase != nil {
		m.onPhase(peerID, phase)
	}
}
