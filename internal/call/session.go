package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/sdpclean"
)

// Role is the side of the call a session plays. Only the caller offers.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// State is the lifecycle position of a session.
type State string

const (
	StateNew            State = "new"
	StateAcquiringMedia State = "acquiring-media"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
	StateClosed         State = "closed"
)

const dataChannelLabel = "messenger-chat"

// SystemMessage is sent over the side data channel.
type SystemMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a read-only view of the current session.
type Snapshot struct {
	CallID            string
	Role              Role
	State             State
	Type              models.CallType
	Degraded          bool
	AudioEnabled      bool
	VideoEnabled      bool
	PendingCandidates int
	RetryCount        int
	ICERestartCount   int
	RemoteTracks      int
}

type localTrack struct {
	track   media.Track
	sender  TrackSender
	enabled bool
}

func (l *localTrack) setEnabled(on bool) error {
	if l.sender != nil {
		var t webrtc.TrackLocal
		if on {
			t = l.track
		}
		if err := l.sender.ReplaceTrack(t); err != nil {
			return err
		}
	}
	l.enabled = on
	return nil
}

// Session drives one peer connection for one call. Inbound signals and pion
// callbacks are applied in order on the control goroutine; outbound signals
// are delivered in order on the outbox goroutine.
type Session struct {
	m    *Manager
	call models.Call
	role Role
	log  zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	control *queue[func()]
	outbox  *queue[models.Signal]

	mu              sync.Mutex
	state           State
	pc              PeerConnection
	dc              DataChannel
	stream          *media.Stream
	audio           *localTrack
	video           *localTrack
	remoteTracks    []*webrtc.TrackRemote
	remoteSet       bool
	pending         []webrtc.ICECandidateInit
	offerPending    bool
	awaitingAnswer  bool
	retryCount      int
	iceRestartCount int
	degraded        bool
	notes           []string
}

func newSession(m *Manager, c models.Call, role Role) *Session {
	ctx, cancel := context.WithCancel(m.ctx)
	s := &Session{
		m:       m,
		call:    c,
		role:    role,
		log:     log.With().Str("callId", c.ID).Str("role", string(role)).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		control: newQueue[func()](),
		outbox:  newQueue[models.Signal](),
		state:   StateNew,
	}
	go s.control.run(ctx, func(f func()) { f() })
	go s.outbox.run(ctx, s.deliver)
	return s
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.log.Info().Str("from", string(s.state)).Str("to", string(st)).Msg("session state changed")
	s.state = st
	s.m.emit(Event{Kind: EventStateChanged, CallID: s.call.ID, State: st})
}

func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	s.setStateLocked(StateAcquiringMedia)
	s.mu.Unlock()

	acqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	stream, err := s.m.acquirer.Acquire(acqCtx, s.call.Type)
	stop()
	cancel()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		stream.Stop()
		return ErrSessionClosed
	}
	if err != nil {
		s.mu.Unlock()
		err = fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
		s.fail(err)
		return err
	}
	s.stream = stream
	s.degraded = stream.Degraded

	pc, err := s.m.newPeer(s.m.peerConfig())
	if err != nil {
		s.mu.Unlock()
		err = fmt.Errorf("%w: create peer connection: %w", ErrNegotiationFailed, err)
		s.fail(err)
		return err
	}
	s.pc = pc
	s.wireLocked(pc)

	for _, t := range stream.Tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			s.log.Warn().Err(err).Str("kind", t.Kind().String()).Msg("add local track")
			continue
		}
		lt := &localTrack{track: t, sender: sender, enabled: true}
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			s.audio = lt
		case webrtc.RTPCodecTypeVideo:
			s.video = lt
		}
	}

	if s.role == RoleCaller {
		ordered := true
		maxRetransmits := uint16(3)
		dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &maxRetransmits,
		})
		if err != nil {
			s.log.Warn().Err(err).Msg("create data channel")
		} else {
			s.attachDataChannelLocked(dc)
		}
	}

	if s.degraded {
		s.notes = append(s.notes, "Camera unavailable, continuing with audio only")
		s.m.emit(Event{Kind: EventMediaDegraded, CallID: s.call.ID, Message: "Camera unavailable, continuing with audio only"})
	}

	s.setStateLocked(StateConnecting)
	if s.role == RoleCaller {
		s.startOfferLocked(false)
	}
	s.mu.Unlock()

	s.m.activate(s)
	return nil
}

func (s *Session) wireLocked(pc PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.ctx.Err() != nil {
			return
		}
		init := c.ToJSON()
		s.send(models.SignalTypeCandidate, models.SignalPayload{Type: models.SignalTypeCandidate, Candidate: &init})
	})
	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		s.control.push(func() { s.onICEState(st) })
	})
	pc.OnNegotiationNeeded(func() {
		s.control.push(s.onNegotiationNeeded)
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.control.push(func() { s.onRemoteTrack(tr) })
	})
	pc.OnDataChannel(func(dc DataChannel) {
		// Adoption is queued ahead of anything the handlers below push, and
		// the handlers are in place before pion delivers the first message.
		s.control.push(func() { s.adoptDataChannel(dc) })
		s.hookDataChannel(dc)
	})
}

func (s *Session) attachDataChannelLocked(dc DataChannel) {
	s.dc = dc
	s.hookDataChannel(dc)
}

func (s *Session) adoptDataChannel(dc DataChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.dc != nil {
		s.log.Debug().Str("label", dc.Label()).Msg("extra data channel ignored")
		return
	}
	s.dc = dc
}

func (s *Session) hookDataChannel(dc DataChannel) {
	dc.OnOpen(func() { s.control.push(func() { s.onDataChannelOpen(dc) }) })
	dc.OnClose(func() { s.log.Debug().Msg("data channel closed") })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.control.push(func() { s.onDataMessage(dc, msg) })
	})
}

func (s *Session) send(t models.SignalType, payload models.SignalPayload) {
	s.outbox.push(models.Signal{
		Type:           t,
		ConversationID: s.call.ConversationID,
		CallID:         s.call.ID,
		SenderID:       s.m.localID,
		Payload:        payload,
		Timestamp:      time.Now().UTC(),
	})
}

func (s *Session) deliver(sig models.Signal) {
	err := retry(s.ctx, s.m.cfg, func(ctx context.Context) error {
		return s.m.sender.SendSignal(ctx, sig)
	}, func(attempt int, err error) {
		s.countRetry()
		s.log.Warn().Err(err).Int("attempt", attempt).Str("type", string(sig.Type)).Msg("signal delivery failed")
	})
	if err == nil || s.ctx.Err() != nil {
		return
	}
	s.fail(fmt.Errorf("%w: %s: %w", ErrSignalDeliveryFailed, sig.Type, err))
}

func (s *Session) countRetry() {
	s.mu.Lock()
	s.retryCount++
	s.mu.Unlock()
}

func (s *Session) startOfferLocked(iceRestart bool) {
	s.offerPending = true
	go s.negotiate(iceRestart)
}

func (s *Session) negotiate(iceRestart bool) {
	err := retry(s.ctx, s.m.cfg, func(context.Context) error {
		return s.createOffer(iceRestart)
	}, func(attempt int, err error) {
		s.countRetry()
		s.log.Warn().Err(err).Int("attempt", attempt).Bool("iceRestart", iceRestart).Msg("offer creation failed")
	})
	if err == nil || s.ctx.Err() != nil || errors.Is(err, ErrSessionClosed) {
		return
	}
	s.fail(fmt.Errorf("%w: %w", ErrNegotiationFailed, err))
}

func (s *Session) createOffer(iceRestart bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}

	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	s.awaitingAnswer = true
	s.send(models.SignalTypeOffer, models.SignalPayload{Type: models.SignalTypeOffer, SDP: sdpclean.Sanitize(offer.SDP)})
	s.log.Debug().Bool("iceRestart", iceRestart).Msg("offer queued")
	return nil
}

func (s *Session) enqueueSignal(sig models.Signal) {
	s.control.push(func() { s.handleSignal(sig) })
}

func (s *Session) handleSignal(sig models.Signal) {
	if err := s.applySignal(sig); err != nil {
		s.fail(err)
	}
}

func (s *Session) applySignal(sig models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		s.log.Warn().Err(ErrProtocol).Str("type", string(sig.Type)).Msg("signal for closed call dropped")
		return nil
	}

	switch sig.Type {
	case models.SignalTypeOffer:
		return s.applyOfferLocked(sig)
	case models.SignalTypeAnswer:
		return s.applyAnswerLocked(sig)
	case models.SignalTypeCandidate:
		s.addCandidateLocked(sig)
	default:
		s.log.Warn().Err(ErrProtocol).Str("type", string(sig.Type)).Msg("unknown signal type dropped")
	}
	return nil
}

func (s *Session) applyOfferLocked(sig models.Signal) error {
	if sig.Payload.SDP == "" {
		s.log.Warn().Err(ErrProtocol).Msg("offer without sdp dropped")
		return nil
	}
	if s.role == RoleCaller && s.awaitingAnswer {
		s.log.Warn().Err(ErrProtocol).Msg("remote offer while our offer is outstanding, dropped")
		return nil
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpclean.Sanitize(sig.Payload.SDP)}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: apply offer: %w", ErrNegotiationFailed, err)
	}
	s.markRemoteSetLocked()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %w", ErrNegotiationFailed, err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %w", ErrNegotiationFailed, err)
	}
	s.send(models.SignalTypeAnswer, models.SignalPayload{Type: models.SignalTypeAnswer, SDP: sdpclean.Sanitize(answer.SDP)})
	return nil
}

func (s *Session) applyAnswerLocked(sig models.Signal) error {
	if !s.awaitingAnswer {
		s.log.Warn().Err(ErrProtocol).Msg("answer without outstanding offer dropped")
		return nil
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdpclean.Sanitize(sig.Payload.SDP)}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: apply answer: %w", ErrNegotiationFailed, err)
	}
	s.awaitingAnswer = false
	s.offerPending = false
	s.markRemoteSetLocked()
	return nil
}

// markRemoteSetLocked flushes queued candidates the first time a remote
// description lands.
func (s *Session) markRemoteSetLocked() {
	if s.remoteSet {
		return
	}
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("queued candidate rejected")
		}
	}
	if len(pending) > 0 {
		s.log.Debug().Int("count", len(pending)).Msg("flushed queued candidates")
	}
}

func (s *Session) addCandidateLocked(sig models.Signal) {
	c := sig.Payload.Candidate
	if c == nil {
		s.log.Warn().Err(ErrProtocol).Msg("candidate signal without candidate dropped")
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, *c)
		return
	}
	if err := s.pc.AddICECandidate(*c); err != nil {
		s.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("candidate rejected")
	}
}

func (s *Session) onICEState(st webrtc.ICEConnectionState) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.log.Debug().Str("ice", st.String()).Msg("ice connection state")

	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.iceRestartCount = 0
		s.setStateLocked(StateConnected)
	case webrtc.ICEConnectionStateDisconnected:
		if s.state == StateConnected {
			s.setStateLocked(StateReconnecting)
		}
	case webrtc.ICEConnectionStateFailed:
		if s.iceRestartCount >= s.m.cfg.MaxICERestarts {
			restarts := s.iceRestartCount
			s.mu.Unlock()
			s.fail(fmt.Errorf("%w: ice failed after %d restarts", ErrConnectionLost, restarts))
			return
		}
		s.iceRestartCount++
		if s.state == StateConnected {
			s.setStateLocked(StateReconnecting)
		}
		if s.role == RoleCaller {
			s.log.Info().Int("attempt", s.iceRestartCount).Msg("restarting ice")
			s.startOfferLocked(true)
		} else {
			s.log.Info().Int("attempt", s.iceRestartCount).Msg("ice failed, waiting for caller restart")
		}
	}
	s.mu.Unlock()
}

// onNegotiationNeeded renegotiates only from a connected caller with no
// offer in flight, so both ends never offer at once.
func (s *Session) onNegotiationNeeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != RoleCaller || s.state != StateConnected || s.offerPending {
		s.log.Debug().Str("state", string(s.state)).Bool("offerPending", s.offerPending).Msg("negotiation needed skipped")
		return
	}
	s.startOfferLocked(false)
}

func (s *Session) onRemoteTrack(tr *webrtc.TrackRemote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.remoteTracks = append(s.remoteTracks, tr)
	s.m.emit(Event{Kind: EventRemoteTrack, CallID: s.call.ID, Track: tr})
}

func (s *Session) onDataChannelOpen(dc DataChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.dc != dc {
		return
	}
	notes := s.notes
	s.notes = nil
	for _, n := range notes {
		s.notifyPeerLocked(n, false)
	}
	s.m.emit(Event{Kind: EventDataChannelOpen, CallID: s.call.ID})
}

func (s *Session) onDataMessage(dc DataChannel, msg webrtc.DataChannelMessage) {
	text := string(msg.Data)
	var sm SystemMessage
	if msg.IsString && json.Unmarshal(msg.Data, &sm) == nil && sm.Type == "system" {
		text = sm.Message
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.dc != dc {
		return
	}
	s.m.emit(Event{Kind: EventDataMessage, CallID: s.call.ID, Message: text})
}

// notifyPeerLocked sends a system message when the data channel is open.
// Otherwise it is kept for the open event if keep is set. Failures are
// logged only.
func (s *Session) notifyPeerLocked(text string, keep bool) {
	if s.dc == nil || s.dc.ReadyState() != webrtc.DataChannelStateOpen {
		if keep {
			s.notes = append(s.notes, text)
		}
		return
	}
	b, err := json.Marshal(SystemMessage{Type: "system", Message: text, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := s.dc.SendText(string(b)); err != nil {
		s.log.Debug().Err(err).Msg("data channel send")
	}
}

func (s *Session) toggleAudio() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.audio == nil {
		return false, false
	}
	on := !s.audio.enabled
	if err := s.audio.setEnabled(on); err != nil {
		s.log.Warn().Err(err).Msg("toggle audio")
		return s.audio.enabled, false
	}
	if on {
		s.notifyPeerLocked("Microphone unmuted", true)
	} else {
		s.notifyPeerLocked("Microphone muted", true)
	}
	return on, true
}

func (s *Session) toggleVideo() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false, false
	}
	if s.call.Type != models.CallTypeVideo || s.degraded || s.video == nil {
		s.m.emit(Event{Kind: EventNotice, CallID: s.call.ID, Message: "Video is not available"})
		return false, false
	}
	on := !s.video.enabled
	if err := s.video.setEnabled(on); err != nil {
		s.log.Warn().Err(err).Msg("toggle video")
		return s.video.enabled, false
	}
	if on {
		s.notifyPeerLocked("Camera turned on", true)
	} else {
		s.notifyPeerLocked("Camera turned off", true)
	}
	return on, true
}

// end closes the session. It reports false when it was already closed.
func (s *Session) end(reason string) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.notifyPeerLocked("Call ended", false)
	release := s.shutdownLocked()
	s.mu.Unlock()

	release()
	s.m.forget(s)
	s.log.Info().Str("reason", reason).Msg("session ended")
	return true
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.log.Debug().Err(err).Msg("failure after close ignored")
		return
	}
	s.notifyPeerLocked("Call ended", false)
	release := s.shutdownLocked()
	s.mu.Unlock()

	release()
	s.m.forget(s)
	s.log.Error().Err(err).Msg("call failed")
	s.m.emit(Event{Kind: EventFailed, CallID: s.call.ID, Err: err})
}

// shutdownLocked moves to Closed and detaches every resource. The returned
// func releases them and must run without s.mu held, since pion may call
// back into the session while closing.
func (s *Session) shutdownLocked() func() {
	s.setStateLocked(StateClosed)
	s.cancel()

	dc, pc, stream := s.dc, s.pc, s.stream
	s.dc, s.pc, s.stream = nil, nil, nil
	s.audio, s.video = nil, nil
	s.remoteTracks = nil
	s.pending = nil
	s.notes = nil

	return func() {
		if dc != nil {
			if err := dc.Close(); err != nil {
				s.log.Debug().Err(err).Msg("close data channel")
			}
		}
		if pc != nil {
			if err := pc.Close(); err != nil {
				s.log.Debug().Err(err).Msg("close peer connection")
			}
		}
		stream.Stop()
	}
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		CallID:            s.call.ID,
		Role:              s.role,
		State:             s.state,
		Type:              s.call.Type,
		Degraded:          s.degraded,
		PendingCandidates: len(s.pending),
		RetryCount:        s.retryCount,
		ICERestartCount:   s.iceRestartCount,
		RemoteTracks:      len(s.remoteTracks),
	}
	if s.degraded {
		snap.Type = models.CallTypeAudio
	}
	if s.audio != nil {
		snap.AudioEnabled = s.audio.enabled
	}
	if s.video != nil {
		snap.VideoEnabled = s.video.enabled
	}
	return snap
}
