package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/models"
)

// maxBufferedCalls bounds how many not-yet-started calls may hold early
// signals at once.
const maxBufferedCalls = 8

// MediaAcquirer obtains local tracks for a call type.
type MediaAcquirer interface {
	Acquire(ctx context.Context, callType models.CallType) (*media.Stream, error)
}

// SignalSender delivers a signal to the remote participant.
type SignalSender interface {
	SendSignal(ctx context.Context, sig models.Signal) error
}

// Config bounds retries, ICE restarts and early signal buffering.
type Config struct {
	ICEServers       []string
	MaxSendAttempts  int
	RetryBase        time.Duration
	MaxICERestarts   int
	EarlySignalLimit int
	// Sleep waits between retries. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ConfigFrom converts the environment settings.
func ConfigFrom(c config.CallConfig) Config {
	return Config{
		ICEServers:       c.ICEServers,
		MaxSendAttempts:  c.MaxSendAttempts,
		RetryBase:        c.RetryBase,
		MaxICERestarts:   c.MaxICERestarts,
		EarlySignalLimit: c.EarlySignalLimit,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.MaxICERestarts < 0 {
		c.MaxICERestarts = 0
	}
	if c.EarlySignalLimit <= 0 {
		c.EarlySignalLimit = 64
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	return c
}

// Manager owns at most one live Session for the local participant.
type Manager struct {
	localID  string
	cfg      Config
	newPeer  PeerFactory
	acquirer MediaAcquirer
	sender   SignalSender
	handler  EventHandler
	events   *queue[Event]

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	current    *Session
	ready      bool
	early      map[string][]models.Signal
	earlyOrder []string
	closed     map[string]bool
}

// NewManager returns a manager with no live session. handler receives
// session events in order on a dedicated goroutine.
func NewManager(localID string, cfg Config, newPeer PeerFactory, acquirer MediaAcquirer, sender SignalSender, handler EventHandler) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		localID:  localID,
		cfg:      cfg.withDefaults(),
		newPeer:  newPeer,
		acquirer: acquirer,
		sender:   sender,
		handler:  handler,
		events:   newQueue[Event](),
		ctx:      ctx,
		cancel:   cancel,
		early:    make(map[string][]models.Signal),
		closed:   make(map[string]bool),
	}
	go m.events.run(ctx, func(e Event) {
		if m.handler != nil {
			m.handler(e)
		}
	})
	return m
}

func (m *Manager) emit(e Event) {
	m.events.push(e)
}

func (m *Manager) peerConfig() webrtc.Configuration {
	var cfg webrtc.Configuration
	if len(m.cfg.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: m.cfg.ICEServers}}
	}
	return cfg
}

// Start ends any live session, then acquires media and brings up a peer
// connection for c. The caller also opens the data channel and sends the
// first offer. Signals that arrived for c before this point are replayed.
func (m *Manager) Start(ctx context.Context, c models.Call, role Role) error {
	s := newSession(m, c, role)

	m.mu.Lock()
	prev := m.current
	m.current, m.ready = s, false
	delete(m.closed, c.ID)
	m.mu.Unlock()

	if prev != nil {
		prev.end("replaced by call " + c.ID)
	}
	return s.start(ctx)
}

// activate lets s consume signals directly, after replaying the buffer.
func (m *Manager) activate(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != s {
		return
	}
	m.ready = true
	buffered := m.early[s.call.ID]
	m.dropEarlyLocked(s.call.ID)
	for _, sig := range buffered {
		s.enqueueSignal(sig)
	}
	if len(buffered) > 0 {
		log.Debug().Str("callId", s.call.ID).Int("count", len(buffered)).Msg("replaying early signals")
	}
}

// forget detaches s after it closed.
func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == s {
		m.current, m.ready = nil, false
	}
	if m.current == nil || m.current.call.ID != s.call.ID {
		m.closed[s.call.ID] = true
		m.dropEarlyLocked(s.call.ID)
	}
}

// HandleSignal applies sig to the live session for its call, or holds it
// until that session is started.
func (m *Manager) HandleSignal(sig models.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed[sig.CallID] {
		log.Warn().Err(ErrProtocol).Str("callId", sig.CallID).Str("type", string(sig.Type)).Msg("signal for closed call dropped")
		return
	}
	if s := m.current; s != nil && s.call.ID == sig.CallID && m.ready {
		s.enqueueSignal(sig)
		return
	}
	m.bufferLocked(sig)
}

func (m *Manager) bufferLocked(sig models.Signal) {
	id := sig.CallID
	held, ok := m.early[id]
	if !ok {
		if len(m.earlyOrder) >= maxBufferedCalls {
			oldest := m.earlyOrder[0]
			log.Warn().Str("callId", oldest).Msg("dropping early signals of stale call")
			m.dropEarlyLocked(oldest)
		}
		m.earlyOrder = append(m.earlyOrder, id)
	}
	if len(held) >= m.cfg.EarlySignalLimit {
		log.Warn().Str("callId", id).Str("type", string(sig.Type)).Msg("early signal buffer full, dropped")
		return
	}
	m.early[id] = append(held, sig)
}

func (m *Manager) dropEarlyLocked(id string) {
	delete(m.early, id)
	for i, v := range m.earlyOrder {
		if v == id {
			m.earlyOrder = append(m.earlyOrder[:i], m.earlyOrder[i+1:]...)
			break
		}
	}
}

// End tears down the session for callID. Calling it again, or for a call
// that never started, only marks the call closed.
func (m *Manager) End(callID string) {
	m.mu.Lock()
	s := m.current
	if s == nil || s.call.ID != callID {
		m.closed[callID] = true
		m.dropEarlyLocked(callID)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	s.end("ended")
}

func (m *Manager) live() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ToggleAudio flips the microphone. ok is false when there is nothing to
// toggle.
func (m *Manager) ToggleAudio() (enabled, ok bool) {
	s := m.live()
	if s == nil {
		return false, false
	}
	return s.toggleAudio()
}

// ToggleVideo flips the camera. It returns ok=false with a notice event on
// audio calls and calls degraded to audio-only.
func (m *Manager) ToggleVideo() (enabled, ok bool) {
	s := m.live()
	if s == nil {
		return false, false
	}
	return s.toggleVideo()
}

// Current describes the live session, if any.
func (m *Manager) Current() (Snapshot, bool) {
	s := m.live()
	if s == nil {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Close ends the live session and stops event dispatch.
func (m *Manager) Close() {
	if s := m.live(); s != nil {
		s.end("manager closed")
	}
	m.cancel()
}
