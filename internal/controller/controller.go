package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/models"
)

var (
	ErrUnknownCall = errors.New("unknown call")
	ErrNoTarget    = errors.New("cannot resolve signal target")
)

const recordTimeout = 10 * time.Second

// Timestamps accompany a status update.
type Timestamps struct {
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// CallRecords is the persistent call resource.
type CallRecords interface {
	CreateCall(ctx context.Context, conversationID string, callType models.CallType) (*models.Call, error)
	UpdateCallStatus(ctx context.Context, callID string, status models.CallStatus, ts Timestamps) (*models.Call, error)
	GetCall(ctx context.Context, callID string) (*models.Call, error)
}

// Relay is fire-and-forget delivery through the signaling server.
type Relay interface {
	PublishToUser(ctx context.Context, userID string, env models.Envelope) error
	PublishToConversation(ctx context.Context, conversationID string, env models.Envelope) error
}

// PeerManager runs the local peer connection for one call at a time.
type PeerManager interface {
	Start(ctx context.Context, c models.Call, role call.Role) error
	HandleSignal(sig models.Signal)
	End(callID string)
	ToggleAudio() (enabled, ok bool)
	ToggleVideo() (enabled, ok bool)
	Current() (call.Snapshot, bool)
	Close()
}

// Notice is a user-visible message.
type Notice struct {
	CallID  string
	Message string
	Err     error
}

// Notifier is the user interface side.
type Notifier interface {
	IncomingCall(c models.Call)
	CallUpdated(c models.Call)
	Notify(n Notice)
}

// PeerFactory builds the peer manager with the controller as its signal
// sender and event sink.
type PeerFactory func(sender call.SignalSender, events call.EventHandler) PeerManager

// Controller turns user intent and relay traffic into call record updates,
// broadcasts and peer manager commands.
type Controller struct {
	localID  string
	records  CallRecords
	relay    Relay
	notifier Notifier
	peers    PeerManager
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	active   string
	calls    map[string]models.Call
	incoming map[string]bool
	failed   map[string]bool
}

// New builds a controller for localID and its peer manager.
func New(localID string, records CallRecords, relay Relay, notifier Notifier, newPeers PeerFactory) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		localID:  localID,
		records:  records,
		relay:    relay,
		notifier: notifier,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		calls:    make(map[string]models.Call),
		incoming: make(map[string]bool),
		failed:   make(map[string]bool),
	}
	c.peers = newPeers(c, c.handleEvent)
	return c
}

func (c *Controller) remember(rec models.Call) {
	c.mu.Lock()
	c.calls[rec.ID] = rec
	c.mu.Unlock()
}

func (c *Controller) lookup(ctx context.Context, callID string) (models.Call, error) {
	c.mu.Lock()
	rec, ok := c.calls[callID]
	c.mu.Unlock()
	if ok {
		return rec, nil
	}
	fetched, err := c.records.GetCall(ctx, callID)
	if err != nil {
		return models.Call{}, fmt.Errorf("%w %s: %w", ErrUnknownCall, callID, err)
	}
	c.remember(*fetched)
	return *fetched, nil
}

// replaceActive finishes the call whose session is live, if it is not
// next, so its record and the other party do not see it as still running.
func (c *Controller) replaceActive(ctx context.Context, next string) {
	c.mu.Lock()
	prev := c.active
	c.active = ""
	c.mu.Unlock()
	if prev == "" || prev == next {
		return
	}
	log.Info().Str("callId", prev).Str("next", next).Msg("ending call replaced by a new one")
	if _, err := c.HangUp(ctx, prev); err != nil {
		log.Warn().Err(err).Str("callId", prev).Msg("finish replaced call")
	}
}

func (c *Controller) clearActive(callID string) {
	c.mu.Lock()
	if c.active == callID {
		c.active = ""
	}
	c.mu.Unlock()
}

func (c *Controller) startPeer(ctx context.Context, rec models.Call, role call.Role) {
	c.replaceActive(ctx, rec.ID)
	c.mu.Lock()
	c.active = rec.ID
	c.mu.Unlock()

	go func() {
		err := c.peers.Start(c.ctx, rec, role)
		if err != nil && !errors.Is(err, call.ErrSessionClosed) {
			log.Warn().Err(err).Str("callId", rec.ID).Str("role", string(role)).Msg("peer session did not start")
		}
	}()
}

// PlaceCall creates the record, announces it to the conversation and then
// starts the caller session. A failed announcement finalizes the record.
func (c *Controller) PlaceCall(ctx context.Context, conversationID string, callType models.CallType) (*models.Call, error) {
	if !callType.Valid() {
		return nil, fmt.Errorf("invalid call type %q", callType)
	}

	rec, err := c.records.CreateCall(ctx, conversationID, callType)
	if err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}

	env := models.Envelope{Event: models.EventCallStarted, Call: rec}
	if err := c.relay.PublishToConversation(ctx, conversationID, env); err != nil {
		ended := c.now().UTC()
		if _, ferr := c.records.UpdateCallStatus(ctx, rec.ID, models.CallStatusCompleted, Timestamps{EndedAt: &ended}); ferr != nil {
			log.Error().Err(ferr).Str("callId", rec.ID).Msg("finalize unannounced call")
		}
		return nil, fmt.Errorf("broadcast call-started: %w", err)
	}

	c.remember(*rec)
	log.Info().Str("callId", rec.ID).Str("conversationId", conversationID).Str("type", string(callType)).Msg("call placed")
	c.startPeer(ctx, *rec, call.RoleCaller)
	return rec, nil
}

// ReceiveIncomingCall prompts for an answer unless the call is our own.
func (c *Controller) ReceiveIncomingCall(rec models.Call) {
	if rec.CallerID == c.localID {
		return
	}
	if rec.Status != models.CallStatusCalling {
		log.Debug().Str("callId", rec.ID).Str("status", string(rec.Status)).Msg("stale call-started ignored")
		return
	}

	c.mu.Lock()
	c.calls[rec.ID] = rec
	c.incoming[rec.ID] = true
	c.mu.Unlock()

	log.Info().Str("callId", rec.ID).Str("caller", rec.CallerID).Msg("incoming call")
	c.notifier.IncomingCall(rec)
}

func (c *Controller) takeIncoming(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.incoming[callID] {
		return false
	}
	delete(c.incoming, callID)
	return true
}

// Answer accepts a ringing call and starts the callee session.
func (c *Controller) Answer(ctx context.Context, callID string) (*models.Call, error) {
	c.mu.Lock()
	ringing := c.incoming[callID]
	c.mu.Unlock()
	if !ringing {
		return nil, fmt.Errorf("%w %s: not ringing", ErrUnknownCall, callID)
	}

	started := c.now().UTC()
	rec, err := c.records.UpdateCallStatus(ctx, callID, models.CallStatusInProgress, Timestamps{StartedAt: &started})
	if err != nil {
		return nil, fmt.Errorf("answer call: %w", err)
	}
	c.takeIncoming(callID)
	c.remember(*rec)

	env := models.Envelope{Event: models.EventCallAnswered, Call: rec}
	if err := c.relay.PublishToConversation(ctx, rec.ConversationID, env); err != nil {
		log.Warn().Err(err).Str("callId", callID).Msg("broadcast call-answered")
	}

	c.startPeer(ctx, *rec, call.RoleCallee)
	c.notifier.CallUpdated(*rec)
	return rec, nil
}

// Decline rejects a ringing call, leaving it missed.
func (c *Controller) Decline(ctx context.Context, callID string) (*models.Call, error) {
	if !c.takeIncoming(callID) {
		return nil, fmt.Errorf("%w %s: not ringing", ErrUnknownCall, callID)
	}
	c.peers.End(callID)

	ended := c.now().UTC()
	rec, err := c.records.UpdateCallStatus(ctx, callID, models.CallStatusMissed, Timestamps{EndedAt: &ended})
	if err != nil {
		return nil, fmt.Errorf("decline call: %w", err)
	}
	c.remember(*rec)
	c.broadcastEnded(ctx, rec)
	c.notifier.CallUpdated(*rec)
	return rec, nil
}

// HangUp completes the call and always tears the local session down.
func (c *Controller) HangUp(ctx context.Context, callID string) (*models.Call, error) {
	defer c.peers.End(callID)
	c.clearActive(callID)

	ended := c.now().UTC()
	rec, err := c.records.UpdateCallStatus(ctx, callID, models.CallStatusCompleted, Timestamps{EndedAt: &ended})
	if err != nil {
		return nil, fmt.Errorf("hang up: %w", err)
	}
	c.takeIncoming(callID)
	c.remember(*rec)
	c.broadcastEnded(ctx, rec)
	c.notifier.CallUpdated(*rec)
	return rec, nil
}

func (c *Controller) broadcastEnded(ctx context.Context, rec *models.Call) {
	env := models.Envelope{Event: models.EventCallEnded, Call: rec}
	if err := c.relay.PublishToConversation(ctx, rec.ConversationID, env); err != nil {
		log.Warn().Err(err).Str("callId", rec.ID).Msg("broadcast call-ended")
	}
}

// HandleEnvelope consumes relay traffic. Anything we sent ourselves is
// dropped before it can reach the peer manager.
func (c *Controller) HandleEnvelope(env models.Envelope) {
	if env.SenderID == c.localID {
		return
	}

	switch env.Event {
	case models.EventSignal:
		if env.Signal == nil || env.Signal.SenderID == c.localID {
			return
		}
		c.peers.HandleSignal(*env.Signal)
	case models.EventCallStarted:
		if env.Call != nil {
			c.ReceiveIncomingCall(*env.Call)
		}
	case models.EventCallAnswered:
		if env.Call != nil {
			c.remember(*env.Call)
			c.notifier.CallUpdated(*env.Call)
		}
	case models.EventCallEnded:
		if env.Call != nil {
			c.remoteEnded(*env.Call)
		}
	default:
		log.Debug().Str("event", string(env.Event)).Msg("unhandled relay event")
	}
}

// remoteEnded ends the local side of a call the other party finished. The
// record was already finalized by them.
func (c *Controller) remoteEnded(rec models.Call) {
	c.mu.Lock()
	delete(c.incoming, rec.ID)
	c.calls[rec.ID] = rec
	if c.active == rec.ID {
		c.active = ""
	}
	c.mu.Unlock()

	c.peers.End(rec.ID)
	log.Info().Str("callId", rec.ID).Str("status", string(rec.Status)).Msg("call ended remotely")
	c.notifier.CallUpdated(rec)
}

// SendSignal routes sig to the explicit target or else the only other
// participant. Signals are never broadcast to the conversation.
func (c *Controller) SendSignal(ctx context.Context, sig models.Signal) error {
	if sig.TargetUserID == "" {
		rec, err := c.lookup(ctx, sig.CallID)
		if err != nil {
			return err
		}
		other, ok := rec.OtherParticipant(c.localID)
		if !ok {
			return fmt.Errorf("%w for call %s", ErrNoTarget, sig.CallID)
		}
		sig.TargetUserID = other
	}
	return c.relay.PublishToUser(ctx, sig.TargetUserID, models.Envelope{Event: models.EventSignal, Signal: &sig})
}

func (c *Controller) handleEvent(e call.Event) {
	switch e.Kind {
	case call.EventFailed:
		c.failCall(e.CallID, e.Err)
	case call.EventMediaDegraded, call.EventNotice:
		c.notifier.Notify(Notice{CallID: e.CallID, Message: e.Message})
	case call.EventDataMessage:
		c.notifier.Notify(Notice{CallID: e.CallID, Message: e.Message})
	case call.EventStateChanged:
		log.Debug().Str("callId", e.CallID).Str("state", string(e.State)).Msg("call state")
	}
}

// failCall runs once per call: teardown, terminal record, one notice.
func (c *Controller) failCall(callID string, cause error) {
	c.mu.Lock()
	if c.failed[callID] {
		c.mu.Unlock()
		return
	}
	c.failed[callID] = true
	delete(c.incoming, callID)
	if c.active == callID {
		c.active = ""
	}
	c.mu.Unlock()

	c.peers.End(callID)

	ctx, cancel := context.WithTimeout(c.ctx, recordTimeout)
	defer cancel()
	ended := c.now().UTC()
	rec, err := c.records.UpdateCallStatus(ctx, callID, models.CallStatusCompleted, Timestamps{EndedAt: &ended})
	if err != nil {
		log.Warn().Err(err).Str("callId", callID).Msg("finalize failed call")
	} else {
		c.remember(*rec)
		c.broadcastEnded(ctx, rec)
	}

	log.Error().Err(cause).Str("callId", callID).Msg("call failed")
	c.notifier.Notify(Notice{CallID: callID, Message: failureMessage(cause), Err: cause})
}

func failureMessage(err error) string {
	var me *media.MediaError
	switch {
	case errors.As(err, &me):
		return me.Hint()
	case errors.Is(err, call.ErrConnectionLost):
		return "Connection lost"
	case errors.Is(err, call.ErrSignalDeliveryFailed):
		return "Could not reach the other participant"
	case errors.Is(err, call.ErrNegotiationFailed):
		return "Could not establish the call"
	}
	return "Call failed"
}

func (c *Controller) ToggleAudio() (bool, bool) { return c.peers.ToggleAudio() }

func (c *Controller) ToggleVideo() (bool, bool) { return c.peers.ToggleVideo() }

func (c *Controller) Current() (call.Snapshot, bool) { return c.peers.Current() }

// Ringing lists calls waiting for an answer.
func (c *Controller) Ringing() []models.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Call
	for id := range c.incoming {
		out = append(out, c.calls[id])
	}
	return out
}

// Close ends the live session and stops background work.
func (c *Controller) Close() {
	c.peers.Close()
	c.cancel()
}
