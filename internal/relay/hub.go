package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/sdpclean"
	"github.com/mossy-p/call-signaling/internal/store"
)

var (
	ErrForbidden   = errors.New("not a conversation participant")
	ErrBadFrame    = errors.New("malformed frame")
	ErrRateLimited = errors.New("rate limited")
)

// Conversations resolves membership.
type Conversations interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
}

// Options sets the per-connection publish rate limit.
type Options struct {
	RatePerSecond float64
	Burst         int
}

// Hub tracks websocket clients on this instance and forwards bus traffic
// to them.
type Hub struct {
	bus           Bus
	conversations Conversations
	opts          Options

	mu     sync.RWMutex
	users  map[string]map[*Client]struct{}
	topics map[string]map[*Client]struct{}
}

// NewHub applies defaults to opts. Call Run to start delivery.
func NewHub(bus Bus, conversations Conversations, opts Options) *Hub {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 50
	}
	if opts.Burst <= 0 {
		opts.Burst = 100
	}
	return &Hub{
		bus:           bus,
		conversations: conversations,
		opts:          opts,
		users:         make(map[string]map[*Client]struct{}),
		topics:        make(map[string]map[*Client]struct{}),
	}
}

// Run pumps the bus into local clients until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	return h.bus.Run(ctx, h.dispatch)
}

func (h *Hub) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(h.opts.RatePerSecond), h.opts.Burst)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[c.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[c.UserID] = set
	}
	set[c] = struct{}{}
	log.Info().Str("user", c.UserID).Str("conn", c.ID).Int("connections", len(set)).Msg("relay client connected")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.users[c.UserID]; ok {
		if _, ok := set[c]; !ok {
			return
		}
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.UserID)
		}
	}
	for topic, set := range h.topics {
		delete(set, c)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
	close(c.Send)
	log.Info().Str("user", c.UserID).Str("conn", c.ID).Msg("relay client disconnected")
}

func (h *Hub) subscribe(ctx context.Context, c *Client, conversationID string) error {
	if err := h.checkMember(ctx, conversationID, c.UserID); err != nil {
		return err
	}
	channel := ConversationChannel(conversationID)
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[channel]
	if !ok {
		set = make(map[*Client]struct{})
		h.topics[channel] = set
	}
	set[c] = struct{}{}
	return nil
}

func (h *Hub) unsubscribe(c *Client, conversationID string) {
	channel := ConversationChannel(conversationID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.topics[channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.topics, channel)
		}
	}
}

func (h *Hub) checkMember(ctx context.Context, conversationID string, userIDs ...string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id required", ErrBadFrame)
	}
	conv, err := h.conversations.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return err
	}
	for _, id := range userIDs {
		if !conv.HasParticipant(id) {
			return ErrForbidden
		}
	}
	return nil
}

func conversationOf(env models.Envelope) string {
	switch {
	case env.Signal != nil:
		return env.Signal.ConversationID
	case env.Call != nil:
		return env.Call.ConversationID
	}
	return ""
}

// Publish validates env on behalf of senderID and puts it on the bus. The
// sender is always overwritten with senderID and SDP payloads are
// sanitized.
func (h *Hub) Publish(ctx context.Context, senderID string, scope models.PublishScope, target string, env models.Envelope) error {
	if target == "" {
		return fmt.Errorf("%w: target required", ErrBadFrame)
	}
	switch env.Event {
	case models.EventSignal:
		if env.Signal == nil {
			return fmt.Errorf("%w: signal envelope without signal", ErrBadFrame)
		}
	case models.EventCallStarted, models.EventCallAnswered, models.EventCallEnded:
		if env.Call == nil {
			return fmt.Errorf("%w: call envelope without call", ErrBadFrame)
		}
	default:
		return fmt.Errorf("%w: unknown event %q", ErrBadFrame, env.Event)
	}

	conversationID := conversationOf(env)
	var channel string
	switch scope {
	case models.ScopeUser:
		if err := h.checkMember(ctx, conversationID, senderID, target); err != nil {
			return err
		}
		channel = UserChannel(target)
	case models.ScopeConversation:
		if target != conversationID {
			return fmt.Errorf("%w: target does not match conversation", ErrBadFrame)
		}
		if err := h.checkMember(ctx, conversationID, senderID); err != nil {
			return err
		}
		channel = ConversationChannel(target)
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrBadFrame, scope)
	}

	env.SenderID = senderID
	env.Channel = channel
	if env.Signal != nil {
		sig := *env.Signal
		sig.SenderID = senderID
		sig.Payload.SDP = sdpclean.Sanitize(sig.Payload.SDP)
		env.Signal = &sig
	}
	return h.bus.Publish(ctx, channel, env)
}

func (h *Hub) dispatch(channel string, env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("marshal envelope")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var targets map[*Client]struct{}
	if user, ok := isUserChannel(channel); ok {
		targets = h.users[user]
	} else {
		targets = h.topics[channel]
	}
	for c := range targets {
		select {
		case c.Send <- data:
		default:
			log.Warn().Str("user", c.UserID).Str("conn", c.ID).Msg("relay client buffer full, envelope dropped")
		}
	}
}

// Connected reports how many connections userID has on this instance.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
