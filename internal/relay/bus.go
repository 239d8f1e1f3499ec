package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/models"
)

const (
	channelPrefix      = "relay:"
	userPrefix         = channelPrefix + "user:"
	conversationPrefix = channelPrefix + "conversation:"
)

// UserChannel carries envelopes addressed to one user.
func UserChannel(userID string) string { return userPrefix + userID }

// ConversationChannel carries broadcasts to a conversation.
func ConversationChannel(conversationID string) string { return conversationPrefix + conversationID }

// Bus carries envelopes between relay instances.
type Bus interface {
	Publish(ctx context.Context, channel string, env models.Envelope) error
	// Run hands every envelope published on a relay channel to deliver
	// until ctx is done.
	Run(ctx context.Context, deliver func(channel string, env models.Envelope)) error
}

type busMessage struct {
	channel string
	env     models.Envelope
}

// LocalBus delivers within the process.
type LocalBus struct {
	ch chan busMessage
}

// NewLocalBus is an in-process bus for a single server instance.
func NewLocalBus(buffer int) *LocalBus {
	return &LocalBus{ch: make(chan busMessage, buffer)}
}

func (b *LocalBus) Publish(ctx context.Context, channel string, env models.Envelope) error {
	select {
	case b.ch <- busMessage{channel, env}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBus) Run(ctx context.Context, deliver func(string, models.Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-b.ch:
			deliver(m.channel, m.env)
		}
	}
}

// RedisBus fans out over redis pub/sub so several relay instances share
// subscribers.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus shares delivery across instances over redis pub/sub.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Run(ctx context.Context, deliver func(string, models.Envelope)) error {
	sub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Info().Str("pattern", channelPrefix+"*").Msg("relay bus subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env models.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("undecodable relay message")
				continue
			}
			deliver(msg.Channel, env)
		}
	}
}

func isUserChannel(channel string) (string, bool) {
	return strings.CutPrefix(channel, userPrefix)
}
