package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/models"
)

const (
	recordTTL       = 24 * time.Hour
	maxWatchRetries = 5
)

// Redis stores records as JSON documents that expire after a day.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis stores records as JSON documents with a 24h TTL.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, ttl: recordTTL}
}

func conversationKey(id string) string { return "conversation:" + id }
func callKey(id string) string         { return "call:" + id }

func (r *Redis) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (r *Redis) get(ctx context.Context, key string, v any) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	return nil
}

func (r *Redis) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	return r.put(ctx, conversationKey(conv.ID), conv)
}

func (r *Redis) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	if err := r.get(ctx, conversationKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Redis) CreateCall(ctx context.Context, call *models.Call) error {
	return r.put(ctx, callKey(call.ID), call)
}

func (r *Redis) GetCall(ctx context.Context, id string) (*models.Call, error) {
	var c models.Call
	if err := r.get(ctx, callKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCall retries the WATCH/MULTI cycle when another writer touched the
// record in between.
func (r *Redis) UpdateCall(ctx context.Context, id string, mutate func(*models.Call) error) (*models.Call, error) {
	key := callKey(id)
	var out *models.Call

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var c models.Call
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		if err := mutate(&c); err != nil {
			return err
		}
		updated, err := json.Marshal(c)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		if err == nil {
			out = &c
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			log.Debug().Str("callId", id).Int("attempt", i+1).Msg("call update raced, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("update %s: too much contention", key)
}
