package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/call-signaling/internal/models"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newCall() *models.Call {
	return &models.Call{
		ID:             uuid.NewString(),
		ConversationID: "42",
		CallerID:       "alice",
		Type:           models.CallTypeVideo,
		Status:         models.CallStatusCalling,
		CreatedAt:      epoch,
		Participants:   []models.Participant{{ID: "alice"}, {ID: "bob"}},
	}
}

func TestTransitionLifecycle(t *testing.T) {
	c := newCall()

	require.NoError(t, Transition(c, models.CallStatusInProgress, "bob", nil, epoch.Add(time.Second)))
	require.NotNil(t, c.StartedAt)
	assert.Nil(t, c.EndedAt)
	assert.Equal(t, "bob", c.CalleeID)

	require.NoError(t, Transition(c, models.CallStatusCompleted, "alice", nil, epoch.Add(time.Minute)))
	require.NotNil(t, c.EndedAt)
	assert.Equal(t, epoch.Add(time.Second), *c.StartedAt)
	assert.Equal(t, epoch.Add(time.Minute), *c.EndedAt)

	err := Transition(c, models.CallStatusInProgress, "bob", nil, epoch)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTransitionUsesSuppliedTimestamp(t *testing.T) {
	c := newCall()
	at := epoch.Add(-time.Hour)

	require.NoError(t, Transition(c, models.CallStatusMissed, "bob", &at, epoch))

	assert.Nil(t, c.StartedAt)
	assert.Equal(t, at, *c.EndedAt)
	assert.Empty(t, c.CalleeID)
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("conversation round trip", func(t *testing.T) {
		conv := &models.Conversation{ID: uuid.NewString(), Participants: []models.Participant{{ID: "alice"}, {ID: "bob"}}}
		require.NoError(t, s.CreateConversation(ctx, conv))

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.True(t, got.HasParticipant("bob"))

		_, err = s.GetConversation(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("call update", func(t *testing.T) {
		c := newCall()
		require.NoError(t, s.CreateCall(ctx, c))

		updated, err := s.UpdateCall(ctx, c.ID, func(call *models.Call) error {
			return Transition(call, models.CallStatusInProgress, "bob", nil, epoch)
		})
		require.NoError(t, err)
		assert.Equal(t, models.CallStatusInProgress, updated.Status)

		got, err := s.GetCall(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CallStatusInProgress, got.Status)
		assert.Equal(t, "bob", got.CalleeID)
	})

	t.Run("failed mutation leaves record untouched", func(t *testing.T) {
		c := newCall()
		require.NoError(t, s.CreateCall(ctx, c))
		boom := errors.New("boom")

		_, err := s.UpdateCall(ctx, c.ID, func(call *models.Call) error {
			call.Status = models.CallStatusCompleted
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.GetCall(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CallStatusCalling, got.Status)
	})

	t.Run("missing call", func(t *testing.T) {
		_, err := s.GetCall(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.UpdateCall(ctx, "missing", func(*models.Call) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent answers only one wins", func(t *testing.T) {
		c := newCall()
		require.NoError(t, s.CreateCall(ctx, c))

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateCall(ctx, c.ID, func(call *models.Call) error {
					return Transition(call, models.CallStatusInProgress, "bob", nil, epoch)
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		ok := 0
		for err := range errs {
			if err == nil {
				ok++
			}
		}
		assert.Equal(t, 1, ok)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemory())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemory()
	c := newCall()
	require.NoError(t, s.CreateCall(context.Background(), c))

	got, err := s.GetCall(context.Background(), c.ID)
	require.NoError(t, err)
	got.Participants[0].ID = "mallory"

	again, err := s.GetCall(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Participants[0].ID)
}

// Set REDIS_TEST_ADDR (host:port) to run against a real server.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	s := NewRedis(client)
	testStore(t, s)

	c := newCall()
	require.NoError(t, s.CreateCall(context.Background(), c))
	ttl, err := client.TTL(context.Background(), callKey(c.ID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 23*time.Hour)
}
