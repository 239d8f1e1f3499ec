package store

import (
	"context"
	"sync"

	"github.com/mossy-p/call-signaling/internal/models"
)

// Memory is an in-process Store for single-instance runs and tests.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	calls         map[string]*models.Call
}

// NewMemory returns an empty store held in process memory.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*models.Conversation),
		calls:         make(map[string]*models.Call),
	}
}

func (m *Memory) CreateConversation(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (m *Memory) CreateCall(_ context.Context, call *models.Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[call.ID] = cloneCall(call)
	return nil
}

func (m *Memory) GetCall(_ context.Context, id string) (*models.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCall(c), nil
}

func (m *Memory) UpdateCall(_ context.Context, id string, mutate func(*models.Call) error) (*models.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cloneCall(c)
	if err := mutate(next); err != nil {
		return nil, err
	}
	m.calls[id] = next
	return cloneCall(next), nil
}
