package history

import (
	"context"
	"slices"
	"sync"

	"secondbrain/api/internal/model"
)

// MemoryCache is a process-local Cache, used when Redis is not configured.
type MemoryCache struct {
	limits Limits

	mu    sync.Mutex
	chat  map[string][]model.ChatMessage
	edits map[string][]model.CollaborativeEdit
}

func NewMemoryCache(limits Limits) *MemoryCache {
	return &MemoryCache{
		limits: limits.withDefaults(),
		chat:   make(map[string][]model.ChatMessage),
		edits:  make(map[string][]model.CollaborativeEdit),
	}
}

func (c *MemoryCache) ChatHistory(_ context.Context, room string) []model.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ChatMessage{}, c.chat[room]...)
}

func (c *MemoryCache) EditHistory(_ context.Context, room string) []model.CollaborativeEdit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.CollaborativeEdit{}, c.edits[room]...)
}

func (c *MemoryCache) AppendChat(_ context.Context, room string, msg model.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.ID != "" && slices.ContainsFunc(c.chat[room], func(m model.ChatMessage) bool { return m.ID == msg.ID }) {
		return nil
	}
	items := append(c.chat[room], msg)
	if len(items) > c.limits.Chat {
		items = slices.Clone(items[len(items)-c.limits.Chat:])
	}
	c.chat[room] = items
	return nil
}

func (c *MemoryCache) AppendEdit(_ context.Context, room string, edit model.CollaborativeEdit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if edit.ID != "" && slices.ContainsFunc(c.edits[room], func(e model.CollaborativeEdit) bool { return e.ID == edit.ID }) {
		return nil
	}
	items := append([]model.CollaborativeEdit{edit}, c.edits[room]...)
	if len(items) > c.limits.Edit {
		items = items[:c.limits.Edit]
	}
	c.edits[room] = items
	return nil
}

// MemoryCaches hands out one MemoryCache per owner.
type MemoryCaches struct {
	limits Limits

	mu     sync.Mutex
	owners map[string]*MemoryCache
}

func NewMemoryCaches(limits Limits) *MemoryCaches {
	return &MemoryCaches{limits: limits, owners: make(map[string]*MemoryCache)}
}

func (m *MemoryCaches) ForOwner(owner string) *MemoryCache {
	m.mu.Lock()
	defer m.mu.Unlock()
	cache, ok := m.owners[owner]
	if !ok {
		cache = NewMemoryCache(m.limits)
		m.owners[owner] = cache
	}
	return cache
}
