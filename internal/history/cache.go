// Package history keeps room chat and edit history close to a client so a
// reconnecting session can render prior activity before the transport is up.
package history

import (
	"context"

	"secondbrain/api/internal/model"
)

const (
	DefaultChatLimit = 100
	DefaultEditLimit = 100
)

// Cache is room-scoped history storage owned by a single user. Chat is
// returned oldest first, edits newest first. Appends are idempotent on the
// entry id, since every tab of the owner records the same messages. Reads
// never fail: unreadable history is reported as empty.
type Cache interface {
	ChatHistory(ctx context.Context, room string) []model.ChatMessage
	EditHistory(ctx context.Context, room string) []model.CollaborativeEdit
	AppendChat(ctx context.Context, room string, msg model.ChatMessage) error
	AppendEdit(ctx context.Context, room string, edit model.CollaborativeEdit) error
}

// Limits bound how many entries a cache retains per room.
type Limits struct {
	Chat int
	Edit int
}

func (l Limits) withDefaults() Limits {
	if l.Chat <= 0 {
		l.Chat = DefaultChatLimit
	}
	if l.Edit <= 0 {
		l.Edit = DefaultEditLimit
	}
	return l
}

// OwnerFunc returns the cache owned by one client.
type OwnerFunc func(owner string) Cache

func (c *RedisCache) OwnerFunc() OwnerFunc {
	return func(owner string) Cache { return c.ForOwner(owner) }
}

func (m *MemoryCaches) OwnerFunc() OwnerFunc {
	return func(owner string) Cache { return m.ForOwner(owner) }
}
