package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"secondbrain/api/internal/log"
	"secondbrain/api/internal/model"
)

// RedisCache stores history in Redis lists, one pair per owner and room.
type RedisCache struct {
	client *redis.Client
	prefix string
	owner  string
	limits Limits
	ttl    time.Duration
	logger *slog.Logger
}

type RedisOptions struct {
	Prefix string
	Limits Limits
	// TTL expires a room's history after it has been idle this long. Zero
	// keeps it forever.
	TTL    time.Duration
	Logger *slog.Logger
}

// NewRedisCache creates a cache from an existing Redis client. Call ForOwner
// to scope it to a client before use.
func NewRedisCache(client *redis.Client, opts RedisOptions) *RedisCache {
	if opts.Prefix == "" {
		opts.Prefix = "secondbrain:"
	}
	if opts.Logger == nil {
		opts.Logger = log.New("history")
	}
	return &RedisCache{
		client: client,
		prefix: opts.Prefix,
		limits: opts.Limits.withDefaults(),
		ttl:    opts.TTL,
		logger: opts.Logger,
	}
}

// ForOwner returns a copy of the cache whose keys are scoped to owner.
func (c *RedisCache) ForOwner(owner string) *RedisCache {
	scoped := *c
	scoped.owner = owner
	return &scoped
}

func (c *RedisCache) chatKey(room string) string {
	return c.prefix + "history:" + c.owner + ":" + room + ":chat"
}

func (c *RedisCache) editKey(room string) string {
	return c.prefix + "history:" + c.owner + ":" + room + ":edits"
}

func (c *RedisCache) ChatHistory(ctx context.Context, room string) []model.ChatMessage {
	values, err := c.client.LRange(ctx, c.chatKey(room), 0, -1).Result()
	if err != nil {
		c.logger.Warn("read chat history", "room", room, "err", err)
		return []model.ChatMessage{}
	}
	return decodeAll[model.ChatMessage](c.logger, room, values)
}

func (c *RedisCache) EditHistory(ctx context.Context, room string) []model.CollaborativeEdit {
	values, err := c.client.LRange(ctx, c.editKey(room), 0, -1).Result()
	if err != nil {
		c.logger.Warn("read edit history", "room", room, "err", err)
		return []model.CollaborativeEdit{}
	}
	return decodeAll[model.CollaborativeEdit](c.logger, room, values)
}

// AppendChat appends at the tail and keeps the newest Limits.Chat entries.
// A message whose id is already cached is ignored.
func (c *RedisCache) AppendChat(ctx context.Context, room string, msg model.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}
	key := c.chatKey(room)
	err = c.appendUnique(ctx, key, msg.ID, func(pipe redis.Pipeliner) {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-c.limits.Chat), -1)
	})
	if err != nil {
		return fmt.Errorf("append chat history: %w", err)
	}
	return nil
}

// AppendEdit prepends and keeps the newest Limits.Edit entries. An edit
// whose id is already cached is ignored.
func (c *RedisCache) AppendEdit(ctx context.Context, room string, edit model.CollaborativeEdit) error {
	data, err := json.Marshal(edit)
	if err != nil {
		return fmt.Errorf("marshal edit: %w", err)
	}
	key := c.editKey(room)
	err = c.appendUnique(ctx, key, edit.ID, func(pipe redis.Pipeliner) {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(c.limits.Edit-1))
	})
	if err != nil {
		return fmt.Errorf("append edit history: %w", err)
	}
	return nil
}

const maxAppendAttempts = 5

// appendUnique runs write in a transaction unless an entry with id is
// already in the list at key. Sibling connections of one owner append the
// same entries, so the check and the write are guarded by WATCH.
func (c *RedisCache) appendUnique(ctx context.Context, key, id string, write func(redis.Pipeliner)) error {
	txf := func(tx *redis.Tx) error {
		if id != "" {
			values, err := tx.LRange(ctx, key, 0, -1).Result()
			if err != nil {
				return err
			}
			if containsID(values, id) {
				return nil
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			write(pipe)
			if c.ttl > 0 {
				pipe.Expire(ctx, key, c.ttl)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		err := c.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%s changed concurrently %d times", key, maxAppendAttempts)
}

func containsID(values []string, id string) bool {
	for _, value := range values {
		var entry struct {
			ID string `json:"id"`
		}
		if json.Unmarshal([]byte(value), &entry) == nil && entry.ID == id {
			return true
		}
	}
	return false
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func decodeAll[T any](logger *slog.Logger, room string, values []string) []T {
	items := make([]T, 0, len(values))
	for _, value := range values {
		var item T
		if err := json.Unmarshal([]byte(value), &item); err != nil {
			logger.Warn("skipping malformed history entry", "room", room, "err", err)
			continue
		}
		items = append(items, item)
	}
	return items
}
