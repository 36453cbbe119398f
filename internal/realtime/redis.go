package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"secondbrain/api/internal/log"
)

const (
	defaultPrefix      = "secondbrain:"
	defaultPresenceTTL = 30 * time.Second
)

type RedisOptions struct {
	Prefix string

	// PresenceTTL bounds how long a presence entry outlives its last
	// heartbeat. Heartbeats run every PresenceTTL/2.
	PresenceTTL time.Duration
	Logger      *slog.Logger
}

// RedisTransport shares rooms between processes: broadcasts travel over
// Redis pub/sub and the presence set lives in a per-room hash with one field
// per connection, so a user's tabs are tracked independently.
type RedisTransport struct {
	client      *redis.Client
	prefix      string
	presenceTTL time.Duration
	logger      *slog.Logger
}

func NewRedisTransport(client *redis.Client, opts RedisOptions) *RedisTransport {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = defaultPresenceTTL
	}
	if opts.Logger == nil {
		opts.Logger = log.New("realtime")
	}
	return &RedisTransport{
		client:      client,
		prefix:      opts.Prefix,
		presenceTTL: opts.PresenceTTL,
		logger:      opts.Logger,
	}
}

func (t *RedisTransport) Channel(room, presenceKey string) Channel {
	return &redisChannel{
		t:      t,
		room:   room,
		key:    presenceKey,
		connID: uuid.NewString(),
		logger: t.logger.With("room", room, "presence_key", presenceKey),
	}
}

// Ping checks if Redis is reachable
func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) broadcastTopic(room string) string {
	return t.prefix + "room:" + room + ":broadcast"
}

func (t *RedisTransport) presenceTopic(room string) string {
	return t.prefix + "room:" + room + ":presence"
}

func (t *RedisTransport) membersKey(room string) string {
	return t.prefix + "room:" + room + ":members"
}

type envelope struct {
	Sender  string          `json:"sender"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type presenceEntry struct {
	Key       string          `json:"key"`
	Conn      string          `json:"conn"`
	Payload   json.RawMessage `json:"payload"`
	TrackedAt int64           `json:"tracked_at"`
	ExpiresAt int64           `json:"expires_at"`
}

// newer reports whether e should win over other for the same presence key.
func (e presenceEntry) newer(other presenceEntry) bool {
	if e.TrackedAt != other.TrackedAt {
		return e.TrackedAt > other.TrackedAt
	}
	return e.Conn > other.Conn
}

type redisChannel struct {
	t      *RedisTransport
	room   string
	key    string
	connID string
	logger *slog.Logger

	// refreshMu orders presence reloads so handlers never see an older set
	// after a newer one.
	refreshMu sync.Mutex

	mu         sync.Mutex
	pubsub     *redis.PubSub
	cancel     context.CancelFunc
	handlers   Handlers
	state      PresenceState
	tracked    json.RawMessage
	trackedAt  int64
	subscribed bool
	closed     bool
}

func (c *redisChannel) field() string {
	return c.key + "/" + c.connID
}

func (c *redisChannel) Subscribe(ctx context.Context, handlers Handlers) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	pubsub := c.t.client.Subscribe(ctx, c.t.broadcastTopic(c.room), c.t.presenceTopic(c.room))
	// Wait for confirmation that subscription is created before publishing anything.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe room %s: %w", c.room, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = pubsub.Close()
		return ErrClosed
	}
	c.pubsub = pubsub
	c.cancel = cancel
	c.handlers = handlers
	c.subscribed = true
	c.mu.Unlock()

	go c.run(loopCtx, pubsub.Channel())

	if err := c.refresh(ctx, true); err != nil {
		c.logger.Warn("initial presence sync failed", "err", err)
	}
	return nil
}

func (c *redisChannel) run(ctx context.Context, messages <-chan *redis.Message) {
	ticker := time.NewTicker(c.t.presenceTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			c.handle(ctx, msg)
		case <-ticker.C:
			c.heartbeat(ctx)
		}
	}
}

func (c *redisChannel) handle(ctx context.Context, msg *redis.Message) {
	switch msg.Channel {
	case c.t.presenceTopic(c.room):
		if err := c.refresh(ctx, true); err != nil {
			c.logger.Warn("presence sync failed", "err", err)
		}
	case c.t.broadcastTopic(c.room):
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			c.logger.Warn("dropping malformed broadcast", "err", err)
			return
		}
		if env.Sender == c.connID {
			return
		}
		c.mu.Lock()
		handlers := c.handlers
		subscribed := c.subscribed
		c.mu.Unlock()
		if subscribed {
			handlers.broadcast(Broadcast{Event: env.Event, Payload: env.Payload})
		}
	}
}

func (c *redisChannel) heartbeat(ctx context.Context) {
	c.mu.Lock()
	tracked, trackedAt := c.tracked, c.trackedAt
	c.mu.Unlock()
	if tracked != nil {
		if err := c.writeEntry(ctx, tracked, trackedAt); err != nil {
			c.logger.Warn("presence heartbeat failed", "err", err)
		}
	}
	if err := c.refresh(ctx, false); err != nil {
		c.logger.Warn("presence sync failed", "err", err)
	}
}

// refresh reloads the presence set, pruning expired entries. Handlers are
// invoked when force is set or the set changed.
func (c *redisChannel) refresh(ctx context.Context, force bool) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	entries, err := c.t.client.HGetAll(ctx, c.t.membersKey(c.room)).Result()
	if err != nil {
		return fmt.Errorf("read presence: %w", err)
	}

	now := time.Now().UnixMilli()
	latest := map[string]presenceEntry{}
	var stale []string
	for field, raw := range entries {
		var entry presenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Key == "" || (entry.ExpiresAt > 0 && now >= entry.ExpiresAt) {
			stale = append(stale, field)
			continue
		}
		if current, ok := latest[entry.Key]; !ok || entry.newer(current) {
			latest[entry.Key] = entry
		}
	}
	state := make(PresenceState, len(latest))
	for key, entry := range latest {
		state[key] = entry.Payload
	}
	if len(stale) > 0 {
		if err := c.t.client.HDel(ctx, c.t.membersKey(c.room), stale...).Err(); err != nil {
			return fmt.Errorf("prune presence: %w", err)
		}
		if err := c.notify(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return nil
	}
	changed := !equalState(c.state, state)
	c.state = state
	handlers := c.handlers
	c.mu.Unlock()

	if force || changed {
		handlers.sync(state.Clone())
	}
	return nil
}

func (c *redisChannel) Track(ctx context.Context, payload json.RawMessage) error {
	if err := c.ready(); err != nil {
		return err
	}
	payload = append(json.RawMessage(nil), payload...)
	trackedAt := time.Now().UnixMilli()
	if err := c.writeEntry(ctx, payload, trackedAt); err != nil {
		return err
	}
	c.mu.Lock()
	c.tracked = payload
	c.trackedAt = trackedAt
	if c.state == nil {
		c.state = PresenceState{}
	}
	c.state[c.key] = payload
	c.mu.Unlock()
	return c.notify(ctx)
}

func (c *redisChannel) writeEntry(ctx context.Context, payload json.RawMessage, trackedAt int64) error {
	entry, err := json.Marshal(presenceEntry{
		Key:       c.key,
		Conn:      c.connID,
		Payload:   payload,
		TrackedAt: trackedAt,
		ExpiresAt: time.Now().Add(c.t.presenceTTL).UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	key := c.t.membersKey(c.room)
	_, err = c.t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, c.field(), entry)
		pipe.Expire(ctx, key, 4*c.t.presenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	return nil
}

func (c *redisChannel) Untrack(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.untrack(ctx)
}

func (c *redisChannel) untrack(ctx context.Context) error {
	c.mu.Lock()
	c.tracked = nil
	c.trackedAt = 0
	c.mu.Unlock()
	if err := c.t.client.HDel(ctx, c.t.membersKey(c.room), c.field()).Err(); err != nil {
		return fmt.Errorf("untrack presence: %w", err)
	}
	return c.notify(ctx)
}

func (c *redisChannel) notify(ctx context.Context) error {
	data, err := json.Marshal(envelope{Sender: c.connID})
	if err != nil {
		return fmt.Errorf("marshal presence notice: %w", err)
	}
	if err := c.t.client.Publish(ctx, c.t.presenceTopic(c.room), data).Err(); err != nil {
		return fmt.Errorf("publish presence notice: %w", err)
	}
	return nil
}

func (c *redisChannel) Send(ctx context.Context, message Broadcast) error {
	if err := c.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Sender: c.connID, Event: message.Event, Payload: message.Payload})
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if err := c.t.client.Publish(ctx, c.t.broadcastTopic(c.room), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", message.Event, err)
	}
	return nil
}

func (c *redisChannel) PresenceState() PresenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

func (c *redisChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasSubscribed := c.subscribed
	tracked := c.tracked != nil
	c.subscribed = false
	c.handlers = Handlers{}
	pubsub, cancel := c.pubsub, c.cancel
	c.mu.Unlock()
	if !wasSubscribed {
		return nil
	}

	var untrackErr error
	if tracked {
		untrackErr = c.untrack(ctx)
	}
	cancel()
	if err := pubsub.Close(); err != nil {
		return fmt.Errorf("close subscription: %w", err)
	}
	return untrackErr
}

func (c *redisChannel) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.subscribed {
		return ErrNotSubscribed
	}
	return nil
}

func equalState(a, b PresenceState) bool {
	if len(a) != len(b) {
		return false
	}
	for key, value := range a {
		other, ok := b[key]
		if !ok || !bytes.Equal(value, other) {
			return false
		}
	}
	return true
}
