package realtime

import (
	"context"
	"encoding/json"
	"sync"
)

// Hub is an in-process Transport. Deliveries run synchronously on the
// goroutine of the publishing call, in subscription order per room.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*hubRoom
}

type hubRoom struct {
	members []*hubChannel
	version uint64

	// tracks holds every connection's entry per presence key, most recent
	// last. The key stays present until its last connection untracks.
	tracks map[string][]hubTrack
}

type hubTrack struct {
	ch      *hubChannel
	payload json.RawMessage
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*hubRoom)}
}

func (h *Hub) Channel(room, presenceKey string) Channel {
	return &hubChannel{hub: h, room: room, key: presenceKey}
}

// Members returns the number of live subscriptions to room.
func (h *Hub) Members(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[room]; ok {
		return len(r.members)
	}
	return 0
}

func (h *Hub) room(name string) *hubRoom {
	r, ok := h.rooms[name]
	if !ok {
		r = &hubRoom{tracks: make(map[string][]hubTrack)}
		h.rooms[name] = r
	}
	return r
}

func (r *hubRoom) presence() PresenceState {
	state := make(PresenceState, len(r.tracks))
	for key, tracks := range r.tracks {
		state[key] = tracks[len(tracks)-1].payload
	}
	return state
}

func (r *hubRoom) track(c *hubChannel, payload json.RawMessage) {
	tracks := withoutChannel(r.tracks[c.key], c)
	r.tracks[c.key] = append(tracks, hubTrack{ch: c, payload: payload})
	r.version++
}

// untrack removes c's entry and reports whether it had one.
func (r *hubRoom) untrack(c *hubChannel) bool {
	tracks := r.tracks[c.key]
	rest := withoutChannel(tracks, c)
	if len(rest) == len(tracks) {
		return false
	}
	if len(rest) == 0 {
		delete(r.tracks, c.key)
	} else {
		r.tracks[c.key] = rest
	}
	r.version++
	return true
}

func withoutChannel(tracks []hubTrack, c *hubChannel) []hubTrack {
	rest := make([]hubTrack, 0, len(tracks))
	for _, t := range tracks {
		if t.ch != c {
			rest = append(rest, t)
		}
	}
	return rest
}

type hubChannel struct {
	hub  *Hub
	room string
	key  string

	// syncMu orders sync deliveries so an older snapshot never replaces a
	// newer one.
	syncMu sync.Mutex

	mu         sync.Mutex
	handlers   Handlers
	state      PresenceState
	version    uint64
	subscribed bool
	closed     bool
}

func (c *hubChannel) Subscribe(ctx context.Context, handlers Handlers) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.handlers = handlers
	c.subscribed = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	r := c.hub.room(c.room)
	r.members = append(r.members, c)
	snapshot, version := r.presence(), r.version
	c.hub.mu.Unlock()

	c.deliverSync(version, snapshot)
	return nil
}

func (c *hubChannel) Track(ctx context.Context, payload json.RawMessage) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	c.hub.mu.Lock()
	r := c.hub.room(c.room)
	r.track(c, append(json.RawMessage(nil), payload...))
	members, snapshot, version := c.snapshotLocked(r)
	c.hub.mu.Unlock()

	for _, member := range members {
		member.deliverSync(version, snapshot)
	}
	return nil
}

func (c *hubChannel) Untrack(ctx context.Context) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	c.hub.mu.Lock()
	r := c.hub.room(c.room)
	if !r.untrack(c) {
		c.hub.mu.Unlock()
		return nil
	}
	members, snapshot, version := c.snapshotLocked(r)
	c.hub.mu.Unlock()

	for _, member := range members {
		member.deliverSync(version, snapshot)
	}
	return nil
}

func (c *hubChannel) Send(ctx context.Context, message Broadcast) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	c.hub.mu.Lock()
	r := c.hub.room(c.room)
	members := make([]*hubChannel, 0, len(r.members))
	for _, member := range r.members {
		if member != c {
			members = append(members, member)
		}
	}
	c.hub.mu.Unlock()

	for _, member := range members {
		member.deliverBroadcast(message)
	}
	return nil
}

func (c *hubChannel) PresenceState() PresenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

func (c *hubChannel) Unsubscribe(context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	wasSubscribed := c.subscribed
	c.closed = true
	c.subscribed = false
	c.handlers = Handlers{}
	c.mu.Unlock()
	if !wasSubscribed {
		return nil
	}

	c.hub.mu.Lock()
	r := c.hub.room(c.room)
	for i, member := range r.members {
		if member == c {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	var (
		members  []*hubChannel
		snapshot PresenceState
		version  uint64
	)
	changed := r.untrack(c)
	if changed {
		members, snapshot, version = c.snapshotLocked(r)
	}
	if len(r.members) == 0 && len(r.tracks) == 0 {
		delete(c.hub.rooms, c.room)
	}
	c.hub.mu.Unlock()

	for _, member := range members {
		member.deliverSync(version, snapshot)
	}
	return nil
}

func (c *hubChannel) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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

// snapshotLocked must be called with the hub lock held.
func (c *hubChannel) snapshotLocked(r *hubRoom) ([]*hubChannel, PresenceState, uint64) {
	members := make([]*hubChannel, len(r.members))
	copy(members, r.members)
	return members, r.presence(), r.version
}

// deliverSync applies a room snapshot unless a newer one was already
// applied. Handlers run with syncMu held and must not track on a channel of
// the same room from the calling goroutine.
func (c *hubChannel) deliverSync(version uint64, state PresenceState) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.Lock()
	if !c.subscribed || version < c.version {
		c.mu.Unlock()
		return
	}
	c.version = version
	c.state = state.Clone()
	handlers := c.handlers
	c.mu.Unlock()
	handlers.sync(state.Clone())
}

func (c *hubChannel) deliverBroadcast(message Broadcast) {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return
	}
	handlers := c.handlers
	c.mu.Unlock()
	handlers.broadcast(message)
}
