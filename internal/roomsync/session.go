// Package roomsync mirrors one room's collaboration events into local state
// for a single connected client, and exposes the client's actions.
package roomsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"secondbrain/api/internal/collab"
	"secondbrain/api/internal/history"
	"secondbrain/api/internal/log"
	"secondbrain/api/internal/model"
	"secondbrain/api/internal/realtime"
	"secondbrain/api/internal/util"
)

const DefaultEditHistoryLimit = 200

var ErrNotMounted = errors.New("no room mounted")

type EventKind string

const (
	EventHistory       EventKind = "history"
	EventPresence      EventKind = "presence"
	EventChat          EventKind = "chat"
	EventEdit          EventKind = "edit"
	EventActiveEditors EventKind = "active_editors"
	EventStatus        EventKind = "status"
)

// Event describes one state change. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind          EventKind
	Room          string
	Presences     []model.Presence
	Chat          *model.ChatMessage
	Edit          *model.CollaborativeEdit
	ChatMessages  []model.ChatMessage
	EditHistory   []model.CollaborativeEdit
	ActiveEditors []model.ActiveEditor
	Connected     bool
}

type State struct {
	Room          string                    `json:"room"`
	Presences     []model.Presence          `json:"presences"`
	IsConnected   bool                      `json:"is_connected"`
	ChatMessages  []model.ChatMessage       `json:"chat_messages"`
	ActiveEditors []model.ActiveEditor      `json:"active_editors"`
	EditHistory   []model.CollaborativeEdit `json:"edit_history"`
}

type Options struct {
	Transport realtime.Transport

	// Caches resolves the history cache owned by the mounted user.
	Caches           history.OwnerFunc
	Persister        collab.Persister
	Logger           *slog.Logger
	EditHistoryLimit int
	EditorLeaseTTL   time.Duration
	CursorInterval   time.Duration
	Now              func() time.Time
}

// Session keeps at most one collaboration manager alive, scoped to the
// mounted room and user. Action failures are logged and otherwise ignored:
// collaboration must never block the caller.
type Session struct {
	opts   Options
	logger *slog.Logger
	cursor *CursorTracker

	// lifecycle serializes Mount and Unmount.
	lifecycle sync.Mutex

	mu          sync.Mutex
	gen         uint64
	room        string
	self        model.Presence
	manager     *collab.Manager
	cancelJoin  context.CancelFunc
	connected   bool
	connectedCh chan struct{}
	presences   []model.Presence
	chat        []model.ChatMessage
	chatIDs     map[string]struct{}
	edits       []model.CollaborativeEdit
	editors     []model.ActiveEditor

	listeners     util.Observers[Event]
	editObservers util.Observers[model.CollaborativeEdit]
}

func NewSession(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = log.New("roomsync")
	}
	if opts.EditHistoryLimit <= 0 {
		opts.EditHistoryLimit = DefaultEditHistoryLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Caches == nil {
		opts.Caches = history.NewMemoryCaches(history.Limits{}).OwnerFunc()
	}
	return &Session{
		opts:   opts,
		logger: opts.Logger,
		cursor: NewCursorTracker(opts.CursorInterval, opts.Now),
	}
}

// Mount switches the session to room as the given user. Cached history is
// loaded and published before Mount returns; the join itself completes in
// the background. Mounting the room and user already mounted is a no-op.
func (s *Session) Mount(ctx context.Context, room string, presence model.Presence) {
	if presence.UserID == "" {
		identity := model.PlaceholderIdentity()
		presence.UserID = identity.UserID
		if presence.Username == "" {
			presence.Username = identity.Username
		}
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.manager != nil && s.room == room && s.self.UserID == presence.UserID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.unmountLocked(ctx)

	cache := s.opts.Caches(presence.UserID)
	chat, chatIDs := uniqueByID(cache.ChatHistory(ctx, room), func(m model.ChatMessage) string { return m.ID })
	edits, _ := uniqueByID(cache.EditHistory(ctx, room), func(e model.CollaborativeEdit) string { return e.ID })
	if len(edits) > s.opts.EditHistoryLimit {
		edits = edits[:s.opts.EditHistoryLimit]
	}

	manager := collab.NewManager(room, collab.Options{
		Transport:      s.opts.Transport,
		Cache:          cache,
		Persister:      s.opts.Persister,
		Logger:         s.logger,
		EditorLeaseTTL: s.opts.EditorLeaseTTL,
		Now:            s.opts.Now,
	})
	joinCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.room = room
	s.self = presence
	s.manager = manager
	s.cancelJoin = cancel
	s.connected = false
	s.connectedCh = make(chan struct{})
	s.presences = nil
	s.chat = chat
	s.chatIDs = chatIDs
	s.edits = edits
	s.editors = nil
	s.mu.Unlock()

	s.cursor.Reset()
	s.listeners.Notify(Event{
		Kind:         EventHistory,
		Room:         room,
		ChatMessages: cloneSlice(chat),
		EditHistory:  cloneSlice(edits),
	})

	manager.OnPresenceChange(func(list []model.Presence) { s.handlePresence(gen, list) })
	manager.OnChat(func(msg model.ChatMessage) { s.handleChat(gen, msg) })
	manager.OnEdit(func(edit model.CollaborativeEdit) { s.handleEdit(gen, edit) })
	manager.OnActiveEditorsChange(func(list []model.ActiveEditor) { s.handleEditors(gen, list) })

	go s.join(joinCtx, gen, manager, presence)
}

func (s *Session) join(ctx context.Context, gen uint64, manager *collab.Manager, presence model.Presence) {
	if err := manager.Join(ctx, presence); err != nil {
		if !errors.Is(err, collab.ErrLeft) && !errors.Is(err, context.Canceled) {
			s.logger.Warn("join room failed", "room", manager.Room(), "err", err)
		}
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.connected = true
	close(s.connectedCh)
	room := s.room
	s.mu.Unlock()

	s.listeners.Notify(Event{Kind: EventStatus, Room: room, Connected: true})
}

// WaitConnected blocks until the mounted room's join succeeded.
func (s *Session) WaitConnected(ctx context.Context) error {
	s.mu.Lock()
	ch := s.connectedCh
	s.mu.Unlock()
	if ch == nil {
		return ErrNotMounted
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unmount leaves the mounted room. Listeners stay registered.
func (s *Session) Unmount(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.unmountLocked(ctx)
}

func (s *Session) unmountLocked(ctx context.Context) {
	s.mu.Lock()
	manager := s.manager
	cancel := s.cancelJoin
	room := s.room
	wasConnected := s.connected
	s.gen++
	s.manager = nil
	s.cancelJoin = nil
	s.connected = false
	s.connectedCh = nil
	s.presences = nil
	s.editors = nil
	s.mu.Unlock()

	if manager == nil {
		return
	}
	cancel()
	if err := manager.Leave(ctx); err != nil {
		s.logger.Warn("leave room failed", "room", room, "err", err)
	}
	if wasConnected {
		s.listeners.Notify(Event{Kind: EventStatus, Room: room, Connected: false})
	}
}

func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Room:          s.room,
		Presences:     cloneSlice(s.presences),
		IsConnected:   s.connected,
		ChatMessages:  cloneSlice(s.chat),
		ActiveEditors: cloneSlice(s.editors),
		EditHistory:   cloneSlice(s.edits),
	}
}

// Listen registers fn for every state change and returns its unregister
// func.
func (s *Session) Listen(fn func(Event)) func() {
	return s.listeners.Add(fn)
}

// OnEdit registers fn for edits received from peers.
func (s *Session) OnEdit(fn func(model.CollaborativeEdit)) func() {
	return s.editObservers.Add(fn)
}

func (s *Session) UpdatePresence(ctx context.Context, update model.PresenceUpdate) {
	manager, ok := s.active()
	if !ok {
		return
	}
	if err := manager.UpdatePresence(ctx, update); err != nil {
		s.logger.Debug("presence update dropped", "room", manager.Room(), "err", err)
	}
}

// MoveCursor forwards a pointer sample when the cursor gate accepts it.
func (s *Session) MoveCursor(ctx context.Context, x, y float64) bool {
	update, ok := s.cursor.Sample(x, y)
	if !ok {
		return false
	}
	s.UpdatePresence(ctx, update)
	return true
}

// SendEdit broadcasts edit. The sender's own edit history is left alone;
// the edit reaches the sender's history cache only.
func (s *Session) SendEdit(ctx context.Context, edit model.CollaborativeEdit) model.CollaborativeEdit {
	manager, ok := s.active()
	if !ok {
		return model.CollaborativeEdit{}
	}
	if edit.UserID == "" {
		edit.UserID = s.selfPresence().UserID
	}
	sent, err := manager.SendEdit(ctx, edit)
	if err != nil {
		s.logger.Debug("edit dropped", "room", manager.Room(), "err", err)
		return model.CollaborativeEdit{}
	}
	return sent
}

// SendChatMessage broadcasts msg and appends it locally. An empty message is
// returned when the send failed.
func (s *Session) SendChatMessage(ctx context.Context, msg model.ChatMessage) model.ChatMessage {
	manager, ok := s.active()
	if !ok {
		return model.ChatMessage{}
	}
	self := s.selfPresence()
	if msg.UserID == "" {
		msg.UserID = self.UserID
	}
	if msg.Username == "" {
		msg.Username = self.Username
	}
	if msg.Avatar == "" {
		msg.Avatar = self.Avatar
	}
	sent, err := manager.SendChatMessage(ctx, msg)
	if err != nil {
		s.logger.Debug("chat message dropped", "room", manager.Room(), "err", err)
		return model.ChatMessage{}
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.handleChat(gen, sent)
	return sent
}

func (s *Session) StartEditing(ctx context.Context, claim model.ActiveEditor) {
	manager, ok := s.active()
	if !ok {
		return
	}
	self := s.selfPresence()
	claim.UserID = self.UserID
	if claim.Username == "" {
		claim.Username = self.Username
	}
	if err := manager.StartEditing(ctx, claim); err != nil {
		s.logger.Debug("editor claim dropped", "room", manager.Room(), "err", err)
	}
}

func (s *Session) StopEditing(ctx context.Context, resourceID, field string) {
	manager, ok := s.active()
	if !ok {
		return
	}
	if err := manager.StopEditing(ctx, resourceID, field); err != nil {
		s.logger.Debug("editor release dropped", "room", manager.Room(), "err", err)
	}
}

func (s *Session) active() (*collab.Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager, s.manager != nil
}

func (s *Session) selfPresence() model.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *Session) handlePresence(gen uint64, list []model.Presence) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.presences = list
	room := s.room
	s.mu.Unlock()

	s.listeners.Notify(Event{Kind: EventPresence, Room: room, Presences: cloneSlice(list)})
}

func (s *Session) handleChat(gen uint64, msg model.ChatMessage) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if _, seen := s.chatIDs[msg.ID]; seen && msg.ID != "" {
		s.mu.Unlock()
		return
	}
	s.chatIDs[msg.ID] = struct{}{}
	s.chat = append(s.chat, msg)
	room := s.room
	s.mu.Unlock()

	s.listeners.Notify(Event{Kind: EventChat, Room: room, Chat: &msg})
}

func (s *Session) handleEdit(gen uint64, edit model.CollaborativeEdit) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	edits := make([]model.CollaborativeEdit, 0, min(len(s.edits)+1, s.opts.EditHistoryLimit))
	edits = append(edits, edit)
	edits = append(edits, s.edits[:min(len(s.edits), s.opts.EditHistoryLimit-1)]...)
	s.edits = edits
	room := s.room
	s.mu.Unlock()

	s.editObservers.Notify(edit)
	s.listeners.Notify(Event{Kind: EventEdit, Room: room, Edit: &edit})
}

func (s *Session) handleEditors(gen uint64, list []model.ActiveEditor) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.editors = list
	room := s.room
	s.mu.Unlock()

	s.listeners.Notify(Event{Kind: EventActiveEditors, Room: room, ActiveEditors: cloneSlice(list)})
}

// uniqueByID drops every entry whose non-empty id was already seen, keeping
// order, and returns the ids kept.
func uniqueByID[T any](items []T, id func(T) string) ([]T, map[string]struct{}) {
	seen := make(map[string]struct{}, len(items))
	kept := make([]T, 0, len(items))
	for _, item := range items {
		key := id(item)
		if key != "" {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		kept = append(kept, item)
	}
	return kept, seen
}

func cloneSlice[T any](items []T) []T {
	return append(make([]T, 0, len(items)), items...)
}
