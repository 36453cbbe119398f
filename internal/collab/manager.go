// Package collab bridges one collaboration room to the realtime transport:
// presence, field-edit broadcasts, chat and advisory editor claims.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"secondbrain/api/internal/history"
	"secondbrain/api/internal/log"
	"secondbrain/api/internal/model"
	"secondbrain/api/internal/realtime"
	"secondbrain/api/internal/util"
)

const (
	EventEdit        = "edit"
	EventChat        = "chat"
	EventEditorStart = "editor:start"
	EventEditorStop  = "editor:stop"
)

const persistTimeout = 10 * time.Second

var (
	ErrNotJoined = errors.New("room not joined")
	ErrLeft      = errors.New("manager has left the room")
)

// Persister stores stamped edits and chat messages for later retrieval.
type Persister interface {
	SaveEdit(ctx context.Context, room string, edit model.CollaborativeEdit) error
	SaveChatMessage(ctx context.Context, msg model.ChatMessage) error
}

type Options struct {
	Transport realtime.Transport
	Logger    *slog.Logger
	Now       func() time.Time

	// Cache receives every sent and received edit and chat message.
	Cache history.Cache

	// Persister is optional; writes are best-effort and run in the background.
	Persister Persister

	// EditorLeaseTTL bounds how long an editor claim lives without renewal.
	// Zero keeps claims until released.
	EditorLeaseTTL time.Duration
}

// Manager owns one transport channel for a room and fans transport events
// out to registered callbacks.
type Manager struct {
	room      string
	transport realtime.Transport
	cache     history.Cache
	persister Persister
	logger    *slog.Logger
	leaseTTL  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	channel   realtime.Channel
	self      string
	connected bool
	left      bool
	stopLease context.CancelFunc
	editors   editorSet
	claims    editorSet

	onEdit     util.Observers[model.CollaborativeEdit]
	onPresence util.Observers[[]model.Presence]
	onChat     util.Observers[model.ChatMessage]
	onEditors  util.Observers[[]model.ActiveEditor]

	pending sync.WaitGroup
}

func NewManager(room string, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.New("collab")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		room:      room,
		transport: opts.Transport,
		cache:     opts.Cache,
		persister: opts.Persister,
		logger:    opts.Logger.With("room", room),
		leaseTTL:  opts.EditorLeaseTTL,
		now:       opts.Now,
	}
}

func (m *Manager) Room() string {
	return m.room
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Join subscribes to the room and tracks the initial presence. When the
// subscription never confirms, Join returns with ctx and the manager stays
// disconnected.
func (m *Manager) Join(ctx context.Context, presence model.Presence) error {
	if strings.TrimSpace(presence.UserID) == "" {
		return fmt.Errorf("join room %s: presence user_id is required", m.room)
	}

	m.mu.Lock()
	if m.left {
		m.mu.Unlock()
		return ErrLeft
	}
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	if m.channel == nil {
		m.channel = m.transport.Channel(m.room, presence.UserID)
		m.self = presence.UserID
	}
	ch := m.channel
	presence.UserID = m.self
	m.mu.Unlock()

	handlers := realtime.Handlers{OnSync: m.handleSync, OnBroadcast: m.handleBroadcast}
	if err := ch.Subscribe(ctx, handlers); err != nil {
		return fmt.Errorf("join room %s: %w", m.room, err)
	}

	presence.LastSeen = m.now()
	payload, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := ch.Track(ctx, payload); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}

	m.mu.Lock()
	if m.left {
		m.mu.Unlock()
		return ErrLeft
	}
	m.connected = true
	if m.leaseTTL > 0 {
		leaseCtx, cancel := context.WithCancel(context.Background())
		m.stopLease = cancel
		go m.leaseLoop(leaseCtx)
	}
	m.mu.Unlock()

	m.logger.Debug("joined room", "user_id", presence.UserID)
	return nil
}

// Leave untracks presence and unsubscribes. Callbacks registered before
// Leave are never invoked afterwards. Safe to call repeatedly, and before
// or during Join.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	if m.left {
		m.mu.Unlock()
		return nil
	}
	m.left = true
	ch := m.channel
	wasConnected := m.connected
	m.connected = false
	stop := m.stopLease
	m.stopLease = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.onEdit.Clear()
	m.onPresence.Clear()
	m.onChat.Clear()
	m.onEditors.Clear()

	var errs []error
	if ch != nil {
		if wasConnected {
			if err := ch.Untrack(ctx); err != nil && !errors.Is(err, realtime.ErrNotSubscribed) {
				errs = append(errs, fmt.Errorf("untrack presence: %w", err))
			}
		}
		if err := ch.Unsubscribe(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
		}
	}
	m.pending.Wait()
	return errors.Join(errs...)
}

// UpdatePresence merges update over the last tracked presence of the local
// user and tracks the result. Fields the update leaves nil keep their value.
func (m *Manager) UpdatePresence(ctx context.Context, update model.PresenceUpdate) error {
	ch, self, err := m.joined()
	if err != nil {
		return err
	}

	current := model.Presence{}
	if raw, ok := ch.PresenceState()[self]; ok {
		if err := json.Unmarshal(raw, &current); err != nil {
			current = model.Presence{}
		}
	}
	merged := update.Apply(current)
	merged.UserID = self
	if update.LastSeen == nil {
		merged.LastSeen = m.now()
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := ch.Track(ctx, payload); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	return nil
}

// SendEdit stamps and broadcasts an edit, records it in the history cache,
// and persists it in the background.
func (m *Manager) SendEdit(ctx context.Context, edit model.CollaborativeEdit) (model.CollaborativeEdit, error) {
	ch, self, err := m.joined()
	if err != nil {
		return model.CollaborativeEdit{}, err
	}
	edit.ID = util.NewID("edit")
	edit.Timestamp = m.now().UTC()
	if edit.UserID == "" {
		edit.UserID = self
	}

	if err := m.send(ctx, ch, EventEdit, edit); err != nil {
		return model.CollaborativeEdit{}, err
	}
	m.cacheEdit(ctx, edit)
	if m.persister != nil {
		m.persist("edit", func(ctx context.Context) error {
			return m.persister.SaveEdit(ctx, m.room, edit)
		})
	}
	return edit, nil
}

// SendChatMessage stamps and broadcasts a chat message and appends it to the
// history cache. The stamped message is returned so the caller can render it
// without waiting for an echo.
func (m *Manager) SendChatMessage(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error) {
	ch, self, err := m.joined()
	if err != nil {
		return model.ChatMessage{}, err
	}
	msg.ID = util.NewID("msg")
	msg.Timestamp = m.now().UTC()
	msg.WorkspaceID = m.room
	if msg.UserID == "" {
		msg.UserID = self
	}
	if msg.Type == "" {
		msg.Type = model.ChatTypeMessage
	}

	if err := m.send(ctx, ch, EventChat, msg); err != nil {
		return model.ChatMessage{}, err
	}
	m.cacheChat(ctx, msg)
	if m.persister != nil {
		m.persist("chat", func(ctx context.Context) error {
			return m.persister.SaveChatMessage(ctx, msg)
		})
	}
	return msg, nil
}

// StartEditing broadcasts an advisory claim on one field. With a lease TTL
// the claim is renewed until StopEditing or Leave.
func (m *Manager) StartEditing(ctx context.Context, claim model.ActiveEditor) error {
	ch, self, err := m.joined()
	if err != nil {
		return err
	}
	if claim.UserID == "" {
		claim.UserID = self
	}
	if m.leaseTTL > 0 {
		claim.ExpiresAt = m.now().Add(m.leaseTTL).UTC()
	}
	if err := m.send(ctx, ch, EventEditorStart, claim); err != nil {
		return err
	}
	m.mu.Lock()
	m.claims.claim(claim)
	m.mu.Unlock()
	return nil
}

type editorRelease struct {
	UserID     string `json:"user_id"`
	ResourceID string `json:"resource_id"`
	Field      string `json:"field"`
}

func (m *Manager) StopEditing(ctx context.Context, resourceID, field string) error {
	ch, self, err := m.joined()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.claims.release(resourceID, field)
	m.mu.Unlock()
	return m.send(ctx, ch, EventEditorStop, editorRelease{UserID: self, ResourceID: resourceID, Field: field})
}

// ActiveEditors returns the claims received from peers.
func (m *Manager) ActiveEditors() []model.ActiveEditor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.editors.list()
}

func (m *Manager) OnEdit(fn func(model.CollaborativeEdit)) func() {
	return m.onEdit.Add(fn)
}

func (m *Manager) OnPresenceChange(fn func([]model.Presence)) func() {
	return m.onPresence.Add(fn)
}

func (m *Manager) OnChat(fn func(model.ChatMessage)) func() {
	return m.onChat.Add(fn)
}

func (m *Manager) OnActiveEditorsChange(fn func([]model.ActiveEditor)) func() {
	return m.onEditors.Add(fn)
}

func (m *Manager) joined() (realtime.Channel, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.left {
		return nil, "", ErrLeft
	}
	if !m.connected {
		return nil, "", ErrNotJoined
	}
	return m.channel, m.self, nil
}

func (m *Manager) send(ctx context.Context, ch realtime.Channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	if err := ch.Send(ctx, realtime.Broadcast{Event: event, Payload: data}); err != nil {
		return fmt.Errorf("broadcast %s: %w", event, err)
	}
	return nil
}

func (m *Manager) handleSync(state realtime.PresenceState) {
	presences := make([]model.Presence, 0, len(state))
	for key, raw := range state {
		var presence model.Presence
		if err := json.Unmarshal(raw, &presence); err != nil {
			m.logger.Warn("skipping malformed presence", "key", key, "err", err)
			continue
		}
		if presence.UserID == "" {
			presence.UserID = key
		}
		presences = append(presences, presence)
	}
	sort.Slice(presences, func(i, j int) bool { return presences[i].UserID < presences[j].UserID })
	m.onPresence.Notify(presences)
}

func (m *Manager) handleBroadcast(event string, payload json.RawMessage) {
	m.mu.Lock()
	left := m.left
	m.mu.Unlock()
	if left {
		return
	}

	ctx := context.Background()
	switch event {
	case EventEdit:
		var edit model.CollaborativeEdit
		if err := json.Unmarshal(payload, &edit); err != nil {
			m.logger.Warn("dropping malformed edit", "err", err)
			return
		}
		m.cacheEdit(ctx, edit)
		m.onEdit.Notify(edit)
	case EventChat:
		var msg model.ChatMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.logger.Warn("dropping malformed chat message", "err", err)
			return
		}
		m.cacheChat(ctx, msg)
		m.onChat.Notify(msg)
	case EventEditorStart:
		var claim model.ActiveEditor
		if err := json.Unmarshal(payload, &claim); err != nil {
			m.logger.Warn("dropping malformed editor claim", "err", err)
			return
		}
		m.mu.Lock()
		m.editors.claim(claim)
		editors := m.editors.list()
		m.mu.Unlock()
		m.onEditors.Notify(editors)
	case EventEditorStop:
		var release editorRelease
		if err := json.Unmarshal(payload, &release); err != nil {
			m.logger.Warn("dropping malformed editor release", "err", err)
			return
		}
		m.mu.Lock()
		changed := m.editors.release(release.ResourceID, release.Field)
		editors := m.editors.list()
		m.mu.Unlock()
		if changed {
			m.onEditors.Notify(editors)
		}
	default:
		m.logger.Debug("ignoring unknown event", "event", event)
	}
}

func (m *Manager) leaseLoop(ctx context.Context) {
	ticker := time.NewTicker(m.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renewLeases(ctx)
		}
	}
}

// renewLeases re-broadcasts the local user's claims with a fresh expiry and
// drops expired peer claims.
func (m *Manager) renewLeases(ctx context.Context) {
	now := m.now()
	m.mu.Lock()
	ch := m.channel
	connected := m.connected
	claims := m.claims.list()
	pruned := m.editors.prune(now)
	editors := m.editors.list()
	m.mu.Unlock()

	if pruned {
		m.onEditors.Notify(editors)
	}
	if !connected {
		return
	}
	for _, claim := range claims {
		claim.ExpiresAt = now.Add(m.leaseTTL).UTC()
		if err := m.send(ctx, ch, EventEditorStart, claim); err != nil {
			m.logger.Warn("renew editor claim failed", "resource_id", claim.ResourceID, "field", claim.Field, "err", err)
			continue
		}
		m.mu.Lock()
		m.claims.claim(claim)
		m.mu.Unlock()
	}
}

func (m *Manager) cacheEdit(ctx context.Context, edit model.CollaborativeEdit) {
	if m.cache == nil {
		return
	}
	if err := m.cache.AppendEdit(ctx, m.room, edit); err != nil {
		m.logger.Warn("cache edit failed", "edit_id", edit.ID, "err", err)
	}
}

func (m *Manager) cacheChat(ctx context.Context, msg model.ChatMessage) {
	if m.cache == nil {
		return
	}
	if err := m.cache.AppendChat(ctx, m.room, msg); err != nil {
		m.logger.Warn("cache chat message failed", "message_id", msg.ID, "err", err)
	}
}

// persist runs write in the background. Once Leave has started, new writes
// are dropped so pending.Add never races the Wait in Leave.
func (m *Manager) persist(kind string, write func(context.Context) error) {
	m.mu.Lock()
	if m.left {
		m.mu.Unlock()
		m.logger.Debug("persist skipped after leave", "kind", kind)
		return
	}
	m.pending.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			m.logger.Warn("persist failed", "kind", kind, "err", err)
		}
	}()
}
