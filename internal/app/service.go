package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"secondbrain/api/internal/auth"
	"secondbrain/api/internal/collab"
	"secondbrain/api/internal/config"
	"secondbrain/api/internal/history"
	"secondbrain/api/internal/log"
	"secondbrain/api/internal/model"
	"secondbrain/api/internal/realtime"
	"secondbrain/api/internal/resolve"
	"secondbrain/api/internal/roomsync"
	"secondbrain/api/internal/store"
)

type dataStore interface {
	Ping(context.Context) error
	SaveEdit(context.Context, string, model.CollaborativeEdit) error
	ListEdits(context.Context, store.EditFilter) ([]model.CollaborativeEdit, error)
	LatestEdits(ctx context.Context, room, resourceType, resourceID string) ([]model.CollaborativeEdit, error)
	SaveChatMessage(context.Context, model.ChatMessage) error
	ListChatMessages(context.Context, string, int) ([]model.ChatMessage, error)
}

// Check reports whether one dependency is usable.
type Check func(context.Context) error

type Options struct {
	// Store is optional; without it edits and chat are not persisted.
	Store     dataStore
	Transport realtime.Transport
	Caches    history.OwnerFunc
	Logger    *slog.Logger

	// Checks are run by the readiness endpoint, keyed by dependency name.
	Checks map[string]Check
}

type Service struct {
	cfg       config.Config
	store     dataStore
	transport realtime.Transport
	caches    history.OwnerFunc
	checks    map[string]Check
	logger    *slog.Logger
}

func New(cfg config.Config, opts Options) *Service {
	if opts.Transport == nil {
		opts.Transport = realtime.NewHub()
	}
	if opts.Caches == nil {
		opts.Caches = history.NewMemoryCaches(history.Limits{
			Chat: cfg.History.ChatLimit,
			Edit: cfg.History.EditLimit,
		}).OwnerFunc()
	}
	if opts.Logger == nil {
		opts.Logger = log.New("app")
	}
	checks := map[string]Check{}
	for name, check := range opts.Checks {
		checks[name] = check
	}
	if opts.Store != nil {
		checks["database"] = opts.Store.Ping
	}
	return &Service{
		cfg:       cfg,
		store:     opts.Store,
		transport: opts.Transport,
		caches:    opts.Caches,
		checks:    checks,
		logger:    opts.Logger,
	}
}

// Ready runs every readiness check and returns the failures by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	failures := map[string]error{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failures[name] = err
		}
	}
	return failures
}

func (s *Service) CheckNames() []string {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	return names
}

// IdentityFromToken resolves the caller. A missing token yields the
// placeholder identity so collaboration works without a session.
func (s *Service) IdentityFromToken(token string) (model.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return model.PlaceholderIdentity(), nil
	}
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return model.Identity{}, err
	}
	return claims.Identity().OrPlaceholder(), nil
}

// NewRoomSession builds the per-connection room session.
func (s *Service) NewRoomSession(logger *slog.Logger) *roomsync.Session {
	var persister collab.Persister
	if s.store != nil {
		persister = s.store
	}
	return roomsync.NewSession(roomsync.Options{
		Transport:        s.transport,
		Caches:           s.caches,
		Persister:        persister,
		Logger:           logger,
		EditHistoryLimit: s.cfg.Realtime.EditHistoryLimit,
		EditorLeaseTTL:   s.cfg.Realtime.EditorLeaseTTL,
		CursorInterval:   s.cfg.Realtime.CursorInterval,
	})
}

type CachedHistory struct {
	ChatMessages []model.ChatMessage       `json:"chat_messages"`
	EditHistory  []model.CollaborativeEdit `json:"edit_history"`
}

// CachedHistory returns what the caller's history cache holds for room.
func (s *Service) CachedHistory(ctx context.Context, identity model.Identity, room string) CachedHistory {
	cache := s.caches(identity.UserID)
	return CachedHistory{
		ChatMessages: cache.ChatHistory(ctx, room),
		EditHistory:  cache.EditHistory(ctx, room),
	}
}

func (s *Service) ListEdits(ctx context.Context, filter store.EditFilter) ([]model.CollaborativeEdit, error) {
	if s.store == nil {
		return nil, errPersistenceDisabled
	}
	edits, err := s.store.ListEdits(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list edits: %w", err)
	}
	return edits, nil
}

// ResolveResource applies last-write-wins to the persisted edits of one
// resource. Every field ever edited is resolved, however old its last edit.
func (s *Service) ResolveResource(ctx context.Context, room, resourceType, resourceID string) (map[string]json.RawMessage, error) {
	if s.store == nil {
		return nil, errPersistenceDisabled
	}
	edits, err := s.store.LatestEdits(ctx, room, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("latest resource edits: %w", err)
	}
	if len(edits) == 0 {
		return nil, noEditsRecorded(resourceType, resourceID)
	}
	return resolve.Fields(edits), nil
}

func (s *Service) ListChatMessages(ctx context.Context, room string, limit int) ([]model.ChatMessage, error) {
	if s.store == nil {
		return nil, errPersistenceDisabled
	}
	messages, err := s.store.ListChatMessages(ctx, room, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	return messages, nil
}

