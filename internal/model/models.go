// Package model holds the values exchanged between collaborating room peers.
package model

import (
	"encoding/json"
	"time"
)

const (
	ChatTypeMessage = "message"
	ChatTypeSystem  = "system"
)

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence is one client's observable state in a room.
type Presence struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	Avatar      string    `json:"avatar,omitempty"`
	Cursor      *Cursor   `json:"cursor,omitempty"`
	CurrentPage string    `json:"current_page"`
	IsEditing   *bool     `json:"is_editing,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// PresenceUpdate is a partial presence. Nil fields are left untouched when
// applied.
type PresenceUpdate struct {
	Username    *string    `json:"username,omitempty"`
	Avatar      *string    `json:"avatar,omitempty"`
	Cursor      *Cursor    `json:"cursor,omitempty"`
	CurrentPage *string    `json:"current_page,omitempty"`
	IsEditing   *bool      `json:"is_editing,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

// Apply shallow-merges the update over base. The user id is never changed.
func (u PresenceUpdate) Apply(base Presence) Presence {
	merged := base
	if u.Username != nil {
		merged.Username = *u.Username
	}
	if u.Avatar != nil {
		merged.Avatar = *u.Avatar
	}
	if u.Cursor != nil {
		cursor := *u.Cursor
		merged.Cursor = &cursor
	}
	if u.CurrentPage != nil {
		merged.CurrentPage = *u.CurrentPage
	}
	if u.IsEditing != nil {
		editing := *u.IsEditing
		merged.IsEditing = &editing
	}
	if u.LastSeen != nil {
		merged.LastSeen = *u.LastSeen
	}
	return merged
}

type EditKind string

const (
	EditAdded   EditKind = "added"
	EditRemoved EditKind = "removed"
	EditChanged EditKind = "changed"
)

// CollaborativeEdit is a single field-level change notification. A nil
// Value means the field was deleted.
type CollaborativeEdit struct {
	ID           string          `json:"id"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	UserID       string          `json:"user_id"`
	Field        string          `json:"field"`
	Value        json.RawMessage `json:"value,omitempty"`
	OldValue     json.RawMessage `json:"old_value,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Kind classifies the edit for change-history display.
func (e CollaborativeEdit) Kind() EditKind {
	switch {
	case isAbsent(e.OldValue) && !isAbsent(e.Value):
		return EditAdded
	case isAbsent(e.Value) && !isAbsent(e.OldValue):
		return EditRemoved
	default:
		return EditChanged
	}
}

// Deleted reports whether the edit removes the field.
func (e CollaborativeEdit) Deleted() bool {
	return isAbsent(e.Value)
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

type ChatMessage struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	Avatar      string    `json:"avatar,omitempty"`
	Content     string    `json:"content"`
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
}

// ActiveEditor is an advisory claim that a user is editing one field.
// A zero ExpiresAt never expires.
type ActiveEditor struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Field        string    `json:"field"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the claim's lease ran out at now.
func (a ActiveEditor) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// SameClaim reports whether both claims name the same user and field.
func (a ActiveEditor) SameClaim(other ActiveEditor) bool {
	return a.UserID == other.UserID && a.ResourceID == other.ResourceID && a.Field == other.Field
}
